// approvald serves the approval workflow engine over HTTP.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/songzhibin97/gkit/generator"
	cli "github.com/urfave/cli/v3"

	"github.com/opsretail/approval-flow/directory"
	"github.com/opsretail/approval-flow/log"
	"github.com/opsretail/approval-flow/notify"
	"github.com/opsretail/approval-flow/rules"
	"github.com/opsretail/approval-flow/storage"
	"github.com/opsretail/approval-flow/web"
	"github.com/opsretail/approval-flow/workflow"
)

const defaultPort = 9200

func main() {
	logger := log.WithModule("approvald")

	cmd := &cli.Command{
		Name:  "approvald",
		Usage: "Run the approval workflow engine",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to serve the HTTP API on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:    "redis-addr",
				Usage:   "Redis address for persistence; empty uses in-memory storage",
				Sources: cli.EnvVars("REDIS_ADDR"),
			},
			&cli.StringFlag{
				Name:    "redis-password",
				Usage:   "Redis password",
				Sources: cli.EnvVars("REDIS_PASSWORD"),
			},
			&cli.StringFlag{
				Name:     "directory-file",
				Usage:    "Path to the JSON user/role directory",
				Required: true,
				Sources:  cli.EnvVars("DIRECTORY_FILE"),
			},
			&cli.StringFlag{
				Name:    "reminder-schedule",
				Usage:   "Cron schedule for the due-task reminder sweep",
				Value:   "@every 1m",
				Sources: cli.EnvVars("REMINDER_SCHEDULE"),
			},
			&cli.IntFlag{
				Name:    "node-id",
				Usage:   "Snowflake node ID for unique record IDs",
				Value:   1,
				Sources: cli.EnvVars("NODE_ID"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger.InfoContext(ctx, "starting approvald")

			store, closeStore, err := newStorage(command)
			if err != nil {
				return err
			}
			defer closeStore()

			dir, err := directory.NewStaticDirectoryFromFile(command.String("directory-file"))
			if err != nil {
				return err
			}

			snowflake := generator.NewSnowflake(time.Now().Add(-1*time.Second), uint16(command.Int("node-id")))
			notifier := notify.NewLogNotifier(log.WithModule("notify"))

			engine, err := workflow.NewApprovalEngine(
				snowflake,
				store,
				dir,
				rules.NewExprEvaluator(),
				workflow.WithNotifier(notifier),
				workflow.WithLogger(log.WithModule("engine")),
			)
			if err != nil {
				return err
			}
			defer func() {
				if err := engine.Stop(context.Background()); err != nil {
					logger.ErrorContext(ctx, "failed to stop engine", "error", err)
				}
			}()

			sweeper := notify.NewReminderSweeper(store, notifier, command.String("reminder-schedule"), log.WithModule("reminder"))
			if err := sweeper.Start(); err != nil {
				return err
			}
			defer sweeper.Stop()

			app := web.NewApp(engine)
			return app.Listen(":" + strconv.Itoa(command.Int("port")))
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		logger.Error("approvald exited", "error", err)
		os.Exit(1)
	}
}

// newStorage selects Redis or in-memory persistence from flags.
func newStorage(command *cli.Command) (storage.Storage, func(), error) {
	addr := command.String("redis-addr")
	if addr == "" {
		return storage.NewMemoryStorage(), func() {}, nil
	}
	redisStore, err := storage.NewRedisStorage(storage.RedisOptions{
		Addr:         addr,
		Password:     command.String("redis-password"),
		PoolSize:     10,
		MinIdleConns: 2,
		IdleTimeout:  5 * time.Minute,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect storage: %w", err)
	}
	return redisStore, func() { _ = redisStore.Close() }, nil
}
