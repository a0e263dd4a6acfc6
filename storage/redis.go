package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/opsretail/approval-flow/types"
)

const (
	definitionPrefix = "apvdef:"
	instancePrefix   = "apvinst:"
	taskPrefix       = "apvtask:"
	copyPrefix       = "apvcopy:"
	codeIndexPrefix  = "apvcode:" // code -> set of definition IDs
)

// RedisStorage is a Redis-backed implementation of the Storage interface.
type RedisStorage struct {
	client *redis.Client
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}

	return &RedisStorage{client: client}, nil
}

// saveToRedis saves a value to Redis with the given key prefix and ID.
func (s *RedisStorage) saveToRedis(ctx context.Context, prefix string, id uint64, value interface{}) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal %s%d: %v", prefix, id, err)
		}
		key := fmt.Sprintf("%s%d", prefix, id)
		if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
			return fmt.Errorf("failed to set %s in Redis: %v", key, err)
		}
		return nil
	})
}

// getFromRedis retrieves and unmarshals a value with the given key prefix and ID.
func getFromRedis[T any](ctx context.Context, client *redis.Client, prefix string, id uint64, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		key := fmt.Sprintf("%s%d", prefix, id)
		data, err := client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("%w: key=%s", errNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %v", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %v", key, err)
		}
		return result, nil
	})
}

// scanPrefix loads and unmarshals every value under a key prefix.
func scanPrefix[T any](ctx context.Context, client *redis.Client, prefix string) ([]T, error) {
	return withContext(ctx, func() ([]T, error) {
		keys, err := client.Keys(ctx, prefix+"*").Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan keys %s*: %v", prefix, err)
		}
		var out []T
		for _, key := range keys {
			data, err := client.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			} else if err != nil {
				return nil, fmt.Errorf("failed to get %s: %v", key, err)
			}
			var item T
			if err := json.Unmarshal(data, &item); err != nil {
				return nil, fmt.Errorf("failed to unmarshal %s: %v", key, err)
			}
			out = append(out, item)
		}
		return out, nil
	})
}

// SaveDefinition saves a definition to Redis and indexes it by code.
func (s *RedisStorage) SaveDefinition(ctx context.Context, def types.ProcessDefinition) error {
	if err := s.saveToRedis(ctx, definitionPrefix, def.ID, def); err != nil {
		return err
	}
	return s.client.SAdd(ctx, codeIndexPrefix+def.Code, def.ID).Err()
}

// GetDefinition retrieves a definition from Redis.
func (s *RedisStorage) GetDefinition(ctx context.Context, id uint64) (types.ProcessDefinition, error) {
	return getFromRedis[types.ProcessDefinition](ctx, s.client, definitionPrefix, id, ErrDefinitionNotFound)
}

// GetDefinitionByCode retrieves a definition by code and version; version 0
// resolves to the latest published version.
func (s *RedisStorage) GetDefinitionByCode(ctx context.Context, code string, version int) (types.ProcessDefinition, error) {
	defs, err := s.definitionsByCode(ctx, code)
	if err != nil {
		return types.ProcessDefinition{}, err
	}
	var found types.ProcessDefinition
	var ok bool
	for _, def := range defs {
		if version > 0 {
			if def.Version == version {
				return def, nil
			}
			continue
		}
		if def.Status == types.DefinitionPublished && def.Version > found.Version {
			found, ok = def, true
		}
	}
	if !ok {
		return types.ProcessDefinition{}, fmt.Errorf("%w: code=%s version=%d", ErrDefinitionNotFound, code, version)
	}
	return found, nil
}

// LatestVersion returns the highest stored version for a code, 0 if none.
func (s *RedisStorage) LatestVersion(ctx context.Context, code string) (int, error) {
	defs, err := s.definitionsByCode(ctx, code)
	if err != nil {
		return 0, err
	}
	latest := 0
	for _, def := range defs {
		if def.Version > latest {
			latest = def.Version
		}
	}
	return latest, nil
}

func (s *RedisStorage) definitionsByCode(ctx context.Context, code string) ([]types.ProcessDefinition, error) {
	return withContext(ctx, func() ([]types.ProcessDefinition, error) {
		ids, err := s.client.SMembers(ctx, codeIndexPrefix+code).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read code index for %s: %v", code, err)
		}
		var out []types.ProcessDefinition
		for _, raw := range ids {
			var id uint64
			if _, err := fmt.Sscanf(raw, "%d", &id); err != nil {
				continue
			}
			def, err := s.GetDefinition(ctx, id)
			if errors.Is(err, ErrDefinitionNotFound) {
				continue
			} else if err != nil {
				return nil, err
			}
			out = append(out, def)
		}
		return out, nil
	})
}

// SaveInstance saves a process instance to Redis.
func (s *RedisStorage) SaveInstance(ctx context.Context, inst types.ProcessInstance) error {
	return s.saveToRedis(ctx, instancePrefix, inst.ID, inst)
}

// GetInstance retrieves a process instance from Redis.
func (s *RedisStorage) GetInstance(ctx context.Context, id uint64) (types.ProcessInstance, error) {
	return getFromRedis[types.ProcessInstance](ctx, s.client, instancePrefix, id, ErrInstanceNotFound)
}

// SaveTask saves a task to Redis.
func (s *RedisStorage) SaveTask(ctx context.Context, task types.Task) error {
	return s.saveToRedis(ctx, taskPrefix, task.ID, task)
}

// GetTask retrieves a task from Redis.
func (s *RedisStorage) GetTask(ctx context.Context, id uint64) (types.Task, error) {
	return getFromRedis[types.Task](ctx, s.client, taskPrefix, id, ErrTaskNotFound)
}

// ListInstanceTasks returns every task of an instance, oldest first.
func (s *RedisStorage) ListInstanceTasks(ctx context.Context, instanceID uint64) ([]types.Task, error) {
	return s.filterTasks(ctx, func(t types.Task) bool {
		return t.InstanceID == instanceID
	}, false)
}

// ListNodeTasks returns every task at one node of an instance, oldest first.
func (s *RedisStorage) ListNodeTasks(ctx context.Context, instanceID uint64, nodeID string) ([]types.Task, error) {
	return s.filterTasks(ctx, func(t types.Task) bool {
		return t.InstanceID == instanceID && t.NodeID == nodeID
	}, false)
}

// ListAssigneeTasks returns an assignee's tasks matching the filter, newest first.
func (s *RedisStorage) ListAssigneeTasks(ctx context.Context, assigneeID string, filter TaskFilter) ([]types.Task, error) {
	tasks, err := s.filterTasks(ctx, func(t types.Task) bool {
		return t.AssigneeID == assigneeID && matchesFilter(t, filter)
	}, true)
	if err != nil {
		return nil, err
	}
	return page(tasks, filter.Limit, filter.Offset), nil
}

// ListDueTasks returns pending tasks due before the given timestamp.
func (s *RedisStorage) ListDueTasks(ctx context.Context, before int64) ([]types.Task, error) {
	return s.filterTasks(ctx, func(t types.Task) bool {
		return t.Status == types.TaskPending && t.DueAt > 0 && t.DueAt < before
	}, false)
}

func (s *RedisStorage) filterTasks(ctx context.Context, keep func(types.Task) bool, newestFirst bool) ([]types.Task, error) {
	all, err := scanPrefix[types.Task](ctx, s.client, taskPrefix)
	if err != nil {
		return nil, err
	}
	var out []types.Task
	for _, t := range all {
		if keep(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if newestFirst {
			if out[i].CreatedAt != out[j].CreatedAt {
				return out[i].CreatedAt > out[j].CreatedAt
			}
			return out[i].ID > out[j].ID
		}
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// SaveCopyRecord saves a copy record to Redis.
func (s *RedisStorage) SaveCopyRecord(ctx context.Context, rec types.CopyRecord) error {
	return s.saveToRedis(ctx, copyPrefix, rec.ID, rec)
}

// GetCopyRecord retrieves a copy record from Redis.
func (s *RedisStorage) GetCopyRecord(ctx context.Context, id uint64) (types.CopyRecord, error) {
	return getFromRedis[types.CopyRecord](ctx, s.client, copyPrefix, id, ErrCopyNotFound)
}

// ListObserverCopies returns an observer's copy records, newest first.
func (s *RedisStorage) ListObserverCopies(ctx context.Context, observerID string, filter CopyFilter) ([]types.CopyRecord, error) {
	all, err := scanPrefix[types.CopyRecord](ctx, s.client, copyPrefix)
	if err != nil {
		return nil, err
	}
	var out []types.CopyRecord
	for _, rec := range all {
		if rec.ObserverID != observerID {
			continue
		}
		if filter.UnreadOnly && rec.IsRead {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID > out[j].ID
	})
	return page(out, filter.Limit, filter.Offset), nil
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
