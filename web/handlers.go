// Package web exposes the approval engine's operations over HTTP.
package web

import (
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/opsretail/approval-flow/storage"
	"github.com/opsretail/approval-flow/types"
	"github.com/opsretail/approval-flow/workflow"
)

// actorHeader carries the acting user's ID, set by the gateway in front of
// this service.
const actorHeader = "X-User-Id"

// Handlers holds the HTTP handlers over one engine.
type Handlers struct {
	engine   *workflow.ApprovalEngine
	validate *validator.Validate
}

// NewHandlers creates the handler set.
func NewHandlers(engine *workflow.ApprovalEngine) *Handlers {
	return &Handlers{
		engine:   engine,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Register mounts every route on the app.
func (h *Handlers) Register(app *fiber.App) {
	d := app.Group("/definitions")
	d.Post("/", h.PublishDefinition)
	d.Get("/:code", h.GetDefinition)
	d.Post("/:code/retire", h.RetireDefinition)

	i := app.Group("/instances")
	i.Post("/", h.StartInstance)
	i.Get("/:id/progress", h.GetProgress)
	i.Post("/:id/cancel", h.CancelInstance)

	t := app.Group("/tasks")
	t.Get("/pending", h.QueryPendingTasks)
	t.Get("/completed", h.QueryCompletedTasks)
	t.Post("/:id/approve", h.ApproveTask)
	t.Post("/:id/reject", h.RejectTask)
	t.Post("/:id/transfer", h.TransferTask)
	t.Post("/:id/countersign", h.CountersignTask)
	t.Post("/:id/urge", h.UrgeTask)

	cp := app.Group("/copies")
	cp.Get("/", h.QueryCopyRecords)
	cp.Post("/:id/read", h.MarkCopyRead)
	cp.Post("/read-all", h.MarkAllCopiesRead)
}

func actor(c fiber.Ctx) string {
	return c.Get(actorHeader)
}

func parseID(c fiber.Ctx) (uint64, error) {
	return strconv.ParseUint(c.Params("id"), 10, 64)
}

func parsePaging(c fiber.Ctx) (limit, offset int) {
	limit, _ = strconv.Atoi(c.Query("limit", "20"))
	offset, _ = strconv.Atoi(c.Query("offset", "0"))
	return limit, offset
}

// PublishDefinition validates and publishes a definition draft.
func (h *Handlers) PublishDefinition(c fiber.Ctx) error {
	var draft types.ProcessDefinition
	if err := c.Bind().JSON(&draft); err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}
	if err := h.validate.Struct(draft); err != nil {
		return badRequest(c, err.Error())
	}

	def, err := h.engine.PublishDefinition(c.Context(), draft)
	if err != nil {
		return handleEngineError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(def)
}

// GetDefinition returns a definition by code; ?version= selects a specific
// version, otherwise the latest published one.
func (h *Handlers) GetDefinition(c fiber.Ctx) error {
	version, _ := strconv.Atoi(c.Query("version", "0"))
	def, err := h.engine.GetDefinition(c.Context(), c.Params("code"), version)
	if err != nil {
		return handleEngineError(c, err)
	}
	return c.JSON(def)
}

// RetireDefinition blocks new starts against a definition version.
func (h *Handlers) RetireDefinition(c fiber.Ctx) error {
	version, _ := strconv.Atoi(c.Query("version", "0"))
	if err := h.engine.RetireDefinition(c.Context(), c.Params("code"), version); err != nil {
		return handleEngineError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

type startInstanceRequest struct {
	DefinitionCode string                 `json:"definition_code" validate:"required"`
	Version        int                    `json:"version"`
	FormData       map[string]interface{} `json:"form_data"`
}

// StartInstance starts a process instance for the acting user.
func (h *Handlers) StartInstance(c fiber.Ctx) error {
	initiator := actor(c)
	if initiator == "" {
		return badRequest(c, "missing "+actorHeader+" header")
	}
	var req startInstanceRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}
	if err := h.validate.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	inst, err := h.engine.Start(c.Context(), req.DefinitionCode, req.Version, initiator, req.FormData)
	if err != nil {
		return handleEngineError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(inst)
}

// GetProgress returns the per-node timeline of an instance.
func (h *Handlers) GetProgress(c fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return badRequest(c, "invalid instance id")
	}
	progress, err := h.engine.GetProgress(c.Context(), id)
	if err != nil {
		return handleEngineError(c, err)
	}
	return c.JSON(progress)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// CancelInstance cancels a running instance; initiator only.
func (h *Handlers) CancelInstance(c fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return badRequest(c, "invalid instance id")
	}
	var req cancelRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}
	inst, err := h.engine.Cancel(c.Context(), id, actor(c), req.Reason)
	if err != nil {
		return handleEngineError(c, err)
	}
	return c.JSON(inst)
}

type commentRequest struct {
	Comment string `json:"comment"`
}

// ApproveTask approves a pending task for the acting user.
func (h *Handlers) ApproveTask(c fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return badRequest(c, "invalid task id")
	}
	var req commentRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}
	task, err := h.engine.Approve(c.Context(), id, actor(c), req.Comment)
	if err != nil {
		return handleEngineError(c, err)
	}
	return c.JSON(task)
}

type rejectRequest struct {
	Comment string `json:"comment" validate:"required"`
}

// RejectTask rejects a pending task; a comment is mandatory.
func (h *Handlers) RejectTask(c fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return badRequest(c, "invalid task id")
	}
	var req rejectRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}
	if err := h.validate.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}
	task, err := h.engine.Reject(c.Context(), id, actor(c), req.Comment)
	if err != nil {
		return handleEngineError(c, err)
	}
	return c.JSON(task)
}

type transferRequest struct {
	TargetUserID string `json:"target_user_id" validate:"required"`
	Comment      string `json:"comment"`
}

// TransferTask hands a pending task to another user.
func (h *Handlers) TransferTask(c fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return badRequest(c, "invalid task id")
	}
	var req transferRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}
	if err := h.validate.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}
	task, err := h.engine.Transfer(c.Context(), id, actor(c), req.TargetUserID, req.Comment)
	if err != nil {
		return handleEngineError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(task)
}

type countersignRequest struct {
	UserIDs []string `json:"user_ids" validate:"required,min=1"`
	Comment string   `json:"comment"`
}

// CountersignTask adds extra pending approvers at the task's node.
func (h *Handlers) CountersignTask(c fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return badRequest(c, "invalid task id")
	}
	var req countersignRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}
	if err := h.validate.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}
	created, err := h.engine.Countersign(c.Context(), id, actor(c), req.UserIDs, req.Comment)
	if err != nil {
		return handleEngineError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(created)
}

type urgeRequest struct {
	Message string `json:"message"`
}

// UrgeTask sends a reminder to the task's assignee.
func (h *Handlers) UrgeTask(c fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return badRequest(c, "invalid task id")
	}
	var req urgeRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}
	if err := h.engine.Urge(c.Context(), id, actor(c), req.Message); err != nil {
		return handleEngineError(c, err)
	}
	return c.SendStatus(fiber.StatusAccepted)
}

// QueryPendingTasks lists the acting user's open work items.
func (h *Handlers) QueryPendingTasks(c fiber.Ctx) error {
	limit, offset := parsePaging(c)
	tasks, err := h.engine.QueryPendingTasks(c.Context(), actor(c), storage.TaskFilter{Limit: limit, Offset: offset})
	if err != nil {
		return handleEngineError(c, err)
	}
	return c.JSON(fiber.Map{"tasks": tasks, "limit": limit, "offset": offset})
}

// QueryCompletedTasks lists the acting user's processed work items.
func (h *Handlers) QueryCompletedTasks(c fiber.Ctx) error {
	limit, offset := parsePaging(c)
	tasks, err := h.engine.QueryCompletedTasks(c.Context(), actor(c), storage.TaskFilter{Limit: limit, Offset: offset})
	if err != nil {
		return handleEngineError(c, err)
	}
	return c.JSON(fiber.Map{"tasks": tasks, "limit": limit, "offset": offset})
}

// QueryCopyRecords lists the acting user's copy records; ?unread=true
// filters to unread ones.
func (h *Handlers) QueryCopyRecords(c fiber.Ctx) error {
	limit, offset := parsePaging(c)
	filter := storage.CopyFilter{
		UnreadOnly: c.Query("unread") == "true",
		Limit:      limit,
		Offset:     offset,
	}
	records, err := h.engine.QueryCopyRecords(c.Context(), actor(c), filter)
	if err != nil {
		return handleEngineError(c, err)
	}
	return c.JSON(fiber.Map{"copies": records, "limit": limit, "offset": offset})
}

// MarkCopyRead acknowledges one copy record.
func (h *Handlers) MarkCopyRead(c fiber.Ctx) error {
	id, err := parseID(c)
	if err != nil {
		return badRequest(c, "invalid copy record id")
	}
	rec, err := h.engine.MarkCopyRead(c.Context(), id)
	if err != nil {
		return handleEngineError(c, err)
	}
	return c.JSON(rec)
}

// MarkAllCopiesRead acknowledges every unread copy record of the acting user.
func (h *Handlers) MarkAllCopiesRead(c fiber.Ctx) error {
	count, err := h.engine.MarkAllCopiesRead(c.Context(), actor(c))
	if err != nil {
		return handleEngineError(c, err)
	}
	return c.JSON(fiber.Map{"marked": count})
}
