package web

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"

	"github.com/opsretail/approval-flow/storage"
	"github.com/opsretail/approval-flow/workflow"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType("not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

// handleEngineError maps the engine's error taxonomy to HTTP problem
// responses.
func handleEngineError(c fiber.Ctx, err error) error {
	switch {
	case workflow.IsValidation(err):
		return badRequest(c, err.Error())

	case workflow.IsForbidden(err):
		problem := problems.NewStatusProblem(403).
			WithInstance(c.Path()).
			WithType("forbidden").
			WithDetail(err.Error())

		return c.Status(fiber.StatusForbidden).JSON(problem)

	case workflow.IsConflict(err):
		problem := problems.NewStatusProblem(409).
			WithInstance(c.Path()).
			WithType("conflict").
			WithDetail(err.Error())

		return c.Status(fiber.StatusConflict).JSON(problem)

	case errors.Is(err, workflow.ErrDefinitionNotPublished):
		problem := problems.NewStatusProblem(409).
			WithInstance(c.Path()).
			WithType("definition_not_published").
			WithDetail(err.Error())

		return c.Status(fiber.StatusConflict).JSON(problem)

	case errors.Is(err, workflow.ErrApproverResolution):
		problem := problems.NewStatusProblem(422).
			WithInstance(c.Path()).
			WithType("approver_resolution_error").
			WithDetail(err.Error())

		return c.Status(fiber.StatusUnprocessableEntity).JSON(problem)

	case errors.Is(err, storage.ErrDefinitionNotFound):
		return notFound(c, "definition not found")

	case errors.Is(err, storage.ErrInstanceNotFound):
		return notFound(c, "instance not found")

	case errors.Is(err, storage.ErrTaskNotFound):
		return notFound(c, "task not found")

	case errors.Is(err, storage.ErrCopyNotFound):
		return notFound(c, "copy record not found")

	default:
		problem := problems.NewStatusProblem(500).
			WithInstance(c.Path()).
			WithType("internal_error").
			WithError(err)

		return c.Status(fiber.StatusInternalServerError).JSON(problem)
	}
}
