package workflow

import "errors"

// Error taxonomy. TaskNotActionable and Conflict are expected under
// concurrent use and are safe to retry; retrying a second approve on an
// already-completed task is a no-op error, not corruption.
var (
	ErrValidation             = errors.New("validation error")
	ErrDefinitionNotPublished = errors.New("definition is not published")
	ErrApproverResolution     = errors.New("approver rule could not be resolved")
	ErrTaskNotActionable      = errors.New("task is not pending")
	ErrForbidden              = errors.New("actor is not allowed to perform this action")
	ErrConflict               = errors.New("operation conflicts with current instance state")
	ErrNodeNotFound           = errors.New("node not found in definition")
)

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsForbidden reports whether err is an authorization error.
func IsForbidden(err error) bool { return errors.Is(err, ErrForbidden) }

// IsConflict reports whether err is a state conflict, including a task
// that already left pending.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrTaskNotActionable)
}
