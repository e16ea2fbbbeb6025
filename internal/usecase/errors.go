package usecase

import (
	"fmt"

	domain "github.com/aq2208/zalo-notifier/internal/entity"
)

// HandlerError is a handler-level failure. When PhoneNumber is set the
// dispatcher sends Fallback to that number before rejecting the message.
type HandlerError struct {
	Action      domain.ActionType
	TaskID      string
	PhoneNumber string
	Fallback    string
	// Transient is set when the notification send itself failed.
	Transient bool
	Err       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s task=%s: %v", e.Action, e.TaskID, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

func newHandlerError(task domain.Task, fallback string, transient bool, err error) *HandlerError {
	return &HandlerError{
		Action:      task.ActionType,
		TaskID:      task.TaskID,
		PhoneNumber: task.PhoneNumber,
		Fallback:    fallback,
		Transient:   transient,
		Err:         err,
	}
}
