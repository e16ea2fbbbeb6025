package usecase

import (
	"context"

	domain "github.com/aq2208/zalo-notifier/internal/entity"
)

// Notifier delivers rendered text to the user behind a phone number.
// Implemented by the bot client; the phone to user-id lookup is its concern.
type Notifier interface {
	NotifyExportReady(ctx context.Context, phoneNumber, message string) error
	SendMessage(ctx context.Context, phoneNumber, message string) error
}

// TaskHandler turns a decoded task into a notification.
// Return nil => ACK; any error => reject (see HandlerError).
type TaskHandler interface {
	Handle(ctx context.Context, task domain.Task, n Notifier) error
}

// TaskHandlerFunc adapts a plain function into a TaskHandler.
type TaskHandlerFunc func(ctx context.Context, task domain.Task, n Notifier) error

func (f TaskHandlerFunc) Handle(ctx context.Context, task domain.Task, n Notifier) error {
	return f(ctx, task, n)
}

// ClaimState is the outcome of claiming a task id.
type ClaimState int

const (
	ClaimAcquired   ClaimState = iota
	ClaimInProgress            // held by a delivery that has not finished, possibly a crashed one
	ClaimDone                  // the task was already notified
)

// IdempotencyStore guards against notifying a task twice. A claim is short
// lived; only Complete makes later deliveries duplicates.
type IdempotencyStore interface {
	Claim(ctx context.Context, taskID string) (ClaimState, error)
	Complete(ctx context.Context, taskID string) error
	Release(ctx context.Context, taskID string) error
}
