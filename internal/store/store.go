package store

import (
	"context"

	"github.com/jobwatch/notifier/internal/envelope"
)

// NotificationStore is the persistence collaborator for notification
// records. The delivery core reads records and flips read-state, nothing
// else; record creation happens elsewhere in the system.
type NotificationStore interface {
	Setup(ctx context.Context) error

	// Get resolves a notification id to its record. Unknown ids fail with
	// ierr.ErrorCodeNotFound.
	Get(ctx context.Context, notificationId string) (envelope.Notification, error)

	// MarkRead marks a user's notification as read. It reports whether the
	// stored state actually changed: an already-read or unknown
	// notification yields (false, nil).
	MarkRead(ctx context.Context, userId string, notificationId string) (bool, error)
}
