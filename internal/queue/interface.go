package queue

import (
	"context"
)

// Notifier signals listeners that new work was queued. Signals carry no payload: the table is the
// source of truth and a listener only needs to know it should look.
type Notifier interface {
	Notify(ctx context.Context, action string) error
	Listen(ctx context.Context, fn func()) error
	Close() error
}
