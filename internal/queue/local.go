package queue

import (
	"context"
)

// LocalNotifier is an in-process Notifier. Pending signals coalesce into one.
type LocalNotifier struct {
	ch chan struct{}
}

func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{ch: make(chan struct{}, 1)}
}

func (n *LocalNotifier) Notify(_ context.Context, _ string) error {
	select {
	case n.ch <- struct{}{}:
	default:
	}
	return nil
}

func (n *LocalNotifier) Listen(ctx context.Context, fn func()) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-n.ch:
			fn()
		}
	}
}

func (n *LocalNotifier) Close() error {
	return nil
}
