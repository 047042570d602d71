package binding

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/mamori/internal/storage"
)

// Notifier delivers Postgres notifications. *storage.DB implements it.
type Notifier interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
}

// Apply invalidates the entries named by a mamori_bindings payload: a task id,
// or storage.AllTasks.
func (r *Resolver) Apply(payload string) {
	if payload == storage.AllTasks {
		r.InvalidateAll()
		return
	}
	id, err := uuid.Parse(payload)
	if err != nil {
		r.logger.Warn("binding: ignoring malformed invalidation", "payload", payload)
		return
	}
	r.Invalidate(id)
}

// Listen applies binding invalidations published by any instance. It blocks,
// so call it in a goroutine. Returns when ctx is cancelled.
func (r *Resolver) Listen(ctx context.Context, n Notifier) {
	if !r.Cached() {
		return
	}
	if err := n.Listen(ctx, storage.ChannelBindings); err != nil {
		r.logger.Error("binding: listen", "error", err)
		return
	}
	r.logger.Info("binding: listening for invalidations", "channel", storage.ChannelBindings)

	for {
		channel, payload, err := n.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("binding: notification error, retrying", "error", err)
			// Anything published while the connection was broken is lost.
			r.InvalidateAll()
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if channel == storage.ChannelBindings {
			r.Apply(payload)
		}
	}
}
