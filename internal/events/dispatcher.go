package events

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mailfold/mailsync/internal/store"
)

const (
	dequeueBatch = 100
	idleSleep    = 500 * time.Millisecond
	retryBackoff = 10 * time.Second
)

// Dispatcher drains the transactional outbox and publishes each entry
// to JetStream. Publish failures are rescheduled with backoff; the
// outbox row is the source of truth until NATS has accepted the event.
type Dispatcher struct {
	outbox store.Outbox
	pub    *Publisher
	log    *zap.Logger
}

// NewDispatcher wires the dispatcher against the outbox and publisher.
func NewDispatcher(outbox store.Outbox, pub *Publisher, log *zap.Logger) *Dispatcher {
	return &Dispatcher{outbox: outbox, pub: pub, log: log}
}

// Run loops until ctx is cancelled. Call it in its own goroutine.
func (d *Dispatcher) Run(ctx context.Context) {
	if err := d.pub.EnsureStream(ctx); err != nil {
		d.log.Error("could not ensure event stream", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		messages, err := d.outbox.DequeueOutbox(ctx, dequeueBatch)
		if err != nil {
			d.log.Error("error dequeuing outbox", zap.Error(err))
			d.sleep(ctx, time.Second)
			continue
		}
		if len(messages) == 0 {
			d.sleep(ctx, idleSleep)
			continue
		}

		for _, msg := range messages {
			if err := d.pub.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
				d.log.Error("error publishing event",
					zap.Int64("outbox_id", msg.ID), zap.Error(err))
				if err := d.outbox.MarkOutboxRetry(ctx, msg.ID, retryBackoff); err != nil {
					d.log.Error("error scheduling retry",
						zap.Int64("outbox_id", msg.ID), zap.Error(err))
				}
				continue
			}
			if err := d.outbox.MarkPublished(ctx, msg.ID); err != nil {
				d.log.Error("error marking event published",
					zap.Int64("outbox_id", msg.ID), zap.Error(err))
			}
		}
	}
}

func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(dur):
	}
}
