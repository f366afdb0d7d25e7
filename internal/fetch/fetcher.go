package fetch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mailfold/mailsync/internal/provider"
)

const (
	// DefaultBatchSize bounds how many detail fetches run concurrently.
	DefaultBatchSize = 10
	// DefaultPause is slept between batches.
	DefaultPause = 100 * time.Millisecond
)

// Limiter gates each outbound fetch.
type Limiter interface {
	Acquire(ctx context.Context) error
}

// Fetcher retrieves message details in bounded concurrent batches,
// paced by the rate limiter. A failing item is logged and dropped, not
// fatal: the message stays unpersisted, so a later sync pass retries it.
type Fetcher struct {
	mailbox provider.Mailbox
	limiter Limiter
	batch   int
	pause   time.Duration
	log     *zap.Logger
}

// New validates the fetch parameters up front; misconfiguration is the
// only error FetchAll itself can surface besides context cancellation.
func New(mailbox provider.Mailbox, limiter Limiter, log *zap.Logger, batchSize int, pause time.Duration) (*Fetcher, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	if pause < 0 {
		return nil, fmt.Errorf("batch pause must not be negative, got %v", pause)
	}
	return &Fetcher{
		mailbox: mailbox,
		limiter: limiter,
		batch:   batchSize,
		pause:   pause,
		log:     log,
	}, nil
}

// FetchAll fetches the given message ids and returns the payloads that
// succeeded, in input order. Per-item failures never abort the run.
func (f *Fetcher) FetchAll(ctx context.Context, accessToken string, ids []string) ([]*provider.MessagePayload, error) {
	out := make([]*provider.MessagePayload, 0, len(ids))

	for start := 0; start < len(ids); start += f.batch {
		end := min(start+f.batch, len(ids))
		batch := ids[start:end]
		results := make([]*provider.MessagePayload, len(batch))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(f.batch)
		for i, id := range batch {
			g.Go(func() error {
				if err := f.limiter.Acquire(gctx); err != nil {
					return err
				}
				msg, err := f.mailbox.GetMessage(gctx, accessToken, id)
				if err != nil {
					f.log.Warn("dropping message from batch",
						zap.String("message_id", id),
						zap.Error(err))
					return nil
				}
				results[i] = msg
				return nil
			})
		}
		// Only context cancellation propagates out of the group.
		if err := g.Wait(); err != nil {
			return nil, err
		}
		for _, msg := range results {
			if msg != nil {
				out = append(out, msg)
			}
		}

		if end < len(ids) && f.pause > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(f.pause):
			}
		}
	}
	return out, nil
}
