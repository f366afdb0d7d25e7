package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mailfold/mailsync/internal/provider"
	"github.com/mailfold/mailsync/internal/store"
)

const (
	// defaultPageSize is the listing/change-log page size requested
	// from the provider.
	defaultPageSize = 100
	// defaultMaxMessages caps how many messages one full sync
	// processes. Beyond the cap the run stops; the next full sync
	// starts over from the top of the mailbox.
	defaultMaxMessages = 10000
)

// Progress is delivered to the optional observer: per-page counters
// during a full sync, or a terminal error when a sync run fails.
type Progress struct {
	Processed int
	Total     int
	Err       error
}

// ProgressFunc receives progress updates for an account. It is invoked
// from the syncing goroutine and must not block.
type ProgressFunc func(accountID string, p Progress)

// TokenSource yields a valid access token for an account. Implemented
// by the vault.
type TokenSource interface {
	GetValidAccessToken(ctx context.Context, accountID string) (string, error)
}

// Fetcher retrieves message payloads for a set of ids, dropping
// per-item failures.
type Fetcher interface {
	FetchAll(ctx context.Context, accessToken string, ids []string) ([]*provider.MessagePayload, error)
}

// Engine orchestrates full and incremental mailbox sync. Runs are
// serialized per account by an in-memory guard: a second caller while a
// run is in flight is a no-op, not an error. The engine never retries
// on its own; the monitor's next tick is the retry mechanism.
type Engine struct {
	store       store.Store
	tokens      TokenSource
	mailbox     provider.Mailbox
	fetcher     Fetcher
	log         *zap.Logger
	pageSize    int64
	maxMessages int

	mu         sync.Mutex
	inProgress map[string]bool
	onProgress ProgressFunc
}

// New wires an engine against its collaborators.
func New(st store.Store, tokens TokenSource, mailbox provider.Mailbox, fetcher Fetcher, log *zap.Logger) *Engine {
	return &Engine{
		store:       st,
		tokens:      tokens,
		mailbox:     mailbox,
		fetcher:     fetcher,
		log:         log,
		pageSize:    defaultPageSize,
		maxMessages: defaultMaxMessages,
		inProgress:  make(map[string]bool),
	}
}

// SetProgressFunc installs the progress observer. Call before any sync
// starts.
func (e *Engine) SetProgressFunc(fn ProgressFunc) {
	e.mu.Lock()
	e.onProgress = fn
	e.mu.Unlock()
}

// Sync runs an incremental sync when a cursor exists, a full sync
// otherwise.
func (e *Engine) Sync(ctx context.Context, accountID string) error {
	cursor, err := e.store.GetCursor(ctx, accountID)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	if cursor == "" {
		return e.FullSync(ctx, accountID)
	}
	return e.IncrementalSync(ctx, accountID)
}

// FullSync lists and fetches the whole mailbox, then establishes a
// fresh cursor.
func (e *Engine) FullSync(ctx context.Context, accountID string) error {
	return e.run(ctx, accountID, e.fullSync)
}

// IncrementalSync processes the provider change log from the stored
// cursor. An unknown or expired cursor falls back to a full sync inside
// the same call; the caller observes one successful sync.
func (e *Engine) IncrementalSync(ctx context.Context, accountID string) error {
	return e.run(ctx, accountID, e.incrementalSync)
}

// run takes the per-account guard, mirrors the in-progress flag to the
// store, and guarantees both are cleared however the sync exits.
func (e *Engine) run(ctx context.Context, accountID string, fn func(context.Context, string) error) error {
	if !e.begin(accountID) {
		e.log.Debug("sync already in progress, skipping", zap.String("account_id", accountID))
		return nil
	}
	defer e.end(accountID)

	if err := e.store.SetSyncInProgress(ctx, accountID, true); err != nil {
		return fmt.Errorf("mark sync in progress: %w", err)
	}
	defer func() {
		if err := e.store.SetSyncInProgress(context.WithoutCancel(ctx), accountID, false); err != nil {
			e.log.Warn("could not clear sync-in-progress flag",
				zap.String("account_id", accountID), zap.Error(err))
		}
	}()

	err := fn(ctx, accountID)
	if err != nil {
		e.notify(accountID, Progress{Err: err})
		return err
	}
	if err := e.store.SetLastSynced(ctx, accountID, time.Now()); err != nil {
		e.log.Warn("could not record last sync time",
			zap.String("account_id", accountID), zap.Error(err))
	}
	return nil
}

func (e *Engine) fullSync(ctx context.Context, accountID string) error {
	token, err := e.tokens.GetValidAccessToken(ctx, accountID)
	if err != nil {
		return fmt.Errorf("access token: %w", err)
	}

	e.log.Info("starting full sync", zap.String("account_id", accountID))

	processed := 0
	total := 0
	pageToken := ""
	for {
		page, err := e.mailbox.ListMessageIDs(ctx, token, pageToken, e.pageSize)
		if err != nil {
			return fmt.Errorf("list messages: %w", err)
		}
		if total == 0 && page.SizeEstimate > 0 {
			total = int(page.SizeEstimate)
		}

		if len(page.IDs) > 0 {
			if err := e.fetchAndPersist(ctx, accountID, token, page.IDs); err != nil {
				return err
			}
			processed += len(page.IDs)
			e.notify(accountID, Progress{Processed: processed, Total: total})
		}

		if page.NextPageToken == "" || processed >= e.maxMessages {
			break
		}
		pageToken = page.NextPageToken
	}

	// Establishing the cursor is best-effort: on failure the cursor
	// stays unset and the next sync simply runs full again.
	cursor, err := e.mailbox.CurrentCursor(ctx, token)
	if err != nil {
		e.log.Warn("could not fetch current cursor after full sync",
			zap.String("account_id", accountID), zap.Error(err))
	} else if err := e.store.SetCursor(ctx, accountID, cursor); err != nil {
		e.log.Warn("could not persist cursor after full sync",
			zap.String("account_id", accountID), zap.Error(err))
	}

	e.log.Info("full sync complete",
		zap.String("account_id", accountID), zap.Int("processed", processed))
	return nil
}

func (e *Engine) incrementalSync(ctx context.Context, accountID string) error {
	startCursor, err := e.store.GetCursor(ctx, accountID)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	if startCursor == "" {
		return e.fullSync(ctx, accountID)
	}

	token, err := e.tokens.GetValidAccessToken(ctx, accountID)
	if err != nil {
		return fmt.Errorf("access token: %w", err)
	}

	// Added events for the same id are folded into one fetch, across
	// pages. Deletion events are ignored entirely: incremental sync
	// never removes local messages.
	seen := make(map[string]bool)
	fetched := 0
	pageToken := ""
	newCursor := startCursor
	for {
		page, err := e.mailbox.ListChanges(ctx, token, startCursor, pageToken)
		if err != nil {
			if errors.Is(err, provider.ErrCursorInvalid) {
				e.log.Info("cursor expired, falling back to full sync",
					zap.String("account_id", accountID))
				if err := e.store.SetCursor(ctx, accountID, ""); err != nil {
					return fmt.Errorf("clear cursor: %w", err)
				}
				return e.fullSync(ctx, accountID)
			}
			return fmt.Errorf("list changes: %w", err)
		}

		fresh := page.AddedIDs[:0:0]
		for _, id := range page.AddedIDs {
			if !seen[id] {
				seen[id] = true
				fresh = append(fresh, id)
			}
		}
		if len(fresh) > 0 {
			if err := e.fetchAndPersist(ctx, accountID, token, fresh); err != nil {
				return err
			}
			fetched += len(fresh)
		}

		if page.NewCursor != "" {
			newCursor = page.NewCursor
		}

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	// The provider reports its current head cursor on every page, so the
	// value only covers the change log once every page has been
	// consumed. Persisting it mid-run would skip the unconsumed pages
	// after a crash; a failed run instead leaves the old cursor in place
	// and the next run re-reads from it.
	if newCursor != startCursor {
		if err := e.store.SetCursor(ctx, accountID, newCursor); err != nil {
			return fmt.Errorf("advance cursor: %w", err)
		}
	}

	if fetched > 0 {
		e.log.Info("incremental sync complete",
			zap.String("account_id", accountID), zap.Int("new_messages", fetched))
	}
	return nil
}

// fetchAndPersist runs one batch-fetch round and upserts every payload
// that came back.
func (e *Engine) fetchAndPersist(ctx context.Context, accountID, token string, ids []string) error {
	payloads, err := e.fetcher.FetchAll(ctx, token, ids)
	if err != nil {
		return fmt.Errorf("fetch messages: %w", err)
	}
	for _, p := range payloads {
		rec := parseMessage(accountID, p)
		if err := e.store.UpsertMessage(ctx, rec); err != nil {
			return fmt.Errorf("upsert message %s: %w", p.ID, err)
		}
	}
	return nil
}

// IsSyncing reports whether a run is currently in flight for the
// account.
func (e *Engine) IsSyncing(accountID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inProgress[accountID]
}

func (e *Engine) begin(accountID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inProgress[accountID] {
		return false
	}
	e.inProgress[accountID] = true
	return true
}

func (e *Engine) end(accountID string) {
	e.mu.Lock()
	delete(e.inProgress, accountID)
	e.mu.Unlock()
}

func (e *Engine) notify(accountID string, p Progress) {
	e.mu.Lock()
	fn := e.onProgress
	e.mu.Unlock()
	if fn != nil {
		fn(accountID, p)
	}
}
