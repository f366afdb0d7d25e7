package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mailfold/mailsync/internal/provider"
	"github.com/mailfold/mailsync/internal/vault"
)

// DefaultInterval is the polling cadence. It doubles as the retry
// cadence: tick errors are swallowed here, so a failed incremental sync
// is simply retried on the next tick.
const DefaultInterval = 30 * time.Second

// Syncer runs one incremental sync pass. Implemented by the engine.
type Syncer interface {
	IncrementalSync(ctx context.Context, accountID string) error
}

// CredentialChecker gates monitor start on a usable credential.
// Implemented by the vault.
type CredentialChecker interface {
	CheckCredential(ctx context.Context, accountID string) error
}

// Scheduler keeps one recurring sync timer per monitored account. At
// most one timer exists per account; Stop and StopAll tear them down
// without leaking goroutines.
type Scheduler struct {
	syncer   Syncer
	creds    CredentialChecker
	interval time.Duration
	log      *zap.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a scheduler. A non-positive interval falls back to
// DefaultInterval.
func New(syncer Syncer, creds CredentialChecker, interval time.Duration, log *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		syncer:   syncer,
		creds:    creds,
		interval: interval,
		log:      log,
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Start begins monitoring the account. Already-monitored accounts are a
// no-op. An account without a usable credential is logged and refused:
// there is no point polling with a dead credential.
//
// ctx is the process context: sync runs are bound to it, not to the
// per-account timer, so a run in flight when Stop is called finishes
// normally and is simply not rescheduled.
func (s *Scheduler) Start(ctx context.Context, accountID string) {
	if s.IsActive(accountID) {
		return
	}
	if err := s.creds.CheckCredential(ctx, accountID); err != nil {
		s.log.Warn("not starting monitor",
			zap.String("account_id", accountID), zap.Error(err))
		return
	}

	s.mu.Lock()
	if _, exists := s.cancels[accountID]; exists {
		s.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancels[accountID] = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	go s.loop(ctx, loopCtx, accountID)
	s.log.Info("started monitoring", zap.String("account_id", accountID))
}

// Stop cancels the account's timer if present. Idempotent.
func (s *Scheduler) Stop(accountID string) {
	s.mu.Lock()
	cancel, exists := s.cancels[accountID]
	if exists {
		delete(s.cancels, accountID)
	}
	s.mu.Unlock()

	if exists {
		cancel()
		s.log.Info("stopped monitoring", zap.String("account_id", accountID))
	}
}

// IsActive reports whether the account is being monitored.
func (s *Scheduler) IsActive(accountID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.cancels[accountID]
	return exists
}

// ListActive returns the monitored account ids.
func (s *Scheduler) ListActive() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.cancels))
	for id := range s.cancels {
		out = append(out, id)
	}
	return out
}

// StopAll cancels every timer and waits for the loops to exit. Used at
// process shutdown.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	for id, cancel := range s.cancels {
		s.log.Info("stopping monitor", zap.String("account_id", id))
		cancel()
	}
	s.cancels = make(map[string]context.CancelFunc)
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Scheduler) loop(ctx, loopCtx context.Context, accountID string) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-loopCtx.Done():
			return
		case <-ticker.C:
			err := s.syncer.IncrementalSync(ctx, accountID)
			if err == nil {
				continue
			}
			// A failed tick never kills the timer; the next tick is
			// the retry. Credential failures are the exception.
			s.log.Error("incremental sync tick failed",
				zap.String("account_id", accountID), zap.Error(err))
			if errors.Is(err, vault.ErrNotConnected) ||
				errors.Is(err, vault.ErrCredentialInvalid) ||
				errors.Is(err, provider.ErrUnauthorized) {
				s.Stop(accountID)
				return
			}
		}
	}
}
