package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultIdleTimeout is how long a session survives without activity.
const DefaultIdleTimeout = 15 * time.Minute

// Monitor is the scheduler a session keeps alive while it exists.
type Monitor interface {
	Start(ctx context.Context, accountID string)
	Stop(accountID string)
}

// Manager tracks which accounts are actively in use, decoupled from
// authentication validity. A tracked session and a running monitor are
// kept 1:1: every AddSession that starts monitoring has a matching
// RemoveSession, explicit or idle-triggered, that stops it.
type Manager struct {
	monitor Monitor
	idle    time.Duration
	log     *zap.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// New creates a session manager. A non-positive idle timeout falls back
// to DefaultIdleTimeout.
func New(monitor Monitor, idle time.Duration, log *zap.Logger) *Manager {
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	return &Manager{
		monitor: monitor,
		idle:    idle,
		log:     log,
		timers:  make(map[string]*time.Timer),
	}
}

// AddSession begins tracking the account and starts its monitor. An
// already-tracked account just has its idle timer rearmed.
func (m *Manager) AddSession(ctx context.Context, accountID string) {
	m.mu.Lock()
	if timer, exists := m.timers[accountID]; exists {
		timer.Reset(m.idle)
		m.mu.Unlock()
		return
	}
	m.timers[accountID] = time.AfterFunc(m.idle, func() {
		m.log.Info("session idle timeout", zap.String("account_id", accountID))
		m.RemoveSession(accountID)
	})
	m.mu.Unlock()

	m.monitor.Start(ctx, accountID)
	m.log.Info("session started", zap.String("account_id", accountID))
}

// RefreshSession rearms the idle timer; an untracked account behaves
// like AddSession.
func (m *Manager) RefreshSession(ctx context.Context, accountID string) {
	m.AddSession(ctx, accountID)
}

// RemoveSession stops tracking the account, cancels its idle timer and
// stops its monitor. Idempotent.
func (m *Manager) RemoveSession(accountID string) {
	m.mu.Lock()
	timer, exists := m.timers[accountID]
	if exists {
		timer.Stop()
		delete(m.timers, accountID)
	}
	m.mu.Unlock()

	if exists {
		m.monitor.Stop(accountID)
		m.log.Info("session ended", zap.String("account_id", accountID))
	}
}

// IsActive reports whether the account has a live session.
func (m *Manager) IsActive(accountID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.timers[accountID]
	return exists
}

// ListActive returns the accounts with live sessions.
func (m *Manager) ListActive() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.timers))
	for id := range m.timers {
		out = append(out, id)
	}
	return out
}

// Cleanup removes every tracked session. Process shutdown path.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.timers))
	for id := range m.timers {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.RemoveSession(id)
	}
}
