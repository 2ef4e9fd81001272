// Package session owns per-wallet strategy sessions and the registry that maps wallets to them.
package session

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/stratum/internal/domain/schema"
)

// Session is the mutable state of one wallet. All methods are safe for concurrent use.
type Session struct {
	mu sync.RWMutex

	wallet        string
	sessionID     string
	strategy      string
	active        bool
	paused        bool
	config        schema.StrategyConfig
	startTime     time.Time
	lastActivity  time.Time
	lastTradeTime time.Time
	performance   schema.Performance
}

func newSession(wallet string) *Session {
	return &Session{
		wallet: wallet,
		config: schema.DefaultStrategyConfig(),
	}
}

// Wallet returns the wallet address keying the session.
func (s *Session) Wallet() string {
	return s.wallet
}

// Activate marks the session active under strategy and issues a fresh session id.
func (s *Session) Activate(strategy string, cfg schema.StrategyConfig, now time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = uuid.NewString()
	s.strategy = strategy
	s.config = cfg
	s.active = true
	s.paused = false
	s.startTime = now
	s.lastActivity = now
	return s.sessionID
}

// Deactivate soft-stops the session and reports whether it was active.
// Strategy, config and performance are retained.
func (s *Session) Deactivate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.active
	s.active = false
	s.paused = false
	return was
}

// Pause deactivates the session when id is still current and marks it paused.
func (s *Session) Pause(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active || s.sessionID != id {
		return false
	}
	s.active = false
	s.paused = true
	return true
}

// Active reports whether the execution loop should be running.
func (s *Session) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// SessionID returns the current session id, empty before the first assignment.
func (s *Session) SessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

// Strategy returns the selected strategy name.
func (s *Session) Strategy() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.strategy
}

// Config returns the current configuration.
func (s *Session) Config() schema.StrategyConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// UpdateConfig merges patch into the configuration atomically.
func (s *Session) UpdateConfig(patch schema.ConfigPatch) (schema.StrategyConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := s.config.Apply(patch)
	if err != nil {
		return s.config, err
	}
	s.config = next
	return next, nil
}

// Matches reports whether id is the current id of an active session.
func (s *Session) Matches(id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active && s.sessionID == id
}

// Touch records loop liveness.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

// RecordTrade folds a completed trade into performance and returns the new snapshot.
func (s *Session) RecordTrade(rec schema.TradeRecord) schema.PerformanceSnapshot {
	at := rec.CompletedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.performance.Record(rec.Outcome(), at)
	s.lastTradeTime = at
	return s.performance.Snapshot(at)
}

// Replay rebuilds inactive state from ledger records in completion order.
// It is a no-op on a session that has already been activated.
func (s *Session) Replay(records []schema.TradeRecord) {
	if len(records) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active || s.sessionID != "" {
		return
	}
	for _, rec := range records {
		s.performance.Record(rec.Outcome(), rec.CompletedAt)
		s.lastTradeTime = rec.CompletedAt
		if rec.Strategy != "" {
			s.strategy = rec.Strategy
		}
	}
}

// Performance returns the derived performance view at now.
func (s *Session) Performance(now time.Time) schema.PerformanceSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.performance.Snapshot(now)
}

// Snapshot copies the session for readers.
func (s *Session) Snapshot(now time.Time) schema.SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return schema.SessionSnapshot{
		WalletAddress:     s.wallet,
		SessionID:         s.sessionID,
		SelectedStrategy:  s.strategy,
		IsActive:          s.active,
		HasActiveStrategy: s.active,
		Paused:            s.paused,
		Config:            s.config,
		StartTime:         s.startTime,
		LastActivity:      s.lastActivity,
		LastTradeTime:     s.lastTradeTime,
		Performance:       s.performance.Snapshot(now),
	}
}
