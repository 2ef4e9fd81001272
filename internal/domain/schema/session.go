package schema

import "time"

// SessionSnapshot is a read-only copy of a wallet's session.
type SessionSnapshot struct {
	WalletAddress     string              `json:"walletAddress"`
	SessionID         string              `json:"sessionId,omitempty"`
	SelectedStrategy  string              `json:"selectedStrategy,omitempty"`
	IsActive          bool                `json:"isActive"`
	HasActiveStrategy bool                `json:"hasActiveStrategy"`
	Paused            bool                `json:"paused,omitempty"`
	Config            StrategyConfig      `json:"config"`
	StartTime         time.Time           `json:"startTime"`
	LastActivity      time.Time           `json:"lastActivity"`
	LastTradeTime     time.Time           `json:"lastTradeTime"`
	Performance       PerformanceSnapshot `json:"performance"`
}

// Status returns the lifecycle status reported to clients.
func (s SessionSnapshot) Status() SessionStatus {
	if s.IsActive {
		return SessionStatusActive
	}
	if s.Paused {
		return SessionStatusPaused
	}
	return SessionStatusStopped
}
