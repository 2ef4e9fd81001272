package schema

import "time"

// OraclePhase names a stage of the oracle countdown cycle.
type OraclePhase string

const (
	// OraclePhaseGathering precedes a reveal.
	OraclePhaseGathering OraclePhase = "gathering"
	// OraclePhaseRevealing is the short window after the countdown wraps.
	OraclePhaseRevealing OraclePhase = "revealing"
)

// OracleState is the process-wide oracle countdown.
type OracleState struct {
	Phase     OraclePhase `json:"phase"`
	Countdown int         `json:"countdown"`
	Cycle     int64       `json:"cycle"`
	Tick      int64       `json:"tick"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// WalletOracleState is a wallet's view of the oracle; it mirrors the global state while SubscribedToGlobal is set.
type WalletOracleState struct {
	WalletAddress      string      `json:"walletAddress"`
	SubscribedToGlobal bool        `json:"subscribedToGlobal"`
	Phase              OraclePhase `json:"phase"`
	Countdown          int         `json:"countdown"`
	Cycle              int64       `json:"cycle"`
	UpdatedAt          time.Time   `json:"updatedAt"`
}
