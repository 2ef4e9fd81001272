// Package schema defines the domain records exchanged between the session manager, runners and transports.
package schema

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/stratum/errs"
)

// EventType enumerates the event categories published on the bus and pushed to WebSocket clients.
type EventType string

const (
	// EventTypeStrategyUpdate identifies session lifecycle changes (assigned, stopped, config, circuit).
	EventTypeStrategyUpdate EventType = "strategy_update"
	// EventTypeStrategyAnnouncement identifies global strategy-change announcements.
	EventTypeStrategyAnnouncement EventType = "strategy_announcement"
	// EventTypeTradeNotification identifies completed trade attempts.
	EventTypeTradeNotification EventType = "trade_notification"
	// EventTypePerformanceUpdate identifies performance snapshots emitted after each trade.
	EventTypePerformanceUpdate EventType = "performance_update"
	// EventTypeOracleUpdate identifies global oracle ticks.
	EventTypeOracleUpdate EventType = "oracle_update"
	// EventTypeWalletOracleUpdate identifies wallet-scoped oracle ticks.
	EventTypeWalletOracleUpdate EventType = "wallet_oracle_update"
	// EventTypeTradeApprovalRequest identifies wallet-scoped approval prompts.
	EventTypeTradeApprovalRequest EventType = "trade_approval_request"
)

// RoutedEventTypes lists every event type the notification router forwards to sockets.
var RoutedEventTypes = []EventType{
	EventTypeStrategyUpdate,
	EventTypeStrategyAnnouncement,
	EventTypeTradeNotification,
	EventTypePerformanceUpdate,
	EventTypeOracleUpdate,
	EventTypeWalletOracleUpdate,
	EventTypeTradeApprovalRequest,
}

// Event is a typed notification carried by the bus. An empty Wallet marks a global event.
// Events are treated as immutable once published.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Wallet    string    `json:"walletAddress,omitempty"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent builds a wallet-scoped event. Pass an empty wallet for a global event.
func NewEvent(typ EventType, wallet string, payload any) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Wallet:    strings.TrimSpace(wallet),
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// Global reports whether the event should reach every connection.
func (e *Event) Global() bool {
	return e != nil && e.Wallet == ""
}

// Validate ensures the event carries a routable type.
func (e *Event) Validate() error {
	if e == nil {
		return errs.New("schema/event", errs.CodeInvalid, errs.WithMessage("event required"))
	}
	if strings.TrimSpace(string(e.Type)) == "" {
		return errs.New("schema/event", errs.CodeInvalid, errs.WithMessage("event type required"))
	}
	return nil
}

// SessionStatus describes the lifecycle state reported in strategy updates.
type SessionStatus string

const (
	// SessionStatusActive marks a running session.
	SessionStatusActive SessionStatus = "active"
	// SessionStatusStopped marks a soft-stopped session.
	SessionStatusStopped SessionStatus = "stopped"
	// SessionStatusPaused marks a session halted by the failure circuit.
	SessionStatusPaused SessionStatus = "paused"
)

// StrategyUpdatePayload accompanies strategy_update events.
type StrategyUpdatePayload struct {
	WalletAddress string         `json:"walletAddress"`
	SessionID     string         `json:"sessionId,omitempty"`
	Strategy      string         `json:"strategy,omitempty"`
	Status        SessionStatus  `json:"status"`
	Reason        string         `json:"reason,omitempty"`
	Config        StrategyConfig `json:"config"`
}

// StrategyAnnouncementPayload accompanies global strategy_announcement events.
type StrategyAnnouncementPayload struct {
	Strategy      string        `json:"strategy"`
	Status        SessionStatus `json:"status"`
	ActiveSession int           `json:"activeSessions"`
}

// TradeNotificationPayload accompanies trade_notification events.
type TradeNotificationPayload struct {
	Trade TradeRecord `json:"trade"`
}

// PerformanceUpdatePayload accompanies performance_update events.
type PerformanceUpdatePayload struct {
	WalletAddress string              `json:"walletAddress"`
	Performance   PerformanceSnapshot `json:"performance"`
}

// TradeApprovalRequestPayload accompanies trade_approval_request events.
type TradeApprovalRequestPayload struct {
	RequestID     string   `json:"requestId"`
	WalletAddress string   `json:"walletAddress"`
	Strategy      string   `json:"strategy"`
	Decision      Decision `json:"decision"`
	Reason        string   `json:"reason"`
}
