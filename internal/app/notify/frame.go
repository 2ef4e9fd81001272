package notify

import (
	"time"

	"github.com/coachpo/stratum/internal/domain/schema"
)

// TimestampLayout renders frame timestamps as RFC3339 with milliseconds.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Frame types that only exist on the socket, never on the bus.
const (
	FrameConnected     = "connected"
	FrameAuthenticated = "authenticated"
	FramePong          = "pong"
	FrameError         = "error"
	FrameApprovals     = "trade_approvals_subscribed"
)

// Frame is the JSON object written to a WebSocket client.
type Frame struct {
	Type          string `json:"type"`
	Timestamp     string `json:"timestamp"`
	WalletAddress string `json:"walletAddress,omitempty"`
	Data          any    `json:"data,omitempty"`
}

// NewFrame stamps a frame with the current time.
func NewFrame(typ, wallet string, data any) Frame {
	return Frame{
		Type:          typ,
		Timestamp:     time.Now().UTC().Format(TimestampLayout),
		WalletAddress: wallet,
		Data:          data,
	}
}

// FrameOf converts a bus event, keeping the event's own timestamp.
func FrameOf(evt *schema.Event) Frame {
	ts := evt.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return Frame{
		Type:          string(evt.Type),
		Timestamp:     ts.UTC().Format(TimestampLayout),
		WalletAddress: evt.Wallet,
		Data:          evt.Payload,
	}
}
