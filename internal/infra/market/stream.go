package market

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/stratum/internal/domain/schema"
)

const (
	streamMaxReconnectInterval = 20 * time.Second
	streamReadLimit            = 1 << 20
)

// StreamOptions configures the WebSocket price stream.
type StreamOptions struct {
	URL     string
	History int
	// Subscribe is sent once after every successful dial when non-empty.
	Subscribe json.RawMessage
}

// priceFrame is one price tick on the stream.
type priceFrame struct {
	Pair      string          `json:"pair"`
	Price     decimal.Decimal `json:"price"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// StreamFeed keeps a price window fed by a remote WebSocket.
type StreamFeed struct {
	*window
	opts   StreamOptions
	logger *log.Logger
}

// NewStreamFeed constructs a stream feed; call Run to connect.
func NewStreamFeed(opts StreamOptions, logger *log.Logger) (*StreamFeed, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, fmt.Errorf("market stream: url required")
	}
	if logger == nil {
		logger = log.New(os.Stdout, "market ", log.LstdFlags|log.Lmicroseconds)
	}
	return &StreamFeed{window: newWindow(opts.History), opts: opts, logger: logger}, nil
}

// Snapshot returns the current window for pair.
func (f *StreamFeed) Snapshot(ctx context.Context, pair string) (schema.MarketSnapshot, error) {
	return f.snapshot(ctx, pair)
}

// Price returns the latest streamed price.
func (f *StreamFeed) Price(pair string) (decimal.Decimal, bool) {
	return f.last(pair)
}

// Run maintains the connection with exponential backoff until ctx is done.
func (f *StreamFeed) Run(ctx context.Context) error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = streamMaxReconnectInterval

	for {
		if ctx.Err() != nil {
			return nil
		}
		err := f.session(ctx, backoffCfg)
		if err != nil && !errors.Is(err, context.Canceled) {
			f.logger.Printf("market stream %s: %v", f.opts.URL, err)
		}
		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = streamMaxReconnectInterval
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(sleep):
		}
	}
}

func (f *StreamFeed) session(ctx context.Context, backoffCfg *backoff.ExponentialBackOff) error {
	conn, _, err := websocket.Dial(ctx, f.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer func() {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()
	conn.SetReadLimit(streamReadLimit)
	backoffCfg.Reset()

	if len(f.opts.Subscribe) > 0 {
		if err := conn.Write(ctx, websocket.MessageText, f.opts.Subscribe); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.apply(data)
	}
}

func (f *StreamFeed) apply(data []byte) {
	var frame priceFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		f.logger.Printf("market stream: skip malformed frame: %v", err)
		return
	}
	if strings.TrimSpace(frame.Pair) == "" || !frame.Price.IsPositive() {
		return
	}
	at := time.Now().UTC()
	if frame.Timestamp > 0 {
		at = time.UnixMilli(frame.Timestamp).UTC()
	}
	f.push(frame.Pair, frame.Price, at)
}
