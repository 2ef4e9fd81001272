// Package notify routes bus events to WebSocket connections, either to every connection
// or only to the connections authenticated as the event's wallet.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/stratum/internal/domain/schema"
	"github.com/coachpo/stratum/internal/infra/bus/eventbus"
	"github.com/coachpo/stratum/internal/telemetry"
)

const (
	defaultWriteTimeout = 5 * time.Second
	defaultWorkers      = 8
)

// ErrClosed is returned by Send on a connection that has gone away.
var ErrClosed = errors.New("notify: connection closed")

// Connection is one client socket.
type Connection interface {
	ID() string
	Send(ctx context.Context, frame Frame) error
	Closed() bool
}

// Options tunes delivery.
type Options struct {
	// WriteTimeout bounds each write so one slow client cannot stall delivery.
	WriteTimeout time.Duration
	// Workers bounds parallel writes per delivered event.
	Workers int
}

type member struct {
	conn      Connection
	wallet    string
	approvals bool
}

// Router tracks connections and their wallet bindings.
type Router struct {
	opts   Options
	logger *log.Logger

	mu       sync.RWMutex
	members  map[string]*member
	byWallet map[string]map[string]*member

	deliveries   metric.Int64Counter
	deliverySize metric.Int64Histogram
	dropped      metric.Int64Counter
	connGauge    metric.Int64UpDownCounter
}

// NewRouter constructs an empty router.
func NewRouter(opts Options, logger *log.Logger) *Router {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if logger == nil {
		logger = log.New(os.Stdout, "notify ", log.LstdFlags|log.Lmicroseconds)
	}
	r := &Router{
		opts:     opts,
		logger:   logger,
		members:  make(map[string]*member),
		byWallet: make(map[string]map[string]*member),
	}
	meter := otel.Meter("notify")
	r.deliveries, _ = meter.Int64Counter("notify.deliveries",
		metric.WithDescription("Frames written to WebSocket connections"),
		metric.WithUnit("{frame}"))
	r.deliverySize, _ = meter.Int64Histogram(telemetry.MetricNotifyDeliverySize,
		metric.WithDescription("Connections reached per routed event"),
		metric.WithUnit("{connection}"))
	r.dropped, _ = meter.Int64Counter("notify.dropped",
		metric.WithDescription("Wallet events with no connected recipient"),
		metric.WithUnit("{event}"))
	r.connGauge, _ = meter.Int64UpDownCounter("notify.connections",
		metric.WithDescription("Registered WebSocket connections"),
		metric.WithUnit("{connection}"))
	return r
}

// Register adds conn to the broadcast set.
func (r *Router) Register(conn Connection) {
	if conn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[conn.ID()]; ok {
		return
	}
	r.members[conn.ID()] = &member{conn: conn}
	r.connGauge.Add(context.Background(), 1)
}

// Authenticate binds conn to wallet, moving it off any previous wallet.
func (r *Router) Authenticate(conn Connection, wallet string) {
	if conn == nil || wallet == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[conn.ID()]
	if !ok {
		m = &member{conn: conn}
		r.members[conn.ID()] = m
		r.connGauge.Add(context.Background(), 1)
	}
	if m.wallet == wallet {
		return
	}
	r.unbindLocked(m)
	m.wallet = wallet
	m.approvals = false
	set, ok := r.byWallet[wallet]
	if !ok {
		set = make(map[string]*member)
		r.byWallet[wallet] = set
	}
	set[conn.ID()] = m
}

// SubscribeApprovals opts an authenticated conn into trade approval requests.
func (r *Router) SubscribeApprovals(conn Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[conn.ID()]
	if !ok || m.wallet == "" {
		return false
	}
	m.approvals = true
	return true
}

// WalletOf returns the wallet conn is bound to.
func (r *Router) WalletOf(conn Connection) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[conn.ID()]
	if !ok || m.wallet == "" {
		return "", false
	}
	return m.wallet, true
}

// Unregister removes conn from every map.
func (r *Router) Unregister(conn Connection) {
	if conn == nil {
		return
	}
	r.remove(conn.ID())
}

func (r *Router) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[id]
	if !ok {
		return
	}
	r.unbindLocked(m)
	delete(r.members, id)
	r.connGauge.Add(context.Background(), -1)
}

func (r *Router) unbindLocked(m *member) {
	if m.wallet == "" {
		return
	}
	if set, ok := r.byWallet[m.wallet]; ok {
		delete(set, m.conn.ID())
		if len(set) == 0 {
			delete(r.byWallet, m.wallet)
		}
	}
	m.wallet = ""
}

// Connections reports the number of registered connections.
func (r *Router) Connections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// BroadcastGlobal writes frame to every open connection and returns the number reached.
func (r *Router) BroadcastGlobal(ctx context.Context, frame Frame) int {
	r.mu.RLock()
	targets := make([]*member, 0, len(r.members))
	for _, m := range r.members {
		targets = append(targets, m)
	}
	r.mu.RUnlock()
	return r.deliver(ctx, frame, telemetry.ScopeGlobal, targets)
}

// NotifyWallet writes frame to the wallet's connections. Without one the frame is dropped.
func (r *Router) NotifyWallet(ctx context.Context, wallet string, frame Frame) int {
	return r.notify(ctx, wallet, frame, false)
}

func (r *Router) notify(ctx context.Context, wallet string, frame Frame, approvalsOnly bool) int {
	r.mu.RLock()
	set := r.byWallet[wallet]
	targets := make([]*member, 0, len(set))
	for _, m := range set {
		if approvalsOnly && !m.approvals {
			continue
		}
		targets = append(targets, m)
	}
	r.mu.RUnlock()
	if len(targets) == 0 {
		r.dropped.Add(ctx, 1, metric.WithAttributes(telemetry.AttrEventType.String(frame.Type)))
		return 0
	}
	return r.deliver(ctx, frame, telemetry.ScopeWallet, targets)
}

func (r *Router) deliver(ctx context.Context, frame Frame, scope string, targets []*member) int {
	if len(targets) == 0 {
		return 0
	}
	var delivered atomic.Int64
	p := concpool.New().WithMaxGoroutines(r.opts.Workers)
	for _, m := range targets {
		target := m
		p.Go(func() {
			if target.conn.Closed() {
				r.remove(target.conn.ID())
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, r.opts.WriteTimeout)
			defer cancel()
			if err := target.conn.Send(writeCtx, frame); err != nil {
				if !errors.Is(err, ErrClosed) {
					r.logger.Printf("write %s to %s: %v", frame.Type, target.conn.ID(), err)
				}
				r.remove(target.conn.ID())
				return
			}
			delivered.Add(1)
		})
	}
	p.Wait()
	n := delivered.Load()
	attrs := metric.WithAttributes(telemetry.EventAttributes(telemetry.Environment(), frame.Type, scope)...)
	r.deliveries.Add(ctx, n, attrs)
	r.deliverySize.Record(ctx, n, attrs)
	return int(n)
}

// Route delivers one bus event according to its scope.
func (r *Router) Route(ctx context.Context, evt *schema.Event) int {
	if evt == nil {
		return 0
	}
	frame := FrameOf(evt)
	switch {
	case evt.Type == schema.EventTypeTradeApprovalRequest:
		if evt.Global() {
			return 0
		}
		return r.notify(ctx, evt.Wallet, frame, true)
	case evt.Global():
		return r.BroadcastGlobal(ctx, frame)
	default:
		return r.NotifyWallet(ctx, evt.Wallet, frame)
	}
}

// Run consumes routed event types from bus until ctx is done.
func (r *Router) Run(ctx context.Context, bus eventbus.Bus) error {
	id, events, err := bus.Subscribe(ctx, schema.RoutedEventTypes...)
	if err != nil {
		return fmt.Errorf("notify: subscribe: %w", err)
	}
	defer bus.Unsubscribe(id)
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			r.Route(ctx, evt)
		}
	}
}
