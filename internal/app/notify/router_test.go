package notify

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/stratum/internal/domain/schema"
	"github.com/coachpo/stratum/internal/infra/bus/eventbus"
)

type fakeConn struct {
	id     string
	closed atomic.Bool
	fail   error

	mu     sync.Mutex
	frames []Frame
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Closed() bool { return c.closed.Load() }

func (c *fakeConn) Send(_ context.Context, frame Frame) error {
	if c.fail != nil {
		return c.fail
	}
	c.mu.Lock()
	c.frames = append(c.frames, frame)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.frames))
	for _, f := range c.frames {
		out = append(out, f.Type)
	}
	return out
}

func newTestRouter() *Router {
	return NewRouter(Options{}, log.New(io.Discard, "", 0))
}

func TestWalletEventsReachOnlyOwner(t *testing.T) {
	r := newTestRouter()
	a, b, anon := &fakeConn{id: "a"}, &fakeConn{id: "b"}, &fakeConn{id: "anon"}
	for _, c := range []*fakeConn{a, b, anon} {
		r.Register(c)
	}
	r.Authenticate(a, "eth|a")
	r.Authenticate(b, "eth|b")

	evt := schema.NewEvent(schema.EventTypeTradeNotification, "eth|a", schema.TradeNotificationPayload{})
	require.Equal(t, 1, r.Route(context.Background(), evt))
	require.Equal(t, []string{"trade_notification"}, a.types())
	require.Empty(t, b.types())
	require.Empty(t, anon.types())

	global := schema.NewEvent(schema.EventTypeOracleUpdate, "", schema.OracleState{})
	require.Equal(t, 3, r.Route(context.Background(), global))
	require.Equal(t, []string{"oracle_update"}, anon.types())
}

func TestUnknownWalletIsDropped(t *testing.T) {
	r := newTestRouter()
	r.Register(&fakeConn{id: "a"})
	n := r.NotifyWallet(context.Background(), "eth|ghost", NewFrame("performance_update", "eth|ghost", nil))
	require.Zero(t, n)
}

func TestReauthenticateMovesConnection(t *testing.T) {
	r := newTestRouter()
	c := &fakeConn{id: "c"}
	r.Register(c)
	r.Authenticate(c, "eth|a")
	r.Authenticate(c, "eth|b")

	wallet, ok := r.WalletOf(c)
	require.True(t, ok)
	require.Equal(t, "eth|b", wallet)
	require.Zero(t, r.NotifyWallet(context.Background(), "eth|a", NewFrame("x", "eth|a", nil)))
	require.Equal(t, 1, r.NotifyWallet(context.Background(), "eth|b", NewFrame("x", "eth|b", nil)))
}

func TestApprovalRequestsNeedSubscription(t *testing.T) {
	r := newTestRouter()
	plain, subscribed := &fakeConn{id: "plain"}, &fakeConn{id: "sub"}
	r.Register(plain)
	r.Register(subscribed)
	require.False(t, r.SubscribeApprovals(subscribed), "unauthenticated connections cannot subscribe")
	r.Authenticate(plain, "eth|a")
	r.Authenticate(subscribed, "eth|a")
	require.True(t, r.SubscribeApprovals(subscribed))

	evt := schema.NewEvent(schema.EventTypeTradeApprovalRequest, "eth|a", schema.TradeApprovalRequestPayload{RequestID: "r1"})
	require.Equal(t, 1, r.Route(context.Background(), evt))
	require.Empty(t, plain.types())
	require.Equal(t, []string{"trade_approval_request"}, subscribed.types())
}

func TestFailedAndClosedConnectionsAreRemoved(t *testing.T) {
	r := newTestRouter()
	ok := &fakeConn{id: "ok"}
	broken := &fakeConn{id: "broken", fail: errors.New("broken pipe")}
	gone := &fakeConn{id: "gone"}
	gone.closed.Store(true)
	for _, c := range []*fakeConn{ok, broken, gone} {
		r.Register(c)
	}

	require.Equal(t, 1, r.BroadcastGlobal(context.Background(), NewFrame("oracle_update", "", nil)))
	require.Equal(t, 1, r.Connections())

	r.Unregister(ok)
	require.Zero(t, r.Connections())
}

func TestRunRoutesBusEvents(t *testing.T) {
	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{}, log.New(io.Discard, "", 0))
	defer bus.Close()
	r := newTestRouter()
	c := &fakeConn{id: "c"}
	r.Register(c)
	r.Authenticate(c, "eth|abc")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, bus) }()

	// wait until the router's subscription is live
	require.Eventually(t, func() bool {
		_ = bus.Publish(context.Background(), schema.NewEvent(schema.EventTypeOracleUpdate, "", schema.OracleState{}))
		return len(c.types()) > 0
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, bus.Publish(context.Background(), schema.NewEvent(schema.EventTypeStrategyUpdate, "eth|abc", schema.StrategyUpdatePayload{})))
	require.NoError(t, bus.Publish(context.Background(), schema.NewEvent(schema.EventTypePerformanceUpdate, "eth|other", schema.PerformanceUpdatePayload{})))
	require.Eventually(t, func() bool {
		types := c.types()
		return types[len(types)-1] == "strategy_update"
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	for _, typ := range c.types() {
		require.NotEqual(t, "performance_update", typ)
	}
}

func TestFrameOfKeepsEventTimestamp(t *testing.T) {
	evt := schema.NewEvent(schema.EventTypeStrategyUpdate, "eth|abc", nil)
	evt.Timestamp = time.Date(2024, 5, 6, 7, 8, 9, 123_000_000, time.UTC)
	frame := FrameOf(evt)
	require.Equal(t, "2024-05-06T07:08:09.123Z", frame.Timestamp)
	require.Equal(t, "strategy_update", frame.Type)
	require.Equal(t, "eth|abc", frame.WalletAddress)
}
