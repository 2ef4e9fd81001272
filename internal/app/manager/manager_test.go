package manager

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/coachpo/stratum/errs"
	"github.com/coachpo/stratum/internal/app/runner"
	"github.com/coachpo/stratum/internal/app/strategy"
	"github.com/coachpo/stratum/internal/domain/schema"
	"github.com/coachpo/stratum/internal/domain/session"
	"github.com/coachpo/stratum/internal/infra/ledger"
	"github.com/coachpo/stratum/internal/infra/market"
	"github.com/coachpo/stratum/internal/infra/swap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type capture struct {
	mu     sync.Mutex
	events []*schema.Event
}

func (c *capture) Publish(_ context.Context, evt *schema.Event) error {
	c.mu.Lock()
	c.events = append(c.events, evt)
	c.mu.Unlock()
	return nil
}

func (c *capture) of(typ schema.EventType) []*schema.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*schema.Event
	for _, evt := range c.events {
		if evt.Type == typ {
			out = append(out, evt)
		}
	}
	return out
}

type fixture struct {
	mgr    *Manager
	ledger *ledger.FileLedger
	bus    *capture
}

func testCatalog(t *testing.T) *strategy.Catalog {
	t.Helper()
	catalog := strategy.NewCatalog()
	require.NoError(t, strategy.RegisterBuiltins(catalog))
	require.NoError(t, catalog.Register(strategy.Definition{
		Meta: strategy.Metadata{Name: "test-strategy", DisplayName: "Test", Source: "test"},
		Factory: func() (strategy.Engine, error) {
			return strategy.EngineFunc(func(context.Context, strategy.Input) (schema.Decision, error) {
				return schema.Decision{Direction: schema.DirectionBuy, Size: decimal.NewFromInt(4), ExpectedProfit: 80, Confidence: 1}, nil
			}), nil
		},
	}))
	return catalog
}

func newFixture(t *testing.T, loop Loop, opts Options) *fixture {
	t.Helper()
	discard := log.New(io.Discard, "", 0)
	store, err := ledger.Open(t.TempDir(), ledger.Options{}, discard)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	bus := &capture{}
	if loop == nil {
		feed := market.NewPaperFeed(market.PaperOptions{
			BasePrices: map[string]decimal.Decimal{"ETH/USDC": decimal.NewFromInt(2000)},
			Seed:       7,
		})
		exec, err := swap.NewPaper(feed, swap.PaperOptions{FeeBps: 30, Seed: 7})
		require.NoError(t, err)
		r, err := runner.New(runner.Config{
			Pair:           "ETH/USDC",
			PollInterval:   5 * time.Millisecond,
			SwapTimeout:    time.Second,
			BackoffInitial: time.Millisecond,
			BackoffMax:     5 * time.Millisecond,
		}, runner.Deps{Executor: exec, Ledger: store, Feed: feed, Publisher: bus, Logger: discard})
		require.NoError(t, err)
		loop = r
	}

	mgr, err := New(session.NewRegistry(), testCatalog(t), loop, store, bus, opts, discard)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})
	return &fixture{mgr: mgr, ledger: store, bus: bus}
}

func conservative() map[string]any {
	return map[string]any{
		"minProfitBps": 50,
		"slippageBps":  100,
		"maxTradeSize": 10,
		"riskLevel":    "conservative",
	}
}

// idleLoop parks until canceled.
type idleLoop struct{}

func (idleLoop) Run(ctx context.Context, _ runner.Job) { <-ctx.Done() }

// stuckLoop ignores cancellation until released.
type stuckLoop struct{ release chan struct{} }

func (s stuckLoop) Run(context.Context, runner.Job) { <-s.release }

func TestAssignStrategyActivatesSession(t *testing.T) {
	f := newFixture(t, idleLoop{}, Options{})
	ctx := context.Background()

	res, err := f.mgr.AssignStrategy(ctx, AssignRequest{WalletAddress: "eth|abc", Strategy: "test-strategy", Config: conservative()})
	require.NoError(t, err)
	require.NotEmpty(t, res.SessionID)
	require.Equal(t, schema.SessionStatusActive, res.Status)

	snap, found := f.mgr.GetUserStatus("eth|abc")
	require.True(t, found)
	require.True(t, snap.IsActive)
	require.Equal(t, "test-strategy", snap.SelectedStrategy)
	require.Equal(t, res.SessionID, snap.SessionID)
	require.Equal(t, 50, snap.Config.MinProfitBps)
	require.Equal(t, schema.RiskConservative, snap.Config.RiskLevel)

	updates := f.bus.of(schema.EventTypeStrategyUpdate)
	require.Len(t, updates, 1)
	require.Equal(t, "eth|abc", updates[0].Wallet)
	require.Len(t, f.bus.of(schema.EventTypeStrategyAnnouncement), 1)
}

func TestAssignMergesConfigOverDefaults(t *testing.T) {
	f := newFixture(t, idleLoop{}, Options{})
	res, err := f.mgr.AssignStrategy(context.Background(), AssignRequest{
		WalletAddress: "eth|abc",
		Strategy:      "hold",
		Config:        map[string]any{"slippageBps": 25},
	})
	require.NoError(t, err)
	defaults := schema.DefaultStrategyConfig()
	require.Equal(t, 25, res.Config.SlippageBps)
	require.Equal(t, defaults.MinProfitBps, res.Config.MinProfitBps)
	require.True(t, defaults.MaxTradeSize.Equal(res.Config.MaxTradeSize))
}

func TestStopKeepsSelectedStrategy(t *testing.T) {
	f := newFixture(t, idleLoop{}, Options{})
	ctx := context.Background()
	_, err := f.mgr.AssignStrategy(ctx, AssignRequest{WalletAddress: "eth|abc", Strategy: "test-strategy", Config: conservative()})
	require.NoError(t, err)

	stopped, err := f.mgr.StopUserStrategy(ctx, "eth|abc")
	require.NoError(t, err)
	require.True(t, stopped)

	snap, found := f.mgr.GetUserStatus("eth|abc")
	require.True(t, found)
	require.False(t, snap.IsActive)
	require.Equal(t, "test-strategy", snap.SelectedStrategy)
	require.Equal(t, schema.SessionStatusStopped, snap.Status())

	stopped, err = f.mgr.StopUserStrategy(ctx, "eth|abc")
	require.NoError(t, err)
	require.False(t, stopped, "second stop is a no-op")

	stopped, err = f.mgr.StopUserStrategy(ctx, "eth|nobody")
	require.NoError(t, err)
	require.False(t, stopped)
}

func TestUnknownWalletStatusIsNotAnError(t *testing.T) {
	f := newFixture(t, idleLoop{}, Options{})
	snap, found := f.mgr.GetUserStatus("eth|unknown")
	require.False(t, found)
	require.False(t, snap.HasActiveStrategy)
	require.Equal(t, "eth|unknown", snap.WalletAddress)
}

func TestUnknownStrategyCreatesNoSession(t *testing.T) {
	f := newFixture(t, idleLoop{}, Options{})
	_, err := f.mgr.AssignStrategy(context.Background(), AssignRequest{WalletAddress: "eth|abc", Strategy: "does-not-exist"})
	require.True(t, errs.Is(err, errs.CodeUnknownStrategy), "got %v", err)
	_, err = f.mgr.AssignStrategy(context.Background(), AssignRequest{WalletAddress: "eth|abc", Strategy: "  "})
	require.True(t, errs.Is(err, errs.CodeUnknownStrategy), "got %v", err)
	_, found := f.mgr.GetUserStatus("eth|abc")
	require.False(t, found)
	require.Empty(t, f.mgr.Sessions())
	require.Empty(t, f.bus.of(schema.EventTypeStrategyUpdate))
}

func TestInvalidConfigCreatesNoSession(t *testing.T) {
	f := newFixture(t, idleLoop{}, Options{})
	for _, cfg := range []map[string]any{
		{"leverage": 3},
		{"riskLevel": "yolo"},
		{"slippageBps": -1},
	} {
		_, err := f.mgr.AssignStrategy(context.Background(), AssignRequest{WalletAddress: "eth|abc", Strategy: "hold", Config: cfg})
		require.True(t, errs.Is(err, errs.CodeInvalidConfig), "config %v: got %v", cfg, err)
	}
	require.Empty(t, f.mgr.Sessions())

	_, err := f.mgr.AssignStrategy(context.Background(), AssignRequest{WalletAddress: " ", Strategy: "hold"})
	require.True(t, errs.Is(err, errs.CodeInvalid))
}

func TestReassignSupersedesSession(t *testing.T) {
	f := newFixture(t, idleLoop{}, Options{})
	ctx := context.Background()
	first, err := f.mgr.AssignStrategy(ctx, AssignRequest{WalletAddress: "eth|abc", Strategy: "hold"})
	require.NoError(t, err)
	second, err := f.mgr.AssignStrategy(ctx, AssignRequest{WalletAddress: "eth|abc", Strategy: "momentum"})
	require.NoError(t, err)
	require.NotEqual(t, first.SessionID, second.SessionID)

	_, ok := f.mgr.ResolveSession(first.SessionID)
	require.False(t, ok)
	wallet, ok := f.mgr.ResolveSession(second.SessionID)
	require.True(t, ok)
	require.Equal(t, "eth|abc", wallet)

	snap, _ := f.mgr.GetUserStatus("eth|abc")
	require.Equal(t, "momentum", snap.SelectedStrategy)
	require.Equal(t, 1, f.mgr.ActiveSessions())
	require.Len(t, f.mgr.Sessions(), 1)
}

func TestConcurrentAssignKeepsOneSessionPerWallet(t *testing.T) {
	f := newFixture(t, idleLoop{}, Options{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.mgr.AssignStrategy(context.Background(), AssignRequest{WalletAddress: "eth|abc", Strategy: "hold"}); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	require.Len(t, f.mgr.Sessions(), 1)
	require.Equal(t, 1, f.mgr.ActiveSessions())

	f.mgr.mu.Lock()
	loops := len(f.mgr.loops)
	f.mgr.mu.Unlock()
	require.Equal(t, 1, loops)
}

func TestAssignmentConflictWhenLoopWillNotStop(t *testing.T) {
	stuck := stuckLoop{release: make(chan struct{})}
	f := newFixture(t, stuck, Options{StopTimeout: 20 * time.Millisecond})
	defer close(stuck.release)
	ctx := context.Background()

	_, err := f.mgr.AssignStrategy(ctx, AssignRequest{WalletAddress: "eth|abc", Strategy: "hold"})
	require.NoError(t, err)
	_, err = f.mgr.AssignStrategy(ctx, AssignRequest{WalletAddress: "eth|abc", Strategy: "momentum"})
	require.True(t, errs.Is(err, errs.CodeAssignmentConflict), "got %v", err)

	snap, _ := f.mgr.GetUserStatus("eth|abc")
	require.False(t, snap.IsActive)
	require.Equal(t, "hold", snap.SelectedStrategy)
	requireLastUpdate(t, f.bus, ReasonStopped, schema.SessionStatusStopped)
}

func TestStopCompletesWhenLoopWillNotExit(t *testing.T) {
	stuck := stuckLoop{release: make(chan struct{})}
	f := newFixture(t, stuck, Options{StopTimeout: 20 * time.Millisecond})
	defer close(stuck.release)
	ctx := context.Background()

	res, err := f.mgr.AssignStrategy(ctx, AssignRequest{WalletAddress: "eth|abc", Strategy: "hold"})
	require.NoError(t, err)

	stopped, err := f.mgr.StopUserStrategy(ctx, "eth|abc")
	require.NoError(t, err)
	require.True(t, stopped)

	snap, _ := f.mgr.GetUserStatus("eth|abc")
	require.False(t, snap.IsActive)
	require.Equal(t, 0, f.mgr.ActiveSessions())
	_, ok := f.mgr.ResolveSession(res.SessionID)
	require.False(t, ok)
	require.Len(t, f.bus.of(schema.EventTypeStrategyUpdate), 2)
	requireLastUpdate(t, f.bus, ReasonStopped, schema.SessionStatusStopped)

	stopped, err = f.mgr.StopUserStrategy(ctx, "eth|abc")
	require.NoError(t, err)
	require.False(t, stopped)
	require.Len(t, f.bus.of(schema.EventTypeStrategyUpdate), 2)
}

func requireLastUpdate(t *testing.T, bus *capture, reason string, status schema.SessionStatus) {
	t.Helper()
	updates := bus.of(schema.EventTypeStrategyUpdate)
	require.NotEmpty(t, updates)
	payload, ok := updates[len(updates)-1].Payload.(schema.StrategyUpdatePayload)
	require.True(t, ok)
	require.Equal(t, reason, payload.Reason)
	require.Equal(t, status, payload.Status)
}

func TestActiveSessionCap(t *testing.T) {
	f := newFixture(t, idleLoop{}, Options{MaxActiveSessions: 1})
	ctx := context.Background()
	_, err := f.mgr.AssignStrategy(ctx, AssignRequest{WalletAddress: "eth|a", Strategy: "hold"})
	require.NoError(t, err)
	_, err = f.mgr.AssignStrategy(ctx, AssignRequest{WalletAddress: "eth|b", Strategy: "hold"})
	require.True(t, errs.Is(err, errs.CodeUnavailable))

	// reassigning the running wallet stays within the cap
	_, err = f.mgr.AssignStrategy(ctx, AssignRequest{WalletAddress: "eth|a", Strategy: "momentum"})
	require.NoError(t, err)
}

func TestUpdateConfig(t *testing.T) {
	f := newFixture(t, idleLoop{}, Options{})
	ctx := context.Background()
	_, err := f.mgr.UpdateUserConfig(ctx, "eth|abc", map[string]any{"slippageBps": 10})
	require.True(t, errs.Is(err, errs.CodeNotFound))

	_, err = f.mgr.AssignStrategy(ctx, AssignRequest{WalletAddress: "eth|abc", Strategy: "hold", Config: conservative()})
	require.NoError(t, err)
	cfg, err := f.mgr.UpdateUserConfig(ctx, "eth|abc", map[string]any{"slippageBps": 10})
	require.NoError(t, err)
	require.Equal(t, 10, cfg.SlippageBps)
	require.Equal(t, 50, cfg.MinProfitBps)

	_, err = f.mgr.UpdateUserConfig(ctx, "eth|abc", map[string]any{"bogus": true})
	require.True(t, errs.Is(err, errs.CodeInvalidConfig))
	snap, _ := f.mgr.GetUserStatus("eth|abc")
	require.Equal(t, 10, snap.Config.SlippageBps)
}

func TestControlStartAndStop(t *testing.T) {
	f := newFixture(t, idleLoop{}, Options{})
	ctx := context.Background()

	_, err := f.mgr.Control(ctx, "eth|abc", ControlRequest{Action: "start"})
	require.True(t, errs.Is(err, errs.CodeNotFound))

	res, err := f.mgr.Control(ctx, "eth|abc", ControlRequest{Action: "start", Strategy: "test-strategy", Config: conservative()})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.NotEmpty(t, res.SessionID)

	res, err = f.mgr.Control(ctx, "eth|abc", ControlRequest{Action: "stop"})
	require.NoError(t, err)
	require.True(t, res.Success)

	resumed, err := f.mgr.Control(ctx, "eth|abc", ControlRequest{Action: "START", Config: map[string]any{"slippageBps": 5}})
	require.NoError(t, err)
	require.True(t, resumed.Success)
	snap, _ := f.mgr.GetUserStatus("eth|abc")
	require.True(t, snap.IsActive)
	require.Equal(t, "test-strategy", snap.SelectedStrategy)
	require.Equal(t, 5, snap.Config.SlippageBps)
	require.Equal(t, 50, snap.Config.MinProfitBps, "resume keeps the previous config")

	_, err = f.mgr.Control(ctx, "eth|abc", ControlRequest{Action: "pause"})
	require.True(t, errs.Is(err, errs.CodeInvalid))
}

func TestLedgerOrderMatchesCompletionOrder(t *testing.T) {
	f := newFixture(t, nil, Options{})
	ctx := context.Background()
	_, err := f.mgr.AssignStrategy(ctx, AssignRequest{WalletAddress: "eth|abc", Strategy: "test-strategy", Config: conservative()})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(f.bus.of(schema.EventTypeTradeNotification)) >= 3
	}, 5*time.Second, 5*time.Millisecond)
	stopped, err := f.mgr.StopUserStrategy(ctx, "eth|abc")
	require.NoError(t, err)
	require.True(t, stopped)

	notifications := f.bus.of(schema.EventTypeTradeNotification)
	trades, err := f.mgr.Trades("eth|abc", 1000)
	require.NoError(t, err)
	require.Len(t, trades, len(notifications))
	for i, evt := range notifications {
		payload, ok := evt.Payload.(schema.TradeNotificationPayload)
		require.True(t, ok)
		require.Equal(t, payload.Trade.ID, trades[i].ID)
		require.Equal(t, "eth|abc", trades[i].WalletAddress)
		require.True(t, trades[i].AmountIn.Equal(decimal.NewFromInt(1)), "4 scaled by 0.25")
	}

	perf, err := f.mgr.Performance("eth|abc")
	require.NoError(t, err)
	require.Equal(t, int64(len(trades)), perf.TotalTrades)

	_, err = f.mgr.Performance("eth|other")
	require.True(t, errs.Is(err, errs.CodeNotFound))
}

func TestRestoreReplaysLedger(t *testing.T) {
	f := newFixture(t, idleLoop{}, Options{})
	ctx := context.Background()
	now := time.Now().UTC()
	for i, wallet := range []string{"eth|a", "eth|b", "eth|a"} {
		require.NoError(t, f.ledger.Append(ctx, schema.TradeRecord{
			ID:            string(rune('x' + i)),
			WalletAddress: wallet,
			Beneficiary:   wallet,
			Strategy:      "momentum",
			Direction:     schema.DirectionBuy,
			Pair:          "ETH/USDC",
			AmountIn:      decimal.NewFromInt(10),
			ActualOut:     decimal.NewFromInt(11),
			Profit:        decimal.NewFromInt(1),
			Success:       true,
			CompletedAt:   now,
			Timestamp:     now,
		}))
	}

	restored, err := f.mgr.Restore(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, restored)

	snap, found := f.mgr.GetUserStatus("eth|a")
	require.True(t, found)
	require.False(t, snap.IsActive)
	require.Equal(t, "momentum", snap.SelectedStrategy)
	require.Equal(t, int64(2), snap.Performance.TotalTrades)
	require.Equal(t, 0, f.mgr.ActiveSessions())
}

func TestShutdownRejectsNewAssignments(t *testing.T) {
	f := newFixture(t, idleLoop{}, Options{})
	ctx := context.Background()
	_, err := f.mgr.AssignStrategy(ctx, AssignRequest{WalletAddress: "eth|abc", Strategy: "hold"})
	require.NoError(t, err)

	shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, f.mgr.Shutdown(shutdownCtx))

	_, err = f.mgr.AssignStrategy(ctx, AssignRequest{WalletAddress: "eth|other", Strategy: "hold"})
	require.True(t, errs.Is(err, errs.CodeUnavailable))
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(nil, nil, nil, nil, nil, Options{}, nil)
	require.Error(t, err)
}
