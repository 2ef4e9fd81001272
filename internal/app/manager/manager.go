// Package manager coordinates per-wallet strategy sessions and their execution loops.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/stratum/errs"
	"github.com/coachpo/stratum/internal/app/runner"
	"github.com/coachpo/stratum/internal/app/strategy"
	"github.com/coachpo/stratum/internal/domain/schema"
	"github.com/coachpo/stratum/internal/domain/session"
	"github.com/coachpo/stratum/lib/async"
)

const (
	defaultStopTimeout    = 45 * time.Second
	defaultTradeLimit     = 50
	defaultMaxTradeLimit  = 1000
	defaultRestoreWorkers = 4

	// Strategy update reasons.
	ReasonAssigned      = "assigned"
	ReasonStopped       = "stopped"
	ReasonConfigUpdated = "config_updated"
)

// Control actions.
const (
	ActionStart = "start"
	ActionStop  = "stop"
)

// Ledger is the read side of the trade ledger.
type Ledger interface {
	Read(wallet string, limit int) ([]schema.TradeRecord, error)
	Files() ([]string, error)
	ReadFile(path string) ([]schema.TradeRecord, error)
}

// Loop runs one session until ctx is done or the session stops being current.
type Loop interface {
	Run(ctx context.Context, job runner.Job)
}

// Options tunes the manager.
type Options struct {
	// MaxActiveSessions caps concurrently running loops; zero is unlimited.
	MaxActiveSessions int
	// StopTimeout bounds how long assign waits for a superseded loop to exit.
	StopTimeout    time.Duration
	DefaultLimit   int
	MaxLimit       int
	RestoreWorkers int
}

func (o Options) normalize() Options {
	if o.StopTimeout <= 0 {
		o.StopTimeout = defaultStopTimeout
	}
	if o.DefaultLimit <= 0 {
		o.DefaultLimit = defaultTradeLimit
	}
	if o.MaxLimit <= 0 {
		o.MaxLimit = defaultMaxTradeLimit
	}
	if o.RestoreWorkers <= 0 {
		o.RestoreWorkers = defaultRestoreWorkers
	}
	return o
}

// AssignRequest selects a strategy for a wallet.
type AssignRequest struct {
	WalletAddress string         `json:"walletAddress"`
	Strategy      string         `json:"strategy"`
	Config        map[string]any `json:"config,omitempty"`
}

// AssignResult is returned by AssignStrategy.
type AssignResult struct {
	SessionID     string                `json:"sessionId"`
	WalletAddress string                `json:"walletAddress"`
	Strategy      string                `json:"strategy"`
	Status        schema.SessionStatus  `json:"status"`
	Config        schema.StrategyConfig `json:"config"`
}

// ControlRequest starts or stops a wallet's strategy.
type ControlRequest struct {
	Action   string         `json:"action"`
	Strategy string         `json:"strategy,omitempty"`
	Config   map[string]any `json:"config,omitempty"`
}

// ControlResult reports a control action.
type ControlResult struct {
	Success   bool   `json:"success"`
	SessionID string `json:"sessionId,omitempty"`
}

// Manager owns the session registry and the running loops.
type Manager struct {
	registry *session.Registry
	catalog  *strategy.Catalog
	loop     Loop
	ledger   Ledger
	bus      runner.Publisher
	logger   *log.Logger
	opts     Options
	clock    func() time.Time

	lifecycleMu  sync.RWMutex
	lifecycleCtx context.Context

	mu       sync.Mutex
	loops    map[string]*loopHandle
	bySessID map[string]string
	gates    map[string]chan struct{}
	closed   bool
	wg       conc.WaitGroup
}

type loopHandle struct {
	sessionID string
	cancel    context.CancelFunc
	done      chan struct{}
}

// New wires a manager.
func New(registry *session.Registry, catalog *strategy.Catalog, loop Loop, ledger Ledger, bus runner.Publisher, opts Options, logger *log.Logger) (*Manager, error) {
	if registry == nil || catalog == nil || loop == nil || ledger == nil || bus == nil {
		return nil, fmt.Errorf("manager: registry, catalog, loop, ledger and bus are required")
	}
	if logger == nil {
		logger = log.New(os.Stdout, "manager ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Manager{
		registry:     registry,
		catalog:      catalog,
		loop:         loop,
		ledger:       ledger,
		bus:          bus,
		logger:       logger,
		opts:         opts.normalize(),
		clock:        time.Now,
		lifecycleCtx: context.Background(),
		loops:        make(map[string]*loopHandle),
		bySessID:     make(map[string]string),
		gates:        make(map[string]chan struct{}),
	}, nil
}

// SetLifecycleContext configures the parent context of every loop.
func (m *Manager) SetLifecycleContext(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	m.lifecycleMu.Lock()
	m.lifecycleCtx = ctx
	m.lifecycleMu.Unlock()
}

func (m *Manager) parentContext() context.Context {
	m.lifecycleMu.RLock()
	defer m.lifecycleMu.RUnlock()
	return m.lifecycleCtx
}

// AssignStrategy validates the request, supersedes any active session for the wallet and starts a loop.
func (m *Manager) AssignStrategy(ctx context.Context, req AssignRequest) (AssignResult, error) {
	wallet := session.NormalizeWallet(req.WalletAddress)
	if wallet == "" {
		return AssignResult{}, errs.New("manager/assign", errs.CodeInvalid, errs.WithMessage("walletAddress required"))
	}
	name := strategy.NormalizeName(req.Strategy)
	if name == "" {
		return AssignResult{}, errs.New("manager/assign", errs.CodeUnknownStrategy,
			errs.WithWallet(wallet), errs.WithMessage("strategy required"))
	}
	patch, err := schema.ParseConfigPatch(req.Config)
	if err != nil {
		return AssignResult{}, err
	}
	cfg, err := schema.DefaultStrategyConfig().Apply(patch)
	if err != nil {
		return AssignResult{}, err
	}
	engine, err := m.catalog.NewEngine(name)
	if err != nil {
		return AssignResult{}, err
	}
	return m.start(ctx, wallet, name, cfg, engine)
}

func (m *Manager) start(ctx context.Context, wallet, name string, cfg schema.StrategyConfig, engine strategy.Engine) (AssignResult, error) {
	release, err := m.acquire(ctx, wallet)
	if err != nil {
		return AssignResult{}, err
	}
	defer release()

	if err := m.admit(wallet); err != nil {
		return AssignResult{}, err
	}
	prev, hadPrev := m.registry.Get(wallet)
	wasActive := hadPrev && prev.Active()
	if err := m.halt(ctx, wallet); err != nil {
		// The old session is already inactive; report that before failing the reassign.
		if wasActive {
			m.forgetSession(prev.SessionID())
			m.publishUpdate(ctx, prev, ReasonStopped)
		}
		return AssignResult{}, err
	}

	sess := m.registry.GetOrCreate(wallet)
	if old := sess.SessionID(); old != "" {
		m.forgetSession(old)
	}
	id := sess.Activate(name, cfg, m.clock().UTC())

	runCtx, cancel := context.WithCancel(m.parentContext())
	handle := &loopHandle{sessionID: id, cancel: cancel, done: make(chan struct{})}
	m.mu.Lock()
	m.loops[wallet] = handle
	m.bySessID[id] = wallet
	m.mu.Unlock()

	job := runner.Job{Session: sess, SessionID: id, Strategy: name, Engine: engine}
	m.wg.Go(func() {
		defer close(handle.done)
		defer m.detach(wallet, handle)
		defer func() {
			if rec := recover(); rec != nil {
				m.logger.Printf("wallet %s strategy %s: loop panic: %v", wallet, name, rec)
			}
		}()
		m.loop.Run(runCtx, job)
	})

	m.logger.Printf("wallet %s: assigned %s session %s", wallet, name, id)
	m.publishUpdate(ctx, sess, ReasonAssigned)
	return AssignResult{
		SessionID:     id,
		WalletAddress: wallet,
		Strategy:      name,
		Status:        schema.SessionStatusActive,
		Config:        cfg,
	}, nil
}

// admit enforces the loop cap. The wallet's own loop does not count since it is about to be replaced.
func (m *Manager) admit(wallet string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errs.New("manager/assign", errs.CodeUnavailable, errs.WithMessage("manager shutting down"))
	}
	if m.opts.MaxActiveSessions <= 0 {
		return nil
	}
	running := len(m.loops)
	if _, ok := m.loops[wallet]; ok {
		running--
	}
	if running >= m.opts.MaxActiveSessions {
		return errs.New("manager/assign", errs.CodeUnavailable,
			errs.WithWallet(wallet),
			errs.WithMessage(fmt.Sprintf("active session limit %d reached", m.opts.MaxActiveSessions)))
	}
	return nil
}

// halt deactivates the wallet's session and waits for its loop to exit within StopTimeout.
func (m *Manager) halt(ctx context.Context, wallet string) error {
	if sess, ok := m.registry.Get(wallet); ok {
		sess.Deactivate()
	}
	m.mu.Lock()
	handle := m.loops[wallet]
	m.mu.Unlock()
	if handle == nil {
		return nil
	}
	handle.cancel()

	timer := time.NewTimer(m.opts.StopTimeout)
	defer timer.Stop()
	select {
	case <-handle.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	return errs.New("manager/stop", errs.CodeAssignmentConflict,
		errs.WithWallet(wallet),
		errs.WithMessage("previous strategy loop did not stop in time; retry"))
}

func (m *Manager) detach(wallet string, handle *loopHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loops[wallet] == handle {
		delete(m.loops, wallet)
	}
}

func (m *Manager) forgetSession(id string) {
	m.mu.Lock()
	delete(m.bySessID, id)
	m.mu.Unlock()
}

// acquire serialises lifecycle operations per wallet.
func (m *Manager) acquire(ctx context.Context, wallet string) (func(), error) {
	m.mu.Lock()
	gate, ok := m.gates[wallet]
	if !ok {
		gate = make(chan struct{}, 1)
		m.gates[wallet] = gate
	}
	m.mu.Unlock()

	timer := time.NewTimer(m.opts.StopTimeout)
	defer timer.Stop()
	select {
	case gate <- struct{}{}:
		return func() { <-gate }, nil
	case <-timer.C:
	case <-ctx.Done():
	}
	return nil, errs.New("manager/lock", errs.CodeAssignmentConflict,
		errs.WithWallet(wallet), errs.WithMessage("concurrent lifecycle operation in progress; retry"))
}

// StopUserStrategy soft-stops the wallet's session. It returns false when nothing was active.
// A loop that outlives StopTimeout keeps its slot until it exits but the stop itself is final.
func (m *Manager) StopUserStrategy(ctx context.Context, wallet string) (bool, error) {
	wallet = session.NormalizeWallet(wallet)
	sess, ok := m.registry.Get(wallet)
	if !ok {
		return false, nil
	}
	release, err := m.acquire(ctx, wallet)
	if err != nil {
		return false, err
	}
	defer release()

	if !sess.Active() {
		return false, nil
	}
	if err := m.halt(ctx, wallet); err != nil {
		// The session is inactive either way; the loop exits once its in-flight tick returns.
		m.logger.Printf("wallet %s: %s loop still draining after stop: %v", wallet, sess.Strategy(), err)
	}
	m.forgetSession(sess.SessionID())
	m.logger.Printf("wallet %s: stopped %s", wallet, sess.Strategy())
	m.publishUpdate(ctx, sess, ReasonStopped)
	return true, nil
}

// GetUserStatus returns the wallet's snapshot. Unknown wallets yield an inactive snapshot and false.
func (m *Manager) GetUserStatus(wallet string) (schema.SessionSnapshot, bool) {
	wallet = session.NormalizeWallet(wallet)
	sess, ok := m.registry.Get(wallet)
	if !ok {
		return schema.SessionSnapshot{WalletAddress: wallet, Config: schema.DefaultStrategyConfig()}, false
	}
	return sess.Snapshot(m.clock().UTC()), true
}

// UpdateUserConfig merges partial config into the session; the loop picks it up on its next tick.
func (m *Manager) UpdateUserConfig(ctx context.Context, wallet string, raw map[string]any) (schema.StrategyConfig, error) {
	wallet = session.NormalizeWallet(wallet)
	sess, ok := m.registry.Get(wallet)
	if !ok {
		return schema.StrategyConfig{}, notFound("manager/config", wallet)
	}
	patch, err := schema.ParseConfigPatch(raw)
	if err != nil {
		return schema.StrategyConfig{}, err
	}
	cfg, err := sess.UpdateConfig(patch)
	if err != nil {
		return schema.StrategyConfig{}, err
	}
	m.publishUpdate(ctx, sess, ReasonConfigUpdated)
	return cfg, nil
}

// Control applies a start or stop action. Start without a strategy resumes the last selected one.
func (m *Manager) Control(ctx context.Context, wallet string, req ControlRequest) (ControlResult, error) {
	wallet = session.NormalizeWallet(wallet)
	switch strings.ToLower(strings.TrimSpace(req.Action)) {
	case ActionStop:
		stopped, err := m.StopUserStrategy(ctx, wallet)
		if err != nil {
			return ControlResult{}, err
		}
		return ControlResult{Success: stopped}, nil
	case ActionStart:
		if strings.TrimSpace(req.Strategy) != "" {
			res, err := m.AssignStrategy(ctx, AssignRequest{WalletAddress: wallet, Strategy: req.Strategy, Config: req.Config})
			if err != nil {
				return ControlResult{}, err
			}
			return ControlResult{Success: true, SessionID: res.SessionID}, nil
		}
		return m.resume(ctx, wallet, req.Config)
	default:
		return ControlResult{}, errs.New("manager/control", errs.CodeInvalid,
			errs.WithWallet(wallet), errs.WithMessage(fmt.Sprintf("unknown action %q", req.Action)))
	}
}

func (m *Manager) resume(ctx context.Context, wallet string, raw map[string]any) (ControlResult, error) {
	sess, ok := m.registry.Get(wallet)
	if !ok || sess.Strategy() == "" {
		return ControlResult{}, notFound("manager/control", wallet)
	}
	patch, err := schema.ParseConfigPatch(raw)
	if err != nil {
		return ControlResult{}, err
	}
	cfg, err := sess.Config().Apply(patch)
	if err != nil {
		return ControlResult{}, err
	}
	name := sess.Strategy()
	engine, err := m.catalog.NewEngine(name)
	if err != nil {
		return ControlResult{}, err
	}
	res, err := m.start(ctx, wallet, name, cfg, engine)
	if err != nil {
		return ControlResult{}, err
	}
	return ControlResult{Success: true, SessionID: res.SessionID}, nil
}

// Performance returns the wallet's performance view.
func (m *Manager) Performance(wallet string) (schema.PerformanceSnapshot, error) {
	wallet = session.NormalizeWallet(wallet)
	sess, ok := m.registry.Get(wallet)
	if !ok {
		return schema.PerformanceSnapshot{}, notFound("manager/performance", wallet)
	}
	return sess.Performance(m.clock().UTC()), nil
}

// Trades returns the wallet's most recent ledger records, oldest first.
func (m *Manager) Trades(wallet string, limit int) ([]schema.TradeRecord, error) {
	wallet = session.NormalizeWallet(wallet)
	if wallet == "" {
		return nil, errs.New("manager/trades", errs.CodeInvalid, errs.WithMessage("walletAddress required"))
	}
	if limit <= 0 {
		limit = m.opts.DefaultLimit
	}
	if limit > m.opts.MaxLimit {
		limit = m.opts.MaxLimit
	}
	records, err := m.ledger.Read(wallet, limit)
	if err != nil {
		return nil, errs.New("manager/trades", errs.CodeUnavailable, errs.WithWallet(wallet), errs.WithCause(err))
	}
	return records, nil
}

// ResolveSession maps the current id of an active session to its wallet.
func (m *Manager) ResolveSession(sessionID string) (string, bool) {
	sessionID = strings.TrimSpace(sessionID)
	m.mu.Lock()
	wallet, ok := m.bySessID[sessionID]
	m.mu.Unlock()
	if !ok {
		return "", false
	}
	sess, ok := m.registry.Get(wallet)
	if !ok || !sess.Matches(sessionID) {
		return "", false
	}
	return wallet, true
}

// Strategies lists the catalog.
func (m *Manager) Strategies() []strategy.Metadata {
	return m.catalog.List()
}

// Sessions lists every known session.
func (m *Manager) Sessions() []schema.SessionSnapshot {
	return m.registry.List(m.clock().UTC())
}

// ActiveSessions counts active sessions.
func (m *Manager) ActiveSessions() int {
	return m.registry.Active()
}

// Restore replays every ledger file into inactive sessions and returns the number of wallets restored.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	files, err := m.ledger.Files()
	if err != nil {
		return 0, fmt.Errorf("restore: %w", err)
	}
	if len(files) == 0 {
		return 0, nil
	}
	pool, err := async.NewPool(m.opts.RestoreWorkers, len(files))
	if err != nil {
		return 0, fmt.Errorf("restore: %w", err)
	}
	defer pool.Close()

	var mu sync.Mutex
	restored := make(map[string]struct{})
	for _, path := range files {
		file := path
		if err := pool.Submit(ctx, func(context.Context) error {
			records, err := m.ledger.ReadFile(file)
			if err != nil {
				return err
			}
			byWallet := make(map[string][]schema.TradeRecord)
			for _, rec := range records {
				wallet := session.NormalizeWallet(rec.WalletAddress)
				if wallet == "" {
					continue
				}
				byWallet[wallet] = append(byWallet[wallet], rec)
			}
			for wallet, recs := range byWallet {
				m.registry.GetOrCreate(wallet).Replay(recs)
				mu.Lock()
				restored[wallet] = struct{}{}
				mu.Unlock()
			}
			return nil
		}); err != nil {
			return len(restored), fmt.Errorf("restore: %w", err)
		}
	}
	failures := pool.Wait()
	if len(failures) > 0 {
		return len(restored), fmt.Errorf("restore: %w", errors.Join(failures...))
	}
	m.logger.Printf("restored %d wallets from %d ledger files", len(restored), len(files))
	return len(restored), nil
}

// Shutdown cancels every loop and waits for them to exit. Sessions keep their active flag.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	handles := make([]*loopHandle, 0, len(m.loops))
	for _, handle := range m.loops {
		handles = append(handles, handle)
	}
	m.mu.Unlock()
	for _, handle := range handles {
		handle.cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("manager shutdown: %w", ctx.Err())
	}
}

func (m *Manager) publishUpdate(ctx context.Context, sess *session.Session, reason string) {
	snap := sess.Snapshot(m.clock().UTC())
	bg := context.WithoutCancel(ctx)
	update := schema.NewEvent(schema.EventTypeStrategyUpdate, snap.WalletAddress, schema.StrategyUpdatePayload{
		WalletAddress: snap.WalletAddress,
		SessionID:     snap.SessionID,
		Strategy:      snap.SelectedStrategy,
		Status:        snap.Status(),
		Reason:        reason,
		Config:        snap.Config,
	})
	if err := m.bus.Publish(bg, update); err != nil {
		m.logger.Printf("publish strategy update for %s: %v", snap.WalletAddress, err)
	}
	if reason == ReasonConfigUpdated {
		return
	}
	announcement := schema.NewEvent(schema.EventTypeStrategyAnnouncement, "", schema.StrategyAnnouncementPayload{
		Strategy:      snap.SelectedStrategy,
		Status:        snap.Status(),
		ActiveSession: m.registry.Active(),
	})
	if err := m.bus.Publish(bg, announcement); err != nil {
		m.logger.Printf("publish strategy announcement: %v", err)
	}
}

func notFound(op, wallet string) error {
	return errs.New(op, errs.CodeNotFound, errs.WithWallet(wallet), errs.WithMessage("no session for wallet"))
}
