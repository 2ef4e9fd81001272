// Package oracle runs the process-wide countdown and the per-wallet views of it.
package oracle

import (
	"context"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coachpo/stratum/internal/domain/schema"
)

const (
	defaultInterval      = time.Second
	defaultCycleSeconds  = 60
	defaultRevealSeconds = 5
)

// Publisher emits oracle events.
type Publisher interface {
	Publish(ctx context.Context, evt *schema.Event) error
}

// Options tunes the countdown.
type Options struct {
	Interval time.Duration
	// CycleSeconds is the countdown length; it wraps to this value after reaching zero.
	CycleSeconds int
	// RevealSeconds is how long the revealing phase lasts after a wrap.
	RevealSeconds int
}

func (o Options) normalize() Options {
	if o.Interval <= 0 {
		o.Interval = defaultInterval
	}
	if o.CycleSeconds <= 0 {
		o.CycleSeconds = defaultCycleSeconds
	}
	if o.RevealSeconds < 0 || o.RevealSeconds >= o.CycleSeconds {
		o.RevealSeconds = defaultRevealSeconds
		if o.RevealSeconds >= o.CycleSeconds {
			o.RevealSeconds = 0
		}
	}
	return o
}

type countdown struct {
	remaining int
	cycle     int64
	phase     schema.OraclePhase
}

func (c *countdown) advance(opts Options) {
	c.remaining--
	if c.remaining <= 0 {
		c.cycle++
		c.remaining = opts.CycleSeconds
	}
	c.phase = schema.OraclePhaseGathering
	if c.cycle > 0 && c.remaining > opts.CycleSeconds-opts.RevealSeconds {
		c.phase = schema.OraclePhaseRevealing
	}
}

type walletState struct {
	subscribed bool
	own        countdown
	updatedAt  time.Time
}

// Service owns the global countdown and lazily created wallet states.
type Service struct {
	opts   Options
	bus    Publisher
	logger *log.Logger
	clock  func() time.Time

	mu      sync.Mutex
	global  countdown
	tick    int64
	updated time.Time
	wallets map[string]*walletState
}

// NewService constructs the oracle with a full countdown in the gathering phase.
func NewService(opts Options, bus Publisher, logger *log.Logger) *Service {
	opts = opts.normalize()
	if logger == nil {
		logger = log.New(os.Stdout, "oracle ", log.LstdFlags|log.Lmicroseconds)
	}
	now := time.Now().UTC()
	return &Service{
		opts:    opts,
		bus:     bus,
		logger:  logger,
		clock:   time.Now,
		global:  countdown{remaining: opts.CycleSeconds, phase: schema.OraclePhaseGathering},
		updated: now,
		wallets: make(map[string]*walletState),
	}
}

// State returns the global countdown.
func (s *Service) State() schema.OracleState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.globalLocked()
}

func (s *Service) globalLocked() schema.OracleState {
	return schema.OracleState{
		Phase:     s.global.phase,
		Countdown: s.global.remaining,
		Cycle:     s.global.cycle,
		Tick:      s.tick,
		UpdatedAt: s.updated,
	}
}

// WalletState returns the wallet's view, creating it subscribed to the global countdown.
func (s *Service) WalletState(wallet string) schema.WalletOracleState {
	wallet = strings.TrimSpace(wallet)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked(wallet, s.walletLocked(wallet))
}

// SetWalletSubscription toggles whether the wallet follows the global countdown.
// Unsubscribing forks a private countdown from the current global values.
func (s *Service) SetWalletSubscription(wallet string, subscribed bool) schema.WalletOracleState {
	wallet = strings.TrimSpace(wallet)
	s.mu.Lock()
	defer s.mu.Unlock()
	ws := s.walletLocked(wallet)
	if ws.subscribed != subscribed {
		ws.subscribed = subscribed
		if !subscribed {
			ws.own = s.global
		}
		ws.updatedAt = s.clock().UTC()
	}
	return s.viewLocked(wallet, ws)
}

func (s *Service) walletLocked(wallet string) *walletState {
	ws, ok := s.wallets[wallet]
	if !ok {
		ws = &walletState{subscribed: true, updatedAt: s.clock().UTC()}
		s.wallets[wallet] = ws
	}
	return ws
}

func (s *Service) viewLocked(wallet string, ws *walletState) schema.WalletOracleState {
	src := ws.own
	updated := ws.updatedAt
	if ws.subscribed {
		src = s.global
		updated = s.updated
	}
	return schema.WalletOracleState{
		WalletAddress:      wallet,
		SubscribedToGlobal: ws.subscribed,
		Phase:              src.phase,
		Countdown:          src.remaining,
		Cycle:              src.cycle,
		UpdatedAt:          updated,
	}
}

// Step advances every countdown by one tick and publishes the global update followed by
// one scoped update per wallet.
func (s *Service) Step(ctx context.Context) schema.OracleState {
	s.mu.Lock()
	now := s.clock().UTC()
	s.tick++
	s.updated = now
	s.global.advance(s.opts)
	global := s.globalLocked()

	wallets := make([]string, 0, len(s.wallets))
	for wallet := range s.wallets {
		wallets = append(wallets, wallet)
	}
	sort.Strings(wallets)
	views := make([]schema.WalletOracleState, 0, len(wallets))
	for _, wallet := range wallets {
		ws := s.wallets[wallet]
		if !ws.subscribed {
			ws.own.advance(s.opts)
			ws.updatedAt = now
		}
		views = append(views, s.viewLocked(wallet, ws))
	}
	s.mu.Unlock()

	if s.bus == nil {
		return global
	}
	if err := s.bus.Publish(ctx, schema.NewEvent(schema.EventTypeOracleUpdate, "", global)); err != nil {
		s.logger.Printf("publish oracle update: %v", err)
	}
	for _, view := range views {
		if err := s.bus.Publish(ctx, schema.NewEvent(schema.EventTypeWalletOracleUpdate, view.WalletAddress, view)); err != nil {
			s.logger.Printf("publish wallet oracle update for %s: %v", view.WalletAddress, err)
		}
	}
	return global
}

// Run ticks until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Step(ctx)
		}
	}
}
