// Command stratum launches the multi-tenant strategy runner.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/handlers"
	"github.com/joho/godotenv"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/stratum/internal/app/manager"
	"github.com/coachpo/stratum/internal/app/notify"
	"github.com/coachpo/stratum/internal/app/oracle"
	"github.com/coachpo/stratum/internal/app/runner"
	"github.com/coachpo/stratum/internal/app/strategy"
	"github.com/coachpo/stratum/internal/app/strategy/js"
	"github.com/coachpo/stratum/internal/domain/session"
	"github.com/coachpo/stratum/internal/infra/bus/eventbus"
	"github.com/coachpo/stratum/internal/infra/config"
	"github.com/coachpo/stratum/internal/infra/ledger"
	"github.com/coachpo/stratum/internal/infra/market"
	httpserver "github.com/coachpo/stratum/internal/infra/server/http"
	"github.com/coachpo/stratum/internal/infra/swap"
	"github.com/coachpo/stratum/internal/telemetry"
)

const (
	defaultConfigPath        = "config/app.yaml"
	configPathEnv            = "STRATUM_CONFIG"
	environmentEnv           = "STRATUM_ENV"
	stratumLoggerPrefix      = "stratum "
	apiReadHeaderTimeout     = 5 * time.Second
	managerShutdownTimeout   = 50 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	dataBusShutdownTimeout   = 2 * time.Second
	ledgerShutdownTimeout    = 2 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

// priceFeed is what both market feed modes provide.
type priceFeed interface {
	runner.MarketFeed
	swap.PriceSource
	Run(ctx context.Context) error
}

func main() {
	cfgPathFlag := parseFlags()
	logger := newStratumLogger()
	loadDotEnv(logger)

	ctx, cancel := newSignalContext()
	defer cancel()

	configPath := resolveConfigPath(cfgPathFlag)
	appCfg, loadedFromFile, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file %s not found, using defaults", configPath)
	}
	if err := applyEnvironmentOverride(&appCfg); err != nil {
		logger.Fatalf("environment override: %v", err)
	}
	logger.Printf("configuration initialised: env=%s, pair=%s, market=%s, ledger=%s",
		appCfg.Environment, appCfg.Runner.Pair, appCfg.Market.Mode, appCfg.Ledger.Directory)

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	var lifecycle conc.WaitGroup

	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{
		BufferSize:    appCfg.Eventbus.BufferSize,
		FanoutWorkers: appCfg.Eventbus.FanoutWorkerCount(),
	}, logger)

	tradeLedger, err := ledger.Open(appCfg.Ledger.Directory, ledger.Options{
		SyncWrites:   appCfg.Ledger.SyncWrites,
		MaxReadLimit: appCfg.Ledger.MaxReadLimit,
	}, logger)
	if err != nil {
		logger.Fatalf("open trade ledger: %v", err)
	}

	feed, err := buildFeed(appCfg.Market, logger)
	if err != nil {
		logger.Fatalf("initialise market feed: %v", err)
	}
	startBackground(&lifecycle, logger, "market feed", func() error { return feed.Run(ctx) })

	executor, err := buildExecutor(appCfg.Swap, appCfg.Runner.SerializeExecution, feed)
	if err != nil {
		logger.Fatalf("initialise swap executor: %v", err)
	}

	catalog, err := buildCatalog(ctx, appCfg.Strategies, logger)
	if err != nil {
		logger.Fatalf("initialise strategies: %v", err)
	}
	logger.Printf("strategies registered: %d", len(catalog.List()))

	loop, err := buildRunner(appCfg.Runner, runner.Deps{
		Executor:  executor,
		Ledger:    tradeLedger,
		Feed:      feed,
		Publisher: bus,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatalf("initialise runner: %v", err)
	}

	sessions, err := manager.New(session.NewRegistry(), catalog, loop, tradeLedger, bus, manager.Options{
		MaxActiveSessions: appCfg.Runner.MaxActiveSessions,
		StopTimeout:       appCfg.Runner.StopTimeout.Std(),
		MaxLimit:          appCfg.Ledger.MaxReadLimit,
	}, logger)
	if err != nil {
		logger.Fatalf("initialise manager: %v", err)
	}
	sessions.SetLifecycleContext(ctx)
	if appCfg.Runner.RestoreOnStart {
		restored, err := sessions.Restore(ctx)
		if err != nil {
			logger.Printf("restore sessions: %v", err)
		}
		logger.Printf("sessions restored from ledger: %d", restored)
	}

	router := notify.NewRouter(notify.Options{
		WriteTimeout: appCfg.WebSocket.WriteTimeout.Std(),
		Workers:      appCfg.WebSocket.DeliveryWorkers,
	}, logger)
	startBackground(&lifecycle, logger, "notification router", func() error { return router.Run(ctx, bus) })

	var walletOracle httpserver.WalletOracle
	if appCfg.Oracle.Enabled {
		svc := oracle.NewService(oracle.Options{
			Interval:      appCfg.Oracle.Interval.Std(),
			CycleSeconds:  appCfg.Oracle.CycleSeconds,
			RevealSeconds: appCfg.Oracle.RevealSeconds,
		}, bus, logger)
		walletOracle = svc
		startBackground(&lifecycle, logger, "oracle", func() error { return svc.Run(ctx) })
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()
	apiServer := buildAPIServer(connCtx, appCfg, sessions, router, walletOracle, logger)
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Printf("API listening on %s", apiServer.Addr)

	logger.Print("stratum started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), managerShutdownTimeout+lifecycleShutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:        apiServer,
		serverTimeout: appCfg.APIServer.ShutdownTimeout.Std(),
		closeSockets:  connCancel,
		manager:       sessions,
		mainCancel:    cancel,
		lifecycle:     &lifecycle,
		dataBus:       bus,
		ledger:        tradeLedger,
		telemetry:     telemetryProvider,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: $%s or %s)", configPathEnv, defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newStratumLogger() *log.Logger {
	return log.New(os.Stdout, stratumLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func loadDotEnv(logger *log.Logger) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Printf("load .env: %v", err)
	}
}

func resolveConfigPath(flagValue string) string {
	if value := strings.TrimSpace(flagValue); value != "" {
		return filepath.Clean(value)
	}
	if value := strings.TrimSpace(os.Getenv(configPathEnv)); value != "" {
		return filepath.Clean(value)
	}
	return filepath.Clean(defaultConfigPath)
}

func applyEnvironmentOverride(cfg *config.AppConfig) error {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(environmentEnv)))
	if value == "" {
		return nil
	}
	cfg.Environment = config.Environment(value)
	return cfg.Validate()
}

func initTelemetry(ctx context.Context, logger *log.Logger, appCfg config.AppConfig) (*telemetry.Provider, error) {
	cfg := appCfg.Telemetry
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	if appCfg.Meta.Version != "" {
		telemetryCfg.ServiceVersion = appCfg.Meta.Version
	}
	telemetryCfg.Environment = string(appCfg.Environment)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if telemetryCfg.Enabled && telemetryCfg.EnableMetrics {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

func buildFeed(cfg config.MarketConfig, logger *log.Logger) (priceFeed, error) {
	switch cfg.Mode {
	case config.MarketModeStream:
		var subscribe json.RawMessage
		if text := strings.TrimSpace(cfg.Subscribe); text != "" {
			if !json.Valid([]byte(text)) {
				return nil, fmt.Errorf("market subscribe message is not valid JSON")
			}
			subscribe = json.RawMessage(text)
		}
		return market.NewStreamFeed(market.StreamOptions{
			URL:       cfg.StreamURL,
			History:   cfg.History,
			Subscribe: subscribe,
		}, logger)
	case config.MarketModePaper, "":
		prices, err := cfg.BasePriceValues()
		if err != nil {
			return nil, err
		}
		return market.NewPaperFeed(market.PaperOptions{
			BasePrices: prices,
			Interval:   cfg.Interval.Std(),
			Volatility: cfg.Volatility,
			Drift:      cfg.Drift,
			History:    cfg.History,
			Seed:       cfg.Seed,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported market mode %q", cfg.Mode)
	}
}

func buildExecutor(cfg config.SwapConfig, serialize bool, prices swap.PriceSource) (runner.SwapExecutor, error) {
	balances, err := cfg.InitialBalanceValues()
	if err != nil {
		return nil, err
	}
	paper, err := swap.NewPaper(prices, swap.PaperOptions{
		FeeBps:          cfg.FeeBps,
		MaxSlippageBps:  cfg.MaxSlippageBps,
		FailureRate:     cfg.FailureRate,
		Latency:         cfg.Latency.Std(),
		InitialBalances: balances,
		Seed:            cfg.Seed,
	})
	if err != nil {
		return nil, err
	}
	if serialize {
		return swap.NewSerialized(paper), nil
	}
	return paper, nil
}

func buildCatalog(ctx context.Context, cfg config.StrategiesConfig, logger *log.Logger) (*strategy.Catalog, error) {
	catalog := strategy.NewCatalog()
	if err := strategy.RegisterBuiltins(catalog); err != nil {
		return nil, fmt.Errorf("register builtin strategies: %w", err)
	}
	loader, err := js.NewLoader(cfg.Directory)
	if err != nil {
		return nil, err
	}
	if err := loader.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("load javascript strategies: %w", err)
	}
	if err := loader.Register(catalog); err != nil {
		return nil, fmt.Errorf("register javascript strategies: %w", err)
	}
	logger.Printf("javascript strategies loaded from %s: %d", loader.Root(), len(loader.Modules()))
	return catalog, nil
}

func buildRunner(cfg config.RunnerConfig, deps runner.Deps) (*runner.Runner, error) {
	threshold, err := cfg.ApprovalThresholdValue()
	if err != nil {
		return nil, err
	}
	return runner.New(runner.Config{
		Pair:                   cfg.Pair,
		PollInterval:           cfg.PollInterval.Std(),
		SwapTimeout:            cfg.SwapTimeout.Std(),
		DecideTimeout:          cfg.DecideTimeout.Std(),
		BackoffInitial:         cfg.BackoffInitial.Std(),
		BackoffMax:             cfg.BackoffMax.Std(),
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		TradesPerMinute:        cfg.TradesPerMinute,
		TradeBurst:             cfg.TradeBurst,
		ApprovalThreshold:      threshold,
	}, deps)
}

func buildAPIServer(connCtx context.Context, appCfg config.AppConfig, mgr httpserver.Manager, router *notify.Router, walletOracle httpserver.WalletOracle, logger *log.Logger) *http.Server {
	ws := appCfg.WebSocket
	handler := httpserver.NewHandler(mgr, router, walletOracle, httpserver.Options{
		Environment:      string(appCfg.Environment),
		Version:          appCfg.Meta.Version,
		AllowAddressAuth: ws.AllowAddressAuth,
		WebSocket: httpserver.WebSocketOptions{
			ReadLimit:      ws.ReadLimitBytes,
			MessagesPerSec: ws.MessagesPerSecond,
			MessageBurst:   ws.MessageBurst,
			WriteTimeout:   ws.WriteTimeout.Std(),
			OriginPatterns: ws.OriginPatterns,
		},
	}, logger)
	handler = handlers.RecoveryHandler(handlers.RecoveryLogger(logger), handlers.PrintRecoveryStack(true))(
		handlers.CombinedLoggingHandler(logger.Writer(), handler),
	)

	return &http.Server{
		Addr:              appCfg.APIServer.Addr,
		Handler:           handler,
		ReadHeaderTimeout: apiReadHeaderTimeout,
		// WebSocket handlers outlive Shutdown; connCtx is cancelled to release them.
		BaseContext: func(net.Listener) context.Context { return connCtx },
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("api server: %v", err)
		}
	})
}

func startBackground(lifecycle *conc.WaitGroup, logger *log.Logger, name string, run func() error) {
	lifecycle.Go(func() {
		if err := run(); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("%s stopped: %v", name, err)
		}
	})
}

type gracefulShutdownConfig struct {
	server        *http.Server
	serverTimeout time.Duration
	closeSockets  context.CancelFunc
	manager       *manager.Manager
	mainCancel    context.CancelFunc
	lifecycle     *conc.WaitGroup
	dataBus       eventbus.Bus
	ledger        *ledger.FileLedger
	telemetry     *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping api server", cfg.serverTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}
	if cfg.closeSockets != nil {
		logger.Print("shutdown: closing websocket clients")
		cfg.closeSockets()
	}

	if cfg.manager != nil {
		shutdownStep("stopping strategy loops", managerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.manager.Shutdown(stepCtx)
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.dataBus != nil {
		shutdownStep("closing data bus", dataBusShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.dataBus.Close()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return stepCtx.Err()
			}
		})
	}

	if cfg.ledger != nil {
		shutdownStep("closing trade ledger", ledgerShutdownTimeout, func(context.Context) error {
			return cfg.ledger.Close()
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}
