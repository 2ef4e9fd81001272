// Package httpserver exposes the strategy session API over HTTP and the event stream over WebSocket.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/stratum/errs"
	"github.com/coachpo/stratum/internal/app/manager"
	"github.com/coachpo/stratum/internal/app/notify"
	"github.com/coachpo/stratum/internal/app/strategy"
	"github.com/coachpo/stratum/internal/domain/schema"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	healthPath           = "/health"
	strategiesPath       = "/strategies"
	strategyDetailPrefix = strategiesPath + "/"
	assignPath           = strategiesPath + "/assign"
	sessionsPath         = strategiesPath + "/sessions"
	performancePrefix    = "/performance/"
	tradesPrefix         = "/trades/"
	websocketPath        = "/ws"
)

// Manager is the session API the handlers drive.
type Manager interface {
	AssignStrategy(ctx context.Context, req manager.AssignRequest) (manager.AssignResult, error)
	Control(ctx context.Context, wallet string, req manager.ControlRequest) (manager.ControlResult, error)
	GetUserStatus(wallet string) (schema.SessionSnapshot, bool)
	UpdateUserConfig(ctx context.Context, wallet string, raw map[string]any) (schema.StrategyConfig, error)
	Performance(wallet string) (schema.PerformanceSnapshot, error)
	Trades(wallet string, limit int) ([]schema.TradeRecord, error)
	ResolveSession(sessionID string) (string, bool)
	Strategies() []strategy.Metadata
	Sessions() []schema.SessionSnapshot
	ActiveSessions() int
}

// WalletOracle supplies the wallet oracle view sent after authentication.
type WalletOracle interface {
	WalletState(wallet string) schema.WalletOracleState
}

// Options tunes the API surface.
type Options struct {
	Environment string
	Version     string
	// AllowAddressAuth lets WebSocket clients authenticate with a bare wallet address.
	AllowAddressAuth bool
	WebSocket        WebSocketOptions
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	manager Manager
	router  *notify.Router
	oracle  WalletOracle
	opts    Options
	logger  *log.Logger
	started time.Time
}

type assignPayload struct {
	WalletAddress string         `json:"walletAddress"`
	Strategy      string         `json:"strategy"`
	Config        map[string]any `json:"config,omitempty"`
}

type controlPayload struct {
	Action   string         `json:"action"`
	Strategy string         `json:"strategy,omitempty"`
	Config   map[string]any `json:"config,omitempty"`
}

// NewHandler creates the HTTP handler for the session API and the WebSocket endpoint.
// oracle may be nil.
func NewHandler(mgr Manager, router *notify.Router, oracle WalletOracle, opts Options, logger *log.Logger) http.Handler {
	if logger == nil {
		logger = log.New(os.Stdout, "http ", log.LstdFlags|log.Lmicroseconds)
	}
	opts.WebSocket = opts.WebSocket.normalize()
	server := &httpServer{manager: mgr, router: router, oracle: oracle, opts: opts, logger: logger, started: time.Now()}
	mux := http.NewServeMux()

	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))
	mux.Handle(strategiesPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listStrategies,
	}))
	mux.Handle(assignPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.assignStrategy,
	}))
	mux.Handle(sessionsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listSessions,
	}))
	mux.Handle(strategyDetailPrefix, http.HandlerFunc(server.handleWalletStrategy))
	mux.Handle(performancePrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getPerformance,
	}))
	mux.Handle(tradesPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getTrades,
	}))
	if router != nil {
		mux.Handle(websocketPath, http.HandlerFunc(server.serveWebSocket))
	}
	return mux
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"status":         "ok",
		"activeSessions": s.manager.ActiveSessions(),
		"uptimeSeconds":  int64(time.Since(s.started).Seconds()),
	}
	if s.opts.Environment != "" {
		body["environment"] = s.opts.Environment
	}
	if s.opts.Version != "" {
		body["version"] = s.opts.Version
	}
	if s.router != nil {
		body["connections"] = s.router.Connections()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *httpServer) listStrategies(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"strategies": s.manager.Strategies()})
}

func (s *httpServer) listSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.manager.Sessions()})
}

func (s *httpServer) assignStrategy(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	var payload assignPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	result, err := s.manager.AssignStrategy(r.Context(), manager.AssignRequest{
		WalletAddress: payload.WalletAddress,
		Strategy:      payload.Strategy,
		Config:        payload.Config,
	})
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleWalletStrategy dispatches /strategies/{address}/{control|status|config}.
// The action is the last segment so addresses may contain slashes.
func (s *httpServer) handleWalletStrategy(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, strategyDetailPrefix), "/")
	idx := strings.LastIndex(rest, "/")
	if idx <= 0 {
		writeError(w, http.StatusNotFound, "wallet address and action required")
		return
	}
	wallet := strings.TrimSpace(rest[:idx])
	action := rest[idx+1:]
	if wallet == "" {
		writeError(w, http.StatusNotFound, "wallet address required")
		return
	}

	switch action {
	case "control":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		s.control(w, r, wallet)
	case "status":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		s.status(w, wallet)
	case "config":
		if r.Method != http.MethodPut {
			methodNotAllowed(w, http.MethodPut)
			return
		}
		s.updateConfig(w, r, wallet)
	default:
		writeError(w, http.StatusNotFound, "unsupported action")
	}
}

func (s *httpServer) control(w http.ResponseWriter, r *http.Request, wallet string) {
	limitRequestBody(w, r)
	var payload controlPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	result, err := s.manager.Control(r.Context(), wallet, manager.ControlRequest{
		Action:   payload.Action,
		Strategy: payload.Strategy,
		Config:   payload.Config,
	})
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *httpServer) status(w http.ResponseWriter, wallet string) {
	snapshot, found := s.manager.GetUserStatus(wallet)
	if !found {
		writeJSON(w, http.StatusOK, map[string]any{"walletAddress": snapshot.WalletAddress, "hasActiveStrategy": false})
		return
	}
	writeJSON(w, http.StatusOK, statusView{SessionSnapshot: snapshot, Status: snapshot.Status()})
}

type statusView struct {
	schema.SessionSnapshot
	Status schema.SessionStatus `json:"status"`
}

func (s *httpServer) updateConfig(w http.ResponseWriter, r *http.Request, wallet string) {
	limitRequestBody(w, r)
	var raw map[string]any
	if err := decodeJSON(r, &raw); err != nil {
		writeDecodeError(w, err)
		return
	}
	// accept both a bare patch and {"config": {...}}
	if nested, ok := raw["config"].(map[string]any); ok && len(raw) == 1 {
		raw = nested
	}
	cfg, err := s.manager.UpdateUserConfig(r.Context(), wallet, raw)
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	snapshot, _ := s.manager.GetUserStatus(wallet)
	writeJSON(w, http.StatusOK, map[string]any{"walletAddress": snapshot.WalletAddress, "config": cfg})
}

func (s *httpServer) getPerformance(w http.ResponseWriter, r *http.Request) {
	wallet := strings.Trim(strings.TrimPrefix(r.URL.Path, performancePrefix), "/")
	if wallet == "" {
		writeError(w, http.StatusNotFound, "wallet address required")
		return
	}
	perf, err := s.manager.Performance(wallet)
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, perf)
}

func (s *httpServer) getTrades(w http.ResponseWriter, r *http.Request) {
	wallet := strings.Trim(strings.TrimPrefix(r.URL.Path, tradesPrefix), "/")
	if wallet == "" {
		writeError(w, http.StatusNotFound, "wallet address required")
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	trades, err := s.manager.Trades(wallet, limit)
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	if trades == nil {
		trades = []schema.TradeRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"walletAddress": strings.TrimSpace(wallet), "trades": trades})
}

func (s *httpServer) writeManagerError(w http.ResponseWriter, err error) {
	var e *errs.E
	if errors.As(err, &e) {
		writeJSON(w, e.Status(), map[string]string{
			"status": "error",
			"error":  e.Describe(),
			"code":   string(e.Code),
		})
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.logger.Printf("unexpected manager error: %v", err)
	writeError(w, http.StatusInternalServerError, err.Error())
}

func decodeJSON(r *http.Request, target any) error {
	defer func() {
		_ = r.Body.Close()
	}()
	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}
