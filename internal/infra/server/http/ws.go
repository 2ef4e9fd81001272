package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/coachpo/stratum/internal/app/notify"
	"github.com/coachpo/stratum/internal/domain/schema"
	"github.com/coachpo/stratum/internal/domain/session"
)

// Client message types.
const (
	clientAuthenticate       = "authenticate"
	clientPing               = "ping"
	clientSubscribeApprovals = "subscribe_trade_approvals"
)

const (
	defaultWSReadLimit    int64 = 64 << 10
	defaultWSMessageRate        = 10.0
	defaultWSMessageBurst       = 20
	defaultWSWriteTimeout       = 5 * time.Second
)

// WebSocketOptions tunes client sockets.
type WebSocketOptions struct {
	ReadLimit      int64
	MessagesPerSec float64
	MessageBurst   int
	WriteTimeout   time.Duration
	// OriginPatterns is passed to the handshake; empty allows same-origin only.
	OriginPatterns []string
}

func (o WebSocketOptions) normalize() WebSocketOptions {
	if o.ReadLimit <= 0 {
		o.ReadLimit = defaultWSReadLimit
	}
	if o.MessagesPerSec <= 0 {
		o.MessagesPerSec = defaultWSMessageRate
	}
	if o.MessageBurst <= 0 {
		o.MessageBurst = defaultWSMessageBurst
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWSWriteTimeout
	}
	return o
}

type clientMessage struct {
	Type          string `json:"type"`
	SessionID     string `json:"sessionId,omitempty"`
	WalletAddress string `json:"walletAddress,omitempty"`
}

// wsConn adapts a socket to notify.Connection.
type wsConn struct {
	id           string
	conn         *websocket.Conn
	writeTimeout time.Duration
	closed       atomic.Bool
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Closed() bool { return c.closed.Load() }

func (c *wsConn) Send(ctx context.Context, frame notify.Frame) error {
	if c.closed.Load() {
		return notify.ErrClosed
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}

func (s *httpServer) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	opts := s.opts.WebSocket
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: opts.OriginPatterns})
	if err != nil {
		s.logger.Printf("websocket accept: %v", err)
		return
	}
	c.SetReadLimit(opts.ReadLimit)

	conn := &wsConn{id: uuid.NewString(), conn: c, writeTimeout: opts.WriteTimeout}
	ctx := r.Context()
	s.router.Register(conn)
	defer func() {
		conn.closed.Store(true)
		s.router.Unregister(conn)
		_ = c.Close(websocket.StatusNormalClosure, "")
	}()

	if err := conn.Send(ctx, notify.NewFrame(notify.FrameConnected, "", map[string]string{"connectionId": conn.id})); err != nil {
		return
	}

	limiter := rate.NewLimiter(rate.Limit(opts.MessagesPerSec), opts.MessageBurst)
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 && !errors.Is(err, context.Canceled) {
				s.logger.Printf("websocket %s read: %v", conn.id, err)
			}
			return
		}
		if !limiter.Allow() {
			_ = conn.Send(ctx, errorFrame("rate limit exceeded"))
			continue
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = conn.Send(ctx, errorFrame("malformed message"))
			continue
		}
		if err := s.handleClientMessage(ctx, conn, msg); err != nil {
			return
		}
	}
}

// handleClientMessage answers one client frame; a returned error means the socket is gone.
func (s *httpServer) handleClientMessage(ctx context.Context, conn *wsConn, msg clientMessage) error {
	switch strings.TrimSpace(msg.Type) {
	case clientPing:
		return conn.Send(ctx, notify.NewFrame(notify.FramePong, "", nil))
	case clientAuthenticate:
		wallet, ok := s.authenticate(msg)
		if !ok {
			return conn.Send(ctx, errorFrame("authentication failed"))
		}
		s.router.Authenticate(conn, wallet)
		snapshot, _ := s.manager.GetUserStatus(wallet)
		if err := conn.Send(ctx, notify.NewFrame(notify.FrameAuthenticated, wallet, map[string]any{
			"walletAddress":     wallet,
			"sessionId":         snapshot.SessionID,
			"hasActiveStrategy": snapshot.HasActiveStrategy,
		})); err != nil {
			return err
		}
		if s.oracle != nil {
			state := s.oracle.WalletState(wallet)
			return conn.Send(ctx, notify.NewFrame(string(schema.EventTypeWalletOracleUpdate), wallet, state))
		}
		return nil
	case clientSubscribeApprovals:
		if !s.router.SubscribeApprovals(conn) {
			return conn.Send(ctx, errorFrame("authenticate before subscribing"))
		}
		wallet, _ := s.router.WalletOf(conn)
		return conn.Send(ctx, notify.NewFrame(notify.FrameApprovals, wallet, nil))
	default:
		return conn.Send(ctx, errorFrame("unsupported message type"))
	}
}

func (s *httpServer) authenticate(msg clientMessage) (string, bool) {
	if id := strings.TrimSpace(msg.SessionID); id != "" {
		return s.manager.ResolveSession(id)
	}
	if s.opts.AllowAddressAuth {
		if wallet := session.NormalizeWallet(msg.WalletAddress); wallet != "" {
			return wallet, true
		}
	}
	return "", false
}

func errorFrame(message string) notify.Frame {
	return notify.NewFrame(notify.FrameError, "", map[string]string{"message": message})
}
