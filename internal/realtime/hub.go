package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/charlesng35/boardroom/internal/collab"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // 1 MiB

	defaultBufferSize = 256
)

var (
	// ErrClosed is returned by Send after the connection was closed.
	ErrClosed = errors.New("realtime: connection closed")
	// ErrBackpressure is returned when the send buffer is full; the connection is closed.
	ErrBackpressure = errors.New("realtime: send buffer full")
)

// Envelope is the wire format of every inbound message.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Identity is the trusted user a connection acts for.
type Identity struct {
	UserID   string
	Username string
}

// Dispatcher receives the lifecycle and inbound events of connections.
type Dispatcher interface {
	Connected(conn *Conn)
	Dispatch(ctx context.Context, conn *Conn, env Envelope)
	// Throttled is told about envelopes dropped by the inbound rate limit.
	Throttled(conn *Conn, env Envelope)
	Disconnected(conn *Conn)
}

// Config tunes the websocket transport.
type Config struct {
	// AllowedOrigins lists extra origins accepted on upgrade; "*" accepts any.
	AllowedOrigins  []string
	SendBuffer      int
	EventsPerSecond float64
	Burst           int
}

// Hub upgrades HTTP requests to websocket connections and tracks them until shutdown.
type Hub struct {
	cfg      Config
	log      *zap.Logger
	upgrader websocket.Upgrader
	origins  map[string]struct{}
	anyOrig  bool

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	conns  map[string]*Conn
	closed bool
	wg     sync.WaitGroup
}

// NewHub constructs a realtime hub.
func NewHub(cfg Config, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultBufferSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		cfg:     cfg,
		log:     log,
		origins: make(map[string]struct{}, len(cfg.AllowedOrigins)),
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[string]*Conn),
	}
	for _, origin := range cfg.AllowedOrigins {
		origin = strings.ToLower(strings.TrimSpace(origin))
		switch origin {
		case "":
		case "*":
			h.anyOrig = true
		default:
			h.origins[hostWithoutPort(origin)] = struct{}{}
		}
	}

	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin allows same-origin requests, localhost development and configured origins.
func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || h.anyOrig {
		return true
	}
	originHost := hostWithoutPort(origin)
	if originHost == hostWithoutPort(r.Host) || isLoopback(originHost) {
		return true
	}
	_, ok := h.origins[strings.ToLower(originHost)]
	return ok
}

// Serve upgrades the request and runs the connection until it closes. It blocks
// for the lifetime of the connection.
func (h *Hub) Serve(id Identity, d Dispatcher, w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.String("user_id", id.UserID), zap.Error(err))
		return
	}

	conn := h.newConn(socket, id)
	if !h.track(conn) {
		conn.Close()
		_ = socket.Close()
		return
	}

	d.Connected(conn)

	go conn.writeLoop()
	conn.readLoop(h.ctx, d)

	h.untrack(conn)
	d.Disconnected(conn)
}

// Close disconnects every connection and waits for their handlers to finish.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	conns := make([]*Conn, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	h.cancel()
	for _, conn := range conns {
		conn.Close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of open connections.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *Hub) track(conn *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[conn.id] = conn
	return true
}

func (h *Hub) untrack(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, conn.id)
}

func (h *Hub) newConn(socket *websocket.Conn, id Identity) *Conn {
	limit := rate.Inf
	burst := h.cfg.Burst
	if h.cfg.EventsPerSecond > 0 {
		limit = rate.Limit(h.cfg.EventsPerSecond)
		if burst <= 0 {
			burst = int(h.cfg.EventsPerSecond) + 1
		}
	}

	connID := uuid.NewString()
	return &Conn{
		id:       connID,
		userID:   id.UserID,
		username: id.Username,
		socket:   socket,
		send:     make(chan collab.Event, h.cfg.SendBuffer),
		quit:     make(chan struct{}),
		limiter:  rate.NewLimiter(limit, burst),
		log: h.log.With(
			zap.String("channel_id", connID),
			zap.String("user_id", id.UserID),
		),
	}
}

func hostWithoutPort(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return ""
	}

	if strings.Contains(host, "://") {
		if parsed, err := url.Parse(host); err == nil {
			return parsed.Hostname()
		}
	}

	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func isLoopback(host string) bool {
	ip := net.ParseIP(host)
	if ip != nil {
		return ip.IsLoopback()
	}
	return strings.EqualFold(host, "localhost")
}
