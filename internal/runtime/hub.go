package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/akupila/raindrops/internal/metrics"
	"github.com/akupila/raindrops/internal/runtime/dispatch"
	"github.com/akupila/raindrops/internal/runtime/protocol"
	"github.com/google/uuid"
)

const (
	// TerminalNote is sent to a client before its connection is dropped.
	TerminalNote = "timeout"

	// ConnectCommand is dispatched on behalf of every new client.
	ConnectCommand = "reload"

	defaultWriteTimeout = 5 * time.Second
	readBufferSize      = 1024
	noteTimeout         = time.Second
)

// CacheSizer reports how many request cache entries are stored.
type CacheSizer interface {
	Size(ctx context.Context) (int64, error)
}

// HubOptions wires the collaborators of a Hub.
type HubOptions struct {
	Registry *dispatch.Registry
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
	Cache    CacheSizer

	// IdleTimeout evicts clients that send nothing for this long. Zero disables it.
	IdleTimeout  time.Duration
	WriteTimeout time.Duration
	MaxLineBytes int
}

// Hub owns the live client set. It reads commands from each client,
// dispatches them, and broadcasts every response to all clients.
type Hub struct {
	registry     *dispatch.Registry
	logger       *slog.Logger
	metrics      *metrics.Recorder
	cache        CacheSizer
	idleTimeout  time.Duration
	writeTimeout time.Duration
	maxLine      int

	mu      sync.RWMutex
	clients map[*Client]struct{}
	closed  bool
}

// Client is one connected socket.
type Client struct {
	id      string
	session string
	conn    net.Conn

	writeMu      sync.Mutex
	lastActivity atomic.Int64
	closeOnce    sync.Once
}

func newClient(conn net.Conn) *Client {
	c := &Client{
		id:      conn.RemoteAddr().String(),
		session: uuid.NewString(),
		conn:    conn,
	}
	c.touch()
	return c
}

// ID is the remote address of the client.
func (c *Client) ID() string { return c.id }

// Session is a random identifier used to correlate log lines.
func (c *Client) Session() string { return c.session }

// LastActivity is when the client last sent data.
func (c *Client) LastActivity() time.Time { return time.Unix(0, c.lastActivity.Load()) }

func (c *Client) touch() { c.lastActivity.Store(time.Now().UnixNano()) }

func (c *Client) write(msg string, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if timeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}
	_, err := io.WriteString(c.conn, msg+protocol.Delimiter)
	return err
}

// NewHub builds an empty hub. Registry is required.
func NewHub(opts HubOptions) (*Hub, error) {
	if opts.Registry == nil {
		return nil, errors.New("runtime: registry required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &Hub{
		registry:     opts.Registry,
		logger:       logger.With(slog.String("agent", "hub")),
		metrics:      opts.Metrics,
		cache:        opts.Cache,
		idleTimeout:  opts.IdleTimeout,
		writeTimeout: writeTimeout,
		maxLine:      opts.MaxLineBytes,
		clients:      make(map[*Client]struct{}),
	}, nil
}

// Serve runs one client until it disconnects, idles out, or ctx is cancelled.
// The client joins the live set and a reload is dispatched for it before its
// own commands are read.
func (h *Hub) Serve(ctx context.Context, conn net.Conn) {
	c := newClient(conn)
	if !h.add(c) {
		_ = conn.Close()
		return
	}
	logger := h.logger.With(slog.String("client", c.id), slog.String("session", c.session))
	logger.Info("client connected", slog.Int("clients", h.Len()))

	stop := context.AfterFunc(ctx, func() { h.remove(c, metrics.ConnectionClosed, TerminalNote) })
	defer stop()

	h.registry.Dispatch(ctx, ConnectCommand, h.emit)

	framer := protocol.NewFramer(h.maxLine)
	buf := make([]byte, readBufferSize)
	for {
		if h.idleTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(h.idleTimeout)); err != nil {
				h.remove(c, metrics.ConnectionClosed, "")
				return
			}
		}
		n, err := conn.Read(buf)
		if n > 0 {
			c.touch()
			lines, ferr := framer.Feed(buf[:n])
			for _, line := range lines {
				h.registry.Dispatch(ctx, line, h.emit)
			}
			if ferr != nil {
				logger.Warn("discarding overlong line", slog.Int("limit", h.maxLine), slog.Any("error", ferr))
			}
		}
		if err != nil {
			h.disconnect(c, logger, err)
			return
		}
	}
}

func (h *Hub) disconnect(c *Client, logger *slog.Logger, err error) {
	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		logger.Info("client idle, evicting", slog.Duration("idle", time.Since(c.LastActivity())))
		h.remove(c, metrics.ConnectionEvicted, TerminalNote)
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		logger.Info("client disconnected")
		h.remove(c, metrics.ConnectionClosed, TerminalNote)
	default:
		logger.Warn("client read failed", slog.Any("error", err))
		h.remove(c, metrics.ConnectionClosed, TerminalNote)
	}
}

func (h *Hub) emit(msg string) { h.Broadcast(msg) }

// Broadcast writes msg to every live client. A client whose write fails is
// removed and the remaining clients still receive the message. It returns
// the number of clients that received msg.
func (h *Hub) Broadcast(msg string) int {
	targets := h.Clients()
	delivered, failed := 0, 0
	for _, c := range targets {
		if err := c.write(msg, h.writeTimeout); err != nil {
			failed++
			h.logger.Warn("broadcast write failed, dropping client",
				slog.String("client", c.id),
				slog.String("session", c.session),
				slog.Any("error", err),
			)
			h.remove(c, metrics.ConnectionEvicted, "")
			continue
		}
		delivered++
	}
	h.metrics.ObserveBroadcast(failed)
	h.logger.Info("broadcast",
		slog.String("message", msg),
		slog.Int("delivered", delivered),
		slog.Int("failed", failed),
	)
	return delivered
}

// Clients returns a snapshot of the live set.
func (h *Hub) Clients() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}

// Len reports the live client count.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close drops every client and rejects future connections.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	for _, c := range h.Clients() {
		h.remove(c, metrics.ConnectionClosed, TerminalNote)
	}
}

// ServeHealth reports the live client count and request cache size as JSON.
func (h *Hub) ServeHealth(w http.ResponseWriter, r *http.Request) {
	var entries int64
	if h.cache != nil {
		size, err := h.cache.Size(r.Context())
		if err != nil {
			h.logger.Error("cache size query failed", slog.Any("error", err))
		} else {
			entries = size
		}
	}
	h.mu.RLock()
	status := "ok"
	if h.closed {
		status = "closing"
	}
	clients := len(h.clients)
	h.mu.RUnlock()

	payload := map[string]any{
		"status":       status,
		"clients":      clients,
		"cacheEntries": entries,
		"processors":   h.registry.Names(),
		"observedAt":   time.Now().UTC(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("health encode failed", slog.Any("error", err))
	}
}

func (h *Hub) add(c *Client) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.clients[c] = struct{}{}
	live := len(h.clients)
	h.mu.Unlock()
	h.metrics.ObserveConnection(metrics.ConnectionAccepted, live)
	return true
}

// remove takes c out of the live set and closes it. The note, when set, is
// written on a best-effort basis first. Repeated calls are no-ops.
func (h *Hub) remove(c *Client, event metrics.ConnectionEvent, note string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	live := len(h.clients)
	h.mu.Unlock()
	if ok {
		h.metrics.ObserveConnection(event, live)
	}

	c.closeOnce.Do(func() {
		if note != "" {
			_ = c.write(note, noteTimeout)
		}
		_ = c.conn.Close()
	})
}
