// Package hub fans refresh signals out to live viewer connections.
//
// The Hub is an explicit registry: the HTTP server hands it upgraded
// WebSocket connections and the manifest store calls BroadcastRefresh after
// every persisted update. Each client has a buffered send queue drained by its
// own writer goroutine, so a broadcast never blocks on a slow viewer. A client
// whose queue is full or whose write fails is dropped; the others are
// unaffected.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/conneroisu/docfactory/internal/logging"
	"github.com/conneroisu/docfactory/internal/validation"
)

// Message is the JSON frame exchanged with viewers.
type Message struct {
	Type    string `json:"type"`
	Data    string `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

// refreshFrame is the only payload viewers receive.
var refreshFrame = mustMarshal(Message{Type: "refresh", Data: "new_commit"})

func mustMarshal(m Message) []byte {
	data, err := json.Marshal(m)
	if err != nil {
		panic(err)
	}
	return data
}

// Conn is the part of *websocket.Conn the hub uses.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Ping(ctx context.Context) error
	Close(code websocket.StatusCode, reason string) error
}

// Client is one registered viewer.
type Client struct {
	ID          string
	RemoteAddr  string
	ConnectedAt time.Time

	conn   Conn
	send   chan []byte
	mu     sync.Mutex
	closed bool
}

// Config tunes the hub.
type Config struct {
	AllowedOrigins []string
	// ConnectRate and ConnectBurst limit new connections per client IP.
	ConnectRate  float64
	ConnectBurst int
	SendBuffer   int
	WriteTimeout time.Duration
	PingInterval time.Duration
}

// DefaultConfig returns settings suitable for a local viewer.
func DefaultConfig() Config {
	return Config{
		ConnectRate:  5,
		ConnectBurst: 10,
		SendBuffer:   16,
		WriteTimeout: 10 * time.Second,
		PingInterval: 54 * time.Second,
	}
}

// Hub is the registry of live viewers.
type Hub struct {
	config Config
	logger logging.Logger

	clients      map[*Client]struct{}
	clientsMutex sync.RWMutex
	closed       bool

	limiters     map[string]*ipLimiter
	limiterMutex sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a hub.
func New(config Config, logger logging.Logger) *Hub {
	defaults := DefaultConfig()
	if config.SendBuffer <= 0 {
		config.SendBuffer = defaults.SendBuffer
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.PingInterval <= 0 {
		config.PingInterval = defaults.PingInterval
	}
	if config.ConnectBurst <= 0 {
		config.ConnectBurst = defaults.ConnectBurst
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		config:   config,
		logger:   logger.WithComponent("hub"),
		clients:  make(map[*Client]struct{}),
		limiters: make(map[string]*ipLimiter),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// ErrClosed is returned by Register after Close.
var ErrClosed = fmt.Errorf("hub is closed")

// Register adds conn to the broadcast set and starts its writer.
func (h *Hub) Register(conn Conn, remoteAddr string) (*Client, error) {
	client := &Client{
		ID:          uuid.NewString(),
		RemoteAddr:  remoteAddr,
		ConnectedAt: time.Now(),
		conn:        conn,
		send:        make(chan []byte, h.config.SendBuffer),
	}

	h.clientsMutex.Lock()
	if h.closed {
		h.clientsMutex.Unlock()
		return nil, ErrClosed
	}
	h.clients[client] = struct{}{}
	total := len(h.clients)
	h.wg.Add(1)
	h.clientsMutex.Unlock()

	go h.writePump(client)

	h.logger.Info(h.ctx, "Viewer connected", "client", client.ID, "remote", remoteAddr, "clients", total)
	return client, nil
}

// Unregister removes client and closes its connection. It is safe to call
// more than once.
func (h *Hub) Unregister(client *Client) {
	h.remove(client, websocket.StatusNormalClosure, "")
}

func (h *Hub) remove(client *Client, code websocket.StatusCode, reason string) {
	h.clientsMutex.Lock()
	_, exists := h.clients[client]
	delete(h.clients, client)
	total := len(h.clients)
	h.clientsMutex.Unlock()

	client.mu.Lock()
	alreadyClosed := client.closed
	if !alreadyClosed {
		client.closed = true
		close(client.send)
	}
	client.mu.Unlock()
	if !alreadyClosed {
		_ = client.conn.Close(code, reason)
	}

	if exists {
		h.logger.Info(h.ctx, "Viewer disconnected", "client", client.ID, "clients", total)
	}
}

// BroadcastRefresh queues a refresh frame for every viewer. A viewer whose
// queue is full is dropped. It never blocks on the network.
func (h *Hub) BroadcastRefresh() {
	h.clientsMutex.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.clientsMutex.RUnlock()

	var dropped []*Client
	for _, client := range clients {
		if !h.enqueue(client, refreshFrame) {
			dropped = append(dropped, client)
		}
	}
	for _, client := range dropped {
		h.logger.Warn(h.ctx, nil, "Viewer send queue full, dropping", "client", client.ID)
		h.remove(client, websocket.StatusPolicyViolation, "too slow")
	}

	h.logger.Debug(h.ctx, "Broadcast refresh", "clients", len(clients)-len(dropped))
}

// enqueue reports false when client cannot take another frame. A client
// removed since the snapshot was taken is skipped.
func (h *Hub) enqueue(client *Client, frame []byte) bool {
	client.mu.Lock()
	defer client.mu.Unlock()
	if client.closed {
		return true
	}
	select {
	case client.send <- frame:
		return true
	default:
		return false
	}
}

// Count is the number of registered viewers.
func (h *Hub) Count() int {
	h.clientsMutex.RLock()
	defer h.clientsMutex.RUnlock()
	return len(h.clients)
}

// Close stops accepting viewers and closes every connection with
// StatusGoingAway.
func (h *Hub) Close() {
	h.clientsMutex.Lock()
	if h.closed {
		h.clientsMutex.Unlock()
		return
	}
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.clientsMutex.Unlock()

	for _, client := range clients {
		h.remove(client, websocket.StatusGoingAway, "server shutting down")
	}
	h.cancel()
	h.wg.Wait()
	h.logger.Info(context.Background(), "Hub closed", "clients_closed", len(clients))
}

// writePump drains a client's queue and keeps the connection alive.
func (h *Hub) writePump(client *Client) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-client.send:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(h.ctx, h.config.WriteTimeout)
			err := client.conn.Write(ctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				h.logger.Warn(h.ctx, err, "Viewer write failed, dropping", "client", client.ID)
				h.Unregister(client)
				return
			}

		case <-ticker.C:
			ctx, cancel := context.WithTimeout(h.ctx, h.config.WriteTimeout)
			err := client.conn.Ping(ctx)
			cancel()
			if err != nil {
				h.logger.Debug(h.ctx, "Viewer ping failed", "client", client.ID, "error", err.Error())
				h.Unregister(client)
				return
			}

		case <-h.ctx.Done():
			return
		}
	}
}

// readPump handles frames sent by a viewer until the connection ends.
func (h *Hub) readPump(ctx context.Context, client *Client) {
	for {
		_, data, err := client.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				h.logger.Debug(ctx, "Viewer read ended", "client", client.ID, "error", err.Error())
			}
			return
		}
		h.handleFrame(ctx, client, data)
	}
}

// handleFrame logs viewer traces. Anything else is ignored.
func (h *Hub) handleFrame(ctx context.Context, client *Client, data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		h.logger.Warn(ctx, err, "Invalid JSON from viewer", "client", client.ID, "bytes", len(data))
		return
	}
	switch msg.Type {
	case "trace":
		h.logger.Info(ctx, "Viewer trace", "client", client.ID, "message", validation.SanitizeInput(msg.Message))
	default:
		h.logger.Debug(ctx, "Ignoring viewer message", "client", client.ID, "type", validation.SanitizeInput(msg.Type))
	}
}

// HandleWebSocket upgrades a viewer request and serves it until it disconnects.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.clientsMutex.RLock()
	closed := h.closed
	h.clientsMutex.RUnlock()
	if closed {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	if origin := r.Header.Get("Origin"); origin != "" {
		if err := validation.ValidateOrigin(origin, h.config.AllowedOrigins); err != nil {
			h.logger.Warn(r.Context(), err, "Viewer rejected", "remote", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	ip := clientIP(r)
	if !h.allow(ip) {
		h.logger.Warn(r.Context(), nil, "Viewer connect rate exceeded", "ip", ip)
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Origin was checked above.
		OriginPatterns:  []string{"*"},
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		h.logger.Warn(r.Context(), err, "WebSocket upgrade failed", "ip", ip)
		return
	}
	conn.SetReadLimit(64 * 1024)

	client, err := h.Register(conn, r.RemoteAddr)
	if err != nil {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer h.Unregister(client)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		select {
		case <-h.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	h.readPump(ctx, client)
}

// allow applies the per-IP connect limit. A zero rate disables it.
func (h *Hub) allow(ip string) bool {
	if h.config.ConnectRate <= 0 {
		return true
	}

	h.limiterMutex.Lock()
	defer h.limiterMutex.Unlock()

	now := time.Now()
	entry, ok := h.limiters[ip]
	if !ok {
		if len(h.limiters) >= 1024 {
			for key, l := range h.limiters {
				if now.Sub(l.lastSeen) > 10*time.Minute {
					delete(h.limiters, key)
				}
			}
		}
		entry = &ipLimiter{limiter: rate.NewLimiter(rate.Limit(h.config.ConnectRate), h.config.ConnectBurst)}
		h.limiters[ip] = entry
	}
	entry.lastSeen = now
	return entry.limiter.Allow()
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
