package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/polystore/polystore/pkg/api/events"
	"github.com/polystore/polystore/pkg/api/middleware"
	"github.com/polystore/polystore/pkg/api/models"
	"github.com/polystore/polystore/pkg/api/response"
	"github.com/polystore/polystore/pkg/logger"
	"github.com/polystore/polystore/pkg/saga"
	"github.com/polystore/polystore/pkg/transfer"
)

const (
	defaultWSMaxConnections = 100
	defaultPingInterval     = 30 * time.Second
	defaultPongTimeout      = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultWatchInterval    = 500 * time.Millisecond
	defaultSendBuffer       = 32
)

// WebSocketConfig configures websocket handler behavior.
type WebSocketConfig struct {
	AllowedOrigins []string
	MaxConnections int
	PingInterval   time.Duration
	PongTimeout    time.Duration
	// WatchInterval is how often a transfer watch polls for a new progress version.
	WatchInterval time.Duration
}

// EventMessage is the websocket event format.
type EventMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

type incomingMessage struct {
	Type   string `json:"type"`
	SagaID string `json:"saga_id,omitempty"`
}

type wsClient struct {
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[string]struct{}
	mu            sync.RWMutex
	closeOnce     sync.Once
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{
		conn:          conn,
		send:          make(chan []byte, defaultSendBuffer),
		subscriptions: make(map[string]struct{}),
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		if c.send != nil {
			close(c.send)
		}
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

func (c *wsClient) subscribe(sagaID string) {
	if sagaID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions[sagaID] = struct{}{}
}

func (c *wsClient) unsubscribe(sagaID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscriptions, sagaID)
}

// shouldReceive reports whether an event for sagaID goes to c. A client with no
// subscriptions receives everything.
func (c *wsClient) shouldReceive(sagaID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.subscriptions) == 0 {
		return true
	}
	_, ok := c.subscriptions[sagaID]
	return ok
}

// ConnectionManager manages active websocket clients.
type ConnectionManager struct {
	mu             sync.RWMutex
	clients        map[*wsClient]struct{}
	maxConnections int
}

// NewConnectionManager creates a manager with max connection limit.
func NewConnectionManager(maxConnections int) *ConnectionManager {
	if maxConnections <= 0 {
		maxConnections = defaultWSMaxConnections
	}
	return &ConnectionManager{
		clients:        make(map[*wsClient]struct{}),
		maxConnections: maxConnections,
	}
}

// Register registers a websocket client.
func (m *ConnectionManager) Register(client *wsClient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.clients) >= m.maxConnections {
		return errors.New("websocket connection limit reached")
	}
	m.clients[client] = struct{}{}
	return nil
}

// Unregister unregisters a websocket client and closes it.
func (m *ConnectionManager) Unregister(client *wsClient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clients[client]; !ok {
		return
	}
	delete(m.clients, client)
	client.close()
}

// Count returns active connection count.
func (m *ConnectionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// CanAccept reports whether there is capacity for one more connection.
func (m *ConnectionManager) CanAccept() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients) < m.maxConnections
}

// Broadcast queues event for every event-stream client subscribed to its saga.
// Clients whose queue is full are disconnected.
func (m *ConnectionManager) Broadcast(event EventMessage) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	sagaID := sagaIDFromPayload(event.Payload)

	// Sends happen under the read lock so Unregister cannot close a channel
	// mid-send.
	var slow []*wsClient
	m.mu.RLock()
	for client := range m.clients {
		if client.send == nil || !client.shouldReceive(sagaID) {
			continue
		}
		select {
		case client.send <- payload:
		default:
			slow = append(slow, client)
		}
	}
	m.mu.RUnlock()

	for _, client := range slow {
		m.Unregister(client)
	}
	return nil
}

// Close closes all active websocket connections.
func (m *ConnectionManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for client := range m.clients {
		client.close()
		delete(m.clients, client)
	}
}

// WebSocketHandler serves the saga event stream and transfer progress watches.
type WebSocketHandler struct {
	log           logger.Logger
	manager       *ConnectionManager
	upgrader      websocket.Upgrader
	transfers     TransferService
	pingInterval  time.Duration
	pongTimeout   time.Duration
	writeTimeout  time.Duration
	watchInterval time.Duration
}

// NewWebSocketHandler creates a websocket handler. transfers may be nil when
// only the event stream is served.
func NewWebSocketHandler(log logger.Logger, transfers TransferService, cfg WebSocketConfig) *WebSocketHandler {
	if log == nil {
		log = logger.Global()
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = defaultWSMaxConnections
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultPongTimeout
	}
	if cfg.WatchInterval <= 0 {
		cfg.WatchInterval = defaultWatchInterval
	}

	handler := &WebSocketHandler{
		log:           log,
		manager:       NewConnectionManager(cfg.MaxConnections),
		transfers:     transfers,
		pingInterval:  cfg.PingInterval,
		pongTimeout:   cfg.PongTimeout,
		writeTimeout:  defaultWriteTimeout,
		watchInterval: cfg.WatchInterval,
	}

	allowedOrigins := append([]string(nil), cfg.AllowedOrigins...)
	handler.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return isWebSocketOriginAllowed(r, allowedOrigins)
		},
	}
	return handler
}

// ServeEvents handles GET /api/v1/sagas/events. Clients receive every saga
// audit event, or only those of sagas they subscribed to with
// {"type":"subscribe","saga_id":"..."}.
func (h *WebSocketHandler) ServeEvents(w http.ResponseWriter, r *http.Request) {
	client, ok := h.accept(w, r, true)
	if !ok {
		return
	}
	go h.writePump(client)
	h.readPump(client, func(raw []byte) { h.handleIncomingMessage(client, raw) })
}

// Forward relays broadcaster events to event-stream clients until ctx is done
// or the broadcaster closes.
func (h *WebSocketHandler) Forward(ctx context.Context, b *events.Broadcaster) {
	ch := b.Subscribe(256)
	defer b.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if err := h.Broadcast(EventMessage(event)); err != nil {
				h.log.Warn("websocket broadcast failed", "type", event.Type, "error", err)
			}
		}
	}
}

// WatchTransfer handles GET /api/v1/transfers/{id}/watch. Each new progress
// version is sent as one frame; the connection closes normally once the
// transfer is finished or paused.
func (h *WebSocketHandler) WatchTransfer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if h.transfers == nil {
		response.Error(w, http.StatusServiceUnavailable, response.ErrCodeServiceUnavailable,
			"transfer manager unavailable", middleware.GetRequestID(r.Context()))
		return
	}
	if websocket.IsWebSocketUpgrade(r) {
		if _, err := h.transfers.GetProgress(r.Context(), id); err != nil {
			response.HandleError(w, err, middleware.GetRequestID(r.Context()))
			return
		}
	}
	client, ok := h.accept(w, r, false)
	if !ok {
		return
	}
	defer h.manager.Unregister(client)

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	go func() {
		defer cancel()
		h.readPump(client, nil)
	}()

	if err := h.watch(ctx, client.conn, id); err != nil && ctx.Err() == nil {
		h.log.Warn("transfer watch ended", "operation_id", id, "error", err)
		h.closeConn(client.conn, websocket.CloseInternalServerErr, "watch failed")
		return
	}
	h.closeConn(client.conn, websocket.CloseNormalClosure, "")
}

func (h *WebSocketHandler) watch(ctx context.Context, conn *websocket.Conn, id string) error {
	ticker := time.NewTicker(h.watchInterval)
	defer ticker.Stop()
	ping := time.NewTicker(h.pingInterval)
	defer ping.Stop()

	var last uint64
	sent := false
	for {
		p, err := h.transfers.GetProgress(ctx, id)
		if err != nil {
			return err
		}
		if !sent || p.Version != last {
			frame := models.TransferEvent{Type: "transfer.progress", Progress: models.NewTransferProgressResponse(p)}
			_ = conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := conn.WriteJSON(frame); err != nil {
				return err
			}
			last, sent = p.Version, true
		}
		if watchFinished(p.Status) {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(h.writeTimeout)); err != nil {
				return err
			}
		case <-ticker.C:
		}
	}
}

func watchFinished(s transfer.Status) bool {
	return s.IsTerminal() || s == transfer.StatusPaused
}

func (h *WebSocketHandler) accept(w http.ResponseWriter, r *http.Request, stream bool) (*wsClient, bool) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return nil, false
	}
	if !h.manager.CanAccept() {
		http.Error(w, "websocket connection limit reached", http.StatusServiceUnavailable)
		return nil, false
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return nil, false
	}

	client := newWSClient(conn)
	if !stream {
		// Watches write directly to the connection.
		client.send = nil
	}
	if err := h.manager.Register(client); err != nil {
		h.closeConn(conn, websocket.CloseTryAgainLater, "too many websocket connections")
		_ = conn.Close()
		return nil, false
	}
	return client, true
}

func (h *WebSocketHandler) closeConn(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(h.writeTimeout),
	)
}

func (h *WebSocketHandler) readPump(client *wsClient, onMessage func([]byte)) {
	if onMessage != nil {
		defer h.manager.Unregister(client)
	}

	readDeadline := h.pingInterval + h.pongTimeout
	client.conn.SetReadLimit(1 << 16)
	_ = client.conn.SetReadDeadline(time.Now().Add(readDeadline))
	client.conn.SetPongHandler(func(_ string) error {
		return client.conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.Warn("websocket read error", "error", err)
			}
			return
		}
		if onMessage != nil {
			onMessage(data)
		}
	}
}

func (h *WebSocketHandler) writePump(client *wsClient) {
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		h.manager.Unregister(client)
	}()

	for {
		select {
		case message, ok := <-client.send:
			if !ok {
				h.closeConn(client.conn, websocket.CloseNormalClosure, "")
				return
			}
			_ = client.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			if err := client.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(h.writeTimeout)); err != nil {
				return
			}
		}
	}
}

func (h *WebSocketHandler) handleIncomingMessage(client *wsClient, raw []byte) {
	var message incomingMessage
	if err := json.Unmarshal(raw, &message); err != nil {
		return
	}
	sagaID := strings.TrimSpace(message.SagaID)
	switch strings.ToLower(strings.TrimSpace(message.Type)) {
	case "subscribe":
		client.subscribe(sagaID)
	case "unsubscribe":
		client.unsubscribe(sagaID)
	}
}

// Broadcast sends an event to matching event-stream clients.
func (h *WebSocketHandler) Broadcast(event EventMessage) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	return h.manager.Broadcast(event)
}

// Connections returns the number of open websocket connections.
func (h *WebSocketHandler) Connections() int {
	return h.manager.Count()
}

// Close closes all websocket clients.
func (h *WebSocketHandler) Close() {
	h.manager.Close()
}

func sagaIDFromPayload(payload any) string {
	switch value := payload.(type) {
	case saga.AuditEvent:
		return value.SagaID
	case *saga.AuditEvent:
		if value != nil {
			return value.SagaID
		}
	case map[string]any:
		if id, ok := value["saga_id"].(string); ok {
			return id
		}
	case map[string]string:
		return value["saga_id"]
	}
	return ""
}

func isWebSocketOriginAllowed(r *http.Request, allowedOrigins []string) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}

	for _, allowed := range allowedOrigins {
		if allowed == "*" || strings.EqualFold(strings.TrimSpace(allowed), origin) {
			return true
		}
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(originURL.Host, r.Host)
}
