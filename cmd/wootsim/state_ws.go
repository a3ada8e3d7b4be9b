package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/xid"

	"wootsim/internal/analog"
)

// ============================================================================
// Key WebSocket: hub + per-client pumps + broadcaster
// ============================================================================
//
//   - The Hub tracks connected clients; each client has its own write pump so
//     one slow client doesn't block others.
//   - Slow clients are disconnected when their send buffer fills.
//   - Messages are JSON text frames with an envelope: {type, ts, data}.
//   - The first message on connect is "state_init" with the key snapshot.
//   - key_pressed / key_released go out immediately; key_value is coalesced
//     per scan code (latest wins).
//
// ============================================================================

// Wire message types.
const (
	msgStateInit   = "state_init"
	msgKeyValue    = "key_value"
	msgKeyPressed  = "key_pressed"
	msgKeyReleased = "key_released"
)

// wsStateInitData is the `data` payload for "state_init".
type wsStateInitData struct {
	ClientID string            `json:"client_id"`
	Keys     []analog.KeyState `json:"keys"`
}

// wsKeyData is the `data` payload for key_value / key_pressed / key_released.
type wsKeyData struct {
	ScanCode uint16  `json:"scan_code"`
	Value    float32 `json:"value"`
}

// wsOutboundEvent is a typed event waiting to be serialized.
type wsOutboundEvent struct {
	Type string
	Data any
	At   time.Time // zero means now
}

// envelope is the wire format for WS messages.
type envelope struct {
	Type string     `json:"type"`
	Ts   *time.Time `json:"ts,omitempty"`
	Data any        `json:"data,omitempty"`
}

func marshalEnvelope(ev wsOutboundEvent) ([]byte, error) {
	ts := ev.At.UTC()
	if ev.At.IsZero() {
		ts = time.Now().UTC()
	}
	return json.Marshal(envelope{Type: ev.Type, Ts: &ts, Data: ev.Data})
}

// ============================================================================
// Hub
// ============================================================================

type Hub struct {
	logger *slog.Logger

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	mu      sync.Mutex
	clients map[*Client]struct{}

	sendBuf int
}

type HubConfig struct {
	// SendBuf is the per-client outbound queue size. Zero uses 32.
	SendBuf int

	// BroadcastBuf is the hub inbound queue size. Zero uses 128.
	BroadcastBuf int
}

// NewHub constructs a hub. Call Run(ctx) to start it.
func NewHub(logger *slog.Logger, cfg HubConfig) *Hub {
	sendBuf := cfg.SendBuf
	if sendBuf <= 0 {
		sendBuf = 32
	}
	bcastBuf := cfg.BroadcastBuf
	if bcastBuf <= 0 {
		bcastBuf = 128
	}

	return &Hub{
		logger:     logger,
		broadcast:  make(chan []byte, bcastBuf),
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
		clients:    make(map[*Client]struct{}),
		sendBuf:    sendBuf,
	}
}

// Run processes hub events until ctx is canceled, then disconnects all clients.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("ws hub starting")

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("ws hub stopping (context canceled)")
			close(h.done)
			h.drainRegistrations()
			h.closeAllClients()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws client registered", "client", c.id, "remote_addr", c.remoteAddr, "clients", n)

		case c := <-h.unregister:
			h.removeClient(c, "unregister")

		case msg := <-h.broadcast:
			// Collect slow clients first, remove them after unlocking.
			var slow []*Client

			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.Unlock()

			for _, c := range slow {
				h.removeClient(c, "slow_client")
			}
		}
	}
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.closeSend()
		delete(h.clients, c)
	}
}

func (h *Hub) removeClient(c *Client, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		// Closing send makes writePump exit.
		c.closeSend()
		h.logger.Info("ws client disconnected", "client", c.id, "remote_addr", c.remoteAddr, "reason", reason, "clients", n)
	}
}

// drainRegistrations closes clients that were queued for registration
// while the hub was stopping.
func (h *Hub) drainRegistrations() {
	for {
		select {
		case c := <-h.register:
			if c.conn != nil {
				_ = c.conn.Close()
			}
			c.closeSend()
		default:
			return
		}
	}
}

// registerClient hands c to the hub. It reports false once Run has returned.
func (h *Hub) registerClient(c *Client) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// unregisterClient asks the hub to drop c. After Run has returned all
// clients are already closed, so it is a no-op.
func (h *Hub) unregisterClient(c *Client) {
	select {
	case <-h.done:
		return
	default:
	}
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// BroadcastBytes enqueues a serialized frame. It never blocks; when the
// hub queue is full the frame is dropped.
func (h *Hub) BroadcastBytes(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("ws hub broadcast queue full, dropping message", "bytes", len(msg))
	}
}

// ============================================================================
// Client
// ============================================================================

type Client struct {
	hub *Hub

	id   string
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once

	remoteAddr string
	logger     *slog.Logger
}

// NewClient creates a client with a buffered send channel and a fresh id.
func NewClient(hub *Hub, conn *websocket.Conn, remoteAddr string, logger *slog.Logger) *Client {
	sendBuf := 32
	if hub != nil && hub.sendBuf > 0 {
		sendBuf = hub.sendBuf
	}
	id := xid.New().String()
	return &Client{
		hub:        hub,
		id:         id,
		conn:       conn,
		send:       make(chan []byte, sendBuf),
		remoteAddr: remoteAddr,
		logger:     logger.With("client", id),
	}
}

func (c *Client) closeSend() {
	c.closeOnce.Do(func() { close(c.send) })
}

const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = 20 * time.Second
)

// closeStatus extracts the websocket close code and text when present.
func closeStatus(err error) (code int, text string, ok bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text, true
	}
	return 0, "", false
}

func (c *Client) logExit(pump string, err error) {
	if errors.Is(err, websocket.ErrCloseSent) {
		return
	}
	if code, text, ok := closeStatus(err); ok {
		c.logger.Info("ws "+pump+" exiting (close)", "remote_addr", c.remoteAddr, "code", code, "reason", text)
		return
	}
	c.logger.Info("ws "+pump+" exiting", "remote_addr", c.remoteAddr, "error", err)
}

// writePump writes queued messages and pings. It exits on write error or
// when send is closed.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub is disconnecting us.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logExit("writePump", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logExit("writePump", err)
				return
			}
		}
	}
}

// readPump discards incoming messages so control frames are processed and
// disconnects are noticed. It unregisters the client on exit.
func (c *Client) readPump() {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.logExit("readPump", err)
			if c.hub != nil {
				c.hub.unregisterClient(c)
			}
			return
		}
	}
}

// ============================================================================
// HTTP handler
// ============================================================================

// SnapshotFunc returns the current state of all polled keys.
type SnapshotFunc func() []analog.KeyState

type Server struct {
	logger   *slog.Logger
	hub      *Hub
	snapshot SnapshotFunc
}

// NewServer constructs the WS server. Register it on a router and start
// Hub().Run(ctx) and RunBroadcaster.
func NewServer(logger *slog.Logger, snapshot SnapshotFunc, cfg HubConfig) *Server {
	return &Server{
		logger:   logger,
		hub:      NewHub(logger, cfg),
		snapshot: snapshot,
	}
}

func (s *Server) Hub() *Hub { return s.hub }

// Register adds the WS endpoint to r.
func (s *Server) Register(r *mux.Router, path string) {
	if r == nil {
		return
	}
	r.HandleFunc(path, s.handleWS).Methods(http.MethodGet)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWS upgrades, registers the client, and queues state_init.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}

	client := NewClient(s.hub, conn, r.RemoteAddr, s.logger)

	// state_init goes into the send queue before registration so it is
	// always the first frame the client sees.
	var keys []analog.KeyState
	if s.snapshot != nil {
		keys = s.snapshot()
	}
	initMsg, err := marshalEnvelope(wsOutboundEvent{
		Type: msgStateInit,
		Data: wsStateInitData{ClientID: client.id, Keys: keys},
	})
	if err != nil {
		s.logger.Warn("ws state_init marshal failed", "error", err)
		_ = conn.Close()
		return
	}
	client.send <- initMsg

	if !s.hub.registerClient(client) {
		s.logger.Debug("ws hub stopped, rejecting client", "client", client.id)
		client.closeSend()
		_ = conn.Close()
		return
	}

	// Pumps are not tied to r.Context(): net/http cancels it when this
	// handler returns. The hub and socket errors end the connection.
	go client.writePump()
	go client.readPump()
}

// ============================================================================
// Broadcaster
// ============================================================================

func keyEventToOutbound(ev analog.KeyEvent) (wsOutboundEvent, bool) {
	var typ string
	switch ev.Kind {
	case analog.KeyValue:
		typ = msgKeyValue
	case analog.KeyPressed:
		typ = msgKeyPressed
	case analog.KeyReleased:
		typ = msgKeyReleased
	default:
		return wsOutboundEvent{}, false
	}
	return wsOutboundEvent{
		Type: typ,
		Data: wsKeyData{ScanCode: ev.ScanCode, Value: ev.Value},
		At:   ev.At,
	}, true
}

// RunBroadcaster serializes key events and fans them out through hub.
//
// key_value updates are held per scan code and flushed at most once every
// window (latest wins, the timer is not reset by new updates). Edge events
// flush pending values first so per-key ordering is preserved. A zero window
// disables coalescing.
func RunBroadcaster(ctx context.Context, hub *Hub, src <-chan analog.KeyEvent, window time.Duration, logger *slog.Logger) {
	if hub == nil || src == nil {
		return
	}

	pending := make(map[uint16]wsOutboundEvent)
	var timer *time.Timer
	var timerCh <-chan time.Time

	send := func(ev wsOutboundEvent) {
		msg, err := marshalEnvelope(ev)
		if err != nil {
			logger.Warn("ws broadcaster marshal failed", "error", err, "type", ev.Type)
			return
		}
		hub.BroadcastBytes(msg)
	}

	flushPending := func() {
		if len(pending) == 0 {
			return
		}
		codes := make([]int, 0, len(pending))
		for sc := range pending {
			codes = append(codes, int(sc))
		}
		sort.Ints(codes)
		for _, sc := range codes {
			send(pending[uint16(sc)])
			delete(pending, uint16(sc))
		}
	}

	stopTimer := func() {
		if timer != nil && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer = nil
		timerCh = nil
	}

	for {
		select {
		case <-ctx.Done():
			flushPending()
			stopTimer()
			return

		case <-timerCh:
			flushPending()
			timer = nil
			timerCh = nil

		case ev, ok := <-src:
			if !ok {
				flushPending()
				stopTimer()
				logger.Info("ws broadcaster stopping (source ended)")
				return
			}

			out, ok := keyEventToOutbound(ev)
			if !ok {
				continue
			}

			if out.Type == msgKeyValue && window > 0 {
				pending[ev.ScanCode] = out
				if timer == nil {
					timer = time.NewTimer(window)
					timerCh = timer.C
				}
				continue
			}

			flushPending()
			send(out)
		}
	}
}
