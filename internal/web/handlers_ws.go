package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"fleet-console/internal/state"
)

const (
	wsSendBuffer   = 16
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// wsMessage is the envelope of every websocket frame.
type wsMessage struct {
	Type     string          `json:"type"`
	Snapshot *state.Snapshot `json:"snapshot,omitempty"`
}

func snapshotMessage(snap *state.Snapshot) wsMessage {
	return wsMessage{Type: "snapshot", Snapshot: snap}
}

// WSHub fans snapshots out to websocket clients. A client joining late
// first receives the latest snapshot. Clients that cannot keep up are
// dropped rather than slowing the others down.
type WSHub struct {
	clients map[*wsClient]struct{}
	mu      sync.RWMutex
	logger  *slog.Logger

	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan *state.Snapshot

	// owned by Run
	latest  []byte
	version uint64

	done     chan struct{}
	stopOnce sync.Once
}

type wsClient struct {
	conn *websocket.Conn
	addr string
	send chan []byte
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]struct{}),
		logger:     logger,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan *state.Snapshot, 256),
		done:       make(chan struct{}),
	}
}

// Run starts the hub event loop.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for c := range h.clients {
				h.drop(c)
			}
			h.mu.Unlock()
			wsClients.Set(0)
			return

		case c := <-h.register:
			if h.latest != nil {
				c.send <- h.latest
			}
			h.mu.Lock()
			h.clients[c] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			wsClients.Set(float64(total))
			h.logger.Debug("ws client connected", "addr", c.addr, "total", total)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				h.drop(c)
			}
			total := len(h.clients)
			h.mu.Unlock()
			wsClients.Set(float64(total))
			h.logger.Debug("ws client disconnected", "addr", c.addr, "total", total)

		case snap := <-h.broadcast:
			h.fanOut(snap)
		}
	}
}

// fanOut sends snap to every client unless a newer one went out already.
func (h *WSHub) fanOut(snap *state.Snapshot) {
	if h.latest != nil && snap.Version <= h.version {
		return
	}
	data, err := json.Marshal(snapshotMessage(snap))
	if err != nil {
		h.logger.Error("ws marshal", "version", snap.Version, "err", err)
		return
	}
	h.latest, h.version = data, snap.Version

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.drop(c)
			wsEvicted.Inc()
			h.logger.Warn("ws client evicted (too slow)", "addr", c.addr)
		}
	}
	wsClients.Set(float64(len(h.clients)))
}

// drop removes c and closes its queue. Callers hold h.mu.
func (h *WSHub) drop(c *wsClient) {
	delete(h.clients, c)
	close(c.send)
}

// Stop signals the hub to shut down. Safe to call multiple times.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

// Broadcast queues snap for every client. It never blocks; when the queue
// is full the snapshot is dropped and a later one carries the state.
func (h *WSHub) Broadcast(snap *state.Snapshot) {
	select {
	case h.broadcast <- snap:
	default:
		wsDropped.Inc()
		h.logger.Warn("ws broadcast channel full, dropping snapshot", "version", snap.Version)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}

	client := &wsClient{
		conn: conn,
		addr: r.RemoteAddr,
		send: make(chan []byte, wsSendBuffer),
	}
	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.done:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	// Clients only listen. CloseRead handles control frames and ends ctx
	// when the peer goes away or sends data.
	ctx := conn.CloseRead(context.Background())
	s.wsServe(ctx, client)
}

// wsServe writes queued snapshots to the client and keeps the connection
// alive with pings until either side goes away.
func (s *Server) wsServe(ctx context.Context, client *wsClient) {
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case msg, ok := <-client.send:
			if !ok {
				// Dropped by the hub: evicted or shutting down.
				client.conn.Close(websocket.StatusGoingAway, "")
				return
			}
			if err := s.wsWrite(ctx, client, msg); err != nil {
				s.leave(client)
				return
			}
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := client.conn.Ping(pctx)
			cancel()
			if err != nil {
				s.leave(client)
				return
			}
		case <-ctx.Done():
			s.leave(client)
			return
		}
	}
}

func (s *Server) wsWrite(ctx context.Context, client *wsClient, msg []byte) error {
	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return client.conn.Write(wctx, websocket.MessageText, msg)
}

// leave unregisters client and closes its connection.
func (s *Server) leave(client *wsClient) {
	select {
	case s.wsHub.unregister <- client:
	case <-s.wsHub.done:
	}
	client.conn.Close(websocket.StatusNormalClosure, "")
}
