package broker

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Eshwarpawanpeddi/Jetbot-os/internal/eventbus"
)

const (
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = 54 * time.Second
	maxFrameSize  = 1 << 20
	peerSendQueue = 256
	hubBroadcastQ = 1024
)

type outbound struct {
	from    *peer
	payload []byte
}

// peer is one connected process.
type peer struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// Hub rebroadcasts every frame received from one peer to all other peers.
// It also acts as the relay of the local bus it is attached to, so events
// published inside the hosting process reach every peer and frames from
// peers are ingested locally.
type Hub struct {
	logger   *zap.Logger
	bus      *eventbus.Bus
	upgrader websocket.Upgrader

	peers      map[*peer]struct{}
	mu         sync.RWMutex
	register   chan *peer
	unregister chan *peer
	broadcast  chan outbound
	done       chan struct{}
	closeOnce  sync.Once

	relayed atomic.Uint64
	dropped atomic.Uint64
}

// HubOption customises a Hub.
type HubOption func(*Hub)

// WithHubLogger sets the hub logger.
func WithHubLogger(logger *zap.Logger) HubOption {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger.Named("broker")
		}
	}
}

// WithLocalBus attaches the hosting process bus. The hub installs itself as
// the bus relay.
func WithLocalBus(bus *eventbus.Bus) HubOption {
	return func(h *Hub) {
		h.bus = bus
	}
}

// NewHub constructs a hub. Call Run before serving connections.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		logger:     zap.NewNop(),
		peers:      make(map[*peer]struct{}),
		register:   make(chan *peer),
		unregister: make(chan *peer),
		broadcast:  make(chan outbound, hubBroadcastQ),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			// Peers are local processes without browser origins.
			CheckOrigin: func(r *http.Request) bool {
				return r.Header.Get("Origin") == ""
			},
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.bus != nil {
		h.bus.SetRelay(h)
	}
	return h
}

// PeerCount returns the number of connected peers.
func (h *Hub) PeerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// Stats returns relayed and dropped frame counters.
func (h *Hub) Stats() (relayed, dropped uint64) {
	return h.relayed.Load(), h.dropped.Load()
}

// Run starts the hub event loop and blocks until ctx is cancelled. All peer
// connections are closed on return.
func (h *Hub) Run(ctx context.Context) {
	defer h.closeOnce.Do(func() { close(h.done) })
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for p := range h.peers {
				delete(h.peers, p)
				close(p.send)
			}
			h.mu.Unlock()
			return

		case p := <-h.register:
			h.mu.Lock()
			h.peers[p] = struct{}{}
			h.mu.Unlock()
			h.logger.Debug("peer connected", zap.String("peer", p.id))

		case p := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.peers[p]; ok {
				delete(h.peers, p)
				close(p.send)
			}
			h.mu.Unlock()
			h.logger.Debug("peer disconnected", zap.String("peer", p.id))

		case msg := <-h.broadcast:
			h.mu.RLock()
			for p := range h.peers {
				if p == msg.from {
					continue
				}
				select {
				case p.send <- msg.payload:
					h.relayed.Add(1)
				default:
					// Slow peers lose frames rather than stall the hub.
					h.dropped.Add(1)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Forward implements eventbus.Relay for the hosting process bus.
func (h *Hub) Forward(evt eventbus.Event) {
	data, err := encodeEvent(evt)
	if err != nil {
		h.logger.Warn("failed to encode event", zap.Error(err))
		return
	}
	h.enqueue(outbound{payload: data})
}

func (h *Hub) enqueue(msg outbound) {
	select {
	case <-h.done:
	case h.broadcast <- msg:
	default:
		h.dropped.Add(1)
	}
}

// ServeHTTP upgrades the request and attaches the connection as a peer.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	p := &peer{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, peerSendQueue),
		hub:  h,
	}

	select {
	case h.register <- p:
	case <-h.done:
		conn.Close()
		return
	}

	go p.writePump()
	go p.readPump()
}

func (p *peer) readPump() {
	defer func() {
		select {
		case p.hub.unregister <- p:
		case <-p.hub.done:
		}
		p.conn.Close()
	}()

	p.conn.SetReadLimit(maxFrameSize)
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				p.hub.logger.Warn("peer read failed", zap.String("peer", p.id), zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		evt, err := decodeEvent(data)
		if err != nil {
			p.hub.logger.Debug("discarded malformed frame", zap.String("peer", p.id), zap.Error(err))
			continue
		}
		if p.hub.bus != nil {
			p.hub.bus.Ingest(evt)
		}
		p.hub.enqueue(outbound{from: p, payload: data})
	}
}

func (p *peer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
