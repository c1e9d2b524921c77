package broker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Eshwarpawanpeddi/Jetbot-os/internal/eventbus"
)

const (
	defaultReconnectDelay = 2 * time.Second
	clientSendQueue       = 256
	dialTimeout           = 5 * time.Second
)

// Client connects a process bus to the hub. It implements eventbus.Relay:
// locally published events are forwarded to the hub, frames from the hub are
// ingested into the local bus. Outbound events published while disconnected
// are dropped so that stale motion commands are never replayed.
type Client struct {
	url       string
	bus       *eventbus.Bus
	logger    *zap.Logger
	reconnect time.Duration
	dialer    *websocket.Dialer

	out       chan []byte
	connected atomic.Bool
	dropped   atomic.Uint64
	attempts  atomic.Uint64
}

// ClientOption customises a Client.
type ClientOption func(*Client)

// WithClientLogger sets the client logger.
func WithClientLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger.Named("broker")
		}
	}
}

// WithReconnectDelay sets the fixed delay between connection attempts.
func WithReconnectDelay(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.reconnect = d
		}
	}
}

// NewClient builds a client for the hub at url and installs it as the relay
// of bus.
func NewClient(url string, bus *eventbus.Bus, opts ...ClientOption) *Client {
	c := &Client{
		url:       url,
		bus:       bus,
		logger:    zap.NewNop(),
		reconnect: defaultReconnectDelay,
		dialer:    &websocket.Dialer{HandshakeTimeout: dialTimeout},
		out:       make(chan []byte, clientSendQueue),
	}
	for _, opt := range opts {
		opt(c)
	}
	if bus != nil {
		bus.SetRelay(c)
	}
	return c
}

// Connected reports whether a hub connection is currently established.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Dropped returns how many outbound events were discarded.
func (c *Client) Dropped() uint64 {
	return c.dropped.Load()
}

// Forward implements eventbus.Relay. It never blocks.
func (c *Client) Forward(evt eventbus.Event) {
	if !c.connected.Load() {
		c.dropped.Add(1)
		return
	}
	data, err := encodeEvent(evt)
	if err != nil {
		c.logger.Warn("failed to encode event", zap.Error(err))
		return
	}
	select {
	case c.out <- data:
	default:
		c.dropped.Add(1)
	}
}

// Run keeps a hub connection alive until ctx is cancelled, reconnecting
// after a fixed delay. Hub unavailability only affects cross-process
// delivery; the local bus keeps working.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}

		attempt := c.attempts.Add(1)
		if attempt == 1 {
			c.logger.Warn("hub connection lost, retrying", zap.String("url", c.url), zap.Error(err))
		} else {
			c.logger.Debug("hub connection attempt failed", zap.String("url", c.url), zap.Uint64("attempt", attempt), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.reconnect):
		}
	}
}

func (c *Client) session(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("broker: dial %s: %w", c.url, err)
	}
	defer conn.Close()

	c.drainOutbound()
	c.connected.Store(true)
	c.attempts.Store(0)
	c.logger.Info("connected to hub", zap.String("url", c.url))
	defer c.connected.Store(false)

	readErr := make(chan error, 1)
	go func() {
		readErr <- c.readLoop(conn)
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
			return ctx.Err()

		case err := <-readErr:
			return err

		case payload := <-c.out:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return fmt.Errorf("broker: write: %w", err)
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("broker: ping: %w", err)
			}
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return fmt.Errorf("broker: hub closed connection: %w", err)
			}
			return fmt.Errorf("broker: read: %w", err)
		}
		if messageType != websocket.TextMessage {
			continue
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		evt, err := decodeEvent(data)
		if err != nil {
			c.logger.Debug("discarded malformed frame", zap.Error(err))
			continue
		}
		c.bus.Ingest(evt)
	}
}

// drainOutbound discards frames queued by a previous connection.
func (c *Client) drainOutbound() {
	for {
		select {
		case <-c.out:
			c.dropped.Add(1)
		default:
			return
		}
	}
}
