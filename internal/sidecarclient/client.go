// Package sidecarclient implements the sidecar's relay connection: dialing
// the WebSocket endpoint with a pairing token, maintaining a read loop that
// dispatches inbound envelopes, and exposing Send for outbound ones. It
// auto-reconnects with backoff, mirroring the teacher gateway RPC client's
// connection-lifecycle shape but adapted to envelope broadcast rather than
// request/response RPC.
package sidecarclient

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yourconnector/yc/internal/wire"
)

// Handler is invoked once per inbound envelope, from the read loop's
// goroutine. Handlers must not block for long; dispatch heavy work to
// another goroutine.
type Handler func(env wire.Envelope)

// Config describes how to reach and identify to the relay.
type Config struct {
	RelayWSURL string // e.g. ws://127.0.0.1:18080/v1/ws
	SystemID   string
	DeviceID   string
	PairToken  string
	HostName   string
}

// Client is a reconnecting sidecar-side relay connection.
type Client struct {
	cfg     Config
	logger  *slog.Logger
	handler Handler

	mu   sync.Mutex
	conn *websocket.Conn

	closeOnce sync.Once
	closed    chan struct{}
}

// New constructs a Client. Call Run to start connecting; envelopes arrive via
// handler until Close is called.
func New(cfg Config, handler Handler, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, handler: handler, logger: logger, closed: make(chan struct{})}
}

// Run dials the relay and keeps reconnecting with capped exponential backoff
// until Close is called. It blocks until then, so callers should invoke it in
// its own goroutine.
func (c *Client) Run() {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-c.closed:
			return
		default:
		}

		if err := c.connectAndServe(); err != nil {
			c.logger.Warn("sidecar relay connection ended", "error", err)
		}

		select {
		case <-c.closed:
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Client) connectAndServe() error {
	wsURL, err := c.dialURL()
	if err != nil {
		return fmt.Errorf("build dial url: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.logger.Info("sidecar connected to relay", "system_id", c.cfg.SystemID)

	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		var env wire.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.logger.Warn("dropped malformed envelope", "error", err)
			continue
		}
		c.handler(env)
	}
}

func (c *Client) dialURL() (string, error) {
	u, err := url.Parse(c.cfg.RelayWSURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("systemId", c.cfg.SystemID)
	q.Set("clientType", "sidecar")
	q.Set("deviceId", c.cfg.DeviceID)
	q.Set("pairToken", c.cfg.PairToken)
	if c.cfg.HostName != "" {
		q.Set("hostName", c.cfg.HostName)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Send writes one envelope to the relay, failing if not currently connected.
func (c *Client) Send(env wire.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("sidecar client not connected")
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return fmt.Errorf("sidecar client not connected")
	}
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

// Close stops Run's reconnect loop and closes any active connection.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
	}
}
