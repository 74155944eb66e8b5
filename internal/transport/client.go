// Package transport wraps a single gorilla/websocket connection to the
// auction realtime endpoint. It owns the socket lifecycle only; handshake,
// routing and room semantics live in the session package.
package transport

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	ErrNotConnected  = errors.New("transport: not connected")
	ErrAlreadyClosed = errors.New("transport: already closed")
)

// Config configures a websocket client.
type Config struct {
	Endpoint     string        // ws(s) URL of the realtime endpoint, without credentials
	Token        string        // opaque bearer token, appended as ?token=
	DialTimeout  time.Duration // websocket handshake timeout
	WriteTimeout time.Duration // per-write deadline
	BufferSize   int           // inbound message channel capacity
}

// DefaultConfig returns sensible defaults for everything but Endpoint/Token.
func DefaultConfig() Config {
	return Config{
		DialTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Second,
		BufferSize:   256,
	}
}

// Message is one raw inbound frame with its local receive timestamp.
type Message struct {
	Data       []byte
	ReceivedAt time.Time
}

// Client is a single websocket connection. Connect may be called once per
// Client; reconnection means constructing a fresh Client.
type Client struct {
	cfg    Config
	logger zerolog.Logger

	conn *websocket.Conn

	messages chan Message
	errors   chan error
	done     chan struct{}

	writeMu sync.Mutex

	mu        sync.RWMutex
	connected bool
	closed    bool
}

// NewClient creates an unconnected client.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConfig().WriteTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultConfig().DialTimeout
	}
	return &Client{
		cfg:      cfg,
		logger:   logger,
		messages: make(chan Message, cfg.BufferSize),
		errors:   make(chan error, 1),
		done:     make(chan struct{}),
	}
}

// URL returns the dial URL with the bearer token in the query string. The
// token is opaque; no parsing beyond string handling.
func (c *Client) URL() string {
	if c.cfg.Token == "" {
		return c.cfg.Endpoint
	}
	return c.cfg.Endpoint + "?token=" + url.QueryEscape(c.cfg.Token)
}

// Connect dials the endpoint and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrAlreadyClosed
	}
	c.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, c.URL(), nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	go c.readLoop()

	c.logger.Debug().Str("endpoint", c.cfg.Endpoint).Msg("websocket connected")
	return nil
}

// Close sends a normal-closure frame and tears the socket down. Safe to call
// more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	conn := c.conn
	c.mu.Unlock()

	close(c.done)

	if conn != nil {
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		return conn.Close()
	}
	return nil
}

// Send writes one text frame. Writes are serialized.
func (c *Client) Send(data []byte) error {
	c.mu.RLock()
	if !c.connected {
		c.mu.RUnlock()
		return ErrNotConnected
	}
	conn := c.conn
	c.mu.RUnlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Messages returns the inbound frame channel. It is closed when the read
// loop exits.
func (c *Client) Messages() <-chan Message {
	return c.messages
}

// Errors returns the terminal read error, if any. At most one error is
// delivered per connection.
func (c *Client) Errors() <-chan error {
	return c.errors
}

// IsConnected reports whether the socket is currently open.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// NormalClosure reports whether err is a deliberate close (code 1000). Any
// other read error counts as an abnormal drop for reconnect purposes.
func NormalClosure(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure)
}

func (c *Client) readLoop() {
	defer func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		close(c.messages)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		receivedAt := time.Now()

		if err != nil {
			select {
			case <-c.done:
				// Deliberate Close; swallow the resulting read error.
			default:
				select {
				case c.errors <- err:
				default:
				}
			}
			return
		}

		select {
		case c.messages <- Message{Data: data, ReceivedAt: receivedAt}:
		case <-c.done:
			return
		default:
			c.logger.Warn().Msg("inbound buffer full, dropping frame")
		}
	}
}
