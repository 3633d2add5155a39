// ABOUTME: WebSocket transport for the capture server stream
// ABOUTME: Keeps one live connection, reconnects on loss, and queues inbound frames as events
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harperreed/capture-monitor/internal/metrics"
)

const (
	// DefaultPath is the websocket endpoint on the capture server
	DefaultPath = "/ws"

	// DefaultReconnectDelay is the fixed wait between connection attempts
	DefaultReconnectDelay = 2 * time.Second

	// ClientIDHeader carries the client id on the upgrade request
	ClientIDHeader = "X-Client-Id"

	eventQueueSize = 256
)

// ErrNoServer is returned when no server address is configured
var ErrNoServer = errors.New("no server address configured")

// State is the transport connection state
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosedRetrying
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosedRetrying:
		return "closed-retrying"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// EventKind classifies transport events
type EventKind int

const (
	EventState EventKind = iota
	EventBinary
	EventText
	EventError
)

// Event is one item on the inbound queue
type Event struct {
	Kind  EventKind
	State State  // EventState
	Data  []byte // EventBinary, EventText
	Err   error  // EventError
}

// Config holds client configuration
type Config struct {
	ServerAddr       string // host:port
	TLS              bool
	Path             string
	ClientID         string
	ReconnectDelay   time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// Client owns the connection to the capture server
type Client struct {
	config  Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	dialer  *websocket.Dialer

	events chan Event
	kick   chan struct{}

	mu    sync.Mutex
	conn  *websocket.Conn
	state State
}

// NewClient creates a new WebSocket client
func NewClient(config Config, logger *slog.Logger, m *metrics.Metrics) *Client {
	if config.Path == "" {
		config.Path = DefaultPath
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = DefaultReconnectDelay
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = 5 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 2 * time.Second
	}

	return &Client{
		config:  config,
		logger:  logger,
		metrics: m,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.HandshakeTimeout,
		},
		events: make(chan Event, eventQueueSize),
		kick:   make(chan struct{}, 1),
		state:  StateClosedRetrying,
	}
}

// URL returns the websocket URL the client dials
func (c *Client) URL() string {
	scheme := "ws"
	if c.config.TLS {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: c.config.ServerAddr, Path: c.config.Path}
	return u.String()
}

// Events returns the inbound event queue. Events are delivered in the
// order the connection produced them.
func (c *Client) Events() <-chan Event {
	return c.events
}

// State returns the current connection state
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run supervises the connection until ctx is cancelled. Every close is
// followed by a fixed delay and a new attempt, with no retry limit.
func (c *Client) Run(ctx context.Context) error {
	if c.config.ServerAddr == "" {
		return ErrNoServer
	}

	go func() {
		<-ctx.Done()
		c.dropConn()
	}()

	for {
		c.setState(ctx, StateConnecting)

		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("Connection failed", slog.String("url", c.URL()), slog.String("error", err.Error()))
			c.countError()
			c.emit(ctx, Event{Kind: EventError, Err: err})
		} else {
			c.serve(ctx, conn)
		}

		c.setState(ctx, StateClosedRetrying)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.logger.Info("Reconnecting", slog.Duration("delay", c.config.ReconnectDelay))
		timer := time.NewTimer(c.config.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		case <-c.kick:
			timer.Stop()
		}
	}
}

// Reconnect closes the live connection, or cuts short a pending reconnect
// delay; the supervisor then dials without waiting. A dial already in
// progress is left alone. Safe to call repeatedly.
func (c *Client) Reconnect() {
	c.mu.Lock()
	conn := c.conn
	waiting := conn == nil && c.state == StateClosedRetrying
	c.mu.Unlock()

	if conn == nil && !waiting {
		return
	}

	select {
	case c.kick <- struct{}{}:
	default:
	}
	if conn != nil {
		conn.Close()
	}
}

// Send writes v as a JSON text message. The message is dropped and false
// returned unless the connection is open.
func (c *Client) Send(v any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || c.state != StateOpen {
		c.logger.Debug("Dropping outbound message, connection not open")
		if c.metrics != nil {
			c.metrics.MessagesDropped.Inc()
		}
		return false
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	if err := c.conn.WriteJSON(v); err != nil {
		c.logger.Warn("Write failed", slog.String("error", err.Error()))
		c.countError()
		return false
	}
	return true
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.config.ClientID != "" {
		header.Set(ClientIDHeader, c.config.ClientID)
	}

	c.logger.Info("Connecting", slog.String("url", c.URL()))
	conn, _, err := c.dialer.DialContext(ctx, c.URL(), header)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}
	return conn, nil
}

// serve publishes conn as the live connection and reads until it closes
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	// a kick meant for an earlier connection must not shorten the next delay
	select {
	case <-c.kick:
	default:
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateOpen
	c.mu.Unlock()

	// the cancel watcher may have fired before conn was published
	if ctx.Err() != nil {
		c.dropConn()
	}

	if c.metrics != nil {
		c.metrics.Connects.Inc()
		c.metrics.Connected.Set(1)
	}
	c.logger.Info("Connected", slog.String("url", c.URL()))
	c.emit(ctx, Event{Kind: EventState, State: StateOpen})

	c.readMessages(ctx, conn)

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()

	if c.metrics != nil {
		c.metrics.Disconnects.Inc()
		c.metrics.Connected.Set(0)
	}
}

// readMessages forwards frames untouched until the connection fails
func (c *Client) readMessages(ctx context.Context, conn *websocket.Conn) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Info("Connection closed", slog.String("error", err.Error()))
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			c.emit(ctx, Event{Kind: EventBinary, Data: data})
		case websocket.TextMessage:
			c.emit(ctx, Event{Kind: EventText, Data: data})
		}
	}
}

func (c *Client) setState(ctx context.Context, state State) {
	c.mu.Lock()
	changed := c.state != state
	c.state = state
	c.mu.Unlock()

	if changed {
		c.emit(ctx, Event{Kind: EventState, State: state})
	}
}

func (c *Client) emit(ctx context.Context, ev Event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

func (c *Client) dropConn() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

func (c *Client) countError() {
	if c.metrics != nil {
		c.metrics.TransportErrors.Inc()
	}
}
