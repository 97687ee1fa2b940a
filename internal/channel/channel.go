package channel

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/prepstream/interview-engine/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024

	// DefaultMaxRetries bounds automatic reconnection attempts.
	DefaultMaxRetries = 5
	// DefaultBaseDelay is the backoff unit; attempt n waits base × 2^n.
	DefaultBaseDelay = 2 * time.Second
)

var (
	ErrChannelClosed = errors.New("channel closed")
	// ErrRetriesExhausted is the terminal connection error surfaced after
	// the reconnect budget is spent.
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")
)

// State is the connection lifecycle of one interview attempt.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Backoff returns the reconnect delay for the given attempt number.
func Backoff(base time.Duration, attempt int) time.Duration {
	return base << attempt
}

type Config struct {
	// Endpoint is the ws:// or wss:// base URL of the interviewing agent.
	Endpoint    string
	UserID      string
	InterviewID string
	AudioMode   bool

	AutoReconnect bool
	MaxRetries    int
	BaseDelay     time.Duration

	HandshakeTimeout time.Duration
}

// Channel owns one bidirectional connection to the remote agent. All
// connection state, the retry counter included, lives on the Channel so
// concurrent sessions never interfere.
type Channel struct {
	cfg Config
	log *slog.Logger

	dialer *websocket.Dialer

	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	retries        int
	reconnectTimer *time.Timer
	terminal       bool

	sendCh chan []byte

	onEvent func(*protocol.InboundEvent)
	onState func(*protocol.SessionState)
	onError func(error)
}

func New(cfg Config, log *slog.Logger) *Channel {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &Channel{
		cfg:    cfg,
		log:    log.With("component", "channel", "interview_id", cfg.InterviewID),
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		state:  StateIdle,
		sendCh: make(chan []byte, 256),
	}
}

// OnEvent registers the turn-event observer. Set before Connect.
func (c *Channel) OnEvent(fn func(*protocol.InboundEvent)) { c.onEvent = fn }

// OnStateUpdate registers the out-of-band state-notification observer.
func (c *Channel) OnStateUpdate(fn func(*protocol.SessionState)) { c.onState = fn }

// OnConnectionError registers the terminal connection-error observer.
// Transient errors inside the retry budget are not surfaced here.
func (c *Channel) OnConnectionError(fn func(error)) { c.onError = fn }

func (c *Channel) endpointURL() (string, error) {
	u, err := url.Parse(c.cfg.Endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	u = u.JoinPath("ws", c.cfg.UserID, c.cfg.InterviewID)
	q := u.Query()
	q.Set("audio_mode", fmt.Sprintf("%t", c.cfg.AudioMode))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect opens the connection. Idempotent while connecting or open; the
// dial itself is asynchronous and failures flow through the reconnect
// policy rather than the return value.
func (c *Channel) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminal {
		return ErrChannelClosed
	}
	switch c.state {
	case StateConnecting, StateOpen:
		return nil
	}
	c.state = StateConnecting

	go c.dial()
	return nil
}

func (c *Channel) dial() {
	endpoint, err := c.endpointURL()
	if err != nil {
		c.log.Error("invalid endpoint", "error", err)
		c.surfaceTerminal(err)
		return
	}

	conn, _, err := c.dialer.Dial(endpoint, nil)
	if err != nil {
		c.log.Warn("dial failed", "error", err)
		c.handleClose(nil, err)
		return
	}

	c.mu.Lock()
	if c.terminal {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.state = StateOpen
	c.retries = 0
	c.mu.Unlock()

	c.log.Info("channel open")
	done := make(chan struct{})
	go c.writePump(conn, done)
	go c.readPump(conn, done)
}

func (c *Channel) readPump(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(conn, err)
			return
		}

		ev, err := protocol.DecodeInbound(data)
		if err != nil {
			// Malformed payloads never close the connection.
			c.log.Warn("dropping malformed message", "error", err)
			continue
		}

		switch ev.Kind {
		case protocol.KindStateUpdate:
			if c.onState != nil {
				c.onState(ev.State)
			}
		case protocol.KindTurnEvent:
			if c.onEvent != nil {
				c.onEvent(ev)
			}
		}
	}
}

func (c *Channel) writePump(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case data := <-c.sendCh:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Warn("write failed", "error", err)
				c.handleClose(conn, err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.handleClose(conn, err)
				return
			}
		}
	}
}

// Send frames a message onto the channel. Returns false, without blocking
// or erroring, when the channel is not open. Submission order is preserved.
func (c *Channel) Send(msg protocol.OutboundMessage) bool {
	c.mu.Lock()
	open := c.state == StateOpen
	c.mu.Unlock()
	if !open {
		return false
	}

	data, err := protocol.EncodeOutbound(msg)
	if err != nil {
		c.log.Error("encode failed", "mime", string(msg.Mime), "error", err)
		return false
	}

	select {
	case c.sendCh <- data:
		return true
	default:
		c.log.Warn("send queue full, dropping message", "mime", string(msg.Mime))
		return false
	}
}

// SendConfirmation sends the correlated approve/decline response.
func (c *Channel) SendConfirmation(resp protocol.ConfirmationResponse) bool {
	msg, err := protocol.ConfirmationMessage(resp)
	if err != nil {
		c.log.Error("encode confirmation failed", "error", err)
		return false
	}
	return c.Send(msg)
}

// handleClose runs the reconnect policy after an unexpected close. The
// conn argument guards against pumps of a superseded connection racing a
// newer one; nil means the dial itself failed.
func (c *Channel) handleClose(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.terminal || c.state == StateClosing {
		c.mu.Unlock()
		return
	}
	if conn != nil && c.conn != conn {
		c.mu.Unlock()
		return
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.state = StateClosed

	if !c.cfg.AutoReconnect || c.retries >= c.cfg.MaxRetries {
		c.mu.Unlock()
		if !c.cfg.AutoReconnect {
			c.surfaceTerminal(cause)
		} else {
			c.surfaceTerminal(fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, c.cfg.MaxRetries, cause))
		}
		return
	}

	delay := Backoff(c.cfg.BaseDelay, c.retries)
	c.retries++
	attempt := c.retries
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.terminal || c.state != StateClosed {
			c.mu.Unlock()
			return
		}
		c.state = StateConnecting
		c.mu.Unlock()
		c.dial()
	})
	c.mu.Unlock()

	c.log.Warn("connection lost, reconnect scheduled",
		"attempt", attempt, "delay", delay, "error", cause)
}

func (c *Channel) surfaceTerminal(cause error) {
	c.log.Error("channel failed", "error", cause)
	if c.onError != nil {
		c.onError(cause)
	}
}

// Disconnect closes deterministically and cancels any pending reconnect.
// Pipelines are not torn down here; callers own their teardown.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminal {
		return nil
	}
	c.terminal = true
	c.state = StateClosing

	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}

	var err error
	if c.conn != nil {
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait),
		)
		err = c.conn.Close()
		c.conn = nil
	}
	c.state = StateClosed
	return err
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Retries reports how many reconnect attempts have been consumed since the
// last successful open.
func (c *Channel) Retries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retries
}
