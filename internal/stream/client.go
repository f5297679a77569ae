package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/scribelabs/scribe-core/internal/config"
	"github.com/scribelabs/scribe-core/internal/protocol"
)

// Status is the observable connection state of a Client.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusOpen         Status = "open"
	StatusReconnecting Status = "reconnecting"
	StatusClosed       Status = "closed"
)

// Handlers receive socket events. OnMessage gets parsed JSON frames when the
// payload is valid JSON and a raw-text frame otherwise.
type Handlers struct {
	OnOpen    func()
	OnMessage func(protocol.StreamMessage)
	OnClose   func()
	OnError   func(error)
}

// Client is a reconnecting duplex stream used to share a room's transcript
// with other participants. Any unintentional close schedules a reconnect
// with exponential backoff; a caller-initiated Close never does. Send is
// best-effort: payloads are silently dropped while the socket is not open —
// delivery guarantees belong to the offline queue, never to this client.
type Client struct {
	url      string
	handlers Handlers
	log      *slog.Logger
	dialer   *websocket.Dialer

	baseDelay time.Duration
	maxDelay  time.Duration

	mu       sync.Mutex
	writeMu  sync.Mutex
	conn     *websocket.Conn
	attempts int
	closed   bool
	notified bool
	timer    *time.Timer
	status   Status

	reconnectCounter metric.Int64Counter
}

// Dial constructs a client and immediately attempts to open the connection.
func Dial(url string, cfg config.StreamConfig, handlers Handlers, log *slog.Logger) *Client {
	c := &Client{
		url:       url,
		handlers:  handlers,
		log:       log.With(slog.String("component", "stream")),
		dialer:    websocket.DefaultDialer,
		baseDelay: time.Duration(cfg.BaseDelayMS) * time.Millisecond,
		maxDelay:  time.Duration(cfg.MaxDelayMS) * time.Millisecond,
		status:    StatusConnecting,
	}
	if c.baseDelay <= 0 {
		c.baseDelay = time.Second
	}
	if c.maxDelay < c.baseDelay {
		c.maxDelay = 30 * time.Second
	}
	meter := otel.Meter("github.com/scribelabs/scribe-core/stream")
	if counter, err := meter.Int64Counter("scribe.stream.reconnects", metric.WithDescription("Scheduled stream reconnect attempts")); err == nil {
		c.reconnectCounter = counter
	}
	go c.connect()
	return c
}

// Status returns the current connection status.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Attempts returns the current reconnect attempt counter. It resets to zero
// on every successful open.
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *Client) connect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.status = StatusConnecting
	c.mu.Unlock()

	conn, resp, err := c.dialer.Dial(c.url, nil)
	if err != nil {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		// Failure to construct the transport is treated identically to an
		// unintentional close.
		c.log.Warn("stream dial failed", slog.String("error", err.Error()))
		c.emitError(err)
		c.scheduleReconnect()
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.attempts = 0
	c.status = StatusOpen
	c.mu.Unlock()

	c.log.Info("stream connected", slog.String("url", c.url))
	if c.handlers.OnOpen != nil {
		c.handlers.OnOpen()
	}
	c.readLoop(conn)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			closed := c.closed
			c.mu.Unlock()

			if closed {
				c.notifyClose()
				return
			}
			c.log.Warn("stream closed unexpectedly", slog.String("error", err.Error()))
			c.emitError(err)
			c.scheduleReconnect()
			return
		}
		if c.handlers.OnMessage != nil {
			c.handlers.OnMessage(parseFrame(data))
		}
	}
}

// parseFrame decodes a JSON frame, falling back to raw text passthrough.
func parseFrame(data []byte) protocol.StreamMessage {
	var msg protocol.StreamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return protocol.StreamMessage{Raw: string(data)}
	}
	return msg
}

// Send marshals payload and writes it if the connection is currently open.
// Payloads sent while disconnected are dropped, not buffered.
func (c *Client) Send(payload any) {
	c.mu.Lock()
	conn := c.conn
	open := c.status == StatusOpen && conn != nil
	c.mu.Unlock()
	if !open {
		return
	}

	c.writeMu.Lock()
	err := conn.WriteJSON(payload)
	c.writeMu.Unlock()
	if err != nil {
		c.log.Warn("stream send failed", slog.String("error", err.Error()))
		c.emitError(err)
	}
}

// scheduleReconnect arms the backoff timer. At most one timer is pending at
// a time, and an intentional close cancels it permanently.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.timer != nil {
		return
	}
	delay := backoffDelay(c.attempts, c.baseDelay, c.maxDelay)
	c.attempts++
	c.status = StatusReconnecting
	if c.reconnectCounter != nil {
		c.reconnectCounter.Add(context.Background(), 1)
	}
	c.log.Info("stream reconnect scheduled",
		slog.Int("attempt", c.attempts),
		slog.Duration("delay", delay))
	c.timer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.timer = nil
		c.mu.Unlock()
		c.connect()
	})
}

// backoffDelay computes min(base * 2^attempts, max).
func backoffDelay(attempts int, base, max time.Duration) time.Duration {
	if attempts > 30 {
		return max
	}
	delay := base << uint(attempts)
	if delay <= 0 || delay > max {
		return max
	}
	return delay
}

// Close marks the client intentionally closed, cancels any pending
// reconnect timer, and tears down the socket. Idempotent; a late close
// event from the transport cannot resurrect the reconnect loop.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.status = StatusClosed
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
		// readLoop observes the closed flag and notifies.
		return
	}
	c.notifyClose()
}

func (c *Client) notifyClose() {
	c.mu.Lock()
	if c.notified {
		c.mu.Unlock()
		return
	}
	c.notified = true
	c.mu.Unlock()
	if c.handlers.OnClose != nil {
		c.handlers.OnClose()
	}
}

func (c *Client) emitError(err error) {
	if c.handlers.OnError != nil {
		c.handlers.OnError(err)
	}
}
