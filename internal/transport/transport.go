// Package transport owns the client's single long-lived WebSocket connection
// to the Galatea server.
//
// A [Channel] dials once, keeps the connection alive with periodic heartbeat
// envelopes, decodes inbound frames into [protocol.Message] values and hands
// them to a single subscriber. Heartbeat replies and malformed frames never
// reach the subscriber. Lost connections are reported but not re-established;
// callers reconnect by calling [Channel.Connect] again.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/lichenr3/Galatea/internal/observe"
	"github.com/lichenr3/Galatea/pkg/protocol"
)

const (
	// DefaultHeartbeatInterval is how often a heartbeat envelope is sent while
	// connected.
	DefaultHeartbeatInterval = 30 * time.Second

	// DefaultReadLimit bounds a single inbound frame. Audio chunks carry a
	// whole base64 WAV sentence, far above the library's 32 KiB default.
	DefaultReadLimit int64 = 16 << 20

	// DefaultDialTimeout bounds the WebSocket handshake.
	DefaultDialTimeout = 10 * time.Second

	// writeTimeout bounds a single outbound frame.
	writeTimeout = 10 * time.Second
)

// MessageHandler receives every delivered inbound message, one at a time, on
// the channel's read goroutine. The next frame is not read until it returns.
type MessageHandler func(protocol.Message)

// StatusHandler is told when the connection opens (true) and when it closes
// (false). Each connection reports true once and false once.
type StatusHandler func(connected bool)

// Option configures a [Channel] during construction.
type Option func(*Channel)

// WithHeartbeatInterval overrides [DefaultHeartbeatInterval]. Non-positive
// values are ignored.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.heartbeat = d
		}
	}
}

// WithReadLimit overrides [DefaultReadLimit]. Non-positive values are ignored.
func WithReadLimit(n int64) Option {
	return func(c *Channel) {
		if n > 0 {
			c.readLimit = n
		}
	}
}

// WithDialTimeout overrides [DefaultDialTimeout]. Non-positive values are
// ignored.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Channel) {
		c.metrics = m
	}
}

// Channel is the client's WebSocket connection manager. The zero value is not
// usable; construct with [New]. All methods are safe for concurrent use.
type Channel struct {
	url         string
	heartbeat   time.Duration
	readLimit   int64
	dialTimeout time.Duration
	metrics     *observe.Metrics

	// connectMu serialises Connect so two callers never dial at once.
	connectMu sync.Mutex

	mu   sync.Mutex
	link *link
}

// link is one open connection and the goroutines serving it.
type link struct {
	ws        *websocket.Conn
	ctx       context.Context
	cancel    context.CancelFunc
	onMessage MessageHandler
	onStatus  StatusHandler
	closing   atomic.Bool
	closeOnce sync.Once
}

// New creates a Channel for the WebSocket endpoint at url. No connection is
// made until [Channel.Connect].
func New(url string, opts ...Option) *Channel {
	c := &Channel{
		url:         url,
		heartbeat:   DefaultHeartbeatInterval,
		readLimit:   DefaultReadLimit,
		dialTimeout: DefaultDialTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// URL returns the endpoint the channel dials.
func (c *Channel) URL() string { return c.url }

// Connected reports whether a connection is currently open.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link != nil
}

// Connect dials the server and starts delivering messages to onMessage.
// It is a no-op returning nil while a connection is already open; the
// original handlers stay in place.
//
// On success onStatus(true) is called before any message is delivered. A
// failed dial returns the error and calls neither handler. ctx bounds the
// dial only; the connection lives until [Channel.Disconnect] or until the
// server goes away.
func (c *Channel) Connect(ctx context.Context, onMessage MessageHandler, onStatus StatusHandler) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	if c.Connected() {
		return nil
	}
	if onMessage == nil {
		onMessage = func(protocol.Message) {}
	}
	if onStatus == nil {
		onStatus = func(bool) {}
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	ws, _, err := websocket.Dial(dialCtx, c.url, nil)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", c.url, err)
	}
	ws.SetReadLimit(c.readLimit)

	linkCtx, linkCancel := context.WithCancel(context.Background())
	l := &link{
		ws:        ws,
		ctx:       linkCtx,
		cancel:    linkCancel,
		onMessage: onMessage,
		onStatus:  onStatus,
	}

	c.mu.Lock()
	c.link = l
	c.mu.Unlock()

	c.metrics.SetConnected(linkCtx, true)
	slog.Info("websocket connected", "url", c.url)
	onStatus(true)

	go c.readLoop(l)
	go c.heartbeatLoop(l)
	return nil
}

// Disconnect closes the open connection, if any, and reports
// onStatus(false). Safe to call repeatedly and when never connected.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	l := c.link
	c.mu.Unlock()
	if l == nil {
		return
	}
	l.closing.Store(true)
	// The close handshake ends the read loop, which normally performs the
	// teardown itself; the call below covers a loop stuck in the handler.
	_ = l.ws.Close(websocket.StatusNormalClosure, "client disconnect")
	c.teardown(l, nil)
}

// Send encodes p into an envelope for sessionID and writes it. Sending is
// best effort: when no connection is open, or the write fails, the envelope
// is dropped with a warning and the caller is not notified.
func (c *Channel) Send(ctx context.Context, sessionID string, p protocol.Payload) {
	typ := "unknown"
	if p != nil {
		typ = string(p.Kind())
	}

	c.mu.Lock()
	l := c.link
	c.mu.Unlock()
	if l == nil {
		slog.Warn("websocket not connected, dropping envelope", "type", typ, "session_id", sessionID)
		c.metrics.RecordEnvelopeSent(ctx, typ, "dropped")
		return
	}

	if err := c.write(ctx, l, sessionID, p); err != nil {
		slog.Warn("websocket send failed", "type", typ, "session_id", sessionID, "err", err)
		c.metrics.RecordEnvelopeSent(ctx, typ, "error")
		return
	}
	c.metrics.RecordEnvelopeSent(ctx, typ, "sent")
}

// write encodes and writes one envelope on l.
func (c *Channel) write(ctx context.Context, l *link, sessionID string, p protocol.Payload) error {
	frame, err := protocol.Encode(sessionID, p, time.Now())
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	// Stop a blocked write as soon as the connection is torn down.
	stop := context.AfterFunc(l.ctx, cancel)
	defer stop()
	return l.ws.Write(wctx, websocket.MessageText, frame)
}

// readLoop reads frames until the connection fails or is closed, delivering
// each decoded message synchronously.
func (c *Channel) readLoop(l *link) {
	for {
		_, data, err := l.ws.Read(l.ctx)
		if err != nil {
			c.teardown(l, err)
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			slog.Warn("discarding malformed frame", "err", err, "bytes", len(data))
			c.metrics.RecordFrameDropped(l.ctx, "malformed")
			continue
		}
		if msg.Type() == protocol.TypeHeartbeat {
			slog.Debug("heartbeat reply received")
			c.metrics.RecordFrameDropped(l.ctx, "heartbeat")
			continue
		}

		c.metrics.RecordEnvelopeReceived(l.ctx, string(msg.Type()))
		l.onMessage(msg)
	}
}

// heartbeatLoop sends a heartbeat envelope every interval until l closes.
func (c *Channel) heartbeatLoop(l *link) {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			if err := c.write(l.ctx, l, "", protocol.Heartbeat{}); err != nil {
				if l.ctx.Err() == nil {
					slog.Warn("heartbeat send failed", "err", err)
				}
				continue
			}
			c.metrics.RecordEnvelopeSent(l.ctx, string(protocol.TypeHeartbeat), "sent")
		}
	}
}

// teardown releases l exactly once and reports the disconnect. Concurrent
// callers block until the first one has called onStatus(false).
func (c *Channel) teardown(l *link, cause error) {
	l.closeOnce.Do(func() {
		c.mu.Lock()
		if c.link == l {
			c.link = nil
		}
		c.mu.Unlock()

		_ = l.ws.CloseNow()
		l.cancel()

		switch {
		case l.closing.Load():
			slog.Info("websocket disconnected", "url", c.url)
		case isNormalClosure(cause):
			slog.Info("websocket closed by server", "url", c.url, "status", websocket.CloseStatus(cause))
		default:
			slog.Warn("websocket connection lost", "url", c.url, "err", cause)
		}

		c.metrics.SetConnected(context.Background(), false)
		l.onStatus(false)
	})
}

func isNormalClosure(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return errors.Is(err, context.Canceled)
}
