package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lichenr3/Galatea/internal/transport"
	"github.com/lichenr3/Galatea/pkg/protocol"
)

// LinkInfo describes the state of the WebSocket link.
type LinkInfo struct {
	// URL is the endpoint the link dials.
	URL string

	// Connected reports whether a connection is open.
	Connected bool

	// Since is when the link last changed state. Zero before the first
	// connect attempt.
	Since time.Time

	// Connects counts successful connects, Drops counts closures.
	Connects int
	Drops    int
}

// Link manages the lifecycle of the single WebSocket connection. Only one
// connection is open at a time; Reconnect replaces it. All exported methods
// are safe for concurrent use.
type Link struct {
	channel   *transport.Channel
	onMessage transport.MessageHandler
	now       func() time.Time

	// opMu serializes Start, Stop and Reconnect.
	opMu sync.Mutex

	mu   sync.Mutex
	info LinkInfo
}

// NewLink creates a link over channel. Inbound messages go to onMessage.
func NewLink(channel *transport.Channel, onMessage transport.MessageHandler) *Link {
	return &Link{
		channel:   channel,
		onMessage: onMessage,
		now:       time.Now,
		info:      LinkInfo{URL: channel.URL()},
	}
}

// Start opens the connection. It is a no-op while connected.
func (l *Link) Start(ctx context.Context) error {
	l.opMu.Lock()
	defer l.opMu.Unlock()
	return l.channel.Connect(ctx, l.onMessage, l.onStatus)
}

// Stop closes the connection, if any.
func (l *Link) Stop() {
	l.opMu.Lock()
	defer l.opMu.Unlock()
	l.channel.Disconnect()
}

// Reconnect closes the current connection and dials again.
func (l *Link) Reconnect(ctx context.Context) error {
	l.opMu.Lock()
	defer l.opMu.Unlock()
	l.channel.Disconnect()
	return l.channel.Connect(ctx, l.onMessage, l.onStatus)
}

// Connected reports whether a connection is open.
func (l *Link) Connected() bool {
	return l.channel.Connected()
}

// Send forwards p to the channel. It satisfies conversation.Sender.
func (l *Link) Send(ctx context.Context, sessionID string, p protocol.Payload) {
	l.channel.Send(ctx, sessionID, p)
}

// Info returns a snapshot of the link state.
func (l *Link) Info() LinkInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.info
}

func (l *Link) onStatus(connected bool) {
	l.mu.Lock()
	l.info.Connected = connected
	l.info.Since = l.now()
	if connected {
		l.info.Connects++
	} else {
		l.info.Drops++
	}
	info := l.info
	l.mu.Unlock()

	if connected {
		slog.Info("link up", "url", info.URL, "connects", info.Connects)
	} else {
		slog.Warn("link down, use /connect to reconnect", "url", info.URL, "drops", info.Drops)
	}
}
