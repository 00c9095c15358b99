package transport_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/lichenr3/Galatea/internal/observe"
	"github.com/lichenr3/Galatea/internal/transport"
	"github.com/lichenr3/Galatea/pkg/protocol"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startServer launches a WebSocket test server running handler for every
// accepted connection.
func startServer(t *testing.T, handler func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeText(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
		t.Logf("server write: %v", err)
	}
}

func newChannel(t *testing.T, url string, opts ...transport.Option) *transport.Channel {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	c := transport.New(url, append([]transport.Option{transport.WithMetrics(m)}, opts...)...)
	t.Cleanup(c.Disconnect)
	return c
}

// collector records delivered messages and status transitions.
type collector struct {
	msgs   chan protocol.Message
	mu     sync.Mutex
	status []bool
	down   chan struct{}
	once   sync.Once
}

func newCollector() *collector {
	return &collector{msgs: make(chan protocol.Message, 16), down: make(chan struct{})}
}

func (c *collector) onMessage(m protocol.Message) { c.msgs <- m }

func (c *collector) onStatus(up bool) {
	c.mu.Lock()
	c.status = append(c.status, up)
	c.mu.Unlock()
	if !up {
		c.once.Do(func() { close(c.down) })
	}
}

func (c *collector) statuses() []bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bool(nil), c.status...)
}

func (c *collector) next(t *testing.T) protocol.Message {
	t.Helper()
	select {
	case m := <-c.msgs:
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for message")
		return protocol.Message{}
	}
}

func (c *collector) waitDown(t *testing.T) {
	t.Helper()
	select {
	case <-c.down:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for disconnect status")
	}
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestConnect_FiltersHeartbeatReplies(t *testing.T) {
	t.Parallel()
	srv := startServer(t, func(conn *websocket.Conn) {
		writeText(t, conn, `{"type":"heartbeat","data":{},"timestamp":1}`)
		writeText(t, conn, `{"type":"ai_status","data":{"status":"thinking","message":""},"timestamp":2}`)
		<-conn.CloseRead(context.Background()).Done()
	})

	col := newCollector()
	c := newChannel(t, wsURL(srv))
	if err := c.Connect(context.Background(), col.onMessage, col.onStatus); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !c.Connected() {
		t.Error("Connected() = false after Connect")
	}

	msg := col.next(t)
	if msg.Type() != protocol.TypeAIStatus {
		t.Fatalf("first delivered type = %q, want ai_status", msg.Type())
	}
	if st := msg.Payload.(protocol.Status); st.Status != protocol.ActivityThinking {
		t.Errorf("status = %q, want thinking", st.Status)
	}
	if got := col.statuses(); len(got) != 1 || !got[0] {
		t.Errorf("statuses = %v, want [true]", got)
	}
}

func TestConnect_DiscardsMalformedFrames(t *testing.T) {
	t.Parallel()
	srv := startServer(t, func(conn *websocket.Conn) {
		writeText(t, conn, `not json at all`)
		writeText(t, conn, `{"data":{}}`)
		writeText(t, conn, `{"type":"ai_text_stream","data":"oops"}`)
		writeText(t, conn, `{"type":"ai_text_stream","data":{"text":"hi","is_finish":true,"message_id":"m1"}}`)
		<-conn.CloseRead(context.Background()).Done()
	})

	col := newCollector()
	c := newChannel(t, wsURL(srv))
	if err := c.Connect(context.Background(), col.onMessage, col.onStatus); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	msg := col.next(t)
	frag, ok := msg.Payload.(protocol.TextFragment)
	if !ok {
		t.Fatalf("payload = %T, want TextFragment", msg.Payload)
	}
	if frag.Text != "hi" || frag.MessageID != "m1" || !frag.IsFinish {
		t.Errorf("fragment = %+v", frag)
	}
}

func TestConnect_DeliversUnknownTypesInOrder(t *testing.T) {
	t.Parallel()
	srv := startServer(t, func(conn *websocket.Conn) {
		writeText(t, conn, `{"type":"emotion_update","data":{"mood":"happy"}}`)
		writeText(t, conn, `{"type":"error","data":{"code":500,"message":"llm down"}}`)
		<-conn.CloseRead(context.Background()).Done()
	})

	col := newCollector()
	c := newChannel(t, wsURL(srv))
	if err := c.Connect(context.Background(), col.onMessage, col.onStatus); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if got := col.next(t).Type(); got != "emotion_update" {
		t.Errorf("first type = %q, want emotion_update", got)
	}
	if got := col.next(t).Type(); got != protocol.TypeError {
		t.Errorf("second type = %q, want error", got)
	}
}

func TestSend_WritesEnvelope(t *testing.T) {
	t.Parallel()
	received := make(chan map[string]any, 1)
	srv := startServer(t, func(conn *websocket.Conn) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var v map[string]any
		_ = json.Unmarshal(data, &v)
		received <- v
		<-conn.CloseRead(context.Background()).Done()
	})

	col := newCollector()
	c := newChannel(t, wsURL(srv))
	if err := c.Connect(context.Background(), col.onMessage, col.onStatus); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	enable := true
	c.Send(context.Background(), "sess-1", protocol.UserMessage{Content: "hello", EnableAudio: &enable})

	select {
	case v := <-received:
		if v["type"] != "user_message" || v["session_id"] != "sess-1" {
			t.Errorf("envelope = %v", v)
		}
		data, _ := v["data"].(map[string]any)
		if data["content"] != "hello" || data["enable_audio"] != true {
			t.Errorf("data = %v", data)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server never received the envelope")
	}
}

func TestHeartbeat_SentPeriodically(t *testing.T) {
	t.Parallel()
	beats := make(chan string, 4)
	srv := startServer(t, func(conn *websocket.Conn) {
		for {
			_, data, err := conn.Read(context.Background())
			if err != nil {
				return
			}
			var env protocol.Envelope
			if json.Unmarshal(data, &env) == nil {
				select {
				case beats <- string(env.Type):
				default:
				}
			}
		}
	})

	col := newCollector()
	c := newChannel(t, wsURL(srv), transport.WithHeartbeatInterval(20*time.Millisecond))
	if err := c.Connect(context.Background(), col.onMessage, col.onStatus); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	for range 2 {
		select {
		case typ := <-beats:
			if typ != "heartbeat" {
				t.Errorf("type = %q, want heartbeat", typ)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("no heartbeat received")
		}
	}
}

func TestServerClose_ReportsDisconnectOnce(t *testing.T) {
	t.Parallel()
	srv := startServer(t, func(conn *websocket.Conn) {
		conn.Close(websocket.StatusGoingAway, "restart")
	})

	col := newCollector()
	c := newChannel(t, wsURL(srv))
	if err := c.Connect(context.Background(), col.onMessage, col.onStatus); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	col.waitDown(t)

	if c.Connected() {
		t.Error("Connected() = true after server close")
	}
	c.Disconnect()
	if got := col.statuses(); len(got) != 2 || !got[0] || got[1] {
		t.Errorf("statuses = %v, want [true false]", got)
	}
}

func TestDisconnect_ReportsOnceAndIsRepeatable(t *testing.T) {
	t.Parallel()
	srv := startServer(t, func(conn *websocket.Conn) {
		<-conn.CloseRead(context.Background()).Done()
	})

	col := newCollector()
	c := newChannel(t, wsURL(srv))
	if err := c.Connect(context.Background(), col.onMessage, col.onStatus); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	c.Disconnect()
	c.Disconnect()
	col.waitDown(t)

	if c.Connected() {
		t.Error("Connected() = true after Disconnect")
	}
	if got := col.statuses(); len(got) != 2 || got[1] {
		t.Errorf("statuses = %v, want [true false]", got)
	}

	// Sending while disconnected is a silent drop.
	c.Send(context.Background(), "s", protocol.UserMessage{Content: "lost"})
}

func TestConnect_IdempotentWhileConnected(t *testing.T) {
	t.Parallel()
	var accepted atomic.Int32
	srv := startServer(t, func(conn *websocket.Conn) {
		accepted.Add(1)
		<-conn.CloseRead(context.Background()).Done()
	})

	col := newCollector()
	c := newChannel(t, wsURL(srv))
	for range 3 {
		if err := c.Connect(context.Background(), col.onMessage, col.onStatus); err != nil {
			t.Fatalf("Connect: %v", err)
		}
	}
	// Give a stray second dial time to show up.
	time.Sleep(50 * time.Millisecond)
	if n := accepted.Load(); n != 1 {
		t.Errorf("server accepted %d connections, want 1", n)
	}
	if got := col.statuses(); len(got) != 1 {
		t.Errorf("statuses = %v, want exactly one", got)
	}
}

func TestConnect_DialFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	col := newCollector()
	c := newChannel(t, url, transport.WithDialTimeout(time.Second))
	if err := c.Connect(context.Background(), col.onMessage, col.onStatus); err == nil {
		t.Fatal("expected dial error")
	}
	if got := col.statuses(); len(got) != 0 {
		t.Errorf("statuses = %v, want none", got)
	}
	if c.Connected() {
		t.Error("Connected() = true after failed dial")
	}
}

func TestReconnectAfterDisconnect(t *testing.T) {
	t.Parallel()
	var accepted atomic.Int32
	srv := startServer(t, func(conn *websocket.Conn) {
		accepted.Add(1)
		<-conn.CloseRead(context.Background()).Done()
	})

	c := newChannel(t, wsURL(srv))
	first := newCollector()
	if err := c.Connect(context.Background(), first.onMessage, first.onStatus); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c.Disconnect()
	first.waitDown(t)

	second := newCollector()
	if err := c.Connect(context.Background(), second.onMessage, second.onStatus); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if !c.Connected() {
		t.Error("Connected() = false after reconnect")
	}
	deadline := time.Now().Add(3 * time.Second)
	for accepted.Load() != 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := accepted.Load(); n != 2 {
		t.Errorf("server accepted %d connections, want 2", n)
	}
	if got := first.statuses(); len(got) != 2 {
		t.Errorf("first connection statuses = %v, want [true false]", got)
	}
}
