package app_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/coder/websocket"

	"github.com/lichenr3/Galatea/internal/app"
	"github.com/lichenr3/Galatea/internal/transport"
	"github.com/lichenr3/Galatea/pkg/protocol"
)

// idleServer accepts connections and holds them open until the client
// leaves.
func idleServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		for {
			if _, _, err := conn.Read(r.Context()); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestLink_StartStopReconnect(t *testing.T) {
	t.Parallel()
	srv := idleServer(t)
	m, _ := testMetrics(t)
	ch := transport.New(wsURL(srv), transport.WithMetrics(m))
	l := app.NewLink(ch, func(protocol.Message) {})
	t.Cleanup(l.Stop)

	if info := l.Info(); info.Connected || !info.Since.IsZero() || info.URL != wsURL(srv) {
		t.Errorf("initial info = %+v", info)
	}

	ctx := context.Background()
	if err := l.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := l.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if !l.Connected() {
		t.Fatal("not connected after Start")
	}
	if info := l.Info(); !info.Connected || info.Connects != 1 || info.Since.IsZero() {
		t.Errorf("info after Start = %+v", info)
	}

	if err := l.Reconnect(ctx); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	waitFor(t, "reconnect bookkeeping", func() bool {
		info := l.Info()
		return info.Connected && info.Connects == 2 && info.Drops == 1
	})

	l.Stop()
	waitFor(t, "stop", func() bool { return !l.Info().Connected && !l.Connected() })
}

func TestLink_StartFailure(t *testing.T) {
	t.Parallel()
	dead := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(dead)
	dead.Close()

	m, _ := testMetrics(t)
	l := app.NewLink(transport.New(url, transport.WithMetrics(m)), nil)
	if err := l.Start(context.Background()); err == nil {
		t.Fatal("expected dial error")
	}
	if info := l.Info(); info.Connects != 0 || info.Drops != 0 {
		t.Errorf("info = %+v, want no transitions", info)
	}
}
