package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Tyrowin/wschat/internal/chat"
	"github.com/Tyrowin/wschat/internal/config"
	"github.com/Tyrowin/wschat/internal/wstest"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T, customize func(cfg *config.Config)) (*Server, string) {
	t.Helper()

	cfg := config.Default()
	if customize != nil {
		customize(&cfg)
	}
	srv := New(cfg, zap.NewNop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv, ts.URL
}

func TestChatScenario(t *testing.T) {
	srv, baseURL := newTestServer(t, nil)
	url := wstest.URL(baseURL, "/")

	a := wstest.Connect(t, url)
	if a.ID == "" {
		t.Fatal("expected client A to learn its identity")
	}

	b := wstest.Connect(t, url)
	notice := a.Expect(chat.ActionConnect)
	if notice.Sender != chat.SystemSender || notice.Contents != b.ID {
		t.Errorf("A expected connect notice for B, got %+v", notice)
	}

	a.Send(`{"contents":"hi"}`)
	for name, c := range map[string]*wstest.Client{"A": a, "B": b} {
		ev := c.Expect(chat.ActionChat)
		if ev.Sender != a.ID || ev.Contents != "hi" || ev.Timestamp == 0 {
			t.Errorf("%s received unexpected chat event %+v", name, ev)
		}
	}

	b.Close()
	left := a.Expect(chat.ActionDisconnect)
	if left.Sender != chat.SystemSender || left.Contents != b.ID {
		t.Errorf("A expected disconnect notice for B, got %+v", left)
	}

	wstest.Eventually(t, func() bool {
		members := srv.Registry().Members()
		return len(members) == 1 && members[0] == a.ID
	}, "B should be removed from the registry")
}

func TestMalformedMessageIsUnicast(t *testing.T) {
	_, baseURL := newTestServer(t, nil)
	url := wstest.URL(baseURL, "/")

	a := wstest.Connect(t, url)
	b := wstest.Connect(t, url)
	a.Expect(chat.ActionConnect)

	a.Send(`{"action":"bogus"}`)
	ev := a.Expect(chat.ActionError)
	if ev.Sender != chat.SystemSender {
		t.Errorf("expected error from %q, got %q", chat.SystemSender, ev.Sender)
	}
	if !strings.Contains(ev.Contents, "bogus") {
		t.Errorf("expected error to describe the bad action, got %q", ev.Contents)
	}

	// The connection stays usable after a bad message.
	a.Send(`{"contents":"still here"}`)
	if got := a.Expect(chat.ActionChat); got.Contents != "still here" {
		t.Errorf("unexpected chat after error: %+v", got)
	}
	if got := b.Expect(chat.ActionChat); got.Contents != "still here" {
		t.Errorf("B expected the chat but got %+v", got)
	}
	b.ExpectNothing(200 * time.Millisecond)
}

func TestServerOverwritesClientFields(t *testing.T) {
	_, baseURL := newTestServer(t, nil)
	url := wstest.URL(baseURL, "/")

	a := wstest.Connect(t, url)
	b := wstest.Connect(t, url)
	a.Expect(chat.ActionConnect)

	a.Send(`{"sender":"mallory","action":"connect","contents":"spoof","timestamp":5}`)

	ev := b.Expect(chat.ActionChat)
	if ev.Sender != a.ID {
		t.Errorf("expected sender %q, got %q", a.ID, ev.Sender)
	}
	if ev.Contents != "spoof" {
		t.Errorf("expected contents to be kept, got %q", ev.Contents)
	}
	if ev.Timestamp == 5 {
		t.Error("client supplied timestamp was trusted")
	}
}

func TestBinaryFramesAreIgnored(t *testing.T) {
	_, baseURL := newTestServer(t, nil)
	a := wstest.Connect(t, wstest.URL(baseURL, "/"))

	if err := a.Conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}); err != nil {
		t.Fatalf("Failed to send binary message: %v", err)
	}
	a.Send(`{"contents":"after binary"}`)

	ev := a.Expect(chat.ActionChat)
	if ev.Contents != "after binary" {
		t.Errorf("expected the text message to be the next event, got %+v", ev)
	}
}

func TestPingIsAnswered(t *testing.T) {
	_, baseURL := newTestServer(t, nil)
	a := wstest.Connect(t, wstest.URL(baseURL, "/"))

	pongs := make(chan string, 1)
	a.Conn.SetPongHandler(func(data string) error {
		pongs <- data
		return nil
	})
	if err := a.Conn.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(time.Second)); err != nil {
		t.Fatalf("Failed to send ping: %v", err)
	}
	// Pong handlers run inside reads, so trigger one with a chat round trip.
	a.Send(`{"contents":"ping test"}`)
	a.Expect(chat.ActionChat)

	select {
	case data := <-pongs:
		if data != "keepalive" {
			t.Errorf("expected pong payload %q, got %q", "keepalive", data)
		}
	case <-time.After(time.Second):
		t.Fatal("no pong received")
	}
}

func TestContinuationFrameTerminatesSession(t *testing.T) {
	srv, baseURL := newTestServer(t, nil)
	url := wstest.URL(baseURL, "/")

	a := wstest.Connect(t, url)
	b := wstest.Connect(t, url)
	a.Expect(chat.ActionConnect)

	// FIN continuation frame, masked with a zero key, payload "abc".
	frame := []byte{0x80, 0x80 | 3, 0, 0, 0, 0, 'a', 'b', 'c'}
	if _, err := b.Conn.UnderlyingConn().Write(frame); err != nil {
		t.Fatalf("Failed to write raw frame: %v", err)
	}

	left := a.Expect(chat.ActionDisconnect)
	if left.Contents != b.ID {
		t.Errorf("expected disconnect of %q, got %+v", b.ID, left)
	}
	wstest.Eventually(t, func() bool { return srv.Registry().Len() == 1 }, "B should be unregistered")
}

func TestAbruptDisconnectTriggersLeave(t *testing.T) {
	srv, baseURL := newTestServer(t, nil)
	url := wstest.URL(baseURL, "/")

	a := wstest.Connect(t, url)
	b := wstest.Connect(t, url)
	a.Expect(chat.ActionConnect)

	_ = b.Conn.Close()

	left := a.Expect(chat.ActionDisconnect)
	if left.Contents != b.ID {
		t.Errorf("expected disconnect of %q, got %+v", b.ID, left)
	}
	wstest.Eventually(t, func() bool { return srv.Registry().Len() == 1 }, "B should be unregistered")
}

func TestOversizedMessageTerminatesSession(t *testing.T) {
	srv, baseURL := newTestServer(t, func(cfg *config.Config) {
		cfg.MaxMessageSize = 32
	})
	url := wstest.URL(baseURL, "/")

	a := wstest.Connect(t, url)
	b := wstest.Connect(t, url)
	a.Expect(chat.ActionConnect)

	b.Send(`{"contents":"` + strings.Repeat("x", 64) + `"}`)

	left := a.Expect(chat.ActionDisconnect)
	if left.Contents != b.ID {
		t.Errorf("expected disconnect of %q, got %+v", b.ID, left)
	}
	wstest.Eventually(t, func() bool { return srv.Registry().Len() == 1 }, "B should be unregistered")
}

func TestManyClientsJoinAndLeave(t *testing.T) {
	srv, baseURL := newTestServer(t, nil)
	url := wstest.URL(baseURL, "/")

	const numClients = 10
	var wg sync.WaitGroup
	conns := make([]*websocket.Conn, numClients)
	errs := make(chan error, numClients)
	for i := 0; i < numClients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, _, err := wstest.Dial(url, "")
			if err != nil {
				errs <- err
				return
			}
			conns[i] = conn
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Failed to connect: %v", err)
	}

	wstest.Eventually(t, func() bool { return srv.Registry().Len() == numClients }, "all clients registered")

	for _, conn := range conns {
		wg.Add(1)
		go func(conn *websocket.Conn) {
			defer wg.Done()
			_ = wstest.CloseGracefully(conn)
		}(conn)
	}
	wg.Wait()

	wstest.Eventually(t, func() bool { return srv.Registry().Len() == 0 }, "registry returns to empty")
}

func TestShutdownClosesSessions(t *testing.T) {
	cfg := config.Default()
	srv := New(cfg, zap.NewNop())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn, _, err := wstest.Dial(wstest.URL(ts.URL, "/"), "")
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := wstest.ReadEvent(conn, time.Second); err != nil {
		t.Fatalf("Failed to read welcome: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown returned error: %v", err)
	}

	select {
	case <-srv.Registry().Done():
	default:
		t.Error("registry still running after shutdown")
	}

	_, err = wstest.ReadEvent(conn, time.Second)
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("expected going away close, got %v", err)
	}
}

func TestWebSocketHandlerMethodValidation(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch} {
		t.Run(method, func(t *testing.T) {
			req := httptest.NewRequest(method, "/", nil)
			w := httptest.NewRecorder()

			srv.Handler().ServeHTTP(w, req)

			if w.Code != http.StatusMethodNotAllowed {
				t.Errorf("expected status %d, got %d", http.StatusMethodNotAllowed, w.Code)
			}
			if !strings.Contains(w.Body.String(), "only accepts GET") {
				t.Errorf("unexpected body %q", w.Body.String())
			}
		})
	}
}

func TestWebSocketHandlerGETWithoutUpgrade(t *testing.T) {
	_, baseURL := newTestServer(t, nil)

	resp, err := http.Get(baseURL + "/")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected status %d, got %d", http.StatusBadRequest, resp.StatusCode)
	}
}

func TestCustomRoute(t *testing.T) {
	_, baseURL := newTestServer(t, func(cfg *config.Config) {
		cfg.Route = "/chat"
	})

	c := wstest.Connect(t, wstest.URL(baseURL, "/chat"))
	if c.ID == "" {
		t.Error("expected identity on custom route")
	}

	if _, resp, err := wstest.Dial(wstest.URL(baseURL, "/"), ""); err == nil {
		t.Error("expected root route not to upgrade")
	} else if resp != nil && resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 on root, got %d", resp.StatusCode)
	}
}

func TestOriginPolicy(t *testing.T) {
	_, baseURL := newTestServer(t, func(cfg *config.Config) {
		cfg.AllowedOrigins = []string{"http://allowed.example"}
	})
	url := wstest.URL(baseURL, "/")

	tests := []struct {
		name    string
		origin  string
		allowed bool
	}{
		{"allowed origin", "http://allowed.example", true},
		{"allowed origin different case", "HTTP://Allowed.Example", true},
		{"disallowed origin", "http://evil.example", false},
		{"missing origin", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, resp, err := wstest.Dial(url, tt.origin)
			if tt.allowed {
				if err != nil {
					t.Fatalf("expected connection to succeed: %v", err)
				}
				_ = conn.Close()
				return
			}
			if err == nil {
				_ = conn.Close()
				t.Fatal("expected connection to be rejected")
			}
			if resp == nil || resp.StatusCode != http.StatusForbidden {
				t.Errorf("expected 403, got %v", resp)
			}
		})
	}
}

func TestHealthHandler(t *testing.T) {
	_, baseURL := newTestServer(t, nil)
	wstest.Connect(t, wstest.URL(baseURL, "/"))

	resp, err := http.Get(baseURL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); got != "text/plain" {
		t.Errorf("expected text/plain, got %q", got)
	}
	if !strings.Contains(string(body), "connections: 1") {
		t.Errorf("unexpected health body %q", body)
	}
}

func TestTestPageHandler(t *testing.T) {
	_, baseURL := newTestServer(t, func(cfg *config.Config) {
		cfg.Route = "/chat"
	})

	resp, err := http.Get(baseURL + "/test")
	if err != nil {
		t.Fatalf("GET /test failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(resp.Body)
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
		t.Errorf("unexpected content type %q", resp.Header.Get("Content-Type"))
	}
	if !strings.Contains(string(body), `"/chat"`) {
		t.Error("test page does not reference the configured route")
	}
}

func TestServerDisconnectSpellingFromClientIsRejected(t *testing.T) {
	_, baseURL := newTestServer(t, nil)
	url := wstest.URL(baseURL, "/")

	a := wstest.Connect(t, url)
	b := wstest.Connect(t, url)
	a.Expect(chat.ActionConnect)

	a.Send(`{"action":"discconnect","contents":"not relayed"}`)
	ev := a.Expect(chat.ActionError)
	if !strings.Contains(ev.Contents, "discconnect") {
		t.Errorf("expected error to name the token, got %q", ev.Contents)
	}
	b.ExpectNothing(200 * time.Millisecond)
}
