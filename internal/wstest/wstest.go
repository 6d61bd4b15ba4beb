// Package wstest provides helpers for tests that talk to a wschat server
// over real WebSocket connections.
package wstest

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/Tyrowin/wschat/internal/chat"
	"github.com/gorilla/websocket"
)

// DefaultTimeout bounds every blocking helper.
const DefaultTimeout = 2 * time.Second

// URL converts an httptest server URL into a WebSocket URL for route.
func URL(serverURL, route string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + route
}

// Dial opens a WebSocket connection with the given Origin header. An empty
// origin sends no header.
func Dial(url, origin string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// Client is a test connection that decodes incoming events.
type Client struct {
	t    testing.TB
	Conn *websocket.Conn
	// ID is the identity announced in the client's first Connect notice.
	ID string
}

// Connect dials url and consumes the welcome notice, recording the
// client's identity.
func Connect(t testing.TB, url string) *Client {
	t.Helper()

	conn, _, err := Dial(url, "")
	if err != nil {
		t.Fatalf("Failed to connect to %s: %v", url, err)
	}
	c := &Client{t: t, Conn: conn}
	t.Cleanup(func() { _ = conn.Close() })

	welcome := c.Expect(chat.ActionConnect)
	if welcome.Sender != chat.SystemSender {
		t.Fatalf("Expected welcome from %q, got %q", chat.SystemSender, welcome.Sender)
	}
	c.ID = welcome.Contents
	return c
}

// Send writes raw as a text frame.
func (c *Client) Send(raw string) {
	c.t.Helper()
	if err := c.Conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		c.t.Fatalf("Failed to send message: %v", err)
	}
}

// Read returns the next event, failing the test after DefaultTimeout.
func (c *Client) Read() chat.Event {
	c.t.Helper()
	ev, err := ReadEvent(c.Conn, DefaultTimeout)
	if err != nil {
		c.t.Fatalf("Failed to read event: %v", err)
	}
	return ev
}

// Expect reads the next event and fails unless it has the given action.
func (c *Client) Expect(action chat.Action) chat.Event {
	c.t.Helper()
	ev := c.Read()
	if ev.Action != action {
		c.t.Fatalf("Expected %v event, got %+v", action, ev)
	}
	return ev
}

// ExpectNothing fails if an event arrives within timeout. A read deadline
// expiry leaves the connection unusable, so call it last.
func (c *Client) ExpectNothing(timeout time.Duration) {
	c.t.Helper()
	ev, err := ReadEvent(c.Conn, timeout)
	if err == nil {
		c.t.Fatalf("Expected no event, got %+v", ev)
	}
	if !IsTimeout(err) {
		c.t.Fatalf("Unexpected error while waiting for silence: %v", err)
	}
}

// Close performs a clean close handshake.
func (c *Client) Close() {
	c.t.Helper()
	if err := CloseGracefully(c.Conn); err != nil {
		c.t.Logf("Close error: %v", err)
	}
}

// ReadEvent reads and decodes one text frame.
func ReadEvent(conn *websocket.Conn, timeout time.Duration) (chat.Event, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return chat.Event{}, err
	}
	messageType, raw, err := conn.ReadMessage()
	if err != nil {
		return chat.Event{}, err
	}
	if messageType != websocket.TextMessage {
		return chat.Event{}, errors.New("expected a text message")
	}
	return chat.DecodeServerEvent(raw)
}

// IsTimeout reports whether err is a read deadline expiry.
func IsTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// CloseGracefully sends a normal closure frame and closes the connection.
func CloseGracefully(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		_ = conn.Close()
		return err
	}
	return conn.Close()
}

// Eventually polls cond until it holds or DefaultTimeout elapses.
func Eventually(t testing.TB, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(DefaultTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Condition not met within %s: %s", DefaultTimeout, msg)
}
