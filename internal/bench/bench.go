// Package bench drives a wschat server with many concurrent clients. In
// test mode every worker also checks that each chat message it sent was
// relayed back to it.
package bench

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/Tyrowin/wschat/internal/chat"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrMissingAddr is returned when Options.Addr is empty.
var ErrMissingAddr = errors.New("must provide address")

// Options configures a run.
type Options struct {
	// Addr is the WebSocket URL, including the ws:// or wss:// scheme.
	Addr        string
	Conns       int
	MsgsPerConn int
	// SameStart holds every worker until all of them have dialled.
	SameStart bool
	// Test enables relay checking.
	Test bool
	// Timeout bounds connecting and, in test mode, sending and receiving.
	Timeout time.Duration
	// Origin is sent in the handshake. Defaults to http://localhost.
	Origin string
	Logger *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = time.Minute
	}
	if o.Origin == "" {
		o.Origin = "http://localhost"
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

func (o Options) validate() error {
	if o.Addr == "" {
		return ErrMissingAddr
	}
	u, err := url.Parse(o.Addr)
	if err != nil {
		return fmt.Errorf("bad address: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("bad address %q: scheme must be ws or wss", o.Addr)
	}
	if o.Conns < 0 || o.MsgsPerConn < 0 {
		return errors.New("connection and message counts must not be negative")
	}
	return nil
}

// Result is the outcome of one worker.
type Result struct {
	Worker   int
	Identity string

	Connected  bool
	ConnectDur time.Duration
	SendDur    time.Duration
	RecvDur    time.Duration

	MsgsSent int
	// MsgsRecvd counts the worker's own chat messages relayed back to it.
	MsgsRecvd int

	ConnectErr error
	SendErr    error
	RecvErr    error
	// ServerErr holds the contents of an error event from the server.
	ServerErr string
}

// Passed reports whether the worker connected, sent everything and, when
// checked, received everything it sent.
func (r Result) Passed(opts Options) bool {
	if !r.Connected || r.MsgsSent != opts.MsgsPerConn || r.SendErr != nil {
		return false
	}
	if opts.Test && (r.MsgsRecvd != opts.MsgsPerConn || r.RecvErr != nil || r.ServerErr != "") {
		return false
	}
	return true
}

// UnexpectedEventError reports an event that ended a worker early.
type UnexpectedEventError struct {
	Expected chat.Action
	Got      chat.Event
}

func (e *UnexpectedEventError) Error() string {
	return fmt.Sprintf("expected %q, got %q", e.Expected, e.Got.Action)
}

// Run starts opts.Conns workers and waits for all of them. The returned
// error only covers invalid options; per-worker failures are in the Report.
func Run(ctx context.Context, opts Options) (Report, error) {
	if err := opts.validate(); err != nil {
		return Report{}, err
	}
	opts = opts.withDefaults()

	report := Report{Options: opts, Results: make([]Result, opts.Conns)}
	start := time.Now()

	var started sync.WaitGroup
	startGate := make(chan struct{})
	if opts.SameStart {
		started.Add(opts.Conns)
		go func() {
			started.Wait()
			close(startGate)
		}()
	} else {
		close(startGate)
	}

	var wg sync.WaitGroup
	for i := 0; i < opts.Conns; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w := worker{
				id:      i + 1,
				opts:    opts,
				logger:  opts.Logger.With(zap.Int("worker", i+1)),
				started: &started,
				gate:    startGate,
			}
			report.Results[i] = w.run(ctx)
		}(i)
	}
	wg.Wait()

	report.Elapsed = time.Since(start)
	return report, nil
}

type worker struct {
	id      int
	opts    Options
	logger  *zap.Logger
	started *sync.WaitGroup
	gate    <-chan struct{}
}

func (w *worker) markStarted() {
	if w.opts.SameStart {
		w.started.Done()
	}
}

func (w *worker) run(ctx context.Context) Result {
	res := Result{Worker: w.id}

	dialCtx, cancel := context.WithTimeout(ctx, w.opts.Timeout)
	dialer := websocket.Dialer{HandshakeTimeout: w.opts.Timeout}
	header := http.Header{}
	header.Set("Origin", w.opts.Origin)

	begin := time.Now()
	conn, resp, err := dialer.DialContext(dialCtx, w.opts.Addr, header)
	res.ConnectDur = time.Since(begin)
	cancel()
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	w.markStarted()
	if err != nil {
		res.ConnectErr = err
		w.logger.Debug("Error connecting", zap.Error(err))
		return res
	}
	defer func() { _ = conn.Close() }()
	res.Connected = true

	select {
	case <-w.gate:
	case <-ctx.Done():
		res.SendErr = ctx.Err()
		return res
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if !w.opts.Test {
		res.MsgsSent, res.SendDur, res.SendErr = w.send(conn, "")
		if res.SendErr == nil {
			w.closeGracefully(conn)
		}
		return res
	}

	w.runTest(conn, &res)
	return res
}

func (w *worker) runTest(conn *websocket.Conn, res *Result) {
	// The welcome notice carries this connection's identity and is the
	// first frame the server sends.
	_ = conn.SetReadDeadline(time.Now().Add(w.opts.Timeout))
	welcome, err := readEvent(conn)
	if err != nil {
		res.RecvErr = fmt.Errorf("error receiving identity: %w", err)
		return
	}
	if welcome.Action != chat.ActionConnect {
		res.RecvErr = &UnexpectedEventError{Expected: chat.ActionConnect, Got: welcome}
		return
	}
	res.Identity = welcome.Contents

	recvDone := make(chan struct{})
	var recv recvOutcome
	go func() {
		defer close(recvDone)
		recv = w.receive(conn, res.Identity)
	}()

	res.MsgsSent, res.SendDur, res.SendErr = w.send(conn, res.Identity)
	<-recvDone

	res.MsgsRecvd, res.RecvDur, res.RecvErr, res.ServerErr = recv.count, recv.dur, recv.err, recv.serverErr
	if res.SendErr == nil && res.RecvErr == nil {
		w.closeGracefully(conn)
	}
}

func (w *worker) send(conn *websocket.Conn, identity string) (int, time.Duration, error) {
	begin := time.Now()
	if w.opts.Test {
		_ = conn.SetWriteDeadline(begin.Add(w.opts.Timeout))
	}

	sent := 0
	for ; sent < w.opts.MsgsPerConn; sent++ {
		payload, err := chat.Encode(chat.Event{
			Sender:   identity,
			Action:   chat.ActionChat,
			Contents: fmt.Sprintf("Worker #%d: Message %d", w.id, sent+1),
		})
		if err != nil {
			return sent, time.Since(begin), err
		}
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			w.logger.Debug("Error sending message", zap.Int("message", sent+1), zap.Error(err))
			return sent, time.Since(begin), err
		}
	}
	return sent, time.Since(begin), nil
}

type recvOutcome struct {
	count     int
	dur       time.Duration
	err       error
	serverErr string
}

func (w *worker) receive(conn *websocket.Conn, identity string) recvOutcome {
	begin := time.Now()
	_ = conn.SetReadDeadline(begin.Add(w.opts.Timeout))

	var out recvOutcome
	for out.count < w.opts.MsgsPerConn {
		ev, err := readEvent(conn)
		if err != nil {
			out.err = err
			break
		}
		switch ev.Action {
		case chat.ActionChat:
			if ev.Sender == identity {
				out.count++
			}
		case chat.ActionDisconnect:
			if ev.Contents == identity {
				out.err = &UnexpectedEventError{Expected: chat.ActionChat, Got: ev}
				out.dur = time.Since(begin)
				return out
			}
		case chat.ActionError:
			out.serverErr = ev.Contents
			out.dur = time.Since(begin)
			return out
		}
	}
	out.dur = time.Since(begin)
	return out
}

func (w *worker) closeGracefully(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		w.logger.Debug("Error closing connection", zap.Error(err))
	}
}

func readEvent(conn *websocket.Conn) (chat.Event, error) {
	for {
		messageType, raw, err := conn.ReadMessage()
		if err != nil {
			return chat.Event{}, err
		}
		if messageType != websocket.TextMessage {
			continue
		}
		ev, err := chat.DecodeServerEvent(raw)
		if err != nil {
			return chat.Event{}, fmt.Errorf("%w (msg: %s)", err, raw)
		}
		return ev, nil
	}
}
