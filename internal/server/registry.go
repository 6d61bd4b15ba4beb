// Package server keeps the registry of live connections and fans join,
// leave and chat events out to every registered handle.
package server

import (
	"context"
	"sort"

	"github.com/Tyrowin/wschat/internal/chat"
	"go.uber.org/zap"
)

// Handle is the capability to push an encoded payload to one connection.
// Push must not block; it reports whether the payload was queued.
type Handle interface {
	ID() string
	Push(payload []byte) bool
}

type opKind int

const (
	opJoin opKind = iota
	opLeave
	opBroadcast
	opMembers
)

type operation struct {
	kind   opKind
	id     string
	handle Handle
	event  chat.Event
	reply  chan []string
	joined chan bool
}

// Registry owns the set of live connections. All operations are submitted
// to a single queue and applied one at a time by Run, so the connection map
// is only ever touched by the Run goroutine.
type Registry struct {
	ops     chan operation
	handles map[string]Handle
	done    chan struct{}
	logger  *zap.Logger
}

// NewRegistry creates a registry whose intake queue holds up to queueSize
// pending operations.
func NewRegistry(queueSize int, logger *zap.Logger) *Registry {
	if queueSize < 0 {
		queueSize = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		ops:     make(chan operation, queueSize),
		handles: make(map[string]Handle),
		done:    make(chan struct{}),
		logger:  logger,
	}
}

// Run applies queued operations one at a time until ctx is cancelled. It must
// be called exactly once; Done is closed when it returns, after which every
// submission is refused.
func (r *Registry) Run(ctx context.Context) {
	defer close(r.done)

	r.logger.Info("Registry started")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Registry stopped", zap.Int("connections", len(r.handles)))
			return
		case op := <-r.ops:
			r.apply(op)
		}
	}
}

// Done is closed once Run has returned.
func (r *Registry) Done() <-chan struct{} {
	return r.done
}

// Join registers handle under id and announces it to every connection,
// including the new one. It waits until the join has been applied and
// reports whether handle was registered; a refused caller must not Leave,
// since the id belongs to another connection or the registry has stopped.
func (r *Registry) Join(id string, handle Handle) bool {
	joined := make(chan bool, 1)
	if !r.submit(operation{kind: opJoin, id: id, handle: handle, joined: joined}) {
		return false
	}
	select {
	case ok := <-joined:
		return ok
	case <-r.done:
		select {
		case ok := <-joined:
			return ok
		default:
			return false
		}
	}
}

// Leave announces the departure of id to every registered connection,
// including the departing one, and then removes it. Leaving an id that is
// not registered is a no-op, so a session may leave after the registry has
// already forgotten it. It reports whether the operation was queued.
func (r *Registry) Leave(id string) bool {
	return r.submit(operation{kind: opLeave, id: id})
}

// Broadcast encodes ev once and delivers it to every connection registered
// at the point the operation is applied. An event that cannot be encoded is
// logged and skipped.
func (r *Registry) Broadcast(ev chat.Event) bool {
	return r.submit(operation{kind: opBroadcast, event: ev})
}

// Members returns the sorted identities registered at the point the query
// is applied. It returns nil if the registry has stopped.
func (r *Registry) Members() []string {
	reply := make(chan []string, 1)
	if !r.submit(operation{kind: opMembers, reply: reply}) {
		return nil
	}
	select {
	case ids := <-reply:
		return ids
	case <-r.done:
		select {
		case ids := <-reply:
			return ids
		default:
			return nil
		}
	}
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	return len(r.Members())
}

func (r *Registry) submit(op operation) bool {
	select {
	case <-r.done:
		return false
	default:
	}

	select {
	case r.ops <- op:
		return true
	case <-r.done:
		return false
	}
}

func (r *Registry) apply(op operation) {
	switch op.kind {
	case opJoin:
		ok := r.join(op.id, op.handle)
		if op.joined != nil {
			op.joined <- ok
		}
	case opLeave:
		r.leave(op.id)
	case opBroadcast:
		r.broadcast(op.event)
	case opMembers:
		op.reply <- r.memberIDs()
	}
}

func (r *Registry) join(id string, handle Handle) bool {
	if handle == nil {
		r.logger.Warn("Ignoring join without handle", zap.String("id", id))
		return false
	}
	if _, exists := r.handles[id]; exists {
		r.logger.Warn("Ignoring duplicate join", zap.String("id", id))
		return false
	}

	payload, ok := r.encode(chat.NewSystemEvent(chat.ActionConnect, id))
	if ok {
		r.fanOut(payload)
		r.push(handle, payload)
	}

	r.handles[id] = handle
	r.logger.Info("Connection registered", zap.String("id", id), zap.Int("connections", len(r.handles)))
	return true
}

func (r *Registry) leave(id string) {
	if _, exists := r.handles[id]; !exists {
		r.logger.Debug("Ignoring leave for unknown connection", zap.String("id", id))
		return
	}

	if payload, ok := r.encode(chat.NewSystemEvent(chat.ActionDisconnect, id)); ok {
		r.fanOut(payload)
	}

	delete(r.handles, id)
	r.logger.Info("Connection unregistered", zap.String("id", id), zap.Int("connections", len(r.handles)))
}

func (r *Registry) broadcast(ev chat.Event) {
	payload, ok := r.encode(ev)
	if !ok {
		return
	}
	r.logger.Debug("Broadcasting event",
		zap.String("sender", ev.Sender),
		zap.Stringer("action", ev.Action),
		zap.Int("recipients", len(r.handles)))
	r.fanOut(payload)
}

func (r *Registry) encode(ev chat.Event) ([]byte, bool) {
	payload, err := chat.Encode(ev)
	if err != nil {
		r.logger.Error("Skipping event that failed to encode", zap.Error(err))
		return nil, false
	}
	return payload, true
}

func (r *Registry) fanOut(payload []byte) {
	for _, handle := range r.handles {
		r.push(handle, payload)
	}
}

func (r *Registry) push(handle Handle, payload []byte) {
	if !handle.Push(payload) {
		r.logger.Debug("Push was not accepted", zap.String("id", handle.ID()))
	}
}

func (r *Registry) memberIDs() []string {
	ids := make([]string, 0, len(r.handles))
	for id := range r.handles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
