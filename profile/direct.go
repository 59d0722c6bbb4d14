package profile

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/estuary/taskmesh/task"
	"github.com/estuary/taskmesh/transport"
)

// directSlot is a direct-mode daemon connection: simpler than
// dispatch.DaemonRecord because there's no FIFO queue or least-loaded
// rule to maintain, only round-robin assignment.
type directSlot struct {
	index  int
	url    string
	online bool

	listener *transport.Listener
	sock     *transport.Socket
	handle   *task.Handle
	taskID   task.ID
}

// directQueue implements the Direct transport mode (spec §4.1/§4.4):
// host submits straight to a slot via Req/Rep, round-robining across
// whichever slots are connected with no central queue, FIFO ordering,
// or least-loaded guarantee — the documented trade-off for callers who
// want no intermediary.
type directQueue struct {
	mu      sync.Mutex
	slots   []*directSlot
	pending []*queuedDirect
	cursor  int
	stopped bool
	sticky  []byte
	signer  *transport.TokenSigner
	profile string
}

type queuedDirect struct {
	t      task.Task
	handle *task.Handle
}

func newDirectQueue(n int, factory func(int) string, profileName string, sticky []byte, signer *transport.TokenSigner) (*directQueue, error) {
	var q = &directQueue{profile: profileName, sticky: append([]byte(nil), sticky...), signer: signer}
	for i := 0; i < n; i++ {
		var rawURL = factory(i)
		ln, err := transport.Listen(transport.ReqRep, rawURL)
		if err != nil {
			q.shutdown()
			return nil, fmt.Errorf("profile: direct mode listening slot %d on %q: %w", i, rawURL, err)
		}
		resolved, err := transport.ResolveEphemeralPort(rawURL, ln)
		if err != nil {
			ln.Close()
			q.shutdown()
			return nil, fmt.Errorf("profile: direct mode resolving slot %d url: %w", i, err)
		}
		var slot = &directSlot{index: i, url: resolved, listener: ln}
		q.slots = append(q.slots, slot)
		go q.acceptLoop(slot)
	}
	return q, nil
}

func (q *directQueue) acceptLoop(slot *directSlot) {
	for {
		sock, err := slot.listener.Accept()
		if err != nil {
			return
		}

		if q.signer != nil {
			f, err := sock.Recv()
			if err != nil || f.Kind != transport.FrameSetup {
				sock.Close()
				continue
			}
			if _, err := q.signer.Verify(string(f.Payload), q.profile, slot.index); err != nil {
				log.WithFields(log.Fields{"slot": slot.index, "err": err}).
					Warn("profile: rejecting direct-mode daemon with invalid connect token")
				sock.Close()
				continue
			}
		}

		q.mu.Lock()
		var sticky = q.sticky
		q.mu.Unlock()

		if err := sock.Send(transport.Frame{Kind: transport.FrameSetup, Payload: sticky}); err != nil {
			sock.Close()
			continue
		}

		q.mu.Lock()
		slot.sock = sock
		slot.online = true
		q.mu.Unlock()
		log.WithField("slot", slot.index).Info("profile: direct-mode daemon connected")

		q.drainPending()
		q.resultLoop(slot, sock)
	}
}

func (q *directQueue) resultLoop(slot *directSlot, sock *transport.Socket) {
	for {
		f, err := sock.Recv()
		if err != nil {
			q.onDisconnect(slot, sock)
			return
		}
		switch f.Kind {
		case transport.FrameResultOk, transport.FrameResultErr, transport.FrameResultInterrupt:
			q.onResult(slot, f)
		}
	}
}

func (q *directQueue) onResult(slot *directSlot, f transport.Frame) {
	q.mu.Lock()
	if slot.taskID != f.TaskID {
		q.mu.Unlock()
		return
	}
	var h = slot.handle
	slot.handle = nil
	slot.taskID = 0
	q.mu.Unlock()

	h.Resolve(directFrameToResult(f))
	q.drainPending()
}

func (q *directQueue) onDisconnect(slot *directSlot, sock *transport.Socket) {
	sock.Close()
	q.mu.Lock()
	slot.online = false
	var h = slot.handle
	slot.handle = nil
	slot.taskID = 0
	if slot.sock == sock {
		slot.sock = nil
	}
	q.mu.Unlock()

	if h != nil {
		h.Resolve(task.Result{Kind: task.TransportLost})
	}
}

// submit round-robins t to the next idle, online slot, queuing it if
// none is currently available.
func (q *directQueue) submit(t task.Task) *task.Handle {
	var h = task.NewHandle(t.ID)

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		h.Resolve(task.Result{Kind: task.Canceled})
		return h
	}
	var slot = q.pickLocked()
	if slot == nil {
		q.pending = append(q.pending, &queuedDirect{t: t, handle: h})
		q.mu.Unlock()
		return h
	}
	slot.handle = h
	slot.taskID = t.ID
	var sock = slot.sock
	q.mu.Unlock()

	q.send(sock, slot, t)
	return h
}

func (q *directQueue) send(sock *transport.Socket, slot *directSlot, t task.Task) {
	var err = sock.Send(transport.Frame{Kind: transport.FrameTask, TaskID: t.ID, Payload: t.Payload, Extensions: t.Extensions})
	if err != nil {
		log.WithFields(log.Fields{"slot": slot.index, "task_id": t.ID, "err": err}).
			Warn("profile: direct mode failed to send task, awaiting disconnect handling")
	}
}

// pickLocked returns the next online, idle slot starting from the
// round-robin cursor, or nil if every slot is offline or busy. Caller
// must hold q.mu.
func (q *directQueue) pickLocked() *directSlot {
	for i := 0; i < len(q.slots); i++ {
		var idx = (q.cursor + i) % len(q.slots)
		var slot = q.slots[idx]
		if slot.online && slot.handle == nil {
			q.cursor = (idx + 1) % len(q.slots)
			return slot
		}
	}
	return nil
}

func (q *directQueue) drainPending() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		var slot = q.pickLocked()
		if slot == nil {
			q.mu.Unlock()
			return
		}
		var qd = q.pending[0]
		q.pending = q.pending[1:]
		slot.handle = qd.handle
		slot.taskID = qd.t.ID
		var sock = slot.sock
		var t = qd.t
		q.mu.Unlock()

		q.send(sock, slot, t)
	}
}

// cancel resolves h to Canceled, whether it's still queued or in
// flight on some slot (mirrors dispatch.Dispatcher.Cancel).
func (q *directQueue) cancel(h *task.Handle) {
	q.mu.Lock()
	for i, qd := range q.pending {
		if qd.handle == h {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			q.mu.Unlock()
			h.Resolve(task.Result{Kind: task.Canceled})
			return
		}
	}

	var target *directSlot
	for _, s := range q.slots {
		if s.handle == h {
			target = s
			break
		}
	}
	q.mu.Unlock()

	if target == nil {
		return
	}

	h.Resolve(task.Result{Kind: task.Canceled})
	if target.sock != nil {
		_ = target.sock.Send(transport.Frame{Kind: transport.FrameCancel, TaskID: h.ID()})
	}
}

func (q *directQueue) everywhere(payload []byte) {
	q.everywhereExt(payload, nil)
}

func (q *directQueue) everywhereExt(payload []byte, ext []task.ExtEntry) {
	q.mu.Lock()
	q.sticky = append([]byte(nil), payload...)
	var sockets []*transport.Socket
	for _, s := range q.slots {
		if s.online {
			sockets = append(sockets, s.sock)
		}
	}
	q.mu.Unlock()

	for _, sock := range sockets {
		if err := sock.Send(transport.Frame{Kind: transport.FrameSetup, Payload: payload, Extensions: ext}); err != nil {
			log.WithField("err", err).Warn("profile: direct mode failed to push sticky setup")
		}
	}
}

func (q *directQueue) status() []directSlot {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out = make([]directSlot, len(q.slots))
	for i, s := range q.slots {
		out[i] = *s
		out[i].listener, out[i].sock, out[i].handle = nil, nil, nil
	}
	return out
}

func (q *directQueue) shutdown() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	var flushed = q.pending
	q.pending = nil
	var slots = append([]*directSlot(nil), q.slots...)
	q.mu.Unlock()

	for _, qd := range flushed {
		qd.handle.Resolve(task.Result{Kind: task.Canceled})
	}
	for _, s := range slots {
		s.listener.Close()
		if s.sock != nil {
			_ = s.sock.Send(transport.Frame{Kind: transport.FrameShutdown})
			s.sock.Close()
		}
	}
}

func directFrameToResult(f transport.Frame) task.Result {
	switch f.Kind {
	case transport.FrameResultOk:
		return task.Result{Kind: task.Ok, Payload: f.Payload, Extensions: f.Extensions}
	case transport.FrameResultErr:
		message, stack, err := task.DecodeEvalError(f.Payload)
		if err != nil {
			message, stack = "malformed eval error payload", nil
		}
		return task.Result{Kind: task.EvalError, Message: message, Stack: stack}
	case transport.FrameResultInterrupt:
		return task.Result{Kind: task.Interrupt}
	default:
		return task.Result{Kind: task.EvalError, Message: "profile: unknown result frame kind"}
	}
}
