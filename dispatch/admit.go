package dispatch

import (
	log "github.com/sirupsen/logrus"

	"github.com/estuary/taskmesh/task"
	"github.com/estuary/taskmesh/transport"
)

// acceptLoop runs for the lifetime of one slot's listener, admitting
// one daemon connection at a time (a slot regains its listener — and
// can accept a fresh connection — the moment a prior connection drops).
func (d *Dispatcher) acceptLoop(rec *DaemonRecord) {
	for {
		sock, err := rec.listener.Accept()
		if err != nil {
			return // Listener closed: saisei replaced it, or Shutdown ran.
		}
		d.admit(rec, sock)
	}
}

// admit verifies a just-accepted socket's connect token (if the
// profile requires one), marks the slot online, and starts reading its
// results. It runs synchronously within acceptLoop so that a slot never
// admits two daemons concurrently — Accept blocks until admit returns.
func (d *Dispatcher) admit(rec *DaemonRecord, sock *transport.Socket) {
	d.mu.Lock()
	var expectedCounter = rec.InstanceCounter
	d.mu.Unlock()

	if d.opts.Signer != nil {
		f, err := sock.Recv()
		if err != nil || f.Kind != transport.FrameSetup {
			log.WithField("slot", rec.Index).Warn("dispatch: daemon connected without a connect token, rejecting")
			sock.Close()
			return
		}
		if _, err := d.opts.Signer.Verify(string(f.Payload), d.opts.Profile, rec.Index); err != nil {
			log.WithFields(log.Fields{"slot": rec.Index, "err": err}).Warn("dispatch: rejecting daemon with invalid connect token")
			sock.Close()
			return
		}
	}

	d.mu.Lock()
	var sticky = d.sticky
	d.mu.Unlock()

	if err := sock.Send(transport.Frame{Kind: transport.FrameSetup, Payload: sticky}); err != nil {
		log.WithFields(log.Fields{"slot": rec.Index, "err": err}).Warn("dispatch: failed to send sticky setup to newly connected daemon")
		sock.Close()
		return
	}

	d.mu.Lock()
	rec.sock = sock
	rec.Online = true
	if expectedCounter < 0 {
		rec.InstanceCounter = -expectedCounter
	} else {
		rec.InstanceCounter++
	}
	d.reportOnlineCount()
	d.mu.Unlock()

	log.WithFields(log.Fields{"slot": rec.Index, "url": rec.URL}).Info("dispatch: daemon connected")
	d.signal()

	d.resultLoop(rec, sock)
}

// resultLoop reads result frames from one connected daemon until the
// socket errors (transport loss) or a shutdown closes it out from under
// the read.
func (d *Dispatcher) resultLoop(rec *DaemonRecord, sock *transport.Socket) {
	for {
		f, err := sock.Recv()
		if err != nil {
			d.onDisconnect(rec, sock)
			return
		}

		switch f.Kind {
		case transport.FrameResultOk, transport.FrameResultErr, transport.FrameResultInterrupt:
			d.onResult(rec, f)
		default:
			log.WithFields(log.Fields{"slot": rec.Index, "kind": f.Kind.String()}).
				Warn("dispatch: unexpected frame from daemon, ignoring")
		}
	}
}

// onResult delivers a completed task's Result to its Handle — unless
// the handle already resolved (a prior cancel beat the daemon's
// eventual reply, per the cooperative-cancellation design note: the
// result is simply dropped on arrival) — and frees the slot.
func (d *Dispatcher) onResult(rec *DaemonRecord, f transport.Frame) {
	d.mu.Lock()
	if rec.InflightTaskID != f.TaskID {
		d.mu.Unlock()
		log.WithFields(log.Fields{"slot": rec.Index, "task_id": f.TaskID}).
			Warn("dispatch: result for a task this slot isn't tracking as in-flight, ignoring")
		return
	}
	var h = rec.handle
	rec.InflightTaskID = 0
	rec.handle = nil
	rec.CompleteCount++
	var profile = d.opts.Profile
	d.mu.Unlock()

	var result = frameToResult(f)
	completedCounter.WithLabelValues(profile, result.Kind.String()).Inc()
	h.Resolve(result)
	d.signal()
}

func frameToResult(f transport.Frame) task.Result {
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
		return task.Result{Kind: task.EvalError, Message: "dispatch: unknown result frame kind"}
	}
}

// onDisconnect handles transport loss from a connected daemon: publish
// TransportLost for any in-flight task (never silent loss, per the data
// model invariant) and mark the slot offline. The task is deliberately
// not requeued — retry policy belongs to the caller.
func (d *Dispatcher) onDisconnect(rec *DaemonRecord, sock *transport.Socket) {
	sock.Close()

	d.mu.Lock()
	rec.Online = false
	var h = rec.handle
	rec.handle = nil
	rec.InflightTaskID = 0
	if rec.sock == sock {
		rec.sock = nil
	}
	var profile = d.opts.Profile
	d.reportOnlineCount()
	d.mu.Unlock()

	log.WithField("slot", rec.Index).Warn("dispatch: daemon disconnected")

	if h != nil {
		transportLostCounter.WithLabelValues(profile).Inc()
		h.Resolve(task.Result{Kind: task.TransportLost})
	}
	d.signal()
}
