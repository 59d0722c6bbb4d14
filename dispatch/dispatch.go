// Package dispatch implements the dispatcher-mediated side of the
// protocol (spec §4.4): a FIFO queue of submitted tasks, a roster of
// daemon slots each with its own listen URL and pipe socket, and the
// least-loaded-then-lowest-index assignment rule. This is the package
// where dynamic membership, transport loss, and concurrent completion
// have to compose correctly — "the hard part."
package dispatch

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/estuary/taskmesh/task"
	"github.com/estuary/taskmesh/transport"
)

// URLFactory returns a fresh listen URL for slot index i, e.g.
// "tcp://127.0.0.1:0" for an OS-assigned ephemeral port. Called once at
// slot creation and again on saisei.
type URLFactory func(slotIndex int) string

// Options configures a Dispatcher for one profile.
type Options struct {
	Profile string
	Slots   int
	NewURL  URLFactory

	// Signer, when non-nil, requires every connecting daemon to present
	// a connect token (the first frame it sends) scoped to this
	// profile and the slot it's dialing in on. Nil disables the check —
	// appropriate for plaintext dev profiles that don't mint tokens.
	Signer *transport.TokenSigner

	// StickyPayload is the "everywhere" script applied at handshake and
	// replayed to every daemon that (re)connects.
	StickyPayload []byte
}

// DaemonRecord is the dispatcher's view of one registered daemon slot.
type DaemonRecord struct {
	URL             string
	Index           int
	Online          bool
	InstanceCounter int64
	AssignedCount   uint64
	CompleteCount   uint64
	InflightTaskID  task.ID // zero means idle

	listener *transport.Listener
	sock     *transport.Socket
	handle   *task.Handle // set iff InflightTaskID != 0
}

type queuedTask struct {
	t      task.Task
	handle *task.Handle
}

// Dispatcher is one profile's queue + daemon roster.
type Dispatcher struct {
	opts Options

	mu      sync.Mutex
	daemons []*DaemonRecord
	queue   []*queuedTask
	sticky  []byte
	stopped bool

	wake chan struct{} // capacity 1: "idle+queued state may have changed"
}

// New creates a Dispatcher, binds opts.Slots listeners (one per daemon
// slot, via opts.NewURL), and starts its accept and scheduling loops.
func New(opts Options) (*Dispatcher, error) {
	var d = &Dispatcher{
		opts:   opts,
		sticky: append([]byte(nil), opts.StickyPayload...),
		wake:   make(chan struct{}, 1),
	}

	for i := 0; i < opts.Slots; i++ {
		if err := d.addSlot(i); err != nil {
			d.closeSlots()
			return nil, err
		}
	}

	go d.scheduleLoop()
	return d, nil
}

func (d *Dispatcher) addSlot(index int) error {
	var rawURL = d.opts.NewURL(index)
	ln, err := transport.Listen(transport.PairPipe, rawURL)
	if err != nil {
		return fmt.Errorf("dispatch: listening slot %d on %q: %w", index, rawURL, err)
	}
	resolved, err := transport.ResolveEphemeralPort(rawURL, ln)
	if err != nil {
		ln.Close()
		return fmt.Errorf("dispatch: resolving slot %d url: %w", index, err)
	}

	var rec = &DaemonRecord{URL: resolved, Index: index, listener: ln}
	d.daemons = append(d.daemons, rec)
	go d.acceptLoop(rec)
	return nil
}

func (d *Dispatcher) closeSlots() {
	for _, rec := range d.daemons {
		rec.listener.Close()
	}
}

// Submit enqueues t and returns a Handle that resolves when a result
// arrives, the task is canceled, or the profile shuts down.
func (d *Dispatcher) Submit(t task.Task) *task.Handle {
	var h = task.NewHandle(t.ID)

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		h.Resolve(task.Result{Kind: task.Canceled})
		return h
	}
	d.queue = append(d.queue, &queuedTask{t: t, handle: h})
	d.reportQueueDepth()
	d.mu.Unlock()

	d.signal()
	return h
}

// Cancel resolves h to Canceled. A still-queued task is removed from
// the queue synchronously; an in-flight task gets a cancel frame sent
// to its daemon, but — per the documented cooperative-cancellation
// weakness — the daemon keeps evaluating and its eventual result is
// dropped on arrival (see onResult in admit.go).
func (d *Dispatcher) Cancel(h *task.Handle) {
	d.mu.Lock()
	for i, qt := range d.queue {
		if qt.handle == h {
			d.queue = append(d.queue[:i], d.queue[i+1:]...)
			d.reportQueueDepth()
			d.mu.Unlock()
			h.Resolve(task.Result{Kind: task.Canceled})
			return
		}
	}

	var target *DaemonRecord
	for _, rec := range d.daemons {
		if rec.handle == h {
			target = rec
			break
		}
	}
	d.mu.Unlock()

	if target == nil {
		// Already resolved, or never tracked by this dispatcher — cancel
		// is specified idempotent, so this is not an error.
		return
	}

	h.Resolve(task.Result{Kind: task.Canceled})

	if err := target.sock.Send(transport.Frame{Kind: transport.FrameCancel, TaskID: h.ID()}); err != nil {
		log.WithFields(log.Fields{"slot": target.Index, "task_id": h.ID(), "err": err}).
			Warn("dispatch: failed to deliver cancel frame, daemon likely gone")
	}
}

// Status returns a point-in-time snapshot of every daemon slot.
func (d *Dispatcher) Status() []DaemonRecord {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out = make([]DaemonRecord, len(d.daemons))
	for i, rec := range d.daemons {
		out[i] = *rec
		out[i].listener = nil
		out[i].sock = nil
		out[i].handle = nil
	}
	return out
}

// QueueDepth returns the number of tasks currently waiting for
// assignment.
func (d *Dispatcher) QueueDepth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Everywhere replaces the sticky setup payload and pushes it to every
// online daemon immediately; future connects receive it at handshake.
func (d *Dispatcher) Everywhere(payload []byte) {
	d.EverywhereExt(payload, nil)
}

// EverywhereExt is Everywhere plus an extension table, used to piggyback
// a codec manifest push (package profile's Submit) onto the same sticky
// setup frame without inventing a second wire message kind.
func (d *Dispatcher) EverywhereExt(payload []byte, ext []task.ExtEntry) {
	d.mu.Lock()
	d.sticky = append([]byte(nil), payload...)
	var online []*transport.Socket
	for _, rec := range d.daemons {
		if rec.Online {
			online = append(online, rec.sock)
		}
	}
	d.mu.Unlock()

	for _, sock := range online {
		if err := sock.Send(transport.Frame{Kind: transport.FrameSetup, Payload: payload, Extensions: ext}); err != nil {
			log.WithField("err", err).Warn("dispatch: failed to push sticky setup to a connected daemon")
		}
	}
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Shutdown implements configure_daemons(0): stop accepting new daemon
// connections, flush the pending queue by resolving every task
// Canceled, and close every daemon socket and listener (which drives
// each connected daemon's autoexit, if configured).
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true

	var flushed = d.queue
	d.queue = nil
	d.reportQueueDepth()

	var toClose []*DaemonRecord
	toClose = append(toClose, d.daemons...)
	d.mu.Unlock()

	for _, qt := range flushed {
		qt.handle.Resolve(task.Result{Kind: task.Canceled})
	}

	for _, rec := range toClose {
		rec.listener.Close()

		d.mu.Lock()
		var sock = rec.sock
		d.mu.Unlock()
		if sock != nil {
			_ = sock.Send(transport.Frame{Kind: transport.FrameShutdown})
			sock.Close()
		}
	}

	d.signal()
}
