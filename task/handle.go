package task

import "sync"

// State is the lifecycle state of a Handle.
type State int

const (
	Pending State = iota
	Resolved
	// HandleCanceled is the State of a Handle resolved with a Canceled
	// Result. Resolve sets it together with that Result; once set, it
	// never reverts, matching the "cancel is idempotent" invariant.
	HandleCanceled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Resolved:
		return "Resolved"
	case HandleCanceled:
		return "Canceled"
	default:
		return "Unknown"
	}
}

// Handle is the caller-held reference to a pending or resolved Task.
// Reads (Poll, Done, ID) are safe from any goroutine. Resolve may be
// called by several completion paths (the dispatcher's completion
// handler, the direct-mode pull loop, a timeout, or a synchronous
// cancel/teardown path); only the first call takes effect.
type Handle struct {
	id ID

	mu       sync.Mutex
	state    State
	result   Result
	resolved bool
	done     chan struct{}
}

// NewHandle returns a Handle for a just-submitted task ID.
func NewHandle(id ID) *Handle {
	return &Handle{
		id:    id,
		state: Pending,
		done:  make(chan struct{}),
	}
}

// ID returns the task ID this Handle refers to.
func (h *Handle) ID() ID { return h.id }

// Resolve attaches r and transitions the Handle to Resolved. It is a
// no-op if the Handle has already resolved — the first writer wins,
// which is what lets a dropped daemon result race harmlessly against an
// already-delivered cancellation.
func (h *Handle) Resolve(r Result) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.resolved {
		return
	}
	h.result = r
	h.resolved = true
	if r.Kind == Canceled {
		h.state = HandleCanceled
	} else {
		h.state = Resolved
	}
	close(h.done)
}

// Poll returns the current state and, if Resolved, the Result.
func (h *Handle) Poll() (State, Result, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.state, h.result, h.resolved
}

// Done returns a channel that's closed exactly once, when the Handle
// resolves. Safe to select on from multiple goroutines.
func (h *Handle) Done() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done
}
