// Package task defines the data model shared by the dispatcher, daemon,
// and host client: Task, Result, Handle, and the wire-level extension
// table entries that carry codec side-channel data.
package task

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/minio/highwayhash"
)

// ID uniquely identifies a submitted Task. It's opaque to callers.
type ID uint64

// idSeed is a fixed highwayhash key used only to scramble the monotonic
// counter into something that doesn't look sequential on the wire.
// It is not a security boundary; connect tokens (see package transport)
// provide that.
var idSeed = [32]byte{
	'e', 's', 't', 'a', 'r', 'y', 't', 'a', 's', 'k', 'm', 'e', 's', 'h', 0, 1,
	2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17,
}

var idCounter atomic.Uint64

// NewID returns a fresh, opaque task ID. IDs are unique within a process
// lifetime but carry no ordering guarantee a caller should rely on —
// submission order is tracked separately by the dispatcher's FIFO queue.
func NewID() ID {
	var n = idCounter.Add(1)

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)

	var sum = highwayhash.Sum64(buf[:], idSeed[:])
	return ID(sum)
}

// ExtEntry is one (class_tag, bytes) side-channel entry of a Task's or
// Result's extension table, produced by the codec registry when it
// encounters a registered opaque reference.
type ExtEntry struct {
	ClassTag string
	Blob     []byte
}

// Task is an immutable unit of work, created by the host on Submit and
// destroyed once its Result has been delivered or its Handle dropped.
type Task struct {
	ID          ID
	Payload     []byte
	Extensions  []ExtEntry
	Timeout     time.Duration // zero means no timeout
	Profile     string
	SubmittedAt time.Time
}

// ResultKind enumerates the terminal states a Result may carry.
type ResultKind int

const (
	Ok ResultKind = iota
	EvalError
	Interrupt
	Timeout
	Canceled
	TransportLost
)

func (k ResultKind) String() string {
	switch k {
	case Ok:
		return "Ok"
	case EvalError:
		return "EvalError"
	case Interrupt:
		return "Interrupt"
	case Timeout:
		return "Timeout"
	case Canceled:
		return "Canceled"
	case TransportLost:
		return "TransportLost"
	default:
		return "Unknown"
	}
}

// Result is the outcome of evaluating a Task, carried back over the same
// connection that delivered it.
type Result struct {
	Kind ResultKind

	// Populated when Kind == Ok.
	Payload    []byte
	Extensions []ExtEntry

	// Populated when Kind == EvalError.
	Message string
	Stack   []string
}

// Error sentinel values, per the wire-level convention (§6 of the spec).
const (
	ErrorValueTimeout         = 5
	ErrorValueConnectionReset = 7
	ErrorValueAborted         = 19
	ErrorValueCanceled        = 20
)

// ErrorValue maps a Result to its numeric sentinel, if it has one.
func (r Result) ErrorValue() (int, bool) {
	switch r.Kind {
	case Timeout:
		return ErrorValueTimeout, true
	case TransportLost:
		return ErrorValueConnectionReset, true
	case Interrupt:
		return ErrorValueAborted, true
	case Canceled:
		return ErrorValueCanceled, true
	default:
		return 0, false
	}
}

// IsEvalError reports whether r is a captured evaluation error.
func IsEvalError(r Result) bool { return r.Kind == EvalError }

// IsInterrupt reports whether r is an interrupt.
func IsInterrupt(r Result) bool { return r.Kind == Interrupt }

// IsErrorValue is the union predicate: true for every non-Ok Result.
func IsErrorValue(r Result) bool { return r.Kind != Ok }

// evalErrorPayload is the wire encoding of a result_err frame's payload:
// the daemon has no other channel to carry a message plus stack frames
// back to the host, so it rides as JSON in the otherwise-opaque payload
// bytes rather than needing its own frame_kind.
type evalErrorPayload struct {
	Message string   `json:"message"`
	Stack   []string `json:"stack"`
}

// EncodeEvalError serializes an evaluation failure for a result_err frame.
func EncodeEvalError(message string, stack []string) []byte {
	b, err := json.Marshal(evalErrorPayload{Message: message, Stack: stack})
	if err != nil {
		// message/stack are always plain strings; json.Marshal of that
		// shape cannot fail.
		panic(fmt.Sprintf("task: marshaling eval error: %v", err))
	}
	return b
}

// DecodeEvalError is EncodeEvalError's inverse.
func DecodeEvalError(payload []byte) (message string, stack []string, err error) {
	var p evalErrorPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", nil, fmt.Errorf("task: decoding eval error payload: %w", err)
	}
	return p.Message, p.Stack, nil
}
