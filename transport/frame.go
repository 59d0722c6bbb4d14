package transport

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/estuary/taskmesh/task"
)

// Magic identifies the wire protocol so a daemon dialed into an
// unrelated service fails fast on handshake instead of hanging on recv.
const Magic uint32 = 0x54534b31 // "TSK1"

// FrameKind is the single byte distinguishing envelope purposes on the wire.
type FrameKind uint8

const (
	FrameTask            FrameKind = 0
	FrameSetup           FrameKind = 1
	FrameCancel          FrameKind = 2
	FrameResultOk        FrameKind = 3
	FrameResultErr       FrameKind = 4
	FrameResultInterrupt FrameKind = 5
	FrameShutdown        FrameKind = 6
)

func (k FrameKind) String() string {
	switch k {
	case FrameTask:
		return "task"
	case FrameSetup:
		return "setup"
	case FrameCancel:
		return "cancel"
	case FrameResultOk:
		return "result_ok"
	case FrameResultErr:
		return "result_err"
	case FrameResultInterrupt:
		return "result_interrupt"
	case FrameShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Frame is the length-prefixed envelope described by the wire protocol:
//
//	[magic:4][frame_kind:1][reserved:3][payload_len:8][payload:N][ext_count:4]
//	  {[tag_len:2][tag:L][blob_len:8][blob:B]}*
//
// All integers are big-endian.
type Frame struct {
	Kind       FrameKind
	TaskID     task.ID
	Payload    []byte
	Extensions []task.ExtEntry
}

const maxFramePayload = 1 << 28 // 256MiB: a sanity ceiling, not a protocol limit.
const maxExtBlob = 1 << 28

// The wire layout's "payload" region is [task_id:8][application payload:N].
// The task_id isn't broken out as its own header field by the frame
// layout in the spec, but every frame kind except setup/shutdown needs
// to carry one (a cancel frame must name the task_id it cancels), so it
// rides as an 8-byte prefix of the opaque payload region instead of a
// second length-prefixed section.
const taskIDPrefixLen = 8

// WriteFrame serializes f to w.
func WriteFrame(w io.Writer, f Frame) error {
	var wirePayload = make([]byte, taskIDPrefixLen+len(f.Payload))
	binary.BigEndian.PutUint64(wirePayload[:taskIDPrefixLen], uint64(f.TaskID))
	copy(wirePayload[taskIDPrefixLen:], f.Payload)

	var header [4 + 1 + 3 + 8]byte
	binary.BigEndian.PutUint32(header[0:4], Magic)
	header[4] = byte(f.Kind)
	// header[5:8] reserved, left zero.
	binary.BigEndian.PutUint64(header[8:16], uint64(len(wirePayload)))

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("transport: writing frame header: %w", err)
	}
	if _, err := w.Write(wirePayload); err != nil {
		return fmt.Errorf("transport: writing frame payload: %w", err)
	}

	var extCount [4]byte
	binary.BigEndian.PutUint32(extCount[:], uint32(len(f.Extensions)))
	if _, err := w.Write(extCount[:]); err != nil {
		return fmt.Errorf("transport: writing extension count: %w", err)
	}

	for _, e := range f.Extensions {
		var tagLen [2]byte
		binary.BigEndian.PutUint16(tagLen[:], uint16(len(e.ClassTag)))
		if _, err := w.Write(tagLen[:]); err != nil {
			return fmt.Errorf("transport: writing extension tag length: %w", err)
		}
		if _, err := io.WriteString(w, e.ClassTag); err != nil {
			return fmt.Errorf("transport: writing extension tag: %w", err)
		}

		var blobLen [8]byte
		binary.BigEndian.PutUint64(blobLen[:], uint64(len(e.Blob)))
		if _, err := w.Write(blobLen[:]); err != nil {
			return fmt.Errorf("transport: writing extension blob length: %w", err)
		}
		if _, err := w.Write(e.Blob); err != nil {
			return fmt.Errorf("transport: writing extension blob: %w", err)
		}
	}

	return nil
}

// ReadFrame deserializes one Frame from r, blocking until the full
// envelope has arrived or r returns an error.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [4 + 1 + 3 + 8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, err // Deliberately unwrapped: io.EOF must survive for callers checking transport loss.
	}

	var magic = binary.BigEndian.Uint32(header[0:4])
	if magic != Magic {
		return Frame{}, fmt.Errorf("transport: bad magic %#x, expected %#x", magic, Magic)
	}
	var kind = FrameKind(header[4])
	var payloadLen = binary.BigEndian.Uint64(header[8:16])
	if payloadLen > maxFramePayload {
		return Frame{}, fmt.Errorf("transport: payload length %d exceeds sanity ceiling", payloadLen)
	}

	if payloadLen < taskIDPrefixLen {
		return Frame{}, fmt.Errorf("transport: payload length %d shorter than task id prefix", payloadLen)
	}
	var wirePayload = make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, wirePayload); err != nil {
			return Frame{}, fmt.Errorf("transport: reading frame payload: %w", err)
		}
	}
	var taskID = task.ID(binary.BigEndian.Uint64(wirePayload[:taskIDPrefixLen]))
	var payload []byte
	if len(wirePayload) > taskIDPrefixLen {
		payload = wirePayload[taskIDPrefixLen:]
	}

	var extCountBuf [4]byte
	if _, err := io.ReadFull(r, extCountBuf[:]); err != nil {
		return Frame{}, fmt.Errorf("transport: reading extension count: %w", err)
	}
	var extCount = binary.BigEndian.Uint32(extCountBuf[:])

	var extensions []task.ExtEntry
	for i := uint32(0); i < extCount; i++ {
		var tagLenBuf [2]byte
		if _, err := io.ReadFull(r, tagLenBuf[:]); err != nil {
			return Frame{}, fmt.Errorf("transport: reading extension tag length: %w", err)
		}
		var tagLen = binary.BigEndian.Uint16(tagLenBuf[:])

		var tag = make([]byte, tagLen)
		if _, err := io.ReadFull(r, tag); err != nil {
			return Frame{}, fmt.Errorf("transport: reading extension tag: %w", err)
		}

		var blobLenBuf [8]byte
		if _, err := io.ReadFull(r, blobLenBuf[:]); err != nil {
			return Frame{}, fmt.Errorf("transport: reading extension blob length: %w", err)
		}
		var blobLen = binary.BigEndian.Uint64(blobLenBuf[:])
		if blobLen > maxExtBlob {
			return Frame{}, fmt.Errorf("transport: extension blob length %d exceeds sanity ceiling", blobLen)
		}

		var blob = make([]byte, blobLen)
		if _, err := io.ReadFull(r, blob); err != nil {
			return Frame{}, fmt.Errorf("transport: reading extension blob: %w", err)
		}

		extensions = append(extensions, task.ExtEntry{ClassTag: string(tag), Blob: blob})
	}

	return Frame{Kind: kind, TaskID: taskID, Payload: payload, Extensions: extensions}, nil
}
