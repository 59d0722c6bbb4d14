package transport

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/estuary/taskmesh/task"
)

func TestFrameRoundTripWithTaskIDAndPayload(t *testing.T) {
	var want = Frame{
		Kind:    FrameTask,
		TaskID:  task.ID(0xDEADBEEF),
		Payload: []byte("hello task"),
		Extensions: []task.ExtEntry{
			{ClassTag: "ExtRef", Blob: []byte{1, 2, 3}},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, want))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestFrameRoundTripEmptyPayloadNoExtensions(t *testing.T) {
	var want = Frame{Kind: FrameShutdown}

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, want))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, FrameShutdown, got.Kind)
	require.Equal(t, task.ID(0), got.TaskID)
	require.Empty(t, got.Payload)
	require.Empty(t, got.Extensions)
}

func TestFrameCancelCarriesTaskID(t *testing.T) {
	var id = task.NewID()
	var want = Frame{Kind: FrameCancel, TaskID: id}

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, want))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, id, got.TaskID)
}

func TestFrameBadMagicRejected(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, Frame{Kind: FrameTask}))

	var corrupted = buf.Bytes()
	corrupted[0] ^= 0xFF

	_, err := ReadFrame(bytes.NewReader(corrupted))
	require.Error(t, err)
}

func TestFrameMultipleExtensionsPreserveOrder(t *testing.T) {
	var want = Frame{
		Kind: FrameResultOk,
		Extensions: []task.ExtEntry{
			{ClassTag: "A", Blob: []byte("one")},
			{ClassTag: "B", Blob: []byte{}},
			{ClassTag: "A", Blob: []byte("two")},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, want))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, want.Extensions, got.Extensions)
}
