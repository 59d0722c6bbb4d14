package host

import (
	"context"
	"testing"
	"time"

	"github.com/bradleyjkemp/cupaloy"
	"github.com/stretchr/testify/require"

	"github.com/estuary/taskmesh/transport"
)

// fakeDaemon dials a slot the way a launched daemon does: it presents a
// connect token minted for the slot, then waits for the sticky setup.
func fakeDaemon(t *testing.T, h *Host, profileName string, info LaunchInfo) *transport.Socket {
	t.Helper()
	p, ok := h.registry.Get(profileName)
	require.True(t, ok)
	token, err := p.MintConnectToken(info.SlotIndex)
	require.NoError(t, err)
	sock, err := transport.Dial(transport.PairPipe, info.URL)
	require.NoError(t, err)
	require.NoError(t, sock.Send(transport.Frame{Kind: transport.FrameSetup, Payload: []byte(token)}))
	f, err := sock.Recv()
	require.NoError(t, err)
	require.Equal(t, transport.FrameSetup, f.Kind)
	return sock
}

func TestSubmitPollAwaitRoundTrip(t *testing.T) {
	var h = New()
	n, infos, err := h.ConfigureDaemons("default", ConfigureOptions{Count: 1, Dispatcher: true})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, infos, 1)
	t.Cleanup(func() { h.ConfigureDaemons("default", ConfigureOptions{Count: 0}) })

	var daemon = fakeDaemon(t, h, "default", infos[0])
	defer daemon.Close()

	var handle = h.Submit("default", []byte("ping"), nil, 0)

	state, _, resolved := h.Poll(handle)
	require.False(t, resolved)
	require.Equal(t, "Pending", state.String())

	f, err := daemon.Recv()
	require.NoError(t, err)
	require.NoError(t, daemon.Send(transport.Frame{Kind: transport.FrameResultOk, TaskID: f.TaskID, Payload: f.Payload}))

	result, err := h.Await(context.Background(), handle, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, []byte("ping"), result.Payload)
}

func TestAwaitDeadlineExceeded(t *testing.T) {
	var h = New()
	_, infos, err := h.ConfigureDaemons("default", ConfigureOptions{Count: 1, Dispatcher: true})
	require.NoError(t, err)
	t.Cleanup(func() { h.ConfigureDaemons("default", ConfigureOptions{Count: 0}) })

	var daemon = fakeDaemon(t, h, "default", infos[0])
	defer daemon.Close()

	var handle = h.Submit("default", []byte("never answered"), nil, 0)

	// Drain the task frame but never reply — the daemon is holding it.
	_, err = daemon.Recv()
	require.NoError(t, err)

	_, err = h.Await(context.Background(), handle, 20*time.Millisecond)
	require.Error(t, err)
}

func TestCancelIdempotent(t *testing.T) {
	var h = New()
	_, infos, err := h.ConfigureDaemons("default", ConfigureOptions{Count: 1, Dispatcher: true})
	require.NoError(t, err)
	t.Cleanup(func() { h.ConfigureDaemons("default", ConfigureOptions{Count: 0}) })

	var daemon = fakeDaemon(t, h, "default", infos[0])
	defer daemon.Close()

	var handle = h.Submit("default", []byte("x"), nil, 0)
	_, err = daemon.Recv()
	require.NoError(t, err)

	h.Cancel("default", handle)
	h.Cancel("default", handle)

	result, err := h.Await(context.Background(), handle, time.Second)
	require.NoError(t, err)
	require.Equal(t, "Canceled", result.Kind.String())
}

func TestScopedDaemonsTearsDownOnBodyError(t *testing.T) {
	var h = New()

	err := h.ScopedDaemons("batch", ConfigureOptions{Count: 1, Dispatcher: false}, func() error {
		require.Len(t, h.Status("batch"), 1)
		return context.DeadlineExceeded
	})
	require.Error(t, err)

	require.Empty(t, h.Status("batch"))
}

func TestRegisterCodecMarksRegistryDirty(t *testing.T) {
	var h = New()
	h.RegisterCodec("default", "Ref",
		func(objs []any) ([][]byte, error) { return make([][]byte, len(objs)), nil },
		func(blobs [][]byte) ([]any, error) { return make([]any, len(blobs)), nil },
		false)

	p, ok := h.registry.Get("default")
	require.True(t, ok)
	_, found := p.Codecs().Lookup("Ref")
	require.True(t, found)
	require.True(t, p.Codecs().PullDirty())
}

func TestStatusSnapshotShape(t *testing.T) {
	var h = New()
	_, _, err := h.ConfigureDaemons("default", ConfigureOptions{Count: 2, Dispatcher: true})
	require.NoError(t, err)
	t.Cleanup(func() { h.ConfigureDaemons("default", ConfigureOptions{Count: 0}) })

	var statuses = h.Status("default")
	require.Len(t, statuses, 2)

	// Snapshot only the shape that's stable across runs — URLs carry an
	// OS-assigned ephemeral port and would make every run a new snapshot.
	type shape struct {
		Index           int
		Online          bool
		InstanceCounter int64
		AssignedCount   uint64
		CompleteCount   uint64
	}
	var shapes = make([]shape, len(statuses))
	for i, s := range statuses {
		shapes[i] = shape{Index: s.Index, Online: s.Online, InstanceCounter: s.InstanceCounter, AssignedCount: s.AssignedCount, CompleteCount: s.CompleteCount}
	}
	cupaloy.SnapshotT(t, shapes)
}
