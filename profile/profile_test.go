package profile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/estuary/taskmesh/task"
	"github.com/estuary/taskmesh/transport"
)

func awaitHandle(t *testing.T, h *task.Handle) task.Result {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("handle did not resolve in time")
	}
	_, r, _ := h.Poll()
	return r
}

// fakeDaemon dials a slot the way a launched daemon does: it presents a
// connect token minted for the slot, then waits for the sticky setup.
func fakeDaemon(t *testing.T, p *Profile, slot DaemonStatus) *transport.Socket {
	t.Helper()
	token, err := p.MintConnectToken(slot.Index)
	require.NoError(t, err)
	sock, err := transport.Dial(transport.PairPipe, slot.URL)
	require.NoError(t, err)
	require.NoError(t, sock.Send(transport.Frame{Kind: transport.FrameSetup, Payload: []byte(token)}))
	f, err := sock.Recv()
	require.NoError(t, err)
	require.Equal(t, transport.FrameSetup, f.Kind)
	return sock
}

func TestDefaultProfileNotAutoCreated(t *testing.T) {
	var r = NewRegistry()
	_, ok := r.Get(Default)
	require.False(t, ok)
}

func TestConfigureDaemonsDispatcherModeEchoRoundTrip(t *testing.T) {
	var r = NewRegistry()
	var p = r.GetOrCreate(Default)

	n, err := p.ConfigureDaemons(ConfigureOptions{Count: 1, Dispatcher: true})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	t.Cleanup(func() { p.ConfigureDaemons(ConfigureOptions{Count: 0}) })

	var statuses = p.Status()
	require.Len(t, statuses, 1)

	var daemon = fakeDaemon(t, p, statuses[0])
	defer daemon.Close()

	var h = p.Submit(task.Task{ID: task.NewID(), Payload: []byte("ping")})

	f, err := daemon.Recv()
	require.NoError(t, err)
	require.NoError(t, daemon.Send(transport.Frame{Kind: transport.FrameResultOk, TaskID: f.TaskID, Payload: f.Payload}))

	var result = awaitHandle(t, h)
	require.Equal(t, task.Ok, result.Kind)
	require.Equal(t, []byte("ping"), result.Payload)
}

func TestConfigureDaemonsDirectModeRoundTrip(t *testing.T) {
	var r = NewRegistry()
	var p = r.GetOrCreate("batch")

	n, err := p.ConfigureDaemons(ConfigureOptions{Count: 1, Dispatcher: false})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	t.Cleanup(func() { p.ConfigureDaemons(ConfigureOptions{Count: 0}) })

	var statuses = p.Status()
	require.Len(t, statuses, 1)

	sock, err := transport.Dial(transport.ReqRep, statuses[0].URL)
	require.NoError(t, err)
	defer sock.Close()

	token, err := p.MintConnectToken(statuses[0].Index)
	require.NoError(t, err)
	require.NoError(t, sock.Send(transport.Frame{Kind: transport.FrameSetup, Payload: []byte(token)}))

	f, err := sock.Recv()
	require.NoError(t, err)
	require.Equal(t, transport.FrameSetup, f.Kind)

	var h = p.Submit(task.Task{ID: task.NewID(), Payload: []byte("pong")})

	taskFrame, err := sock.Recv()
	require.NoError(t, err)
	require.NoError(t, sock.Send(transport.Frame{Kind: transport.FrameResultOk, TaskID: taskFrame.TaskID, Payload: taskFrame.Payload}))

	var result = awaitHandle(t, h)
	require.Equal(t, task.Ok, result.Kind)
	require.Equal(t, []byte("pong"), result.Payload)
}

func TestConfigureDaemonsModeSwitchRequiresTeardownFirst(t *testing.T) {
	var r = NewRegistry()
	var p = r.GetOrCreate(Default)

	_, err := p.ConfigureDaemons(ConfigureOptions{Count: 1, Dispatcher: true})
	require.NoError(t, err)

	_, err = p.ConfigureDaemons(ConfigureOptions{Count: 1, Dispatcher: false})
	require.Error(t, err)

	_, err = p.ConfigureDaemons(ConfigureOptions{Count: 0})
	require.NoError(t, err)
}

func TestSubmitWithoutConfiguredDaemonsResolvesCanceled(t *testing.T) {
	var r = NewRegistry()
	var p = r.GetOrCreate(Default)

	var h = p.Submit(task.Task{ID: task.NewID(), Payload: []byte("x")})
	var result = awaitHandle(t, h)
	require.Equal(t, task.Canceled, result.Kind)
}

func TestResetTearsDownAndRemovesProfile(t *testing.T) {
	var r = NewRegistry()
	var p = r.GetOrCreate("gpu")

	_, err := p.ConfigureDaemons(ConfigureOptions{Count: 1, Dispatcher: true})
	require.NoError(t, err)

	r.Reset("gpu")

	_, ok := r.Get("gpu")
	require.False(t, ok)
}
