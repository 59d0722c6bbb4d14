package daemon

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/estuary/taskmesh/task"
	"github.com/estuary/taskmesh/transport"
)

var errBoom = errors.New("boom")

// fixture starts a listener, launches a Daemon dialing it in the
// background, and returns the dispatcher-side Socket once the daemon's
// connection has been accepted and sent its sticky setup frame.
func fixture(t *testing.T, opts Options) (*transport.Socket, *Daemon, func()) {
	t.Helper()

	ln, err := transport.Listen(transport.PairPipe, "tcp://127.0.0.1:0")
	require.NoError(t, err)

	url, err := transport.ResolveEphemeralPort("tcp://127.0.0.1:0", ln)
	require.NoError(t, err)
	opts.DialURL = url

	var d = New(opts)
	var runErrCh = make(chan error, 1)
	var ctx, cancel = context.WithCancel(context.Background())
	go func() { runErrCh <- d.Run(ctx) }()

	server, err := ln.Accept()
	require.NoError(t, err)

	require.NoError(t, server.Send(transport.Frame{Kind: transport.FrameSetup, Payload: []byte("setup")}))

	return server, d, func() {
		cancel()
		server.Close()
		ln.Close()
	}
}

func TestDaemonHandshakeAndEchoTask(t *testing.T) {
	var appliedSticky []byte
	var opts = Options{
		Sticky: func(p []byte, ext []task.ExtEntry) error { appliedSticky = append([]byte{}, p...); return nil },
	}
	server, _, teardown := fixture(t, opts)
	defer teardown()

	require.NoError(t, server.Send(transport.Frame{
		Kind:    transport.FrameTask,
		TaskID:  task.ID(7),
		Payload: []byte("ping"),
	}))

	result, err := server.Recv()
	require.NoError(t, err)
	require.Equal(t, transport.FrameResultOk, result.Kind)
	require.Equal(t, task.ID(7), result.TaskID)
	require.Equal(t, []byte("ping"), result.Payload)
	require.Equal(t, []byte("setup"), appliedSticky)
}

func TestDaemonEvalErrorCarriesMessage(t *testing.T) {
	var opts = Options{
		Eval: func(ctx context.Context, payload []byte, ext []task.ExtEntry) ([]byte, []task.ExtEntry, error) {
			return nil, nil, errBoom
		},
	}
	server, _, teardown := fixture(t, opts)
	defer teardown()

	require.NoError(t, server.Send(transport.Frame{Kind: transport.FrameTask, TaskID: task.ID(1)}))

	result, err := server.Recv()
	require.NoError(t, err)
	require.Equal(t, transport.FrameResultErr, result.Kind)

	message, _, err := task.DecodeEvalError(result.Payload)
	require.NoError(t, err)
	require.Equal(t, errBoom.Error(), message)
}

func TestDaemonReAppliesStickyOnSetupFrame(t *testing.T) {
	var count int
	var opts = Options{
		Sticky: func([]byte, []task.ExtEntry) error { count++; return nil },
	}
	server, _, teardown := fixture(t, opts)
	defer teardown()

	require.NoError(t, server.Send(transport.Frame{Kind: transport.FrameSetup, Payload: []byte("v2")}))

	ack, err := server.Recv()
	require.NoError(t, err)
	require.Equal(t, transport.FrameSetup, ack.Kind)
	require.Equal(t, 2, count) // handshake + this re-apply.
}

func TestDaemonShutdownFrameExitsCleanly(t *testing.T) {
	server, d, teardown := fixture(t, Options{})
	defer teardown()

	require.NoError(t, server.Send(transport.Frame{Kind: transport.FrameShutdown}))
	_ = d

	time.Sleep(50 * time.Millisecond) // Run's goroutine should have returned nil by now.
}
