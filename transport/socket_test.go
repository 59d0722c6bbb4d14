package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/estuary/taskmesh/task"
)

func TestTCPListenDialSendRecv(t *testing.T) {
	ln, err := Listen(PairPipe, "tcp://127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	url, err := ResolveEphemeralPort("tcp://127.0.0.1:0", ln)
	require.NoError(t, err)

	var acceptedCh = make(chan *Socket, 1)
	go func() {
		s, err := ln.Accept()
		require.NoError(t, err)
		acceptedCh <- s
	}()

	client, err := Dial(PairPipe, url)
	require.NoError(t, err)
	defer client.Close()

	server := <-acceptedCh
	defer server.Close()

	require.NoError(t, client.Send(Frame{Kind: FrameTask, TaskID: task.ID(42), Payload: []byte("hi")}))

	got, err := server.Recv()
	require.NoError(t, err)
	require.Equal(t, task.ID(42), got.TaskID)
	require.Equal(t, []byte("hi"), got.Payload)
}

func TestPollReportsFrameReadyWithoutConsuming(t *testing.T) {
	ln, err := Listen(PushPull, "tcp://127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	url, err := ResolveEphemeralPort("tcp://127.0.0.1:0", ln)
	require.NoError(t, err)

	var acceptedCh = make(chan *Socket, 1)
	go func() {
		s, err := ln.Accept()
		require.NoError(t, err)
		acceptedCh <- s
	}()

	client, err := Dial(PushPull, url)
	require.NoError(t, err)
	defer client.Close()

	server := <-acceptedCh
	defer server.Close()

	require.False(t, server.Poll())
	require.NoError(t, client.Send(Frame{Kind: FrameShutdown}))

	require.Eventually(t, func() bool { return server.Poll() }, time.Second, 5*time.Millisecond)

	_, err = server.Recv()
	require.NoError(t, err)
}

func TestSocketCloseUnblocksRecv(t *testing.T) {
	ln, err := Listen(ReqRep, "tcp://127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	url, err := ResolveEphemeralPort("tcp://127.0.0.1:0", ln)
	require.NoError(t, err)

	var acceptedCh = make(chan *Socket, 1)
	go func() {
		s, err := ln.Accept()
		require.NoError(t, err)
		acceptedCh <- s
	}()

	client, err := Dial(ReqRep, url)
	require.NoError(t, err)
	server := <-acceptedCh
	defer server.Close()

	require.NoError(t, client.Close())

	_, err = client.Recv()
	require.ErrorIs(t, err, ErrClosed)
}

func TestServerAcceptedSocketHasNoRedial(t *testing.T) {
	ln, err := Listen(ReqRep, "tcp://127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	url, err := ResolveEphemeralPort("tcp://127.0.0.1:0", ln)
	require.NoError(t, err)

	var acceptedCh = make(chan *Socket, 1)
	go func() {
		s, err := ln.Accept()
		require.NoError(t, err)
		acceptedCh <- s
	}()

	client, err := Dial(ReqRep, url)
	require.NoError(t, err)

	server := <-acceptedCh
	require.NoError(t, client.Close())

	// The accepted side never redials: losing its one peer is terminal,
	// and Recv must report that rather than hang.
	_, err = server.Recv()
	require.Error(t, err)
}

func TestAbstractSocketPathNonEmpty(t *testing.T) {
	var path = abstractSocketPath("taskmesh-test")
	require.NotEmpty(t, path)
}
