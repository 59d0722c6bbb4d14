package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Kind distinguishes the three socket roles the dispatcher and daemon
// use. The wire framing is identical for all three; kind only changes
// how a Listener/Dial pair is expected to be used by callers.
type Kind int

const (
	// ReqRep is paired request/response, used by direct-mode task
	// submission where the host plays requester.
	ReqRep Kind = iota
	// PushPull is a many-to-one queue, used by dispatcher-mediated mode
	// where daemons pull.
	PushPull
	// PairPipe is a bidirectional persistent channel, used between the
	// dispatcher and each individual daemon.
	PairPipe
)

func (k Kind) String() string {
	switch k {
	case ReqRep:
		return "req/rep"
	case PushPull:
		return "push/pull"
	case PairPipe:
		return "pair/pipe"
	default:
		return "unknown"
	}
}

// ErrClosed is returned by Send/Recv after Close.
var ErrClosed = errors.New("transport: socket closed")

const redialBackoffInitial = 100 * time.Millisecond
const redialBackoffMax = 5 * time.Second

// Socket is a single framed connection, with deliver-or-lose-with-signal
// semantics: a Send or Recv that can't complete because the peer is gone
// returns an error rather than blocking forever or silently discarding
// work, and a socket opened with Dial auto-redials on transient loss
// rather than requiring the caller to re-establish it by hand.
//
// Reads happen on a background goroutine so Poll can report frame
// readiness without consuming anything; Recv drains the same channel.
type Socket struct {
	kind Kind
	url  string // empty for listener-accepted sockets, which never redial

	mu     sync.Mutex
	conn   net.Conn
	closed bool

	// writeMu serializes Send calls against the current conn. It's
	// separate from mu so a slow write never blocks swapConn from
	// completing a redial.
	writeMu sync.Mutex

	recvCh    chan Frame
	recvErrCh chan error

	redial func() (net.Conn, error)
}

// newOpenSocket wires up a Socket around an already-connected net.Conn
// and starts its background read loop.
func newOpenSocket(kind Kind, conn net.Conn, url string, redial func() (net.Conn, error)) *Socket {
	var s = &Socket{
		kind:      kind,
		url:       url,
		conn:      conn,
		recvCh:    make(chan Frame, 16),
		recvErrCh: make(chan error, 1),
		redial:    redial,
	}
	go s.readLoop()
	return s
}

// readLoop continuously decodes frames off the current connection,
// redialing on transient loss when a dialer is available, and giving up
// permanently (reporting through recvErrCh) when it isn't or redial
// itself fails terminally (e.g. the socket was closed concurrently).
func (s *Socket) readLoop() {
	var backoff = redialBackoffInitial
	for {
		var conn = s.currentConn()
		if conn == nil {
			return // closed.
		}

		f, err := ReadFrame(conn)
		if err == nil {
			backoff = redialBackoffInitial
			s.recvCh <- f // Blocks if the owner isn't draining; never drops a decoded frame.
			continue
		}

		if s.isClosed() {
			return
		}

		if s.redial == nil {
			s.failPermanently(fmt.Errorf("transport: %s connection lost: %w", s.url, err))
			return
		}

		log.WithFields(log.Fields{"url": s.url, "kind": s.kind.String(), "err": err}).
			Warn("transport connection lost, redialing")

		newConn, derr := s.redialWithBackoff(&backoff)
		if derr != nil {
			s.failPermanently(fmt.Errorf("transport: %s redial abandoned: %w", s.url, derr))
			return
		}
		s.swapConn(newConn)
	}
}

func (s *Socket) redialWithBackoff(backoff *time.Duration) (net.Conn, error) {
	for {
		if s.isClosed() {
			return nil, ErrClosed
		}
		conn, err := s.redial()
		if err == nil {
			return conn, nil
		}
		log.WithFields(log.Fields{"url": s.url, "err": err, "backoff": *backoff}).
			Debug("redial attempt failed")
		time.Sleep(*backoff)
		*backoff *= 2
		if *backoff > redialBackoffMax {
			*backoff = redialBackoffMax
		}
	}
}

func (s *Socket) currentConn() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.conn
}

func (s *Socket) swapConn(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		conn.Close()
		return
	}
	s.conn.Close()
	s.conn = conn
}

func (s *Socket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Socket) failPermanently(err error) {
	select {
	case s.recvErrCh <- err:
	default:
	}
}

// Send writes f to the peer. It does not retry: a caller that wants
// delivery despite a concurrent redial should retry itself, matching
// the deliver-or-lose-with-signal contract (Send signals by returning
// the error instead of swallowing it). Concurrent Send calls on the
// same Socket are serialized so two goroutines (e.g. a daemon's setup
// ack and its in-flight task result) never interleave their frame
// bytes on the wire.
func (s *Socket) Send(f Frame) error {
	s.mu.Lock()
	var conn = s.conn
	var closed = s.closed
	s.mu.Unlock()

	if closed {
		return ErrClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := WriteFrame(conn, f); err != nil {
		return fmt.Errorf("transport: send on %s: %w", s.url, err)
	}
	return nil
}

// Recv blocks until a frame has been fully decoded, the socket is
// closed, or the read loop gives up permanently (no dialer, or redial
// exhausted).
func (s *Socket) Recv() (Frame, error) {
	select {
	case f := <-s.recvCh:
		return f, nil
	case err := <-s.recvErrCh:
		return Frame{}, err
	}
}

// Poll reports whether a frame is already decoded and waiting, without
// consuming it. It never blocks. Callers that need an error signal
// (permanent read failure) still have to call Recv; Poll only answers
// "is there a frame ready right now".
func (s *Socket) Poll() bool {
	return len(s.recvCh) > 0
}

// Close tears down the socket. Send/Recv after Close return
// ErrClosed (Recv via a buffered error already queued by readLoop's
// next wakeup, or immediately if called after the conn is gone).
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var conn = s.conn
	s.mu.Unlock()

	s.failPermanently(ErrClosed)
	return conn.Close()
}

// URL returns the dial target this socket was opened against, or "" for
// a socket accepted by a Listener.
func (s *Socket) URL() string { return s.url }

// Kind returns the socket's role.
func (s *Socket) Kind() Kind { return s.kind }

// Listener accepts inbound connections and wraps each as a Socket. It
// never redials — an accepted connection that's lost is simply gone;
// the dispatcher's membership logic (package dispatch) decides whether
// to wait for the daemon to reconnect.
type Listener struct {
	kind Kind
	ln   net.Listener
	url  string
}

// Accept blocks for the next inbound connection and returns it wrapped
// as a Socket. io.EOF-equivalent errors (listener closed) propagate
// unwrapped so callers can distinguish shutdown from a real failure.
func (l *Listener) Accept() (*Socket, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return newOpenSocket(l.kind, conn, "", nil), nil
}

// Addr returns the listener's bound address, useful for resolving an
// ephemeral port-0 bind back to a concrete port.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ln.Close() }

// Listen binds url and returns a Listener of the given kind.
func Listen(kind Kind, url string) (*Listener, error) {
	ln, err := listenURL(url)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", url, err)
	}
	return &Listener{kind: kind, ln: ln, url: url}, nil
}

// Dial connects to url and returns a Socket of the given kind that
// auto-redials to the same url on transient loss.
func Dial(kind Kind, url string) (*Socket, error) {
	conn, err := dialURL(url)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	var redial = func() (net.Conn, error) { return dialURL(url) }
	return newOpenSocket(kind, conn, url, redial), nil
}

// DialOnce connects to url like Dial, but the returned Socket never
// redials: a transient loss surfaces as a permanent Recv error instead
// of being retried. This is what a daemon started with --no-autoexit's
// opposite (the default, autoexit=true) should use: "exit the process
// on transport loss" only makes sense if loss is actually terminal from
// the Socket's point of view.
func DialOnce(kind Kind, url string) (*Socket, error) {
	conn, err := dialURL(url)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	return newOpenSocket(kind, conn, url, nil), nil
}

var _ io.Closer = (*Socket)(nil)
var _ io.Closer = (*Listener)(nil)
