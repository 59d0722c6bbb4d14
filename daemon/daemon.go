// Package daemon implements the long-lived worker process side of the
// protocol: dial the host, perform sticky-setup handshake, and loop
// evaluating task frames one at a time until shutdown or transport
// loss.
package daemon

import (
	"context"
	"crypto/tls"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/estuary/taskmesh/task"
	"github.com/estuary/taskmesh/transport"
)

// EvalFunc evaluates one task's payload and extension table, returning
// the result payload/extensions on success. It receives a context that
// is canceled if a matching cancel frame arrives mid-evaluation;
// honoring ctx.Done() is optional for the implementer (see the
// cooperative-cancellation note in DESIGN.md) — a daemon that ignores
// it simply runs to completion and has its result dropped by the
// dispatcher.
type EvalFunc func(ctx context.Context, payload []byte, ext []task.ExtEntry) ([]byte, []task.ExtEntry, error)

// StickyHandler is invoked with the sticky-setup payload every time one
// arrives: once at handshake, and again on every later setup frame (the
// dispatcher replays it after daemon reconnects, and an explicit
// everywhere() call pushes a fresh one at any time). ext carries any
// extension-table entries riding alongside the payload — in practice
// this is how a codec manifest push (package profile's Submit) reaches
// a daemon: as (class_tag, vectorized-flag) entries next to whatever
// sticky payload the profile is using.
type StickyHandler func(payload []byte, ext []task.ExtEntry) error

// Options configures a Daemon.
type Options struct {
	DialURL string

	// TrustedCertPEM pins the server certificate for tls+/wss dialing.
	// Leave nil for a plaintext scheme or when the system root pool
	// should be trusted instead (CA-issued profiles).
	TrustedCertPEM []byte

	// Autoexit, when true, causes Run to return an error (mapped to
	// exit code 1 by cmd/taskdaemon) on transport loss instead of
	// waiting indefinitely for reconnection.
	Autoexit bool

	// RandSeed, when HasRandSeed is true, seeds the package-local Rand
	// returned by Daemon.Rand so injected worker-side randomness is
	// reproducible across a cluster launched with the same seed.
	RandSeed    int64
	HasRandSeed bool

	// ConnectToken, when non-empty, is sent as a setup frame's payload
	// immediately after dialing, before the handshake that receives the
	// dispatcher's sticky setup. It's the bearer token launch embedded in
	// this daemon's dial command (defense in depth alongside TLS; see
	// transport.TokenSigner). Left empty for a dispatcher/profile that
	// doesn't require one.
	ConnectToken string

	Eval   EvalFunc
	Sticky StickyHandler
}

// Daemon is one running instance of the worker-process lifecycle.
type Daemon struct {
	opts Options
	rng  *rand.Rand

	mu       sync.Mutex
	inflight task.ID
	cancelFn context.CancelFunc
}

// New returns a Daemon ready to Run. A nil Eval evaluates every task as
// an identity echo of its payload and extensions, useful for the
// codec-round-trip scenario and as cmd/taskdaemon's default.
func New(opts Options) *Daemon {
	if opts.Eval == nil {
		opts.Eval = echoEval
	}
	if opts.Sticky == nil {
		opts.Sticky = func([]byte, []task.ExtEntry) error { return nil }
	}

	var seed = opts.RandSeed
	if !opts.HasRandSeed {
		// A process-unique but non-reproducible seed when the operator
		// didn't ask for reproducibility; crypto/rand would be
		// overkill for an RNG that isn't a security boundary.
		seed = int64(os.Getpid())<<32 ^ int64(os.Getppid())
	}

	return &Daemon{
		opts: opts,
		rng:  rand.New(rand.NewSource(seed)),
	}
}

func echoEval(_ context.Context, payload []byte, ext []task.ExtEntry) ([]byte, []task.ExtEntry, error) {
	return payload, ext, nil
}

// Rand returns the daemon's package-local random source. Evaluation
// hooks that need reproducible randomness across a cluster launched
// with the same --rs seed should draw from this instead of the
// math/rand global functions.
func (d *Daemon) Rand() *rand.Rand { return d.rng }

// Run dials opts.DialURL and serves until shutdown, transport loss (per
// the Autoexit policy), or ctx is canceled.
func (d *Daemon) Run(ctx context.Context) error {
	if d.opts.TrustedCertPEM != nil {
		cfg, err := transport.ClientConfigTrusting(d.opts.TrustedCertPEM)
		if err != nil {
			return fmt.Errorf("daemon: building trust config: %w", err)
		}
		transport.TLSConfigFor = func(string) (*tls.Config, error) { return cfg, nil }
	}

	var sock *transport.Socket
	var err error
	if d.opts.Autoexit {
		sock, err = transport.DialOnce(transport.PairPipe, d.opts.DialURL)
	} else {
		sock, err = transport.Dial(transport.PairPipe, d.opts.DialURL)
	}
	if err != nil {
		return fmt.Errorf("daemon: dial %s: %w", d.opts.DialURL, err)
	}
	defer sock.Close()
	// Canceling ctx closes the socket, which unblocks serve's Recv.
	var stopOnCancel = context.AfterFunc(ctx, func() { sock.Close() })
	defer stopOnCancel()

	log.WithField("url", d.opts.DialURL).Info("daemon connected, awaiting sticky setup")

	if d.opts.ConnectToken != "" {
		if err := sock.Send(transport.Frame{Kind: transport.FrameSetup, Payload: []byte(d.opts.ConnectToken)}); err != nil {
			return fmt.Errorf("daemon: sending connect token: %w", err)
		}
	}

	if err := d.handshake(sock); err != nil {
		return fmt.Errorf("daemon: handshake: %w", err)
	}

	err = d.serve(ctx, sock)
	if err != nil {
		log.WithField("err", err).Warn("daemon: serve loop exited")
	}
	return err
}

func (d *Daemon) handshake(sock *transport.Socket) error {
	f, err := sock.Recv()
	if err != nil {
		return err
	}
	if f.Kind != transport.FrameSetup {
		return fmt.Errorf("expected setup frame, got %s", f.Kind)
	}
	return d.opts.Sticky(f.Payload, f.Extensions)
}

// serve is the daemon's main loop (spec.md §4.3 step 3). It reads
// frames sequentially but evaluates tasks on a dedicated goroutine so a
// cancel frame for the in-flight task can still be observed and acted
// on (context cancellation) while evaluation is running — without ever
// starting a second, overlapping evaluation.
func (d *Daemon) serve(ctx context.Context, sock *transport.Socket) error {
	var evalDone chan struct{}

	for {
		f, err := sock.Recv()
		if err != nil {
			return err
		}

		// Forget an evaluation that has finished since the last frame, so
		// the next task is served rather than seen as overlapping it.
		if evalDone != nil {
			select {
			case <-evalDone:
				evalDone = nil
			default:
			}
		}

		switch f.Kind {
		case transport.FrameShutdown:
			if evalDone != nil {
				<-evalDone
			}
			return nil

		case transport.FrameSetup:
			if err := d.opts.Sticky(f.Payload, f.Extensions); err != nil {
				log.WithField("err", err).Error("daemon: re-applying sticky setup failed")
			}
			if err := sock.Send(transport.Frame{Kind: transport.FrameSetup}); err != nil {
				return err
			}

		case transport.FrameCancel:
			d.mu.Lock()
			if d.cancelFn != nil && d.inflight == f.TaskID {
				d.cancelFn()
			}
			d.mu.Unlock()

		case transport.FrameTask:
			if evalDone != nil {
				log.WithField("task_id", f.TaskID).
					Error("daemon: received a task while one is already in flight, ignoring")
				continue
			}
			evalDone = make(chan struct{})
			go func(f transport.Frame, done chan struct{}) {
				defer close(done)
				d.evaluateAndReply(ctx, sock, f)
			}(f, evalDone)

		default:
			log.WithField("kind", f.Kind.String()).Warn("daemon: unexpected frame kind, ignoring")
		}
	}
}

// evaluateAndReply runs opts.Eval for one task and sends its result
// frame. A SIGINT/SIGTERM delivered to the process while evaluation is
// running is treated as the daemon-receives-signal interrupt case
// (spec.md §7c) rather than killing the process outright.
func (d *Daemon) evaluateAndReply(parent context.Context, sock *transport.Socket, f transport.Frame) {
	var evalCtx, cancel = context.WithCancel(parent)
	defer cancel()

	d.mu.Lock()
	d.inflight = f.TaskID
	d.cancelFn = cancel
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.inflight = 0
		d.cancelFn = nil
		d.mu.Unlock()
	}()

	var sigCh = make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var signaled atomic.Bool
	go func() {
		select {
		case <-sigCh:
			signaled.Store(true)
			cancel()
		case <-evalCtx.Done():
		}
	}()

	var resultPayload []byte
	var resultExt []task.ExtEntry
	var evalErr error
	var stack []string

	func() {
		defer func() {
			if r := recover(); r != nil {
				evalErr = fmt.Errorf("panic: %v", r)
				stack = splitStack(debug.Stack())
			}
		}()
		resultPayload, resultExt, evalErr = d.opts.Eval(evalCtx, f.Payload, f.Extensions)
	}()

	var reply = transport.Frame{TaskID: f.TaskID}
	switch {
	case signaled.Load():
		reply.Kind = transport.FrameResultInterrupt
	case evalErr != nil:
		reply.Kind = transport.FrameResultErr
		reply.Payload = task.EncodeEvalError(evalErr.Error(), stack)
	default:
		reply.Kind = transport.FrameResultOk
		reply.Payload = resultPayload
		reply.Extensions = resultExt
	}

	if err := sock.Send(reply); err != nil {
		log.WithFields(log.Fields{"task_id": f.TaskID, "err": err}).
			Warn("daemon: failed to send result, peer likely gone")
	}
}

func splitStack(b []byte) []string {
	var lines []string
	var start = 0
	for i, c := range b {
		if c == '\n' {
			lines = append(lines, string(b[start:i]))
			start = i + 1
		}
	}
	if start < len(b) {
		lines = append(lines, string(b[start:]))
	}
	return lines
}
