// Package host implements the public host-client surface (spec §4.5):
// submit, poll, await, cancel, configure_daemons, status, everywhere,
// register_codec, and scoped_daemons. It is the thin layer that ties
// package profile (per-profile transport + daemon pool state) together
// with package launch (turning a configured pool into running daemon
// processes), so a caller never has to touch either directly.
package host

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/estuary/taskmesh/codec"
	"github.com/estuary/taskmesh/launch"
	"github.com/estuary/taskmesh/profile"
	"github.com/estuary/taskmesh/task"
)

// Host is the process-wide entry point. A program normally keeps a
// single Host alive for its lifetime; every operation is profile-scoped
// underneath via package profile's Registry.
type Host struct {
	registry *profile.Registry
	tunnels  *launch.Tunnels

	mu       sync.Mutex
	handles  map[tunnelKey]*launch.Handle // tunneled launch handles, by (profile, slot)
}

type tunnelKey struct {
	profile string
	slot    int
}

// New returns a Host with an empty profile registry and its own tunnel
// cache (spec §4.7's tunnel reuse is per-Host, not global process state).
func New() *Host {
	tunnels, err := launch.NewTunnels(64)
	if err != nil {
		// NewTunnels only fails on a non-positive capacity, which 64
		// never is.
		panic(fmt.Sprintf("host: building tunnel cache: %v", err))
	}
	return &Host{
		registry: profile.NewRegistry(),
		tunnels:  tunnels,
		handles:  make(map[tunnelKey]*launch.Handle),
	}
}

// Submit implements submit(task, profile?): never suspends, never
// errors — an unconfigured or torn-down profile just resolves the
// returned Handle to Canceled immediately.
func (h *Host) Submit(profileName string, payload []byte, ext []task.ExtEntry, timeout time.Duration) *task.Handle {
	var p = h.registry.GetOrCreate(profileName)
	var t = task.Task{
		ID:         task.NewID(),
		Payload:    payload,
		Extensions: ext,
		Timeout:    timeout,
	}
	return p.Submit(t)
}

// Poll implements poll(handle): non-blocking, never errors.
func (h *Host) Poll(handle *task.Handle) (task.State, task.Result, bool) {
	return handle.Poll()
}

// Await implements await(handle, deadline): blocks until handle
// resolves or deadline elapses. A deadline of zero waits forever. The
// handle itself is left untouched on timeout — it may still resolve
// later; the caller decides whether to Cancel it.
func (h *Host) Await(ctx context.Context, handle *task.Handle, deadline time.Duration) (task.Result, error) {
	if deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	var started = time.Now()
	select {
	case <-handle.Done():
		awaitWaitSeconds.Observe(time.Since(started).Seconds())
		_, r, _ := handle.Poll()
		return r, nil
	case <-ctx.Done():
		awaitWaitSeconds.Observe(time.Since(started).Seconds())
		awaitTimeoutsCounter.Inc()
		return task.Result{}, fmt.Errorf("host: await deadline exceeded for task %d: %w", handle.ID(), ctx.Err())
	}
}

// Cancel implements cancel(handle, profile?): idempotent.
func (h *Host) Cancel(profileName string, handle *task.Handle) {
	p, ok := h.registry.Get(profileName)
	if !ok {
		handle.Resolve(task.Result{Kind: task.Canceled})
		return
	}
	p.Cancel(handle)
}

// Status implements status(profile?).
func (h *Host) Status(profileName string) []profile.DaemonStatus {
	p, ok := h.registry.Get(profileName)
	if !ok {
		return nil
	}
	return p.Status()
}

// Everywhere implements everywhere(payload, profile?).
func (h *Host) Everywhere(profileName string, payload []byte) {
	h.registry.GetOrCreate(profileName).Everywhere(payload)
}

// RegisterCodec implements register_codec(tag, fns, vectorized, profile?).
func (h *Host) RegisterCodec(profileName, classTag string, serialize codec.SerializeFunc, deserialize codec.DeserializeFunc, vectorized bool) {
	h.registry.GetOrCreate(profileName).Codecs().Register(classTag, serialize, deserialize, vectorized)
}

// ScopedDaemons implements scoped_daemons(n) { body } (spec §4.5): the
// safe wrapper that guarantees configure_daemons(0) runs on every exit
// path, including a panic unwinding through body.
func (h *Host) ScopedDaemons(profileName string, opts ConfigureOptions, body func() error) error {
	if _, _, err := h.ConfigureDaemons(profileName, opts); err != nil {
		return err
	}
	defer h.ConfigureDaemons(profileName, ConfigureOptions{Count: 0})

	return body()
}
