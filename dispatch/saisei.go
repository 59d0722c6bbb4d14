package dispatch

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/estuary/taskmesh/transport"
)

// Saisei regenerates slot index's listen URL, invalidating any
// in-flight connection attempt against the old one. If the slot is
// currently online, its connection is treated as a disconnect first
// (publishing TransportLost for any in-flight task, same as ordinary
// transport loss) before the new listener replaces the old one.
//
// instance_counter is set to the negated magnitude of its current value
// — "repositive on next connect" (see DESIGN.md's resolution of the
// spec's open question) — so status() can distinguish "awaiting a fresh
// daemon on the regenerated URL" from an ordinary online/offline slot.
func (d *Dispatcher) Saisei(index int) error {
	d.mu.Lock()
	if index < 0 || index >= len(d.daemons) {
		d.mu.Unlock()
		return fmt.Errorf("dispatch: slot %d out of range", index)
	}
	var rec = d.daemons[index]
	var wasOnline = rec.Online
	var sock = rec.sock
	var oldListener = rec.listener
	d.mu.Unlock()

	if wasOnline {
		d.onDisconnect(rec, sock)
	}

	oldListener.Close()

	var rawURL = d.opts.NewURL(index)
	ln, err := transport.Listen(transport.PairPipe, rawURL)
	if err != nil {
		return fmt.Errorf("dispatch: saisei slot %d: listening on %q: %w", index, rawURL, err)
	}
	resolved, err := transport.ResolveEphemeralPort(rawURL, ln)
	if err != nil {
		ln.Close()
		return fmt.Errorf("dispatch: saisei slot %d: resolving url: %w", index, err)
	}

	d.mu.Lock()
	rec.URL = resolved
	rec.listener = ln
	var magnitude = rec.InstanceCounter
	if magnitude < 0 {
		magnitude = -magnitude
	}
	if magnitude == 0 {
		magnitude = 1 // Never-yet-connected slot still needs a negative marker.
	}
	rec.InstanceCounter = -magnitude
	d.mu.Unlock()

	log.WithFields(log.Fields{"slot": index, "url": resolved}).Info("dispatch: slot url regenerated (saisei)")

	go d.acceptLoop(rec)
	return nil
}
