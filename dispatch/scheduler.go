package dispatch

import (
	log "github.com/sirupsen/logrus"

	"github.com/estuary/taskmesh/transport"
)

// scheduleLoop is the dispatcher's main loop: it suspends on the
// "idle+queued" condition and, each time it wakes, assigns as many
// queued tasks as there are idle daemons (spec §5's suspension point
// for the dispatcher).
func (d *Dispatcher) scheduleLoop() {
	for range d.wake {
		for d.assignOne() {
		}
	}
}

// assignOne picks the least-loaded-then-lowest-index idle daemon for
// the head of the queue and sends it, reporting whether an assignment
// was made (so scheduleLoop can keep draining the queue in one wake).
func (d *Dispatcher) assignOne() bool {
	d.mu.Lock()
	if d.stopped || len(d.queue) == 0 {
		d.mu.Unlock()
		return false
	}

	var target *DaemonRecord
	for _, rec := range d.daemons {
		if !rec.Online || rec.InflightTaskID != 0 {
			continue
		}
		if target == nil || rec.AssignedCount < target.AssignedCount {
			target = rec
		}
		// Ties are already broken correctly: d.daemons is iterated in
		// ascending Index order and the first (lowest-index) minimum
		// seen is kept, since a later equal AssignedCount never
		// replaces it.
	}
	if target == nil {
		d.mu.Unlock()
		return false
	}

	var qt = d.queue[0]
	d.queue = d.queue[1:]
	d.reportQueueDepth()

	target.InflightTaskID = qt.t.ID
	target.AssignedCount++
	target.handle = qt.handle
	var sock = target.sock
	var slot = target.Index
	var profile = d.opts.Profile
	d.mu.Unlock()

	assignedCounter.WithLabelValues(profile).Inc()

	var err = sock.Send(transport.Frame{
		Kind:       transport.FrameTask,
		TaskID:     qt.t.ID,
		Payload:    qt.t.Payload,
		Extensions: qt.t.Extensions,
	})
	if err != nil {
		// The daemon vanished between being picked idle and the send
		// landing; admit's resultLoop will observe the same
		// socket error and publish TransportLost for this handle, so
		// nothing further is done here beyond logging.
		log.WithFields(log.Fields{"slot": slot, "task_id": qt.t.ID, "err": err}).
			Warn("dispatch: failed to send task to assigned daemon")
	}
	return true
}
