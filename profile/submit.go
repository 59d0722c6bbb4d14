package profile

import (
	"fmt"
	"time"

	"github.com/estuary/taskmesh/task"
)

// Submit implements host submit(task, profile): places t on whichever
// transport this profile is configured for and returns a Handle
// immediately (spec §4.5 — submit never suspends, never errors).
//
// A nonzero t.Timeout starts a timer that resolves the Handle to
// task.Timeout if nothing else has resolved it first. Handle.Resolve's
// first-writer-wins idempotency means a result that arrives after the
// timer fires is simply dropped, and a result that arrives first stops
// the timeout from ever taking effect when it later fires.
//
// Registration is per-profile and pushed to all live daemons the next
// time a task is submitted against that profile (spec §4.2/§4.6):
// rather than a separate control-plane round trip, Submit re-pushes the
// current sticky setup payload with the codec manifest attached as an
// extension table, and does so only when the registry is dirty.
func (p *Profile) Submit(t task.Task) *task.Handle {
	t.Profile = p.Name
	if t.SubmittedAt.IsZero() {
		t.SubmittedAt = time.Now()
	}

	p.pushCodecManifestIfDirty()

	p.mu.Lock()
	var disp = p.disp
	var direct = p.direct
	p.mu.Unlock()

	var h *task.Handle
	switch {
	case disp != nil:
		h = disp.Submit(t)
	case direct != nil:
		h = direct.submit(t)
	default:
		h = task.NewHandle(t.ID)
		h.Resolve(task.Result{Kind: task.Canceled})
		return h
	}

	if t.Timeout > 0 {
		time.AfterFunc(t.Timeout, func() {
			h.Resolve(task.Result{Kind: task.Timeout})
		})
	}
	return h
}

// pushCodecManifestIfDirty pushes a manifest of registered class tags to
// every live daemon when the profile's codec registry has changed since
// the last push. The manifest carries class tags and vectorized flags
// only — the actual serialize/deserialize closures are process-local;
// a daemon resolves each tag against its own locally registered codec.
func (p *Profile) pushCodecManifestIfDirty() {
	if !p.codecs.PullDirty() {
		return
	}

	var entries = p.codecs.Snapshot()
	var ext = make([]task.ExtEntry, len(entries))
	for i, e := range entries {
		var blob = []byte{0}
		if e.Vectorized {
			blob[0] = 1
		}
		ext[i] = task.ExtEntry{ClassTag: e.ClassTag, Blob: blob}
	}

	p.mu.Lock()
	var disp = p.disp
	var direct = p.direct
	var sticky = p.sticky
	p.mu.Unlock()

	if disp != nil {
		disp.EverywhereExt(sticky, ext)
	}
	if direct != nil {
		direct.everywhereExt(sticky, ext)
	}
}

// Cancel implements cancel(handle): idempotent, resolves h to Canceled
// whether pending or in-flight.
func (p *Profile) Cancel(h *task.Handle) {
	p.mu.Lock()
	var disp = p.disp
	var direct = p.direct
	p.mu.Unlock()

	if disp != nil {
		disp.Cancel(h)
		return
	}
	if direct != nil {
		direct.cancel(h)
		return
	}
}

// DaemonStatus is the per-slot row of status(profile)'s daemon matrix
// (spec §6), shaped the same whether the profile is dispatcher-mediated
// or direct so host.Status() doesn't need to branch on mode.
type DaemonStatus struct {
	Index           int
	URL             string
	Online          bool
	InstanceCounter int64
	AssignedCount   uint64
	CompleteCount   uint64
}

// MintConnectToken mints a fresh connect token for the given slot,
// recording that slot's current instance counter in it. Admission
// checks only the token's profile and slot; the recorded counter is not
// compared with the slot's current one, so a token minted before a
// reconnect still admits. Used by package host to embed a token in a LaunchPlan's Descriptor.
func (p *Profile) MintConnectToken(slotIndex int) (string, error) {
	p.mu.Lock()
	var signer = p.signer
	p.mu.Unlock()

	var instanceCounter int64
	for _, s := range p.Status() {
		if s.Index == slotIndex {
			instanceCounter = s.InstanceCounter
			break
		}
	}

	tok, err := signer.Mint(p.Name, slotIndex, instanceCounter)
	if err != nil {
		return "", fmt.Errorf("profile %q: minting connect token for slot %d: %w", p.Name, slotIndex, err)
	}
	return tok, nil
}

// Status returns the current daemon matrix for status(profile).
func (p *Profile) Status() []DaemonStatus {
	p.mu.Lock()
	var disp = p.disp
	var direct = p.direct
	p.mu.Unlock()

	if disp != nil {
		var recs = disp.Status()
		var out = make([]DaemonStatus, len(recs))
		for i, r := range recs {
			out[i] = DaemonStatus{Index: r.Index, URL: r.URL, Online: r.Online, InstanceCounter: r.InstanceCounter, AssignedCount: r.AssignedCount, CompleteCount: r.CompleteCount}
		}
		return out
	}
	if direct != nil {
		var slots = direct.status()
		var out = make([]DaemonStatus, len(slots))
		for i, s := range slots {
			out[i] = DaemonStatus{Index: s.index, URL: s.url, Online: s.online}
		}
		return out
	}
	return nil
}
