package profile

import evanjsonpatch "github.com/evanphx/json-patch/v5"

// Everywhere implements everywhere(payload): replace the sticky setup
// script and push it to every current daemon of the profile; future
// connects receive it at handshake (spec §4.5).
func (p *Profile) Everywhere(payload []byte) {
	p.mu.Lock()
	p.sticky = append([]byte(nil), payload...)
	var disp = p.disp
	var direct = p.direct
	p.mu.Unlock()

	if disp != nil {
		disp.Everywhere(payload)
	}
	if direct != nil {
		direct.everywhere(payload)
	}
}

// EverywherePatch applies a JSON merge patch to the current sticky
// setup payload instead of replacing it outright, so a caller changing
// one field of a structured setup script need only supply that field.
// The merge happens on the host; the full merged document is what
// Everywhere then pushes to daemons. Both payloads must be JSON
// documents; a profile using an opaque (non-JSON) sticky payload should
// call Everywhere directly.
func (p *Profile) EverywherePatch(patch []byte) error {
	p.mu.Lock()
	var current = p.sticky
	p.mu.Unlock()

	merged, err := evanjsonpatch.MergePatch(current, patch)
	if err != nil {
		return err
	}
	p.Everywhere(merged)
	return nil
}
