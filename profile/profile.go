// Package profile implements the named, independent compute-profile
// registry (spec §4.6): a process-wide table keyed by profile name,
// where "default" is just another entry. Every profile owns its
// transport mode, listen URLs, TLS material, codec registrations, and
// sticky-setup payload.
package profile

import (
	"fmt"
	"sync"

	"github.com/estuary/taskmesh/codec"
	"github.com/estuary/taskmesh/dispatch"
	"github.com/estuary/taskmesh/transport"
)

// Default is the name every operation falls back to when no profile is
// given — it is not otherwise distinguished from any other entry.
const Default = "default"

// Mode selects how submitted tasks reach daemons for one profile.
type Mode int

const (
	// DispatcherMediated routes every task through a dispatch.Dispatcher
	// enforcing FIFO order and least-loaded assignment.
	DispatcherMediated Mode = iota
	// Direct has the host hand tasks round-robin to per-slot ReqRep
	// sockets with no central scheduler: not guaranteed FIFO or
	// least-loaded (spec §4.4's documented
	// trade-off for callers who want no intermediary).
	Direct
)

func (m Mode) String() string {
	if m == Direct {
		return "Direct"
	}
	return "DispatcherMediated"
}

// TLSPolicy is a profile's TLS posture for both listening and dialing.
type TLSPolicy struct {
	Enabled bool
	// TrustedCertPEM is handed to daemons dialing in (so they can pin
	// the host's certificate) regardless of whether it came from an
	// ephemeral or CA-issued certificate.
	TrustedCertPEM []byte
}

// Profile is one named configuration of (dispatcher or direct queue,
// daemon set, transport URLs, codecs, sticky setup).
type Profile struct {
	Name string
	Mode Mode
	TLS  TLSPolicy

	mu     sync.Mutex
	disp   *dispatch.Dispatcher // non-nil in DispatcherMediated mode once slots > 0
	direct *directQueue         // non-nil in Direct mode once slots > 0
	codecs *codec.Registry
	sticky []byte
	signer *transport.TokenSigner
}

// Registry is the process-wide table of named profiles.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

// NewRegistry returns an empty Registry. A freshly constructed Registry
// has no "default" entry until the caller configures one — matching the
// spec's "default is just another entry," never auto-created.
func NewRegistry() *Registry {
	return &Registry{profiles: make(map[string]*Profile)}
}

// Get returns the named profile, or false if it hasn't been configured.
func (r *Registry) Get(name string) (*Profile, bool) {
	if name == "" {
		name = Default
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[name]
	return p, ok
}

// GetOrCreate returns the named profile, creating an empty one (zero
// daemons, DispatcherMediated, no TLS) on first reference.
func (r *Registry) GetOrCreate(name string) *Profile {
	if name == "" {
		name = Default
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.profiles[name]; ok {
		return p
	}

	signer, err := transport.NewTokenSigner()
	if err != nil {
		// crypto/rand failing here means the host is unusable for
		// anything security-sensitive; there's no meaningful recovery.
		panic(fmt.Sprintf("profile: generating connect-token signer for %q: %v", name, err))
	}

	var p = &Profile{Name: name, codecs: codec.NewRegistry(), signer: signer}
	r.profiles[name] = p
	return p
}

// Names returns every configured profile name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names = make([]string, 0, len(r.profiles))
	for n := range r.profiles {
		names = append(names, n)
	}
	return names
}

// Reset tears down and removes the named profile entirely (an explicit
// profile destroy, distinct from configure_daemons(0) which keeps the
// profile entry but empties its daemon set).
func (r *Registry) Reset(name string) {
	if name == "" {
		name = Default
	}
	r.mu.Lock()
	p, ok := r.profiles[name]
	delete(r.profiles, name)
	r.mu.Unlock()

	if ok {
		p.shutdownLocked()
	}
}

// Codecs returns the profile's codec registry (shared with package
// host's register_codec operation).
func (p *Profile) Codecs() *codec.Registry { return p.codecs }

// Dispatcher returns the profile's dispatcher, if configured in
// DispatcherMediated mode with at least one daemon slot.
func (p *Profile) Dispatcher() (*dispatch.Dispatcher, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disp, p.disp != nil
}

func (p *Profile) shutdownLocked() {
	p.mu.Lock()
	var disp = p.disp
	var direct = p.direct
	p.disp = nil
	p.direct = nil
	p.mu.Unlock()

	if disp != nil {
		disp.Shutdown()
	}
	if direct != nil {
		direct.shutdown()
	}
}

func (p *Profile) validateModeSwitch(want Mode) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disp != nil && want == Direct {
		return fmt.Errorf("profile %q: already configured DispatcherMediated, cannot switch to Direct without configure_daemons(0) first", p.Name)
	}
	if p.direct != nil && want == DispatcherMediated {
		return fmt.Errorf("profile %q: already configured Direct, cannot switch to DispatcherMediated without configure_daemons(0) first", p.Name)
	}
	return nil
}
