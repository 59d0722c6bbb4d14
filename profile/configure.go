package profile

import (
	"crypto/tls"
	"fmt"
	"net/url"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/estuary/taskmesh/dispatch"
	"github.com/estuary/taskmesh/transport"
)

// ConfigureOptions is the configure_daemons(n, url?, tls?, dispatcher?)
// argument bundle (spec §4.5).
type ConfigureOptions struct {
	Count int

	// BaseURL, if set, is used as the scheme+host template for every
	// slot's listen URL (host:0 requests an OS-ephemeral port per
	// slot); empty defaults to "tcp://127.0.0.1:0".
	BaseURL string

	// Ephemeral requests a host-generated self-signed certificate.
	// CAIssued, if set, names CA-issued material to load instead. The two
	// are meant to be exclusive; when both are set, Ephemeral wins.
	Ephemeral bool
	CAIssued  *transport.TLSMaterial

	// Dispatcher selects DispatcherMediated when true; the zero value
	// selects Direct mode.
	Dispatcher bool
}

// TLSMaterial is defined in package transport (CAIssuedConfig's return
// shape) — profile only threads it through to TLSConfigFor.

// ConfigureDaemons implements configure_daemons: (re)size the profile's
// daemon pool to n slots, tearing down any previous pool first (n == 0
// is the documented shutdown path). A request for a different Mode
// than a live pool's is refused, leaving that pool running. Returns the
// number of slots actually configured.
func (p *Profile) ConfigureDaemons(opts ConfigureOptions) (int, error) {
	var wantMode = DispatcherMediated
	if !opts.Dispatcher {
		// Per spec.md's dispatcher-vs-direct split: an explicit
		// Dispatcher=false request opts into the no-intermediary path.
		wantMode = Direct
	}

	if opts.Count != 0 {
		if err := p.validateModeSwitch(wantMode); err != nil {
			return 0, err
		}
	}

	p.shutdownLocked()

	if opts.Count == 0 {
		return 0, nil
	}

	if err := p.configureTLS(opts); err != nil {
		return 0, err
	}

	var base = opts.BaseURL
	if base == "" {
		base = "tcp://127.0.0.1:0"
	}

	p.mu.Lock()
	p.Mode = wantMode
	var signer = p.signer
	var stickyPayload = p.sticky
	p.mu.Unlock()

	var factory = func(slot int) string { return rewriteSlotURL(base, slot) }

	if wantMode == Direct {
		q, err := newDirectQueue(opts.Count, factory, p.Name, stickyPayload, signer)
		if err != nil {
			return 0, err
		}
		p.mu.Lock()
		p.direct = q
		p.mu.Unlock()
		return opts.Count, nil
	}

	disp, err := dispatch.New(dispatch.Options{
		Profile:       p.Name,
		Slots:         opts.Count,
		NewURL:        factory,
		Signer:        signer,
		StickyPayload: stickyPayload,
	})
	if err != nil {
		return 0, fmt.Errorf("profile %q: configuring %d daemons: %w", p.Name, opts.Count, err)
	}

	p.mu.Lock()
	p.disp = disp
	p.mu.Unlock()

	log.WithFields(log.Fields{"profile": p.Name, "count": opts.Count, "mode": wantMode.String()}).
		Info("profile: daemon pool configured")
	return opts.Count, nil
}

func (p *Profile) configureTLS(opts ConfigureOptions) error {
	if !opts.Ephemeral && opts.CAIssued == nil {
		p.mu.Lock()
		p.TLS = TLSPolicy{}
		p.mu.Unlock()
		return nil
	}

	var cfg *tls.Config
	var trustedPEM []byte

	if opts.Ephemeral {
		cert, err := transport.GenerateEphemeralCert(p.Name)
		if err != nil {
			return fmt.Errorf("profile %q: generating ephemeral cert: %w", p.Name, err)
		}
		cfg = cert.Config()
		trustedPEM = cert.CertPEM
	} else {
		var err error
		cfg, trustedPEM, err = transport.CAIssuedConfig(opts.CAIssued.CertPath, opts.CAIssued.KeyPath)
		if err != nil {
			return fmt.Errorf("profile %q: loading CA-issued TLS material: %w", p.Name, err)
		}
	}

	p.mu.Lock()
	p.TLS = TLSPolicy{Enabled: true, TrustedCertPEM: trustedPEM}
	p.mu.Unlock()

	var name = p.Name
	var prior = transport.TLSConfigFor
	transport.TLSConfigFor = func(profile string) (*tls.Config, error) {
		if profile == name {
			return cfg, nil
		}
		if prior != nil {
			return prior(profile)
		}
		return nil, fmt.Errorf("transport: no TLS policy configured for profile %q", profile)
	}
	return nil
}

// rewriteSlotURL gives each slot its own listen URL. A base with a
// nonzero port is rewritten to port+slot, so slots get deterministic,
// consecutive ports; a base with port 0 (the common "tcp://host:0"
// case), no port, or an unparseable URL is passed through unchanged,
// and every such slot listens on its own OS-assigned ephemeral port.
func rewriteSlotURL(base string, slot int) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	if port := u.Port(); port != "" && port != "0" {
		if n, err := strconv.Atoi(port); err == nil {
			u.Host = fmt.Sprintf("%s:%d", u.Hostname(), n+slot)
		}
	}
	return u.String()
}
