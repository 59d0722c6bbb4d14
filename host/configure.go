package host

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/estuary/taskmesh/launch"
	"github.com/estuary/taskmesh/profile"
	"github.com/estuary/taskmesh/transport"
)

// ConfigureOptions is configure_daemons(n, url?, tls?, dispatcher?,
// profile?, plan?)'s argument bundle. Plan, if set, is executed once
// per newly configured slot (spec §4.7); left nil, ConfigureDaemons
// still returns each slot's rendered launch command for the operator to
// run manually (the spec's Manual variant, made the implicit default).
type ConfigureOptions struct {
	Count      int
	BaseURL    string
	Ephemeral  bool
	CAIssued   *transport.TLSMaterial
	Dispatcher bool
	Plan       *launch.Plan
}

// LaunchInfo is what ConfigureDaemons produces for one daemon slot: its
// index, dial URL, and rendered (and possibly already-invoked) launch
// command. For a SshTunnel plan the tunnel Handle is not part of it: the
// Host keeps it and Closes it on the next configure_daemons for this
// profile, including configure_daemons(0).
type LaunchInfo struct {
	SlotIndex int
	URL       string
	Command   string
}

// ConfigureDaemons implements configure_daemons. n == 0 tears the pool
// down (and releases any tunnel handles this Host was holding for the
// profile's slots) and returns (0, nil, nil).
func (h *Host) ConfigureDaemons(profileName string, opts ConfigureOptions) (int, []LaunchInfo, error) {
	var p = h.registry.GetOrCreate(profileName)

	h.releaseTunnels(p.Name)

	n, err := p.ConfigureDaemons(profile.ConfigureOptions{
		Count:      opts.Count,
		BaseURL:    opts.BaseURL,
		Ephemeral:  opts.Ephemeral,
		CAIssued:   opts.CAIssued,
		Dispatcher: opts.Dispatcher,
	})
	if err != nil {
		return 0, nil, err
	}
	if n == 0 {
		return 0, nil, nil
	}

	var infos = make([]LaunchInfo, 0, n)
	for _, slot := range p.Status() {
		info, err := h.launchSlot(p, opts.Plan, slot)
		if err != nil {
			return n, infos, fmt.Errorf("host: launching slot %d of profile %q: %w", slot.Index, p.Name, err)
		}
		infos = append(infos, info)
	}
	return n, infos, nil
}

func (h *Host) launchSlot(p *profile.Profile, plan *launch.Plan, slot profile.DaemonStatus) (LaunchInfo, error) {
	token, err := p.MintConnectToken(slot.Index)
	if err != nil {
		return LaunchInfo{}, err
	}

	var desc = launch.Descriptor{
		Profile:      p.Name,
		SlotIndex:    slot.Index,
		URL:          slot.URL,
		ConnectToken: token,
	}
	if p.TLS.Enabled {
		desc.TrustedCertPEM = p.TLS.TrustedCertPEM
	}

	if plan == nil {
		launchCommandsCounter.WithLabelValues(p.Name, launch.Manual.String()).Inc()
		return LaunchInfo{SlotIndex: slot.Index, URL: slot.URL, Command: launch.Command(desc)}, nil
	}

	result, err := launch.Execute(context.Background(), h.tunnels, *plan, desc)
	if err != nil {
		return LaunchInfo{}, err
	}
	launchCommandsCounter.WithLabelValues(p.Name, plan.Kind.String()).Inc()

	if result.Tunnel != nil {
		h.mu.Lock()
		h.handles[tunnelKey{profile: p.Name, slot: slot.Index}] = result.Tunnel
		h.mu.Unlock()
	}

	return LaunchInfo{SlotIndex: slot.Index, URL: slot.URL, Command: result.Command}, nil
}

// releaseTunnels closes every tunnel Handle this Host is holding for
// profileName's slots — called before every reconfiguration (including
// configure_daemons(0)) so a resized or torn-down pool never leaks a
// reverse forward.
func (h *Host) releaseTunnels(profileName string) {
	h.mu.Lock()
	var toClose []*launch.Handle
	for k, handle := range h.handles {
		if k.profile == profileName {
			toClose = append(toClose, handle)
			delete(h.handles, k)
		}
	}
	h.mu.Unlock()

	for _, handle := range toClose {
		handle.Close()
	}
	if len(toClose) > 0 {
		log.WithFields(log.Fields{"profile": profileName, "count": len(toClose)}).
			Debug("host: released tunnel handles for reconfigured profile")
	}
}
