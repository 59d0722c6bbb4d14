package host

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/estuary/taskmesh/launch"
	"github.com/estuary/taskmesh/transport"
)

// FileConfig is the on-disk shape of a taskmesh config file: one entry
// per profile, keyed by profile name, matching configure_daemons'
// argument set plus an optional launch plan for starting the daemons
// it configures. Grounded on authn/main.go's cmdConfig.loadConfig,
// which decodes a similarly strict top-level YAML document.
type FileConfig struct {
	Profiles map[string]ProfileSpec `yaml:"profiles"`
}

// ProfileSpec is one profile's configure_daemons(...) arguments.
type ProfileSpec struct {
	Count      int         `yaml:"count"`
	BaseURL    string      `yaml:"baseURL"`
	Ephemeral  bool        `yaml:"ephemeralTLS"`
	CACert     string      `yaml:"caCert"`
	CAKey      string      `yaml:"caKey"`
	Dispatcher bool        `yaml:"dispatcher"`
	Launch     *LaunchSpec `yaml:"launch"`
}

// LaunchSpec names a launch.Plan without importing launch's Kind
// constants into the YAML vocabulary. Kind is one of "sshDirect",
// "sshTunnel", or "manual" (the default, and the only kind that
// doesn't need the SSH fields).
type LaunchSpec struct {
	Kind             string `yaml:"kind"`
	SSHEndpoint      string `yaml:"sshEndpoint"`
	SSHUser          string `yaml:"sshUser"`
	SSHPrivateKeyB64 string `yaml:"sshPrivateKeyBase64"`
}

// LoadFileConfig reads and strictly decodes a taskmesh config file — an
// unknown field is a load error, not a silently ignored typo.
func LoadFileConfig(path string) (*FileConfig, error) {
	in, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("host: opening config %q: %w", path, err)
	}
	defer in.Close()

	var cfg FileConfig
	var dec = yaml.NewDecoder(in)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("host: parsing config %q: %w", path, err)
	}
	return &cfg, nil
}

func (s ProfileSpec) options() ConfigureOptions {
	var opts = ConfigureOptions{
		Count:      s.Count,
		BaseURL:    s.BaseURL,
		Ephemeral:  s.Ephemeral,
		Dispatcher: s.Dispatcher,
	}
	if s.CACert != "" || s.CAKey != "" {
		opts.CAIssued = &transport.TLSMaterial{CertPath: s.CACert, KeyPath: s.CAKey}
	}
	if s.Launch != nil {
		var plan = s.Launch.plan()
		opts.Plan = &plan
	}
	return opts
}

func (s LaunchSpec) plan() launch.Plan {
	var ssh = launch.SSHConfig{
		Endpoint:         s.SSHEndpoint,
		User:             s.SSHUser,
		PrivateKeyBase64: s.SSHPrivateKeyB64,
	}
	switch s.Kind {
	case "sshDirect":
		return launch.Plan{Kind: launch.SshDirect, SSH: ssh}
	case "sshTunnel":
		return launch.Plan{Kind: launch.SshTunnel, SSH: ssh}
	default:
		return launch.Plan{Kind: launch.Manual}
	}
}

// ApplyFileConfig configures every profile named in cfg, returning each
// profile's rendered (or already-invoked) launch info keyed by profile
// name. A profile already configured is reconfigured from scratch,
// matching configure_daemons' own teardown-then-build semantics.
func (h *Host) ApplyFileConfig(cfg *FileConfig) (map[string][]LaunchInfo, error) {
	var out = make(map[string][]LaunchInfo, len(cfg.Profiles))
	for name, spec := range cfg.Profiles {
		_, infos, err := h.ConfigureDaemons(name, spec.options())
		if err != nil {
			return out, fmt.Errorf("host: applying config for profile %q: %w", name, err)
		}
		out[name] = infos
	}
	return out, nil
}
