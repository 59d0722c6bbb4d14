// Package launch implements launch orchestration (spec §4.7): given a
// roster of daemon connection descriptors, emit or invoke the shell
// command that starts a daemon dialing the right URL with the right
// credentials embedded. The core dispatch/profile/daemon packages never
// import this one — they consume only the Descriptor shape a caller
// hands to Command/Execute, keeping the process-launching back-end
// genuinely swappable.
package launch

import "fmt"

// Kind selects a Plan's launch back-end.
type Kind int

const (
	// SshDirect SSHes into the target host and runs the daemon there,
	// dialing the host's externally reachable URL directly.
	SshDirect Kind = iota
	// SshTunnel first establishes a reverse port-forward over SSH so the
	// remote host can reach the task host as "localhost:port", then
	// runs the daemon there dialing that local address.
	SshTunnel
	// Manual only renders the command string; the operator runs it.
	Manual
	// Custom delegates entirely to Plan.Fn.
	Custom
)

func (k Kind) String() string {
	switch k {
	case SshDirect:
		return "SshDirect"
	case SshTunnel:
		return "SshTunnel"
	case Manual:
		return "Manual"
	case Custom:
		return "Custom"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// SSHConfig is the bastion-access triple shared by SshDirect and
// SshTunnel plans — the same fields crates/network-proxy/sshforwarding's
// SshForwardingConfig names for a connector's database access, reused
// here for reaching the machine that will run the daemon process.
type SSHConfig struct {
	Endpoint         string
	User             string
	PrivateKeyBase64 string
}

// CustomFunc builds (or directly performs) a slot's launch given its
// Descriptor. It's the escape hatch for back-ends this package doesn't
// model directly — a cluster manager's job API, a container scheduler.
type CustomFunc func(desc Descriptor) (string, error)

// Plan is the LaunchPlan sum type (spec §4.7). Kind selects which of
// SSH/Fn is meaningful; the orchestrator matches on Kind rather than
// using runtime reflection, per spec.md's own REDESIGN FLAGS note.
type Plan struct {
	Kind Kind
	SSH  SSHConfig
	Fn   CustomFunc
}

// Descriptor is everything the orchestrator knows about one daemon
// slot: its dial URL, the TLS certificate to embed (if any), and a
// connect token scoped to that exact slot.
type Descriptor struct {
	Profile        string
	SlotIndex      int
	URL            string
	TrustedCertPEM []byte
	ConnectToken   string
	RandSeed       int64
	HasRandSeed    bool
}
