package launch

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	log "github.com/sirupsen/logrus"
)

// Result is what Execute did for one slot: the rendered command (useful
// for logging or operator display even when the plan also ran it) and,
// for SshTunnel, the tunnel Handle the caller must Close when the slot
// is torn down (saisei or configure_daemons(0)).
type Result struct {
	Command string
	Tunnel  *Handle
}

// Execute runs plan for desc: SshDirect and SshTunnel actually spawn the
// daemon over an SSH session (fire-and-forget — the session is left
// running after Execute returns), Manual only renders the command for
// the operator, and Custom delegates to plan.Fn.
func Execute(ctx context.Context, tunnels *Tunnels, plan Plan, desc Descriptor) (Result, error) {
	switch plan.Kind {
	case Manual:
		return Result{Command: Command(desc)}, nil

	case Custom:
		if plan.Fn == nil {
			return Result{}, fmt.Errorf("launch: Custom plan has a nil Fn")
		}
		cmd, err := plan.Fn(desc)
		return Result{Command: cmd}, err

	case SshDirect:
		var cmd = Command(desc)
		if err := remoteSpawn(plan.SSH, cmd); err != nil {
			return Result{}, fmt.Errorf("launch: spawning daemon on %s: %w", plan.SSH.Endpoint, err)
		}
		return Result{Command: cmd}, nil

	case SshTunnel:
		return executeTunneled(tunnels, plan, desc)

	default:
		return Result{}, fmt.Errorf("launch: unknown plan kind %s", plan.Kind)
	}
}

// executeTunneled establishes a reverse forward exposing desc.URL's
// host:port to the bastion as "localhost:<port>" (spec §4.7's
// requirement that a tunneled URL's hostname be localhost), rewrites
// the descriptor to dial that instead, and spawns the daemon on the
// bastion the same way SshDirect does. The returned Result.Tunnel must
// be Closed by the caller once this slot is torn down, or the reverse
// forward (and its refcount entry in tunnels) leaks.
func executeTunneled(tunnels *Tunnels, plan Plan, desc Descriptor) (Result, error) {
	u, err := url.Parse(desc.URL)
	if err != nil {
		return Result{}, fmt.Errorf("launch: parsing descriptor URL %q: %w", desc.URL, err)
	}
	var port, perr = strconv.ParseUint(u.Port(), 10, 16)
	if perr != nil {
		return Result{}, fmt.Errorf("launch: descriptor URL %q has no numeric port: %w", desc.URL, perr)
	}

	handle, err := tunnels.Open(plan.SSH, "localhost", uint16(port), u.Host)
	if err != nil {
		return Result{}, err
	}

	var localDesc = desc
	u.Host = fmt.Sprintf("localhost:%d", port)
	localDesc.URL = u.String()

	var cmd = Command(localDesc)
	if err := remoteSpawn(plan.SSH, cmd); err != nil {
		handle.Close()
		return Result{}, fmt.Errorf("launch: spawning tunneled daemon on %s: %w", plan.SSH.Endpoint, err)
	}
	return Result{Command: cmd, Tunnel: handle}, nil
}

// remoteSpawn opens an SSH session on cfg's bastion and starts cmd
// without waiting for it to exit — the daemon is meant to run for the
// lifetime of the pool, well past this call returning.
func remoteSpawn(cfg SSHConfig, cmd string) error {
	client, err := dialBastion(cfg)
	if err != nil {
		return err
	}

	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return fmt.Errorf("opening session: %w", err)
	}

	if err := session.Start(cmd); err != nil {
		session.Close()
		client.Close()
		return fmt.Errorf("starting remote command: %w", err)
	}

	go func() {
		defer client.Close()
		defer session.Close()
		if err := session.Wait(); err != nil {
			log.WithField("err", err).Warn("launch: remote daemon session exited")
		}
	}()

	return nil
}
