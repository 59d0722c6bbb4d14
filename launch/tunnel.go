package launch

import (
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// tunnelKey identifies one reverse port-forward: a connection from
// cfg.Endpoint's SSH server, listening on remoteHost:remotePort, piping
// back to localTarget on this process's side.
type tunnelKey struct {
	endpoint   string
	remoteHost string
	remotePort uint16
}

// tunnel is one live reverse forward, refcounted across daemon slots
// that share the same bastion and target.
type tunnel struct {
	mu       sync.Mutex
	refs     int
	client   *ssh.Client
	listener net.Listener
}

// Tunnels caches and refcounts live SSH tunnels so that N daemon slots
// proxied through the same bastion to the same target reuse one tunnel
// (spec §4.7's "Live tunnels are cached and reference-counted"),
// instead of one TCP+SSH session per slot.
type Tunnels struct {
	mu    sync.Mutex
	cache *lru.Cache[tunnelKey, *tunnel]
}

// NewTunnels returns a Tunnels cache holding up to capacity distinct
// tunnels; evicting an entry closes it only once its refcount reaches
// zero via Close, so a generous capacity just bounds how many distinct
// bastion/target pairs stay warm, not correctness.
func NewTunnels(capacity int) (*Tunnels, error) {
	cache, err := lru.New[tunnelKey, *tunnel](capacity)
	if err != nil {
		return nil, fmt.Errorf("launch: building tunnel cache: %w", err)
	}
	return &Tunnels{cache: cache}, nil
}

// Open establishes (or joins) a reverse forward over cfg's bastion: the
// bastion listens on remoteHost:remotePort, and every connection it
// accepts is piped to localTarget (host:port) on this side. This is the
// SshTunnel LaunchPlan variant's mechanism for letting a remotely
// launched daemon dial "localhost:port" and actually reach the task
// host (spec §4.7's Tunneled variant) — the forwarding direction is the
// mirror image of crates/network-proxy/sshforwarding's connector use
// case (which tunnels a local process out to a remote database), since
// here it's the daemon, not the host, that needs the reach.
func (t *Tunnels) Open(cfg SSHConfig, remoteHost string, remotePort uint16, localTarget string) (*Handle, error) {
	var key = tunnelKey{endpoint: cfg.Endpoint, remoteHost: remoteHost, remotePort: remotePort}

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.cache.Get(key); ok {
		existing.mu.Lock()
		existing.refs++
		existing.mu.Unlock()
		return &Handle{tunnels: t, key: key, tun: existing}, nil
	}

	client, err := dialBastion(cfg)
	if err != nil {
		return nil, fmt.Errorf("launch: dialing bastion %s: %w", cfg.Endpoint, err)
	}

	var remoteAddr = fmt.Sprintf("%s:%d", remoteHost, remotePort)
	ln, err := client.Listen("tcp", remoteAddr)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("launch: requesting remote listen on %s: %w", remoteAddr, err)
	}

	var tun = &tunnel{refs: 1, client: client, listener: ln}
	t.cache.Add(key, tun)

	go pumpAccepted(ln, localTarget)

	return &Handle{tunnels: t, key: key, tun: tun}, nil
}

// Handle is a reference to a live tunnel; Close releases it.
type Handle struct {
	tunnels *Tunnels
	key     tunnelKey
	tun     *tunnel
}

// Close decrements the tunnel's refcount, tearing it down once no slot
// references it anymore.
func (h *Handle) Close() {
	h.tun.mu.Lock()
	h.tun.refs--
	var drained = h.tun.refs <= 0
	h.tun.mu.Unlock()

	if !drained {
		return
	}

	h.tunnels.mu.Lock()
	h.tunnels.cache.Remove(h.key)
	h.tunnels.mu.Unlock()

	h.tun.listener.Close()
	h.tun.client.Close()
}

func dialBastion(cfg SSHConfig) (*ssh.Client, error) {
	keyDER, err := base64.StdEncoding.DecodeString(cfg.PrivateKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("decoding private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyDER)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}

	var clientCfg = &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}

	return ssh.Dial("tcp", cfg.Endpoint, clientCfg)
}

// pumpAccepted forwards every connection the bastion accepts on our
// behalf to localTarget, bidirectionally, until the listener closes.
func pumpAccepted(ln net.Listener, localTarget string) {
	for {
		remoteConn, err := ln.Accept()
		if err != nil {
			return
		}

		go func() {
			defer remoteConn.Close()

			localConn, err := net.Dial("tcp", localTarget)
			if err != nil {
				log.WithField("err", err).Warn("launch: tunnel failed to reach local target")
				return
			}
			defer localConn.Close()

			var wg sync.WaitGroup
			wg.Add(2)
			go func() { defer wg.Done(); io.Copy(localConn, remoteConn) }()
			go func() { defer wg.Done(); io.Copy(remoteConn, localConn) }()
			wg.Wait()
		}()
	}
}
