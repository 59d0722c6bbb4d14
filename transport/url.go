package transport

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"golang.org/x/net/websocket"
)

// TLSConfigFor is a hook rather than a direct lookup so transport need
// not import the packages that own TLS policy: on the host, package
// profile sets it when a profile is configured with TLS; in a daemon,
// daemon.Run sets it from the trusted certificate it was given.
// A nil value means "no TLS configured" — dialing a tls+ URL without
// ever setting this fails loudly rather than silently going plaintext.
var TLSConfigFor func(profile string) (*tls.Config, error)

// profileFromURL extracts the ?profile= query parameter scoping a TLS
// URL to the profile whose credentials should be used, defaulting to
// "default" when absent — most callers dial/listen against a single
// profile's URL and never set it explicitly.
func profileFromURL(u *url.URL) string {
	if p := u.Query().Get("profile"); p != "" {
		return p
	}
	return "default"
}

func tlsConfigForURL(u *url.URL) (*tls.Config, error) {
	if TLSConfigFor == nil {
		return nil, fmt.Errorf("transport: no TLS policy configured for scheme %q", u.Scheme)
	}
	return TLSConfigFor(profileFromURL(u))
}

// abstractSocketPath maps an abstract://id URL to the path passed to
// net.Listen/net.Dial for a Linux abstract-namespace Unix socket: the
// name is prefixed with a NUL byte, taking it out of the filesystem
// namespace entirely. On other platforms, which lack the abstract
// namespace, it returns an ordinary filesystem path,
// taskmesh-abstract-<id> under the temp dir, instead of failing.
func abstractSocketPath(id string) string {
	if runtimeSupportsAbstractSockets() {
		return "\x00" + id
	}
	return filepath.Join(os.TempDir(), "taskmesh-abstract-"+id)
}

func runtimeSupportsAbstractSockets() bool {
	return strings.HasPrefix(runtime.GOOS, "linux")
}

func listenURL(raw string) (net.Listener, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing url %q: %w", raw, err)
	}

	switch u.Scheme {
	case "tcp":
		return net.Listen("tcp", u.Host)
	case "tls+tcp":
		cfg, err := tlsConfigForURL(u)
		if err != nil {
			return nil, err
		}
		return tls.Listen("tcp", u.Host, cfg)
	case "ws":
		return net.Listen("tcp", u.Host)
	case "wss":
		cfg, err := tlsConfigForURL(u)
		if err != nil {
			return nil, err
		}
		return tls.Listen("tcp", u.Host, cfg)
	case "abstract":
		var path = abstractSocketPath(u.Host + u.Path)
		return net.Listen("unix", path)
	case "ipc":
		return net.Listen("unix", u.Path)
	default:
		return nil, fmt.Errorf("transport: unsupported scheme %q", u.Scheme)
	}
}

func dialURL(raw string) (net.Conn, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing url %q: %w", raw, err)
	}

	switch u.Scheme {
	case "tcp":
		return net.Dial("tcp", u.Host)
	case "tls+tcp":
		cfg, err := tlsConfigForURL(u)
		if err != nil {
			return nil, err
		}
		return tls.Dial("tcp", u.Host, cfg)
	case "ws":
		return websocket.Dial(raw, "", "http://"+u.Host)
	case "wss":
		cfg, err := tlsConfigForURL(u)
		if err != nil {
			return nil, err
		}
		var wsCfg, wcErr = websocket.NewConfig(raw, "https://"+u.Host)
		if wcErr != nil {
			return nil, fmt.Errorf("building websocket config: %w", wcErr)
		}
		wsCfg.TlsConfig = cfg
		return websocket.DialConfig(wsCfg)
	case "abstract":
		var path = abstractSocketPath(u.Host + u.Path)
		return net.Dial("unix", path)
	case "ipc":
		return net.Dial("unix", u.Path)
	default:
		return nil, fmt.Errorf("transport: unsupported scheme %q", u.Scheme)
	}
}

// ResolveEphemeralPort rewrites a url whose host has port 0 (request an
// OS-ephemeral port) into one naming the port actually bound by ln, for
// callers (configure_daemons) that need to hand the concrete URL to a
// daemon's launch command.
func ResolveEphemeralPort(rawURL string, ln *Listener) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parsing url %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "tcp", "tls+tcp", "ws", "wss":
	default:
		return rawURL, nil // Port-0 semantics don't apply to unix-socket schemes.
	}

	var tcpAddr, ok = ln.Addr().(*net.TCPAddr)
	if !ok {
		return "", fmt.Errorf("transport: listener for %q is not TCP-addressed", rawURL)
	}
	var host = u.Hostname()
	if host == "" {
		host = "127.0.0.1"
	}
	u.Host = fmt.Sprintf("%s:%d", host, tcpAddr.Port)
	return u.String(), nil
}
