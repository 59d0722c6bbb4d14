// Package credstore resolves a CA-issued TLS certificate/key pair named
// by a URI into local file paths package transport's CAIssuedConfig can
// load, dispatching on the URI scheme the same way the teacher resolves
// a build's resource URL (file://, etcd://, gs://) to a local path.
package credstore

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"sync"

	"cloud.google.com/go/storage"
	clientv3 "go.etcd.io/etcd/client/v3"
	"google.golang.org/api/option"

	"github.com/estuary/taskmesh/transport"
)

// Store resolves cert:// and key:// style URIs into local files. A zero
// Store works for file:// URIs only; set Etcd and/or the GCS client
// lazily initializes on first gs:// reference, matching the teacher's
// fetchResource's lazy svc.gsClient.
type Store struct {
	Etcd *clientv3.Client

	mu       sync.Mutex
	gsClient *storage.Client
}

// Load resolves certURI and keyURI (each file://, etcd://, or gs://) to
// local paths, downloading into a temp file for schemes that aren't
// already on local disk, and returns the pair ready for
// transport.CAIssuedConfig.
func (s *Store) Load(ctx context.Context, certURI, keyURI string) (*transport.TLSMaterial, error) {
	certPath, err := s.resolve(ctx, certURI)
	if err != nil {
		return nil, fmt.Errorf("credstore: resolving cert %q: %w", certURI, err)
	}
	keyPath, err := s.resolve(ctx, keyURI)
	if err != nil {
		return nil, fmt.Errorf("credstore: resolving key %q: %w", keyURI, err)
	}
	return &transport.TLSMaterial{CertPath: certPath, KeyPath: keyPath}, nil
}

// resolve returns a local filesystem path holding rawURI's bytes,
// downloading to a temp file for non-file:// schemes. Callers that need
// the temp file cleaned up should track the scheme themselves; short-
// lived CLI invocations (cmd/taskctl) just let the OS reap /tmp.
func (s *Store) resolve(ctx context.Context, rawURI string) (string, error) {
	u, err := url.Parse(rawURI)
	if err != nil {
		return "", fmt.Errorf("parsing URI: %w", err)
	}

	switch u.Scheme {
	case "", "file":
		return u.Path, nil

	case "etcd":
		if s.Etcd == nil {
			return "", fmt.Errorf("etcd:// URI given but no etcd client configured")
		}
		resp, err := s.Etcd.Get(ctx, u.Path)
		if err != nil {
			return "", fmt.Errorf("fetching etcd key %q: %w", u.Path, err)
		}
		if len(resp.Kvs) != 1 {
			return "", fmt.Errorf("etcd key %q not found", u.Path)
		}
		return writeTemp(resp.Kvs[0].Value)

	case "gs":
		client, err := s.gsClientLocked(ctx)
		if err != nil {
			return "", fmt.Errorf("building google storage client: %w", err)
		}
		r, err := client.Bucket(u.Host).Object(trimLeadingSlash(u.Path)).NewReader(ctx)
		if err != nil {
			return "", fmt.Errorf("reading gs://%s%s: %w", u.Host, u.Path, err)
		}
		defer r.Close()

		body, err := io.ReadAll(r)
		if err != nil {
			return "", fmt.Errorf("downloading gs://%s%s: %w", u.Host, u.Path, err)
		}
		return writeTemp(body)

	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
}

func (s *Store) gsClientLocked(ctx context.Context) (*storage.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gsClient == nil {
		client, err := storage.NewClient(ctx, option.WithScopes(storage.ScopeReadOnly))
		if err != nil {
			return nil, err
		}
		s.gsClient = client
	}
	return s.gsClient, nil
}

func writeTemp(body []byte) (string, error) {
	f, err := os.CreateTemp("", "credstore-*")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(body); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("writing temp file: %w", err)
	}
	return f.Name(), nil
}

func trimLeadingSlash(p string) string {
	if len(p) > 0 && p[0] == '/' {
		return p[1:]
	}
	return p
}
