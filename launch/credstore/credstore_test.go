package credstore

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadFileScheme(t *testing.T) {
	var certFile, err = os.CreateTemp("", "cert-*.pem")
	require.NoError(t, err)
	defer os.Remove(certFile.Name())
	keyFile, err := os.CreateTemp("", "key-*.pem")
	require.NoError(t, err)
	defer os.Remove(keyFile.Name())

	var s = &Store{}
	material, err := s.Load(context.Background(), "file://"+certFile.Name(), "file://"+keyFile.Name())
	require.NoError(t, err)
	require.Equal(t, certFile.Name(), material.CertPath)
	require.Equal(t, keyFile.Name(), material.KeyPath)
}

func TestLoadBareFilePathNoScheme(t *testing.T) {
	var s = &Store{}
	material, err := s.Load(context.Background(), "/tmp/a.pem", "/tmp/b.pem")
	require.NoError(t, err)
	require.Equal(t, "/tmp/a.pem", material.CertPath)
	require.Equal(t, "/tmp/b.pem", material.KeyPath)
}

func TestLoadEtcdSchemeWithoutClientErrors(t *testing.T) {
	var s = &Store{}
	_, err := s.Load(context.Background(), "etcd:///creds/cert", "etcd:///creds/key")
	require.Error(t, err)
}

func TestLoadUnsupportedSchemeErrors(t *testing.T) {
	var s = &Store{}
	_, err := s.Load(context.Background(), "ftp://host/cert", "file:///tmp/b.pem")
	require.Error(t, err)
}
