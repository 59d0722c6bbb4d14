package transport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateEphemeralCertRoundTrip(t *testing.T) {
	cert, err := GenerateEphemeralCert("taskmesh-daemon")
	require.NoError(t, err)
	require.NotEmpty(t, cert.CertPEM)
	require.Len(t, cert.Config().Certificates, 1)

	clientCfg, err := ClientConfigTrusting(cert.CertPEM)
	require.NoError(t, err)
	require.NotNil(t, clientCfg.RootCAs)
}

func TestClientConfigTrustingRejectsGarbage(t *testing.T) {
	_, err := ClientConfigTrusting([]byte("not a certificate"))
	require.Error(t, err)
}
