package transport

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
)

// distantPast and farFuture bound an ephemeral certificate's validity
// window: daemons launched months apart from configure_daemons must
// still accept it, and there's no CA renewal process for a key that
// never leaves the host process.
var distantPast = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
var farFuture = time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC)

const ephemeralRSABits = 2048

// EphemeralCert is a host-generated keypair and self-signed certificate
// for one profile. The private key is held only in the Certificates of
// the resulting tls.Config and is never serialized; CertPEM is what
// configure_daemons hands back for embedding in launch_commands.
type EphemeralCert struct {
	CertPEM []byte
	config  *tls.Config
}

// GenerateEphemeralCert creates a fresh RSA keypair and a self-signed
// certificate for commonName, valid from the distant past to the far
// future so daemon clock skew never matters.
func GenerateEphemeralCert(commonName string) (*EphemeralCert, error) {
	key, err := rsa.GenerateKey(rand.Reader, ephemeralRSABits)
	if err != nil {
		return nil, fmt.Errorf("transport: generating ephemeral RSA key: %w", err)
	}

	var serial, serr = rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if serr != nil {
		return nil, fmt.Errorf("transport: generating certificate serial: %w", serr)
	}

	var template = &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             distantPast,
		NotAfter:              farFuture,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("transport: self-signing certificate: %w", err)
	}

	var certPEM = pemEncode("CERTIFICATE", der)
	var keyDER = x509.MarshalPKCS1PrivateKey(key)
	var keyPEM = pemEncode("RSA PRIVATE KEY", keyDER)

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("transport: building tls.Certificate: %w", err)
	}

	log.WithField("commonName", commonName).Debug("generated ephemeral self-signed certificate")

	return &EphemeralCert{
		CertPEM: certPEM,
		config: &tls.Config{
			Certificates: []tls.Certificate{cert},
		},
	}, nil
}

// Config returns the server-side tls.Config carrying the ephemeral
// certificate and private key.
func (e *EphemeralCert) Config() *tls.Config { return e.config }

// TLSMaterial names a CA-issued certificate/key pair resolved to local
// paths. Package launch/credstore is what turns an etcd:// or gs://
// URI into one of these before it reaches CAIssuedConfig.
type TLSMaterial struct {
	CertPath string
	KeyPath  string
}

// CAIssuedConfig loads a certificate chain and private key from disk for
// a profile whose TLS identity is CA-issued rather than self-signed.
// The returned PEM, which daemons connecting to this profile receive,
// is the certificate file's contents unchanged (whatever certificates
// it holds); no empty placeholder block is appended to it.
func CAIssuedConfig(certPath, keyPath string) (*tls.Config, []byte, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, nil, fmt.Errorf("transport: reading CA-issued cert %s: %w", certPath, err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("transport: reading CA-issued key %s: %w", keyPath, err)
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("transport: parsing CA-issued keypair: %w", err)
	}

	return &tls.Config{Certificates: []tls.Certificate{cert}}, certPEM, nil
}

// ClientConfigTrusting builds a client-side tls.Config that trusts only
// certPEM, for a daemon dialing back into an ephemeral or CA-issued
// profile without relying on the system root pool.
func ClientConfigTrusting(certPEM []byte) (*tls.Config, error) {
	var pool = x509.NewCertPool()
	if !pool.AppendCertsFromPEM(certPEM) {
		return nil, fmt.Errorf("transport: no certificates parsed from PEM")
	}
	return &tls.Config{RootCAs: pool}, nil
}

func pemEncode(blockType string, der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
}
