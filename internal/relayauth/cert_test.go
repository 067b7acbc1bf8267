package relayauth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memCertRevocation struct{ revoked map[string]bool }

func (m *memCertRevocation) IsCertificateRevoked(serial string) (bool, error) {
	return m.revoked[serial], nil
}

func issueTestCert(t *testing.T, caKey *ecdsa.PrivateKey, caCert *x509.Certificate, cn string, serial int64) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, caCert, &key.PublicKey, caKey)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func newTestCA(t *testing.T) (*ecdsa.PrivateKey, *x509.Certificate) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test-ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return key, cert
}

func TestAuthenticateAcceptsValidCertificate(t *testing.T) {
	caKey, caCert := newTestCA(t)
	leaf := issueTestCert(t, caKey, caCert, "machine-1", 2)

	roots := x509.NewCertPool()
	roots.AddCert(caCert)
	auth := NewTunnelAuthenticator(roots, &memCertRevocation{revoked: map[string]bool{}})

	machineID, err := auth.Authenticate(leaf, nil)
	require.NoError(t, err)
	assert.Equal(t, "machine-1", machineID)
}

func TestAuthenticateRejectsRevokedCertificate(t *testing.T) {
	caKey, caCert := newTestCA(t)
	leaf := issueTestCert(t, caKey, caCert, "machine-1", 3)

	roots := x509.NewCertPool()
	roots.AddCert(caCert)
	auth := NewTunnelAuthenticator(roots, &memCertRevocation{revoked: map[string]bool{"3": true}})

	_, err := auth.Authenticate(leaf, nil)
	assert.Error(t, err)
}

func TestAuthenticateRejectsUntrustedCertificate(t *testing.T) {
	untrustedKey, untrustedCA := newTestCA(t)
	leaf := issueTestCert(t, untrustedKey, untrustedCA, "machine-1", 4)

	roots := x509.NewCertPool() // empty: untrustedCA is not in it
	auth := NewTunnelAuthenticator(roots, &memCertRevocation{revoked: map[string]bool{}})

	_, err := auth.Authenticate(leaf, nil)
	assert.Error(t, err)
}
