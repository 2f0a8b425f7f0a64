// Package cert issues certificates for mutual TLS tests.
package cert

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// CA is a self-signed certificate authority issuing endpoint certificates in tests
type CA struct {
	cert    *x509.Certificate
	key     *ecdsa.PrivateKey
	certPEM []byte
	serial  int64
}

// NewCA creates a CA valid for one hour
func NewCA(tb testing.TB) *CA {
	re := require.New(tb)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	re.NoError(err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test-ca"},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	re.NoError(err)
	cert, err := x509.ParseCertificate(der)
	re.NoError(err)

	return &CA{
		cert:    cert,
		key:     key,
		certPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		serial:  1,
	}
}

// Pool returns a pool trusting only the CA
func (ca *CA) Pool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(ca.cert)
	return pool
}

// Issue returns the PEM encoded certificate and key for name, usable by both servers and clients.
// The common name and the DNS name are name, and the certificate is also valid for 127.0.0.1.
func (ca *CA) Issue(tb testing.TB, name string) (certPEM, keyPEM []byte) {
	re := require.New(tb)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	re.NoError(err)
	ca.serial++
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(ca.serial),
		Subject:      pkix.Name{CommonName: name},
		DNSNames:     []string{name},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &key.PublicKey, ca.key)
	re.NoError(err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	re.NoError(err)

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return
}

// TLSConfig returns a mutual TLS config for the endpoint name
func (ca *CA) TLSConfig(tb testing.TB, name string) *tls.Config {
	certPEM, keyPEM := ca.Issue(tb, name)
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	require.NoError(tb, err)
	pool := ca.Pool()
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}
}

// WriteFiles writes the certificate and key of name and the CA certificate into dir
func (ca *CA) WriteFiles(tb testing.TB, dir, name string) (certFile, keyFile, caFile string) {
	re := require.New(tb)

	certPEM, keyPEM := ca.Issue(tb, name)
	certFile = filepath.Join(dir, name+".crt")
	keyFile = filepath.Join(dir, name+".key")
	caFile = filepath.Join(dir, "ca.crt")
	re.NoError(os.WriteFile(certFile, certPEM, 0o600))
	re.NoError(os.WriteFile(keyFile, keyPEM, 0o600))
	re.NoError(os.WriteFile(caFile, ca.certPEM, 0o600))
	return
}
