package config

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// TLS is the configuration for mutual TLS between endpoints.
// Sessions are plain TCP if CertFile is empty.
type TLS struct {
	CertFile string
	KeyFile  string
	// CAFile verifies the certificates of peers, whose common name must be their identity
	CAFile string
}

func NewTLS() *TLS {
	return &TLS{}
}

// Enabled reports whether sessions use TLS
func (t *TLS) Enabled() bool {
	return t.CertFile != ""
}

func (t *TLS) Validate() error {
	if t.CertFile == "" && t.KeyFile == "" && t.CAFile == "" {
		return nil
	}
	if t.CertFile == "" || t.KeyFile == "" || t.CAFile == "" {
		return errors.New("cert file, key file and ca file must be set together")
	}
	return nil
}

// Load builds a tls.Config used by both listeners and dialers. It returns nil if TLS is not enabled.
func (t *TLS) Load() (*tls.Config, error) {
	if !t.Enabled() {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
	if err != nil {
		return nil, errors.Wrap(err, "load key pair")
	}
	ca, err := os.ReadFile(t.CAFile)
	if err != nil {
		return nil, errors.Wrap(err, "read ca file")
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(ca) {
		return nil, errors.Errorf("no certificate found in ca file `%s`", t.CAFile)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func tlsConfigure(v *viper.Viper, fs *pflag.FlagSet) {
	fs.String("tls-cert-file", "", "path to the certificate of the local endpoint, whose common name is its identity")
	fs.String("tls-key-file", "", "path to the private key of the local endpoint")
	fs.String("tls-ca-file", "", "path to the certificate authority verifying peers")
	_ = v.BindPFlag("tls.certFile", fs.Lookup("tls-cert-file"))
	_ = v.BindPFlag("tls.keyFile", fs.Lookup("tls-key-file"))
	_ = v.BindPFlag("tls.caFile", fs.Lookup("tls-ca-file"))
}
