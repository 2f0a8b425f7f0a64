package config

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AutoMQ/remoting/pkg/util/testutil/cert"
)

func TestTLS_Load(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	dir := t.TempDir()
	ca := cert.NewCA(t)
	certFile, keyFile, caFile := ca.WriteFiles(t, dir, "node-a")

	c := &TLS{CertFile: certFile, KeyFile: keyFile, CAFile: caFile}
	re.NoError(c.Validate())
	re.True(c.Enabled())

	cfg, err := c.Load()
	re.NoError(err)
	re.Len(cfg.Certificates, 1)
	re.Equal(tls.RequireAndVerifyClientCert, cfg.ClientAuth)
	re.NotNil(cfg.RootCAs)
	re.NotNil(cfg.ClientCAs)
	re.Equal(uint16(tls.VersionTLS12), cfg.MinVersion)
}

func TestTLS_LoadDisabled(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	c := NewTLS()
	re.False(c.Enabled())
	cfg, err := c.Load()
	re.NoError(err)
	re.Nil(cfg)
}

func TestTLS_LoadError(t *testing.T) {
	dir := t.TempDir()
	ca := cert.NewCA(t)
	certFile, keyFile, caFile := ca.WriteFiles(t, dir, "node-a")
	emptyFile := filepath.Join(dir, "empty.crt")
	require.NoError(t, os.WriteFile(emptyFile, []byte("not a certificate"), 0o600))

	tests := []struct {
		name   string
		in     *TLS
		errMsg string
	}{
		{
			name:   "missing key",
			in:     &TLS{CertFile: certFile, KeyFile: filepath.Join(dir, "not-exist.key"), CAFile: caFile},
			errMsg: "load key pair",
		},
		{
			name:   "missing ca",
			in:     &TLS{CertFile: certFile, KeyFile: keyFile, CAFile: filepath.Join(dir, "not-exist.crt")},
			errMsg: "read ca file",
		},
		{
			name:   "no certificate in ca",
			in:     &TLS{CertFile: certFile, KeyFile: keyFile, CAFile: emptyFile},
			errMsg: "no certificate found in ca file",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)

			_, err := tt.in.Load()
			re.ErrorContains(err, tt.errMsg)
		})
	}
}
