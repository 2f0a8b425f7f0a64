package remoting

import (
	"crypto/tls"
	"time"

	"github.com/AutoMQ/remoting/pkg/remoting/codec/format"
)

const (
	_defaultCallTimeout               = 30 * time.Second
	_defaultRequestSweepInterval      = 500 * time.Millisecond
	_defaultSubscriptionSweepInterval = 5 * time.Second
	_defaultReconnectInterval         = 10 * time.Second
	_defaultReconnectParallelism      = 8
	_defaultDialTimeout               = 5 * time.Second
	_defaultHandshakeTimeout          = 10 * time.Second
)

// Config is the configuration of a Manager
type Config struct {
	// CallTimeout is used by SendAPIMessage when the caller passes a non-positive timeout
	CallTimeout time.Duration
	// RequestSweepInterval is the period of the scan expiring pending calls
	RequestSweepInterval time.Duration
	// SubscriptionSweepInterval is the period of local subscription announcements
	SubscriptionSweepInterval time.Duration
	// ReconnectInterval is the period of (re)connect attempts to configured peers
	ReconnectInterval time.Duration
	// ReconnectParallelism bounds the number of concurrent dials in a reconnect sweep
	ReconnectParallelism int
	DialTimeout          time.Duration
	HandshakeTimeout     time.Duration
	// SendQueueLimit bounds the bytes queued per session, 0 for unbounded
	SendQueueLimit int
	// HeaderFormat is the format of headers in outgoing frames
	HeaderFormat format.Format
	// TLS is used for both listeners and outgoing connections when set.
	// Listeners should require client certificates, as the peer identity is checked against the certificate.
	TLS *tls.Config
}

// DefaultConfig returns a Config with default values
func DefaultConfig() Config {
	return Config{
		CallTimeout:               _defaultCallTimeout,
		RequestSweepInterval:      _defaultRequestSweepInterval,
		SubscriptionSweepInterval: _defaultSubscriptionSweepInterval,
		ReconnectInterval:         _defaultReconnectInterval,
		ReconnectParallelism:      _defaultReconnectParallelism,
		DialTimeout:               _defaultDialTimeout,
		HandshakeTimeout:          _defaultHandshakeTimeout,
		HeaderFormat:              format.Default(),
	}
}

func (c *Config) adjust() {
	if c.CallTimeout <= 0 {
		c.CallTimeout = _defaultCallTimeout
	}
	if c.RequestSweepInterval <= 0 {
		c.RequestSweepInterval = _defaultRequestSweepInterval
	}
	if c.SubscriptionSweepInterval <= 0 {
		c.SubscriptionSweepInterval = _defaultSubscriptionSweepInterval
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = _defaultReconnectInterval
	}
	if c.ReconnectParallelism <= 0 {
		c.ReconnectParallelism = _defaultReconnectParallelism
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = _defaultDialTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = _defaultHandshakeTimeout
	}
	if !c.HeaderFormat.Valid() {
		c.HeaderFormat = format.Default()
	}
}
