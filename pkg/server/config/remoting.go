package config

import (
	"crypto/tls"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/AutoMQ/remoting/pkg/remoting"
	"github.com/AutoMQ/remoting/pkg/remoting/codec/format"
)

// Remoting is the configuration for remoting.Manager
type Remoting struct {
	// CallTimeout is the timeout of API calls made without an explicit one
	CallTimeout time.Duration
	// RequestSweepInterval is the period of the scan expiring pending API calls
	RequestSweepInterval time.Duration
	// SubscriptionSweepInterval is the period of announcing local subscriptions to peers
	SubscriptionSweepInterval time.Duration
	// ReconnectInterval is the period of (re)connect attempts to peers
	ReconnectInterval time.Duration
	// ReconnectParallelism bounds the number of concurrent dials
	ReconnectParallelism int
	DialTimeout          time.Duration
	HandshakeTimeout     time.Duration
	// SendQueueLimit bounds the bytes queued per session, 0 for unbounded
	SendQueueLimit int
	// HeaderFormat is the header format of outgoing frames, "json" or "protobuf"
	HeaderFormat string
}

func NewRemoting() *Remoting {
	return &Remoting{}
}

func (r *Remoting) Validate() error {
	if r.CallTimeout <= 0 {
		return errors.Errorf("invalid call timeout `%s`", r.CallTimeout)
	}
	if r.RequestSweepInterval <= 0 {
		return errors.Errorf("invalid request sweep interval `%s`", r.RequestSweepInterval)
	}
	if r.SubscriptionSweepInterval <= 0 {
		return errors.Errorf("invalid subscription sweep interval `%s`", r.SubscriptionSweepInterval)
	}
	if r.ReconnectInterval <= 0 {
		return errors.Errorf("invalid reconnect interval `%s`", r.ReconnectInterval)
	}
	if r.ReconnectParallelism <= 0 {
		return errors.Errorf("invalid reconnect parallelism `%d`", r.ReconnectParallelism)
	}
	if r.DialTimeout <= 0 {
		return errors.Errorf("invalid dial timeout `%s`", r.DialTimeout)
	}
	if r.HandshakeTimeout <= 0 {
		return errors.Errorf("invalid handshake timeout `%s`", r.HandshakeTimeout)
	}
	if r.SendQueueLimit < 0 {
		return errors.Errorf("invalid send queue limit `%d`", r.SendQueueLimit)
	}
	if !format.Parse(r.HeaderFormat).Valid() {
		return errors.Errorf("invalid header format `%s`", r.HeaderFormat)
	}
	return nil
}

// Config converts r into a remoting.Config. tlsConfig may be nil.
func (r *Remoting) Config(tlsConfig *tls.Config) remoting.Config {
	return remoting.Config{
		CallTimeout:               r.CallTimeout,
		RequestSweepInterval:      r.RequestSweepInterval,
		SubscriptionSweepInterval: r.SubscriptionSweepInterval,
		ReconnectInterval:         r.ReconnectInterval,
		ReconnectParallelism:      r.ReconnectParallelism,
		DialTimeout:               r.DialTimeout,
		HandshakeTimeout:          r.HandshakeTimeout,
		SendQueueLimit:            r.SendQueueLimit,
		HeaderFormat:              format.Parse(r.HeaderFormat),
		TLS:                       tlsConfig,
	}
}

func remotingConfigure(v *viper.Viper, fs *pflag.FlagSet) {
	d := remoting.DefaultConfig()
	fs.Duration("remoting-call-timeout", d.CallTimeout, "timeout of API calls made without an explicit one")
	fs.Duration("remoting-request-sweep-interval", d.RequestSweepInterval, "time interval between scans expiring pending API calls")
	fs.Duration("remoting-subscription-sweep-interval", d.SubscriptionSweepInterval, "time interval between announcements of local subscriptions to peers")
	fs.Duration("remoting-reconnect-interval", d.ReconnectInterval, "time interval between (re)connect attempts to peers")
	fs.Int("remoting-reconnect-parallelism", d.ReconnectParallelism, "maximum number of concurrent dials to peers")
	fs.Duration("remoting-dial-timeout", d.DialTimeout, "timeout of dialing a peer")
	fs.Duration("remoting-handshake-timeout", d.HandshakeTimeout, "timeout of exchanging identities with a peer")
	fs.Int("remoting-send-queue-limit", d.SendQueueLimit, "maximum number of bytes queued per session, 0 for unbounded")
	fs.String("remoting-header-format", d.HeaderFormat.String(), "format of frame headers, \"json\" or \"protobuf\"")
	_ = v.BindPFlag("remoting.callTimeout", fs.Lookup("remoting-call-timeout"))
	_ = v.BindPFlag("remoting.requestSweepInterval", fs.Lookup("remoting-request-sweep-interval"))
	_ = v.BindPFlag("remoting.subscriptionSweepInterval", fs.Lookup("remoting-subscription-sweep-interval"))
	_ = v.BindPFlag("remoting.reconnectInterval", fs.Lookup("remoting-reconnect-interval"))
	_ = v.BindPFlag("remoting.reconnectParallelism", fs.Lookup("remoting-reconnect-parallelism"))
	_ = v.BindPFlag("remoting.dialTimeout", fs.Lookup("remoting-dial-timeout"))
	_ = v.BindPFlag("remoting.handshakeTimeout", fs.Lookup("remoting-handshake-timeout"))
	_ = v.BindPFlag("remoting.sendQueueLimit", fs.Lookup("remoting-send-queue-limit"))
	_ = v.BindPFlag("remoting.headerFormat", fs.Lookup("remoting-header-format"))
}
