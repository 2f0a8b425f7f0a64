package config

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/AutoMQ/remoting/pkg/discovery"
	"github.com/AutoMQ/remoting/pkg/util/etcdutil"
)

// Discovery is the configuration for finding peers in etcd.
// Discovery is disabled if Endpoints is empty.
type Discovery struct {
	// Endpoints are the client urls of the etcd cluster
	Endpoints []string
	// Prefix is the key prefix under which endpoints are published
	Prefix string
	// LeaseTTL is the time in seconds after which a node that stopped is unpublished
	LeaseTTL int64
	// DialTimeout is the timeout of connecting to etcd
	DialTimeout time.Duration
}

func NewDiscovery() *Discovery {
	return &Discovery{}
}

// Enabled reports whether peers are discovered through etcd
func (d *Discovery) Enabled() bool {
	return len(d.Endpoints) > 0
}

func (d *Discovery) Validate() error {
	if d.Prefix == "" || d.Prefix[0] != '/' {
		return errors.Errorf("invalid prefix `%s`", d.Prefix)
	}
	if d.LeaseTTL <= 0 {
		return errors.Errorf("invalid lease ttl `%d`", d.LeaseTTL)
	}
	if d.DialTimeout <= 0 {
		return errors.Errorf("invalid dial timeout `%s`", d.DialTimeout)
	}
	return nil
}

func discoveryConfigure(v *viper.Viper, fs *pflag.FlagSet) {
	fs.StringSlice("discovery-endpoints", []string{}, "client urls of the etcd cluster used to find peers, empty to disable discovery")
	fs.String("discovery-prefix", discovery.DefaultPrefix, "etcd key prefix under which endpoints are published")
	fs.Int64("discovery-lease-ttl", discovery.DefaultLeaseTTL, "time in seconds after which a stopped node is unpublished")
	fs.Duration("discovery-dial-timeout", etcdutil.DefaultDialTimeout, "timeout of connecting to etcd")
	_ = v.BindPFlag("discovery.endpoints", fs.Lookup("discovery-endpoints"))
	_ = v.BindPFlag("discovery.prefix", fs.Lookup("discovery-prefix"))
	_ = v.BindPFlag("discovery.leaseTTL", fs.Lookup("discovery-lease-ttl"))
	_ = v.BindPFlag("discovery.dialTimeout", fs.Lookup("discovery-dial-timeout"))
}
