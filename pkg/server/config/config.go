// Copyright 2016 TiKV Project Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"io"
	"net"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/AutoMQ/remoting/pkg/util/typeutil"
)

var (
	_defaultConfigFilePaths = []string{".", "$CONFIG_DIR/"}
)

const (
	PeerSeparator = "=" // PeerSeparator separates the name and the address of a peer, e.g. "node-b=10.0.0.2:5665"

	_envPrefix = "REMOTING"

	_defaultListenAddr = "0.0.0.0:5665"
)

// Config is the configuration for [server.Server]
type Config struct {
	Log       *Log
	Remoting  *Remoting
	TLS       *TLS
	Discovery *Discovery

	// Identity is the name of the local endpoint, unique in the cluster
	Identity string
	// ListenAddr is the address accepting sessions from peers. Empty for no listener.
	ListenAddr string
	// AdvertiseAddr is the address published to peers through discovery
	AdvertiseAddr string
	// Peers are the statically configured peers, each in the form "name=host:port"
	Peers []string
	// MetricsAddr is the address serving prometheus metrics. Empty to disable.
	MetricsAddr string

	lg *zap.Logger
}

// NewConfig creates a new config.
func NewConfig(arguments []string, errOutput io.Writer) (*Config, error) {
	cfg := &Config{}
	cfg.Log = NewLog()
	cfg.Remoting = NewRemoting()
	cfg.TLS = NewTLS()
	cfg.Discovery = NewDiscovery()

	v := newViper()
	fs := newFlagSet(errOutput)
	configure(v, fs)

	// parse from command line
	fs.String("config", "", "configuration file")
	err := fs.Parse(arguments)
	if err != nil {
		return nil, err
	}

	// read configuration from file
	c, _ := fs.GetString("config")
	v.SetConfigFile(c)
	err = v.ReadInConfig()
	if err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "read configuration file")
		}
	}

	// set config
	err = v.Unmarshal(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "unmarshal configuration")
	}

	// new and set logger (first thing after configuration loaded)
	err = cfg.Log.Adjust()
	if err != nil {
		return nil, errors.Wrap(err, "adjust log config")
	}
	logger, err := cfg.Log.Logger()
	if err != nil {
		return nil, errors.Wrap(err, "create logger")
	}
	cfg.lg = logger

	if configFile := v.ConfigFileUsed(); configFile != "" {
		logger.Debug("load configuration from file", zap.String("file-name", configFile))
	}

	return cfg, nil
}

// Adjust generates default values for some fields (if they are empty)
func (c *Config) Adjust() error {
	if c.Identity == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return errors.Wrap(err, "get hostname")
		}
		c.Identity = hostname
	}
	if c.AdvertiseAddr == "" {
		c.AdvertiseAddr = c.ListenAddr
	}
	c.Peers = typeutil.FilterZero(c.Peers)
	c.Discovery.Endpoints = typeutil.FilterZero(c.Discovery.Endpoints)
	return nil
}

// Validate checks whether the configuration is valid. It should be called after Adjust
func (c *Config) Validate() error {
	if c.Identity == "" || strings.Contains(c.Identity, "/") {
		return errors.Errorf("invalid identity `%s`", c.Identity)
	}
	if c.ListenAddr != "" {
		if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
			return errors.Wrapf(err, "invalid listen address `%s`", c.ListenAddr)
		}
	}
	if _, err := c.PeerServices(); err != nil {
		return errors.Wrap(err, "validate peers")
	}

	if err := c.Remoting.Validate(); err != nil {
		return errors.Wrap(err, "validate remoting config")
	}
	if err := c.TLS.Validate(); err != nil {
		return errors.Wrap(err, "validate tls config")
	}
	if err := c.Discovery.Validate(); err != nil {
		return errors.Wrap(err, "validate discovery config")
	}
	if c.Discovery.Enabled() && c.AdvertiseAddr == "" {
		return errors.New("discovery needs an advertise address")
	}

	return nil
}

// PeerServices parses Peers into a map from the peer name to its address
func (c *Config) PeerServices() (map[string]string, error) {
	peers := make(map[string]string, len(c.Peers))
	for _, p := range c.Peers {
		node, service, err := parsePeer(p)
		if err != nil {
			return nil, err
		}
		if node == c.Identity {
			return nil, errors.Errorf("peer `%s` is the local endpoint", p)
		}
		if _, ok := peers[node]; ok {
			return nil, errors.Errorf("duplicate peer `%s`", node)
		}
		peers[node] = service
	}
	return peers, nil
}

// Logger returns logger generated based on the config
// It can be used after calling NewConfig
func (c *Config) Logger() *zap.Logger {
	if c != nil {
		return c.lg
	}
	return nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AllowEmptyEnv(true)
	v.SetEnvPrefix(_envPrefix)
	v.AutomaticEnv()
	for _, filePath := range _defaultConfigFilePaths {
		v.AddConfigPath(filePath)
	}
	return v
}

func newFlagSet(errOutput io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet("remoting", pflag.ContinueOnError)
	fs.SetOutput(errOutput)
	return fs
}

func configure(v *viper.Viper, fs *pflag.FlagSet) {
	fs.String("identity", "", "name of the local endpoint, unique in the cluster (default '${hostname}')")
	fs.String("listen-addr", _defaultListenAddr, "address accepting sessions from peers, empty for no listener")
	fs.String("advertise-addr", "", "address published to peers through discovery (default '${listen-addr}')")
	fs.StringSlice("peers", []string{}, "statically configured peers, e.g. node-b=10.0.0.2:5665,node-c=10.0.0.3:5665")
	fs.String("metrics-addr", "", "address serving prometheus metrics, empty to disable")
	_ = v.BindPFlag("identity", fs.Lookup("identity"))
	_ = v.BindPFlag("listenAddr", fs.Lookup("listen-addr"))
	_ = v.BindPFlag("advertiseAddr", fs.Lookup("advertise-addr"))
	_ = v.BindPFlag("peers", fs.Lookup("peers"))
	_ = v.BindPFlag("metricsAddr", fs.Lookup("metrics-addr"))

	logConfigure(v, fs)
	remotingConfigure(v, fs)
	tlsConfigure(v, fs)
	discoveryConfigure(v, fs)
}

// parsePeer splits "name=host:port"
func parsePeer(s string) (node, service string, err error) {
	node, service, ok := strings.Cut(s, PeerSeparator)
	if !ok || node == "" || strings.Contains(node, "/") {
		return "", "", errors.Errorf("invalid peer `%s`, expected name%shost:port", s, PeerSeparator)
	}
	if _, _, err := net.SplitHostPort(service); err != nil {
		return "", "", errors.Wrapf(err, "invalid address of peer `%s`", node)
	}
	return node, service, nil
}
