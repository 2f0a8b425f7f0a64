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

package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/AutoMQ/remoting/pkg/discovery"
	"github.com/AutoMQ/remoting/pkg/remoting"
	"github.com/AutoMQ/remoting/pkg/server/config"
	"github.com/AutoMQ/remoting/pkg/util/etcdutil"
	"github.com/AutoMQ/remoting/pkg/util/logutil"
	"github.com/AutoMQ/remoting/pkg/util/traceutil"
)

const (
	_discoveryRetryInterval = 3 * time.Second  // wait before watching peers again after a failure
	_metricsReadTimeout     = 10 * time.Second // read header timeout of the metrics server
	_metricsPath            = "/metrics"       // path serving prometheus metrics
	_closeTimeout           = 10 * time.Second // used by Close if the caller has no deadline
)

// Server runs an endpoint manager with its listener, peers, discovery and metrics
type Server struct {
	started atomic.Bool // server status, true for started

	cfg *config.Config // Server configuration

	ctx        context.Context    // main context
	loopCtx    context.Context    // loop context
	loopCancel context.CancelFunc // loop cancel
	loopWg     sync.WaitGroup     // loop wait group

	manager  *remoting.Manager
	registry *prometheus.Registry

	client    *clientv3.Client // etcd client, nil if discovery is disabled
	discovery *discovery.Etcd

	metrics     *http.Server
	metricsAddr net.Addr

	lg *zap.Logger // logger
}

// NewServer creates the server with given configuration, which should be adjusted and validated.
// Topic handlers and observers may be registered on Manager before Start.
func NewServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Server, error) {
	tlsConfig, err := cfg.TLS.Load()
	if err != nil {
		return nil, errors.Wrap(err, "load tls config")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	lg := logger.With(zap.String("identity", cfg.Identity))
	manager, err := remoting.NewManager(cfg.Identity, cfg.Remoting.Config(tlsConfig), lg, remoting.WithRegisterer(registry))
	if err != nil {
		return nil, errors.Wrap(err, "create manager")
	}

	return &Server{
		cfg:      cfg,
		ctx:      ctx,
		manager:  manager,
		registry: registry,
		lg:       lg,
	}, nil
}

// Start starts the server. Components already started are closed if it fails.
func (s *Server) Start() error {
	logger := s.lg
	s.loopCtx, s.loopCancel = context.WithCancel(s.ctx)

	if err := s.start(); err != nil {
		ctx, cancel := context.WithTimeout(context.Background(), _closeTimeout)
		defer cancel()
		if cerr := s.shutdown(ctx); cerr != nil {
			logger.Warn("failed to close components after start failure", zap.Error(cerr))
		}
		return err
	}

	if s.started.Swap(true) {
		logger.Warn("server already started")
	}
	logger.Info("server started")
	return nil
}

func (s *Server) start() error {
	if err := s.startManager(); err != nil {
		return errors.Wrap(err, "start manager")
	}
	if s.cfg.MetricsAddr != "" {
		if err := s.startMetrics(); err != nil {
			return errors.Wrap(err, "start metrics server")
		}
	}
	if s.cfg.Discovery.Enabled() {
		if err := s.startDiscovery(); err != nil {
			return errors.Wrap(err, "start discovery")
		}
	}
	return nil
}

func (s *Server) startManager() error {
	if s.cfg.ListenAddr != "" {
		if err := s.manager.AddListener(s.cfg.ListenAddr); err != nil {
			return err
		}
	}
	peers, err := s.cfg.PeerServices()
	if err != nil {
		return errors.Wrap(err, "parse peers")
	}
	for node, service := range peers {
		s.manager.AddConnection(node, service)
	}
	return s.manager.Start()
}

func (s *Server) startMetrics() error {
	logger := s.lg

	l, err := net.Listen("tcp", s.cfg.MetricsAddr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.cfg.MetricsAddr)
	}
	mux := http.NewServeMux()
	mux.Handle(_metricsPath, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))
	s.metrics = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: _metricsReadTimeout,
	}
	s.metricsAddr = l.Addr()

	s.loopWg.Add(1)
	go func() {
		defer logutil.LogPanic(logger)
		defer s.loopWg.Done()
		logger.Info("metrics server started", zap.String("metrics-addr", l.Addr().String()))
		if err := s.metrics.Serve(l); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) startDiscovery() error {
	logger := s.lg
	cfg := s.cfg.Discovery

	client, err := etcdutil.NewClient(cfg.Endpoints, cfg.DialTimeout, logger)
	if err != nil {
		return errors.Wrap(err, "new etcd client")
	}
	logger.Info("new etcd client", zap.Strings("endpoints", cfg.Endpoints))
	s.client = client

	s.discovery = discovery.NewEtcd(client, s.manager, s.cfg.Identity, s.advertiseAddr(), cfg.Prefix, cfg.LeaseTTL, logger)
	if err := s.discovery.Register(traceutil.WithTraceID(s.ctx)); err != nil {
		return errors.Wrap(err, "publish endpoint")
	}

	s.loopWg.Add(1)
	go s.discoveryLoop()
	return nil
}

// discoveryLoop watches peers until the server is closed, starting over after a failure
func (s *Server) discoveryLoop() {
	logger := s.lg
	defer logutil.LogPanic(logger)
	defer s.loopWg.Done()

	for {
		err := s.discovery.Run(traceutil.WithTraceID(s.loopCtx))
		if err == nil {
			logger.Info("server is closed, stop discovery loop")
			return
		}
		logger.Error("failed to watch peers, retry later", zap.Duration("retry-in", _discoveryRetryInterval), zap.Error(err))
		select {
		case <-time.After(_discoveryRetryInterval):
		case <-s.loopCtx.Done():
			return
		}
	}
}

// advertiseAddr returns the address published to peers.
// It is the bound address of the listener if the advertise address is not set explicitly.
func (s *Server) advertiseAddr() string {
	if s.cfg.AdvertiseAddr != s.cfg.ListenAddr {
		return s.cfg.AdvertiseAddr
	}
	if addrs := s.manager.Addrs(); len(addrs) == 1 {
		return addrs[0].String()
	}
	return s.cfg.AdvertiseAddr
}

// Manager returns the endpoint manager of the server
func (s *Server) Manager() *remoting.Manager {
	return s.manager
}

// MetricsAddr returns the address serving metrics, or nil if metrics are disabled
func (s *Server) MetricsAddr() net.Addr {
	return s.metricsAddr
}

// Context returns the context of server.
func (s *Server) Context() context.Context {
	return s.ctx
}

// IsClosed checks whether server is closed or not.
func (s *Server) IsClosed() bool {
	return !s.started.Load()
}

// Close unpublishes the local endpoint, then closes the manager and every other component.
// Without a deadline in ctx, the close is bounded by a default timeout.
func (s *Server) Close(ctx context.Context) error {
	if !s.started.Swap(false) {
		// server is already closed
		return nil
	}

	logger := s.lg
	logger.Info("closing server")

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, _closeTimeout)
		defer cancel()
	}

	err := s.shutdown(ctx)
	if err != nil {
		logger.Warn("server closed with errors", zap.Error(err))
	} else {
		logger.Info("server closed")
	}
	return err
}

func (s *Server) shutdown(ctx context.Context) error {
	s.loopCancel()

	var err error
	if s.discovery != nil {
		uctx, cancel := context.WithTimeout(ctx, etcdutil.DefaultRequestTimeout)
		err = multierr.Append(err, errors.WithMessage(s.discovery.Close(uctx), "close discovery"))
		cancel()
	}
	if s.metrics != nil {
		err = multierr.Append(err, errors.Wrap(s.metrics.Shutdown(ctx), "shutdown metrics server"))
	}
	err = multierr.Append(err, errors.WithMessage(s.manager.Close(ctx), "close manager"))

	s.loopWg.Wait()
	if s.client != nil {
		err = multierr.Append(err, errors.Wrap(s.client.Close(), "close etcd client"))
	}
	return err
}
