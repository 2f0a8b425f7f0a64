// Package main is the entrypoint for a remoting node.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/AutoMQ/remoting/pkg/remoting"
	"github.com/AutoMQ/remoting/pkg/remoting/protocol"
	"github.com/AutoMQ/remoting/pkg/server"
	"github.com/AutoMQ/remoting/pkg/server/config"
)

// _pingTopic is answered by every node with its identity
const _pingTopic = "remoting::Ping"

func main() {
	cfg, err := config.NewConfig(os.Args[1:], os.Stderr)
	if errors.Cause(err) == pflag.ErrHelp {
		os.Exit(0)
	}

	// create a logger first
	logger := cfg.Logger()
	if logger == nil {
		// something went wrong, create a new temporary logger
		var zapErr error
		logger, zapErr = zap.NewProduction()
		if zapErr != nil {
			fmt.Printf("error creating zap logger %v", zapErr)
			os.Exit(1)
		}
	}
	logger.Info("running", zap.Strings("args", os.Args))
	if err != nil {
		logger.Error("failed to parse config", zap.Error(err))
		os.Exit(1)
	}

	syncLogger := func() { _ = logger.Sync() }

	// check config
	err = cfg.Adjust()
	if err != nil {
		logger.Error("failed to adjust config", zap.Error(err))
		exit(1, syncLogger)
	}
	err = cfg.Validate()
	if err != nil {
		logger.Error("failed to validate config", zap.Error(err))
		exit(1, syncLogger)
	}

	// create server
	ctx, cancel := context.WithCancel(context.Background())
	svr, err := server.NewServer(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to create server", zap.Error(err))
		exit(1, syncLogger)
	}
	setup(svr.Manager(), logger)

	// start server
	sc := make(chan os.Signal, 1)
	signal.Notify(sc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	var sig os.Signal
	go func() {
		sig = <-sc
		cancel()
	}()

	err = svr.Start()
	if err != nil {
		logger.Error("failed to start server", zap.Error(err))
		exit(1, syncLogger)
	}

	// close server
	<-ctx.Done()
	logger.Info("got signal to exit", zap.String("signal", sig.String()))

	if err := svr.Close(context.Background()); err != nil {
		logger.Error("failed to close server", zap.Error(err))
	}
	switch sig {
	case syscall.SIGTERM:
		exit(0, syncLogger)
	default:
		exit(1, syncLogger)
	}
}

// setup registers the handlers every node serves
func setup(m *remoting.Manager, logger *zap.Logger) {
	m.RegisterTopicHandler(_pingTopic, func(m *remoting.Manager, sender *remoting.Endpoint, req *protocol.Request) {
		m.SendUnicastMessage(m.Endpoint(), sender.Name(), &protocol.Response{ID: req.ID, Result: []byte(m.Identity())})
	})
	m.OnNewEndpoint(func(_ *remoting.Manager, ep *remoting.Endpoint) {
		logger.Info("new endpoint", zap.String("endpoint", ep.Name()), zap.Strings("subscriptions", ep.Subscriptions()))
	})
}

func exit(code int, deferred func()) {
	deferred()
	os.Exit(code)
}
