package remoting

import (
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/AutoMQ/remoting/pkg/util/logutil"
	"github.com/AutoMQ/remoting/pkg/util/traceutil"
)

// AddListener listens on the TCP address service and accepts sessions from peers.
// Connections are wrapped in TLS when the Manager is configured with it.
func (m *Manager) AddListener(service string) error {
	l, err := net.Listen("tcp", service)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", service)
	}
	if m.cfg.TLS != nil {
		l = tls.NewListener(l, m.cfg.TLS)
	}

	ol := &onceCloseListener{Listener: l}
	if !m.trackListener(ol, true) {
		_ = ol.Close()
		return ErrManagerClosed
	}
	go m.serve(ol)
	return nil
}

// Addrs returns the addresses of all listeners
func (m *Manager) Addrs() []net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	addrs := make([]net.Addr, 0, len(m.listeners))
	for l := range m.listeners {
		addrs = append(addrs, l.Addr())
	}
	return addrs
}

// serve accepts incoming connections on l until l is closed, handling each one on its own goroutine
func (m *Manager) serve(l *onceCloseListener) {
	logger := m.lg.With(zap.String("listen-addr", l.Addr().String()))
	defer logutil.LogPanic(logger)
	defer m.trackListener(l, false)
	defer func() { _ = l.Close() }()

	var tempDelay time.Duration // how long to sleep on accept failure
	for {
		rw, err := l.Accept()
		if err != nil {
			select {
			case <-m.ctx.Done():
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}
				logger.Error("listener accept failed", zap.Duration("retry-in", tempDelay), zap.Error(err))
				time.Sleep(tempDelay)
				continue
			}
			if !errors.Is(err, net.ErrClosed) {
				logger.Error("listener stopped", zap.Error(err))
			}
			return
		}
		tempDelay = 0

		sess := newSession(traceutil.WithTraceID(m.ctx), rw, false, &m.cfg, m.lg)
		if !m.trackSession(sess, true) {
			_ = sess.close()
			return
		}
		go m.handleInbound(sess)
	}
}

// trackListener adds or removes a listener to the set of tracked listeners.
// It reports whether the manager is still open.
func (m *Manager) trackListener(l *onceCloseListener, add bool) bool {
	logger := m.lg
	m.mu.Lock()
	defer m.mu.Unlock()
	if add {
		if m.closed {
			return false
		}
		logger.Info("add listener", zap.String("addr", l.Addr().String()))
		m.listeners[l] = struct{}{}
		m.listenerGroup.Add(1)
	} else {
		logger.Info("delete listener", zap.String("addr", l.Addr().String()))
		delete(m.listeners, l)
		m.listenerGroup.Done()
	}
	return true
}

// onceCloseListener wraps a net.Listener, protecting it from
// multiple Close calls.
type onceCloseListener struct {
	net.Listener
	once     sync.Once
	closeErr error
}

func (oc *onceCloseListener) Close() error {
	oc.once.Do(oc.close)
	return oc.closeErr
}

func (oc *onceCloseListener) close() {
	oc.closeErr = oc.Listener.Close()
}
