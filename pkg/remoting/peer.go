package remoting

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/AutoMQ/remoting/pkg/remoting/codec"
	"github.com/AutoMQ/remoting/pkg/remoting/codec/operation"
	"github.com/AutoMQ/remoting/pkg/remoting/protocol"
	"github.com/AutoMQ/remoting/pkg/util/logutil"
	"github.com/AutoMQ/remoting/pkg/util/traceutil"
)

// trackSession adds or removes a session to the set of tracked sessions.
// It reports whether the manager is still open.
func (m *Manager) trackSession(s *session, add bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if add {
		if m.closed {
			return false
		}
		m.sessions[s] = struct{}{}
		m.sessionGroup.Add(1)
	} else {
		delete(m.sessions, s)
		m.sessionGroup.Done()
	}
	return true
}

// handleInbound runs an accepted session from handshake to close
func (m *Manager) handleInbound(s *session) {
	logger := s.lg
	defer logutil.LogPanic(logger)

	peer, err := s.handshake(m.identity, m.cfg.HandshakeTimeout)
	if err != nil {
		logger.Warn("inbound handshake failed", zap.Error(err))
		_ = s.close()
		m.trackSession(s, false)
		return
	}
	ep, err := m.bindSession(peer, s)
	if err != nil {
		logger.Warn("reject inbound session", zap.String("peer", peer), zap.Error(err))
		ctx, cancel := context.WithTimeout(m.ctx, m.cfg.HandshakeTimeout)
		s.goAway(ctx)
		cancel()
		_ = s.close()
		m.trackSession(s, false)
		return
	}
	m.serveSession(ep, s)
}

// connect dials ep and binds the session to it. On success the session is served on its own goroutine.
func (m *Manager) connect(ctx context.Context, ep *Endpoint, service string) error {
	conn, err := m.dial(ctx, ep.name, service)
	if err != nil {
		return err
	}

	s := newSession(traceutil.WithTraceID(ctx), conn, true, &m.cfg, m.lg)
	if !m.trackSession(s, true) {
		_ = s.close()
		return ErrManagerClosed
	}

	peer, err := s.handshake(m.identity, m.cfg.HandshakeTimeout)
	if err == nil && peer != ep.name {
		err = errors.Errorf("peer identity %q does not match endpoint %q", peer, ep.name)
	}
	if err == nil {
		_, err = m.bindSession(peer, s)
	}
	if err != nil {
		_ = s.close()
		m.trackSession(s, false)
		return err
	}

	go func() {
		defer logutil.LogPanic(s.lg)
		m.serveSession(ep, s)
	}()
	return nil
}

func (m *Manager) dial(ctx context.Context, node, service string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()

	var conn net.Conn
	var err error
	if m.cfg.TLS != nil {
		cfg := m.cfg.TLS.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName = node
		}
		d := &tls.Dialer{Config: cfg}
		conn, err = d.DialContext(ctx, "tcp", service)
	} else {
		d := &net.Dialer{}
		conn, err = d.DialContext(ctx, "tcp", service)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s at %s", node, service)
	}
	return conn, nil
}

// bindSession makes s the live session of the endpoint named peer, creating the endpoint if needed.
// If the endpoint already has a live session, s replaces it only when s is preferred and the live one is not,
// otherwise s is rejected. Both nodes prefer the same connection, so simultaneous dials settle on one of them.
func (m *Manager) bindSession(peer string, s *session) (*Endpoint, error) {
	if peer == m.identity {
		return nil, errors.New("session to self")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	ep, ok := m.endpoints[peer]
	if !ok {
		ep = newEndpoint(m, peer, false)
		m.endpoints[peer] = ep
	}
	var replaced *session
	if ep.state == Connected {
		if !m.preferred(peer, s) || m.preferred(peer, ep.session) {
			m.mu.Unlock()
			return nil, errors.Errorf("endpoint %s already connected", peer)
		}
		replaced = ep.session
	}
	ep.state = Connected
	ep.session = s
	topics := m.local.subscriptionsLocked()
	if replaced != nil {
		m.mu.Unlock()

		s.lg.Info("endpoint session replaced", zap.String("peer", peer))
		_ = replaced.close()
		if err := s.sendSubscriptions(topics); err != nil {
			s.lg.Warn("failed to send subscriptions", zap.Error(err))
		}
		return ep, nil
	}
	ep.topics = make(map[string]struct{})
	observers := append([]EndpointObserver(nil), m.observers...)
	m.mu.Unlock()

	m.metrics.connected.Inc()
	s.lg.Info("endpoint connected", zap.String("peer", peer))

	if err := s.sendSubscriptions(topics); err != nil {
		s.lg.Warn("failed to send subscriptions", zap.Error(err))
	}
	for _, observer := range observers {
		m.notify(observer, ep)
	}
	return ep, nil
}

// preferred reports whether s is the session kept between the local node and peer:
// the one dialed by the node with the smaller identity.
func (m *Manager) preferred(peer string, s *session) bool {
	return s.outbound == (m.identity < peer)
}

func (m *Manager) notify(observer EndpointObserver, ep *Endpoint) {
	defer logutil.RecoverPanic(m.lg, "endpoint observer panicked")
	observer(m, ep)
}

// unbindSession disconnects ep if s is its live session
func (m *Manager) unbindSession(ep *Endpoint, s *session) {
	m.mu.Lock()
	bound := ep.session == s
	if bound {
		ep.session = nil
		ep.state = Disconnected
		ep.topics = make(map[string]struct{})
	}
	m.mu.Unlock()

	if bound {
		m.metrics.connected.Dec()
		s.lg.Info("endpoint disconnected", zap.String("peer", ep.name))
	}
}

// serveSession reads frames from s until it is closed by either side or a protocol error occurs
func (m *Manager) serveSession(ep *Endpoint, s *session) {
	logger := s.lg.With(zap.String("peer", ep.name))
	defer m.trackSession(s, false)
	defer func() { _ = s.close() }()
	defer m.unbindSession(ep, s)

	for {
		f, free, err := s.framer.ReadFrame()
		if err != nil {
			if isClosedErr(err) {
				logger.Debug("session closed", zap.Error(err))
			} else {
				logger.Warn("failed to read frame", zap.Error(err))
			}
			return
		}
		if logger.Core().Enabled(zap.DebugLevel) {
			logger.Debug("read frame", zap.String("frame", f.Info()))
		}
		ok := m.handleFrame(ep, f, logger)
		free()
		if !ok {
			return
		}
	}
}

// handleFrame processes a frame from ep and reports whether the session should be kept
func (m *Manager) handleFrame(ep *Endpoint, f *codec.Frame, logger *zap.Logger) bool {
	switch f.OpCode {
	case operation.Message():
		msg, err := protocol.ParseFrame(f)
		if err != nil {
			logger.Error("malformed message", zap.Error(err))
			return false
		}
		switch msg := msg.(type) {
		case *protocol.Response:
			m.ProcessResponseMessage(ep, msg)
		case *protocol.Request:
			m.deliverLocal(ep, msg)
		}
	case operation.Subscriptions():
		var h protocol.Header
		if err := h.Unmarshal(f.HeaderFmt, f.Header); err != nil {
			logger.Error("malformed subscriptions", zap.Error(err))
			return false
		}
		m.setSubscriptions(ep, h.Topics)
	case operation.GoAway():
		logger.Info("peer is going away")
		return false
	case operation.Hello():
		logger.Error("unexpected hello after handshake")
		return false
	default:
		logger.Warn("ignore frame with unknown operation", zap.String("frame", f.Info()))
	}
	return true
}

// setSubscriptions replaces the subscription set of ep
func (m *Manager) setSubscriptions(ep *Endpoint, topics []string) {
	set := make(map[string]struct{}, len(topics))
	for _, topic := range topics {
		set[topic] = struct{}{}
	}
	m.mu.Lock()
	if ep.state == Connected {
		ep.topics = set
	}
	m.mu.Unlock()
}
