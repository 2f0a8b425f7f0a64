package remoting

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/AutoMQ/remoting/pkg/util/logutil"
)

// runSweep calls sweep every interval, and whenever wake fires, until the manager is closed
func (m *Manager) runSweep(name string, interval time.Duration, wake <-chan struct{}, sweep func(ctx context.Context)) {
	logger := m.lg.With(zap.String("sweep", name))
	defer logutil.LogPanic(logger)
	defer m.sweepGroup.Done()

	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("sweep started", zap.Duration("interval", interval))
	for {
		select {
		case <-m.ctx.Done():
			logger.Info("sweep stopped")
			return
		case <-ticker.Chan():
		case <-wake:
		}
		sweep(m.ctx)
	}
}

// sweepRequests completes every pending call whose deadline has passed as timed out, earliest deadline first
func (m *Manager) sweepRequests() {
	now := m.clock.Now()

	m.mu.Lock()
	expired := m.pending.expire(now)
	if len(expired) > 0 {
		m.metrics.pendingCalls.Set(float64(m.pending.len()))
	}
	m.mu.Unlock()

	for _, call := range expired {
		m.lg.Info("api call timed out", zap.Uint32("message-id", call.id), zap.String("method", call.request.Method),
			zap.Time("deadline", call.deadline))
		m.metrics.callTimeouts.Inc()
		m.fire(call, nil, nil, true)
	}
}

// sweepSubscriptions announces the local subscriptions to every connected peer
func (m *Manager) sweepSubscriptions() {
	m.mu.Lock()
	topics := m.local.subscriptionsLocked()
	var sessions []*session
	for _, ep := range m.endpoints {
		if !ep.local && ep.state == Connected && ep.session != nil {
			sessions = append(sessions, ep.session)
		}
	}
	m.mu.Unlock()

	for _, s := range sessions {
		if err := s.sendSubscriptions(topics); err != nil {
			s.lg.Warn("failed to send subscriptions", zap.Error(err))
		}
	}
}

// sweepReconnects dials every configured peer without a session, in parallel.
// Failed peers are retried by the next sweep.
func (m *Manager) sweepReconnects(ctx context.Context) {
	logger := m.lg

	type target struct {
		ep      *Endpoint
		service string
	}
	m.mu.Lock()
	var targets []target
	for _, ep := range m.sortedEndpointsLocked() {
		if ep.local || ep.service == "" || ep.state != Disconnected {
			continue
		}
		ep.state = Connecting
		targets = append(targets, target{ep: ep, service: ep.service})
	}
	m.mu.Unlock()

	if len(targets) == 0 {
		return
	}

	g := new(errgroup.Group)
	g.SetLimit(m.cfg.ReconnectParallelism)
	for _, t := range targets {
		t := t
		g.Go(func() error {
			err := m.connect(ctx, t.ep, t.service)
			if err != nil {
				logger.Warn("failed to connect to endpoint", zap.String("node", t.ep.name), zap.String("service", t.service), zap.Error(err))
				m.metrics.reconnects.WithLabelValues(_resultFailure).Inc()
				m.mu.Lock()
				if t.ep.state == Connecting {
					t.ep.state = Disconnected
				}
				m.mu.Unlock()
				return nil
			}
			m.metrics.reconnects.WithLabelValues(_resultSuccess).Inc()
			return nil
		})
	}
	_ = g.Wait()
}
