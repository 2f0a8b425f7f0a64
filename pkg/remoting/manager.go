package remoting

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/AutoMQ/remoting/pkg/remoting/protocol"
	"github.com/AutoMQ/remoting/pkg/util/logutil"
)

var (
	// ErrManagerClosed is returned by operations on a closed Manager
	ErrManagerClosed = errors.New("manager closed")
)

// TopicHandler handles a request delivered to the local endpoint.
// It runs on its own goroutine and may call back into the Manager, e.g. to reply with SendUnicastMessage.
type TopicHandler func(m *Manager, sender *Endpoint, req *protocol.Request)

// EndpointObserver is notified when an endpoint becomes connected
type EndpointObserver func(m *Manager, ep *Endpoint)

// Option configures a Manager
type Option func(*Manager)

// WithClock sets the clock driving deadlines and sweeps
func WithClock(clock clockwork.Clock) Option {
	return func(m *Manager) {
		m.clock = clock
	}
}

// WithRegisterer registers the Manager's metrics on r
func WithRegisterer(r prometheus.Registerer) Option {
	return func(m *Manager) {
		m.registerer = r
	}
}

// Manager routes messages between the local endpoint and its peers, and tracks
// calls awaiting a response.
type Manager struct {
	// Immutable:
	identity   string
	cfg        Config
	local      *Endpoint
	clock      clockwork.Clock
	registerer prometheus.Registerer
	metrics    *metrics
	balancer   *balancer

	ctx    context.Context
	cancel context.CancelFunc

	// mu guards the endpoint registry, the pending-call table and everything below.
	// Callbacks, handlers and observers are never invoked while holding it.
	mu        sync.Mutex
	endpoints map[string]*Endpoint
	handlers  map[string]TopicHandler
	observers []EndpointObserver
	pending   *pendingCalls
	lastID    uint32
	listeners map[*onceCloseListener]struct{}
	sessions  map[*session]struct{}
	started   bool
	closed    bool

	listenerGroup sync.WaitGroup
	sessionGroup  sync.WaitGroup
	handlerGroup  sync.WaitGroup
	sweepGroup    sync.WaitGroup
	kick          chan struct{} // wakes up the reconnect sweep

	lg *zap.Logger
}

// NewManager creates a Manager for the node named identity
func NewManager(identity string, cfg Config, logger *zap.Logger, opts ...Option) (*Manager, error) {
	if identity == "" {
		return nil, errors.New("empty identity")
	}
	cfg.adjust()

	m := &Manager{
		identity:  identity,
		cfg:       cfg,
		clock:     clockwork.NewRealClock(),
		metrics:   newMetrics(),
		balancer:  newBalancer(),
		endpoints: make(map[string]*Endpoint),
		handlers:  make(map[string]TopicHandler),
		pending:   newPendingCalls(),
		listeners: make(map[*onceCloseListener]struct{}),
		sessions:  make(map[*session]struct{}),
		kick:      make(chan struct{}, 1),
		lg:        logger.With(zap.String("identity", identity)),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.registerer != nil {
		if err := m.metrics.register(m.registerer); err != nil {
			return nil, errors.WithMessage(err, "register metrics")
		}
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	m.local = newEndpoint(m, identity, true)
	m.endpoints[identity] = m.local
	return m, nil
}

// Identity returns the name of the local endpoint
func (m *Manager) Identity() string {
	return m.identity
}

// Endpoint returns the local endpoint
func (m *Manager) Endpoint() *Endpoint {
	return m.local
}

// GetEndpoint returns the endpoint named name, nil if unknown
func (m *Manager) GetEndpoint(name string) *Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endpoints[name]
}

// Endpoints returns all known endpoints, sorted by name
func (m *Manager) Endpoints() []*Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedEndpointsLocked()
}

func (m *Manager) sortedEndpointsLocked() []*Endpoint {
	eps := make([]*Endpoint, 0, len(m.endpoints))
	for _, ep := range m.endpoints {
		eps = append(eps, ep)
	}
	sort.Slice(eps, func(i, j int) bool { return eps[i].name < eps[j].name })
	return eps
}

// RegisterTopicHandler subscribes the local endpoint to topic.
// Requests on topic delivered to the local endpoint are passed to handler.
// The subscription is announced to peers by the next subscription sweep.
func (m *Manager) RegisterTopicHandler(topic string, handler TopicHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = handler
}

// OnNewEndpoint registers an observer notified whenever an endpoint becomes connected
func (m *Manager) OnNewEndpoint(observer EndpointObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, observer)
}

// AddConnection registers node as a peer reachable at service.
// The connection is established, and re-established after a failure, by the reconnect sweep.
func (m *Manager) AddConnection(node, service string) {
	logger := m.lg
	if node == m.identity {
		logger.Warn("ignore connection to self", zap.String("service", service))
		return
	}

	m.mu.Lock()
	ep, ok := m.endpoints[node]
	if !ok {
		ep = newEndpoint(m, node, false)
		m.endpoints[node] = ep
	}
	changed := ep.service != service
	ep.service = service
	started := m.started
	m.mu.Unlock()

	if changed {
		logger.Info("add connection", zap.String("node", node), zap.String("service", service))
	}
	if started {
		select {
		case m.kick <- struct{}{}:
		default:
		}
	}
}

// SendUnicastMessage delivers msg to the endpoint named recipient.
// The message is dropped if the recipient is unknown or not connected.
func (m *Manager) SendUnicastMessage(sender *Endpoint, recipient string, msg protocol.Message) {
	logger := m.lg

	m.mu.Lock()
	ep, ok := m.endpoints[recipient]
	var state State
	var sess *session
	if ok {
		state = ep.state
		sess = ep.session
	}
	m.mu.Unlock()

	if !ok {
		logger.Warn("drop message to unknown endpoint", zap.String("recipient", recipient), zap.Uint32("message-id", msg.MessageID()))
		m.metrics.dropped.WithLabelValues(_reasonUnknownEndpoint).Inc()
		return
	}
	if !ep.local && (state != Connected || sess == nil) {
		logger.Warn("drop message to disconnected endpoint", zap.String("recipient", recipient), zap.Stringer("state", state),
			zap.Uint32("message-id", msg.MessageID()))
		m.metrics.dropped.WithLabelValues(_reasonNotConnected).Inc()
		return
	}
	m.deliver(sender, ep, sess, msg, _modeUnicast)
}

// SendAnycastMessage delivers req to exactly one connected endpoint subscribed to req.Method,
// other than sender. Recipients are chosen round-robin per topic.
// The request is dropped if there is no such endpoint.
func (m *Manager) SendAnycastMessage(sender *Endpoint, req *protocol.Request) {
	logger := m.lg

	m.mu.Lock()
	var candidates []*Endpoint
	for _, ep := range m.sortedEndpointsLocked() {
		if ep.eligibleLocked(sender, req.Method) {
			candidates = append(candidates, ep)
		}
	}
	var ep *Endpoint
	var sess *session
	if len(candidates) > 0 {
		ep = candidates[m.balancer.next(req.Method, len(candidates))]
		sess = ep.session
	}
	m.mu.Unlock()

	if ep == nil {
		logger.Warn("drop anycast message without recipient", zap.String("method", req.Method))
		m.metrics.dropped.WithLabelValues(_reasonNoRecipient).Inc()
		return
	}
	m.deliver(sender, ep, sess, req, _modeAnycast)
}

// SendMulticastMessage delivers req to every connected endpoint subscribed to req.Method, other than sender.
// A failure to deliver to one endpoint does not prevent delivery to the others.
func (m *Manager) SendMulticastMessage(sender *Endpoint, req *protocol.Request) {
	type target struct {
		ep   *Endpoint
		sess *session
	}

	m.mu.Lock()
	var targets []target
	for _, ep := range m.sortedEndpointsLocked() {
		if ep.eligibleLocked(sender, req.Method) {
			targets = append(targets, target{ep: ep, sess: ep.session})
		}
	}
	m.mu.Unlock()

	if len(targets) == 0 {
		m.lg.Debug("no recipient for multicast message", zap.String("method", req.Method))
		return
	}
	for _, t := range targets {
		m.deliver(sender, t.ep, t.sess, req, _modeMulticast)
	}
}

// SendAPIMessage sends req to recipient, stamped with a fresh message id, and invokes callback
// exactly once: with the response, or with timedOut set once timeout elapses without one.
// A non-positive timeout means the configured default. SendAPIMessage never blocks.
func (m *Manager) SendAPIMessage(sender *Endpoint, recipient string, req *protocol.Request, callback APICallback, timeout time.Duration) {
	if timeout <= 0 {
		timeout = m.cfg.CallTimeout
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.lg.Warn("call on closed manager", zap.String("recipient", recipient), zap.String("method", req.Method))
		m.fire(&pendingCall{request: req, callback: callback}, nil, nil, true)
		return
	}
	id := m.nextIDLocked()
	call := &pendingCall{
		id:       id,
		request:  req.WithID(id),
		callback: callback,
		deadline: m.clock.Now().Add(timeout),
	}
	m.pending.add(call)
	m.metrics.pendingCalls.Set(float64(m.pending.len()))
	m.mu.Unlock()

	if logger := m.lg; logger.Core().Enabled(zap.DebugLevel) {
		logger.Debug("send api message", zap.String("recipient", recipient), zap.String("method", req.Method),
			zap.Uint32("message-id", id), zap.Duration("timeout", timeout))
	}
	m.SendUnicastMessage(sender, recipient, call.request)
}

// ProcessResponseMessage completes the pending call matching resp.ID with resp.
// A response matching no pending call, e.g. one arriving after the call timed out, is discarded.
func (m *Manager) ProcessResponseMessage(sender *Endpoint, resp *protocol.Response) {
	m.mu.Lock()
	call := m.pending.remove(resp.ID)
	if call != nil {
		m.metrics.pendingCalls.Set(float64(m.pending.len()))
	}
	m.mu.Unlock()

	if call == nil {
		m.lg.Debug("discard unmatched response", zap.Uint32("message-id", resp.ID), zap.String("sender", nameOf(sender)))
		return
	}
	m.fire(call, sender, resp, false)
}

// nextIDLocked returns a non-zero id not used by any pending call
func (m *Manager) nextIDLocked() uint32 {
	for {
		m.lastID++
		if m.lastID != 0 && !m.pending.has(m.lastID) {
			return m.lastID
		}
	}
}

func (m *Manager) fire(call *pendingCall, sender *Endpoint, resp *protocol.Response, timedOut bool) {
	defer logutil.RecoverPanic(m.lg, "api callback panicked")
	call.callback(m, sender, call.request, resp, timedOut)
}

// deliver hands msg to the local handlers or to the session of ep
func (m *Manager) deliver(sender *Endpoint, ep *Endpoint, sess *session, msg protocol.Message, mode string) {
	logger := m.lg

	if ep.local {
		if m.deliverLocal(sender, msg) {
			m.metrics.sent.WithLabelValues(mode).Inc()
		}
		return
	}

	if err := sess.send(msg); err != nil {
		logger.Warn("failed to send message", zap.String("recipient", ep.name), zap.String("mode", mode),
			zap.Uint32("message-id", msg.MessageID()), zap.Error(err))
		m.metrics.dropped.WithLabelValues(_reasonWriteFailed).Inc()
		return
	}
	m.metrics.sent.WithLabelValues(mode).Inc()
}

// deliverLocal dispatches msg received from sender to the local endpoint.
// It reports whether the message was accepted.
func (m *Manager) deliverLocal(sender *Endpoint, msg protocol.Message) bool {
	logger := m.lg

	switch msg := msg.(type) {
	case *protocol.Response:
		return m.goHandle(func() { m.ProcessResponseMessage(sender, msg) })
	case *protocol.Request:
		m.mu.Lock()
		handler, ok := m.handlers[msg.Method]
		m.mu.Unlock()
		if !ok {
			logger.Warn("drop request without handler", zap.String("method", msg.Method), zap.String("sender", nameOf(sender)))
			m.metrics.dropped.WithLabelValues(_reasonNoHandler).Inc()
			return false
		}
		return m.goHandle(func() { handler(m, sender, msg) })
	default:
		logger.Error("unsupported message type", zap.Any("message", msg))
		return false
	}
}

// goHandle runs fn on its own goroutine, unless the manager is closed
func (m *Manager) goHandle(fn func()) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.metrics.dropped.WithLabelValues(_reasonClosed).Inc()
		return false
	}
	m.handlerGroup.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.handlerGroup.Done()
		defer logutil.RecoverPanic(m.lg, "handler panicked")
		fn()
	}()
	return true
}

// Start starts the request-timeout, subscription and reconnect sweeps
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	if m.started {
		return nil
	}
	m.started = true

	m.sweepGroup.Add(3)
	go m.runSweep("request", m.cfg.RequestSweepInterval, nil, func(context.Context) { m.sweepRequests() })
	go m.runSweep("subscription", m.cfg.SubscriptionSweepInterval, nil, func(context.Context) { m.sweepSubscriptions() })
	go m.runSweep("reconnect", m.cfg.ReconnectInterval, m.kick, m.sweepReconnects)
	// connect to configured peers right away
	select {
	case m.kick <- struct{}{}:
	default:
	}
	return nil
}

// Close stops the sweeps, closes listeners and sessions, and completes every pending call as timed out.
// If ctx is done before sessions and handlers finish, Close returns the context's error and
// the handlers still running are left to finish on their own.
func (m *Manager) Close(ctx context.Context) error {
	logger := m.lg

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	listeners := make([]*onceCloseListener, 0, len(m.listeners))
	for l := range m.listeners {
		listeners = append(listeners, l)
	}
	sessions := make([]*session, 0, len(m.sessions))
	for s := range m.sessions {
		sessions = append(sessions, s)
	}
	calls := m.pending.drain()
	m.metrics.pendingCalls.Set(0)
	m.mu.Unlock()

	logger.Info("start to close manager")
	m.cancel()

	var err error
	for _, l := range listeners {
		if cerr := l.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}

	// sessions still in handshake are closed as well, which unblocks the reconnect sweep
	var wg sync.WaitGroup
	for _, s := range sessions {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.goAway(ctx)
			_ = s.close()
		}()
	}
	wg.Wait()
	m.listenerGroup.Wait()
	m.sweepGroup.Wait()

	for _, call := range calls {
		m.fire(call, nil, nil, true)
	}

	if werr := waitGroup(ctx, &m.sessionGroup, &m.handlerGroup); werr != nil {
		err = werr
	}
	logger.Info("manager closed", zap.Error(err))
	return err
}

// waitGroup waits for all groups, or returns ctx.Err() if ctx is done first.
// The waiting goroutine outlives an early return until every group is done.
func waitGroup(ctx context.Context, groups ...*sync.WaitGroup) error {
	c := make(chan struct{})
	go func() {
		defer close(c)
		for _, g := range groups {
			g.Wait()
		}
	}()
	select {
	case <-c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func nameOf(ep *Endpoint) string {
	if ep == nil {
		return ""
	}
	return ep.name
}
