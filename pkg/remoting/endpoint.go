package remoting

import (
	"sort"
)

// State is the connection state of an Endpoint
type State int32

const (
	// Disconnected means there is no live session to the endpoint
	Disconnected State = iota
	// Connecting means a dial or a handshake is in progress
	Connecting
	// Connected means the endpoint has exactly one live session
	Connected
)

// String implements fmt.Stringer
func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	default:
		return "Unknown"
	}
}

// Endpoint is an addressable node known to a Manager.
// Endpoints are created on first reference and live as long as the Manager.
type Endpoint struct {
	name  string
	local bool
	m     *Manager

	// fields below are guarded by m.mu
	state   State
	service string // address to dial, empty if the endpoint only connects to us
	topics  map[string]struct{}
	session *session
}

func newEndpoint(m *Manager, name string, local bool) *Endpoint {
	ep := &Endpoint{
		name:   name,
		local:  local,
		m:      m,
		state:  Disconnected,
		topics: make(map[string]struct{}),
	}
	if local {
		ep.state = Connected
	}
	return ep
}

// Name returns the identity of the endpoint
func (e *Endpoint) Name() string {
	return e.name
}

// IsLocal returns whether the endpoint is the node itself
func (e *Endpoint) IsLocal() bool {
	return e.local
}

// State returns the current connection state
func (e *Endpoint) State() State {
	e.m.mu.Lock()
	defer e.m.mu.Unlock()
	return e.state
}

// Service returns the configured address of the endpoint, empty if none
func (e *Endpoint) Service() string {
	e.m.mu.Lock()
	defer e.m.mu.Unlock()
	return e.service
}

// HasSubscription returns whether the endpoint is interested in topic
func (e *Endpoint) HasSubscription(topic string) bool {
	e.m.mu.Lock()
	defer e.m.mu.Unlock()
	return e.hasSubscriptionLocked(topic)
}

// Subscriptions returns the sorted topics the endpoint is interested in
func (e *Endpoint) Subscriptions() []string {
	e.m.mu.Lock()
	defer e.m.mu.Unlock()
	return e.subscriptionsLocked()
}

func (e *Endpoint) hasSubscriptionLocked(topic string) bool {
	if e.local {
		_, ok := e.m.handlers[topic]
		return ok
	}
	_, ok := e.topics[topic]
	return ok
}

func (e *Endpoint) subscriptionsLocked() []string {
	var topics []string
	if e.local {
		topics = make([]string, 0, len(e.m.handlers))
		for topic := range e.m.handlers {
			topics = append(topics, topic)
		}
	} else {
		topics = make([]string, 0, len(e.topics))
		for topic := range e.topics {
			topics = append(topics, topic)
		}
	}
	sort.Strings(topics)
	return topics
}

// eligibleLocked reports whether a request on topic may be routed to the endpoint
func (e *Endpoint) eligibleLocked(sender *Endpoint, topic string) bool {
	if e == sender {
		return false
	}
	return e.state == Connected && e.hasSubscriptionLocked(topic)
}
