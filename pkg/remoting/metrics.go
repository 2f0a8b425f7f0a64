package remoting

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

const (
	_namespace = "remoting"

	_modeUnicast   = "unicast"
	_modeAnycast   = "anycast"
	_modeMulticast = "multicast"

	_reasonUnknownEndpoint = "unknown_endpoint"
	_reasonNotConnected    = "not_connected"
	_reasonNoRecipient     = "no_recipient"
	_reasonNoHandler       = "no_handler"
	_reasonWriteFailed     = "write_failed"
	_reasonClosed          = "closed"

	_resultSuccess = "success"
	_resultFailure = "failure"
)

type metrics struct {
	sent         *prometheus.CounterVec
	dropped      *prometheus.CounterVec
	pendingCalls prometheus.Gauge
	callTimeouts prometheus.Counter
	connected    prometheus.Gauge
	reconnects   *prometheus.CounterVec
}

func newMetrics() *metrics {
	return &metrics{
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: _namespace,
			Name:      "messages_sent_total",
			Help:      "Number of messages handed to a session or a local handler, by routing mode",
		}, []string{"mode"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: _namespace,
			Name:      "messages_dropped_total",
			Help:      "Number of messages dropped, by reason",
		}, []string{"reason"}),
		pendingCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: _namespace,
			Name:      "pending_calls",
			Help:      "Number of API calls awaiting a response",
		}),
		callTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: _namespace,
			Name:      "call_timeouts_total",
			Help:      "Number of API calls completed by timeout",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: _namespace,
			Name:      "connected_endpoints",
			Help:      "Number of remote endpoints with a live session",
		}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: _namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Number of outgoing connection attempts, by result",
		}, []string{"result"}),
	}
}

func (mt *metrics) register(r prometheus.Registerer) error {
	var err error
	for _, c := range []prometheus.Collector{mt.sent, mt.dropped, mt.pendingCalls, mt.callTimeouts, mt.connected, mt.reconnects} {
		err = multierr.Append(err, r.Register(c))
	}
	return err
}
