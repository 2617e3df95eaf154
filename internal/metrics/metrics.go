package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/skupperproject/skupper-messenger/pkg/messenger"
)

// MustRegisterSessionMetrics registers the message counters of send and
// receive sessions, labelled by address.
func MustRegisterSessionMetrics(registry prometheus.Registerer) messenger.MetricsProvider {
	provider := sessionMetrics{
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "messenger",
			Subsystem: "sender",
			Name:      "sent_total",
			Help:      "Total number of messages transmitted.",
		}, []string{"address"}),
		accepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "messenger",
			Subsystem: "sender",
			Name:      "accepted_total",
			Help:      "Total number of messages accepted by the peer.",
		}, []string{"address"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "messenger",
			Subsystem: "sender",
			Name:      "rejected_total",
			Help:      "Total number of messages rejected by the peer.",
		}, []string{"address"}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "messenger",
			Subsystem: "receiver",
			Name:      "received_total",
			Help:      "Total number of distinct messages received.",
		}, []string{"address"}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "messenger",
			Subsystem: "receiver",
			Name:      "duplicates_total",
			Help:      "Total number of received messages dropped as duplicates.",
		}, []string{"address"}),
	}
	registry.MustRegister(provider.sent, provider.accepted, provider.rejected, provider.received, provider.duplicates)
	return provider
}

type sessionMetrics struct {
	sent       *prometheus.CounterVec
	accepted   *prometheus.CounterVec
	rejected   *prometheus.CounterVec
	received   *prometheus.CounterVec
	duplicates *prometheus.CounterVec
}

func (p sessionMetrics) NewSentMetric(address string) messenger.CounterMetric {
	return p.sent.WithLabelValues(address)
}
func (p sessionMetrics) NewAcceptedMetric(address string) messenger.CounterMetric {
	return p.accepted.WithLabelValues(address)
}
func (p sessionMetrics) NewRejectedMetric(address string) messenger.CounterMetric {
	return p.rejected.WithLabelValues(address)
}
func (p sessionMetrics) NewReceivedMetric(address string) messenger.CounterMetric {
	return p.received.WithLabelValues(address)
}
func (p sessionMetrics) NewDuplicateMetric(address string) messenger.CounterMetric {
	return p.duplicates.WithLabelValues(address)
}
