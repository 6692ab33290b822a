package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// HubMetrics aggregates the payment, clearing and integrity instruments.
type HubMetrics struct {
	paymentsCommitted   *prometheus.CounterVec
	paymentsAborted     *prometheus.CounterVec
	routingDuration     *prometheus.HistogramVec
	prepareLocksActive  prometheus.Gauge
	cyclesCleared       *prometheus.CounterVec
	clearedVolume       *prometheus.CounterVec
	integrityViolations *prometheus.CounterVec
	consentProposals    *prometheus.CounterVec
}

var (
	hubOnce     sync.Once
	hubRegistry *HubMetrics
)

// Hub returns the process-wide metrics registry, creating and registering it
// on first use.
func Hub() *HubMetrics {
	hubOnce.Do(func() {
		hubRegistry = &HubMetrics{
			paymentsCommitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "creditnet_payments_committed_total",
				Help: "Count of committed payments by equivalent.",
			}, []string{"equivalent"}),
			paymentsAborted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "creditnet_payments_aborted_total",
				Help: "Count of aborted payments by equivalent and error code.",
			}, []string{"equivalent", "code"}),
			routingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "creditnet_routing_duration_seconds",
				Help:    "Route search latency by equivalent.",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			}, []string{"equivalent"}),
			prepareLocksActive: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "creditnet_prepare_locks_active",
				Help: "Number of outstanding prepare locks.",
			}),
			cyclesCleared: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "creditnet_cycles_cleared_total",
				Help: "Count of netted debt cycles by equivalent and cycle length.",
			}, []string{"equivalent", "length"}),
			clearedVolume: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "creditnet_cleared_volume_minor_units",
				Help: "Total debt removed by clearing, in minor units per equivalent.",
			}, []string{"equivalent"}),
			integrityViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "creditnet_integrity_violations_total",
				Help: "Count of failed invariant checks by equivalent and check.",
			}, []string{"equivalent", "check"}),
			consentProposals: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "creditnet_clearing_consent_proposals_total",
				Help: "Count of consent ballots by outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(
			hubRegistry.paymentsCommitted,
			hubRegistry.paymentsAborted,
			hubRegistry.routingDuration,
			hubRegistry.prepareLocksActive,
			hubRegistry.cyclesCleared,
			hubRegistry.clearedVolume,
			hubRegistry.integrityViolations,
			hubRegistry.consentProposals,
		)
	})
	return hubRegistry
}

// ObservePaymentCommitted counts one successful payment.
func (m *HubMetrics) ObservePaymentCommitted(equivalent string) {
	if m == nil {
		return
	}
	m.paymentsCommitted.WithLabelValues(equivalent).Inc()
}

// ObservePaymentAborted counts one failed payment by error code.
func (m *HubMetrics) ObservePaymentAborted(equivalent, code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "unknown"
	}
	m.paymentsAborted.WithLabelValues(equivalent, code).Inc()
}

// ObserveRouting records one route-search latency sample.
func (m *HubMetrics) ObserveRouting(equivalent string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.routingDuration.WithLabelValues(equivalent).Observe(elapsed.Seconds())
}

// SetPrepareLocks tracks the outstanding reservation count.
func (m *HubMetrics) SetPrepareLocks(n int) {
	if m == nil {
		return
	}
	m.prepareLocksActive.Set(float64(n))
}

// ObserveCycleCleared counts one executed cycle offset.
func (m *HubMetrics) ObserveCycleCleared(equivalent string, length int, amountMinor float64) {
	if m == nil {
		return
	}
	m.cyclesCleared.WithLabelValues(equivalent, lengthLabel(length)).Inc()
	m.clearedVolume.WithLabelValues(equivalent).Add(amountMinor)
}

// ObserveIntegrityViolation counts one failed invariant check.
func (m *HubMetrics) ObserveIntegrityViolation(equivalent, check string) {
	if m == nil {
		return
	}
	if check == "" {
		check = "unknown"
	}
	m.integrityViolations.WithLabelValues(equivalent, check).Inc()
}

// ObserveConsent counts one ballot outcome (accepted, rejected, expired).
func (m *HubMetrics) ObserveConsent(outcome string) {
	if m == nil {
		return
	}
	m.consentProposals.WithLabelValues(outcome).Inc()
}

func lengthLabel(n int) string {
	switch n {
	case 3:
		return "3"
	case 4:
		return "4"
	case 5:
		return "5"
	case 6:
		return "6"
	default:
		return "other"
	}
}
