// Package metrics exposes Prometheus counters for key issuance, validation,
// webhook reconciliation and the expiry sweep. A nil *Metrics is valid and
// records nothing, so tests and the CLI can skip registration.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "keyservice"

type Metrics struct {
	keysIssued     *prometheus.CounterVec
	validations    *prometheus.CounterVec
	webhookEvents  *prometheus.CounterVec
	providerErrors *prometheus.CounterVec
	sweptKeys      prometheus.Counter
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		keysIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keys_issued_total",
			Help:      "Keys created, by kind.",
		}, []string{"kind"}),
		validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_validations_total",
			Help:      "Key validation attempts, by result.",
		}, []string{"result"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Payment provider notifications, by outcome.",
		}, []string{"outcome"}),
		providerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Failed calls to external collaborators, by operation.",
		}, []string{"op"}),
		sweptKeys: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swept_free_keys_total",
			Help:      "Free keys deactivated by the expiry sweep.",
		}),
	}
	reg.MustRegister(m.keysIssued, m.validations, m.webhookEvents, m.providerErrors, m.sweptKeys)
	return m
}

func (m *Metrics) KeyIssued(kind string) {
	if m == nil {
		return
	}
	m.keysIssued.WithLabelValues(kind).Inc()
}

func (m *Metrics) Validation(result string) {
	if m == nil {
		return
	}
	m.validations.WithLabelValues(result).Inc()
}

func (m *Metrics) WebhookEvent(outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ProviderError(op string) {
	if m == nil {
		return
	}
	m.providerErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) Swept(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.sweptKeys.Add(float64(n))
}

// Handler serves the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
