// Package metrics exposes Prometheus counters for the authorization
// server. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pit"

// Metrics holds the server's collectors.
type Metrics struct {
	registry *prometheus.Registry

	registrations  *prometheus.CounterVec
	authorizations *prometheus.CounterVec
	tokenGrants    *prometheus.CounterVec
	bearerAuth     *prometheus.CounterVec
}

// New creates a registry with process and Go runtime collectors plus
// the OAuth counters.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	m := &Metrics{
		registry: reg,
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "oauth",
			Name:      "client_registrations_total",
			Help:      "Registered OAuth clients by source (dcr or auto).",
		}, []string{"source"}),
		authorizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "oauth",
			Name:      "authorizations_total",
			Help:      "Authorization requests by stage and outcome.",
		}, []string{"stage", "outcome"}),
		tokenGrants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "oauth",
			Name:      "token_grants_total",
			Help:      "Token endpoint requests by grant type and outcome.",
		}, []string{"grant_type", "outcome"}),
		bearerAuth: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "oauth",
			Name:      "bearer_verifications_total",
			Help:      "Bearer token verifications by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(m.registrations, m.authorizations, m.tokenGrants, m.bearerAuth)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ClientRegistered counts a new client.
func (m *Metrics) ClientRegistered(source string) {
	if m == nil {
		return
	}

	m.registrations.WithLabelValues(source).Inc()
}

// Authorization counts an authorize or callback outcome. Outcome is
// "ok", "upstream_error" or an OAuth error code issued by this server.
func (m *Metrics) Authorization(stage, outcome string) {
	if m == nil {
		return
	}

	m.authorizations.WithLabelValues(stage, outcome).Inc()
}

// TokenGrant counts a token endpoint outcome.
func (m *Metrics) TokenGrant(grantType, outcome string) {
	if m == nil {
		return
	}

	m.tokenGrants.WithLabelValues(grantType, outcome).Inc()
}

// BearerVerification counts a bearer verification outcome.
func (m *Metrics) BearerVerification(outcome string) {
	if m == nil {
		return
	}

	m.bearerAuth.WithLabelValues(outcome).Inc()
}
