// Package metrics provides Prometheus metrics for the auth and embed pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the pipeline.
// A disabled instance is a safe no-op.
type Metrics struct {
	enabled bool

	authAttemptsTotal *prometheus.CounterVec

	embedTokensIssued  *prometheus.CounterVec
	embedTokensRevoked prometheus.Counter

	accessDenialsTotal *prometheus.CounterVec

	cacheHitsTotal *prometheus.CounterVec
	cacheMissTotal *prometheus.CounterVec

	upstreamDuration *prometheus.HistogramVec
}

// New creates and registers metrics on the default registry.
// If enabled is false, returns a no-op instance.
func New(enabled bool) *Metrics {
	return NewWithRegistry(enabled, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics registered on reg, for callers that own
// their registry (and for tests).
func NewWithRegistry(enabled bool, reg prometheus.Registerer) *Metrics {
	m := &Metrics{enabled: enabled}

	if !enabled {
		return m
	}

	factory := promauto.With(reg)

	m.authAttemptsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "embedauth_auth_attempts_total",
		Help: "Token verification attempts by outcome",
	}, []string{"outcome"})

	m.embedTokensIssued = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "embedauth_embed_tokens_issued_total",
		Help: "Embed token issuance requests by result",
	}, []string{"result"})

	m.embedTokensRevoked = factory.NewCounter(prometheus.CounterOpts{
		Name: "embedauth_embed_tokens_revoked_total",
		Help: "Embed tokens revoked",
	})

	m.accessDenialsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "embedauth_access_denials_total",
		Help: "Authorization denials by resource",
	}, []string{"resource"})

	m.cacheHitsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "embedauth_cache_hits_total",
		Help: "Cache hits by cache type",
	}, []string{"cache"})

	m.cacheMissTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "embedauth_cache_misses_total",
		Help: "Cache misses by cache type",
	}, []string{"cache"})

	m.upstreamDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "embedauth_upstream_request_duration_seconds",
		Help:    "Outbound request duration by upstream",
		Buckets: prometheus.DefBuckets,
	}, []string{"upstream"})

	return m
}

// AuthAttempt records a token verification outcome ("success", "expired",
// "invalid", "key_retrieval").
func (m *Metrics) AuthAttempt(outcome string) {
	if m == nil || !m.enabled {
		return
	}
	m.authAttemptsTotal.WithLabelValues(outcome).Inc()
}

// TokenIssued records an embed token issuance result ("success", "denied",
// "error").
func (m *Metrics) TokenIssued(result string) {
	if m == nil || !m.enabled {
		return
	}
	m.embedTokensIssued.WithLabelValues(result).Inc()
}

// TokenRevoked records an embed token revocation.
func (m *Metrics) TokenRevoked() {
	if m == nil || !m.enabled {
		return
	}
	m.embedTokensRevoked.Inc()
}

// AccessDenied records an authorization denial for a resource.
func (m *Metrics) AccessDenied(resource string) {
	if m == nil || !m.enabled {
		return
	}
	m.accessDenialsTotal.WithLabelValues(resource).Inc()
}

// CacheHit records a hit on the named cache.
func (m *Metrics) CacheHit(cache string) {
	if m == nil || !m.enabled {
		return
	}
	m.cacheHitsTotal.WithLabelValues(cache).Inc()
}

// CacheMiss records a miss on the named cache.
func (m *Metrics) CacheMiss(cache string) {
	if m == nil || !m.enabled {
		return
	}
	m.cacheMissTotal.WithLabelValues(cache).Inc()
}

// ObserveUpstream records the duration of an outbound call.
func (m *Metrics) ObserveUpstream(upstream string, d time.Duration) {
	if m == nil || !m.enabled {
		return
	}
	m.upstreamDuration.WithLabelValues(upstream).Observe(d.Seconds())
}
