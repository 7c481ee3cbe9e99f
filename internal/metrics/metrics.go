package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prerender_proxy_decisions_total",
			Help: "Classified requests by deciding rule.",
		},
		[]string{"reason", "intercept"},
	)

	OutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prerender_proxy_outcomes_total",
			Help: "Requests by terminal engine state.",
		},
		[]string{"state"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "prerender_proxy_request_duration_seconds",
			Help:    "Time spent in the engine per request.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"state"},
	)

	UpstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "prerender_proxy_upstream_duration_seconds",
			Help:    "Renderer call duration in seconds.",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 20, 30, 60},
		},
		[]string{"code"},
	)

	BytesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prerender_proxy_bytes_sent_total",
			Help: "Total snapshot bytes sent to clients.",
		},
		[]string{"state"},
	)

	ActiveUpstream = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "prerender_proxy_active_upstream_requests",
			Help: "Number of renderer calls in flight.",
		},
	)

	PACReloadTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prerender_proxy_pac_reload_total",
			Help: "Count of PAC file reloads.",
		},
		[]string{"status"},
	)

	UpstreamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prerender_proxy_upstream_errors_total",
			Help: "Count of failures that caused a fall-through.",
		},
		[]string{"kind"},
	)
)

// All collects all metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		DecisionsTotal,
		OutcomesTotal,
		RequestDuration,
		UpstreamDuration,
		BytesSent,
		ActiveUpstream,
		PACReloadTotal,
		UpstreamErrors,
	}
}

// RegisterOn registers all metrics on the given registry.
func RegisterOn(reg prometheus.Registerer) {
	for _, c := range All() {
		reg.MustRegister(c)
	}
}

// Register registers all metrics on the default registry.
func Register() {
	RegisterOn(prometheus.DefaultRegisterer)
}
