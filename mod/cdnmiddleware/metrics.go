package cdnmiddleware

import "github.com/prometheus/client_golang/prometheus"

const metricNamespace = "cdnswitch"

// Metrics exports pipeline counters to Prometheus. A nil *Metrics records nothing.
type Metrics struct {
	documents    *prometheus.CounterVec
	urls         *prometheus.CounterVec
	scripts      *prometheus.CounterVec
	rehydrations *prometheus.CounterVec
	minify       *prometheus.CounterVec
	duration     prometheus.Histogram
}

// NewMetrics creates the pipeline metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		documents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Subsystem: "filter",
			Name:      "documents_total",
			Help:      "Documents passed through the media URL filter",
		}, []string{"site", "outcome"}),
		urls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Subsystem: "filter",
			Name:      "urls_rewritten_total",
			Help:      "URL attributes changed by the media URL filter",
		}, []string{"site"}),
		scripts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Subsystem: "filter",
			Name:      "scripts_relocated_total",
			Help:      "Script elements moved in fast-load mode",
		}, []string{"site"}),
		rehydrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Subsystem: "intercept",
			Name:      "rehydrations_total",
			Help:      "Inbound requests whose dehydrated path was restored",
		}, []string{"site"}),
		minify: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Subsystem: "intercept",
			Name:      "minify_requests_total",
			Help:      "Inbound requests routed to the minifier",
		}, []string{"site"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricNamespace,
			Subsystem: "filter",
			Name:      "rewrite_duration_seconds",
			Help:      "Time spent rewriting one buffered document",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
	}
	reg.MustRegister(m.documents, m.urls, m.scripts, m.rehydrations, m.minify, m.duration)
	return m
}

func (m *Metrics) document(site string, event FilterEvent) {
	if m == nil {
		return
	}
	outcome := "rewritten"
	if event.Failed {
		outcome = "failed"
	}
	m.documents.WithLabelValues(site, outcome).Inc()
	m.urls.WithLabelValues(site).Add(float64(event.URLs))
	m.scripts.WithLabelValues(site).Add(float64(event.Scripts))
	m.duration.Observe(event.Duration.Seconds())
}

func (m *Metrics) rehydrated(site string) {
	if m == nil {
		return
	}
	m.rehydrations.WithLabelValues(site).Inc()
}

func (m *Metrics) minifyRequest(site string) {
	if m == nil {
		return
	}
	m.minify.WithLabelValues(site).Inc()
}
