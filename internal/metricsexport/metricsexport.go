// Package metricsexport publishes per-destination ping statistics as
// Prometheus metrics: a loss-rate gauge, an RTT histogram, and an
// in-flight-probes gauge, all labeled by destination. It is fed directly
// from algorithm.OutcomeEvent values as the ping engine raises them.
package metricsexport

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pcekm/graphping/internal/algorithm"
)

// Exporter tracks and publishes ping metrics for one or more destinations.
// The zero value is not usable; construct with New.
type Exporter struct {
	reg *prometheus.Registry

	rtt      *prometheus.HistogramVec
	loss     *prometheus.GaugeVec
	inFlight *prometheus.GaugeVec

	replies map[string]int
	losses  map[string]int
}

// New creates an Exporter with its own registry, so multiple Exporters
// (e.g. in tests) never collide on the default global one.
func New() *Exporter {
	e := &Exporter{
		reg: prometheus.NewRegistry(),
		rtt: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "graphping",
			Name:      "rtt_seconds",
			Help:      "Round-trip time of successful ping replies.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"destination"}),
		loss: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "graphping",
			Name:      "loss_ratio",
			Help:      "Fraction of accounted-for probes that timed out.",
		}, []string{"destination"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "graphping",
			Name:      "probes_in_flight",
			Help:      "Probes sent but not yet replied to or timed out.",
		}, []string{"destination"}),
		replies: make(map[string]int),
		losses:  make(map[string]int),
	}
	e.reg.MustRegister(e.rtt, e.loss, e.inFlight)
	return e
}

// Handler returns the HTTP handler to serve at /metrics.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.reg, promhttp.HandlerOpts{})
}

// Observe records the effect of a single outcome event for destination.
// It should be called once per non-informational OutcomeEvent an
// algorithm.Instance raises (i.e. the same events internal/pinger turns
// into PingResults), skipping AllProbesSent/Wait the way internal/pinger
// does.
func (e *Exporter) Observe(destination string, ev algorithm.OutcomeEvent) {
	switch ev.Kind {
	case algorithm.ProbeReply:
		e.replies[destination]++
		e.rtt.WithLabelValues(destination).Observe(ev.RTT.Seconds())
		e.inFlight.WithLabelValues(destination).Dec()
	case algorithm.Timeout:
		e.replies[destination]++
		e.losses[destination]++
		e.inFlight.WithLabelValues(destination).Dec()
	case algorithm.AllProbesSent, algorithm.Wait:
		return
	default:
		// Unreachable/TTL-exceeded/etc: still a reply-or-timeout outcome for
		// loss accounting, but carries no RTT sample.
		e.replies[destination]++
		e.inFlight.WithLabelValues(destination).Dec()
	}

	total := e.replies[destination]
	if total == 0 {
		return
	}
	e.loss.WithLabelValues(destination).Set(float64(e.losses[destination]) / float64(total))
}

// ProbeSent records that a new probe was dispatched to destination,
// incrementing its in-flight gauge.
func (e *Exporter) ProbeSent(destination string) {
	e.inFlight.WithLabelValues(destination).Inc()
}
