package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fragment store metrics
	FragmentOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lbctl_fragment_operations_total",
			Help: "Fragment store operations by operation and result",
		},
		[]string{"operation", "result"},
	)

	FragmentsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lbctl_fragments_total",
			Help: "Number of registered fragments seen at the last reload",
		},
	)

	DomainsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lbctl_domains_total",
			Help: "Number of distinct domains referenced by backend maps",
		},
	)

	DomainCollisionsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lbctl_domain_collisions",
			Help: "Map entries dropped at the last reload because an earlier fragment owns the domain",
		},
	)

	// Watcher metrics
	WatcherEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lbctl_watcher_events_total",
			Help: "Filesystem events observed by the change watcher by operation",
		},
		[]string{"op"},
	)

	MarkerSetsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lbctl_reload_marker_sets_total",
			Help: "Times the reload marker was set, by trigger (event or rescan)",
		},
		[]string{"trigger"},
	)

	RescanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lbctl_watcher_rescan_duration_seconds",
			Help:    "Duration of full fingerprint rescans in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Reload metrics
	ReloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lbctl_reloads_total",
			Help: "Reload coordinator invocations by result (noop, skipped, success, rejected, failed)",
		},
		[]string{"result"},
	)

	ReloadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lbctl_reload_duration_seconds",
			Help:    "Duration of proxy regeneration and reload in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	LastReloadTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lbctl_last_reload_timestamp_seconds",
			Help: "Unix time of the last successful reload",
		},
	)

	// Certificate metrics
	CertOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lbctl_certificate_operations_total",
			Help: "Certificate operations by operation (request, renew, remove) and result",
		},
		[]string{"operation", "result"},
	)

	CertificatesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lbctl_certificates_total",
			Help: "Certificates by state after the last reconcile",
		},
		[]string{"state"},
	)

	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lbctl_certificate_reconcile_duration_seconds",
			Help:    "Duration of certificate reconcile runs in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)
)

func init() {
	prometheus.MustRegister(FragmentOpsTotal)
	prometheus.MustRegister(FragmentsTotal)
	prometheus.MustRegister(DomainsTotal)
	prometheus.MustRegister(DomainCollisionsTotal)
	prometheus.MustRegister(WatcherEventsTotal)
	prometheus.MustRegister(MarkerSetsTotal)
	prometheus.MustRegister(RescanDuration)
	prometheus.MustRegister(ReloadsTotal)
	prometheus.MustRegister(ReloadDuration)
	prometheus.MustRegister(LastReloadTimestamp)
	prometheus.MustRegister(CertOpsTotal)
	prometheus.MustRegister(CertificatesTotal)
	prometheus.MustRegister(ReconcileDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// WriteTextfile writes the current metrics to path in the text exposition
// format, for the node_exporter textfile collector. The periodic commands
// exit before they could be scraped, so this is how their counters survive.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}

// Result returns the result label for an operation error
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
