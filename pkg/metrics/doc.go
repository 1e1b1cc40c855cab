/*
Package metrics provides Prometheus metrics and health endpoints for lbctl.

# Metrics

	lbctl_fragment_operations_total{operation,result}   apply/remove calls
	lbctl_fragments_total, lbctl_domains_total           store size at last reload
	lbctl_domain_collisions                              map entries dropped by precedence
	lbctl_watcher_events_total{op}                       qualifying fsnotify events
	lbctl_reload_marker_sets_total{trigger}              event | rescan
	lbctl_watcher_rescan_duration_seconds                full rescan latency
	lbctl_reloads_total{result}                          noop | skipped | success | rejected | failed
	lbctl_reload_duration_seconds                        regenerate + reload latency
	lbctl_last_reload_timestamp_seconds                  last successful reload
	lbctl_certificate_operations_total{operation,result} request | renew | remove
	lbctl_certificates_total{state}                      records by state
	lbctl_certificate_reconcile_duration_seconds         reconcile latency

# Exposition

The watcher is the only long-running lbctl process. When
watcher.metrics_addr is set it serves NewServeMux():

	/metrics   Prometheus exposition
	/health    component health (200 or 503)
	/ready     critical components registered and healthy

The periodic commands (reload, certs reconcile) exit immediately, so they can
write their registry to a node_exporter textfile instead:

	lbctl reload --metrics-textfile /var/lib/node_exporter/lbctl_reload.prom

# Timing

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReloadDuration)
*/
package metrics
