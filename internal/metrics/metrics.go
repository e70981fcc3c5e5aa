// Package metrics exposes the broker's prometheus gauges and counters,
// mirroring the shape of marmos91-dittofs's and
// r3e-network-service_layer's pkg/metrics packages: a single struct of
// pre-registered collectors, built once and threaded through the
// components that update them.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the broker's collectors. Components accept a nil
// *Metrics and then skip every update; a Metrics built by New has every
// collector set. Components that don't need a particular collector simply
// don't call it.
type Metrics struct {
	ActiveSessions   prometheus.Gauge
	PendingRequests  prometheus.Gauge
	LiveProcesses    prometheus.Gauge
	StoreErrors      prometheus.Counter
	GrantsIssued     prometheus.Counter
	GrantsRevoked    prometheus.Counter
	AuditAppends     prometheus.Counter
}

// New builds and registers the broker's collectors against reg. Pass
// prometheus.NewRegistry() in tests to avoid global-registry collisions.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shizuku", Name: "active_sessions", Help: "Live session tokens.",
		}),
		PendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shizuku", Name: "pending_requests", Help: "In-flight consent dialogs.",
		}),
		LiveProcesses: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shizuku", Name: "live_processes", Help: "Supervised child processes currently alive.",
		}),
		StoreErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shizuku", Name: "store_errors_total", Help: "Store I/O or codec failures swallowed at the boundary.",
		}),
		GrantsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shizuku", Name: "grants_issued_total", Help: "Grants created via consent.",
		}),
		GrantsRevoked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shizuku", Name: "grants_revoked_total", Help: "Grants revoked by any path.",
		}),
		AuditAppends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shizuku", Name: "audit_appends_total", Help: "Audit events appended.",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.ActiveSessions, m.PendingRequests, m.LiveProcesses,
		m.StoreErrors, m.GrantsIssued, m.GrantsRevoked, m.AuditAppends,
	} {
		reg.MustRegister(c)
	}
	return m
}
