// Package metrics exposes Prometheus collectors for connection lifecycle,
// command handling, and Raft application behind a single registry built
// once at startup and threaded through to every component that reports
// to it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry bundles every collector this server exposes under one
// prometheus.Registerer, so cmd/amberkv can register exactly one thing
// with the admin HTTP server.
type Registry struct {
	reg *prometheus.Registry

	ConnectionsAccepted prometheus.Counter
	ConnectionsClosed   prometheus.Counter
	ActiveConnections   prometheus.Gauge

	CommandsTotal   *prometheus.CounterVec
	WriteLatency    prometheus.Histogram
	PendingRequests prometheus.GaugeFunc

	RaftApplies          prometheus.Counter
	RaftApplyErrors      prometheus.Counter
	RaftProposalFailures prometheus.Counter
}

// New constructs a fresh Registry. pending is polled on demand by the
// PendingRequests gauge, typically backed by (*sync.Layer).PendingCount.
func New(pending func() float64) *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		ConnectionsAccepted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "amberkv_connections_accepted_total",
			Help: "Total number of client connections accepted.",
		}),
		ConnectionsClosed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "amberkv_connections_closed_total",
			Help: "Total number of client connections closed.",
		}),
		ActiveConnections: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "amberkv_active_connections",
			Help: "Number of currently open client connections.",
		}),
		CommandsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "amberkv_commands_total",
			Help: "Total number of commands handled, by verb.",
		}, []string{"verb"}),
		WriteLatency: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "amberkv_write_latency_seconds",
			Help:    "Latency from write submission to apply notification.",
			Buckets: prometheus.DefBuckets,
		}),
		RaftApplies: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "amberkv_raft_applies_total",
			Help: "Total number of committed entries applied to storage.",
		}),
		RaftApplyErrors: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "amberkv_raft_apply_errors_total",
			Help: "Total number of applies that returned a storage error.",
		}),
		RaftProposalFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "amberkv_raft_proposal_failures_total",
			Help: "Total number of proposals rejected by raft.Apply before reaching consensus.",
		}),
	}
	r.PendingRequests = promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "amberkv_pending_requests",
		Help: "Number of writes submitted but not yet applied on this node.",
	}, pending)
	return r
}

// Gatherer exposes the underlying prometheus.Registry for the admin
// HTTP server's /metrics handler.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }
