// Package metrics registers the prometheus instruments shared across the
// reconciliation pipeline and serves them on an optional listener.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RemoteCalls counts requests issued per remote API, retries included.
	RemoteCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chansync_remote_calls_total",
		Help: "Remote API requests issued, including retried attempts.",
	}, []string{"api"})

	// OperationsPlanned counts operations emitted by the diff engine.
	OperationsPlanned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chansync_operations_planned_total",
		Help: "Operations emitted by the planning phase, by kind.",
	}, []string{"kind"})

	// OperationsApplied counts operations executed successfully.
	OperationsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chansync_operations_applied_total",
		Help: "Operations applied successfully, by kind.",
	}, []string{"kind"})

	// OperationsFailed counts operations that errored during execution.
	OperationsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chansync_operations_failed_total",
		Help: "Operations that failed during execution, by kind.",
	}, []string{"kind"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on addr in the background. Used by long sync
// runs when --metrics-addr is set; errors are returned through the
// channel since the listener outlives the caller's stack frame.
func Serve(addr string) <-chan error {
	errc := make(chan error, 1)
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	go func() {
		errc <- http.ListenAndServe(addr, mux)
	}()
	return errc
}
