// Package metrics exposes the bridge's prometheus instrumentation. The
// collectors live on a package-private registry served by Serve when a
// metrics port is configured.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"xzbridge/pkg/logging"
)

var registry = prometheus.NewRegistry()

var (
	// ToolCalls counts dispatched tool invocations by resolution kind
	// (custom, downstream) and outcome (ok, error).
	ToolCalls = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "xzbridge_tool_calls_total",
		Help: "Tool invocations dispatched by the service manager.",
	}, []string{"kind", "outcome"})

	// Reconnects counts downstream reconnect attempts per service.
	Reconnects = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "xzbridge_service_reconnects_total",
		Help: "Reconnect attempts per downstream service.",
	}, []string{"service"})

	// ConnectedServices tracks the number of downstream services in the
	// connected state.
	ConnectedServices = promauto.With(registry).NewGauge(prometheus.GaugeOpts{
		Name: "xzbridge_connected_services",
		Help: "Downstream services currently connected.",
	})

	// ConnectedEndpoints tracks the number of upstream endpoints currently
	// connected.
	ConnectedEndpoints = promauto.With(registry).NewGauge(prometheus.GaugeOpts{
		Name: "xzbridge_connected_endpoints",
		Help: "Upstream endpoints currently connected.",
	})
)

// Serve exposes /metrics on the given port until ctx is cancelled. Errors
// are logged, never fatal: metrics are an observability surface, not a
// dependency.
func Serve(ctx context.Context, port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logging.Info("Metrics", "serving prometheus metrics on :%d", port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logging.Warn("Metrics", "metrics server stopped: %v", err)
	}
}
