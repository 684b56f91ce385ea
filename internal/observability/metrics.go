// Package observability provides OpenTelemetry instrumentation for tracing and metrics.
package observability

import (
	"context"
	"fmt"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
)

// Metrics bundles the /metrics handler with the job instruments.
type Metrics struct {
	Handler  http.Handler
	Jobs     *JobMetrics
	Shutdown func(context.Context) error
}

// InitMetrics installs a global meter provider backed by a Prometheus
// exporter on a private registry, which also carries the Go runtime and
// process collectors. Shutdown should be called on application exit.
func InitMetrics() (*Metrics, error) {
	registry := promclient.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := metric.NewMeterProvider(
		metric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	jobs, err := NewJobMetrics(provider.Meter("srmjobs"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		Handler:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Jobs:     jobs,
		Shutdown: provider.Shutdown,
	}, nil
}
