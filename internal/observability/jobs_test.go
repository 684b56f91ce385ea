package observability

import (
	"context"
	"errors"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"srmjobs/internal/job"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect failed: %v", err)
	}
	totals := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				totals[m.Name] += dp.Value
			}
		}
	}
	return totals
}

func TestJobMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	m, err := NewJobMetrics(provider.Meter("test"))
	if err != nil {
		t.Fatalf("NewJobMetrics failed: %v", err)
	}

	ctx := context.Background()
	m.Claimed(ctx, "get", job.KindFileRequest)
	m.Claimed(ctx, "reserve", job.KindRequest)
	m.Transition(ctx, "get", job.StateQueued, job.StateRunning)
	m.Transition(ctx, "reserve", job.StateRetryWait, job.StateRunning)
	m.Transition(ctx, "get", job.StateRunning, job.StateDone)
	m.LeaseLost(ctx, "reserve")
	m.Expired(ctx, "get")

	got := collect(t, reader)
	want := map[string]int64{
		"srm.jobs.claims":      2,
		"srm.jobs.transitions": 3,
		"srm.jobs.running":     1,
		"srm.jobs.lease_lost":  1,
		"srm.jobs.expired":     1,
	}
	for name, v := range want {
		if got[name] != v {
			t.Errorf("%s = %d, want %d", name, got[name], v)
		}
	}
}

func gaugeValue(t *testing.T, reader *sdkmetric.ManualReader, name string) (int64, bool) {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect failed: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			g, ok := m.Data.(metricdata.Gauge[int64])
			if !ok || len(g.DataPoints) == 0 {
				return 0, false
			}
			return g.DataPoints[0].Value, true
		}
	}
	return 0, false
}

func TestRegisterQueueDepth(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	depth := int64(12)
	var countErr error
	err := RegisterQueueDepth(provider.Meter("test"), func(context.Context) (int64, error) {
		return depth, countErr
	}, nil)
	if err != nil {
		t.Fatalf("RegisterQueueDepth failed: %v", err)
	}

	if v, ok := gaugeValue(t, reader, "srm.jobs.queued"); !ok || v != 12 {
		t.Errorf("srm.jobs.queued = %d (present %v), want 12", v, ok)
	}

	countErr = errors.New("db down")
	if _, ok := gaugeValue(t, reader, "srm.jobs.queued"); ok {
		t.Error("expected no observation when counting fails")
	}
}
