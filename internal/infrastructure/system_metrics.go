package infrastructure

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// RuntimeMetrics exports process health gauges read on every collection.
type RuntimeMetrics struct {
	registration metric.Registration
	startTime    time.Time
}

// NewRuntimeMetrics registers goroutine, memory, GC and uptime gauges on
// meter. Call Close to unregister.
func NewRuntimeMetrics(meter metric.Meter) (*RuntimeMetrics, error) {
	rm := &RuntimeMetrics{startTime: time.Now()}

	goroutines, err := meter.Int64ObservableGauge(
		"system_goroutines",
		metric.WithDescription("Number of active goroutines"),
	)
	if err != nil {
		return nil, err
	}

	heapAlloc, err := meter.Int64ObservableGauge(
		"system_memory_usage_bytes",
		metric.WithDescription("Heap bytes allocated and still in use"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	memSys, err := meter.Int64ObservableGauge(
		"system_memory_system_bytes",
		metric.WithDescription("Memory obtained from the OS in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	gcCount, err := meter.Int64ObservableCounter(
		"system_gc_count_total",
		metric.WithDescription("Completed GC cycles"),
	)
	if err != nil {
		return nil, err
	}

	uptime, err := meter.Float64ObservableGauge(
		"system_process_uptime_seconds",
		metric.WithDescription("Process uptime in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)

		o.ObserveInt64(goroutines, int64(runtime.NumGoroutine()))
		o.ObserveInt64(heapAlloc, int64(ms.Alloc))
		o.ObserveInt64(memSys, int64(ms.Sys))
		o.ObserveInt64(gcCount, int64(ms.NumGC))
		o.ObserveFloat64(uptime, time.Since(rm.startTime).Seconds())
		return nil
	}, goroutines, heapAlloc, memSys, gcCount, uptime)
	if err != nil {
		return nil, fmt.Errorf("failed to register runtime metrics callback: %w", err)
	}
	rm.registration = reg
	return rm, nil
}

// Uptime reports how long ago the metrics were registered.
func (rm *RuntimeMetrics) Uptime() time.Duration { return time.Since(rm.startTime) }

// Close unregisters the callback.
func (rm *RuntimeMetrics) Close() error {
	if rm == nil || rm.registration == nil {
		return nil
	}
	return rm.registration.Unregister()
}
