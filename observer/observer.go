// Package observer provides OTEL-based observability for workflow execution.
//
// It produces hooks for the engine and the polling supervisor that emit
// traces, metrics, and logs via OpenTelemetry. Users export to any
// OTEL-compatible backend by setting standard OTEL env vars.
package observer

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/nevindra/flume"
)

const scopeName = "github.com/nevindra/flume/observer"

// Instruments holds all OTEL instruments used by the hooks.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	// Counters
	NodeExecutions metric.Int64Counter
	NodeFailures   metric.Int64Counter
	Ticks          metric.Int64Counter
	TickFailures   metric.Int64Counter
	TokenRefreshes metric.Int64Counter

	// Histograms
	NodeDuration metric.Float64Histogram
	TickDuration metric.Float64Histogram
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP
// exporters. Configuration comes from standard OTEL env vars
// (OTEL_EXPORTER_OTLP_ENDPOINT, etc.). Returns a shutdown function that must
// be called on application exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("flume")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	// Trace provider
	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	// Metric provider
	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	// Log provider
	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}

	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)
	logger := global.GetLoggerProvider().Logger(scopeName)

	nodeExecutions, err := meter.Int64Counter("workflow.node.executions",
		metric.WithDescription("Node execution count"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}

	nodeFailures, err := meter.Int64Counter("workflow.node.failures",
		metric.WithDescription("Node execution failures"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}

	ticks, err := meter.Int64Counter("polling.ticks",
		metric.WithDescription("Polling tick count"),
		metric.WithUnit("{tick}"))
	if err != nil {
		return nil, err
	}

	tickFailures, err := meter.Int64Counter("polling.tick.failures",
		metric.WithDescription("Polling tick failures"),
		metric.WithUnit("{tick}"))
	if err != nil {
		return nil, err
	}

	tokenRefreshes, err := meter.Int64Counter("oauth.refreshes",
		metric.WithDescription("OAuth token refresh count"),
		metric.WithUnit("{refresh}"))
	if err != nil {
		return nil, err
	}

	nodeDuration, err := meter.Float64Histogram("workflow.node.duration",
		metric.WithDescription("Node execution duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	tickDuration, err := meter.Float64Histogram("polling.tick.duration",
		metric.WithDescription("Polling tick duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:         tracer,
		Meter:          meter,
		Logger:         logger,
		NodeExecutions: nodeExecutions,
		NodeFailures:   nodeFailures,
		Ticks:          ticks,
		TickFailures:   tickFailures,
		TokenRefreshes: tokenRefreshes,
		NodeDuration:   nodeDuration,
		TickDuration:   tickDuration,
	}, nil
}

// NodeHook returns an engine hook recording per-node executions and
// durations.
func (inst *Instruments) NodeHook() flume.NodeHook {
	return func(node *flume.Node, duration time.Duration, err error) {
		ctx := context.Background()
		attrs := metric.WithAttributes(
			attribute.String("node.name", node.Name),
			attribute.String("node.type", node.Type),
		)
		inst.NodeExecutions.Add(ctx, 1, attrs)
		inst.NodeDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
		if err != nil {
			inst.NodeFailures.Add(ctx, 1, attrs)
		}
	}
}

// TickHook returns a supervisor hook recording tick counts and failures per
// automation.
func (inst *Instruments) TickHook() flume.TickHook {
	return func(userID, automationID string, res *flume.Result, err error) {
		ctx := context.Background()
		attrs := metric.WithAttributes(
			attribute.String("automation.id", automationID),
		)
		inst.Ticks.Add(ctx, 1, attrs)
		if err != nil || (res != nil && !res.Success) {
			inst.TickFailures.Add(ctx, 1, attrs)
		}
	}
}
