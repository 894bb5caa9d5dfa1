// Package observability wires OpenTelemetry tracing for jobs, pipeline
// stages and quality runs. Tracing is a no-op unless enabled, in which case
// spans are written by the stdout exporter.
package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/countyops/assessorsync/pkg/config"
	"github.com/countyops/assessorsync/pkg/errors"
)

const instrumentation = "github.com/countyops/assessorsync"

var (
	mu     sync.RWMutex
	tracer trace.Tracer = noop.NewTracerProvider().Tracer(instrumentation)
)

// Options tune the exporter beyond what the config file sets.
type Options struct {
	Version      string
	SamplingRate float64
	// Writer receives exported spans; defaults to stdout.
	Writer       io.Writer
	BatchTimeout time.Duration
}

// Init installs the global tracer provider. When tracing is disabled the
// provider is a no-op and the returned shutdown does nothing.
func Init(cfg config.TracingConfig, opts Options) (func(context.Context) error, error) {
	if !cfg.Enabled {
		setTracer(noop.NewTracerProvider().Tracer(instrumentation))
		return func(context.Context) error { return nil }, nil
	}
	name := cfg.ServiceName
	if name == "" {
		name = "assessorsync"
	}
	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConfig, "failed to create span exporter")
	}
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(name),
			semconv.ServiceVersionKey.String(opts.Version),
		),
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConfig, "failed to create trace resource")
	}

	var sampler sdktrace.Sampler
	switch {
	case opts.SamplingRate <= 0 || opts.SamplingRate >= 1:
		sampler = sdktrace.AlwaysSample()
	default:
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(opts.SamplingRate))
	}
	batch := opts.BatchTimeout
	if batch <= 0 {
		batch = 5 * time.Second
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(batch)),
	)
	Install(tp)
	return tp.Shutdown, nil
}

// Install makes tp the global provider. Tests install an in-memory one.
func Install(tp trace.TracerProvider) {
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	setTracer(tp.Tracer(instrumentation))
}

func setTracer(t trace.Tracer) {
	mu.Lock()
	tracer = t
	mu.Unlock()
}

// Tracer returns the active tracer.
func Tracer() trace.Tracer {
	mu.RLock()
	defer mu.RUnlock()
	return tracer
}

// Span wraps a trace span, batching attributes until End.
type Span struct {
	span       trace.Span
	attributes []attribute.KeyValue
}

// StartSpan starts a span named name.
func StartSpan(ctx context.Context, name string) (context.Context, *Span) {
	ctx, span := Tracer().Start(ctx, name)
	return ctx, &Span{span: span}
}

// SetAttribute records key with a value of any basic type.
func (s *Span) SetAttribute(key string, value interface{}) {
	var attr attribute.KeyValue
	switch v := value.(type) {
	case string:
		attr = attribute.String(key, v)
	case int:
		attr = attribute.Int(key, v)
	case int64:
		attr = attribute.Int64(key, v)
	case float64:
		attr = attribute.Float64(key, v)
	case bool:
		attr = attribute.Bool(key, v)
	case fmt.Stringer:
		attr = attribute.String(key, v.String())
	default:
		attr = attribute.String(key, fmt.Sprintf("%v", v))
	}
	s.attributes = append(s.attributes, attr)
}

// AddEvent adds a timestamped event.
func (s *Span) AddEvent(name string, attrs ...attribute.KeyValue) {
	s.span.AddEvent(name, trace.WithAttributes(attrs...))
}

// End finishes the span, marking it failed when err is set.
func (s *Span) End(err error) {
	if len(s.attributes) > 0 {
		s.span.SetAttributes(s.attributes...)
	}
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
		s.span.SetAttributes(attribute.String("error.kind", string(errors.KindOf(err))))
	} else {
		s.span.SetStatus(codes.Ok, "")
	}
	s.span.End()
}

// JobTracer scopes spans to one job.
type JobTracer struct {
	jobID string
	table string
}

// NewJobTracer creates a tracer for jobID writing table.
func NewJobTracer(jobID, table string) *JobTracer {
	return &JobTracer{jobID: jobID, table: table}
}

// StartSpan starts "job.<operation>" carrying the job attributes.
func (jt *JobTracer) StartSpan(ctx context.Context, operation string) (context.Context, *Span) {
	ctx, span := StartSpan(ctx, "job."+operation)
	span.SetAttribute("job.id", jt.jobID)
	span.SetAttribute("job.table", jt.table)
	return ctx, span
}

// TraceStage runs fn inside a span for one pipeline stage.
func (jt *JobTracer) TraceStage(ctx context.Context, stage string, fn func(context.Context) error) error {
	ctx, span := jt.StartSpan(ctx, stage)
	span.SetAttribute("job.stage", stage)
	err := fn(ctx)
	span.End(err)
	return err
}

// TraceChunk runs fn inside a span for one chunk commit and records its
// size and throughput.
func (jt *JobTracer) TraceChunk(ctx context.Context, rows int, firstOffset, lastOffset int64, fn func(context.Context) error) error {
	ctx, span := jt.StartSpan(ctx, "chunk")
	span.SetAttribute("chunk.rows", rows)
	span.SetAttribute("chunk.first_offset", firstOffset)
	span.SetAttribute("chunk.last_offset", lastOffset)
	start := time.Now()
	err := fn(ctx)
	if elapsed := time.Since(start); err == nil && elapsed > 0 {
		span.SetAttribute("chunk.rows_per_second", float64(rows)/elapsed.Seconds())
	}
	span.End(err)
	return err
}
