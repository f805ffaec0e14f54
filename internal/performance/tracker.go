package performance

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"evntaly-go/internal/event/domain"
	"evntaly-go/internal/transport"
)

const instrumentationName = "evntaly.performance"

// Options configures a Tracker.
type Options struct {
	Thresholds Thresholds
	// AutoReport submits slow and warning spans as events through Transport.
	AutoReport bool
	// Transport receives auto-reported spans; submits run in the background.
	Transport transport.Transport
	// MaxCompleted bounds completed-span storage; 0 means DefaultMaxCompleted.
	MaxCompleted   int
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Tracker records spans. Safe for concurrent use.
type Tracker struct {
	thresholds Thresholds
	autoReport bool
	reporter   *transport.Async
	store      *store
	nowF       func() time.Time

	tracer    trace.Tracer
	durations metric.Float64Histogram

	otelMu    sync.Mutex
	otelSpans map[string]trace.Span
}

// NewTracker returns a Tracker. Zero Thresholds mean DefaultThresholds; invalid thresholds are an error.
func NewTracker(opts Options) (*Tracker, error) {
	th := opts.Thresholds
	if th == (Thresholds{}) {
		th = DefaultThresholds()
	}
	if err := th.Validate(); err != nil {
		return nil, err
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	mp := opts.MeterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	hist, err := mp.Meter(instrumentationName).Float64Histogram(
		"evntaly.span.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Duration of completed spans."),
	)
	if err != nil {
		return nil, fmt.Errorf("performance: duration histogram: %w", err)
	}
	nowF := opts.Clock
	if nowF == nil {
		nowF = time.Now
	}
	return &Tracker{
		thresholds: th,
		autoReport: opts.AutoReport,
		reporter:   transport.NewAsync(opts.Transport),
		store:      newStore(opts.MaxCompleted),
		nowF:       nowF,
		tracer:     tp.Tracer(instrumentationName),
		durations:  hist,
		otelSpans:  make(map[string]trace.Span),
	}, nil
}

// Thresholds returns the configured thresholds.
func (t *Tracker) Thresholds() Thresholds {
	return t.thresholds
}

// StartSpan opens a span named name and returns its id.
func (t *Tracker) StartSpan(ctx context.Context, name string, attrs map[string]any) string {
	_, id := t.start(ctx, name, attrs)
	return id
}

// start opens a span and returns a context carrying the mirrored OTel span, so nested spans
// started from it are parented in traces.
func (t *Tracker) start(ctx context.Context, name string, attrs map[string]any) (context.Context, string) {
	if ctx == nil {
		ctx = context.Background()
	}
	sp := &Span{
		ID:         uuid.NewString(),
		Name:       name,
		Start:      t.nowF(),
		Attributes: maps.Clone(attrs),
	}
	if sp.Attributes == nil {
		sp.Attributes = make(map[string]any)
	}
	ctx, otelSpan := t.tracer.Start(ctx, name,
		trace.WithTimestamp(sp.Start),
		trace.WithAttributes(toAttributes(attrs)...),
	)
	t.otelMu.Lock()
	t.otelSpans[sp.ID] = otelSpan
	t.otelMu.Unlock()

	t.store.add(sp)
	return ctx, sp.ID
}

// EndSpan closes the span with id, merging extra into its attributes, and returns the closed span.
// Returns ErrSpanNotFound if id is unknown or already ended.
func (t *Tracker) EndSpan(id string, extra map[string]any) (*Span, error) {
	sp, ok := t.store.take(id)
	if !ok {
		return nil, ErrSpanNotFound
	}
	sp.End = t.nowF()
	if sp.End.Before(sp.Start) {
		sp.End = sp.Start
	}
	d := sp.End.Sub(sp.Start)
	sp.DurationMS = float64(d) / float64(time.Millisecond)
	maps.Copy(sp.Attributes, extra)
	sp.Category = t.thresholds.Classify(d)
	t.store.complete(sp)

	t.finishOtel(sp, extra)
	t.durations.Record(context.Background(), sp.DurationMS, metric.WithAttributes(
		attribute.String("span.name", sp.Name),
		attribute.String("category", string(sp.Category)),
	))

	out := sp.clone()
	if t.autoReport && sp.Category.Reportable() {
		_ = t.reporter.Submit(context.Background(), reportEvent(out))
	}
	return out, nil
}

func (t *Tracker) finishOtel(sp *Span, extra map[string]any) {
	t.otelMu.Lock()
	otelSpan, ok := t.otelSpans[sp.ID]
	delete(t.otelSpans, sp.ID)
	t.otelMu.Unlock()
	if !ok {
		return
	}
	otelSpan.SetAttributes(toAttributes(extra)...)
	otelSpan.SetAttributes(
		attribute.Float64("duration_ms", sp.DurationMS),
		attribute.String("performance.category", string(sp.Category)),
	)
	if success, ok := sp.Attributes["success"].(bool); ok && !success {
		msg, _ := sp.Attributes["error_message"].(string)
		otelSpan.SetStatus(codes.Error, msg)
	}
	otelSpan.End(trace.WithTimestamp(sp.End))
}

// reportEvent builds the event submitted for a slow or warning span.
func reportEvent(sp *Span) *domain.Event {
	return &domain.Event{
		ID:          "span-" + sp.ID,
		Title:       fmt.Sprintf("Performance %s: %s", sp.Category, sp.Name),
		Description: fmt.Sprintf("%s took %.2fms", sp.Name, sp.DurationMS),
		Type:        "performance",
		Tags:        []string{"performance", string(sp.Category)},
		Timestamp:   sp.End,
		Data: map[string]any{
			"span_id":     sp.ID,
			"name":        sp.Name,
			"duration_ms": sp.DurationMS,
			"category":    string(sp.Category),
			"attributes":  sp.Attributes,
		},
	}
}

// Track runs body inside a span named name. The span is closed on every exit path: with
// success=true on normal return, with success=false plus error_class and error_message when body
// returns an error (which is returned unchanged). A panic closes the span and is re-raised.
func Track[T any](ctx context.Context, t *Tracker, name string, attrs map[string]any, body func(ctx context.Context) (T, error)) (result T, err error) {
	spanCtx, id := t.start(ctx, name, attrs)
	defer func() {
		if r := recover(); r != nil {
			_, _ = t.EndSpan(id, map[string]any{
				"success":       false,
				"error_class":   "panic",
				"error_message": fmt.Sprint(r),
			})
			panic(r)
		}
	}()
	result, err = body(spanCtx)
	if err != nil {
		_, _ = t.EndSpan(id, map[string]any{
			"success":       false,
			"error_class":   fmt.Sprintf("%T", err),
			"error_message": err.Error(),
		})
		return result, err
	}
	_, _ = t.EndSpan(id, map[string]any{"success": true})
	return result, nil
}

// TrackFunc is Track for bodies that return only an error.
func (t *Tracker) TrackFunc(ctx context.Context, name string, attrs map[string]any, body func(ctx context.Context) error) error {
	_, err := Track(ctx, t, name, attrs, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, body(ctx)
	})
	return err
}

// ActiveCount returns the number of open spans.
func (t *Tracker) ActiveCount() int {
	return t.store.activeCount()
}

// CompletedCount returns the number of retained completed spans.
func (t *Tracker) CompletedCount() int {
	return t.store.completedCount()
}

// Completed returns copies of the retained completed spans named name, oldest first.
func (t *Tracker) Completed(name string) []*Span {
	spans := t.store.matching(name, func(*Span) bool { return true })
	out := make([]*Span, len(spans))
	for i, sp := range spans {
		out[i] = sp.clone()
	}
	return out
}

// Reset drops all completed spans. Active spans are unaffected.
func (t *Tracker) Reset() {
	t.store.reset()
}

// Flush waits for in-flight auto-report submits.
func (t *Tracker) Flush(ctx context.Context) error {
	return t.reporter.Wait(ctx)
}

// toAttributes converts a span attribute map to OTel attributes in key order.
func toAttributes(m map[string]any) []attribute.KeyValue {
	if len(m) == 0 {
		return nil
	}
	out := make([]attribute.KeyValue, 0, len(m))
	for _, k := range slices.Sorted(maps.Keys(m)) {
		switch v := m[k].(type) {
		case string:
			out = append(out, attribute.String(k, v))
		case bool:
			out = append(out, attribute.Bool(k, v))
		case int:
			out = append(out, attribute.Int(k, v))
		case int64:
			out = append(out, attribute.Int64(k, v))
		case float64:
			out = append(out, attribute.Float64(k, v))
		case []string:
			out = append(out, attribute.StringSlice(k, v))
		default:
			out = append(out, attribute.String(k, fmt.Sprint(v)))
		}
	}
	return out
}
