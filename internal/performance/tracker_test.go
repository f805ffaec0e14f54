package performance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"evntaly-go/internal/event/domain"
)

// manualClock is a settable clock for deterministic durations.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// mockTransport records submitted events.
type mockTransport struct {
	mu        sync.Mutex
	events    []*domain.Event
	submitErr error
}

func (m *mockTransport) Submit(ctx context.Context, ev *domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return m.submitErr
}

func (m *mockTransport) getEvents() []*domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*domain.Event(nil), m.events...)
}

func newTracker(t *testing.T, opts Options) *Tracker {
	t.Helper()
	tr, err := NewTracker(opts)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	return tr
}

func TestEndSpan_ImmediateHasNonNegativeDuration(t *testing.T) {
	tr := newTracker(t, Options{})
	id := tr.StartSpan(context.Background(), "op", nil)
	sp, err := tr.EndSpan(id, nil)
	if err != nil {
		t.Fatalf("EndSpan: %v", err)
	}
	if sp.DurationMS < 0 {
		t.Errorf("DurationMS = %v, want >= 0", sp.DurationMS)
	}
	if !sp.Ended() {
		t.Error("span should be ended")
	}
	if sp.Category != CategoryGood {
		t.Errorf("Category = %q, want good", sp.Category)
	}
}

func TestEndSpan_Classification(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want Category
	}{
		{0, CategoryGood},
		{99 * time.Millisecond, CategoryGood},
		{100 * time.Millisecond, CategoryAcceptable},
		{499 * time.Millisecond, CategoryAcceptable},
		{500 * time.Millisecond, CategoryWarning},
		{999 * time.Millisecond, CategoryWarning},
		{1000 * time.Millisecond, CategorySlow},
		{1200 * time.Millisecond, CategorySlow},
	}
	for _, tt := range tests {
		t.Run(tt.d.String(), func(t *testing.T) {
			clock := newManualClock()
			tr := newTracker(t, Options{Clock: clock.Now})
			id := tr.StartSpan(context.Background(), "op", nil)
			clock.Advance(tt.d)
			sp, err := tr.EndSpan(id, nil)
			if err != nil {
				t.Fatalf("EndSpan: %v", err)
			}
			if sp.Category != tt.want {
				t.Errorf("Category = %q, want %q", sp.Category, tt.want)
			}
			if want := float64(tt.d) / float64(time.Millisecond); sp.DurationMS != want {
				t.Errorf("DurationMS = %v, want %v", sp.DurationMS, want)
			}
		})
	}
}

func TestEndSpan_UnknownAndSecondEndNotFound(t *testing.T) {
	tr := newTracker(t, Options{})
	if _, err := tr.EndSpan("missing", nil); !errors.Is(err, ErrSpanNotFound) {
		t.Errorf("EndSpan(unknown) err = %v, want ErrSpanNotFound", err)
	}
	id := tr.StartSpan(context.Background(), "op", nil)
	if _, err := tr.EndSpan(id, nil); err != nil {
		t.Fatalf("first EndSpan: %v", err)
	}
	if _, err := tr.EndSpan(id, nil); !errors.Is(err, ErrSpanNotFound) {
		t.Errorf("second EndSpan err = %v, want ErrSpanNotFound", err)
	}
}

func TestEndSpan_MergesAttributesAndMovesToCompleted(t *testing.T) {
	tr := newTracker(t, Options{})
	attrs := map[string]any{"route": "/a", "n": 1}
	id := tr.StartSpan(context.Background(), "op", attrs)
	attrs["route"] = "mutated"
	if tr.ActiveCount() != 1 {
		t.Errorf("ActiveCount = %d, want 1", tr.ActiveCount())
	}
	sp, err := tr.EndSpan(id, map[string]any{"n": 2, "status": 200})
	if err != nil {
		t.Fatalf("EndSpan: %v", err)
	}
	if sp.Attributes["route"] != "/a" || sp.Attributes["n"] != 2 || sp.Attributes["status"] != 200 {
		t.Errorf("Attributes = %v", sp.Attributes)
	}
	if tr.ActiveCount() != 0 || tr.CompletedCount() != 1 {
		t.Errorf("active=%d completed=%d, want 0/1", tr.ActiveCount(), tr.CompletedCount())
	}
	// Returned span is a copy.
	sp.Attributes["route"] = "changed"
	if tr.Completed("op")[0].Attributes["route"] != "/a" {
		t.Error("mutating the returned span changed stored state")
	}
}

func TestStartSpan_UniqueIDsUnderConcurrency(t *testing.T) {
	tr := newTracker(t, Options{})
	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := tr.StartSpan(context.Background(), "op", nil)
			mu.Lock()
			seen[id] = true
			mu.Unlock()
			if _, err := tr.EndSpan(id, nil); err != nil {
				t.Errorf("EndSpan: %v", err)
			}
		}()
	}
	wg.Wait()
	if len(seen) != 50 {
		t.Errorf("unique ids = %d, want 50", len(seen))
	}
}

func TestNewTracker_InvalidThresholds(t *testing.T) {
	_, err := NewTracker(Options{Thresholds: Thresholds{Slow: 100 * time.Millisecond, Warning: 500 * time.Millisecond}})
	if err == nil {
		t.Error("NewTracker with slow < warning should fail")
	}
	_, err = NewTracker(Options{Thresholds: Thresholds{Slow: time.Second, Warning: time.Second, Acceptable: -1}})
	if err == nil {
		t.Error("NewTracker with negative threshold should fail")
	}
}

func TestNewTracker_CustomThresholds(t *testing.T) {
	clock := newManualClock()
	tr := newTracker(t, Options{Clock: clock.Now, Thresholds: Thresholds{Slow: 50 * time.Millisecond, Warning: 20 * time.Millisecond, Acceptable: 10 * time.Millisecond}})
	id := tr.StartSpan(context.Background(), "op", nil)
	clock.Advance(60 * time.Millisecond)
	sp, _ := tr.EndSpan(id, nil)
	if sp.Category != CategorySlow {
		t.Errorf("Category = %q, want slow", sp.Category)
	}
}

func TestAutoReport_SlowAndWarningOnly(t *testing.T) {
	clock := newManualClock()
	m := &mockTransport{}
	tr := newTracker(t, Options{Clock: clock.Now, AutoReport: true, Transport: m})

	for _, d := range []time.Duration{10 * time.Millisecond, 200 * time.Millisecond, 600 * time.Millisecond, 1200 * time.Millisecond} {
		id := tr.StartSpan(context.Background(), "db.query", map[string]any{"table": "users"})
		clock.Advance(d)
		if _, err := tr.EndSpan(id, nil); err != nil {
			t.Fatalf("EndSpan: %v", err)
		}
	}
	if err := tr.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	events := m.getEvents()
	if len(events) != 2 {
		t.Fatalf("reported %d events, want 2 (warning + slow)", len(events))
	}
	cats := map[string]bool{}
	for _, ev := range events {
		if ev.Type != "performance" {
			t.Errorf("event type = %q, want performance", ev.Type)
		}
		cats[ev.Data["category"].(string)] = true
	}
	if !cats["warning"] || !cats["slow"] {
		t.Errorf("reported categories = %v, want warning and slow", cats)
	}
}

func TestAutoReport_Disabled(t *testing.T) {
	clock := newManualClock()
	m := &mockTransport{}
	tr := newTracker(t, Options{Clock: clock.Now, Transport: m})
	id := tr.StartSpan(context.Background(), "op", nil)
	clock.Advance(2 * time.Second)
	_, _ = tr.EndSpan(id, nil)
	_ = tr.Flush(context.Background())
	if len(m.getEvents()) != 0 {
		t.Error("auto-report disabled should not submit")
	}
}

func TestAutoReport_TransportFailureDoesNotFailSpan(t *testing.T) {
	clock := newManualClock()
	m := &mockTransport{submitErr: errors.New("down")}
	tr := newTracker(t, Options{Clock: clock.Now, AutoReport: true, Transport: m})
	id := tr.StartSpan(context.Background(), "op", nil)
	clock.Advance(2 * time.Second)
	sp, err := tr.EndSpan(id, nil)
	if err != nil || sp == nil {
		t.Fatalf("EndSpan = %v, %v; transport failure must not fail the span", sp, err)
	}
	_ = tr.Flush(context.Background())
}

func TestTrack_Success(t *testing.T) {
	tr := newTracker(t, Options{})
	got, err := Track(context.Background(), tr, "compute", nil, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	if err != nil || got != 42 {
		t.Fatalf("Track = %d, %v; want 42, nil", got, err)
	}
	spans := tr.Completed("compute")
	if len(spans) != 1 || spans[0].Attributes["success"] != true {
		t.Errorf("completed spans = %+v, want one with success=true", spans)
	}
	if tr.ActiveCount() != 0 {
		t.Error("span left open")
	}
}

type customErr struct{}

func (customErr) Error() string { return "custom failure" }

func TestTrack_ErrorClosesSpanAndPropagates(t *testing.T) {
	tr := newTracker(t, Options{})
	want := customErr{}
	_, err := Track(context.Background(), tr, "compute", nil, func(ctx context.Context) (string, error) {
		return "", want
	})
	if !errors.Is(err, want) {
		t.Fatalf("Track err = %v, want original error", err)
	}
	sp := tr.Completed("compute")[0]
	if sp.Attributes["success"] != false {
		t.Error("success should be false")
	}
	if sp.Attributes["error_class"] != "performance.customErr" {
		t.Errorf("error_class = %v", sp.Attributes["error_class"])
	}
	if sp.Attributes["error_message"] != "custom failure" {
		t.Errorf("error_message = %v", sp.Attributes["error_message"])
	}
}

func TestTrack_PanicClosesSpanAndRepanics(t *testing.T) {
	tr := newTracker(t, Options{})
	defer func() {
		r := recover()
		if r != "boom" {
			t.Fatalf("recovered %v, want boom", r)
		}
		if tr.ActiveCount() != 0 {
			t.Error("span left open after panic")
		}
		sp := tr.Completed("explode")[0]
		if sp.Attributes["error_class"] != "panic" {
			t.Errorf("error_class = %v, want panic", sp.Attributes["error_class"])
		}
	}()
	_ = tr.TrackFunc(context.Background(), "explode", nil, func(ctx context.Context) error {
		panic("boom")
	})
}

func TestTrackFunc(t *testing.T) {
	tr := newTracker(t, Options{})
	if err := tr.TrackFunc(context.Background(), "op", nil, func(context.Context) error { return nil }); err != nil {
		t.Errorf("TrackFunc: %v", err)
	}
	wantErr := fmt.Errorf("wrapped: %w", customErr{})
	if err := tr.TrackFunc(context.Background(), "op", nil, func(context.Context) error { return wantErr }); err != wantErr {
		t.Errorf("TrackFunc err = %v, want %v", err, wantErr)
	}
}

func TestTracker_MirrorsSpansToOtel(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	tr := newTracker(t, Options{TracerProvider: tp})
	_ = tr.TrackFunc(context.Background(), "outer", map[string]any{"k": "v"}, func(ctx context.Context) error {
		return tr.TrackFunc(ctx, "inner", nil, func(context.Context) error { return errors.New("bad") })
	})

	ended := sr.Ended()
	if len(ended) != 2 {
		t.Fatalf("ended otel spans = %d, want 2", len(ended))
	}
	inner, outer := ended[0], ended[1]
	if inner.Name() != "inner" || outer.Name() != "outer" {
		t.Fatalf("names = %q, %q", inner.Name(), outer.Name())
	}
	if inner.Parent().SpanID() != outer.SpanContext().SpanID() {
		t.Error("inner span should be parented to outer")
	}
	if inner.Status().Code != codes.Error {
		t.Errorf("inner status = %v, want Error", inner.Status().Code)
	}
}

func TestStore_BoundedCompleted(t *testing.T) {
	tr := newTracker(t, Options{MaxCompleted: 3})
	for i := 0; i < 5; i++ {
		id := tr.StartSpan(context.Background(), "op", map[string]any{"i": i})
		_, _ = tr.EndSpan(id, nil)
	}
	spans := tr.Completed("op")
	if len(spans) != 3 {
		t.Fatalf("retained = %d, want 3", len(spans))
	}
	if spans[0].Attributes["i"] != 2 || spans[2].Attributes["i"] != 4 {
		t.Errorf("retained oldest i=%v newest i=%v, want 2 and 4", spans[0].Attributes["i"], spans[2].Attributes["i"])
	}
	tr.Reset()
	if tr.CompletedCount() != 0 {
		t.Error("Reset should clear completed spans")
	}
}
