// Package performance times operations as spans, classifies them by latency and detects
// regressions across completed spans.
package performance

import (
	"errors"
	"fmt"
	"maps"
	"time"
)

// ErrSpanNotFound is returned when a span id is unknown or the span was already ended.
var ErrSpanNotFound = errors.New("performance: span not found")

// Category classifies a span by duration.
type Category string

const (
	CategoryGood       Category = "good"
	CategoryAcceptable Category = "acceptable"
	CategoryWarning    Category = "warning"
	CategorySlow       Category = "slow"
)

// Reportable reports whether spans in c are auto-reported.
func (c Category) Reportable() bool {
	return c == CategorySlow || c == CategoryWarning
}

// Thresholds are the lower bounds of each category. A span at or above Slow is slow, and so on.
type Thresholds struct {
	Slow       time.Duration
	Warning    time.Duration
	Acceptable time.Duration
}

// DefaultThresholds returns 1000ms/500ms/100ms.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Slow:       1000 * time.Millisecond,
		Warning:    500 * time.Millisecond,
		Acceptable: 100 * time.Millisecond,
	}
}

// Validate checks that thresholds are non-negative and ordered slow >= warning >= acceptable.
func (t Thresholds) Validate() error {
	if t.Acceptable < 0 || t.Warning < 0 || t.Slow < 0 {
		return errors.New("performance: thresholds must not be negative")
	}
	if t.Slow < t.Warning || t.Warning < t.Acceptable {
		return fmt.Errorf("performance: thresholds must satisfy slow (%s) >= warning (%s) >= acceptable (%s)",
			t.Slow, t.Warning, t.Acceptable)
	}
	return nil
}

// Classify returns the category for d. The highest matching threshold wins.
func (t Thresholds) Classify(d time.Duration) Category {
	switch {
	case d >= t.Slow:
		return CategorySlow
	case d >= t.Warning:
		return CategoryWarning
	case d >= t.Acceptable:
		return CategoryAcceptable
	default:
		return CategoryGood
	}
}

// Span is a named timed interval. End is zero until the span is closed.
type Span struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Start      time.Time      `json:"start"`
	End        time.Time      `json:"end,omitempty"`
	DurationMS float64        `json:"duration_ms"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Category   Category       `json:"category,omitempty"`
}

// Duration returns End - Start, or zero for an open span.
func (s *Span) Duration() time.Duration {
	if s.End.IsZero() {
		return 0
	}
	return s.End.Sub(s.Start)
}

// Ended reports whether the span has been closed.
func (s *Span) Ended() bool {
	return !s.End.IsZero()
}

func (s *Span) clone() *Span {
	c := *s
	c.Attributes = maps.Clone(s.Attributes)
	return &c
}
