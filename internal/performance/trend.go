package performance

import (
	"math"
	"time"
)

// recentSpanCount is how many of the latest matching spans form the recent average.
const recentSpanCount = 5

// trendThresholdPct is the relative change beyond which a trend is a regression or improvement.
const trendThresholdPct = 20.0

// TrendStatus reports whether a trend could be computed.
type TrendStatus string

const (
	TrendOK               TrendStatus = "ok"
	TrendInsufficientData TrendStatus = "insufficient_data"
)

// Direction classifies the recent average against the overall average.
type Direction string

const (
	DirectionRegression  Direction = "regression"
	DirectionImprovement Direction = "improvement"
	DirectionStable      Direction = "stable"
)

// TrendStats are the duration statistics of the scanned spans, in milliseconds.
type TrendStats struct {
	Count     int       `json:"count"`
	AvgMS     float64   `json:"avg_ms"`
	MinMS     float64   `json:"min_ms"`
	MaxMS     float64   `json:"max_ms"`
	RecentMS  float64   `json:"recent_avg_ms"`
	TrendPct  float64   `json:"trend_pct"`
	Direction Direction `json:"trend"`
}

// Trend is the result of AnalyzeTrend. Stats is nil when Status is TrendInsufficientData.
type Trend struct {
	Name   string        `json:"name"`
	Status TrendStatus   `json:"status"`
	Window time.Duration `json:"window"`
	Stats  *TrendStats   `json:"stats,omitempty"`
}

// AnalyzeTrend summarizes completed spans named name. When window > 0 only spans that ended within
// the last window are scanned; otherwise every retained span is.
func (t *Tracker) AnalyzeTrend(name string, window time.Duration) Trend {
	keep := func(*Span) bool { return true }
	if window > 0 {
		cutoff := t.nowF().Add(-window)
		keep = func(sp *Span) bool { return !sp.End.Before(cutoff) }
	}
	spans := t.store.matching(name, keep)
	res := Trend{Name: name, Window: window, Status: TrendInsufficientData}
	if len(spans) == 0 {
		return res
	}

	stats := &TrendStats{Count: len(spans), MinMS: math.Inf(1), MaxMS: math.Inf(-1)}
	var sum float64
	for _, sp := range spans {
		sum += sp.DurationMS
		stats.MinMS = math.Min(stats.MinMS, sp.DurationMS)
		stats.MaxMS = math.Max(stats.MaxMS, sp.DurationMS)
	}
	stats.AvgMS = sum / float64(len(spans))

	recent := spans[max(0, len(spans)-recentSpanCount):]
	var recentSum float64
	for _, sp := range recent {
		recentSum += sp.DurationMS
	}
	stats.RecentMS = recentSum / float64(len(recent))

	if stats.AvgMS != 0 {
		stats.TrendPct = (stats.RecentMS - stats.AvgMS) / stats.AvgMS * 100
	}
	switch {
	case stats.TrendPct > trendThresholdPct:
		stats.Direction = DirectionRegression
	case stats.TrendPct < -trendThresholdPct:
		stats.Direction = DirectionImprovement
	default:
		stats.Direction = DirectionStable
	}

	res.Status = TrendOK
	res.Stats = stats
	return res
}
