// Package sampling decides whether an event is worth transmitting.
//
// Decisions are deterministic per event fingerprint for as long as the fingerprint stays in the
// decision cache. The cache is a bounded LRU (DefaultCacheSize entries unless configured); an
// evicted fingerprint is decided afresh the next time it is seen.
package sampling

import (
	"context"
	"log"
	"math"
	"math/rand/v2"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"evntaly-go/internal/event/domain"
)

// DefaultCacheSize is the decision cache bound used when Config.CacheSize is not positive.
const DefaultCacheSize = 10000

// Decision reasons recorded on the decisions counter.
const (
	ReasonCached   = "cached"
	ReasonPriority = "priority"
	ReasonRate     = "rate"
)

// errorKeywords mark a title as error-like; such events bypass the rate.
var errorKeywords = []string{"error", "exception", "fail"}

// Config holds the sampling configuration. Rates are clamped to [0,1].
type Config struct {
	Rate           float64
	PriorityEvents []string
	TypeRates      map[string]float64
	// CacheSize bounds the decision cache; 0 means DefaultCacheSize.
	CacheSize int
}

// DefaultConfig samples everything.
func DefaultConfig() Config {
	return Config{Rate: 1.0}
}

// Decider makes sampling decisions. Safe for concurrent use.
type Decider struct {
	mu       sync.Mutex
	rate     float64
	priority []string
	typeRate map[string]float64
	cache    *lru.Cache[string, bool]
	size     int
	randF    func() float64

	decisions metric.Int64Counter
}

// Option configures a Decider.
type Option func(*Decider)

// WithRand sets the uniform [0,1) source used for rate draws.
func WithRand(f func() float64) Option {
	return func(d *Decider) { d.randF = f }
}

// WithMeterProvider sets the provider for the decisions counter. Defaults to the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(d *Decider) { d.decisions = newDecisionsCounter(mp) }
}

// NewDecider returns a Decider for cfg.
func NewDecider(cfg Config, opts ...Option) (*Decider, error) {
	size := cfg.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, bool](size)
	if err != nil {
		return nil, err
	}
	d := &Decider{
		rate:     Clamp(cfg.Rate),
		priority: copyStrings(cfg.PriorityEvents),
		typeRate: clampRates(cfg.TypeRates),
		cache:    cache,
		size:     size,
		randF:    rand.Float64,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.decisions == nil {
		d.decisions = newDecisionsCounter(otel.GetMeterProvider())
	}
	return d, nil
}

func newDecisionsCounter(mp metric.MeterProvider) metric.Int64Counter {
	c, err := mp.Meter("evntaly.sampling").Int64Counter(
		"evntaly.sampling.decisions",
		metric.WithDescription("Sampling decisions by outcome and reason."),
	)
	if err != nil {
		log.Printf("sampling: decisions counter: %v", err)
	}
	return c
}

// ShouldSample reports whether ev should be transmitted. Repeat calls with the same fingerprint
// return the cached decision.
func (d *Decider) ShouldSample(ev *domain.Event) bool {
	if ev == nil {
		return false
	}
	fp := ev.Fingerprint()

	d.mu.Lock()
	decision, reason := d.decideLocked(fp, ev)
	d.mu.Unlock()

	if d.decisions != nil {
		d.decisions.Add(context.Background(), 1, metric.WithAttributes(
			attribute.Bool("sampled", decision),
			attribute.String("reason", reason),
		))
	}
	return decision
}

func (d *Decider) decideLocked(fp string, ev *domain.Event) (bool, string) {
	if v, ok := d.cache.Get(fp); ok {
		return v, ReasonCached
	}
	if d.isPriorityLocked(ev) {
		d.cache.Add(fp, true)
		return true, ReasonPriority
	}
	rate := d.rate
	if r, ok := d.typeRate[ev.Type]; ok && ev.Type != "" {
		rate = r
	}
	// A zero rate never admits, even on a zero draw.
	decision := rate > 0 && d.randF() <= rate
	d.cache.Add(fp, decision)
	return decision, ReasonRate
}

func (d *Decider) isPriorityLocked(ev *domain.Event) bool {
	for _, p := range d.priority {
		if ev.Title == p || (ev.Type != "" && ev.Type == p) || ev.HasTag(p) {
			return true
		}
	}
	title := strings.ToLower(ev.Title)
	for _, kw := range errorKeywords {
		if strings.Contains(title, kw) {
			return true
		}
	}
	return false
}

// SetSamplingRate replaces the global rate, clamped to [0,1].
func (d *Decider) SetSamplingRate(rate float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rate = Clamp(rate)
}

// SetPriorityEvents replaces the priority matcher list.
func (d *Decider) SetPriorityEvents(events []string) {
	p := copyStrings(events)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.priority = p
}

// SetTypeRates replaces the per-type rate overrides. Each rate is clamped to [0,1].
func (d *Decider) SetTypeRates(rates map[string]float64) {
	r := clampRates(rates)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.typeRate = r
}

// Config returns a copy of the current configuration.
func (d *Decider) Config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	rates := make(map[string]float64, len(d.typeRate))
	for k, v := range d.typeRate {
		rates[k] = v
	}
	return Config{
		Rate:           d.rate,
		PriorityEvents: copyStrings(d.priority),
		TypeRates:      rates,
		CacheSize:      d.size,
	}
}

// CachedDecisions returns the number of fingerprints currently cached.
func (d *Decider) CachedDecisions() int {
	return d.cache.Len()
}

// Reset clears the decision cache.
func (d *Decider) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache.Purge()
}

// Clamp limits rate to [0,1].
func Clamp(rate float64) float64 {
	if math.IsNaN(rate) || rate < 0 {
		return 0
	}
	if rate > 1 {
		return 1
	}
	return rate
}

func clampRates(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = Clamp(v)
	}
	return out
}

func copyStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	return append([]string(nil), in...)
}
