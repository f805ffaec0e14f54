// Package evntaly wires sampling, transport, span tracking, webhooks and the realtime channel
// into one Client built from config.
package evntaly

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"evntaly-go/internal/config"
	"evntaly-go/internal/event/domain"
	"evntaly-go/internal/performance"
	"evntaly-go/internal/realtime"
	"evntaly-go/internal/sampling"
	"evntaly-go/internal/transport"
	"evntaly-go/internal/transport/kafka"
	"evntaly-go/internal/webhook"
)

// ErrNilEvent is returned by Track for a nil event.
var ErrNilEvent = errors.New("evntaly: event is nil")

// Options supplies collaborators. Zero values select the production defaults.
type Options struct {
	// Transport receives admitted events. When nil and KAFKA_BROKERS is set, a Kafka producer is
	// created and closed by Client.Close; otherwise events are discarded.
	Transport transport.Transport
	// Dialer opens realtime connections; defaults to realtime.WebSocketDialer.
	Dialer         realtime.Dialer
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
	// Rand overrides the sampling draw source.
	Rand func() float64
	// Clock defaults to time.Now; used to stamp events without a timestamp.
	Clock func() time.Time
}

// TrackResult reports what Track did with an event.
type TrackResult struct {
	Sampled     bool
	Fingerprint string
}

// Client is the SDK entry point. Safe for concurrent use.
type Client struct {
	sampler  *sampling.Decider
	tracker  *performance.Tracker
	webhooks *webhook.Dispatcher
	channel  *realtime.Channel
	submit   *transport.Async
	closers  []transport.Closer
	nowF     func() time.Time
}

// New builds a Client from cfg. The webhook dispatcher exists only when WEBHOOK_SECRET is set
// and the realtime channel only when REALTIME_ENABLED is true.
func New(cfg *config.Config, opts Options) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("evntaly: config is required")
	}
	c := &Client{nowF: opts.Clock}
	if c.nowF == nil {
		c.nowF = time.Now
	}

	typeRates, err := cfg.TypeRatesMap()
	if err != nil {
		return nil, err
	}
	var samplingOpts []sampling.Option
	if opts.Rand != nil {
		samplingOpts = append(samplingOpts, sampling.WithRand(opts.Rand))
	}
	if opts.MeterProvider != nil {
		samplingOpts = append(samplingOpts, sampling.WithMeterProvider(opts.MeterProvider))
	}
	c.sampler, err = sampling.NewDecider(sampling.Config{
		Rate:           cfg.SamplingRate,
		PriorityEvents: cfg.PriorityEventsList(),
		TypeRates:      typeRates,
		CacheSize:      cfg.SamplingCacheSize,
	}, samplingOpts...)
	if err != nil {
		return nil, fmt.Errorf("evntaly: sampling: %w", err)
	}

	next := opts.Transport
	if next == nil {
		if brokers := cfg.KafkaBrokersList(); len(brokers) > 0 {
			producer, err := kafka.NewProducer(brokers, cfg.EventsKafkaTopic)
			if err != nil {
				return nil, fmt.Errorf("evntaly: kafka transport: %w", err)
			}
			next = producer
			c.closers = append(c.closers, producer)
		} else {
			next = transport.Nop{}
		}
	}
	c.submit = transport.NewAsync(next)

	c.tracker, err = performance.NewTracker(performance.Options{
		Thresholds:     cfg.Thresholds(),
		AutoReport:     cfg.PerfAutoReport,
		Transport:      c.sampledTransport(),
		MaxCompleted:   cfg.PerfMaxCompletedSpans,
		TracerProvider: opts.TracerProvider,
		MeterProvider:  opts.MeterProvider,
		Clock:          opts.Clock,
	})
	if err != nil {
		c.closeTransports()
		return nil, err
	}

	if cfg.WebhookSecret != "" {
		v, err := webhook.NewVerifier(cfg.WebhookSecret)
		if err != nil {
			c.closeTransports()
			return nil, err
		}
		if c.webhooks, err = webhook.NewDispatcher(v); err != nil {
			c.closeTransports()
			return nil, err
		}
	}

	if cfg.RealtimeEnabled {
		dialer := opts.Dialer
		if dialer == nil {
			dialer = realtime.WebSocketDialer{}
		}
		c.channel, err = realtime.NewChannel(realtime.Options{
			URL:            cfg.RealtimeServerURL,
			Dialer:         dialer,
			Credentials:    cfg.RealtimeCredentials(),
			ConnectTimeout: cfg.ConnectTimeout(),
			Clock:          opts.Clock,
		})
		if err != nil {
			c.closeTransports()
			return nil, err
		}
	}
	return c, nil
}

// sampledTransport routes tracker reports through the same sampling gate as Track.
// Tracker submits in its own goroutine, so the inner submit is synchronous.
func (c *Client) sampledTransport() transport.Transport {
	return transport.Func(func(ctx context.Context, ev *domain.Event) error {
		_, err := c.Track(ctx, ev)
		return err
	})
}

// Track stamps ev with the current time when it has none, applies sampling and, when admitted,
// submits it in the background. Submission failures are logged, never returned.
func (c *Client) Track(ctx context.Context, ev *domain.Event) (TrackResult, error) {
	if ev == nil {
		return TrackResult{}, ErrNilEvent
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = c.nowF().UTC()
	}
	res := TrackResult{Fingerprint: ev.Fingerprint()}
	res.Sampled = c.sampler.ShouldSample(ev)
	if !res.Sampled {
		return res, nil
	}
	return res, c.submit.Submit(ctx, ev)
}

// Sampler returns the sampling decider; its rates may be changed at runtime.
func (c *Client) Sampler() *sampling.Decider { return c.sampler }

// Tracker returns the span tracker.
func (c *Client) Tracker() *performance.Tracker { return c.tracker }

// Webhooks returns the webhook dispatcher, or nil when no webhook secret is configured.
func (c *Client) Webhooks() *webhook.Dispatcher { return c.webhooks }

// Realtime returns the realtime channel, or nil when realtime is disabled.
func (c *Client) Realtime() *realtime.Channel { return c.channel }

// Close disconnects the realtime channel, waits for in-flight submits (bounded by ctx) and closes
// owned transports.
func (c *Client) Close(ctx context.Context) error {
	var errs []error
	if c.channel != nil {
		if err := c.channel.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("evntaly: realtime disconnect: %w", err))
		}
	}
	if err := c.tracker.Flush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("evntaly: flush spans: %w", err))
	}
	if err := c.submit.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("evntaly: drain submits: %w", err))
	}
	if err := c.closeTransports(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Client) closeTransports() error {
	var errs []error
	for _, cl := range c.closers {
		if err := cl.Close(); err != nil {
			log.Printf("evntaly: transport close: %v", err)
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
