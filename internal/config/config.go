// Package config loads and validates SDK and binary config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"evntaly-go/internal/performance"
)

// Config holds configuration loaded from the environment.
type Config struct {
	// SamplingRate is the global probability in [0,1] that a non-priority event is transmitted. Out of range values are clamped.
	SamplingRate float64 `mapstructure:"SAMPLING_RATE"`
	// SamplingPriorityEvents is a comma-separated list of titles, types or tags that are always transmitted.
	SamplingPriorityEvents string `mapstructure:"SAMPLING_PRIORITY_EVENTS"`
	// SamplingTypeRates is a comma-separated list of type=rate overrides (e.g. "debug=0.1,audit=1").
	SamplingTypeRates string `mapstructure:"SAMPLING_TYPE_RATES"`
	// SamplingCacheSize bounds the decision cache; default 10000.
	SamplingCacheSize int `mapstructure:"SAMPLING_CACHE_SIZE"`

	// WebhookSecret is the shared HMAC secret for inbound webhook signatures. Required by webhookd.
	WebhookSecret string `mapstructure:"WEBHOOK_SECRET"`
	// WebhookAddr is the address webhookd listens on (e.g. :8081).
	WebhookAddr string `mapstructure:"WEBHOOK_ADDR"`

	// PerfThresholdSlowMS, PerfThresholdWarningMS and PerfThresholdAcceptableMS are span category boundaries in milliseconds.
	PerfThresholdSlowMS       int `mapstructure:"PERF_THRESHOLD_SLOW_MS"`
	PerfThresholdWarningMS    int `mapstructure:"PERF_THRESHOLD_WARNING_MS"`
	PerfThresholdAcceptableMS int `mapstructure:"PERF_THRESHOLD_ACCEPTABLE_MS"`
	// PerfMaxCompletedSpans bounds completed span storage; oldest spans are dropped first.
	PerfMaxCompletedSpans int `mapstructure:"PERF_MAX_COMPLETED_SPANS"`
	// PerfAutoReport submits a performance event for slow and warning spans.
	PerfAutoReport bool `mapstructure:"PERF_AUTO_REPORT"`

	// RealtimeEnabled turns on the realtime channel; RealtimeServerURL is then required.
	RealtimeEnabled   bool   `mapstructure:"REALTIME_ENABLED"`
	RealtimeServerURL string `mapstructure:"REALTIME_SERVER_URL"`
	// RealtimeChannels is a comma-separated list of channels subscribed after connecting.
	RealtimeChannels string `mapstructure:"REALTIME_CHANNELS"`
	// RealtimeMaxReconnectAttempts bounds each reconnect loop; default 5.
	RealtimeMaxReconnectAttempts int `mapstructure:"REALTIME_MAX_RECONNECT_ATTEMPTS"`
	// RealtimeConnectTimeout bounds a single connection attempt (e.g. "10s").
	RealtimeConnectTimeout string `mapstructure:"REALTIME_CONNECT_TIMEOUT"`

	// DeveloperSecret and ProjectToken identify the project; sent as realtime auth credentials.
	DeveloperSecret string `mapstructure:"EVNTALY_DEVELOPER_SECRET"`
	ProjectToken    string `mapstructure:"EVNTALY_PROJECT_TOKEN"`

	// Events transport (optional). When Kafka brokers are set, admitted events are produced to Kafka.
	// KafkaBrokers is a comma-separated list of Kafka broker addresses (e.g. "localhost:9092").
	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// EventsKafkaTopic is the Kafka topic for admitted events (default evntaly-events).
	EventsKafkaTopic string `mapstructure:"EVENTS_KAFKA_TOPIC"`

	// Worker-only: Loki URL for the events worker to push logs (e.g. http://localhost:3100).
	LokiURL string `mapstructure:"LOKI_URL"`
	// KafkaGroupID is the consumer group ID for the events worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`

	// OTel (optional). Empty endpoint keeps providers local.
	OTelEndpoint    string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTelInsecure    bool   `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	OTelServiceName string `mapstructure:"OTEL_SERVICE_NAME"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("SAMPLING_RATE", 1.0)
	v.SetDefault("SAMPLING_PRIORITY_EVENTS", "")
	v.SetDefault("SAMPLING_TYPE_RATES", "")
	v.SetDefault("SAMPLING_CACHE_SIZE", 10000)
	v.SetDefault("WEBHOOK_SECRET", "")
	v.SetDefault("WEBHOOK_ADDR", ":8081")
	v.SetDefault("PERF_THRESHOLD_SLOW_MS", 1000)
	v.SetDefault("PERF_THRESHOLD_WARNING_MS", 500)
	v.SetDefault("PERF_THRESHOLD_ACCEPTABLE_MS", 100)
	v.SetDefault("PERF_MAX_COMPLETED_SPANS", 1000)
	v.SetDefault("PERF_AUTO_REPORT", true)
	v.SetDefault("REALTIME_ENABLED", false)
	v.SetDefault("REALTIME_SERVER_URL", "")
	v.SetDefault("REALTIME_CHANNELS", "")
	v.SetDefault("REALTIME_MAX_RECONNECT_ATTEMPTS", 5)
	v.SetDefault("REALTIME_CONNECT_TIMEOUT", "10s")
	v.SetDefault("EVNTALY_DEVELOPER_SECRET", "")
	v.SetDefault("EVNTALY_PROJECT_TOKEN", "")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("EVENTS_KAFKA_TOPIC", "evntaly-events")
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("KAFKA_GROUP_ID", "evntaly-events-worker")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("OTEL_SERVICE_NAME", "evntaly-go")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.SamplingCacheSize < 0 {
		return nil, errors.New("config: SAMPLING_CACHE_SIZE must not be negative")
	}
	if _, err := cfg.TypeRatesMap(); err != nil {
		return nil, err
	}
	if err := cfg.Thresholds().Validate(); err != nil {
		return nil, fmt.Errorf("config: PERF_THRESHOLD_*_MS: %w", err)
	}
	if cfg.PerfMaxCompletedSpans < 0 {
		return nil, errors.New("config: PERF_MAX_COMPLETED_SPANS must not be negative")
	}
	if cfg.RealtimeEnabled && cfg.RealtimeServerURL == "" {
		return nil, errors.New("config: REALTIME_SERVER_URL must be set when REALTIME_ENABLED=true")
	}
	if cfg.RealtimeMaxReconnectAttempts == 0 {
		cfg.RealtimeMaxReconnectAttempts = 5
	}
	if cfg.RealtimeMaxReconnectAttempts < 1 {
		return nil, errors.New("config: REALTIME_MAX_RECONNECT_ATTEMPTS must be positive")
	}

	return &cfg, nil
}

// PriorityEventsList returns the priority titles/types/tags from the comma-separated config.
func (c *Config) PriorityEventsList() []string {
	if c == nil {
		return nil
	}
	return splitList(c.SamplingPriorityEvents)
}

// TypeRatesMap parses SamplingTypeRates ("type=rate,..."). Returns an error naming the first malformed entry.
func (c *Config) TypeRatesMap() (map[string]float64, error) {
	if c == nil {
		return nil, nil
	}
	entries := splitList(c.SamplingTypeRates)
	if len(entries) == 0 {
		return nil, nil
	}
	out := make(map[string]float64, len(entries))
	for _, e := range entries {
		name, raw, ok := strings.Cut(e, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("config: SAMPLING_TYPE_RATES entry %q must be type=rate", e)
		}
		rate, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("config: SAMPLING_TYPE_RATES entry %q: %w", e, err)
		}
		out[name] = rate
	}
	return out, nil
}

// Thresholds returns the span category boundaries.
func (c *Config) Thresholds() performance.Thresholds {
	return performance.Thresholds{
		Slow:       time.Duration(c.PerfThresholdSlowMS) * time.Millisecond,
		Warning:    time.Duration(c.PerfThresholdWarningMS) * time.Millisecond,
		Acceptable: time.Duration(c.PerfThresholdAcceptableMS) * time.Millisecond,
	}
}

// ConnectTimeout parses RealtimeConnectTimeout as a time.Duration. Returns 10s if unset or invalid.
func (c *Config) ConnectTimeout() time.Duration {
	d, err := time.ParseDuration(c.RealtimeConnectTimeout)
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}

// RealtimeCredentials returns the auth frame data. Empty values are omitted.
func (c *Config) RealtimeCredentials() map[string]any {
	creds := map[string]any{}
	if c.DeveloperSecret != "" {
		creds["secret"] = c.DeveloperSecret
	}
	if c.ProjectToken != "" {
		creds["pat"] = c.ProjectToken
	}
	return creds
}

// RealtimeChannelsList returns channel names from the comma-separated config.
func (c *Config) RealtimeChannelsList() []string {
	if c == nil {
		return nil
	}
	return splitList(c.RealtimeChannels)
}

// KafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// Used to decide if the Kafka transport is enabled (non-empty list) and to create the producer.
func (c *Config) KafkaBrokersList() []string {
	if c == nil {
		return nil
	}
	return splitList(c.KafkaBrokers)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
