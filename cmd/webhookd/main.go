// Webhookd receives signed Evntaly webhooks over HTTP and tracks each delivery as an event.
// Set WEBHOOK_SECRET (required) and WEBHOOK_ADDR. KAFKA_BROKERS, OTEL_EXPORTER_OTLP_ENDPOINT and
// REALTIME_ENABLED with REALTIME_SERVER_URL are optional.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"evntaly-go/internal/config"
	"evntaly-go/internal/dispatch"
	"evntaly-go/internal/event/domain"
	"evntaly-go/internal/evntaly"
	"evntaly-go/internal/realtime"
	telemetryotel "evntaly-go/internal/telemetry/otel"
	"evntaly-go/internal/transport"
	"evntaly-go/internal/transport/kafka"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.WebhookSecret == "" {
		log.Fatal("webhookd: WEBHOOK_SECRET is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	providers, err := telemetryotel.NewProviders(ctx, telemetryotel.Options{
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: cfg.OTelServiceName,
		Insecure:    cfg.OTelInsecure,
	})
	if err != nil {
		log.Fatalf("otel: %v", err)
	}
	providers.SetGlobal()

	sinks := transport.Multi{telemetryotel.NewLogTransport(providers.LoggerProvider)}
	var producer *kafka.Producer
	if brokers := cfg.KafkaBrokersList(); len(brokers) > 0 {
		producer, err = kafka.NewProducer(brokers, cfg.EventsKafkaTopic)
		if err != nil {
			log.Fatalf("kafka: %v", err)
		}
		sinks = append(sinks, producer)
		log.Printf("webhookd: producing events to %s", cfg.EventsKafkaTopic)
	}

	client, err := evntaly.New(cfg, evntaly.Options{
		Transport:      sinks,
		TracerProvider: providers.TracerProvider,
		MeterProvider:  providers.MeterProvider,
	})
	if err != nil {
		log.Fatalf("evntaly: %v", err)
	}

	client.Webhooks().On(dispatch.Wildcard, func(ctx context.Context, payload map[string]any, eventType string) error {
		log.Printf("webhookd: received %s", eventType)
		_, err := client.Track(ctx, webhookEvent(payload, eventType))
		return err
	})

	var wg sync.WaitGroup
	if ch := client.Realtime(); ch != nil {
		startRealtime(ctx, &wg, ch, cfg)
	}

	mux := http.NewServeMux()
	mux.Handle("/webhooks", client.Webhooks().Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := otelhttp.NewHandler(mux, "webhookd",
		otelhttp.WithTracerProvider(providers.TracerProvider),
		otelhttp.WithMeterProvider(providers.MeterProvider),
	)
	srv := &http.Server{
		Addr:              cfg.WebhookAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("webhookd: listening on %s", cfg.WebhookAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("serve: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("webhookd: shutting down...")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("webhookd: http shutdown: %v", err)
	}
	wg.Wait()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), transport.ShutdownDrainDuration)
	defer drainCancel()
	if err := client.Close(drainCtx); err != nil {
		log.Printf("webhookd: close: %v", err)
	}
	if producer != nil {
		if err := producer.Close(); err != nil {
			log.Printf("webhookd: kafka close: %v", err)
		}
	}
	if err := providers.Shutdown(shutdownCtx); err != nil {
		log.Printf("webhookd: otel shutdown: %v", err)
	}
	log.Println("webhookd: stopped")
}

// webhookEvent converts a verified delivery into an event. The delivery id, when present, keeps
// redeliveries on one fingerprint.
func webhookEvent(payload map[string]any, eventType string) *domain.Event {
	id, _ := payload["id"].(string)
	if id == "" {
		id = uuid.NewString()
	}
	return &domain.Event{
		ID:    id,
		Title: eventType,
		Type:  "webhook",
		Tags:  []string{"webhook"},
		Data:  payload,
	}
}

// startRealtime connects in the background, subscribes to the configured channels once connected
// and reconnects after the server drops the connection until ctx is done. A single supervisor
// goroutine owns the wg slot for the channel's lifetime.
func startRealtime(ctx context.Context, wg *sync.WaitGroup, ch *realtime.Channel, cfg *config.Config) {
	channels := cfg.RealtimeChannelsList()
	ch.On(dispatch.Wildcard, func(data map[string]any, msgType string, _ realtime.Message) {
		log.Printf("webhookd: realtime %s", msgType)
	})
	ch.OnError(func(err error) {
		log.Printf("webhookd: realtime: %v", err)
	})
	ch.OnConnect(func() {
		tracked := make(map[string]bool)
		for _, s := range ch.Subscriptions() {
			tracked[s] = true
		}
		for _, name := range channels {
			if tracked[name] {
				continue
			}
			if err := ch.Subscribe(name); err != nil {
				log.Printf("webhookd: realtime subscribe %s: %v", name, err)
			}
		}
	})

	// Buffered so a drop observed while a reconnect is running is not lost, and never blocks the read loop.
	dropped := make(chan realtime.CloseInfo, 1)
	ch.OnDisconnect(func(info realtime.CloseInfo) {
		select {
		case dropped <- info:
		default:
		}
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		superviseRealtime(ctx, ch, dropped, cfg.RealtimeMaxReconnectAttempts)
	}()
}

// superviseRealtime runs a reconnect loop after startup and after every drop until ctx is done.
func superviseRealtime(ctx context.Context, ch *realtime.Channel, dropped <-chan realtime.CloseInfo, maxAttempts int) {
	for {
		err := ch.Reconnect(ctx, maxAttempts)
		if err != nil && ctx.Err() == nil && !errors.Is(err, realtime.ErrAlreadyConnected) {
			log.Printf("webhookd: realtime gave up: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case info := <-dropped:
			if ctx.Err() != nil {
				return
			}
			log.Printf("webhookd: realtime disconnected (code %d %s), reconnecting", info.Code, info.Reason)
		}
	}
}
