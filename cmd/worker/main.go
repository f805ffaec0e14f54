// Worker forwards admitted Evntaly events from the events topic to Loki, one log line per event.
// Requires KAFKA_BROKERS and LOKI_URL; EVENTS_KAFKA_TOPIC and KAFKA_GROUP_ID have defaults.
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"evntaly-go/internal/config"
	"evntaly-go/internal/transport/kafka"
	"evntaly-go/internal/transport/loki"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.LokiURL == "" {
		log.Fatal("worker: LOKI_URL is required")
	}

	consumer, err := kafka.NewConsumer(cfg.KafkaBrokersList(), cfg.EventsKafkaTopic, cfg.KafkaGroupID, loki.NewClient(cfg.LokiURL))
	if err != nil {
		log.Fatalf("worker: %v (set KAFKA_BROKERS and EVENTS_KAFKA_TOPIC)", err)
	}
	defer func() {
		if err := consumer.Close(); err != nil {
			log.Printf("worker: close: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("worker: forwarding %s (group %s) to %s", cfg.EventsKafkaTopic, cfg.KafkaGroupID, cfg.LokiURL)
	if err := consumer.Run(ctx); err != nil {
		log.Printf("worker: %v", err)
	}
	st := consumer.Stats()
	log.Printf("worker: stopped (forwarded %d, skipped %d, failed %d)", st.Forwarded, st.Skipped, st.Failed)
}
