// Package kafka carries admitted events over a Kafka topic: a Producer transport and a Consumer that
// forwards them to another transport.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/segmentio/kafka-go"

	"evntaly-go/internal/event/domain"
)

// writeTimeout bounds a single WriteMessages call.
const writeTimeout = 5 * time.Second

// ErrNotConfigured is returned by NewProducer when brokers or topic are missing.
var ErrNotConfigured = errors.New("kafka: brokers and topic are required")

// messageWriter is the subset of *kafka.Writer used by Producer.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer implements transport.Transport using segmentio/kafka-go.
type Producer struct {
	writer messageWriter
	topic  string
}

// NewProducer creates a producer that writes events as JSON to topic. Call Close when shutting down.
func NewProducer(brokers []string, topic string) (*Producer, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, ErrNotConfigured
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}
	return &Producer{writer: writer, topic: topic}, nil
}

// Submit serializes ev as JSON and writes it keyed by its fingerprint, so retries of the same
// event land on the same partition.
func (p *Producer) Submit(ctx context.Context, ev *domain.Event) error {
	if p == nil || p.writer == nil || ev == nil {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	err = p.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   []byte(ev.Fingerprint()),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
		},
	})
	if err != nil {
		log.Printf("transport: kafka submit to %s failed: %v", p.topic, err)
		return err
	}
	return nil
}

// Close closes the Kafka writer. Safe to call multiple times.
func (p *Producer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
