package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"evntaly-go/internal/event/domain"
	"evntaly-go/internal/transport"
)

// defaultForwardTimeout bounds a single forward to the sink.
const defaultForwardTimeout = 10 * time.Second

// ErrUndecodable marks a message whose value is not an event. Such messages are skipped.
var ErrUndecodable = errors.New("kafka: message is not an event")

// messageReader is the subset of *kafka.Reader used by Consumer.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// ConsumerStats counts what Run did with each message.
type ConsumerStats struct {
	Forwarded int64
	Skipped   int64
	Failed    int64
}

// Consumer reads events produced by Producer and submits each one to a sink transport.
type Consumer struct {
	reader         messageReader
	sink           transport.Transport
	topic          string
	forwardTimeout time.Duration

	forwarded atomic.Int64
	skipped   atomic.Int64
	failed    atomic.Int64
}

// NewConsumer creates a group consumer on topic that forwards to sink. Call Close when done.
func NewConsumer(brokers []string, topic, groupID string, sink transport.Transport) (*Consumer, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, ErrNotConfigured
	}
	if sink == nil {
		return nil, errors.New("kafka: consumer sink is required")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		MaxWait:        1 * time.Second,
		CommitInterval: time.Second,
	})
	return newConsumer(reader, topic, sink), nil
}

func newConsumer(r messageReader, topic string, sink transport.Transport) *Consumer {
	return &Consumer{reader: r, sink: sink, topic: topic, forwardTimeout: defaultForwardTimeout}
}

// Run forwards messages until ctx is done, then returns nil. Read errors are logged and retried.
// Undecodable messages and sink failures are logged and counted; the consumer moves on so one bad
// message cannot stall the partition.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("worker: kafka read error on %s: %v", c.topic, err)
			continue
		}
		if err := c.forward(ctx, msg); err != nil {
			log.Printf("worker: partition %d offset %d: %v", msg.Partition, msg.Offset, err)
		}
	}
}

func (c *Consumer) forward(ctx context.Context, msg kafka.Message) error {
	ev, err := decodeEvent(msg)
	if err != nil {
		c.skipped.Add(1)
		return err
	}
	fwdCtx, cancel := context.WithTimeout(ctx, c.forwardTimeout)
	defer cancel()
	if err := c.sink.Submit(fwdCtx, ev); err != nil {
		c.failed.Add(1)
		return fmt.Errorf("forward %q: %w", ev.Fingerprint(), err)
	}
	c.forwarded.Add(1)
	return nil
}

// decodeEvent parses a message value as an event. A missing type falls back to the event_type
// header written by Producer. Values without a title or id are not events.
func decodeEvent(msg kafka.Message) (*domain.Event, error) {
	var ev domain.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	if ev.Title == "" && ev.ID == "" {
		return nil, fmt.Errorf("%w: no title or id", ErrUndecodable)
	}
	if ev.Type == "" {
		for _, h := range msg.Headers {
			if h.Key == "event_type" {
				ev.Type = string(h.Value)
				break
			}
		}
	}
	return &ev, nil
}

// Stats returns the running counters.
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Forwarded: c.forwarded.Load(),
		Skipped:   c.skipped.Load(),
		Failed:    c.failed.Load(),
	}
}

// Close closes the Kafka reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
