package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"evntaly-go/internal/event/domain"
	"evntaly-go/internal/transport"
)

// fakeReader serves queued messages, then blocks until ctx is done.
type fakeReader struct {
	mu       sync.Mutex
	messages []kafka.Message
	readErrs []error
	closed   bool
}

func (f *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	if len(f.readErrs) > 0 {
		err := f.readErrs[0]
		f.readErrs = f.readErrs[1:]
		f.mu.Unlock()
		return kafka.Message{}, err
	}
	if len(f.messages) > 0 {
		msg := f.messages[0]
		f.messages = f.messages[1:]
		f.mu.Unlock()
		return msg, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeReader) pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages) + len(f.readErrs)
}

func (f *fakeReader) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// recordingSink records forwarded events and fails titles listed in failTitles.
type recordingSink struct {
	mu         sync.Mutex
	events     []*domain.Event
	failTitles map[string]bool
}

func (s *recordingSink) Submit(ctx context.Context, ev *domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failTitles[ev.Title] {
		return errors.New("loki: push returned 500")
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) got() []*domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*domain.Event(nil), s.events...)
}

// runUntilDrained runs c until the reader is empty and the expected number of messages were handled.
func runUntilDrained(t *testing.T, c *Consumer, r *fakeReader, handled int64) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st := c.Stats()
		if r.pending() == 0 && st.Forwarded+st.Skipped+st.Failed == handled {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil after cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewConsumer_Validation(t *testing.T) {
	sink := transport.Nop{}
	if _, err := NewConsumer(nil, "t", "g", sink); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("no brokers: err = %v, want ErrNotConfigured", err)
	}
	if _, err := NewConsumer([]string{"localhost:9092"}, "", "g", sink); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("no topic: err = %v, want ErrNotConfigured", err)
	}
	if _, err := NewConsumer([]string{"localhost:9092"}, "t", "g", nil); err == nil {
		t.Error("nil sink should fail")
	}
}

func TestConsumer_ForwardsSkipsAndCounts(t *testing.T) {
	r := &fakeReader{
		messages: []kafka.Message{
			{Value: []byte(`{"id":"e1","title":"Signup","type":"user"}`)},
			{Value: []byte(`not json`), Offset: 7},
			{Value: []byte(`{"data":{"x":1}}`)},
			{Value: []byte(`{"title":"Checkout"}`), Headers: []kafka.Header{{Key: "event_type", Value: []byte("billing")}}},
			{Value: []byte(`{"title":"Broken"}`)},
		},
		readErrs: []error{errors.New("broker not available")},
	}
	sink := &recordingSink{failTitles: map[string]bool{"Broken": true}}
	c := newConsumer(r, "evntaly-events", sink)

	runUntilDrained(t, c, r, 5)

	st := c.Stats()
	if st.Forwarded != 2 || st.Skipped != 2 || st.Failed != 1 {
		t.Errorf("Stats = %+v, want 2 forwarded, 2 skipped, 1 failed", st)
	}
	got := sink.got()
	if len(got) != 2 {
		t.Fatalf("forwarded %d events, want 2", len(got))
	}
	if got[0].ID != "e1" || got[0].Type != "user" {
		t.Errorf("first event = %+v", got[0])
	}
	if got[1].Title != "Checkout" || got[1].Type != "billing" {
		t.Errorf("header type fallback: event = %+v", got[1])
	}
	if err := c.Close(); err != nil || !r.closed {
		t.Errorf("Close = %v, closed = %v", err, r.closed)
	}
}

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{"valid", `{"title":"Signup"}`, false},
		{"id only", `{"id":"e1"}`, false},
		{"not json", `{`, true},
		{"not an object", `[1,2]`, true},
		{"empty object", `{}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeEvent(kafka.Message{Value: []byte(tt.value)})
			if tt.wantErr && !errors.Is(err, ErrUndecodable) {
				t.Errorf("err = %v, want ErrUndecodable", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("err = %v, want nil", err)
			}
		})
	}
}
