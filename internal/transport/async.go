package transport

import (
	"context"
	"log"
	"sync"
	"time"

	"evntaly-go/internal/event/domain"
)

// submitTimeout is the max time allowed for a single async submit. Used by Async and by ShutdownDrainDuration.
const submitTimeout = 5 * time.Second

// ShutdownDrainDuration is how long to wait for in-flight async submits before shutting down
// OTel providers. Must be >= submitTimeout.
const ShutdownDrainDuration = submitTimeout

// Async wraps a Transport so Submit returns immediately and the underlying submit runs in a
// goroutine with a short timeout. Errors are logged. Wait blocks until started submits finish.
//
// The goroutine uses context.Background() with submitTimeout so caller cancellation does not abort in-flight submits.
type Async struct {
	next Transport
	wg   sync.WaitGroup
}

// NewAsync wraps next. next may be nil; Submit then returns immediately without starting a goroutine.
func NewAsync(next Transport) *Async {
	return &Async{next: next}
}

// Submit starts a background submit and returns nil.
func (a *Async) Submit(_ context.Context, ev *domain.Event) error {
	if a.next == nil || ev == nil {
		return nil
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
		defer cancel()
		if err := a.next.Submit(ctx, ev); err != nil {
			log.Printf("transport: async submit failed: %v", err)
		}
	}()
	return nil
}

// Wait blocks until all in-flight submits complete or ctx is done.
func (a *Async) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
