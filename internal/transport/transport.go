// Package transport defines the collaborator that carries admitted events to the Evntaly backend.
package transport

import (
	"context"
	"errors"

	"evntaly-go/internal/event/domain"
)

// Transport submits a single event. Best-effort; callers log and ignore errors.
type Transport interface {
	Submit(ctx context.Context, ev *domain.Event) error
}

// Closer is implemented by transports that hold resources (e.g. a Kafka writer).
type Closer interface {
	Close() error
}

// Func adapts a function to Transport.
type Func func(ctx context.Context, ev *domain.Event) error

// Submit calls f.
func (f Func) Submit(ctx context.Context, ev *domain.Event) error { return f(ctx, ev) }

// Nop discards every event.
type Nop struct{}

// Submit returns nil.
func (Nop) Submit(context.Context, *domain.Event) error { return nil }

// Multi submits to every transport in order and joins their errors.
type Multi []Transport

// Submit calls Submit on each transport, continuing past failures.
func (m Multi) Submit(ctx context.Context, ev *domain.Event) error {
	var errs []error
	for _, t := range m {
		if t == nil {
			continue
		}
		if err := t.Submit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
