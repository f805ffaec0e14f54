package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"evntaly-go/internal/dispatch"
)

// maxBodyBytes caps the webhook request body read by Handler.
const maxBodyBytes = 1 << 20

// HandlerFunc handles a verified webhook. payload is the decoded JSON object.
type HandlerFunc func(ctx context.Context, payload map[string]any, eventType string) error

// Dispatcher verifies inbound webhooks and routes them to registered handlers.
type Dispatcher struct {
	verifier *Verifier
	handlers *dispatch.Registry[HandlerFunc]
}

// NewDispatcher returns a Dispatcher that verifies with v. v must not be nil.
func NewDispatcher(v *Verifier) (*Dispatcher, error) {
	if v == nil {
		return nil, errors.New("webhook: verifier is required")
	}
	return &Dispatcher{verifier: v, handlers: dispatch.NewRegistry[HandlerFunc]()}, nil
}

// On registers h for eventType. Use dispatch.Wildcard to receive every event.
func (d *Dispatcher) On(eventType string, h HandlerFunc) {
	if h == nil {
		return
	}
	d.handlers.Register(eventType, h)
}

// Off removes every handler registered for eventType. Off(dispatch.Wildcard) removes only the
// wildcard handlers.
func (d *Dispatcher) Off(eventType string) {
	d.handlers.Clear(eventType)
}

// HandlerCount returns the number of handlers registered for eventType itself, not counting
// wildcard handlers.
func (d *Dispatcher) HandlerCount(eventType string) int {
	return d.handlers.Len(eventType)
}

// Process verifies payload and dispatches it. Returns true iff the payload was authenticated and
// carried an event type; handler failures are logged and never change the result.
func (d *Dispatcher) Process(ctx context.Context, payload []byte, headers http.Header) bool {
	parsed, eventType, err := d.Parse(payload, headers)
	if err != nil {
		log.Printf("webhook: rejected: %v", err)
		return false
	}
	for _, h := range d.handlers.Lookup(eventType) {
		d.invoke(ctx, h, parsed, eventType)
	}
	return true
}

// Parse verifies payload and decodes it without dispatching.
func (d *Dispatcher) Parse(payload []byte, headers http.Header) (map[string]any, string, error) {
	if err := d.verifier.Verify(payload, headers); err != nil {
		return nil, "", err
	}
	var parsed map[string]any
	if err := json.Unmarshal(payload, &parsed); err != nil || parsed == nil {
		return nil, "", &ValidationError{Err: ErrMalformedPayload}
	}
	eventType, ok := parsed["event"].(string)
	if !ok {
		return nil, "", &ValidationError{Err: ErrMalformedPayload, Detail: "event field missing"}
	}
	return parsed, eventType, nil
}

func (d *Dispatcher) invoke(ctx context.Context, h HandlerFunc, payload map[string]any, eventType string) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("webhook: handler for %q panicked: %v", eventType, r)
		}
	}()
	if err := h(ctx, payload, eventType); err != nil {
		log.Printf("webhook: handler for %q failed: %v", eventType, err)
	}
}

// Handler returns an http.Handler that processes POSTed webhooks.
// Responds 204 on success, 401 when verification fails, 405 for other methods.
func (d *Dispatcher) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			http.Error(w, fmt.Sprintf("read body: %v", err), http.StatusRequestEntityTooLarge)
			return
		}
		if !d.Process(r.Context(), body, r.Header) {
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}
