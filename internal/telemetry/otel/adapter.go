package otel

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"evntaly-go/internal/event/domain"
	"evntaly-go/internal/transport"
)

// recordEmitter is the part of otellog.Logger used by the log transport.
type recordEmitter interface {
	Emit(ctx context.Context, rec otellog.Record)
}

// NewLogTransport returns a Transport that records events as OTel log records via provider.
// If provider is nil, returns a no-op transport.
func NewLogTransport(provider *sdklog.LoggerProvider) transport.Transport {
	if provider == nil {
		return transport.Nop{}
	}
	return &logTransport{logger: provider.Logger("evntaly.events")}
}

// NewLogTransportWithLogger is NewLogTransport with an explicit record sink.
func NewLogTransportWithLogger(logger recordEmitter) transport.Transport {
	return &logTransport{logger: logger}
}

type logTransport struct {
	logger recordEmitter
}

// Submit converts ev to a log record: Data becomes the JSON body, identity fields become attributes.
func (t *logTransport) Submit(ctx context.Context, ev *domain.Event) error {
	if ev == nil {
		return nil
	}
	rec := otellog.Record{}
	if !ev.Timestamp.IsZero() {
		rec.SetTimestamp(ev.Timestamp)
	} else {
		rec.SetTimestamp(time.Now().UTC())
	}
	rec.SetSeverity(otellog.SeverityInfo)
	if len(ev.Data) > 0 {
		body, err := json.Marshal(ev.Data)
		if err != nil {
			return err
		}
		rec.SetBody(otellog.BytesValue(body))
	}
	rec.AddAttributes(
		otellog.String("event.title", ev.Title),
		otellog.String("event.fingerprint", ev.Fingerprint()),
	)
	optional := []struct{ key, val string }{
		{"event.type", ev.Type},
		{"event.id", ev.ID},
		{"event.description", ev.Description},
		{"user_id", ev.UserID},
		{"session_id", ev.SessionID},
		{"event.tags", strings.Join(ev.Tags, ",")},
	}
	for _, kv := range optional {
		if kv.val != "" {
			rec.AddAttributes(otellog.String(kv.key, kv.val))
		}
	}
	t.logger.Emit(ctx, rec)
	return nil
}
