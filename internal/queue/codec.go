package queue

import (
	"context"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Encode marshals a message body.
func Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return b, nil
}

// Decode unmarshals a message body into v.
func Decode(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return nil
}

// Publish encodes v and enqueues it.
func Publish(ctx context.Context, q Queue, topic, key string, v any) error {
	body, err := Encode(v)
	if err != nil {
		return err
	}
	return q.Enqueue(ctx, topic, key, body)
}

// InjectHeaders captures the active trace context so downstream consumers can
// continue the trace.
func InjectHeaders(ctx context.Context) map[string]string {
	h := make(map[string]string)
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(h))
	return h
}

// ExtractContext returns ctx enriched with the trace context found in headers.
func ExtractContext(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}
