package pubsub

import (
	"context"
	"errors"
	"testing"

	"cloud.google.com/go/pubsub"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestPublishEncodesPayloadAndAttributes(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	var sent *pubsub.Message
	p := &Publisher{send: func(_ context.Context, msg *pubsub.Message) (string, error) {
		sent = msg
		return "msg-1", nil
	}}

	traceID, _ := trace.TraceIDFromHex("0123456789abcdef0123456789abcdef")
	spanID, _ := trace.SpanIDFromHex("0123456789abcdef")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	id, err := p.Publish(ctx, "run.completed", map[string]any{"id": "run-1", "rows": 3})
	require.NoError(t, err)
	require.Equal(t, "msg-1", id)
	require.JSONEq(t, `{"id":"run-1","rows":3}`, string(sent.Data))
	require.Equal(t, "run.completed", sent.Attributes[EventAttribute])
	require.Contains(t, sent.Attributes["traceparent"], "0123456789abcdef0123456789abcdef")
}

func TestPublishErrors(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "run.completed", struct{}{})
	require.ErrorContains(t, err, "not configured")

	p := &Publisher{send: func(context.Context, *pubsub.Message) (string, error) {
		return "", errors.New("topic not found")
	}}
	_, err = p.Publish(context.Background(), "run.completed", struct{}{})
	require.ErrorContains(t, err, "topic not found")

	_, err = p.Publish(context.Background(), "run.completed", make(chan int))
	require.ErrorContains(t, err, "marshal payload")
}

func TestAttributeCarrierKeys(t *testing.T) {
	t.Parallel()

	c := attributeCarrier{}
	c.Set("a", "1")
	c.Set("b", "2")
	require.Equal(t, "1", c.Get("a"))
	require.ElementsMatch(t, []string{"a", "b"}, c.Keys())
}
