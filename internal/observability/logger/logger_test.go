package logger

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/brokerpay/internal/authcontext"
	obscontext "github.com/smallbiznis/brokerpay/internal/observability/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithContextAddsRequestActorAndTraceFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	base := zap.New(core)

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)

	brokerID := snowflake.ID(42)
	ctx := obscontext.WithRequestID(context.Background(), "req-1")
	ctx = authcontext.WithActor(ctx, authcontext.Actor{UserID: "broker-user", Role: authcontext.RoleBroker, BrokerID: &brokerID})
	ctx = trace.ContextWithSpanContext(ctx, trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID}))

	WithContext(ctx, base).Info("handled")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", fields["trace_id"])
	assert.Equal(t, "00f067aa0ba902b7", fields["span_id"])
	assert.Equal(t, "broker", fields["actor_role"])
	assert.Equal(t, "broker-user", fields["actor_id"])
	assert.Equal(t, "42", fields["broker_id"])
}

func TestWithContextWithoutActorOrSpan(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)

	WithContext(context.Background(), zap.New(core)).Info("anonymous")

	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "", fields["trace_id"])
	assert.Equal(t, "", fields["actor_id"])
	assert.NotContains(t, fields, "broker_id")
}
