package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("operation", "create"),
		attribute.String("broker_id", "456"),
		attribute.String("outcome", "ok"),
	)
	require.Len(t, attrs, 2)
	assert.Equal(t, attribute.Key("operation"), attrs[0].Key)
	assert.Equal(t, attribute.Key("outcome"), attrs[1].Key)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordAdjustmentOperation(context.Background(), "create", "ok")
		m.RecordCompensation(context.Background(), "create")
		m.RecordACHRecords(context.Background(), "emitted", 3)
		m.RecordNotification(context.Background(), "report_created", "dropped")
		m.RecordReportsPaid(context.Background(), 2)
	})
}

func TestNewWithNoopProvider(t *testing.T) {
	m, err := New(Config{ServiceName: "brokerpay-test"}, noop.NewMeterProvider())
	require.NoError(t, err)
	assert.NotPanics(t, func() {
		m.RecordAdjustmentOperation(context.Background(), "approve", "failed")
		m.RecordACHRecords(context.Background(), "invalid", 1)
	})
}
