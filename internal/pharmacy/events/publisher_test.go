package events_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/medflow/medflow-pharmacy/internal/pharmacy/events"
	"github.com/medflow/medflow-pharmacy/internal/pharmacy/repository"
	"github.com/medflow/medflow-pharmacy/pkg/logger"
	"github.com/medflow/medflow-pharmacy/pkg/messaging"
	"github.com/medflow/medflow-pharmacy/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishBatchAdded_CarriesTenant(t *testing.T) {
	sink := testutil.NewMockPublisher()
	p := events.NewPublisherWithSink(sink, logger.Nop())
	ctx := testutil.TestTenantContext()

	receivedBy := "user-1"
	p.PublishBatchAdded(ctx, &repository.Batch{
		ID:          "b1",
		ProductID:   "p1",
		BatchNumber: "LOT-9",
		Quantity:    40,
		ExpiryDate:  time.Date(2027, time.May, 31, 0, 0, 0, 0, time.UTC),
		ReceivedBy:  &receivedBy,
	}, true)

	published := sink.Events(messaging.EventBatchAdded)
	require.Len(t, published, 1)
	data, ok := published[0].Payload.(messaging.BatchAddedEvent)
	require.True(t, ok)
	assert.Equal(t, testutil.TestTenantID, data.TenantID)
	assert.Equal(t, testutil.TestSchema, data.TenantSchema)
	assert.Equal(t, "2027-05-31", data.ExpiryDate)
	assert.Equal(t, "user-1", data.ReceivedBy)
	assert.True(t, data.LowStock)
}

func TestPublishStockReturned_OptionalFields(t *testing.T) {
	sink := testutil.NewMockPublisher()
	p := events.NewPublisherWithSink(sink, logger.Nop())

	batchID := "b1"
	p.PublishStockReturned(testutil.TestTenantContext(), &repository.Transaction{
		ID:            "t1",
		ProductID:     "p1",
		BatchID:       &batchID,
		QuantityDelta: 3,
	}, "user-2")

	published := sink.Events(messaging.EventStockReturned)
	require.Len(t, published, 1)
	data := published[0].Payload.(messaging.StockReturnedEvent)
	assert.Equal(t, "b1", data.BatchID)
	assert.Empty(t, data.ReferenceNumber)
	assert.Equal(t, 3, data.Quantity)
}

func TestPublisher_SinkErrorIsSwallowed(t *testing.T) {
	sink := testutil.NewMockPublisher()
	sink.Err = errors.New("channel closed")
	p := events.NewPublisherWithSink(sink, logger.Nop())

	assert.NotPanics(t, func() {
		p.PublishStockAdjusted(testutil.TestTenantContext(), messaging.StockAdjustedEvent{ProductID: "p1", Delta: -2})
	})
	sink.AssertEventPublished(t, messaging.EventStockAdjusted)
}

func TestPublisher_NilIsNoop(t *testing.T) {
	var p *events.PharmacyEventPublisher
	ctx := context.Background()

	assert.NotPanics(t, func() {
		p.PublishBatchAdded(ctx, &repository.Batch{}, false)
		p.PublishStockDispensed(ctx, messaging.StockDispensedEvent{})
		p.PublishAlertsEvaluated(ctx, time.Now(), 0, 0, 0, 0)
	})
}
