package events

import (
	"context"
	"time"

	"github.com/medflow/medflow-pharmacy/internal/pharmacy/repository"
	"github.com/medflow/medflow-pharmacy/pkg/logger"
	"github.com/medflow/medflow-pharmacy/pkg/messaging"
	"github.com/medflow/medflow-pharmacy/pkg/tenant"
)

const source = "pharmacy-service"

// Sink is where events are written. *messaging.Publisher is the production
// implementation.
type Sink interface {
	Publish(ctx context.Context, eventType string, data interface{}) error
}

// PharmacyEventPublisher publishes pharmacy domain events. A nil publisher
// drops every event, so services can run without a broker.
type PharmacyEventPublisher struct {
	sink   Sink
	logger *logger.Logger
}

// NewPharmacyEventPublisher declares the pharmacy exchange and returns a
// publisher writing to it.
func NewPharmacyEventPublisher(rmq *messaging.RabbitMQ, log *logger.Logger) (*PharmacyEventPublisher, error) {
	publisher, err := messaging.NewPublisher(rmq, messaging.ExchangePharmacyEvents, source, log)
	if err != nil {
		return nil, err
	}
	return NewPublisherWithSink(publisher, log), nil
}

// NewPublisherWithSink wraps any sink, e.g. a recording one in tests
func NewPublisherWithSink(sink Sink, log *logger.Logger) *PharmacyEventPublisher {
	return &PharmacyEventPublisher{
		sink:   sink,
		logger: log.WithComponent("pharmacy-events"),
	}
}

// TenantRef builds the tenant header of a payload from ctx
func TenantRef(ctx context.Context) messaging.TenantRef {
	id, _ := tenant.TenantID(ctx)
	slug, _ := tenant.TenantSlug(ctx)
	schema, _ := tenant.TenantSchema(ctx)
	return messaging.TenantRef{TenantID: id, TenantSlug: slug, TenantSchema: schema}
}

// PublishBatchAdded publishes a batch added event
func (p *PharmacyEventPublisher) PublishBatchAdded(ctx context.Context, b *repository.Batch, lowStock bool) {
	if p == nil {
		return
	}

	receivedBy := ""
	if b.ReceivedBy != nil {
		receivedBy = *b.ReceivedBy
	}

	data := messaging.BatchAddedEvent{
		TenantRef:   TenantRef(ctx),
		BatchID:     b.ID,
		ProductID:   b.ProductID,
		BatchNumber: b.BatchNumber,
		Quantity:    b.Quantity,
		ExpiryDate:  b.ExpiryDate.Format("2006-01-02"),
		ReceivedBy:  receivedBy,
		LowStock:    lowStock,
	}
	p.publish(ctx, messaging.EventBatchAdded, data, b.ID)
}

// PublishStockDispensed publishes a completed dispense
func (p *PharmacyEventPublisher) PublishStockDispensed(ctx context.Context, data messaging.StockDispensedEvent) {
	if p == nil {
		return
	}
	data.TenantRef = TenantRef(ctx)
	p.publish(ctx, messaging.EventStockDispensed, data, data.ReferenceNumber)
}

// PublishStockReturned publishes a return
func (p *PharmacyEventPublisher) PublishStockReturned(ctx context.Context, entry *repository.Transaction, returnedBy string) {
	if p == nil {
		return
	}

	data := messaging.StockReturnedEvent{
		TenantRef:     TenantRef(ctx),
		TransactionID: entry.ID,
		ProductID:     entry.ProductID,
		Quantity:      entry.QuantityDelta,
		ReturnedBy:    returnedBy,
	}
	if entry.BatchID != nil {
		data.BatchID = *entry.BatchID
	}
	if entry.ReferenceNumber != nil {
		data.ReferenceNumber = *entry.ReferenceNumber
	}
	p.publish(ctx, messaging.EventStockReturned, data, entry.ID)
}

// PublishStockAdjusted publishes an adjustment
func (p *PharmacyEventPublisher) PublishStockAdjusted(ctx context.Context, data messaging.StockAdjustedEvent) {
	if p == nil {
		return
	}
	data.TenantRef = TenantRef(ctx)
	p.publish(ctx, messaging.EventStockAdjusted, data, data.ProductID)
}

// PublishBatchWrittenOff publishes a write-off
func (p *PharmacyEventPublisher) PublishBatchWrittenOff(ctx context.Context, b *repository.Batch, quantity int, reasonCode string) {
	if p == nil {
		return
	}

	data := messaging.BatchWrittenOffEvent{
		TenantRef:   TenantRef(ctx),
		BatchID:     b.ID,
		ProductID:   b.ProductID,
		BatchNumber: b.BatchNumber,
		Quantity:    quantity,
		ReasonCode:  reasonCode,
	}
	p.publish(ctx, messaging.EventBatchWrittenOff, data, b.ID)
}

// PublishAlertsEvaluated publishes the counts of one evaluation
func (p *PharmacyEventPublisher) PublishAlertsEvaluated(ctx context.Context, evaluatedAt time.Time, lowStock, outOfStock, expiryWarning, expired int) {
	if p == nil {
		return
	}

	data := messaging.AlertsEvaluatedEvent{
		TenantRef:     TenantRef(ctx),
		EvaluatedAt:   evaluatedAt,
		LowStock:      lowStock,
		OutOfStock:    outOfStock,
		ExpiryWarning: expiryWarning,
		Expired:       expired,
	}
	p.publish(ctx, messaging.EventAlertsEvaluated, data, "")
}

// PublishBatchExpiring publishes one batch inside the expiry window
func (p *PharmacyEventPublisher) PublishBatchExpiring(ctx context.Context, data messaging.BatchExpiringEvent) {
	if p == nil {
		return
	}
	data.TenantRef = TenantRef(ctx)
	p.publish(ctx, messaging.EventBatchExpiring, data, data.BatchID)
}

// publish logs failures instead of returning them. State has already been
// committed when events go out.
func (p *PharmacyEventPublisher) publish(ctx context.Context, eventType string, data interface{}, subject string) {
	if err := p.sink.Publish(ctx, eventType, data); err != nil {
		p.logger.Error().
			Err(err).
			Str("event_type", eventType).
			Str("subject", subject).
			Msg("failed to publish pharmacy event")
	}
}
