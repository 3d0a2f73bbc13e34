package consumers

import (
	"context"
	"fmt"

	"github.com/medflow/medflow-pharmacy/internal/pharmacy/repository"
	"github.com/medflow/medflow-pharmacy/pkg/errors"
	"github.com/medflow/medflow-pharmacy/pkg/logger"
	"github.com/medflow/medflow-pharmacy/pkg/messaging"
	"github.com/medflow/medflow-pharmacy/pkg/tenant"
)

// QueueName is the queue the pharmacy service reads catalog events from
const QueueName = "pharmacy-service.catalog-events"

// ProductEventHandler keeps the local product table in step with the catalog
type ProductEventHandler struct {
	productRepo *repository.ProductRepository
	logger      *logger.Logger
}

// NewProductEventHandler creates a new product event handler
func NewProductEventHandler(productRepo *repository.ProductRepository, log *logger.Logger) *ProductEventHandler {
	return &ProductEventHandler{
		productRepo: productRepo,
		logger:      log.WithComponent("catalog-consumer"),
	}
}

// ProductEventConsumer consumes product events
type ProductEventConsumer struct {
	consumer *messaging.Consumer
	handler  *ProductEventHandler
}

// NewProductEventConsumer declares the queue, binds it to product.* on the
// catalog exchange and registers the handlers.
func NewProductEventConsumer(rmq *messaging.RabbitMQ, handler *ProductEventHandler, log *logger.Logger) (*ProductEventConsumer, error) {
	consumer, err := messaging.NewConsumer(rmq, QueueName, log)
	if err != nil {
		return nil, err
	}
	if err := rmq.DeclareExchange(messaging.ExchangeCatalogEvents); err != nil {
		return nil, err
	}
	if err := consumer.Subscribe(messaging.ExchangeCatalogEvents, "product.#"); err != nil {
		return nil, err
	}

	consumer.RegisterHandler(messaging.EventProductCreated, handler.HandleUpsert)
	consumer.RegisterHandler(messaging.EventProductUpdated, handler.HandleUpsert)
	consumer.RegisterHandler(messaging.EventProductStatusChanged, handler.HandleStatusChanged)

	return &ProductEventConsumer{consumer: consumer, handler: handler}, nil
}

// Start starts consuming messages
func (c *ProductEventConsumer) Start(ctx context.Context) error {
	return c.consumer.Start(ctx)
}

// Restart redeclares the queue and bindings after a reconnect and resumes
// consuming. It is meant as the RabbitMQ.Watch callback.
func (c *ProductEventConsumer) Restart(ctx context.Context) error {
	if err := c.consumer.Redeclare(); err != nil {
		return err
	}
	return c.consumer.Start(ctx)
}

// decode reads the payload and scopes ctx to the tenant it names
func (h *ProductEventHandler) decode(ctx context.Context, event *messaging.Event) (context.Context, *messaging.ProductEvent, error) {
	var data messaging.ProductEvent
	if err := event.UnmarshalData(&data); err != nil {
		return nil, nil, fmt.Errorf("decode %s payload: %w", event.Type, err)
	}
	if data.ProductID == "" {
		return nil, nil, fmt.Errorf("%s event %s has no product_id", event.Type, event.ID)
	}
	if err := tenant.ValidateSchema(data.TenantSchema); err != nil {
		return nil, nil, fmt.Errorf("%s event %s: %w", event.Type, event.ID, err)
	}
	ctx = tenant.WithTenantContext(ctx, data.TenantID, data.TenantSlug, data.TenantSchema)
	return ctx, &data, nil
}

func validStatus(status string) bool {
	switch status {
	case "", repository.ProductStatusActive, repository.ProductStatusInactive, repository.ProductStatusDiscontinued:
		return true
	}
	return false
}

func toProduct(data *messaging.ProductEvent) *repository.Product {
	p := &repository.Product{
		ID:                   data.ProductID,
		Name:                 data.Name,
		Unit:                 data.Unit,
		PrescriptionRequired: data.PrescriptionRequired,
		Status:               data.Status,
	}
	if data.SKU != "" {
		sku := data.SKU
		p.SKU = &sku
	}
	if data.Category != "" {
		category := data.Category
		p.Category = &category
	}
	return p
}

// HandleUpsert stores the product carried by a created or updated event
func (h *ProductEventHandler) HandleUpsert(ctx context.Context, event *messaging.Event) error {
	ctx, data, err := h.decode(ctx, event)
	if err != nil {
		return err
	}
	if data.Name == "" {
		return fmt.Errorf("%s event %s has no product name", event.Type, event.ID)
	}
	if !validStatus(data.Status) {
		return fmt.Errorf("%s event %s has unknown status %q", event.Type, event.ID, data.Status)
	}

	if err := h.productRepo.Upsert(ctx, toProduct(data)); err != nil {
		return err
	}

	h.logger.Info().
		Str("event_type", event.Type).
		Str("product_id", data.ProductID).
		Str("tenant_schema", data.TenantSchema).
		Msg("product synced from catalog")
	return nil
}

// HandleStatusChanged applies a status change. A status change for a
// product never seen before is stored in full when the payload has a name.
func (h *ProductEventHandler) HandleStatusChanged(ctx context.Context, event *messaging.Event) error {
	ctx, data, err := h.decode(ctx, event)
	if err != nil {
		return err
	}
	if data.Status == "" || !validStatus(data.Status) {
		return fmt.Errorf("%s event %s has unknown status %q", event.Type, event.ID, data.Status)
	}

	err = h.productRepo.SetStatus(ctx, data.ProductID, data.Status)
	if errors.Is(err, errors.ErrNotFound) {
		if data.Name == "" {
			h.logger.Warn().
				Str("product_id", data.ProductID).
				Msg("status change for unknown product ignored")
			return nil
		}
		err = h.productRepo.Upsert(ctx, toProduct(data))
	}
	if err != nil {
		return err
	}

	h.logger.Info().
		Str("product_id", data.ProductID).
		Str("status", data.Status).
		Msg("product status changed")
	return nil
}
