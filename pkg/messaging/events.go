package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Event types
const (
	// Pharmacy events (published)
	EventBatchAdded      = "pharmacy.batch.added"
	EventStockDispensed  = "pharmacy.stock.dispensed"
	EventStockReturned   = "pharmacy.stock.returned"
	EventStockAdjusted   = "pharmacy.stock.adjusted"
	EventBatchWrittenOff = "pharmacy.batch.written_off"
	EventAlertsEvaluated = "pharmacy.alerts.evaluated"
	EventBatchExpiring   = "pharmacy.batch.expiring"

	// Catalog events (consumed)
	EventProductCreated       = "product.created"
	EventProductUpdated       = "product.updated"
	EventProductStatusChanged = "product.status_changed"
)

// Exchange names
const (
	ExchangePharmacyEvents = "pharmacy.events"
	ExchangeCatalogEvents  = "catalog.events"
)

// Event is the base event structure
type Event struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Source        string          `json:"source"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event with the given type and data
func NewEvent(eventType, source, correlationID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            uuid.New().String(),
		Type:          eventType,
		Source:        source,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		Data:          dataBytes,
	}, nil
}

// UnmarshalData unmarshals the event data into the provided struct
func (e *Event) UnmarshalData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// TenantRef identifies the tenant an event belongs to. Consumers use the
// schema to scope their writes.
type TenantRef struct {
	TenantID     string `json:"tenant_id"`
	TenantSlug   string `json:"tenant_slug,omitempty"`
	TenantSchema string `json:"tenant_schema"`
}

// Pharmacy Events

// BatchAddedEvent is published when a batch is received into stock
type BatchAddedEvent struct {
	TenantRef
	BatchID     string `json:"batch_id"`
	ProductID   string `json:"product_id"`
	BatchNumber string `json:"batch_number"`
	Quantity    int    `json:"quantity"`
	ExpiryDate  string `json:"expiry_date"`
	ReceivedBy  string `json:"received_by,omitempty"`
	LowStock    bool   `json:"low_stock"`
}

// DispensedLine is one (product, batch) portion of a dispense
type DispensedLine struct {
	ProductID   string          `json:"product_id"`
	BatchID     string          `json:"batch_id"`
	BatchNumber string          `json:"batch_number"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

// StockDispensedEvent is published after a dispense commits
type StockDispensedEvent struct {
	TenantRef
	ReferenceNumber string          `json:"reference_number"`
	IssuedTo        string          `json:"issued_to,omitempty"`
	IssuedBy        string          `json:"issued_by"`
	TotalValue      decimal.Decimal `json:"total_value"`
	Lines           []DispensedLine `json:"lines"`
}

// StockReturnedEvent is published when stock comes back to a batch
type StockReturnedEvent struct {
	TenantRef
	TransactionID   string `json:"transaction_id"`
	ProductID       string `json:"product_id"`
	BatchID         string `json:"batch_id"`
	Quantity        int    `json:"quantity"`
	ReferenceNumber string `json:"reference_number,omitempty"`
	ReturnedBy      string `json:"returned_by"`
}

// AdjustedBatch is the effect of an adjustment on one batch
type AdjustedBatch struct {
	BatchID     string `json:"batch_id"`
	Delta       int    `json:"delta"`
	NewQuantity int    `json:"new_quantity"`
}

// StockAdjustedEvent is published after a manual stock adjustment
type StockAdjustedEvent struct {
	TenantRef
	ProductID  string          `json:"product_id"`
	ReasonCode string          `json:"reason_code"`
	Delta      int             `json:"delta"`
	AdjustedBy string          `json:"adjusted_by"`
	Batches    []AdjustedBatch `json:"batches"`
}

// BatchWrittenOffEvent is published when a batch is zeroed and deactivated
type BatchWrittenOffEvent struct {
	TenantRef
	BatchID     string `json:"batch_id"`
	ProductID   string `json:"product_id"`
	BatchNumber string `json:"batch_number"`
	Quantity    int    `json:"quantity"`
	ReasonCode  string `json:"reason_code"`
}

// AlertsEvaluatedEvent summarizes a scheduled alert evaluation
type AlertsEvaluatedEvent struct {
	TenantRef
	EvaluatedAt   time.Time `json:"evaluated_at"`
	LowStock      int       `json:"low_stock"`
	OutOfStock    int       `json:"out_of_stock"`
	ExpiryWarning int       `json:"expiry_warning"`
	Expired       int       `json:"expired"`
}

// BatchExpiringEvent is published for every batch inside the warning window
type BatchExpiringEvent struct {
	TenantRef
	BatchID         string `json:"batch_id"`
	ProductID       string `json:"product_id"`
	BatchNumber     string `json:"batch_number"`
	ExpiryDate      string `json:"expiry_date"`
	DaysUntilExpiry int    `json:"days_until_expiry"`
	Quantity        int    `json:"quantity"`
}

// Catalog Events

// ProductEvent is the payload of every product.* event
type ProductEvent struct {
	TenantRef
	ProductID            string `json:"product_id"`
	SKU                  string `json:"sku"`
	Name                 string `json:"name"`
	Category             string `json:"category"`
	Unit                 string `json:"unit"`
	PrescriptionRequired bool   `json:"prescription_required"`
	Status               string `json:"status"`
}
