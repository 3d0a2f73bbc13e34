package service

import (
	"context"
	"time"

	"github.com/medflow/medflow-pharmacy/internal/pharmacy/events"
	"github.com/medflow/medflow-pharmacy/internal/pharmacy/repository"
	"github.com/medflow/medflow-pharmacy/pkg/actor"
	"github.com/medflow/medflow-pharmacy/pkg/database"
	"github.com/medflow/medflow-pharmacy/pkg/errors"
	"github.com/medflow/medflow-pharmacy/pkg/logger"
	"github.com/medflow/medflow-pharmacy/pkg/permissions"
	"github.com/shopspring/decimal"
)

// AddBatchRequest describes a received lot
type AddBatchRequest struct {
	ProductID       string
	BatchNumber     string
	ManufactureDate time.Time
	ExpiryDate      time.Time
	Quantity        int
	BuyingPrice     decimal.Decimal
	SellingPrice    decimal.Decimal
	// MinStock defaults to the configured low stock threshold
	MinStock *int
	// ReorderPoint defaults to MinStock
	ReorderPoint    *int
	StorageLocation *string
	SupplierName    *string
	InvoiceNumber   *string
	ReceivedDate    *time.Time
	ReceivedBy      *string
	Notes           *string
}

// AddBatchResult is the created batch with the product's stock after receipt
type AddBatchResult struct {
	Batch    *repository.Batch       `json:"batch"`
	Entry    *repository.Transaction `json:"entry"`
	Stock    StockLevel              `json:"stock"`
	LowStock bool                    `json:"low_stock"`
}

// UpdateBatchRequest carries metadata changes. The identity fields are
// accepted only so that a change to them can be rejected.
type UpdateBatchRequest struct {
	BuyingPrice     *decimal.Decimal
	SellingPrice    *decimal.Decimal
	MinStock        *int
	ReorderPoint    *int
	StorageLocation *string
	SupplierName    *string
	InvoiceNumber   *string
	Notes           *string

	BatchNumber     *string
	ManufactureDate *time.Time
	ExpiryDate      *time.Time
	Quantity        *int
}

// WriteOffResult is the outcome of a write-off
type WriteOffResult struct {
	Batch    *repository.Batch       `json:"batch"`
	Quantity int                     `json:"quantity"`
	Entry    *repository.Transaction `json:"entry,omitempty"`
}

// BatchService receives, updates and writes off batches
type BatchService struct {
	db          *database.DB
	productRepo *repository.ProductRepository
	batchRepo   *repository.BatchRepository
	ledger      *Ledger
	publisher   *events.PharmacyEventPublisher
	config      AlertConfig
	logger      *logger.Logger
	now         func() time.Time
}

// NewBatchService creates a new batch service
func NewBatchService(
	db *database.DB,
	productRepo *repository.ProductRepository,
	batchRepo *repository.BatchRepository,
	ledger *Ledger,
	publisher *events.PharmacyEventPublisher,
	cfg AlertConfig,
	log *logger.Logger,
) *BatchService {
	return &BatchService{
		db:          db,
		productRepo: productRepo,
		batchRepo:   batchRepo,
		ledger:      ledger,
		publisher:   publisher,
		config:      cfg,
		logger:      log.WithComponent("batches"),
		now:         time.Now,
	}
}

func validatePrices(buying, selling decimal.Decimal) map[string]string {
	details := map[string]string{}
	if !buying.IsPositive() {
		details["buying_price"] = "must be greater than 0"
	}
	if !selling.IsPositive() {
		details["selling_price"] = "must be greater than 0"
	}
	return details
}

// AddBatch receives a new batch and records its addition entry in the
// same transaction.
func (s *BatchService) AddBatch(ctx context.Context, req AddBatchRequest) (*AddBatchResult, error) {
	details := validatePrices(req.BuyingPrice, req.SellingPrice)
	if req.Quantity <= 0 {
		details["quantity"] = "must be greater than 0"
	}
	if req.MinStock != nil && *req.MinStock < 0 {
		details["min_stock"] = "must not be negative"
	}
	if req.ReorderPoint != nil && *req.ReorderPoint < 0 {
		details["reorder_point"] = "must not be negative"
	}
	if len(details) > 0 {
		return nil, errors.InvalidQuantityOrPrice(details)
	}

	manufactured := utcDay(req.ManufactureDate)
	expiry := utcDay(req.ExpiryDate)
	today := utcDay(s.now())
	if !expiry.After(manufactured) {
		return nil, errors.InvalidDateRange("expiry date must be after manufacture date")
	}
	if !expiry.After(today) {
		return nil, errors.InvalidDateRange("expiry date must be in the future")
	}

	minStock := s.config.LowStockDefaultThreshold
	if req.MinStock != nil {
		minStock = *req.MinStock
	}
	reorder := minStock
	if req.ReorderPoint != nil {
		reorder = *req.ReorderPoint
	}
	received := today
	if req.ReceivedDate != nil {
		received = utcDay(*req.ReceivedDate)
	}
	receivedBy := req.ReceivedBy
	if receivedBy == nil || *receivedBy == "" {
		id := actor.FromContextOrSystem(ctx).ID
		receivedBy = &id
	}

	var result *AddBatchResult
	err := s.db.WithTenant(ctx, func(ctx context.Context) error {
		if _, err := s.productRepo.GetByID(ctx, req.ProductID); err != nil {
			return err
		}
		exists, err := s.batchRepo.ExistsByNumber(ctx, req.ProductID, req.BatchNumber)
		if err != nil {
			return err
		}
		if exists {
			return errors.DuplicateBatch(req.ProductID, req.BatchNumber)
		}

		b := &repository.Batch{
			ProductID:       req.ProductID,
			BatchNumber:     req.BatchNumber,
			ManufactureDate: manufactured,
			ExpiryDate:      expiry,
			Quantity:        req.Quantity,
			InitialQuantity: req.Quantity,
			BuyingPrice:     req.BuyingPrice.Round(2),
			SellingPrice:    req.SellingPrice.Round(2),
			MinStock:        minStock,
			ReorderPoint:    reorder,
			StorageLocation: req.StorageLocation,
			SupplierName:    req.SupplierName,
			InvoiceNumber:   req.InvoiceNumber,
			ReceivedDate:    received,
			ReceivedBy:      receivedBy,
			Notes:           req.Notes,
			IsActive:        true,
		}
		if err := s.batchRepo.Create(ctx, b); err != nil {
			return err
		}

		entry, err := s.ledger.Record(ctx, RecordEntry{
			Type:      repository.TransactionAddition,
			ProductID: b.ProductID,
			BatchID:   b.ID,
			Delta:     b.Quantity,
			UnitPrice: b.BuyingPrice,
			Notes:     b.Notes,
		})
		if err != nil {
			return err
		}

		batches, err := s.batchRepo.ListByProduct(ctx, b.ProductID)
		if err != nil {
			return err
		}
		stock := Aggregate(b.ProductID, batches, s.config.LowStockDefaultThreshold)
		result = &AddBatchResult{
			Batch:    b,
			Entry:    entry,
			Stock:    stock,
			LowStock: stock.Status != repository.StockStatusInStock,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("product_id", result.Batch.ProductID).
		Str("batch_id", result.Batch.ID).
		Str("batch_number", result.Batch.BatchNumber).
		Int("quantity", result.Batch.Quantity).
		Bool("low_stock", result.LowStock).
		Msg("batch received")

	s.publisher.PublishBatchAdded(ctx, result.Batch, result.LowStock)
	return result, nil
}

// UpdateBatchMetadata changes the descriptive fields of a batch. Changing
// the batch number, dates or quantity is rejected.
func (s *BatchService) UpdateBatchMetadata(ctx context.Context, batchID string, req UpdateBatchRequest) (*repository.Batch, error) {
	var updated *repository.Batch
	err := s.db.WithTenant(ctx, func(ctx context.Context) error {
		b, err := s.batchRepo.LockByID(ctx, batchID)
		if err != nil {
			return err
		}

		var immutable []string
		if req.BatchNumber != nil && *req.BatchNumber != b.BatchNumber {
			immutable = append(immutable, "batch_number")
		}
		if req.ManufactureDate != nil && !utcDay(*req.ManufactureDate).Equal(utcDay(b.ManufactureDate)) {
			immutable = append(immutable, "manufacture_date")
		}
		if req.ExpiryDate != nil && !utcDay(*req.ExpiryDate).Equal(utcDay(b.ExpiryDate)) {
			immutable = append(immutable, "expiry_date")
		}
		if req.Quantity != nil && *req.Quantity != b.Quantity {
			immutable = append(immutable, "quantity")
		}
		if len(immutable) > 0 {
			return errors.ImmutableFieldChange(immutable...)
		}

		if req.BuyingPrice != nil {
			b.BuyingPrice = req.BuyingPrice.Round(2)
		}
		if req.SellingPrice != nil {
			b.SellingPrice = req.SellingPrice.Round(2)
		}
		details := validatePrices(b.BuyingPrice, b.SellingPrice)
		if req.MinStock != nil {
			if *req.MinStock < 0 {
				details["min_stock"] = "must not be negative"
			}
			b.MinStock = *req.MinStock
		}
		if req.ReorderPoint != nil {
			if *req.ReorderPoint < 0 {
				details["reorder_point"] = "must not be negative"
			}
			b.ReorderPoint = *req.ReorderPoint
		}
		if len(details) > 0 {
			return errors.InvalidQuantityOrPrice(details)
		}

		if req.StorageLocation != nil {
			b.StorageLocation = req.StorageLocation
		}
		if req.SupplierName != nil {
			b.SupplierName = req.SupplierName
		}
		if req.InvoiceNumber != nil {
			b.InvoiceNumber = req.InvoiceNumber
		}
		if req.Notes != nil {
			b.Notes = req.Notes
		}

		if err := s.batchRepo.UpdateMetadata(ctx, b); err != nil {
			return err
		}
		updated = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("batch_id", batchID).Msg("batch metadata updated")
	return updated, nil
}

// GetBatch gets a batch by ID
func (s *BatchService) GetBatch(ctx context.Context, batchID string) (*repository.Batch, error) {
	return s.batchRepo.GetByID(ctx, batchID)
}

// ListBatchesForProduct lists all batches of a product in FEFO order
func (s *BatchService) ListBatchesForProduct(ctx context.Context, productID string) ([]*repository.Batch, error) {
	if _, err := s.productRepo.GetByID(ctx, productID); err != nil {
		return nil, err
	}
	batches, err := s.batchRepo.ListByProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	if batches == nil {
		batches = []*repository.Batch{}
	}
	return batches, nil
}

// WriteOffBatch zeroes a batch through an adjustment entry and deactivates it
func (s *BatchService) WriteOffBatch(ctx context.Context, batchID, reasonCode string, notes *string) (*WriteOffResult, error) {
	if !actor.FromContextOrSystem(ctx).Can(permissions.PharmacyStockAdjust) {
		return nil, errors.Forbidden("writing off a batch requires " + permissions.PharmacyStockAdjust)
	}
	if !IsReasonCode(reasonCode) {
		return nil, errors.Validation(map[string]string{"reason_code": reasonCodeMessage})
	}

	var result *WriteOffResult
	err := s.db.WithTenant(ctx, func(ctx context.Context) error {
		b, err := s.batchRepo.LockByID(ctx, batchID)
		if err != nil {
			return err
		}
		if !b.IsActive {
			return errors.Conflict("batch is already written off")
		}

		result = &WriteOffResult{Batch: b, Quantity: b.Quantity}
		if b.Quantity > 0 {
			if _, err := s.batchRepo.MutateQuantity(ctx, b.ID, -b.Quantity); err != nil {
				return err
			}
			entry, err := s.ledger.Record(ctx, RecordEntry{
				Type:       repository.TransactionAdjustment,
				ProductID:  b.ProductID,
				BatchID:    b.ID,
				Delta:      -b.Quantity,
				UnitPrice:  b.BuyingPrice,
				ReasonCode: &reasonCode,
				Notes:      notes,
			})
			if err != nil {
				return err
			}
			result.Entry = entry
		}

		if err := s.batchRepo.Deactivate(ctx, b.ID); err != nil {
			return err
		}
		b.Quantity = 0
		b.IsActive = false
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("batch_id", batchID).
		Str("product_id", result.Batch.ProductID).
		Int("quantity", result.Quantity).
		Str("reason_code", reasonCode).
		Msg("batch written off")

	s.publisher.PublishBatchWrittenOff(ctx, result.Batch, result.Quantity, reasonCode)
	return result, nil
}
