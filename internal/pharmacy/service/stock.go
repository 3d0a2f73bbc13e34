package service

import (
	"context"

	"github.com/medflow/medflow-pharmacy/internal/pharmacy/repository"
	"github.com/medflow/medflow-pharmacy/pkg/database"
	"github.com/medflow/medflow-pharmacy/pkg/errors"
	"github.com/medflow/medflow-pharmacy/pkg/logger"
)

// AllocationPreview is the result of a dry-run allocation
type AllocationPreview struct {
	ProductID  string       `json:"product_id"`
	Requested  int          `json:"requested"`
	Available  int          `json:"available"`
	Sufficient bool         `json:"sufficient"`
	Shortfall  int          `json:"shortfall"`
	Lines      []Allocation `json:"lines"`
}

// ReorderSuggestion is a product at or below its reorder point
type ReorderSuggestion struct {
	ProductID         string `json:"product_id"`
	ProductName       string `json:"product_name"`
	TotalQuantity     int    `json:"total_quantity"`
	ReorderPoint      int    `json:"reorder_point"`
	SuggestedQuantity int    `json:"suggested_quantity"`
}

// AllocateResult is a committed FEFO issue of one product
type AllocateResult struct {
	ReferenceNumber string       `json:"reference_number"`
	Lines           []Allocation `json:"lines"`
}

// StockService answers availability questions and moves stock out of
// batches in FEFO order.
type StockService struct {
	db          *database.DB
	productRepo *repository.ProductRepository
	batchRepo   *repository.BatchRepository
	txRepo      *repository.TransactionRepository
	ledger      *Ledger
	config      AlertConfig
	logger      *logger.Logger
}

// NewStockService creates a new stock service
func NewStockService(
	db *database.DB,
	productRepo *repository.ProductRepository,
	batchRepo *repository.BatchRepository,
	txRepo *repository.TransactionRepository,
	ledger *Ledger,
	cfg AlertConfig,
	log *logger.Logger,
) *StockService {
	return &StockService{
		db:          db,
		productRepo: productRepo,
		batchRepo:   batchRepo,
		txRepo:      txRepo,
		ledger:      ledger,
		config:      cfg,
		logger:      log.WithComponent("stock"),
	}
}

// AggregateForProduct computes the stock level of one product from a snapshot
func (s *StockService) AggregateForProduct(ctx context.Context, productID string) (*StockLevel, error) {
	if _, err := s.productRepo.GetByID(ctx, productID); err != nil {
		return nil, err
	}
	batches, err := s.batchRepo.ListByProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	level := Aggregate(productID, batches, s.config.LowStockDefaultThreshold)
	return &level, nil
}

// Allocate locks the product's batches, plans a FEFO allocation, deducts
// it and records one issue entry per batch under a fresh reference number,
// all in one tenant transaction. A short request changes nothing.
func (s *StockService) Allocate(ctx context.Context, productID string, qty int) (*AllocateResult, error) {
	if qty <= 0 {
		return nil, errors.Validation(map[string]string{"quantity": "must be greater than 0"})
	}

	var result *AllocateResult
	err := s.db.WithTenant(ctx, func(ctx context.Context) error {
		locked, err := s.batchRepo.LockAllocatable(ctx, []string{productID})
		if err != nil {
			return err
		}
		lines, err := PlanAllocation(productID, locked, qty)
		if err != nil {
			return err
		}

		n, err := s.txRepo.NextIssueNumber(ctx)
		if err != nil {
			return err
		}
		result = &AllocateResult{ReferenceNumber: FormatIssueReference(n), Lines: lines}

		for _, l := range lines {
			if _, err := s.batchRepo.MutateQuantity(ctx, l.BatchID, -l.Quantity); err != nil {
				return err
			}
		}
		for _, l := range lines {
			if _, err := s.ledger.Record(ctx, RecordEntry{
				Type:            repository.TransactionIssue,
				ProductID:       productID,
				BatchID:         l.BatchID,
				Delta:           -l.Quantity,
				UnitPrice:       l.UnitPrice,
				ReferenceNumber: &result.ReferenceNumber,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug().
		Str("product_id", productID).
		Str("reference_number", result.ReferenceNumber).
		Int("quantity", qty).
		Int("batches", len(result.Lines)).
		Msg("stock allocated")
	return result, nil
}

// PreviewAllocation plans an allocation without locking or deducting
func (s *StockService) PreviewAllocation(ctx context.Context, productID string, qty int) (*AllocationPreview, error) {
	if qty <= 0 {
		return nil, errors.Validation(map[string]string{"quantity": "must be greater than 0"})
	}
	if _, err := s.productRepo.GetByID(ctx, productID); err != nil {
		return nil, err
	}
	batches, err := s.batchRepo.ListAllocatable(ctx, []string{productID})
	if err != nil {
		return nil, err
	}

	preview := &AllocationPreview{ProductID: productID, Requested: qty, Lines: []Allocation{}}
	for _, b := range batches {
		preview.Available += b.Quantity
	}

	lines, err := PlanAllocation(productID, batches, qty)
	if err != nil {
		if errors.Is(err, errors.ErrInsufficientStock) {
			preview.Shortfall = qty - preview.Available
			return preview, nil
		}
		return nil, err
	}
	preview.Sufficient = true
	preview.Lines = lines
	return preview, nil
}

// ReorderSuggestions lists active products whose stock is at or below the
// smallest reorder point of their active batches. The suggested quantity
// refills to one and a half times that point.
func (s *StockService) ReorderSuggestions(ctx context.Context) ([]ReorderSuggestion, error) {
	products, err := s.productRepo.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	batches, err := s.batchRepo.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	suggestions := []ReorderSuggestion{}
	for _, p := range products {
		point, ok := reorderPoint(p.ID, batches)
		if !ok || point == 0 {
			continue
		}
		level := Aggregate(p.ID, batches, s.config.LowStockDefaultThreshold)
		if level.TotalQuantity > point {
			continue
		}
		suggestions = append(suggestions, ReorderSuggestion{
			ProductID:         p.ID,
			ProductName:       p.Name,
			TotalQuantity:     level.TotalQuantity,
			ReorderPoint:      point,
			SuggestedQuantity: (3*point+1)/2 - level.TotalQuantity,
		})
	}
	return suggestions, nil
}

// ListInventory lists products with their aggregate stock
func (s *StockService) ListInventory(ctx context.Context, filter repository.InventoryFilter, page, perPage int) ([]*repository.InventoryRow, int64, error) {
	switch filter.StockStatus {
	case "", repository.StockStatusInStock, repository.StockStatusLowStock, repository.StockStatusOutOfStock:
	default:
		return nil, 0, errors.Validation(map[string]string{
			"stock_status": "must be one of: in_stock, low_stock, out_of_stock",
		})
	}
	switch filter.ProductStatus {
	case "", repository.ProductStatusActive, repository.ProductStatusInactive, repository.ProductStatusDiscontinued:
	default:
		return nil, 0, errors.Validation(map[string]string{
			"product_status": "must be one of: active, inactive, discontinued",
		})
	}

	rows, total, err := s.productRepo.ListInventory(ctx, filter, s.config.LowStockDefaultThreshold, page, perPage)
	if err != nil {
		return nil, 0, err
	}
	if rows == nil {
		rows = []*repository.InventoryRow{}
	}
	return rows, total, nil
}
