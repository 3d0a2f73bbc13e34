package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/medflow/medflow-pharmacy/internal/pharmacy/events"
	"github.com/medflow/medflow-pharmacy/internal/pharmacy/repository"
	"github.com/medflow/medflow-pharmacy/pkg/actor"
	"github.com/medflow/medflow-pharmacy/pkg/database"
	"github.com/medflow/medflow-pharmacy/pkg/errors"
	"github.com/medflow/medflow-pharmacy/pkg/logger"
	"github.com/medflow/medflow-pharmacy/pkg/messaging"
	"github.com/medflow/medflow-pharmacy/pkg/permissions"
)

// Adjustment reason codes
const (
	ReasonCountCorrection = "count_correction"
	ReasonDamaged         = "damaged"
	ReasonExpiredDisposal = "expired_disposal"
	ReasonTheftLoss       = "theft_loss"
	ReasonFound           = "found"
	ReasonOther           = "other"
)

var reasonCodes = []string{
	ReasonCountCorrection, ReasonDamaged, ReasonExpiredDisposal,
	ReasonTheftLoss, ReasonFound, ReasonOther,
}

var reasonCodeMessage = "must be one of: " + strings.Join(reasonCodes, ", ")

// IsReasonCode reports whether code is a known adjustment reason
func IsReasonCode(code string) bool {
	for _, c := range reasonCodes {
		if c == code {
			return true
		}
	}
	return false
}

// ReturnRequest puts previously issued units back into a batch
type ReturnRequest struct {
	BatchID         string
	Quantity        int
	ReferenceNumber *string
	ReturnedBy      *string
	ReasonCode      *string
	Notes           *string
}

// AdjustRequest corrects stock outside of dispensing
type AdjustRequest struct {
	ProductID string
	// BatchID is required for positive deltas. Without it a negative delta
	// is taken from the product's batches in FEFO order.
	BatchID    *string
	Delta      int
	ReasonCode string
	Notes      *string
}

// AdjustResult lists the batches an adjustment touched
type AdjustResult struct {
	ProductID  string                    `json:"product_id"`
	ReasonCode string                    `json:"reason_code"`
	Delta      int                       `json:"delta"`
	Batches    []messaging.AdjustedBatch `json:"batches"`
	Entries    []*repository.Transaction `json:"entries"`
}

// MovementService handles returns and manual adjustments
type MovementService struct {
	db          *database.DB
	productRepo *repository.ProductRepository
	batchRepo   *repository.BatchRepository
	txRepo      *repository.TransactionRepository
	ledger      *Ledger
	publisher   *events.PharmacyEventPublisher
	logger      *logger.Logger
}

// NewMovementService creates a new movement service
func NewMovementService(
	db *database.DB,
	productRepo *repository.ProductRepository,
	batchRepo *repository.BatchRepository,
	txRepo *repository.TransactionRepository,
	ledger *Ledger,
	publisher *events.PharmacyEventPublisher,
	log *logger.Logger,
) *MovementService {
	return &MovementService{
		db:          db,
		productRepo: productRepo,
		batchRepo:   batchRepo,
		txRepo:      txRepo,
		ledger:      ledger,
		publisher:   publisher,
		logger:      log.WithComponent("movements"),
	}
}

// Return adds units back to a batch. With a reference number the quantity
// is capped by what that issue took from the batch less earlier returns.
func (s *MovementService) Return(ctx context.Context, req ReturnRequest) (*repository.Transaction, error) {
	if req.Quantity <= 0 {
		return nil, errors.Validation(map[string]string{"quantity": "must be greater than 0"})
	}
	if req.ReasonCode != nil && *req.ReasonCode != "" && !IsReasonCode(*req.ReasonCode) {
		return nil, errors.Validation(map[string]string{"reason_code": reasonCodeMessage})
	}
	returnedBy := req.ReturnedBy
	if returnedBy == nil || *returnedBy == "" {
		id := actor.FromContextOrSystem(ctx).ID
		returnedBy = &id
	}

	var entry *repository.Transaction
	err := s.db.WithTenant(ctx, func(ctx context.Context) error {
		b, err := s.batchRepo.LockByID(ctx, req.BatchID)
		if err != nil {
			return err
		}
		if !b.IsActive {
			return errors.Conflict("batch is written off and cannot receive returns")
		}

		if req.ReferenceNumber != nil && *req.ReferenceNumber != "" {
			issued, returned, err := s.txRepo.IssuedAndReturned(ctx, *req.ReferenceNumber, b.ID)
			if err != nil {
				return err
			}
			if issued == 0 {
				return errors.Validation(map[string]string{
					"reference_number": "no issue from this batch under this reference",
				})
			}
			if returnable := issued - returned; req.Quantity > returnable {
				return errors.Validation(map[string]string{
					"quantity": fmt.Sprintf("exceeds returnable quantity %d", returnable),
				})
			}
		}

		if _, err := s.batchRepo.MutateQuantity(ctx, b.ID, req.Quantity); err != nil {
			return err
		}
		entry, err = s.ledger.Record(ctx, RecordEntry{
			Type:            repository.TransactionReturn,
			ProductID:       b.ProductID,
			BatchID:         b.ID,
			Delta:           req.Quantity,
			UnitPrice:       b.SellingPrice,
			ReferenceNumber: req.ReferenceNumber,
			ReasonCode:      req.ReasonCode,
			Notes:           req.Notes,
			IssuedBy:        returnedBy,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("batch_id", req.BatchID).
		Str("product_id", entry.ProductID).
		Int("quantity", req.Quantity).
		Msg("stock returned")

	s.publisher.PublishStockReturned(ctx, entry, *returnedBy)
	return entry, nil
}

// Adjust applies a signed correction with a reason code
func (s *MovementService) Adjust(ctx context.Context, req AdjustRequest) (*AdjustResult, error) {
	a := actor.FromContextOrSystem(ctx)
	if !a.Can(permissions.PharmacyStockAdjust) {
		return nil, errors.Forbidden("stock adjustments require " + permissions.PharmacyStockAdjust)
	}
	if err := ValidateDelta(repository.TransactionAdjustment, req.Delta); err != nil {
		return nil, err
	}
	if !IsReasonCode(req.ReasonCode) {
		return nil, errors.Validation(map[string]string{"reason_code": reasonCodeMessage})
	}
	hasBatch := req.BatchID != nil && *req.BatchID != ""
	if !hasBatch && req.Delta > 0 {
		return nil, errors.Validation(map[string]string{"batch_id": "required for positive adjustments"})
	}

	var result *AdjustResult
	err := s.db.WithTenant(ctx, func(ctx context.Context) error {
		result = &AdjustResult{ProductID: req.ProductID, ReasonCode: req.ReasonCode, Delta: req.Delta}
		if _, err := s.productRepo.GetByID(ctx, req.ProductID); err != nil {
			return err
		}

		if hasBatch {
			b, err := s.batchRepo.LockByID(ctx, *req.BatchID)
			if err != nil {
				return err
			}
			if b.ProductID != req.ProductID {
				return errors.Validation(map[string]string{"batch_id": "batch does not belong to the product"})
			}
			if !b.IsActive {
				return errors.Conflict("batch is written off")
			}
			return s.adjustBatch(ctx, result, b, req.Delta, req)
		}

		locked, err := s.batchRepo.LockAllocatable(ctx, []string{req.ProductID})
		if err != nil {
			return err
		}
		lines, err := PlanAllocation(req.ProductID, locked, -req.Delta)
		if err != nil {
			return err
		}
		byID := make(map[string]*repository.Batch, len(locked))
		for _, b := range locked {
			byID[b.ID] = b
		}
		for _, l := range lines {
			if err := s.adjustBatch(ctx, result, byID[l.BatchID], -l.Quantity, req); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("product_id", req.ProductID).
		Int("delta", req.Delta).
		Str("reason_code", req.ReasonCode).
		Int("batches", len(result.Batches)).
		Msg("stock adjusted")

	s.publisher.PublishStockAdjusted(ctx, messaging.StockAdjustedEvent{
		ProductID:  result.ProductID,
		ReasonCode: result.ReasonCode,
		Delta:      result.Delta,
		AdjustedBy: a.ID,
		Batches:    result.Batches,
	})
	return result, nil
}

func (s *MovementService) adjustBatch(ctx context.Context, result *AdjustResult, b *repository.Batch, delta int, req AdjustRequest) error {
	newQty, err := s.batchRepo.MutateQuantity(ctx, b.ID, delta)
	if err != nil {
		return err
	}
	reason := req.ReasonCode
	entry, err := s.ledger.Record(ctx, RecordEntry{
		Type:       repository.TransactionAdjustment,
		ProductID:  b.ProductID,
		BatchID:    b.ID,
		Delta:      delta,
		UnitPrice:  b.BuyingPrice,
		ReasonCode: &reason,
		Notes:      req.Notes,
	})
	if err != nil {
		return err
	}
	result.Batches = append(result.Batches, messaging.AdjustedBatch{BatchID: b.ID, Delta: delta, NewQuantity: newQty})
	result.Entries = append(result.Entries, entry)
	return nil
}
