package service

import (
	"sort"
	"time"

	"github.com/medflow/medflow-pharmacy/internal/pharmacy/repository"
	"github.com/medflow/medflow-pharmacy/pkg/errors"
	"github.com/shopspring/decimal"
)

// Allocation is the quantity taken from one batch
type Allocation struct {
	ProductID   string          `json:"product_id"`
	BatchID     string          `json:"batch_id"`
	BatchNumber string          `json:"batch_number"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	ExpiryDate  time.Time       `json:"expiry_date"`
}

// LineValue is quantity times unit price
func (a Allocation) LineValue() decimal.Decimal {
	return a.UnitPrice.Mul(decimal.NewFromInt(int64(a.Quantity)))
}

// fefoLess orders by expiry, then manufacture date, then creation order
func fefoLess(a, b *repository.Batch) bool {
	if !a.ExpiryDate.Equal(b.ExpiryDate) {
		return a.ExpiryDate.Before(b.ExpiryDate)
	}
	if !a.ManufactureDate.Equal(b.ManufactureDate) {
		return a.ManufactureDate.Before(b.ManufactureDate)
	}
	return a.Seq < b.Seq
}

// candidates returns the allocatable batches of productID in FEFO order.
// The input slice is left untouched.
func candidates(productID string, batches []*repository.Batch) []*repository.Batch {
	var out []*repository.Batch
	for _, b := range batches {
		if b.ProductID == productID && b.Allocatable() {
			out = append(out, b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return fefoLess(out[i], out[j]) })
	return out
}

// PlanAllocation plans taking requested units of productID from batches,
// soonest expiry first. It either covers the whole request or returns an
// InsufficientStock error and no lines. Nothing is mutated.
func PlanAllocation(productID string, batches []*repository.Batch, requested int) ([]Allocation, error) {
	if requested <= 0 {
		return nil, errors.Validation(map[string]string{"quantity": "must be greater than 0"})
	}

	pool := candidates(productID, batches)
	available := 0
	for _, b := range pool {
		available += b.Quantity
	}
	if available < requested {
		return nil, errors.InsufficientStock(errors.Shortfall{
			ProductID: productID,
			Requested: requested,
			Available: available,
			Shortfall: requested - available,
		})
	}

	var lines []Allocation
	remaining := requested
	for _, b := range pool {
		if remaining == 0 {
			break
		}
		take := b.Quantity
		if take > remaining {
			take = remaining
		}
		lines = append(lines, Allocation{
			ProductID:   productID,
			BatchID:     b.ID,
			BatchNumber: b.BatchNumber,
			Quantity:    take,
			UnitPrice:   b.SellingPrice,
			ExpiryDate:  b.ExpiryDate,
		})
		remaining -= take
	}
	return lines, nil
}

// allocator plans several lines against one snapshot of locked batches.
// Quantities taken by earlier lines are not offered to later ones.
type allocator struct {
	batches []*repository.Batch
}

// newAllocator copies the batches so planning never touches the caller's values
func newAllocator(batches []*repository.Batch) *allocator {
	working := make([]*repository.Batch, len(batches))
	for i, b := range batches {
		c := *b
		working[i] = &c
	}
	return &allocator{batches: working}
}

// allocate plans one line and deducts it from the working copy. A short
// line deducts nothing and reports its shortfall.
func (a *allocator) allocate(productID string, qty int) ([]Allocation, *errors.Shortfall, error) {
	lines, err := PlanAllocation(productID, a.batches, qty)
	if err != nil {
		var appErr *errors.AppError
		if errors.As(err, &appErr) && len(appErr.Shortfalls) == 1 {
			sf := appErr.Shortfalls[0]
			return nil, &sf, nil
		}
		return nil, nil, err
	}

	taken := make(map[string]int, len(lines))
	for _, l := range lines {
		taken[l.BatchID] += l.Quantity
	}
	for _, b := range a.batches {
		b.Quantity -= taken[b.ID]
	}
	return lines, nil, nil
}
