package service

import (
	"time"

	"github.com/medflow/medflow-pharmacy/internal/pharmacy/repository"
)

// StockLevel is the aggregate availability of one product
type StockLevel struct {
	ProductID     string     `json:"product_id"`
	TotalQuantity int        `json:"total_quantity"`
	Threshold     int        `json:"threshold"`
	ActiveBatches int        `json:"active_batches"`
	NearestExpiry *time.Time `json:"nearest_expiry,omitempty"`
	Status        string     `json:"status"`
}

// Aggregate sums the active batches of productID. Batches of other products
// and inactive batches are ignored. The threshold is the smallest min_stock
// of the active batches, or defaultThreshold when there are none.
func Aggregate(productID string, batches []*repository.Batch, defaultThreshold int) StockLevel {
	level := StockLevel{ProductID: productID, Threshold: defaultThreshold}

	thresholdSet := false
	for _, b := range batches {
		if b.ProductID != productID || !b.IsActive {
			continue
		}
		level.TotalQuantity += b.Quantity
		if !thresholdSet || b.MinStock < level.Threshold {
			level.Threshold = b.MinStock
			thresholdSet = true
		}
		if b.Quantity > 0 {
			level.ActiveBatches++
			if level.NearestExpiry == nil || b.ExpiryDate.Before(*level.NearestExpiry) {
				expiry := b.ExpiryDate
				level.NearestExpiry = &expiry
			}
		}
	}

	level.Status = classify(level.TotalQuantity, level.Threshold)
	return level
}

func classify(total, threshold int) string {
	switch {
	case total == 0:
		return repository.StockStatusOutOfStock
	case total < threshold:
		return repository.StockStatusLowStock
	default:
		return repository.StockStatusInStock
	}
}

// reorderPoint is the smallest reorder_point over the product's active
// batches. ok is false when the product has no active batch.
func reorderPoint(productID string, batches []*repository.Batch) (point int, ok bool) {
	for _, b := range batches {
		if b.ProductID != productID || !b.IsActive {
			continue
		}
		if !ok || b.ReorderPoint < point {
			point = b.ReorderPoint
			ok = true
		}
	}
	return point, ok
}
