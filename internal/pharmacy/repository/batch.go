package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/medflow/medflow-pharmacy/pkg/database"
	"github.com/medflow/medflow-pharmacy/pkg/errors"
	"github.com/shopspring/decimal"
)

// batchNumberConstraint is the unique (product_id, batch_number) constraint
const batchNumberConstraint = "batches_product_batch_number_key"

// Batch is one received lot of a product with its own expiry and price
type Batch struct {
	ID              string          `db:"id" json:"id"`
	Seq             int64           `db:"seq" json:"-"`
	ProductID       string          `db:"product_id" json:"product_id"`
	BatchNumber     string          `db:"batch_number" json:"batch_number"`
	ManufactureDate time.Time       `db:"manufacture_date" json:"manufacture_date"`
	ExpiryDate      time.Time       `db:"expiry_date" json:"expiry_date"`
	Quantity        int             `db:"quantity" json:"quantity"`
	InitialQuantity int             `db:"initial_quantity" json:"initial_quantity"`
	BuyingPrice     decimal.Decimal `db:"buying_price" json:"buying_price"`
	SellingPrice    decimal.Decimal `db:"selling_price" json:"selling_price"`
	MinStock        int             `db:"min_stock" json:"min_stock"`
	ReorderPoint    int             `db:"reorder_point" json:"reorder_point"`
	StorageLocation *string         `db:"storage_location" json:"storage_location,omitempty"`
	SupplierName    *string         `db:"supplier_name" json:"supplier_name,omitempty"`
	InvoiceNumber   *string         `db:"invoice_number" json:"invoice_number,omitempty"`
	ReceivedDate    time.Time       `db:"received_date" json:"received_date"`
	ReceivedBy      *string         `db:"received_by" json:"received_by,omitempty"`
	Notes           *string         `db:"notes" json:"notes,omitempty"`
	IsActive        bool            `db:"is_active" json:"is_active"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

// Allocatable reports whether the batch can supply stock
func (b *Batch) Allocatable() bool {
	return b.IsActive && b.Quantity > 0
}

// BatchRepository handles batch persistence
type BatchRepository struct {
	db *database.DB
}

// NewBatchRepository creates a new batch repository
func NewBatchRepository(db *database.DB) *BatchRepository {
	return &BatchRepository{db: db}
}

const batchColumns = `id, seq, product_id, batch_number, manufacture_date, expiry_date,
	quantity, initial_quantity, buying_price, selling_price, min_stock, reorder_point,
	storage_location, supplier_name, invoice_number, received_date, received_by, notes,
	is_active, created_at, updated_at`

// fefoOrder is the allocation order. Including product_id makes it the
// global lock order for multi-product requests.
const fefoOrder = `ORDER BY product_id, expiry_date, manufacture_date, seq`

// Create inserts a new batch
func (r *BatchRepository) Create(ctx context.Context, b *Batch) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}

	err := r.db.WithTenant(ctx, func(ctx context.Context) error {
		query := `
			INSERT INTO batches (
				id, product_id, batch_number, manufacture_date, expiry_date, quantity,
				initial_quantity, buying_price, selling_price, min_stock, reorder_point,
				storage_location, supplier_name, invoice_number, received_date, received_by,
				notes, is_active
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
			RETURNING seq, created_at, updated_at
		`
		return r.db.Querier(ctx).QueryRowxContext(ctx, query,
			b.ID, b.ProductID, b.BatchNumber, b.ManufactureDate, b.ExpiryDate, b.Quantity,
			b.InitialQuantity, b.BuyingPrice, b.SellingPrice, b.MinStock, b.ReorderPoint,
			b.StorageLocation, b.SupplierName, b.InvoiceNumber, b.ReceivedDate, b.ReceivedBy,
			b.Notes, b.IsActive,
		).Scan(&b.Seq, &b.CreatedAt, &b.UpdatedAt)
	})
	if err != nil {
		if database.IsUniqueViolation(err, batchNumberConstraint) {
			return errors.DuplicateBatch(b.ProductID, b.BatchNumber)
		}
		if appErr := database.MapPQError(err); appErr != nil {
			return appErr
		}
		return err
	}
	return nil
}

// ExistsByNumber reports whether the product already has a batch with this number
func (r *BatchRepository) ExistsByNumber(ctx context.Context, productID, batchNumber string) (bool, error) {
	var exists bool
	err := r.db.WithTenant(ctx, func(ctx context.Context) error {
		query := `SELECT EXISTS(SELECT 1 FROM batches WHERE product_id = $1 AND batch_number = $2)`
		return sqlx.GetContext(ctx, r.db.Querier(ctx), &exists, query, productID, batchNumber)
	})
	return exists, err
}

// GetByID gets a batch by ID
func (r *BatchRepository) GetByID(ctx context.Context, id string) (*Batch, error) {
	return r.get(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = $1`, id)
}

// LockByID gets a batch and holds its row lock until the surrounding
// tenant transaction ends.
func (r *BatchRepository) LockByID(ctx context.Context, id string) (*Batch, error) {
	return r.get(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = $1 FOR UPDATE`, id)
}

func (r *BatchRepository) get(ctx context.Context, query, id string) (*Batch, error) {
	var b Batch
	err := r.db.WithTenant(ctx, func(ctx context.Context) error {
		return sqlx.GetContext(ctx, r.db.Querier(ctx), &b, query, id)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NotFound("batch")
		}
		return nil, err
	}
	return &b, nil
}

// ListByProduct lists every batch of a product, including empty and
// written-off ones, in FEFO order.
func (r *BatchRepository) ListByProduct(ctx context.Context, productID string) ([]*Batch, error) {
	return r.list(ctx, `SELECT `+batchColumns+` FROM batches WHERE product_id = $1 `+fefoOrder, productID)
}

// ListAllocatable lists the batches that can supply stock for the products,
// in FEFO order, without locking them.
func (r *BatchRepository) ListAllocatable(ctx context.Context, productIDs []string) ([]*Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches
		WHERE product_id = ANY($1) AND is_active AND quantity > 0 ` + fefoOrder
	return r.list(ctx, query, pq.Array(productIDs))
}

// LockAllocatable is ListAllocatable with row locks taken in FEFO order.
// It must run inside a tenant transaction that also performs the mutation.
func (r *BatchRepository) LockAllocatable(ctx context.Context, productIDs []string) ([]*Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches
		WHERE product_id = ANY($1) AND is_active AND quantity > 0 ` + fefoOrder + ` FOR UPDATE`
	return r.list(ctx, query, pq.Array(productIDs))
}

// ListActive lists all active batches of the tenant. Alerts, reorder
// suggestions and aggregates are computed from this snapshot.
func (r *BatchRepository) ListActive(ctx context.Context) ([]*Batch, error) {
	return r.list(ctx, `SELECT `+batchColumns+` FROM batches WHERE is_active `+fefoOrder)
}

// ListAll lists every batch of the tenant
func (r *BatchRepository) ListAll(ctx context.Context) ([]*Batch, error) {
	return r.list(ctx, `SELECT `+batchColumns+` FROM batches `+fefoOrder)
}

func (r *BatchRepository) list(ctx context.Context, query string, args ...interface{}) ([]*Batch, error) {
	var batches []*Batch
	err := r.db.WithTenant(ctx, func(ctx context.Context) error {
		batches = nil
		return sqlx.SelectContext(ctx, r.db.Querier(ctx), &batches, query, args...)
	})
	if err != nil {
		return nil, err
	}
	return batches, nil
}

// UpdateMetadata writes the mutable descriptive fields of a batch. Batch
// number, dates and quantity are never touched here.
func (r *BatchRepository) UpdateMetadata(ctx context.Context, b *Batch) error {
	err := r.db.WithTenant(ctx, func(ctx context.Context) error {
		query := `
			UPDATE batches SET
				buying_price = $2, selling_price = $3, min_stock = $4, reorder_point = $5,
				storage_location = $6, supplier_name = $7, invoice_number = $8, notes = $9,
				updated_at = NOW()
			WHERE id = $1
			RETURNING updated_at
		`
		return r.db.Querier(ctx).QueryRowxContext(ctx, query,
			b.ID, b.BuyingPrice, b.SellingPrice, b.MinStock, b.ReorderPoint,
			b.StorageLocation, b.SupplierName, b.InvoiceNumber, b.Notes,
		).Scan(&b.UpdatedAt)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errors.NotFound("batch")
		}
		if appErr := database.MapPQError(err); appErr != nil {
			return appErr
		}
		return err
	}
	return nil
}

// MutateQuantity adds delta to the batch quantity and returns the new
// quantity. The update only applies when the result stays non-negative, so
// concurrent callers can never drive a batch below zero.
func (r *BatchRepository) MutateQuantity(ctx context.Context, id string, delta int) (int, error) {
	var newQty int
	err := r.db.WithTenant(ctx, func(ctx context.Context) error {
		q := r.db.Querier(ctx)
		query := `
			UPDATE batches SET quantity = quantity + $2, updated_at = NOW()
			WHERE id = $1 AND quantity + $2 >= 0
			RETURNING quantity
		`
		err := sqlx.GetContext(ctx, q, &newQty, query, id, delta)
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		var current struct {
			ProductID string `db:"product_id"`
			Quantity  int    `db:"quantity"`
		}
		if err := sqlx.GetContext(ctx, q, &current, `SELECT product_id, quantity FROM batches WHERE id = $1`, id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return errors.NotFound("batch")
			}
			return err
		}
		return errors.InsufficientStock(errors.Shortfall{
			ProductID: current.ProductID,
			Requested: -delta,
			Available: current.Quantity,
			Shortfall: -delta - current.Quantity,
		})
	})
	if err != nil {
		if appErr := database.MapPQError(err); appErr != nil {
			return 0, appErr
		}
		return 0, err
	}
	return newQty, nil
}

// Deactivate marks a batch written off. Its quantity must already be zero.
func (r *BatchRepository) Deactivate(ctx context.Context, id string) error {
	return r.db.WithTenant(ctx, func(ctx context.Context) error {
		result, err := r.db.Querier(ctx).ExecContext(ctx,
			`UPDATE batches SET is_active = false, updated_at = NOW() WHERE id = $1 AND quantity = 0`, id)
		if err != nil {
			return err
		}
		affected, _ := result.RowsAffected()
		if affected == 0 {
			return errors.Conflict("batch still holds stock or does not exist")
		}
		return nil
	})
}
