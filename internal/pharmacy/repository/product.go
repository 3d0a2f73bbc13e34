package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/medflow/medflow-pharmacy/pkg/database"
	"github.com/medflow/medflow-pharmacy/pkg/errors"
)

// Product statuses
const (
	ProductStatusActive       = "active"
	ProductStatusInactive     = "inactive"
	ProductStatusDiscontinued = "discontinued"
)

// Stock statuses shared by the aggregate view and the inventory listing
const (
	StockStatusInStock    = "in_stock"
	StockStatusLowStock   = "low_stock"
	StockStatusOutOfStock = "out_of_stock"
)

// Product is the local read-only copy of a catalog product
type Product struct {
	ID                   string    `db:"id" json:"id"`
	SKU                  *string   `db:"sku" json:"sku,omitempty"`
	Name                 string    `db:"name" json:"name"`
	Category             *string   `db:"category" json:"category,omitempty"`
	Unit                 string    `db:"unit" json:"unit"`
	PrescriptionRequired bool      `db:"prescription_required" json:"prescription_required"`
	Status               string    `db:"status" json:"status"`
	CreatedAt            time.Time `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time `db:"updated_at" json:"updated_at"`
}

// IsActive reports whether the product can be dispensed
func (p *Product) IsActive() bool {
	return p.Status == ProductStatusActive
}

// InventoryFilter narrows the inventory listing
type InventoryFilter struct {
	Search        string // name or SKU, case-insensitive
	Category      string
	StockStatus   string
	ProductStatus string
}

// InventoryRow is one product of the inventory listing with its stock figures
type InventoryRow struct {
	ProductID     string     `db:"product_id" json:"product_id"`
	SKU           *string    `db:"sku" json:"sku,omitempty"`
	Name          string     `db:"name" json:"name"`
	Category      *string    `db:"category" json:"category,omitempty"`
	Unit          string     `db:"unit" json:"unit"`
	ProductStatus string     `db:"product_status" json:"product_status"`
	TotalQuantity int        `db:"total_quantity" json:"total_quantity"`
	ActiveBatches int        `db:"active_batches" json:"active_batches"`
	Threshold     int        `db:"threshold" json:"threshold"`
	NearestExpiry *time.Time `db:"nearest_expiry" json:"nearest_expiry,omitempty"`
	StockStatus   string     `db:"stock_status" json:"stock_status"`
}

// ProductRepository handles product catalog persistence
type ProductRepository struct {
	db *database.DB
}

// NewProductRepository creates a new product repository
func NewProductRepository(db *database.DB) *ProductRepository {
	return &ProductRepository{db: db}
}

const productColumns = `id, sku, name, category, unit, prescription_required, status, created_at, updated_at`

// GetByID gets a product by ID
func (r *ProductRepository) GetByID(ctx context.Context, id string) (*Product, error) {
	var p Product
	err := r.db.WithTenant(ctx, func(ctx context.Context) error {
		query := `SELECT ` + productColumns + ` FROM products WHERE id = $1`
		return sqlx.GetContext(ctx, r.db.Querier(ctx), &p, query, id)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NotFound("product")
		}
		return nil, err
	}
	return &p, nil
}

// GetByIDs loads the given products keyed by id. Unknown ids are absent
// from the map.
func (r *ProductRepository) GetByIDs(ctx context.Context, ids []string) (map[string]*Product, error) {
	var products []*Product
	err := r.db.WithTenant(ctx, func(ctx context.Context) error {
		products = nil
		query := `SELECT ` + productColumns + ` FROM products WHERE id = ANY($1)`
		return sqlx.SelectContext(ctx, r.db.Querier(ctx), &products, query, pq.Array(ids))
	})
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}
	return byID, nil
}

// ListActive lists all active products, ordered by name
func (r *ProductRepository) ListActive(ctx context.Context) ([]*Product, error) {
	var products []*Product
	err := r.db.WithTenant(ctx, func(ctx context.Context) error {
		products = nil
		query := `SELECT ` + productColumns + ` FROM products WHERE status = 'active' ORDER BY name, id`
		return sqlx.SelectContext(ctx, r.db.Querier(ctx), &products, query)
	})
	if err != nil {
		return nil, err
	}
	return products, nil
}

// List lists every product regardless of status
func (r *ProductRepository) List(ctx context.Context) ([]*Product, error) {
	var products []*Product
	err := r.db.WithTenant(ctx, func(ctx context.Context) error {
		products = nil
		query := `SELECT ` + productColumns + ` FROM products ORDER BY name, id`
		return sqlx.SelectContext(ctx, r.db.Querier(ctx), &products, query)
	})
	if err != nil {
		return nil, err
	}
	return products, nil
}

// Upsert inserts a product or overwrites the catalog fields of an existing one
func (r *ProductRepository) Upsert(ctx context.Context, p *Product) error {
	if p.Status == "" {
		p.Status = ProductStatusActive
	}
	if p.Unit == "" {
		p.Unit = "unit"
	}

	err := r.db.WithTenant(ctx, func(ctx context.Context) error {
		query := `
			INSERT INTO products (id, sku, name, category, unit, prescription_required, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE SET
				sku = EXCLUDED.sku,
				name = EXCLUDED.name,
				category = EXCLUDED.category,
				unit = EXCLUDED.unit,
				prescription_required = EXCLUDED.prescription_required,
				status = EXCLUDED.status,
				updated_at = NOW()
			RETURNING created_at, updated_at
		`
		return r.db.Querier(ctx).QueryRowxContext(ctx, query,
			p.ID, p.SKU, p.Name, p.Category, p.Unit, p.PrescriptionRequired, p.Status,
		).Scan(&p.CreatedAt, &p.UpdatedAt)
	})
	if err != nil {
		if appErr := database.MapPQError(err); appErr != nil {
			return appErr
		}
		return err
	}
	return nil
}

// SetStatus changes only the status of a product
func (r *ProductRepository) SetStatus(ctx context.Context, id, status string) error {
	return r.db.WithTenant(ctx, func(ctx context.Context) error {
		result, err := r.db.Querier(ctx).ExecContext(ctx,
			`UPDATE products SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
		if err != nil {
			if appErr := database.MapPQError(err); appErr != nil {
				return appErr
			}
			return err
		}
		affected, _ := result.RowsAffected()
		if affected == 0 {
			return errors.NotFound("product")
		}
		return nil
	})
}

// ListInventory lists products with their aggregate stock. The stock status
// is classified in SQL with the same rules as the in-memory aggregate: no
// stock is out_of_stock, below the smallest active min_stock (or
// defaultThreshold when there are no active batches) is low_stock.
func (r *ProductRepository) ListInventory(ctx context.Context, filter InventoryFilter, defaultThreshold, page, perPage int) ([]*InventoryRow, int64, error) {
	var (
		where []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	threshold := arg(defaultThreshold)
	if filter.Search != "" {
		p := arg("%" + strings.ToLower(filter.Search) + "%")
		where = append(where, fmt.Sprintf("(lower(p.name) LIKE %s OR lower(COALESCE(p.sku, '')) LIKE %s)", p, p))
	}
	if filter.Category != "" {
		where = append(where, "p.category = "+arg(filter.Category))
	}
	if filter.ProductStatus != "" {
		where = append(where, "p.status = "+arg(filter.ProductStatus))
	}

	inner := `
		SELECT p.id AS product_id, p.sku, p.name, p.category, p.unit, p.status AS product_status,
		       COALESCE(SUM(b.quantity) FILTER (WHERE b.is_active), 0) AS total_quantity,
		       COUNT(b.id) FILTER (WHERE b.is_active AND b.quantity > 0) AS active_batches,
		       COALESCE(MIN(b.min_stock) FILTER (WHERE b.is_active), ` + threshold + `) AS threshold,
		       MIN(b.expiry_date) FILTER (WHERE b.is_active AND b.quantity > 0) AS nearest_expiry
		FROM products p
		LEFT JOIN batches b ON b.product_id = p.id`
	if len(where) > 0 {
		inner += "\n\t\tWHERE " + strings.Join(where, " AND ")
	}
	inner += "\n\t\tGROUP BY p.id"

	classified := `
		SELECT s.*,
		       CASE
		           WHEN s.total_quantity = 0 THEN 'out_of_stock'
		           WHEN s.total_quantity < s.threshold THEN 'low_stock'
		           ELSE 'in_stock'
		       END AS stock_status
		FROM (` + inner + `) s`

	outerWhere := ""
	if filter.StockStatus != "" {
		outerWhere = " WHERE c.stock_status = " + arg(filter.StockStatus)
	}

	countQuery := `SELECT COUNT(*) FROM (` + classified + `) c` + outerWhere
	countArgs := append([]interface{}(nil), args...)

	offset := (page - 1) * perPage
	query := `SELECT c.* FROM (` + classified + `) c` + outerWhere +
		` ORDER BY c.name, c.product_id LIMIT ` + arg(perPage) + ` OFFSET ` + arg(offset)

	var total int64
	var rows []*InventoryRow
	err := r.db.WithTenant(ctx, func(ctx context.Context) error {
		q := r.db.Querier(ctx)
		if err := sqlx.GetContext(ctx, q, &total, countQuery, countArgs...); err != nil {
			return err
		}
		rows = nil
		return sqlx.SelectContext(ctx, q, &rows, query, args...)
	})
	if err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}
