package repository

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/medflow/medflow-pharmacy/pkg/database"
	"github.com/medflow/medflow-pharmacy/pkg/errors"
	"github.com/shopspring/decimal"
)

// Ledger entry types
const (
	TransactionIssue      = "issue"
	TransactionReturn     = "return"
	TransactionAdjustment = "adjustment"
	TransactionAddition   = "addition"
)

// Transaction is one append-only stock ledger entry
type Transaction struct {
	ID              string          `db:"id" json:"id"`
	Seq             int64           `db:"seq" json:"-"`
	Type            string          `db:"type" json:"type"`
	ProductID       string          `db:"product_id" json:"product_id"`
	BatchID         *string         `db:"batch_id" json:"batch_id,omitempty"`
	BatchNumber     *string         `db:"batch_number" json:"batch_number,omitempty"`
	QuantityDelta   int             `db:"quantity_delta" json:"quantity_delta"`
	UnitPrice       decimal.Decimal `db:"unit_price" json:"unit_price"`
	TotalPrice      decimal.Decimal `db:"total_price" json:"total_price"`
	IssuedTo        *string         `db:"issued_to" json:"issued_to,omitempty"`
	IssuedBy        *string         `db:"issued_by" json:"issued_by,omitempty"`
	IssuedByName    *string         `db:"issued_by_name" json:"issued_by_name,omitempty"`
	IssuedByRole    *string         `db:"issued_by_role" json:"issued_by_role,omitempty"`
	ReferenceNumber *string         `db:"reference_number" json:"reference_number,omitempty"`
	ReasonCode      *string         `db:"reason_code" json:"reason_code,omitempty"`
	Notes           *string         `db:"notes" json:"notes,omitempty"`
	PrevHash        *string         `db:"prev_hash" json:"prev_hash,omitempty"`
	EntryHash       string          `db:"entry_hash" json:"entry_hash"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
}

// TransactionFilter narrows a product's history
type TransactionFilter struct {
	Type *string
	From *time.Time
	To   *time.Time
}

// TransactionStats summarizes a filtered history
type TransactionStats struct {
	TotalTransactions int64           `db:"total_transactions" json:"total_transactions"`
	TotalIssued       int64           `db:"total_issued" json:"total_issued"`
	TotalReturned     int64           `db:"total_returned" json:"total_returned"`
	Revenue           decimal.Decimal `db:"revenue" json:"revenue"`
}

// TransactionRepository handles ledger persistence. There is no update or
// delete: the table rejects both.
type TransactionRepository struct {
	db *database.DB
}

// NewTransactionRepository creates a new transaction repository
func NewTransactionRepository(db *database.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

const transactionColumns = `t.id, t.seq, t.type, t.product_id, t.batch_id, b.batch_number,
	t.quantity_delta, t.unit_price, t.total_price, t.issued_to, t.issued_by, t.issued_by_name,
	t.issued_by_role, t.reference_number, t.reason_code, t.notes, t.prev_hash, t.entry_hash,
	t.created_at`

const transactionFrom = ` FROM stock_transactions t LEFT JOIN batches b ON b.id = t.batch_id`

// Insert appends an entry. ID, hashes and created_at are set by the caller.
func (r *TransactionRepository) Insert(ctx context.Context, t *Transaction) error {
	err := r.db.WithTenant(ctx, func(ctx context.Context) error {
		query := `
			INSERT INTO stock_transactions (
				id, type, product_id, batch_id, quantity_delta, unit_price, total_price,
				issued_to, issued_by, issued_by_name, issued_by_role, reference_number,
				reason_code, notes, prev_hash, entry_hash, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
			RETURNING seq
		`
		return r.db.Querier(ctx).QueryRowxContext(ctx, query,
			t.ID, t.Type, t.ProductID, t.BatchID, t.QuantityDelta, t.UnitPrice, t.TotalPrice,
			t.IssuedTo, t.IssuedBy, t.IssuedByName, t.IssuedByRole, t.ReferenceNumber,
			t.ReasonCode, t.Notes, t.PrevHash, t.EntryHash, t.CreatedAt,
		).Scan(&t.Seq)
	})
	if err != nil {
		if appErr := database.MapPQError(err); appErr != nil {
			return appErr
		}
		return err
	}
	return nil
}

// LastHash returns the entry hash at the head of a batch's chain, or nil
// for a batch without entries.
func (r *TransactionRepository) LastHash(ctx context.Context, batchID string) (*string, error) {
	var hash string
	err := r.db.WithTenant(ctx, func(ctx context.Context) error {
		query := `SELECT entry_hash FROM stock_transactions WHERE batch_id = $1 ORDER BY seq DESC LIMIT 1`
		return sqlx.GetContext(ctx, r.db.Querier(ctx), &hash, query, batchID)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &hash, nil
}

// filterClause builds the WHERE clause shared by history and stats
func filterClause(productID string, filter TransactionFilter) (string, []interface{}) {
	conditions := []string{"t.product_id = $1"}
	args := []interface{}{productID}

	if filter.Type != nil {
		args = append(args, *filter.Type)
		conditions = append(conditions, "t.type = $"+strconv.Itoa(len(args)))
	}
	if filter.From != nil {
		args = append(args, *filter.From)
		conditions = append(conditions, "t.created_at >= $"+strconv.Itoa(len(args)))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		conditions = append(conditions, "t.created_at <= $"+strconv.Itoa(len(args)))
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

// ListByProduct returns one page of a product's history, newest first, and
// the total number of matching entries.
func (r *TransactionRepository) ListByProduct(ctx context.Context, productID string, filter TransactionFilter, page, perPage int) ([]*Transaction, int64, error) {
	where, args := filterClause(productID, filter)
	countQuery := `SELECT COUNT(*) FROM stock_transactions t` + where
	countArgs := append([]interface{}(nil), args...)

	offset := (page - 1) * perPage
	args = append(args, perPage, offset)
	query := `SELECT ` + transactionColumns + transactionFrom + where +
		` ORDER BY t.created_at DESC, t.seq DESC LIMIT $` + strconv.Itoa(len(args)-1) +
		` OFFSET $` + strconv.Itoa(len(args))

	var total int64
	var entries []*Transaction
	err := r.db.WithTenant(ctx, func(ctx context.Context) error {
		q := r.db.Querier(ctx)
		if err := sqlx.GetContext(ctx, q, &total, countQuery, countArgs...); err != nil {
			return err
		}
		entries = nil
		return sqlx.SelectContext(ctx, q, &entries, query, args...)
	})
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// StatsByProduct aggregates the filtered history. Issued quantity is
// reported as a positive number; revenue sums issue totals.
func (r *TransactionRepository) StatsByProduct(ctx context.Context, productID string, filter TransactionFilter) (*TransactionStats, error) {
	where, args := filterClause(productID, filter)
	query := `
		SELECT
			COUNT(*) AS total_transactions,
			COALESCE(SUM(-t.quantity_delta) FILTER (WHERE t.type = 'issue'), 0) AS total_issued,
			COALESCE(SUM(t.quantity_delta) FILTER (WHERE t.type = 'return'), 0) AS total_returned,
			COALESCE(SUM(t.total_price) FILTER (WHERE t.type = 'issue'), 0) AS revenue
		FROM stock_transactions t` + where

	var stats TransactionStats
	err := r.db.WithTenant(ctx, func(ctx context.Context) error {
		return sqlx.GetContext(ctx, r.db.Querier(ctx), &stats, query, args...)
	})
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// ListByReference lists the entries sharing a reference number in the
// order they were written.
func (r *TransactionRepository) ListByReference(ctx context.Context, reference string) ([]*Transaction, error) {
	return r.list(ctx, `SELECT `+transactionColumns+transactionFrom+
		` WHERE t.reference_number = $1 ORDER BY t.seq`, reference)
}

// ListByBatch lists a batch's chain from the first entry
func (r *TransactionRepository) ListByBatch(ctx context.Context, batchID string) ([]*Transaction, error) {
	return r.list(ctx, `SELECT `+transactionColumns+transactionFrom+
		` WHERE t.batch_id = $1 ORDER BY t.seq`, batchID)
}

func (r *TransactionRepository) list(ctx context.Context, query string, args ...interface{}) ([]*Transaction, error) {
	var entries []*Transaction
	err := r.db.WithTenant(ctx, func(ctx context.Context) error {
		entries = nil
		return sqlx.SelectContext(ctx, r.db.Querier(ctx), &entries, query, args...)
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// IssuedAndReturned reports how many units an issue reference took from a
// batch and how many have been returned against it since.
func (r *TransactionRepository) IssuedAndReturned(ctx context.Context, reference, batchID string) (issued, returned int, err error) {
	var row struct {
		Issued   int `db:"issued"`
		Returned int `db:"returned"`
	}
	err = r.db.WithTenant(ctx, func(ctx context.Context) error {
		query := `
			SELECT
				COALESCE(SUM(-quantity_delta) FILTER (WHERE type = 'issue'), 0) AS issued,
				COALESCE(SUM(quantity_delta) FILTER (WHERE type = 'return'), 0) AS returned
			FROM stock_transactions
			WHERE reference_number = $1 AND batch_id = $2
		`
		return sqlx.GetContext(ctx, r.db.Querier(ctx), &row, query, reference, batchID)
	})
	if err != nil {
		return 0, 0, err
	}
	return row.Issued, row.Returned, nil
}

// NextIssueNumber draws the next value from the tenant's issue sequence
func (r *TransactionRepository) NextIssueNumber(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithTenant(ctx, func(ctx context.Context) error {
		return sqlx.GetContext(ctx, r.db.Querier(ctx), &n, `SELECT nextval('issue_number_seq')`)
	})
	return n, err
}
