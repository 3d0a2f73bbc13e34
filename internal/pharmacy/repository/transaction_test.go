package repository_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/medflow/medflow-pharmacy/internal/pharmacy/repository"
	"github.com/medflow/medflow-pharmacy/pkg/errors"
	"github.com/medflow/medflow-pharmacy/pkg/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransactionRepository_LastHash(t *testing.T) {
	ctx := testutil.TestTenantContext()

	t.Run("empty chain", func(t *testing.T) {
		mockDB := testutil.NewMockDB(t)
		defer mockDB.Close()

		mockDB.ExpectTenantBegin(testutil.TestSchema)
		mockDB.ExpectQuery("SELECT entry_hash FROM stock_transactions WHERE batch_id = $1 ORDER BY seq DESC LIMIT 1").
			WithArgs("b1").
			WillReturnRows(testutil.MockRows("entry_hash"))
		mockDB.ExpectRollback()

		repo := repository.NewTransactionRepository(mockDB.Wrapped)
		hash, err := repo.LastHash(ctx, "b1")
		require.NoError(t, err)
		assert.Nil(t, hash)
		mockDB.ExpectationsWereMet(t)
	})

	t.Run("chain head", func(t *testing.T) {
		mockDB := testutil.NewMockDB(t)
		defer mockDB.Close()

		mockDB.ExpectTenantQuery(testutil.TestSchema,
			"SELECT entry_hash FROM stock_transactions WHERE batch_id = $1",
			testutil.MockRows("entry_hash").AddRow("abc123"),
		)

		repo := repository.NewTransactionRepository(mockDB.Wrapped)
		hash, err := repo.LastHash(ctx, "b1")
		require.NoError(t, err)
		require.NotNil(t, hash)
		assert.Equal(t, "abc123", *hash)
		mockDB.ExpectationsWereMet(t)
	})
}

func TestTransactionRepository_Insert_MapsDeltaCheck(t *testing.T) {
	mockDB := testutil.NewMockDB(t)
	defer mockDB.Close()

	mockDB.ExpectTenantBegin(testutil.TestSchema)
	mockDB.ExpectQuery("INSERT INTO stock_transactions").
		WillReturnError(&pq.Error{Code: "23514", Constraint: "stock_transactions_delta_sign"})
	mockDB.ExpectRollback()

	repo := repository.NewTransactionRepository(mockDB.Wrapped)
	err := repo.Insert(testutil.TestTenantContext(), &repository.Transaction{
		ID:            uuid.New().String(),
		Type:          repository.TransactionIssue,
		ProductID:     "p1",
		QuantityDelta: 3,
		EntryHash:     "x",
		CreatedAt:     time.Now().UTC(),
	})
	assert.True(t, errors.Is(err, errors.ErrInvalidDelta))
	mockDB.ExpectationsWereMet(t)
}

func TestTransactionRepository_ListByProduct_FilterArgs(t *testing.T) {
	mockDB := testutil.NewMockDB(t)
	defer mockDB.Close()

	from := testutil.Date(2026, time.January, 1)
	issue := repository.TransactionIssue

	mockDB.ExpectTenantBegin(testutil.TestSchema)
	mockDB.ExpectQuery("SELECT COUNT(*) FROM stock_transactions t WHERE t.product_id = $1 AND t.type = $2 AND t.created_at >= $3").
		WithArgs("p1", issue, from).
		WillReturnRows(testutil.MockRows("count").AddRow(int64(7)))
	mockDB.ExpectQuery("ORDER BY t.created_at DESC, t.seq DESC LIMIT $4 OFFSET $5").
		WithArgs("p1", issue, from, 5, 5).
		WillReturnRows(testutil.MockRows("id"))
	mockDB.ExpectCommit()

	repo := repository.NewTransactionRepository(mockDB.Wrapped)
	entries, total, err := repo.ListByProduct(testutil.TestTenantContext(), "p1",
		repository.TransactionFilter{Type: &issue, From: &from}, 2, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(7), total)
	assert.Empty(t, entries)
	mockDB.ExpectationsWereMet(t)
}

func TestTransactionRepository_NextIssueNumber(t *testing.T) {
	mockDB := testutil.NewMockDB(t)
	defer mockDB.Close()

	mockDB.ExpectTenantQuery(testutil.TestSchema,
		"SELECT nextval('issue_number_seq')",
		testutil.MockRows("nextval").AddRow(int64(42)),
	)

	repo := repository.NewTransactionRepository(mockDB.Wrapped)
	n, err := repo.NextIssueNumber(testutil.TestTenantContext())
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
	mockDB.ExpectationsWereMet(t)
}

func TestTransactionRepository_IssuedAndReturned(t *testing.T) {
	mockDB := testutil.NewMockDB(t)
	defer mockDB.Close()

	mockDB.ExpectTenantBegin(testutil.TestSchema)
	mockDB.ExpectQuery("WHERE reference_number = $1 AND batch_id = $2").
		WithArgs("ISS-000001", "b1").
		WillReturnRows(testutil.MockRows("issued", "returned").AddRow(10, 4))
	mockDB.ExpectCommit()

	repo := repository.NewTransactionRepository(mockDB.Wrapped)
	issued, returned, err := repo.IssuedAndReturned(testutil.TestTenantContext(), "ISS-000001", "b1")
	require.NoError(t, err)
	assert.Equal(t, 10, issued)
	assert.Equal(t, 4, returned)
	mockDB.ExpectationsWereMet(t)
}

// --- Integration ---

func TestTransactionRepository_Integration_AppendOnly(t *testing.T) {
	testutil.SkipIfShort(t)
	ctx := context.Background()
	tt := suite.SetupPharmacyTenant(t, ctx, "ledger-append")
	tenantCtx := suite.TenantContext(tt)
	productID := suite.InsertProduct(t, ctx, tt, "Paracetamol 500mg")

	batchRepo := repository.NewBatchRepository(suite.DB)
	b := newTestBatch(productID, "LOT-1", testutil.Date(2028, time.January, 1), 20)
	require.NoError(t, batchRepo.Create(tenantCtx, b))

	repo := repository.NewTransactionRepository(suite.DB)
	entry := &repository.Transaction{
		ID:            uuid.New().String(),
		Type:          repository.TransactionAddition,
		ProductID:     productID,
		BatchID:       &b.ID,
		QuantityDelta: 20,
		UnitPrice:     decimal.RequireFromString("4.00"),
		TotalPrice:    decimal.RequireFromString("80.00"),
		EntryHash:     "0000000000000000000000000000000000000000000000000000000000000001",
		CreatedAt:     time.Now().UTC().Truncate(time.Microsecond),
	}
	require.NoError(t, repo.Insert(tenantCtx, entry))
	assert.NotZero(t, entry.Seq)

	hash, err := repo.LastHash(tenantCtx, b.ID)
	require.NoError(t, err)
	require.NotNil(t, hash)
	assert.Equal(t, entry.EntryHash, *hash)

	_, err = suite.RawDB.ExecContext(ctx,
		"UPDATE "+tt.SchemaName+".stock_transactions SET quantity_delta = 99 WHERE id = $1", entry.ID)
	assert.Error(t, err)

	_, err = suite.RawDB.ExecContext(ctx,
		"DELETE FROM "+tt.SchemaName+".stock_transactions WHERE id = $1", entry.ID)
	assert.Error(t, err)

	entries, err := repo.ListByBatch(tenantCtx, b.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].BatchNumber)
	assert.Equal(t, "LOT-1", *entries[0].BatchNumber)
}

func TestTransactionRepository_Integration_HistoryStats(t *testing.T) {
	testutil.SkipIfShort(t)
	ctx := context.Background()
	tt := suite.SetupPharmacyTenant(t, ctx, "ledger-stats")
	tenantCtx := suite.TenantContext(tt)
	productID := suite.InsertProduct(t, ctx, tt, "Cetirizine 10mg")

	batchRepo := repository.NewBatchRepository(suite.DB)
	b := newTestBatch(productID, "LOT-1", testutil.Date(2028, time.January, 1), 100)
	require.NoError(t, batchRepo.Create(tenantCtx, b))

	repo := repository.NewTransactionRepository(suite.DB)
	ref := "ISS-000001"
	base := time.Now().UTC().Truncate(time.Microsecond)
	deltas := []struct {
		typ   string
		delta int
		total string
	}{
		{repository.TransactionAddition, 100, "400.00"},
		{repository.TransactionIssue, -10, "95.00"},
		{repository.TransactionIssue, -5, "47.50"},
		{repository.TransactionReturn, 2, "19.00"},
	}
	for i, d := range deltas {
		e := &repository.Transaction{
			ID:            uuid.New().String(),
			Type:          d.typ,
			ProductID:     productID,
			BatchID:       &b.ID,
			QuantityDelta: d.delta,
			UnitPrice:     decimal.RequireFromString("9.50"),
			TotalPrice:    decimal.RequireFromString(d.total),
			EntryHash:     fmt.Sprintf("%064d", i),
			CreatedAt:     base.Add(time.Duration(i) * time.Second),
		}
		if d.typ != repository.TransactionAddition {
			e.ReferenceNumber = &ref
		}
		require.NoError(t, repo.Insert(tenantCtx, e))
	}

	page, total, err := repo.ListByProduct(tenantCtx, productID, repository.TransactionFilter{}, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(4), total)
	require.Len(t, page, 2)
	assert.Equal(t, repository.TransactionReturn, page[0].Type)

	stats, err := repo.StatsByProduct(tenantCtx, productID, repository.TransactionFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.TotalTransactions)
	assert.Equal(t, int64(15), stats.TotalIssued)
	assert.Equal(t, int64(2), stats.TotalReturned)
	assert.True(t, stats.Revenue.Equal(decimal.RequireFromString("142.50")))

	issued, returned, err := repo.IssuedAndReturned(tenantCtx, ref, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 15, issued)
	assert.Equal(t, 2, returned)

	byRef, err := repo.ListByReference(tenantCtx, ref)
	require.NoError(t, err)
	assert.Len(t, byRef, 3)

	n1, err := repo.NextIssueNumber(tenantCtx)
	require.NoError(t, err)
	n2, err := repo.NextIssueNumber(tenantCtx)
	require.NoError(t, err)
	assert.Equal(t, n1+1, n2)
}
