package service

import (
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/medflow/medflow-pharmacy/internal/pharmacy/repository"
	"github.com/medflow/medflow-pharmacy/pkg/errors"
	"github.com/medflow/medflow-pharmacy/pkg/logger"
	"github.com/medflow/medflow-pharmacy/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const lockAllocatableSQL = "AND is_active AND quantity > 0 ORDER BY product_id, expiry_date, manufacture_date, seq FOR UPDATE"

func lockedRows() *sqlmock.Rows {
	now := time.Now().UTC()
	rows := testutil.MockRows(
		"id", "seq", "product_id", "batch_number", "manufacture_date", "expiry_date",
		"quantity", "initial_quantity", "buying_price", "selling_price", "min_stock", "reorder_point",
		"storage_location", "supplier_name", "invoice_number", "received_date", "received_by", "notes",
		"is_active", "created_at", "updated_at",
	)
	for _, b := range []struct {
		id     string
		seq    int64
		expiry time.Time
		qty    int
	}{
		{"b2", 2, testutil.Date(2027, time.January, 10), 50},
		{"b1", 1, testutil.Date(2027, time.March, 1), 100},
	} {
		rows.AddRow(b.id, b.seq, "p1", "LOT-"+b.id, b.expiry.AddDate(-1, 0, 0), b.expiry,
			b.qty, b.qty, "2.00", "3.50", 10, 20,
			nil, nil, nil, now, nil, nil,
			true, now, now)
	}
	return rows
}

func prevHash(i int) string {
	return fmt.Sprintf("%064d", i)
}

func newMockStockService(mockDB *testutil.MockDB) *StockService {
	db := mockDB.Wrapped
	batchRepo := repository.NewBatchRepository(db)
	txRepo := repository.NewTransactionRepository(db)
	ledger := NewLedger(db, txRepo, batchRepo, logger.Nop())
	return NewStockService(db, repository.NewProductRepository(db), batchRepo, txRepo, ledger,
		AlertConfig{LowStockDefaultThreshold: 10, ExpiryWarningDays: 30}, logger.Nop())
}

func TestStockService_Allocate_RecordsIssueEntries(t *testing.T) {
	mockDB := testutil.NewMockDB(t)
	defer mockDB.Close()

	mockDB.ExpectTenantBegin(testutil.TestSchema)
	mockDB.ExpectQuery(lockAllocatableSQL).WithArgs(sqlmock.AnyArg()).WillReturnRows(lockedRows())
	mockDB.ExpectQuery("SELECT nextval('issue_number_seq')").
		WillReturnRows(testutil.MockRows("nextval").AddRow(int64(7)))
	mockDB.ExpectQuery("UPDATE batches SET quantity = quantity + $2").
		WithArgs("b2", -50).
		WillReturnRows(testutil.MockRows("quantity").AddRow(0))
	mockDB.ExpectQuery("UPDATE batches SET quantity = quantity + $2").
		WithArgs("b1", -70).
		WillReturnRows(testutil.MockRows("quantity").AddRow(30))
	for i, line := range []struct {
		batchID string
		delta   int
	}{{"b2", -50}, {"b1", -70}} {
		mockDB.ExpectQuery("SELECT entry_hash FROM stock_transactions WHERE batch_id = $1").
			WithArgs(line.batchID).
			WillReturnRows(testutil.MockRows("entry_hash").AddRow(prevHash(i)))
		mockDB.ExpectQuery("INSERT INTO stock_transactions").
			WithArgs(testutil.AnyUUID{}, "issue", "p1", line.batchID, line.delta,
				sqlmock.AnyArg(), sqlmock.AnyArg(), nil, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
				"ISS-000007", nil, nil, prevHash(i), testutil.AnyHash{}, testutil.AnyTime{}).
			WillReturnRows(testutil.MockRows("seq").AddRow(int64(20 + i)))
	}
	mockDB.ExpectCommit()

	res, err := newMockStockService(mockDB).Allocate(testutil.TestTenantContext(), "p1", 120)
	require.NoError(t, err)
	assert.Equal(t, "ISS-000007", res.ReferenceNumber)
	require.Len(t, res.Lines, 2)
	assert.Equal(t, "b2", res.Lines[0].BatchID)
	assert.Equal(t, 70, res.Lines[1].Quantity)
	mockDB.ExpectationsWereMet(t)
}

func TestStockService_Allocate_ShortRequestWritesNothing(t *testing.T) {
	mockDB := testutil.NewMockDB(t)
	defer mockDB.Close()

	mockDB.ExpectTenantBegin(testutil.TestSchema)
	mockDB.ExpectQuery(lockAllocatableSQL).WithArgs(sqlmock.AnyArg()).WillReturnRows(lockedRows())
	mockDB.ExpectRollback()

	_, err := newMockStockService(mockDB).Allocate(testutil.TestTenantContext(), "p1", 200)
	assert.True(t, errors.Is(err, errors.ErrInsufficientStock), "got %v", err)
	mockDB.ExpectationsWereMet(t)
}
