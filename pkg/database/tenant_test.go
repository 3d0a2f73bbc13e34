package database_test

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/medflow/medflow-pharmacy/pkg/database"
	apperrors "github.com/medflow/medflow-pharmacy/pkg/errors"
	"github.com/medflow/medflow-pharmacy/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const countQuery = "SELECT COUNT(*) FROM batches"

func countBatches(db *database.DB) func(context.Context) error {
	return func(ctx context.Context) error {
		var n int
		return sqlx.GetContext(ctx, db.Querier(ctx), &n, countQuery)
	}
}

func TestWithTenant_SetsSearchPathAndCommits(t *testing.T) {
	mockDB := testutil.NewMockDB(t)
	defer mockDB.Close()

	mockDB.ExpectTenantBegin(testutil.TestSchema)
	mockDB.ExpectQuery(countQuery).WillReturnRows(testutil.MockRows("count").AddRow(3))
	mockDB.ExpectCommit()

	err := mockDB.Wrapped.WithTenant(testutil.TestTenantContext(), countBatches(mockDB.Wrapped))

	require.NoError(t, err)
	mockDB.ExpectationsWereMet(t)
}

func TestWithTenant_NestedCallJoinsTransaction(t *testing.T) {
	mockDB := testutil.NewMockDB(t)
	defer mockDB.Close()
	db := mockDB.Wrapped

	mockDB.ExpectTenantBegin(testutil.TestSchema)
	mockDB.ExpectQuery(countQuery).WillReturnRows(testutil.MockRows("count").AddRow(1))
	mockDB.ExpectQuery(countQuery).WillReturnRows(testutil.MockRows("count").AddRow(1))
	mockDB.ExpectCommit()

	err := db.WithTenant(testutil.TestTenantContext(), func(ctx context.Context) error {
		assert.True(t, db.InTransaction(ctx))
		if err := countBatches(db)(ctx); err != nil {
			return err
		}
		return db.WithTenant(ctx, countBatches(db))
	})

	require.NoError(t, err)
	mockDB.ExpectationsWereMet(t)
}

func TestWithTenant_RollsBackOnError(t *testing.T) {
	mockDB := testutil.NewMockDB(t)
	defer mockDB.Close()

	boom := errors.New("boom")
	mockDB.ExpectTenantBegin(testutil.TestSchema)
	mockDB.ExpectRollback()

	err := mockDB.Wrapped.WithTenant(testutil.TestTenantContext(), func(ctx context.Context) error {
		return boom
	})

	assert.ErrorIs(t, err, boom)
	mockDB.ExpectationsWereMet(t)
}

func TestWithTenant_RetriesSerializationFailure(t *testing.T) {
	mockDB := testutil.NewMockDB(t)
	defer mockDB.Close()

	mockDB.ExpectTenantBegin(testutil.TestSchema)
	mockDB.ExpectQuery(countQuery).WillReturnError(&pq.Error{Code: "40001"})
	mockDB.ExpectRollback()

	mockDB.ExpectTenantBegin(testutil.TestSchema)
	mockDB.ExpectQuery(countQuery).WillReturnRows(testutil.MockRows("count").AddRow(2))
	mockDB.ExpectCommit()

	err := mockDB.Wrapped.WithTenant(testutil.TestTenantContext(), countBatches(mockDB.Wrapped))

	require.NoError(t, err)
	mockDB.ExpectationsWereMet(t)
}

func TestWithTenant_ExhaustedRetriesAreTransient(t *testing.T) {
	mockDB := testutil.NewMockDB(t)
	defer mockDB.Close()
	mockDB.Wrapped.SetRetryPolicy(2, 0)

	for i := 0; i < 2; i++ {
		mockDB.ExpectTenantBegin(testutil.TestSchema)
		mockDB.ExpectQuery(countQuery).WillReturnError(&pq.Error{Code: "40P01"})
		mockDB.ExpectRollback()
	}

	err := mockDB.Wrapped.WithTenant(testutil.TestTenantContext(), countBatches(mockDB.Wrapped))

	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrTransient)
	var appErr *apperrors.AppError
	require.True(t, apperrors.As(err, &appErr))
	assert.Equal(t, 503, appErr.StatusCode)
	mockDB.ExpectationsWereMet(t)
}

func TestWithTenant_NonRetryableErrorIsReturnedImmediately(t *testing.T) {
	mockDB := testutil.NewMockDB(t)
	defer mockDB.Close()

	pqErr := &pq.Error{Code: "23505", Constraint: "batches_product_batch_number_key"}
	mockDB.ExpectTenantBegin(testutil.TestSchema)
	mockDB.ExpectQuery(countQuery).WillReturnError(pqErr)
	mockDB.ExpectRollback()

	err := mockDB.Wrapped.WithTenant(testutil.TestTenantContext(), countBatches(mockDB.Wrapped))

	assert.True(t, database.IsUniqueViolation(err, "batches_product_batch_number_key"))
	mockDB.ExpectationsWereMet(t)
}

func TestWithTenant_MissingTenant(t *testing.T) {
	mockDB := testutil.NewMockDB(t)
	defer mockDB.Close()

	err := mockDB.Wrapped.WithTenant(context.Background(), countBatches(mockDB.Wrapped))

	assert.ErrorIs(t, err, apperrors.ErrForbidden)
	mockDB.ExpectationsWereMet(t)
}

func TestWithTenant_InvalidSchema(t *testing.T) {
	mockDB := testutil.NewMockDB(t)
	defer mockDB.Close()

	ctx := testutil.WithTestTenantValues(context.Background(), "id", "slug", "tenant; DROP TABLE batches")
	err := mockDB.Wrapped.WithTenant(ctx, countBatches(mockDB.Wrapped))

	assert.ErrorIs(t, err, apperrors.ErrForbidden)
	mockDB.ExpectationsWereMet(t)
}

func TestActiveTenants(t *testing.T) {
	mockDB := testutil.NewMockDB(t)
	defer mockDB.Close()

	mockDB.Mock.ExpectQuery(regexp.QuoteMeta("FROM public.tenants")).
		WillReturnRows(testutil.MockRows("id", "slug", "schema_name").
			AddRow("t1", "north", "tenant_north").
			AddRow("t2", "south", "tenant_south"))

	tenants, err := mockDB.Wrapped.ActiveTenants(context.Background())

	require.NoError(t, err)
	require.Len(t, tenants, 2)
	assert.Equal(t, "tenant_north", tenants[0].Schema)
	assert.Equal(t, "south", tenants[1].Slug)
	mockDB.ExpectationsWereMet(t)
}

func TestQuerier_OutsideTransactionUsesPool(t *testing.T) {
	mockDB := testutil.NewMockDB(t)
	defer mockDB.Close()

	assert.False(t, mockDB.Wrapped.InTransaction(context.Background()))
	assert.Same(t, mockDB.DB, mockDB.Wrapped.Querier(context.Background()))
}
