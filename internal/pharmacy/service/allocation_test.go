package service

import (
	"testing"
	"time"

	"github.com/medflow/medflow-pharmacy/internal/pharmacy/repository"
	"github.com/medflow/medflow-pharmacy/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var refNow = time.Date(2026, time.October, 16, 9, 30, 0, 0, time.UTC)

func batch(id, productID string, seq int64, expiresInDays, qty int) *repository.Batch {
	expiry := utcDay(refNow).AddDate(0, 0, expiresInDays)
	return &repository.Batch{
		ID:              id,
		Seq:             seq,
		ProductID:       productID,
		BatchNumber:     "LOT-" + id,
		ManufactureDate: expiry.AddDate(-1, 0, 0),
		ExpiryDate:      expiry,
		Quantity:        qty,
		InitialQuantity: qty,
		BuyingPrice:     decimal.RequireFromString("2.00"),
		SellingPrice:    decimal.RequireFromString("3.50"),
		MinStock:        10,
		ReorderPoint:    20,
		IsActive:        true,
	}
}

func TestPlanAllocation_FEFO(t *testing.T) {
	// B2 expires first and is drained before B1 is touched.
	batches := []*repository.Batch{
		batch("B1", "P", 1, 30, 100),
		batch("B2", "P", 2, 10, 50),
	}

	lines, err := PlanAllocation("P", batches, 120)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, "B2", lines[0].BatchID)
	assert.Equal(t, 50, lines[0].Quantity)
	assert.Equal(t, "B1", lines[1].BatchID)
	assert.Equal(t, 70, lines[1].Quantity)
	assert.True(t, lines[0].UnitPrice.Equal(decimal.RequireFromString("3.50")))

	assert.Equal(t, 100, batches[0].Quantity, "input must not be mutated")
	assert.Equal(t, 50, batches[1].Quantity)
}

func TestPlanAllocation_InsufficientDeductsNothing(t *testing.T) {
	batches := []*repository.Batch{
		batch("B1", "P", 1, 30, 100),
		batch("B2", "P", 2, 10, 50),
	}

	lines, err := PlanAllocation("P", batches, 200)
	require.Error(t, err)
	assert.Nil(t, lines)
	assert.True(t, errors.Is(err, errors.ErrInsufficientStock))

	var appErr *errors.AppError
	require.True(t, errors.As(err, &appErr))
	require.Len(t, appErr.Shortfalls, 1)
	assert.Equal(t, 200, appErr.Shortfalls[0].Requested)
	assert.Equal(t, 150, appErr.Shortfalls[0].Available)
	assert.Equal(t, 50, appErr.Shortfalls[0].Shortfall)
}

func TestPlanAllocation_TieBreaks(t *testing.T) {
	sameExpiryOlder := batch("OLD", "P", 3, 20, 5)
	sameExpiryOlder.ManufactureDate = sameExpiryOlder.ManufactureDate.AddDate(0, -1, 0)
	sameExpiryNewer := batch("NEW", "P", 1, 20, 5)
	firstCreated := batch("SEQ1", "P", 4, 40, 5)
	secondCreated := batch("SEQ2", "P", 5, 40, 5)

	tests := []struct {
		name    string
		batches []*repository.Batch
		want    []string
	}{
		{
			name:    "manufacture date breaks expiry ties",
			batches: []*repository.Batch{sameExpiryNewer, sameExpiryOlder},
			want:    []string{"OLD", "NEW"},
		},
		{
			name:    "creation order breaks full ties",
			batches: []*repository.Batch{secondCreated, firstCreated},
			want:    []string{"SEQ1", "SEQ2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lines, err := PlanAllocation("P", tt.batches, 10)
			require.NoError(t, err)
			var got []string
			for _, l := range lines {
				got = append(got, l.BatchID)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPlanAllocation_SkipsUnallocatable(t *testing.T) {
	inactive := batch("OFF", "P", 1, 5, 40)
	inactive.IsActive = false
	empty := batch("EMPTY", "P", 2, 6, 0)
	other := batch("OTHER", "Q", 3, 1, 40)
	good := batch("GOOD", "P", 4, 90, 40)

	lines, err := PlanAllocation("P", []*repository.Batch{inactive, empty, other, good}, 15)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "GOOD", lines[0].BatchID)
}

func TestPlanAllocation_Deterministic(t *testing.T) {
	batches := []*repository.Batch{
		batch("A", "P", 3, 10, 7),
		batch("B", "P", 1, 10, 7),
		batch("C", "P", 2, 5, 7),
	}
	first, err := PlanAllocation("P", batches, 15)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := PlanAllocation("P", batches, 15)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestPlanAllocation_RejectsNonPositive(t *testing.T) {
	_, err := PlanAllocation("P", nil, 0)
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestAllocator_SharedWorkingCopy(t *testing.T) {
	locked := []*repository.Batch{
		batch("B1", "P", 1, 10, 6),
		batch("B2", "P", 2, 20, 6),
		batch("Q1", "Q", 3, 10, 1),
	}
	alloc := newAllocator(locked)

	first, short, err := alloc.allocate("P", 8)
	require.NoError(t, err)
	require.Nil(t, short)
	require.Len(t, first, 2)

	// The second line only sees the 4 units left in B2.
	second, short, err := alloc.allocate("P", 4)
	require.NoError(t, err)
	require.Nil(t, short)
	require.Len(t, second, 1)
	assert.Equal(t, "B2", second[0].BatchID)

	_, short, err = alloc.allocate("P", 1)
	require.NoError(t, err)
	require.NotNil(t, short)
	assert.Equal(t, 0, short.Available)

	_, short, err = alloc.allocate("Q", 5)
	require.NoError(t, err)
	require.NotNil(t, short)
	assert.Equal(t, 4, short.Shortfall)

	assert.Equal(t, 6, locked[0].Quantity, "caller's batches must not change")
}
