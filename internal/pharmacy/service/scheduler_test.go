package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/medflow/medflow-pharmacy/pkg/logger"
	"github.com/medflow/medflow-pharmacy/pkg/tenant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// slowTenants blocks the first cycle until its context is cancelled and
// then keeps working for a moment.
type slowTenants struct {
	started  chan struct{}
	finished atomic.Bool
}

func (s *slowTenants) ActiveTenants(ctx context.Context) ([]tenant.Info, error) {
	close(s.started)
	<-ctx.Done()
	time.Sleep(50 * time.Millisecond)
	s.finished.Store(true)
	return nil, ctx.Err()
}

func TestAlertScheduler_StopWaitsForInitialCycle(t *testing.T) {
	tenants := &slowTenants{started: make(chan struct{})}
	s := NewAlertScheduler(nil, tenants, nil, "0 0 1 1 *", logger.Nop())

	require.NoError(t, s.Start(context.Background()))
	select {
	case <-tenants.started:
	case <-time.After(5 * time.Second):
		t.Fatal("initial cycle did not start")
	}

	s.Stop()
	assert.True(t, tenants.finished.Load())
}

func TestAlertScheduler_RejectsInvalidSchedule(t *testing.T) {
	s := NewAlertScheduler(nil, &slowTenants{started: make(chan struct{})}, nil, "not a schedule", logger.Nop())
	assert.Error(t, s.Start(context.Background()))
}
