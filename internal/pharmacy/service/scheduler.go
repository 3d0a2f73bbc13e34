package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/medflow/medflow-pharmacy/internal/pharmacy/events"
	"github.com/medflow/medflow-pharmacy/pkg/actor"
	"github.com/medflow/medflow-pharmacy/pkg/logger"
	"github.com/medflow/medflow-pharmacy/pkg/messaging"
	"github.com/medflow/medflow-pharmacy/pkg/tenant"
	"github.com/robfig/cron/v3"
)

// cycleTimeout bounds one evaluation pass over all tenants
const cycleTimeout = 5 * time.Minute

// TenantLister lists the tenants to evaluate. *database.DB implements it.
type TenantLister interface {
	ActiveTenants(ctx context.Context) ([]tenant.Info, error)
}

// AlertScheduler evaluates alerts for every active tenant on a cron
// schedule and publishes the results.
type AlertScheduler struct {
	alerts    *AlertService
	tenants   TenantLister
	publisher *events.PharmacyEventPublisher
	schedule  string
	cron      *cron.Cron
	logger    *logger.Logger
	cancel    context.CancelFunc
	initial   sync.WaitGroup
}

// NewAlertScheduler creates a new alert scheduler. schedule is a standard
// five-field cron expression evaluated in UTC.
func NewAlertScheduler(alerts *AlertService, tenants TenantLister, publisher *events.PharmacyEventPublisher, schedule string, log *logger.Logger) *AlertScheduler {
	return &AlertScheduler{
		alerts:    alerts,
		tenants:   tenants,
		publisher: publisher,
		schedule:  schedule,
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		logger: log.WithComponent("alert-scheduler"),
	}
}

// Start registers the evaluation job, runs one cycle immediately and
// starts the cron runner.
func (s *AlertScheduler) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	if _, err := s.cron.AddFunc(s.schedule, func() { s.RunCycle(ctx) }); err != nil {
		s.cancel()
		return fmt.Errorf("invalid alert schedule %q: %w", s.schedule, err)
	}

	s.initial.Add(1)
	go func() {
		defer s.initial.Done()
		s.RunCycle(ctx)
	}()
	s.cron.Start()
	s.logger.Info().Str("schedule", s.schedule).Msg("alert scheduler started")
	return nil
}

// Stop stops the cron runner and waits for running cycles, including the
// initial one, to finish.
func (s *AlertScheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.cron.Stop().Done()
	s.initial.Wait()
	s.logger.Info().Msg("alert scheduler stopped")
}

// RunCycle evaluates every active tenant once. A failing tenant is logged
// and skipped.
func (s *AlertScheduler) RunCycle(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, cycleTimeout)
	defer cancel()

	start := time.Now()
	tenants, err := s.tenants.ActiveTenants(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list active tenants")
		return
	}

	failed := 0
	for _, t := range tenants {
		if ctx.Err() != nil {
			break
		}
		tenantCtx := actor.WithActor(tenant.WithInfo(ctx, t), actor.SystemActor())
		if _, err := s.EvaluateTenant(tenantCtx); err != nil {
			failed++
			s.logger.Error().Err(err).Str("tenant_id", t.ID).Str("schema", t.Schema).Msg("alert evaluation failed for tenant")
		}
	}

	s.logger.Info().
		Dur("duration", time.Since(start)).
		Int("tenant_count", len(tenants)).
		Int("failed", failed).
		Msg("alert evaluation cycle completed")
}

// EvaluateTenant evaluates the tenant in ctx and publishes the summary and
// one event per batch inside the expiry window.
func (s *AlertScheduler) EvaluateTenant(ctx context.Context) (*AlertReport, error) {
	report, err := s.alerts.Evaluate(ctx)
	if err != nil {
		return nil, err
	}

	s.publisher.PublishAlertsEvaluated(ctx, report.EvaluatedAt,
		len(report.LowStock), len(report.OutOfStock), len(report.ExpiryWarning), len(report.Expired))

	for _, a := range report.ExpiryWarning {
		s.publisher.PublishBatchExpiring(ctx, messaging.BatchExpiringEvent{
			BatchID:         a.BatchID,
			ProductID:       a.ProductID,
			BatchNumber:     a.BatchNumber,
			ExpiryDate:      a.ExpiryDate.Format("2006-01-02"),
			DaysUntilExpiry: *a.DaysUntilExpiry,
			Quantity:        a.Quantity,
		})
	}
	return report, nil
}
