package service

import (
	"context"
	"sort"
	"time"

	"github.com/medflow/medflow-pharmacy/internal/pharmacy/repository"
	"github.com/medflow/medflow-pharmacy/pkg/logger"
)

// Alert kinds
const (
	AlertLowStock      = "low_stock"
	AlertOutOfStock    = "out_of_stock"
	AlertExpiryWarning = "expiry_warning"
	AlertExpired       = "expired"
)

// Alert severities
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// criticalExpiryDays marks warnings this close to expiry as critical
const criticalExpiryDays = 7

// AlertConfig holds the evaluation thresholds
type AlertConfig struct {
	LowStockDefaultThreshold int `json:"low_stock_default_threshold"`
	ExpiryWarningDays        int `json:"expiry_warning_days"`
}

// Alert is one derived alert. Stock alerts reference a product, expiry
// alerts reference a batch.
type Alert struct {
	Kind            string     `json:"kind"`
	Severity        string     `json:"severity"`
	ProductID       string     `json:"product_id"`
	ProductName     string     `json:"product_name,omitempty"`
	BatchID         string     `json:"batch_id,omitempty"`
	BatchNumber     string     `json:"batch_number,omitempty"`
	Quantity        int        `json:"quantity"`
	Threshold       int        `json:"threshold,omitempty"`
	StockRatio      *float64   `json:"stock_ratio,omitempty"`
	ExpiryDate      *time.Time `json:"expiry_date,omitempty"`
	DaysUntilExpiry *int       `json:"days_until_expiry,omitempty"`
}

// AlertReport holds the four independent alert lists
type AlertReport struct {
	EvaluatedAt   time.Time `json:"evaluated_at"`
	LowStock      []Alert   `json:"low_stock"`
	OutOfStock    []Alert   `json:"out_of_stock"`
	ExpiryWarning []Alert   `json:"expiry_warning"`
	Expired       []Alert   `json:"expired"`
}

// Total counts all alerts of the report
func (r AlertReport) Total() int {
	return len(r.LowStock) + len(r.OutOfStock) + len(r.ExpiryWarning) + len(r.Expired)
}

// utcDay truncates t to midnight UTC
func utcDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// daysUntil counts whole days from today to the expiry date
func daysUntil(expiry, today time.Time) int {
	return int(utcDay(expiry).Sub(today).Hours() / 24)
}

// EvaluateAlerts derives alerts from a snapshot of products and batches.
//
// Stock alerts cover active catalog products plus products that have
// batches but no catalog entry. Inactive and discontinued products get no
// stock alerts, though their batches still get expiry alerts. Expiry is
// compared by calendar day in UTC.
func EvaluateAlerts(products []*repository.Product, batches []*repository.Batch, cfg AlertConfig, now time.Time) AlertReport {
	today := utcDay(now)
	report := AlertReport{
		EvaluatedAt:   now.UTC(),
		LowStock:      []Alert{},
		OutOfStock:    []Alert{},
		ExpiryWarning: []Alert{},
		Expired:       []Alert{},
	}

	names := make(map[string]string, len(products))
	var tracked []string
	seen := make(map[string]bool)
	for _, p := range products {
		names[p.ID] = p.Name
		seen[p.ID] = true
		if p.IsActive() {
			tracked = append(tracked, p.ID)
		}
	}
	for _, b := range batches {
		if !seen[b.ProductID] {
			seen[b.ProductID] = true
			tracked = append(tracked, b.ProductID)
		}
	}

	for _, productID := range tracked {
		level := Aggregate(productID, batches, cfg.LowStockDefaultThreshold)
		alert := Alert{
			ProductID:   productID,
			ProductName: names[productID],
			Quantity:    level.TotalQuantity,
			Threshold:   level.Threshold,
		}
		switch level.Status {
		case repository.StockStatusOutOfStock:
			alert.Kind = AlertOutOfStock
			alert.Severity = SeverityCritical
			report.OutOfStock = append(report.OutOfStock, alert)
		case repository.StockStatusLowStock:
			ratio := float64(level.TotalQuantity) / float64(level.Threshold)
			alert.Kind = AlertLowStock
			alert.StockRatio = &ratio
			alert.Severity = SeverityWarning
			if level.TotalQuantity < level.Threshold/2 {
				alert.Severity = SeverityCritical
			}
			report.LowStock = append(report.LowStock, alert)
		}
	}

	for _, b := range batches {
		if !b.IsActive || b.Quantity <= 0 {
			continue
		}
		days := daysUntil(b.ExpiryDate, today)
		expiry := utcDay(b.ExpiryDate)
		alert := Alert{
			ProductID:       b.ProductID,
			ProductName:     names[b.ProductID],
			BatchID:         b.ID,
			BatchNumber:     b.BatchNumber,
			Quantity:        b.Quantity,
			ExpiryDate:      &expiry,
			DaysUntilExpiry: &days,
		}
		switch {
		case days < 0:
			alert.Kind = AlertExpired
			alert.Severity = SeverityCritical
			report.Expired = append(report.Expired, alert)
		case days <= cfg.ExpiryWarningDays:
			alert.Kind = AlertExpiryWarning
			alert.Severity = SeverityWarning
			if days <= criticalExpiryDays {
				alert.Severity = SeverityCritical
			}
			report.ExpiryWarning = append(report.ExpiryWarning, alert)
		}
	}

	byProduct := func(list []Alert) {
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].ProductName != list[j].ProductName {
				return list[i].ProductName < list[j].ProductName
			}
			return list[i].ProductID < list[j].ProductID
		})
	}
	byExpiry := func(list []Alert) {
		sort.SliceStable(list, func(i, j int) bool {
			if !list[i].ExpiryDate.Equal(*list[j].ExpiryDate) {
				return list[i].ExpiryDate.Before(*list[j].ExpiryDate)
			}
			return list[i].BatchID < list[j].BatchID
		})
	}
	byProduct(report.LowStock)
	byProduct(report.OutOfStock)
	byExpiry(report.ExpiryWarning)
	byExpiry(report.Expired)

	return report
}

// AlertService evaluates alerts for the tenant in ctx
type AlertService struct {
	productRepo *repository.ProductRepository
	batchRepo   *repository.BatchRepository
	config      AlertConfig
	logger      *logger.Logger
	now         func() time.Time
}

// NewAlertService creates a new alert service
func NewAlertService(productRepo *repository.ProductRepository, batchRepo *repository.BatchRepository, cfg AlertConfig, log *logger.Logger) *AlertService {
	return &AlertService{
		productRepo: productRepo,
		batchRepo:   batchRepo,
		config:      cfg,
		logger:      log.WithComponent("alerts"),
		now:         time.Now,
	}
}

// Config returns the configured thresholds
func (s *AlertService) Config() AlertConfig {
	return s.config
}

// Evaluate evaluates with the configured thresholds
func (s *AlertService) Evaluate(ctx context.Context) (*AlertReport, error) {
	return s.EvaluateWith(ctx, s.config)
}

// EvaluateWith evaluates with explicit thresholds, e.g. per-request overrides
func (s *AlertService) EvaluateWith(ctx context.Context, cfg AlertConfig) (*AlertReport, error) {
	products, err := s.productRepo.List(ctx)
	if err != nil {
		return nil, err
	}
	batches, err := s.batchRepo.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	report := EvaluateAlerts(products, batches, cfg, s.now())
	s.logger.Debug().
		Int("low_stock", len(report.LowStock)).
		Int("out_of_stock", len(report.OutOfStock)).
		Int("expiry_warning", len(report.ExpiryWarning)).
		Int("expired", len(report.Expired)).
		Msg("alerts evaluated")
	return &report, nil
}
