package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/medflow/medflow-pharmacy/internal/pharmacy/events"
	"github.com/medflow/medflow-pharmacy/internal/pharmacy/repository"
	"github.com/medflow/medflow-pharmacy/pkg/actor"
	"github.com/medflow/medflow-pharmacy/pkg/database"
	"github.com/medflow/medflow-pharmacy/pkg/errors"
	"github.com/medflow/medflow-pharmacy/pkg/logger"
	"github.com/medflow/medflow-pharmacy/pkg/messaging"
	"github.com/shopspring/decimal"
)

// DispenseState is the lifecycle state of one dispense request
type DispenseState string

// Dispense states
const (
	DispenseReceived  DispenseState = "received"
	DispenseValidated DispenseState = "validated"
	DispenseAllocated DispenseState = "allocated"
	DispenseRecorded  DispenseState = "recorded"
	DispenseCompleted DispenseState = "completed"
	DispenseAborted   DispenseState = "aborted"
)

// DispenseLine asks for a quantity of one product
type DispenseLine struct {
	ProductID string
	Quantity  int
}

// DispenseRequest issues several products in one all-or-nothing unit
type DispenseRequest struct {
	Lines    []DispenseLine
	IssuedTo *string
	// IssuedBy defaults to the authenticated actor
	IssuedBy *string
	Notes    *string
}

// DispensedLine is the batch breakdown of one request line
type DispensedLine struct {
	ProductID   string          `json:"product_id"`
	Quantity    int             `json:"quantity"`
	Value       decimal.Decimal `json:"value"`
	Allocations []Allocation    `json:"allocations"`
}

// DispenseResult is returned for a completed dispense
type DispenseResult struct {
	ReferenceNumber string          `json:"reference_number"`
	State           DispenseState   `json:"state"`
	TotalValue      decimal.Decimal `json:"total_value"`
	Lines           []DispensedLine `json:"lines"`
	Alerts          []Alert         `json:"alerts"`
}

// DispenseService coordinates validation, allocation, deduction and
// recording of a dispense.
type DispenseService struct {
	db          *database.DB
	productRepo *repository.ProductRepository
	batchRepo   *repository.BatchRepository
	txRepo      *repository.TransactionRepository
	ledger      *Ledger
	publisher   *events.PharmacyEventPublisher
	config      AlertConfig
	logger      *logger.Logger
	now         func() time.Time
}

// NewDispenseService creates a new dispense service
func NewDispenseService(
	db *database.DB,
	productRepo *repository.ProductRepository,
	batchRepo *repository.BatchRepository,
	txRepo *repository.TransactionRepository,
	ledger *Ledger,
	publisher *events.PharmacyEventPublisher,
	cfg AlertConfig,
	log *logger.Logger,
) *DispenseService {
	return &DispenseService{
		db:          db,
		productRepo: productRepo,
		batchRepo:   batchRepo,
		txRepo:      txRepo,
		ledger:      ledger,
		publisher:   publisher,
		config:      cfg,
		logger:      log.WithComponent("dispense"),
		now:         time.Now,
	}
}

// FormatIssueReference renders an issue sequence value as a reference number
func FormatIssueReference(n int64) string {
	return fmt.Sprintf("ISS-%06d", n)
}

// Dispense validates, allocates and records a request. Either every line
// is issued or nothing is: a short line aborts the request and the error
// lists every short line.
func (s *DispenseService) Dispense(ctx context.Context, req DispenseRequest) (*DispenseResult, error) {
	state := DispenseReceived
	log := s.logger.With().Int("lines", len(req.Lines)).Logger()
	transition := func(next DispenseState) {
		log.Debug().Str("from", string(state)).Str("to", string(next)).Msg("dispense state")
		state = next
	}

	productIDs, err := s.validate(ctx, req)
	if err != nil {
		transition(DispenseAborted)
		return nil, err
	}
	transition(DispenseValidated)

	issuedBy := req.IssuedBy
	if issuedBy == nil || *issuedBy == "" {
		id := actor.FromContextOrSystem(ctx).ID
		issuedBy = &id
	}

	var result *DispenseResult
	err = s.db.WithTenant(ctx, func(ctx context.Context) error {
		state = DispenseValidated
		result = &DispenseResult{TotalValue: decimal.Zero, Alerts: []Alert{}}

		locked, err := s.batchRepo.LockAllocatable(ctx, productIDs)
		if err != nil {
			return err
		}

		alloc := newAllocator(locked)
		var shortfalls []errors.Shortfall
		for i, line := range req.Lines {
			allocations, short, err := alloc.allocate(line.ProductID, line.Quantity)
			if err != nil {
				return err
			}
			if short != nil {
				short.Line = i + 1
				shortfalls = append(shortfalls, *short)
				continue
			}
			dl := DispensedLine{ProductID: line.ProductID, Quantity: line.Quantity, Value: decimal.Zero, Allocations: allocations}
			for _, a := range allocations {
				dl.Value = dl.Value.Add(a.LineValue())
			}
			result.Lines = append(result.Lines, dl)
			result.TotalValue = result.TotalValue.Add(dl.Value)
		}
		if len(shortfalls) > 0 {
			return errors.InsufficientStock(shortfalls...)
		}
		transition(DispenseAllocated)

		n, err := s.txRepo.NextIssueNumber(ctx)
		if err != nil {
			return err
		}
		result.ReferenceNumber = FormatIssueReference(n)

		touched := mergeByBatch(result.Lines)
		for _, a := range touched {
			if _, err := s.batchRepo.MutateQuantity(ctx, a.BatchID, -a.Quantity); err != nil {
				return err
			}
		}
		for _, a := range touched {
			if _, err := s.ledger.Record(ctx, RecordEntry{
				Type:            repository.TransactionIssue,
				ProductID:       a.ProductID,
				BatchID:         a.BatchID,
				Delta:           -a.Quantity,
				UnitPrice:       a.UnitPrice,
				IssuedTo:        req.IssuedTo,
				ReferenceNumber: &result.ReferenceNumber,
				Notes:           req.Notes,
				IssuedBy:        issuedBy,
			}); err != nil {
				return err
			}
		}
		transition(DispenseRecorded)

		alerts, err := s.advisoryAlerts(ctx, req, result)
		if err != nil {
			return err
		}
		result.Alerts = alerts
		return nil
	})
	if err != nil {
		transition(DispenseAborted)
		return nil, err
	}
	transition(DispenseCompleted)
	result.State = state

	s.logger.Info().
		Str("reference_number", result.ReferenceNumber).
		Int("lines", len(result.Lines)).
		Str("total_value", result.TotalValue.StringFixed(2)).
		Msg("dispense completed")

	s.publisher.PublishStockDispensed(ctx, dispensedEvent(result, req, *issuedBy))
	return result, nil
}

// mergeByBatch sums the allocations of every line per batch, keeping the
// order in which batches were first touched. Lines naming the same product
// can draw from one batch; it still gets a single issue entry.
func mergeByBatch(lines []DispensedLine) []Allocation {
	index := map[string]int{}
	var merged []Allocation
	for _, dl := range lines {
		for _, a := range dl.Allocations {
			if i, ok := index[a.BatchID]; ok {
				merged[i].Quantity += a.Quantity
				continue
			}
			index[a.BatchID] = len(merged)
			merged = append(merged, a)
		}
	}
	return merged
}

// validate checks the request shape and that every product exists and is
// active. It returns the distinct product ids in lock order.
func (s *DispenseService) validate(ctx context.Context, req DispenseRequest) ([]string, error) {
	if len(req.Lines) == 0 {
		return nil, errors.Validation(map[string]string{"lines": "at least one line is required"})
	}

	details := map[string]string{}
	seen := map[string]bool{}
	var ids []string
	for i, line := range req.Lines {
		if line.ProductID == "" {
			details[fmt.Sprintf("lines[%d].product_id", i)] = "is required"
		}
		if line.Quantity <= 0 {
			details[fmt.Sprintf("lines[%d].quantity", i)] = "must be greater than 0"
		}
		if line.ProductID != "" && !seen[line.ProductID] {
			seen[line.ProductID] = true
			ids = append(ids, line.ProductID)
		}
	}
	if len(details) > 0 {
		return nil, errors.Validation(details)
	}

	products, err := s.productRepo.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i, line := range req.Lines {
		p, ok := products[line.ProductID]
		switch {
		case !ok:
			details[fmt.Sprintf("lines[%d].product_id", i)] = "product not found"
		case !p.IsActive():
			details[fmt.Sprintf("lines[%d].product_id", i)] = "product is " + p.Status
		}
	}
	if len(details) > 0 {
		return nil, errors.Validation(details)
	}

	sort.Strings(ids)
	return ids, nil
}

// advisoryAlerts reports products the dispense moved into a worse stock
// status and allocated batches that are expired or inside the warning window.
func (s *DispenseService) advisoryAlerts(ctx context.Context, req DispenseRequest, result *DispenseResult) ([]Alert, error) {
	alerts := []Alert{}

	taken := map[string]int{}
	var order []string
	for _, line := range req.Lines {
		if _, ok := taken[line.ProductID]; !ok {
			order = append(order, line.ProductID)
		}
		taken[line.ProductID] += line.Quantity
	}

	for _, productID := range order {
		batches, err := s.batchRepo.ListByProduct(ctx, productID)
		if err != nil {
			return nil, err
		}
		after := Aggregate(productID, batches, s.config.LowStockDefaultThreshold)
		before := classify(after.TotalQuantity+taken[productID], after.Threshold)
		if after.Status == before || after.Status == repository.StockStatusInStock {
			continue
		}
		alert := Alert{
			ProductID: productID,
			Quantity:  after.TotalQuantity,
			Threshold: after.Threshold,
			Kind:      AlertLowStock,
			Severity:  SeverityWarning,
		}
		if after.Status == repository.StockStatusOutOfStock {
			alert.Kind = AlertOutOfStock
			alert.Severity = SeverityCritical
		}
		alerts = append(alerts, alert)
	}

	today := utcDay(s.now())
	for _, dl := range result.Lines {
		for _, a := range dl.Allocations {
			days := daysUntil(a.ExpiryDate, today)
			if days > s.config.ExpiryWarningDays {
				continue
			}
			expiry := utcDay(a.ExpiryDate)
			alert := Alert{
				Kind:            AlertExpiryWarning,
				Severity:        SeverityWarning,
				ProductID:       a.ProductID,
				BatchID:         a.BatchID,
				BatchNumber:     a.BatchNumber,
				Quantity:        a.Quantity,
				ExpiryDate:      &expiry,
				DaysUntilExpiry: &days,
			}
			if days < 0 {
				alert.Kind = AlertExpired
				alert.Severity = SeverityCritical
			}
			alerts = append(alerts, alert)
		}
	}
	return alerts, nil
}

func dispensedEvent(result *DispenseResult, req DispenseRequest, issuedBy string) messaging.StockDispensedEvent {
	data := messaging.StockDispensedEvent{
		ReferenceNumber: result.ReferenceNumber,
		IssuedBy:        issuedBy,
		TotalValue:      result.TotalValue,
	}
	if req.IssuedTo != nil {
		data.IssuedTo = *req.IssuedTo
	}
	for _, dl := range result.Lines {
		for _, a := range dl.Allocations {
			data.Lines = append(data.Lines, messaging.DispensedLine{
				ProductID:   a.ProductID,
				BatchID:     a.BatchID,
				BatchNumber: a.BatchNumber,
				Quantity:    a.Quantity,
				UnitPrice:   a.UnitPrice,
			})
		}
	}
	return data
}
