package service

import (
	"context"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/medflow/medflow-pharmacy/internal/pharmacy/repository"
	"github.com/medflow/medflow-pharmacy/pkg/actor"
	"github.com/medflow/medflow-pharmacy/pkg/database"
	"github.com/medflow/medflow-pharmacy/pkg/errors"
	"github.com/medflow/medflow-pharmacy/pkg/logger"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/sha3"
)

// ValidateDelta checks the sign of a quantity change against its entry type
func ValidateDelta(txType string, delta int) error {
	switch txType {
	case repository.TransactionIssue:
		if delta < 0 {
			return nil
		}
	case repository.TransactionReturn, repository.TransactionAddition:
		if delta > 0 {
			return nil
		}
	case repository.TransactionAdjustment:
		if delta != 0 {
			return nil
		}
	default:
		return errors.Validation(map[string]string{"type": "must be one of: issue, return, adjustment, addition"})
	}
	return errors.InvalidDelta(txType, delta)
}

func isTransactionType(t string) bool {
	switch t {
	case repository.TransactionIssue, repository.TransactionReturn,
		repository.TransactionAdjustment, repository.TransactionAddition:
		return true
	}
	return false
}

// RecordEntry is the input of Ledger.Record
type RecordEntry struct {
	Type            string
	ProductID       string
	BatchID         string
	Delta           int
	UnitPrice       decimal.Decimal
	IssuedTo        *string
	ReferenceNumber *string
	ReasonCode      *string
	Notes           *string
	// IssuedBy overrides the actor id recorded on the entry
	IssuedBy *string
}

// History is one page of a product's ledger with stats over the whole filter
type History struct {
	Entries []*repository.Transaction    `json:"entries"`
	Total   int64                        `json:"total"`
	Stats   *repository.TransactionStats `json:"stats"`
}

// Discrepancy is a batch whose ledger does not explain its stored quantity
type Discrepancy struct {
	BatchID          string `json:"batch_id"`
	ProductID        string `json:"product_id"`
	BatchNumber      string `json:"batch_number"`
	StoredQuantity   int    `json:"stored_quantity"`
	ReplayedQuantity int    `json:"replayed_quantity"`
	BrokenEntryID    string `json:"broken_entry_id,omitempty"`
	Reason           string `json:"reason"`
}

// VerifyReport is the result of checking every batch of a tenant
type VerifyReport struct {
	BatchesChecked int           `json:"batches_checked"`
	EntriesChecked int           `json:"entries_checked"`
	Discrepancies  []Discrepancy `json:"discrepancies"`
}

// OK reports whether no discrepancy was found
func (r *VerifyReport) OK() bool {
	return len(r.Discrepancies) == 0
}

// Ledger appends stock movements and reads them back
type Ledger struct {
	db        *database.DB
	txRepo    *repository.TransactionRepository
	batchRepo *repository.BatchRepository
	logger    *logger.Logger
	now       func() time.Time
}

// NewLedger creates a new ledger
func NewLedger(db *database.DB, txRepo *repository.TransactionRepository, batchRepo *repository.BatchRepository, log *logger.Logger) *Ledger {
	return &Ledger{
		db:        db,
		txRepo:    txRepo,
		batchRepo: batchRepo,
		logger:    log.WithComponent("ledger"),
		now:       time.Now,
	}
}

// Record validates and appends one entry, chained to the previous entry of
// the same batch. Callers mutate the batch first, so the row lock taken by
// that update orders concurrent writers of the chain.
func (l *Ledger) Record(ctx context.Context, e RecordEntry) (*repository.Transaction, error) {
	if err := ValidateDelta(e.Type, e.Delta); err != nil {
		return nil, err
	}

	a := actor.FromContextOrSystem(ctx)
	issuedBy := a.ID
	if e.IssuedBy != nil && *e.IssuedBy != "" {
		issuedBy = *e.IssuedBy
	}
	name := a.DisplayName()
	role := a.RoleName

	abs := e.Delta
	if abs < 0 {
		abs = -abs
	}
	unitPrice := e.UnitPrice.Round(2)

	t := &repository.Transaction{
		ID:              uuid.New().String(),
		Type:            e.Type,
		ProductID:       e.ProductID,
		QuantityDelta:   e.Delta,
		UnitPrice:       unitPrice,
		TotalPrice:      unitPrice.Mul(decimal.NewFromInt(int64(abs))),
		IssuedTo:        e.IssuedTo,
		IssuedBy:        &issuedBy,
		IssuedByName:    &name,
		IssuedByRole:    nonEmpty(role),
		ReferenceNumber: e.ReferenceNumber,
		ReasonCode:      e.ReasonCode,
		Notes:           e.Notes,
		CreatedAt:       l.now().UTC().Truncate(time.Microsecond),
	}
	if e.BatchID != "" {
		batchID := e.BatchID
		t.BatchID = &batchID
	}

	err := l.db.WithTenant(ctx, func(ctx context.Context) error {
		t.PrevHash = nil
		if t.BatchID != nil {
			prev, err := l.txRepo.LastHash(ctx, *t.BatchID)
			if err != nil {
				return err
			}
			t.PrevHash = prev
		}
		t.EntryHash = EntryHash(t)
		return l.txRepo.Insert(ctx, t)
	})
	if err != nil {
		return nil, err
	}

	l.logger.Debug().
		Str("entry_id", t.ID).
		Str("type", t.Type).
		Str("product_id", t.ProductID).
		Int("delta", t.QuantityDelta).
		Msg("ledger entry recorded")
	return t, nil
}

// EntryHash is the SHA3-256 digest of an entry's immutable fields and the
// hash of its predecessor.
func EntryHash(t *repository.Transaction) string {
	batchID := ""
	if t.BatchID != nil {
		batchID = *t.BatchID
	}
	fields := []string{
		t.ID,
		t.Type,
		t.ProductID,
		batchID,
		strconv.Itoa(t.QuantityDelta),
		t.UnitPrice.StringFixed(2),
		t.TotalPrice.StringFixed(2),
		deref(t.ReferenceNumber),
		deref(t.ReasonCode),
		t.CreatedAt.UTC().Truncate(time.Microsecond).Format(time.RFC3339Nano),
		deref(t.PrevHash),
	}
	sum := sha3.Sum256([]byte(strings.Join(fields, "|")))
	return hex.EncodeToString(sum[:])
}

// Replay sums the deltas of a batch's entries starting from zero
func Replay(entries []*repository.Transaction) int {
	total := 0
	for _, e := range entries {
		total += e.QuantityDelta
	}
	return total
}

// verifyChain returns the first entry whose hash or back link is wrong
func verifyChain(entries []*repository.Transaction) (string, bool) {
	var prev *string
	for _, e := range entries {
		if deref(e.PrevHash) != deref(prev) || EntryHash(e) != strings.TrimSpace(e.EntryHash) {
			return e.ID, false
		}
		h := strings.TrimSpace(e.EntryHash)
		prev = &h
	}
	return "", true
}

// VerifyBatch replays one batch and checks its hash chain. It returns nil
// when the batch is consistent.
func (l *Ledger) VerifyBatch(ctx context.Context, b *repository.Batch) (*Discrepancy, int, error) {
	entries, err := l.txRepo.ListByBatch(ctx, b.ID)
	if err != nil {
		return nil, 0, err
	}

	replayed := Replay(entries)
	d := &Discrepancy{
		BatchID:          b.ID,
		ProductID:        b.ProductID,
		BatchNumber:      b.BatchNumber,
		StoredQuantity:   b.Quantity,
		ReplayedQuantity: replayed,
	}
	if brokenAt, ok := verifyChain(entries); !ok {
		d.BrokenEntryID = brokenAt
		d.Reason = "hash chain broken"
		return d, len(entries), nil
	}
	if replayed != b.Quantity {
		d.Reason = "replayed quantity differs from stored quantity"
		return d, len(entries), nil
	}
	return nil, len(entries), nil
}

// VerifyAll checks every batch of the tenant in ctx
func (l *Ledger) VerifyAll(ctx context.Context) (*VerifyReport, error) {
	batches, err := l.batchRepo.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	report := &VerifyReport{Discrepancies: []Discrepancy{}}
	for _, b := range batches {
		d, n, err := l.VerifyBatch(ctx, b)
		if err != nil {
			return nil, err
		}
		report.BatchesChecked++
		report.EntriesChecked += n
		if d != nil {
			l.logger.Warn().
				Str("batch_id", d.BatchID).
				Int("stored", d.StoredQuantity).
				Int("replayed", d.ReplayedQuantity).
				Str("reason", d.Reason).
				Msg("ledger discrepancy")
			report.Discrepancies = append(report.Discrepancies, *d)
		}
	}
	return report, nil
}

// HistoryForProduct returns one page of a product's entries, newest first
func (l *Ledger) HistoryForProduct(ctx context.Context, productID string, filter repository.TransactionFilter, page, perPage int) (*History, error) {
	if filter.Type != nil && !isTransactionType(*filter.Type) {
		return nil, errors.Validation(map[string]string{"type": "must be one of: issue, return, adjustment, addition"})
	}
	if filter.From != nil && filter.To != nil && filter.To.Before(*filter.From) {
		return nil, errors.InvalidDateRange("to must not be before from")
	}

	entries, total, err := l.txRepo.ListByProduct(ctx, productID, filter, page, perPage)
	if err != nil {
		return nil, err
	}
	stats, err := l.txRepo.StatsByProduct(ctx, productID, filter)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []*repository.Transaction{}
	}
	return &History{Entries: entries, Total: total, Stats: stats}, nil
}

// EntriesForReference lists all entries written under one reference number
func (l *Ledger) EntriesForReference(ctx context.Context, reference string) ([]*repository.Transaction, error) {
	entries, err := l.txRepo.ListByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, errors.NotFound("reference")
	}
	return entries, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
