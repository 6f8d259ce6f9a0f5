// Package reconcile audits the ledger against its aggregates and repairs
// drift. It never creates or deletes transactions.
package reconcile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/model"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/repository"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/service/audit"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/service/correlator"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/clock"
	apperrors "github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/errors"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/logger"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/metrics"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/money"
)

const (
	DefaultPageSize    = 100
	DefaultConcurrency = 4
)

// Roller recomputes one invoice from the ledger, ignoring the stale guard.
type Roller interface {
	Recompute(ctx context.Context, accountID uuid.UUID, period model.Period) (*model.Invoice, bool, error)
}

// Backfiller writes a group id onto an ungrouped transaction.
type Backfiller interface {
	BackfillGroupID(ctx context.Context, txID, groupID uuid.UUID, actor string) error
}

type Config struct {
	Grouping    correlator.Options
	PageSize    int
	Concurrency int
}

type Service struct {
	accounts     repository.AccountRepository
	transactions repository.TransactionRepository
	invoices     repository.InvoiceRepository
	roller       Roller
	backfiller   Backfiller
	auditor      *audit.Service
	clock        clock.Clock
	config       Config
	logger       *logger.Logger
	metrics      *metrics.Metrics
}

func NewService(
	accounts repository.AccountRepository,
	transactions repository.TransactionRepository,
	invoices repository.InvoiceRepository,
	roller Roller,
	backfiller Backfiller,
	auditor *audit.Service,
	clk clock.Clock,
	config Config,
	log *logger.Logger,
	m *metrics.Metrics,
) *Service {
	if config.PageSize <= 0 {
		config.PageSize = DefaultPageSize
	}
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultConcurrency
	}
	return &Service{
		accounts:     accounts,
		transactions: transactions,
		invoices:     invoices,
		roller:       roller,
		backfiller:   backfiller,
		auditor:      auditor,
		clock:        clk,
		config:       config,
		logger:       log,
		metrics:      m,
	}
}

// ValidateAccount compares every invoice with the live ledger sum for its
// month and reports the health of the account's analysis groups. Nothing
// is written.
func (s *Service) ValidateAccount(ctx context.Context, accountID uuid.UUID) (*model.AccountReport, error) {
	report, _, err := s.validate(ctx, accountID)
	if err != nil {
		return nil, err
	}
	s.metrics.InvoiceMismatches.Add(float64(len(report.InvoiceMismatches) + len(report.MissingInvoices)))
	s.metrics.OrphanedGroupsDetected.Add(float64(len(report.OrphanedGroups)))
	return report, nil
}

type periodTotals struct {
	sum   decimal.Decimal
	count int
}

func (s *Service) validate(ctx context.Context, accountID uuid.UUID) (*model.AccountReport, correlator.Plan, error) {
	if _, err := s.accounts.Get(ctx, accountID); err != nil {
		return nil, correlator.Plan{}, err
	}

	now := s.clock.Now()
	report := model.NewAccountReport(accountID, now)

	// Only analysis charges take part in grouping, so those are the only
	// rows kept in memory.
	totals := make(map[model.Period]*periodTotals)
	var analysis []*model.Transaction
	err := s.transactions.Stream(ctx, accountID, model.TransactionFilter{}, func(tx *model.Transaction) error {
		report.TransactionCount++
		p := model.PeriodOf(tx.CreatedAt)
		t, ok := totals[p]
		if !ok {
			t = &periodTotals{sum: decimal.Zero}
			totals[p] = t
		}
		t.sum = t.sum.Add(tx.ChargedAmount)
		t.count++

		if tx.Kind == model.KindAnalysisBaseFee || tx.Kind == model.KindAnalysisItemFee {
			analysis = append(analysis, tx)
			if !tx.IsGrouped() {
				report.UngroupedTransactions++
			}
		}
		return nil
	})
	if err != nil {
		return nil, correlator.Plan{}, fmt.Errorf("failed to read ledger: %w", err)
	}

	if err := s.checkInvoices(ctx, report, totals, now); err != nil {
		return nil, correlator.Plan{}, err
	}

	s.checkGroups(report, analysis)

	plan := correlator.Recover(analysis, s.config.Grouping)
	for _, a := range plan.Anomalies() {
		switch a.Health {
		case model.GroupOrphanedItems:
			report.OrphanedGroups = append(report.OrphanedGroups, a)
		case model.GroupBaseOnly:
			report.BaseOnlyGroups = append(report.BaseOnlyGroups, a)
		}
	}

	return report, plan, nil
}

func (s *Service) checkInvoices(ctx context.Context, report *model.AccountReport, totals map[model.Period]*periodTotals, now time.Time) error {
	invoices, err := s.invoices.ListForAccount(ctx, report.AccountID)
	if err != nil {
		return fmt.Errorf("failed to list invoices: %w", err)
	}

	stored := make(map[model.Period]*model.Invoice, len(invoices))
	for _, inv := range invoices {
		stored[inv.Period()] = inv
	}

	periods := make([]model.Period, 0, len(totals))
	for p := range totals {
		periods = append(periods, p)
	}
	sort.Slice(periods, func(i, j int) bool { return periods[i].Before(periods[j]) })

	for _, p := range periods {
		actual := totals[p].sum
		inv, ok := stored[p]
		if !ok {
			// The running month has no invoice until someone rolls it up.
			if !p.End().After(now) {
				report.MissingInvoices = append(report.MissingInvoices, model.InvoiceMismatch{
					Year:    p.Year,
					Month:   int(p.Month),
					Stored:  decimal.Zero,
					Actual:  actual,
					Missing: true,
				})
			}
			continue
		}
		if !inv.TotalCharged.Equal(actual) {
			report.InvoiceMismatches = append(report.InvoiceMismatches, mismatch(inv, actual))
		}
	}

	// Invoices for months with no transactions must be zero.
	for i := len(invoices) - 1; i >= 0; i-- {
		inv := invoices[i]
		if _, ok := totals[inv.Period()]; ok || inv.TotalCharged.IsZero() {
			continue
		}
		report.InvoiceMismatches = append(report.InvoiceMismatches, mismatch(inv, decimal.Zero))
	}
	return nil
}

func mismatch(inv *model.Invoice, actual decimal.Decimal) model.InvoiceMismatch {
	id := inv.ID
	return model.InvoiceMismatch{
		InvoiceID: &id,
		Year:      inv.Year,
		Month:     inv.Month,
		Stored:    inv.TotalCharged,
		Actual:    actual,
	}
}

func (s *Service) checkGroups(report *model.AccountReport, analysis []*model.Transaction) {
	groups := correlator.GroupByID(analysis)
	ids := make([]uuid.UUID, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })

	for _, id := range ids {
		members := groups[id]
		health, detail := correlator.Classify(members, s.config.Grouping)
		if health == model.GroupWellFormed {
			report.WellFormedGroups++
			continue
		}
		anomaly := correlator.Describe(id, members, health, detail)
		switch health {
		case model.GroupOrphanedItems:
			report.OrphanedGroups = append(report.OrphanedGroups, anomaly)
		case model.GroupBaseOnly:
			report.BaseOnlyGroups = append(report.BaseOnlyGroups, anomaly)
		default:
			report.MalformedGroups = append(report.MalformedGroups, anomaly)
		}
	}
}

// CorrectAccount validates the account and, with autoFix, recomputes every
// drifted or missing invoice and writes the inferred group ids onto
// ungrouped rows. Orphaned items are grouped and reported, never charged.
// The report returned describes the account after the corrections.
func (s *Service) CorrectAccount(ctx context.Context, accountID uuid.UUID, autoFix bool, actor string) (*model.AccountReport, error) {
	before, plan, err := s.validate(ctx, accountID)
	if err != nil {
		return nil, err
	}
	s.metrics.InvoiceMismatches.Add(float64(len(before.InvoiceMismatches) + len(before.MissingInvoices)))
	s.metrics.OrphanedGroupsDetected.Add(float64(len(before.OrphanedGroups)))
	if !autoFix {
		return before, nil
	}

	corrections := &model.Corrections{}
	var conflicts []model.BackfillConflict

	for _, assignment := range plan.Assignments {
		err := s.backfiller.BackfillGroupID(ctx, assignment.TransactionID, assignment.GroupID, actor)
		switch {
		case err == nil:
			corrections.GroupIDsBackfilled++
		case errors.Is(err, apperrors.ErrAlreadyGrouped):
			conflicts = append(conflicts, model.BackfillConflict{
				TransactionID: assignment.TransactionID,
				WantedGroupID: assignment.GroupID,
				Error:         err.Error(),
			})
		default:
			return nil, fmt.Errorf("failed to backfill transaction %s: %w", assignment.TransactionID, err)
		}
	}

	drifted := append(append([]model.InvoiceMismatch{}, before.InvoiceMismatches...), before.MissingInvoices...)
	for _, m := range drifted {
		period := model.NewPeriod(m.Year, time.Month(m.Month))
		inv, applied, err := s.roller.Recompute(ctx, accountID, period)
		if err != nil {
			return nil, fmt.Errorf("failed to recompute invoice %s: %w", period, err)
		}
		if !applied {
			continue
		}
		corrections.InvoicesRecomputed++
		s.auditCorrection(ctx, accountID, inv, m, actor)
	}

	after, _, err := s.validate(ctx, accountID)
	if err != nil {
		return nil, err
	}
	after.Corrections = corrections
	after.BackfillConflicts = conflicts

	s.logger.Info("Account corrected",
		"account_id", accountID.String(),
		"invoices_recomputed", corrections.InvoicesRecomputed,
		"group_ids_backfilled", corrections.GroupIDsBackfilled,
		"backfill_conflicts", len(conflicts))
	return after, nil
}

func (s *Service) auditCorrection(ctx context.Context, accountID uuid.UUID, inv *model.Invoice, m model.InvoiceMismatch, actor string) {
	entry, err := s.auditor.Entry(accountID, actor, model.AuditActionInvoiceCorrect, model.AuditEntityInvoice, inv.ID, map[string]audit.Change{
		"total_charged": {Old: money.Format(m.Stored), New: money.Format(inv.TotalCharged)},
	})
	if err == nil {
		err = s.auditor.Record(ctx, entry)
	}
	if err != nil {
		s.logger.Error(err, "Failed to audit invoice correction",
			"invoice_id", inv.ID.String(),
			"account_id", accountID.String())
	}
}

// ValidateGlobal validates every account page by page, a bounded number at
// a time. A failing account is recorded in the report and does not stop
// the scan.
func (s *Service) ValidateGlobal(ctx context.Context) (*model.GlobalReport, error) {
	global := &model.GlobalReport{
		StartedAt: s.clock.Now(),
		Accounts:  []*model.AccountReport{},
		Failures:  []model.AccountFailure{},
	}

	var mu sync.Mutex
	after := uuid.Nil
	for {
		ids, err := s.accounts.ListIDs(ctx, after, s.config.PageSize)
		if err != nil {
			return nil, fmt.Errorf("failed to list accounts: %w", err)
		}
		if len(ids) == 0 {
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.config.Concurrency)
		for _, id := range ids {
			id := id
			g.Go(func() error {
				report, err := s.ValidateAccount(gctx, id)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					s.logger.Error(err, "Account validation failed", "account_id", id.String())
					global.Failures = append(global.Failures, model.AccountFailure{AccountID: id, Error: err.Error()})
					return nil
				}
				global.Add(report)
				return nil
			})
		}
		_ = g.Wait()

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(ids) < s.config.PageSize {
			break
		}
		after = ids[len(ids)-1]
	}

	sort.Slice(global.Accounts, func(i, j int) bool {
		return bytes.Compare(global.Accounts[i].AccountID[:], global.Accounts[j].AccountID[:]) < 0
	})
	global.FinishedAt = s.clock.Now()
	return global, nil
}
