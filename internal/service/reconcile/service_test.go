package reconcile

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/model"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/repository"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/repository/memory"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/service/audit"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/service/correlator"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/service/invoice"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/service/ledger"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/clock"
	apperrors "github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/errors"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/logger"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/metrics"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/money"
)

type ReconcileSuite struct {
	suite.Suite
	ctx      context.Context
	store    *memory.Store
	clock    *clock.Mock
	ledger   *ledger.Service
	invoices *invoice.Service
	svc      *Service
	account  *model.Account
}

func (s *ReconcileSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = memory.NewStore()
	s.clock = clock.NewMock(time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC))
	s.svc, s.ledger, s.invoices = newServices(s.store, s.store.Accounts(), s.clock)

	s.account = s.newAccount()
}

func newServices(store *memory.Store, accounts repository.AccountRepository, clk clock.Clock) (*Service, *ledger.Service, *invoice.Service) {
	log := logger.Nop()
	m := metrics.New("test")
	auditor := audit.NewService(store.Audit(), clk)

	ledgerSvc := ledger.NewService(accounts, store.Transactions(), ledger.NewMemoryPendingQueue(), nil,
		clk, ledger.Config{}, log, m)
	invoiceSvc := invoice.NewService(accounts, store.Transactions(), store.Invoices(), auditor,
		clk, invoice.Config{}, log, m)
	svc := NewService(accounts, store.Transactions(), store.Invoices(), invoiceSvc, ledgerSvc, auditor,
		clk, Config{Grouping: correlator.DefaultOptions(), PageSize: 2, Concurrency: 2}, log, m)
	return svc, ledgerSvc, invoiceSvc
}

func (s *ReconcileSuite) newAccount() *model.Account {
	acc := &model.Account{
		ID:         uuid.New(),
		Name:       "Acme",
		Email:      uuid.NewString() + "@acme.test",
		PlanType:   model.PlanBasic,
		PlanStatus: model.PlanStatusActive,
	}
	s.Require().NoError(s.store.Accounts().Create(s.ctx, acc))
	return acc
}

func (s *ReconcileSuite) legacy(kind model.TransactionKind, amount string, subject uuid.UUID, at time.Time) *model.Transaction {
	tx := &model.Transaction{
		ID:            uuid.New(),
		AccountID:     s.account.ID,
		Kind:          kind,
		BaseCost:      money.MustParse(amount),
		Markup:        decimal.Zero,
		ChargedAmount: money.MustParse(amount),
		Metadata:      model.JSONMap{},
		SubjectID:     &subject,
		CreatedAt:     at,
	}
	s.store.PutTransaction(tx)
	return tx
}

func (s *ReconcileSuite) snapshot() map[uuid.UUID]string {
	txs, err := s.store.Transactions().ListForAccount(s.ctx, s.account.ID, model.TransactionFilter{})
	s.Require().NoError(err)
	out := make(map[uuid.UUID]string, len(txs))
	for _, tx := range txs {
		out[tx.ID] = tx.ChargedAmount.String() + "|" + tx.CreatedAt.String()
	}
	return out
}

func (s *ReconcileSuite) TestCleanAccount() {
	group := correlator.NewGroupID()
	subject := uuid.New()
	s.clock.Set(time.Date(2024, 2, 10, 10, 0, 0, 0, time.UTC))
	_, err := s.ledger.Record(s.ctx, model.RecordRequest{AccountID: s.account.ID, Kind: model.KindAnalysisBaseFee, BaseCost: "1.00", GroupID: &group, SubjectID: &subject})
	s.Require().NoError(err)
	s.clock.Advance(5 * time.Second)
	_, err = s.ledger.Record(s.ctx, model.RecordRequest{AccountID: s.account.ID, Kind: model.KindAnalysisItemFee, BaseCost: "0.20", GroupID: &group, SubjectID: &subject})
	s.Require().NoError(err)

	_, err = s.invoices.CloseOrUpdate(s.ctx, s.account.ID, 2024, 2)
	s.Require().NoError(err)

	s.clock.Set(time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC))
	report, err := s.svc.ValidateAccount(s.ctx, s.account.ID)
	s.Require().NoError(err)
	s.False(report.HasIssues())
	s.Equal(2, report.TransactionCount)
	s.Equal(1, report.WellFormedGroups)
	s.Empty(report.InvoiceMismatches)
	s.Empty(report.MissingInvoices)
}

func (s *ReconcileSuite) TestInvoiceMismatchDetectedAndFixed() {
	subject := uuid.New()
	s.legacy(model.KindOther, "4.00", subject, time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC))
	s.legacy(model.KindOther, "6.00", subject, time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC))
	s.legacy(model.KindOther, "2.50", subject, time.Date(2024, 2, 3, 0, 0, 0, 0, time.UTC))

	drifted := &model.Invoice{
		ID:               uuid.New(),
		AccountID:        s.account.ID,
		Year:             2024,
		Month:            1,
		TotalCharged:     money.MustParse("4.00"),
		TotalPaid:        decimal.Zero,
		Status:           model.InvoiceStatusOpen,
		TransactionCount: 1,
	}
	s.store.PutInvoice(drifted)
	ghost := &model.Invoice{
		ID:           uuid.New(),
		AccountID:    s.account.ID,
		Year:         2023,
		Month:        12,
		TotalCharged: money.MustParse("1.00"),
		TotalPaid:    decimal.Zero,
		Status:       model.InvoiceStatusOpen,
	}
	s.store.PutInvoice(ghost)
	before := s.snapshot()

	report, err := s.svc.ValidateAccount(s.ctx, s.account.ID)
	s.Require().NoError(err)
	s.True(report.HasIssues())
	s.Require().Len(report.InvoiceMismatches, 2)
	s.Equal(1, report.InvoiceMismatches[0].Month)
	s.True(money.MustParse("10.00").Equal(report.InvoiceMismatches[0].Actual))
	s.Equal(12, report.InvoiceMismatches[1].Month)
	s.True(report.InvoiceMismatches[1].Actual.IsZero())
	s.Require().Len(report.MissingInvoices, 1)
	s.Equal(2, report.MissingInvoices[0].Month)

	dry, err := s.svc.CorrectAccount(s.ctx, s.account.ID, false, "ops")
	s.Require().NoError(err)
	s.Nil(dry.Corrections)
	s.Len(dry.InvoiceMismatches, 2)

	fixed, err := s.svc.CorrectAccount(s.ctx, s.account.ID, true, "ops")
	s.Require().NoError(err)
	s.Require().NotNil(fixed.Corrections)
	s.Equal(3, fixed.Corrections.InvoicesRecomputed)
	s.Empty(fixed.InvoiceMismatches)
	s.Empty(fixed.MissingInvoices)
	s.False(fixed.HasIssues())

	jan, err := s.invoices.GetByPeriod(s.ctx, s.account.ID, model.NewPeriod(2024, time.January))
	s.Require().NoError(err)
	s.Equal(drifted.ID, jan.ID)
	s.True(money.MustParse("10.00").Equal(jan.TotalCharged))

	s.Equal(before, s.snapshot(), "corrections never alter transactions")

	logs, err := s.store.Audit().ListForEntity(s.ctx, model.AuditEntityInvoice, drifted.ID)
	s.Require().NoError(err)
	s.Require().Len(logs, 1)
	s.Equal(model.AuditActionInvoiceCorrect, logs[0].Action)
}

func (s *ReconcileSuite) TestRunningMonthWithoutInvoiceIsNotMissing() {
	s.legacy(model.KindOther, "1.00", uuid.New(), time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC))

	report, err := s.svc.ValidateAccount(s.ctx, s.account.ID)
	s.Require().NoError(err)
	s.Empty(report.MissingInvoices)
}

func (s *ReconcileSuite) TestLegacyRowsGroupedAndOrphansReported() {
	subject := uuid.New()
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	base := s.legacy(model.KindAnalysisBaseFee, "1.00", subject, t0)
	first := s.legacy(model.KindAnalysisItemFee, "0.10", subject, t0.Add(time.Second))
	second := s.legacy(model.KindAnalysisItemFee, "0.10", subject, t0.Add(30*time.Second))
	late := s.legacy(model.KindAnalysisItemFee, "0.10", subject, t0.Add(150*time.Second))
	before := s.snapshot()

	report, err := s.svc.ValidateAccount(s.ctx, s.account.ID)
	s.Require().NoError(err)
	s.Equal(4, report.UngroupedTransactions)
	s.Require().Len(report.OrphanedGroups, 1)
	s.True(report.OrphanedGroups[0].Inferred)
	s.Equal([]uuid.UUID{late.ID}, report.OrphanedGroups[0].ItemIDs)

	fixed, err := s.svc.CorrectAccount(s.ctx, s.account.ID, true, "migration")
	s.Require().NoError(err)
	s.Equal(4, fixed.Corrections.GroupIDsBackfilled)
	s.Zero(fixed.UngroupedTransactions)
	s.Equal(1, fixed.WellFormedGroups)
	s.Require().Len(fixed.OrphanedGroups, 1)
	s.False(fixed.OrphanedGroups[0].Inferred)
	s.Empty(fixed.BackfillConflicts)

	stored := func(id uuid.UUID) *model.Transaction {
		tx, err := s.store.Transactions().Get(s.ctx, id)
		s.Require().NoError(err)
		s.Require().NotNil(tx.AnalysisGroupID)
		return tx
	}
	group := *stored(base.ID).AnalysisGroupID
	s.Equal(group, *stored(first.ID).AnalysisGroupID)
	s.Equal(group, *stored(second.ID).AnalysisGroupID)
	s.NotEqual(group, *stored(late.ID).AnalysisGroupID)

	s.Equal(before, s.snapshot(), "amounts and timestamps are untouched")

	again, err := s.svc.CorrectAccount(s.ctx, s.account.ID, true, "migration")
	s.Require().NoError(err)
	s.Zero(again.Corrections.GroupIDsBackfilled)
}

func (s *ReconcileSuite) TestMalformedGroupReported() {
	group := uuid.New()
	subjectA, subjectB := uuid.New(), uuid.New()
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	for _, subject := range []uuid.UUID{subjectA, subjectB} {
		tx := s.legacy(model.KindAnalysisBaseFee, "1.00", subject, at)
		_, _, err := s.store.Transactions().SetGroupIDIfNull(s.ctx, tx.ID, group, nil)
		s.Require().NoError(err)
	}

	report, err := s.svc.ValidateAccount(s.ctx, s.account.ID)
	s.Require().NoError(err)
	s.Require().Len(report.MalformedGroups, 1)
	s.Equal(group, report.MalformedGroups[0].GroupID)
	s.Contains(report.MalformedGroups[0].Detail, "subjects")
}

func (s *ReconcileSuite) TestUnknownAccount() {
	_, err := s.svc.ValidateAccount(s.ctx, uuid.New())
	s.ErrorIs(err, apperrors.ErrAccountNotFound)
}

func TestReconcileSuite(t *testing.T) {
	suite.Run(t, new(ReconcileSuite))
}

type conflictingBackfiller struct{}

func (conflictingBackfiller) BackfillGroupID(ctx context.Context, txID, groupID uuid.UUID, actor string) error {
	return fmt.Errorf("%w: raced", apperrors.ErrAlreadyGrouped)
}

func TestCorrectAccount_ConflictsGoIntoReport(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	clk := clock.NewMock(time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC))
	base, _, invoices := newServices(store, store.Accounts(), clk)
	svc := NewService(store.Accounts(), store.Transactions(), store.Invoices(), invoices, conflictingBackfiller{},
		base.auditor, clk, base.config, logger.Nop(), metrics.New("test"))

	acc := &model.Account{ID: uuid.New(), Name: "A", Email: "a@a.test", PlanType: model.PlanBasic, PlanStatus: model.PlanStatusActive}
	require.NoError(t, store.Accounts().Create(ctx, acc))
	subject := uuid.New()
	store.PutTransaction(&model.Transaction{
		ID:            uuid.New(),
		AccountID:     acc.ID,
		Kind:          model.KindAnalysisBaseFee,
		ChargedAmount: money.MustParse("1.00"),
		SubjectID:     &subject,
		CreatedAt:     clk.Now(),
	})

	report, err := svc.CorrectAccount(ctx, acc.ID, true, "ops")
	require.NoError(t, err)
	require.Len(t, report.BackfillConflicts, 1)
	assert.Zero(t, report.Corrections.GroupIDsBackfilled)
	assert.True(t, report.HasIssues())
}

type flakyAccounts struct {
	repository.AccountRepository
	broken uuid.UUID
}

func (f flakyAccounts) Get(ctx context.Context, id uuid.UUID) (*model.Account, error) {
	if id == f.broken {
		return nil, apperrors.ErrStoreUnavailable
	}
	return f.AccountRepository.Get(ctx, id)
}

func TestValidateGlobal(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	clk := clock.NewMock(time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC))

	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		acc := &model.Account{ID: uuid.New(), Name: "A", Email: fmt.Sprintf("a%d@a.test", i), PlanType: model.PlanBasic, PlanStatus: model.PlanStatusActive}
		require.NoError(t, store.Accounts().Create(ctx, acc))
		ids = append(ids, acc.ID)
	}

	// One account has a closed month with no invoice.
	store.PutTransaction(&model.Transaction{
		ID:            uuid.New(),
		AccountID:     ids[1],
		Kind:          model.KindOther,
		ChargedAmount: money.MustParse("3.00"),
		CreatedAt:     time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC),
	})

	svc, _, _ := newServices(store, flakyAccounts{store.Accounts(), ids[4]}, clk)
	report, err := svc.ValidateGlobal(ctx)
	require.NoError(t, err)

	assert.Equal(t, 4, report.AccountsScanned)
	assert.Equal(t, 1, report.AccountsWithIssues)
	assert.Equal(t, 1, report.MissingInvoices)
	require.Len(t, report.Accounts, 1)
	assert.Equal(t, ids[1], report.Accounts[0].AccountID)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, ids[4], report.Failures[0].AccountID)
}
