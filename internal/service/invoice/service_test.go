package invoice

import (
	"context"
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
	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/service/ledger"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/clock"
	apperrors "github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/errors"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/event"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/logger"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/metrics"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/money"
)

type InvoiceSuite struct {
	suite.Suite
	ctx     context.Context
	store   *memory.Store
	clock   *clock.Mock
	ledger  *ledger.Service
	svc     *Service
	account *model.Account
}

func (s *InvoiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = memory.NewStore()
	s.clock = clock.NewMock(time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC))
	log := logger.Nop()
	m := metrics.New("test")

	s.ledger = ledger.NewService(s.store.Accounts(), s.store.Transactions(), ledger.NewMemoryPendingQueue(), nil,
		s.clock, ledger.Config{}, log, m)
	s.svc = NewService(s.store.Accounts(), s.store.Transactions(), s.store.Invoices(),
		audit.NewService(s.store.Audit(), s.clock), s.clock, Config{DueDays: 10}, log, m)

	s.account = &model.Account{
		ID:         uuid.New(),
		Name:       "Acme",
		Email:      "billing@acme.test",
		PlanType:   model.PlanProfessional,
		PlanStatus: model.PlanStatusActive,
	}
	s.Require().NoError(s.store.Accounts().Create(s.ctx, s.account))
}

func (s *InvoiceSuite) charge(kind model.TransactionKind, amount string, subject *uuid.UUID) *model.Transaction {
	tx, err := s.ledger.Record(s.ctx, model.RecordRequest{
		AccountID: s.account.ID,
		Kind:      kind,
		BaseCost:  amount,
		SubjectID: subject,
	})
	s.Require().NoError(err)
	return tx
}

func (s *InvoiceSuite) TestCloseOrUpdate_SumsOnlyThePeriod() {
	subject := uuid.New()
	s.charge(model.KindAnalysisBaseFee, "1.00", &subject)
	s.clock.Advance(time.Second)
	s.charge(model.KindAnalysisItemFee, "0.25", &subject)
	s.charge(model.KindAnalysisItemFee, "0.25", &subject)

	s.clock.Set(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	s.charge(model.KindOther, "9.00", nil)

	inv, err := s.svc.CloseOrUpdate(s.ctx, s.account.ID, 2024, 1)
	s.Require().NoError(err)

	s.True(money.MustParse("1.50").Equal(inv.TotalCharged), inv.TotalCharged.String())
	s.Equal(3, inv.TransactionCount)
	s.Equal(1, inv.CandidatesEvaluated)
	s.Equal(2, inv.ResponsesAnalyzed)
	s.Equal(model.InvoiceStatusOpen, inv.Status)
	s.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), inv.PeriodStart)
	s.Equal(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), inv.PeriodEnd)
	s.Equal(time.Date(2024, 2, 11, 0, 0, 0, 0, time.UTC), inv.DueDate)
}

func (s *InvoiceSuite) TestCloseOrUpdate_Idempotent() {
	s.charge(model.KindAnalysisBaseFee, "2.10", nil)
	s.charge(model.KindOther, "0.35", nil)

	first, err := s.svc.CloseOrUpdate(s.ctx, s.account.ID, 2024, 1)
	s.Require().NoError(err)
	s.clock.Advance(time.Hour)
	second, err := s.svc.CloseOrUpdate(s.ctx, s.account.ID, 2024, 1)
	s.Require().NoError(err)

	s.Equal(first.ID, second.ID)
	s.Equal(first.TotalCharged.String(), second.TotalCharged.String())
	s.Equal(first.TransactionCount, second.TransactionCount)
	s.Equal(first.UpdatedAt, second.UpdatedAt)
}

func (s *InvoiceSuite) TestCloseOrUpdate_Monotonic() {
	s.charge(model.KindAnalysisBaseFee, "1.00", nil)
	first, err := s.svc.CloseOrUpdate(s.ctx, s.account.ID, 2024, 1)
	s.Require().NoError(err)

	s.charge(model.KindAnalysisBaseFee, "1.00", nil)
	second, err := s.svc.CloseOrUpdate(s.ctx, s.account.ID, 2024, 1)
	s.Require().NoError(err)

	s.True(second.TotalCharged.GreaterThanOrEqual(first.TotalCharged))
	s.True(money.MustParse("2.00").Equal(second.TotalCharged))
	s.Equal(2, second.TransactionCount)
}

func (s *InvoiceSuite) TestCloseOrUpdate_StaleSnapshotDoesNotRegress() {
	s.charge(model.KindAnalysisBaseFee, "1.00", nil)

	// A concurrent roll-up already stored a snapshot with more rows.
	ahead := &model.Invoice{
		ID:               uuid.New(),
		AccountID:        s.account.ID,
		Year:             2024,
		Month:            1,
		TotalCharged:     money.MustParse("3.00"),
		TotalPaid:        decimal.Zero,
		Status:           model.InvoiceStatusOpen,
		TransactionCount: 3,
	}
	s.store.PutInvoice(ahead)

	inv, err := s.svc.CloseOrUpdate(s.ctx, s.account.ID, 2024, 1)
	s.Require().NoError(err)
	s.True(money.MustParse("3.00").Equal(inv.TotalCharged))
	s.Equal(3, inv.TransactionCount)

	fixed, applied, err := s.svc.Recompute(s.ctx, s.account.ID, model.NewPeriod(2024, time.January))
	s.Require().NoError(err)
	s.True(applied)
	s.True(money.MustParse("1.00").Equal(fixed.TotalCharged))
	s.Equal(ahead.ID, fixed.ID)
}

// racingTransactions runs onSnapshot once, right after a roll-up has read
// its snapshot and before it writes.
type racingTransactions struct {
	repository.TransactionRepository
	onSnapshot func()
}

func (r *racingTransactions) ListForAccount(ctx context.Context, accountID uuid.UUID, filter model.TransactionFilter) ([]*model.Transaction, error) {
	txs, err := r.TransactionRepository.ListForAccount(ctx, accountID, filter)
	if hook := r.onSnapshot; hook != nil {
		r.onSnapshot = nil
		hook()
	}
	return txs, err
}

func (s *InvoiceSuite) TestRecompute_DoesNotOverwriteNewerRollup() {
	s.charge(model.KindAnalysisBaseFee, "5.00", nil)
	_, err := s.svc.CloseOrUpdate(s.ctx, s.account.ID, 2024, 1)
	s.Require().NoError(err)

	racing := &racingTransactions{TransactionRepository: s.store.Transactions()}
	corrector := NewService(s.store.Accounts(), racing, s.store.Invoices(),
		audit.NewService(s.store.Audit(), s.clock), s.clock, Config{DueDays: 10}, logger.Nop(), metrics.New("test"))
	racing.onSnapshot = func() {
		s.charge(model.KindOther, "7.00", nil)
		inv, err := s.svc.CloseOrUpdate(s.ctx, s.account.ID, 2024, 1)
		s.Require().NoError(err)
		s.True(money.MustParse("12.00").Equal(inv.TotalCharged))
	}

	inv, applied, err := corrector.Recompute(s.ctx, s.account.ID, model.NewPeriod(2024, time.January))
	s.Require().NoError(err)
	s.False(applied)
	s.True(money.MustParse("12.00").Equal(inv.TotalCharged), "got %s", inv.TotalCharged)
	s.Equal(2, inv.TransactionCount)
}

func (s *InvoiceSuite) TestCloseOrUpdate_KeepsPaymentState() {
	s.charge(model.KindAnalysisBaseFee, "5.00", nil)
	inv, err := s.svc.CloseOrUpdate(s.ctx, s.account.ID, 2024, 1)
	s.Require().NoError(err)

	paidAt := time.Date(2024, 2, 5, 0, 0, 0, 0, time.UTC)
	_, err = s.svc.MarkPaid(s.ctx, inv.ID, paidAt, money.MustParse("5.00"), "finance")
	s.Require().NoError(err)

	// A late charge lands in January after payment.
	s.store.PutTransaction(&model.Transaction{
		ID:            uuid.New(),
		AccountID:     s.account.ID,
		Kind:          model.KindOther,
		BaseCost:      money.MustParse("1.00"),
		Markup:        decimal.Zero,
		ChargedAmount: money.MustParse("1.00"),
		CreatedAt:     time.Date(2024, 1, 31, 23, 59, 0, 0, time.UTC),
	})

	updated, err := s.svc.CloseOrUpdate(s.ctx, s.account.ID, 2024, 1)
	s.Require().NoError(err)
	s.Equal(model.InvoiceStatusPaid, updated.Status)
	s.Require().NotNil(updated.PaidAt)
	s.Equal(paidAt, *updated.PaidAt)
	s.True(money.MustParse("5.00").Equal(updated.TotalPaid))
	s.True(money.MustParse("6.00").Equal(updated.TotalCharged))
}

func (s *InvoiceSuite) TestCloseOrUpdate_Errors() {
	_, err := s.svc.CloseOrUpdate(s.ctx, uuid.New(), 2024, 1)
	s.ErrorIs(err, apperrors.ErrAccountNotFound)

	_, err = s.svc.CloseOrUpdate(s.ctx, s.account.ID, 2024, 13)
	var appErr *apperrors.AppError
	s.Require().ErrorAs(err, &appErr)
	s.Equal(apperrors.ErrBadRequest, appErr.Code)
}

func (s *InvoiceSuite) TestMarkPaid_Transitions() {
	s.charge(model.KindAnalysisBaseFee, "5.00", nil)
	inv, err := s.svc.CloseOrUpdate(s.ctx, s.account.ID, 2024, 1)
	s.Require().NoError(err)

	paid, err := s.svc.MarkPaid(s.ctx, inv.ID, s.clock.Now(), money.MustParse("5.00"), "finance")
	s.Require().NoError(err)
	s.Equal(model.InvoiceStatusPaid, paid.Status)

	_, err = s.svc.MarkPaid(s.ctx, inv.ID, s.clock.Now(), money.MustParse("5.00"), "finance")
	s.ErrorIs(err, apperrors.ErrInvalidTransition)

	logs, err := s.store.Audit().ListForEntity(s.ctx, model.AuditEntityInvoice, inv.ID)
	s.Require().NoError(err)
	s.Require().Len(logs, 1)
	s.Equal(model.AuditActionInvoicePaid, logs[0].Action)
	s.Equal("finance", logs[0].Actor)

	_, err = s.svc.MarkPaid(s.ctx, uuid.New(), s.clock.Now(), money.MustParse("1.00"), "finance")
	s.ErrorIs(err, apperrors.ErrInvoiceNotFound)

	_, err = s.svc.MarkPaid(s.ctx, inv.ID, s.clock.Now(), decimal.NewFromInt(-1), "finance")
	s.ErrorIs(err, apperrors.ErrInvalidAmount)
}

func (s *InvoiceSuite) TestMarkOverdue() {
	s.charge(model.KindAnalysisBaseFee, "5.00", nil)
	inv, err := s.svc.CloseOrUpdate(s.ctx, s.account.ID, 2024, 1)
	s.Require().NoError(err)

	none, err := s.svc.MarkOverdue(s.ctx, s.account.ID, time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC))
	s.Require().NoError(err)
	s.Empty(none)

	overdue, err := s.svc.MarkOverdue(s.ctx, s.account.ID, time.Date(2024, 2, 12, 0, 0, 0, 0, time.UTC))
	s.Require().NoError(err)
	s.Require().Len(overdue, 1)
	s.Equal(inv.ID, overdue[0].ID)
	s.Equal(model.InvoiceStatusOverdue, overdue[0].Status)

	_, err = s.svc.MarkPaid(s.ctx, inv.ID, s.clock.Now(), money.MustParse("5.00"), "finance")
	s.ErrorIs(err, apperrors.ErrInvalidTransition)
}

func (s *InvoiceSuite) TestEmitsOutboxEvents() {
	s.charge(model.KindAnalysisBaseFee, "5.00", nil)
	inv, err := s.svc.CloseOrUpdate(s.ctx, s.account.ID, 2024, 1)
	s.Require().NoError(err)
	_, err = s.svc.CloseOrUpdate(s.ctx, s.account.ID, 2024, 1)
	s.Require().NoError(err)
	_, err = s.svc.MarkPaid(s.ctx, inv.ID, s.clock.Now(), money.MustParse("5.00"), "finance")
	s.Require().NoError(err)

	events, err := s.store.Outbox().GetPendingEvents(s.ctx, 100)
	s.Require().NoError(err)

	counts := map[string]int{}
	for _, e := range events {
		counts[e.EventType]++
	}
	s.Equal(1, counts[string(event.TransactionRecorded)])
	s.Equal(1, counts[string(event.InvoiceUpdated)], "an unchanged re-roll-up emits nothing")
	s.Equal(1, counts[string(event.InvoicePaid)])
}

func TestInvoiceSuite(t *testing.T) {
	suite.Run(t, new(InvoiceSuite))
}

func TestListForAccount_NewestFirst(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	clk := clock.NewMock(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	svc := NewService(store.Accounts(), store.Transactions(), store.Invoices(),
		audit.NewService(store.Audit(), clk), clk, Config{}, logger.Nop(), metrics.New("test"))

	acc := &model.Account{ID: uuid.New(), Name: "A", Email: "a@a.test", PlanType: model.PlanBasic, PlanStatus: model.PlanStatusActive}
	require.NoError(t, store.Accounts().Create(ctx, acc))

	for _, month := range []int{1, 3, 2} {
		_, err := svc.CloseOrUpdate(ctx, acc.ID, 2024, month)
		require.NoError(t, err)
	}

	invoices, err := svc.ListForAccount(ctx, acc.ID)
	require.NoError(t, err)
	require.Len(t, invoices, 3)
	assert.Equal(t, []int{3, 2, 1}, []int{invoices[0].Month, invoices[1].Month, invoices[2].Month})
	assert.True(t, invoices[0].TotalCharged.IsZero())
}
