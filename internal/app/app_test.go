package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/config"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/handler/health"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/model"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/repository/memory"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/service/gate"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/auth"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/clock"
	apperrors "github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/errors"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/logger"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/metrics"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/money"
)

const adminSecret = "test-secret"

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type APISuite struct {
	suite.Suite
	store  *memory.Store
	clock  *clock.Mock
	engine *gin.Engine
	token  string
}

func TestAPISuite(t *testing.T) {
	suite.Run(t, new(APISuite))
}

func (s *APISuite) SetupTest() {
	gin.SetMode(gin.TestMode)

	cfg, err := config.LoadConfig(s.T().TempDir())
	s.Require().NoError(err)
	cfg.Auth.AdminJWTSecret = adminSecret
	cfg.RateLimit.Enabled = false
	cfg.Ledger.Retry.InitialInterval = time.Millisecond
	cfg.Ledger.Retry.MaxInterval = time.Millisecond
	cfg.Ledger.Retry.MaxElapsed = 5 * time.Millisecond

	s.store = memory.NewStore()
	s.clock = clock.NewMock(time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC))
	repos := Repositories{
		Accounts:     s.store.Accounts(),
		Transactions: s.store.Transactions(),
		Invoices:     s.store.Invoices(),
		Outbox:       s.store.Outbox(),
		Audit:        s.store.Audit(),
	}

	log := logger.Nop()
	svcs := NewServices(cfg, repos, nil, s.clock, log, metrics.New("test"))
	r, err := NewRouter(cfg, svcs, map[string]health.Pinger{}, s.clock, log, nil)
	s.Require().NoError(err)
	s.engine = r.Engine()

	jwtSvc, err := auth.NewJWTService(adminSecret, cfg.Auth.AdminAudience)
	s.Require().NoError(err)
	s.token, err = jwtSvc.GenerateToken("ops@example.com", time.Hour)
	s.Require().NoError(err)
}

func (s *APISuite) do(method, path string, body interface{}, admin bool) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		s.Require().NoError(err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if admin {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func (s *APISuite) decode(w *httptest.ResponseRecorder, out interface{}) envelope {
	var env envelope
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	if out != nil {
		s.Require().NoError(json.Unmarshal(env.Data, out))
	}
	return env
}

func (s *APISuite) createTrialAccount() *model.Account {
	w := s.do(http.MethodPost, "/api/v1/accounts", map[string]string{
		"name":  "Acme Recruiting",
		"email": "Billing@Acme.test",
	}, false)
	s.Require().Equal(http.StatusCreated, w.Code, w.Body.String())

	var acc model.Account
	s.decode(w, &acc)
	return &acc
}

func (s *APISuite) charge(accountID uuid.UUID, kind model.TransactionKind, base string, groupID *uuid.UUID) *httptest.ResponseRecorder {
	body := map[string]interface{}{
		"kind":      kind,
		"base_cost": base,
	}
	if groupID != nil {
		body["analysis_group_id"] = groupID.String()
	}
	return s.do(http.MethodPost, fmt.Sprintf("/api/v1/accounts/%s/transactions", accountID), body, false)
}

func (s *APISuite) access(accountID uuid.UUID) model.AccessDecision {
	w := s.do(http.MethodGet, fmt.Sprintf("/api/v1/accounts/%s/access", accountID), nil, false)
	s.Require().Equal(http.StatusOK, w.Code)
	var decision model.AccessDecision
	s.decode(w, &decision)
	return decision
}

func (s *APISuite) TestCreateAccountDefaultsToTrial() {
	acc := s.createTrialAccount()

	s.Equal(model.PlanTrial, acc.PlanType)
	s.Equal("billing@acme.test", acc.Email)
	s.True(acc.TrialCreditLimit.Valid)
	s.True(money.MustParse("50.00").Equal(acc.TrialCreditLimit.Decimal))

	w := s.do(http.MethodGet, "/api/v1/accounts/"+acc.ID.String(), nil, false)
	s.Equal(http.StatusOK, w.Code)
}

func (s *APISuite) TestTrialGateFlow() {
	acc := s.createTrialAccount()

	w := s.do(http.MethodPost, "/api/v1/analysis-groups", nil, false)
	s.Require().Equal(http.StatusCreated, w.Code)
	var group struct {
		AnalysisGroupID uuid.UUID `json:"analysis_group_id"`
	}
	s.decode(w, &group)
	s.NotEqual(uuid.Nil, group.AnalysisGroupID)

	w = s.charge(acc.ID, model.KindAnalysisBaseFee, "48.00", &group.AnalysisGroupID)
	s.Require().Equal(http.StatusCreated, w.Code, w.Body.String())
	var tx model.Transaction
	s.decode(w, &tx)
	s.True(money.MustParse("48.00").Equal(tx.ChargedAmount))
	s.Equal(group.AnalysisGroupID, *tx.AnalysisGroupID)

	s.True(s.access(acc.ID).Allowed)

	w = s.charge(acc.ID, model.KindAnalysisItemFee, "3.00", &group.AnalysisGroupID)
	s.Require().Equal(http.StatusCreated, w.Code)

	decision := s.access(acc.ID)
	s.False(decision.Allowed)
	s.Equal(model.ReasonTrialLimitReached, decision.Reason)
	s.Equal(gate.MessageTrialLimitReached, decision.UserMessage)

	w = s.do(http.MethodGet, fmt.Sprintf("/api/v1/accounts/%s/usage", acc.ID), nil, false)
	s.Require().Equal(http.StatusOK, w.Code)
	var usage model.Usage
	s.decode(w, &usage)
	s.True(money.MustParse("51.00").Equal(usage.Spent))
}

func (s *APISuite) TestRecordRejectsInvalidAmount() {
	acc := s.createTrialAccount()

	for _, amount := range []string{"abc", "-1.00", "0.001"} {
		w := s.charge(acc.ID, model.KindOther, amount, nil)
		s.Equal(http.StatusBadRequest, w.Code, amount)
		env := s.decode(w, nil)
		s.Equal("error", env.Status)
		s.Contains(env.Message, "base_cost")
	}
}

func (s *APISuite) TestReusedTransactionIDIsConflict() {
	first := s.createTrialAccount()
	second := s.createTrialAccount()
	id := uuid.New()

	path := func(acc *model.Account) string {
		return fmt.Sprintf("/api/v1/accounts/%s/transactions", acc.ID)
	}
	body := map[string]interface{}{"id": id.String(), "kind": model.KindOther, "base_cost": "1.00"}

	w := s.do(http.MethodPost, path(first), body, false)
	s.Require().Equal(http.StatusCreated, w.Code, w.Body.String())
	w = s.do(http.MethodPost, path(first), body, false)
	s.Equal(http.StatusCreated, w.Code, "an identical retry is idempotent")

	body["base_cost"] = "9.00"
	w = s.do(http.MethodPost, path(second), body, false)
	s.Equal(http.StatusConflict, w.Code, w.Body.String())
	s.NotContains(w.Body.String(), first.ID.String())

	w = s.do(http.MethodGet, path(second), nil, false)
	s.Require().Equal(http.StatusOK, w.Code)
	var txs []*model.Transaction
	s.decode(w, &txs)
	s.Empty(txs)
}

func (s *APISuite) TestUnknownAccount() {
	id := uuid.New()
	s.Equal(http.StatusNotFound, s.do(http.MethodGet, "/api/v1/accounts/"+id.String(), nil, false).Code)
	s.Equal(http.StatusNotFound, s.do(http.MethodGet, "/api/v1/accounts/"+id.String()+"/access", nil, false).Code)
	s.Equal(http.StatusBadRequest, s.do(http.MethodGet, "/api/v1/accounts/not-a-uuid", nil, false).Code)
}

func (s *APISuite) TestStoreOutageIsGeneric503() {
	acc := s.createTrialAccount()

	s.store.FailWith(apperrors.ErrStoreUnavailable, -1)
	defer s.store.FailWith(nil, 0)

	w := s.do(http.MethodGet, "/api/v1/accounts/"+acc.ID.String(), nil, false)
	s.Equal(http.StatusServiceUnavailable, w.Code)
	env := s.decode(w, nil)
	s.NotContains(env.Message, "store unavailable")
}

func (s *APISuite) TestAccessFailsClosedOnOutage() {
	acc := s.createTrialAccount()

	s.store.FailWith(apperrors.ErrStoreUnavailable, -1)
	defer s.store.FailWith(nil, 0)

	decision := s.access(acc.ID)
	s.False(decision.Allowed)
	s.Equal(model.ReasonTemporarilyUnavailable, decision.Reason)
}

func (s *APISuite) TestEscalatedChargeIsAccepted() {
	acc := s.createTrialAccount()

	s.store.FailWith(apperrors.ErrStoreUnavailable, -1)
	w := s.charge(acc.ID, model.KindOther, "1.00", nil)
	s.store.FailWith(nil, 0)

	s.Require().Equal(http.StatusAccepted, w.Code, w.Body.String())
	var tx model.Transaction
	env := s.decode(w, &tx)
	s.Equal("success", env.Status)
	s.NotEqual(uuid.Nil, tx.ID)

	// The sweep replays the parked charge.
	w = s.do(http.MethodPost, "/api/v1/admin/sweep", nil, true)
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	var result model.SweepResult
	s.decode(w, &result)
	s.Equal(1, result.PendingReplayed)

	w = s.do(http.MethodGet, fmt.Sprintf("/api/v1/accounts/%s/transactions", acc.ID), nil, false)
	var txs []model.Transaction
	s.decode(w, &txs)
	s.Require().Len(txs, 1)
	s.Equal(tx.ID, txs[0].ID)
}

func (s *APISuite) TestTransactionsListAndExport() {
	acc := s.createTrialAccount()
	s.Require().Equal(http.StatusCreated, s.charge(acc.ID, model.KindOther, "1.00", nil).Code)
	s.clock.Advance(time.Second)
	s.Require().Equal(http.StatusCreated, s.charge(acc.ID, model.KindOther, "2.00", nil).Code)

	w := s.do(http.MethodGet, fmt.Sprintf("/api/v1/accounts/%s/transactions?year=2024&month=3", acc.ID), nil, false)
	s.Require().Equal(http.StatusOK, w.Code)
	var txs []model.Transaction
	s.decode(w, &txs)
	s.Len(txs, 2)

	w = s.do(http.MethodGet, fmt.Sprintf("/api/v1/accounts/%s/transactions?year=2024&month=4", acc.ID), nil, false)
	s.decode(w, &txs)
	s.Len(txs, 0)

	w = s.do(http.MethodGet, fmt.Sprintf("/api/v1/accounts/%s/transactions?year=2024", acc.ID), nil, false)
	s.Equal(http.StatusBadRequest, w.Code)

	w = s.do(http.MethodGet, fmt.Sprintf("/api/v1/accounts/%s/transactions?year=2024&month=13", acc.ID), nil, false)
	s.Equal(http.StatusBadRequest, w.Code)

	w = s.do(http.MethodGet, fmt.Sprintf("/api/v1/accounts/%s/transactions/export", acc.ID), nil, false)
	s.Require().Equal(http.StatusOK, w.Code)
	s.Equal("application/x-ndjson", w.Header().Get("Content-Type"))
	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	s.Require().Len(lines, 2)
	var first model.Transaction
	s.Require().NoError(json.Unmarshal([]byte(lines[0]), &first))
	s.True(money.MustParse("1.00").Equal(first.ChargedAmount))

	w = s.do(http.MethodGet, fmt.Sprintf("/api/v1/accounts/%s/transactions/export", uuid.New()), nil, false)
	s.Equal(http.StatusNotFound, w.Code)
}

func (s *APISuite) TestRollupAndPayment() {
	acc := s.createTrialAccount()
	s.Require().Equal(http.StatusCreated, s.charge(acc.ID, model.KindOther, "10.00", nil).Code)
	s.Require().Equal(http.StatusCreated, s.charge(acc.ID, model.KindOther, "2.50", nil).Code)

	path := fmt.Sprintf("/api/v1/accounts/%s/invoices/2024/3/rollup", acc.ID)
	w := s.do(http.MethodPost, path, nil, false)
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	var inv model.Invoice
	s.decode(w, &inv)
	s.True(money.MustParse("12.50").Equal(inv.TotalCharged))
	s.Equal(2, inv.TransactionCount)

	w = s.do(http.MethodPost, path, nil, false)
	var again model.Invoice
	s.decode(w, &again)
	s.Equal(inv.ID, again.ID)
	s.True(inv.TotalCharged.Equal(again.TotalCharged))

	s.Equal(http.StatusBadRequest, s.do(http.MethodPost,
		fmt.Sprintf("/api/v1/accounts/%s/invoices/2024/13/rollup", acc.ID), nil, false).Code)

	w = s.do(http.MethodGet, fmt.Sprintf("/api/v1/accounts/%s/invoices", acc.ID), nil, false)
	var invoices []model.Invoice
	s.decode(w, &invoices)
	s.Len(invoices, 1)

	payment := map[string]string{"amount": "12.50"}
	w = s.do(http.MethodPost, "/api/v1/invoices/"+inv.ID.String()+"/payments", payment, false)
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	var paid model.Invoice
	s.decode(w, &paid)
	s.Equal(model.InvoiceStatusPaid, paid.Status)
	s.Require().NotNil(paid.PaidAt)

	w = s.do(http.MethodPost, "/api/v1/invoices/"+inv.ID.String()+"/payments", payment, false)
	s.Equal(http.StatusConflict, w.Code)

	w = s.do(http.MethodPost, "/api/v1/invoices/"+uuid.NewString()+"/payments", payment, false)
	s.Equal(http.StatusNotFound, w.Code)

	w = s.do(http.MethodGet, "/api/v1/admin/audit/invoice/"+inv.ID.String(), nil, true)
	s.Require().Equal(http.StatusOK, w.Code)
	var logs []model.AuditLog
	s.decode(w, &logs)
	s.Require().Len(logs, 1)
	s.Equal(model.AuditActionInvoicePaid, logs[0].Action)
}

func (s *APISuite) TestAdminRequiresToken() {
	s.Equal(http.StatusUnauthorized, s.do(http.MethodGet, "/api/v1/admin/validation", nil, false).Code)
	s.Equal(http.StatusUnauthorized, s.do(http.MethodPost, "/api/v1/admin/sweep", nil, false).Code)
}

func (s *APISuite) TestValidationAndCorrection() {
	acc := s.createTrialAccount()
	s.Require().Equal(http.StatusCreated, s.charge(acc.ID, model.KindOther, "5.00", nil).Code)

	path := fmt.Sprintf("/api/v1/accounts/%s/invoices/2024/3/rollup", acc.ID)
	w := s.do(http.MethodPost, path, nil, false)
	var inv model.Invoice
	s.decode(w, &inv)

	drifted := inv
	drifted.TotalCharged = money.MustParse("99.00")
	s.store.PutInvoice(&drifted)

	w = s.do(http.MethodGet, "/api/v1/admin/validation/accounts/"+acc.ID.String(), nil, true)
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	var report model.AccountReport
	s.decode(w, &report)
	s.Require().Len(report.InvoiceMismatches, 1)
	s.True(money.MustParse("5.00").Equal(report.InvoiceMismatches[0].Actual))

	w = s.do(http.MethodGet, "/api/v1/admin/validation", nil, true)
	s.Require().Equal(http.StatusOK, w.Code)
	var global model.GlobalReport
	s.decode(w, &global)
	s.Equal(1, global.AccountsScanned)
	s.Equal(1, global.InvoiceMismatches)

	w = s.do(http.MethodPost, "/api/v1/admin/corrections", map[string]interface{}{
		"account_id": acc.ID,
		"auto_fix":   true,
	}, true)
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	s.decode(w, &report)
	s.Empty(report.InvoiceMismatches)
	s.Require().NotNil(report.Corrections)
	s.Equal(1, report.Corrections.InvoicesRecomputed)

	w = s.do(http.MethodPost, "/api/v1/admin/corrections", map[string]interface{}{}, true)
	s.Equal(http.StatusBadRequest, w.Code)
}

func (s *APISuite) TestUpdatePlan() {
	acc := s.createTrialAccount()

	w := s.do(http.MethodPut, "/api/v1/accounts/"+acc.ID.String()+"/plan", map[string]string{
		"plan_type": "professional",
	}, false)
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	var updated model.Account
	s.decode(w, &updated)
	s.Equal(model.PlanProfessional, updated.PlanType)

	w = s.do(http.MethodPut, "/api/v1/accounts/"+acc.ID.String()+"/plan", map[string]string{
		"plan_type": "gold",
	}, false)
	s.Equal(http.StatusBadRequest, w.Code)
}

func (s *APISuite) TestHealth() {
	s.Equal(http.StatusOK, s.do(http.MethodGet, "/api/v1/health/live", nil, false).Code)
	s.Equal(http.StatusOK, s.do(http.MethodGet, "/api/v1/health/ready", nil, false).Code)
}
