package usage

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/model"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/repository/memory"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/service/ledger"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/clock"
	apperrors "github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/errors"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/logger"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/metrics"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/money"
)

func newAccount(t *testing.T, store *memory.Store, plan model.PlanType, limit string) *model.Account {
	t.Helper()
	acc := &model.Account{
		ID:         uuid.New(),
		Name:       "Acme",
		Email:      fmt.Sprintf("%s@acme.test", uuid.NewString()),
		PlanType:   plan,
		PlanStatus: model.PlanStatusActive,
	}
	if limit != "" {
		acc.TrialCreditLimit = decimal.NewNullDecimal(money.MustParse(limit))
	}
	require.NoError(t, store.Accounts().Create(context.Background(), acc))
	return acc
}

func TestCompute_TrialAccount(t *testing.T) {
	acc := &model.Account{ID: uuid.New(), PlanType: model.PlanTrial}
	acc.TrialCreditLimit = decimal.NewNullDecimal(money.MustParse("50.00"))

	u := Compute(acc, money.MustParse("12.50"))

	require.NotNil(t, u.Limit)
	assert.False(t, u.Unbounded)
	assert.True(t, money.MustParse("37.50").Equal(*u.Remaining))
	assert.Equal(t, 25.0, *u.PercentUsed)
}

func TestCompute_RemainingFloorsAtZero(t *testing.T) {
	acc := &model.Account{ID: uuid.New(), PlanType: model.PlanTrial}
	acc.TrialCreditLimit = decimal.NewNullDecimal(money.MustParse("50.00"))

	u := Compute(acc, money.MustParse("51.00"))

	assert.True(t, u.Remaining.IsZero())
	assert.Equal(t, 102.0, *u.PercentUsed)
}

func TestCompute_PayPerUseIsUnbounded(t *testing.T) {
	acc := &model.Account{ID: uuid.New(), PlanType: model.PlanProfessional}

	u := Compute(acc, money.MustParse("999.99"))

	assert.True(t, u.Unbounded)
	assert.Nil(t, u.Limit)
	assert.Nil(t, u.Remaining)
	assert.Nil(t, u.PercentUsed, "percentage is not applicable, not zero")
}

func TestUsage_UnknownAccount(t *testing.T) {
	store := memory.NewStore()
	svc := NewService(store.Accounts(), store.Transactions(), NewMemoryCache(time.Minute), logger.Nop())

	_, err := svc.Usage(context.Background(), uuid.New())
	assert.ErrorIs(t, err, apperrors.ErrAccountNotFound)
}

// Spent must equal the exact sum of recorded charges no matter how reads
// and writes interleave with the cache.
func TestUsage_SpentMatchesLedger(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	acc := newAccount(t, store, model.PlanBasic, "")

	svc := NewService(store.Accounts(), store.Transactions(), NewMemoryCache(time.Hour), logger.Nop())
	clk := clock.NewMock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	led := ledger.NewService(store.Accounts(), store.Transactions(), ledger.NewMemoryPendingQueue(), svc,
		clk, ledger.Config{}, logger.Nop(), metrics.New("test"))

	rng := rand.New(rand.NewSource(42))
	expected := decimal.Zero
	for i := 0; i < 200; i++ {
		base := decimal.New(rng.Int63n(10000), -2)
		markup := decimal.New(rng.Int63n(500), -2)

		tx, err := led.Record(ctx, model.RecordRequest{
			AccountID: acc.ID,
			Kind:      model.KindAnalysisItemFee,
			BaseCost:  base.StringFixed(2),
			Markup:    markup.StringFixed(2),
		})
		require.NoError(t, err)
		expected = expected.Add(tx.ChargedAmount)
		clk.Advance(time.Minute)

		if rng.Intn(3) == 0 {
			u, err := svc.Usage(ctx, acc.ID)
			require.NoError(t, err)
			require.True(t, expected.Equal(u.Spent), "after %d writes: want %s got %s", i+1, expected, u.Spent)
		}
	}

	u, err := svc.Usage(ctx, acc.ID)
	require.NoError(t, err)
	assert.True(t, expected.Equal(u.Spent))

	fresh, err := svc.Fresh(ctx, acc.ID)
	require.NoError(t, err)
	assert.True(t, expected.Equal(fresh.Spent))
}

func TestUsage_CacheErrorsFallBackToLedger(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	acc := newAccount(t, store, model.PlanTrial, "50.00")

	svc := NewService(store.Accounts(), store.Transactions(), brokenCache{}, logger.Nop())

	u, err := svc.Usage(ctx, acc.ID)
	require.NoError(t, err)
	assert.True(t, u.Spent.IsZero())
	assert.True(t, money.MustParse("50.00").Equal(*u.Remaining))
}

type brokenCache struct{}

func (brokenCache) Get(context.Context, uuid.UUID) (decimal.Decimal, bool, error) {
	return decimal.Zero, false, fmt.Errorf("cache down")
}
func (brokenCache) Set(context.Context, uuid.UUID, decimal.Decimal) error {
	return fmt.Errorf("cache down")
}
func (brokenCache) Delete(context.Context, uuid.UUID) error { return fmt.Errorf("cache down") }

func TestMemoryCache(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(time.Minute)
	id := uuid.New()

	_, ok, err := c.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, id, money.MustParse("4.20")))
	v, ok, err := c.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, money.MustParse("4.20").Equal(v))

	require.NoError(t, c.Delete(ctx, id))
	_, ok, _ = c.Get(ctx, id)
	assert.False(t, ok)
}
