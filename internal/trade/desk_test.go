package trade

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/costco-market/internal/catalog"
	"github.com/talgya/costco-market/internal/economy"
	"github.com/talgya/costco-market/internal/market"
	"github.com/talgya/costco-market/internal/observability"
	"github.com/talgya/costco-market/internal/wallet"
)

type fixture struct {
	desk     *Desk
	registry *market.Registry
	ledger   *wallet.Ledger
	metrics  *observability.Metrics
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	cat := catalog.Default()
	cat.FixedPrices = map[string]float64{"NETHER_STAR": 250}

	r, err := market.NewRegistry(economy.DefaultParams(), cat, 5)
	require.NoError(t, err)
	l := wallet.NewLedger(500)
	m := observability.NewMetrics("test", prometheus.NewRegistry())
	return fixture{
		desk:     NewDesk(r, l, economy.ZeroSampler{}, m),
		registry: r,
		ledger:   l,
		metrics:  m,
	}
}

var stone = market.Item("STONE")

func solves(t *testing.T, m *observability.Metrics) uint64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, m.SolverIterations.Write(&out))
	return out.GetHistogram().GetSampleCount()
}

func TestDesk_Quote(t *testing.T) {
	f := newFixture(t)

	q, err := f.desk.Quote(stone, 1)
	require.NoError(t, err)
	assert.Equal(t, "10.90", q.Buy.StringFixed(2))
	assert.Equal(t, "9.14", q.Sell.StringFixed(2))
	assert.Equal(t, 10.0, q.ShownPrice)
	assert.False(t, q.Fixed)

	_, err = f.desk.Quote(stone, 0)
	assert.ErrorIs(t, err, economy.ErrInvalidAmount)
}

func TestDesk_QuoteDoesNotMovePrice(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		_, err := f.desk.Quote(stone, 64)
		require.NoError(t, err)
	}
	e, ok := f.registry.Lookup(stone)
	require.True(t, ok)
	assert.Equal(t, 10.0, e.Snapshot().HiddenPrice)
}

func TestDesk_Buy(t *testing.T) {
	f := newFixture(t)
	p := uuid.New()

	r, err := f.desk.Buy(p, stone, 3, false)
	require.NoError(t, err)
	assert.Equal(t, SideBuy, r.Side)
	assert.Equal(t, 3, r.Amount)
	assert.Equal(t, "31.38", r.Total.StringFixed(2))
	assert.Equal(t, "468.62", r.Balance.StringFixed(2))

	e, _ := f.registry.Lookup(stone)
	assert.Greater(t, e.Snapshot().HiddenPrice, 10.0)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Buys.WithLabelValues("STONE")))
}

func TestDesk_BuyWithoutMaxDeclines(t *testing.T) {
	f := newFixture(t)
	p := uuid.New()

	_, err := f.desk.Buy(p, stone, 64, false)
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, "500.00", f.ledger.Balance(p).StringFixed(2))

	e, _ := f.registry.Lookup(stone)
	assert.Equal(t, 10.0, e.Snapshot().HiddenPrice, "declined trade must not move price")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DeclinedBuys.WithLabelValues("insufficient_funds")))
}

func TestDesk_BuyMaxFallsBackToSolver(t *testing.T) {
	f := newFixture(t)
	p := uuid.New()

	r, err := f.desk.Buy(p, stone, 64, true)
	require.NoError(t, err)
	assert.Equal(t, 64, r.Requested)
	assert.Equal(t, 48, r.Amount)
	assert.Equal(t, "492.18", r.Total.StringFixed(2))
	assert.Equal(t, "7.82", r.Balance.StringFixed(2))
	assert.Equal(t, uint64(1), solves(t, f.metrics))

	// A single item now costs more than what is left.
	_, err = f.desk.Buy(p, stone, 64, true)
	require.ErrorIs(t, err, ErrCannotAfford)

	var cae *CannotAffordError
	require.True(t, errors.As(err, &cae))
	assert.True(t, cae.UnitPrice.GreaterThan(cae.Funds))
	assert.Equal(t, "7.82", cae.Funds.StringFixed(2))
	assert.Contains(t, err.Error(), "₿7.82")
	assert.Equal(t, "7.82", f.ledger.Balance(p).StringFixed(2))
}

func TestDesk_BuyMaxSkipsSolverWhenAffordable(t *testing.T) {
	f := newFixture(t)

	r, err := f.desk.Buy(uuid.New(), stone, 2, true)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Amount)
	assert.Zero(t, solves(t, f.metrics))
}

func TestDesk_Sell(t *testing.T) {
	f := newFixture(t)
	p := uuid.New()

	r, err := f.desk.Sell(p, stone, 3)
	require.NoError(t, err)
	assert.Equal(t, SideSell, r.Side)
	assert.Equal(t, "28.66", r.Total.StringFixed(2))
	assert.Equal(t, "528.66", r.Balance.StringFixed(2))

	e, _ := f.registry.Lookup(stone)
	assert.Less(t, e.Snapshot().HiddenPrice, 10.0)
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.UnitsTraded.WithLabelValues("sell")))
}

func TestDesk_FixedPriceNeverMoves(t *testing.T) {
	f := newFixture(t)
	star := market.Item("NETHER_STAR")
	p := uuid.New()

	_, err := f.desk.Sell(p, star, 1)
	require.NoError(t, err)
	r, err := f.desk.Buy(p, star, 1, false)
	require.NoError(t, err)

	assert.Equal(t, 250.0, r.ShownPrice)
	q, err := f.desk.Quote(star, 1)
	require.NoError(t, err)
	assert.True(t, q.Fixed)
	assert.Equal(t, wallet.Round(economy.DefaultParams().BuyCost(250, 1, 64)).StringFixed(2), q.Buy.StringFixed(2))
}

func TestDesk_RejectsInvalidInput(t *testing.T) {
	f := newFixture(t)
	p := uuid.New()

	_, err := f.desk.Buy(p, stone, 0, true)
	assert.ErrorIs(t, err, economy.ErrInvalidAmount)
	_, err = f.desk.Sell(p, stone, -1)
	assert.ErrorIs(t, err, economy.ErrInvalidAmount)
	_, err = f.desk.Buy(p, market.Identity{}, 1, false)
	assert.ErrorIs(t, err, market.ErrInvalidIdentity)
}

func TestDesk_ConcurrentBuysConserveMoney(t *testing.T) {
	f := newFixture(t)

	const players = 20
	ids := make([]uuid.UUID, players)
	var wg sync.WaitGroup
	for i := range ids {
		ids[i] = uuid.New()
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := f.desk.Buy(ids[i], stone, 1, false)
			if assert.NoError(t, err) {
				assert.True(t, r.Balance.Add(r.Total).Equal(wallet.Round(500)))
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, float64(players), testutil.ToFloat64(f.metrics.Buys.WithLabelValues("STONE")))
	assert.Equal(t, 1, f.registry.Len())
}

func TestDesk_Pay(t *testing.T) {
	f := newFixture(t)
	a, b := uuid.New(), uuid.New()

	tr, err := f.desk.Pay(a, b, wallet.Round(120.5))
	require.NoError(t, err)
	assert.Equal(t, "379.50", tr.FromBalance.StringFixed(2))
	assert.Equal(t, "620.50", tr.ToBalance.StringFixed(2))

	_, err = f.desk.Pay(a, b, wallet.Round(380))
	assert.ErrorIs(t, err, wallet.ErrInsufficientFunds)
	assert.Equal(t, "379.50", f.ledger.Balance(a).StringFixed(2))

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Payments.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Payments.WithLabelValues("refused")))
}

func TestDesk_SetBalance(t *testing.T) {
	f := newFixture(t)
	p := uuid.New()

	bal, err := f.desk.SetBalance(p, wallet.Round(1e6))
	require.NoError(t, err)
	assert.Equal(t, "1000000.00", bal.StringFixed(2))

	// A topped-up wallet can afford what it could not before.
	r, err := f.desk.Buy(p, stone, 64, false)
	require.NoError(t, err)
	assert.Equal(t, 64, r.Amount)
}
