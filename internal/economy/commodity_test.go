package economy

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestState_BuyPushesHiddenPriceUp(t *testing.T) {
	p := DefaultParams()
	s := NewState(5, 10, 64, false)

	next := s.Buy(p, ZeroSampler{})

	// push = sqrt(1/5 * 1 * sqrt(10))
	push := math.Sqrt(0.2 * math.Sqrt(10))
	assert.InDelta(t, 10+push, next.HiddenPrice, 1e-9)
	assert.InDelta(t, 10.5, next.ShownPrice, 1e-9, "shown price capped at +5%")
	assert.Equal(t, 5.0, next.Mass, "mass at one increment no longer grows")
}

func TestState_SellPushesHiddenPriceDown(t *testing.T) {
	p := DefaultParams()
	s := NewState(5, 10, 64, false)

	next := s.Sell(p, ZeroSampler{})

	push := math.Sqrt(0.2 * math.Sqrt(10))
	assert.InDelta(t, 10-push, next.HiddenPrice, 1e-9)
	assert.InDelta(t, 9.5, next.ShownPrice, 1e-9, "shown price capped at -5%")
}

func TestState_SmallMoveIsAdoptedDirectly(t *testing.T) {
	p := DefaultParams()
	s := State{Mass: 10000, HiddenPrice: 10.2, ShownPrice: 10, MaxStackSize: 64}

	next := s.Hold(p, ZeroSampler{})

	assert.InDelta(t, 10.2, next.ShownPrice, 1e-12)
	assert.InDelta(t, 10.2, next.HiddenPrice, 1e-12)
}

func TestState_AddMassOnlyBelowOneIncrement(t *testing.T) {
	p := DefaultParams()

	tests := []struct {
		start float64
		want  float64
	}{
		{0, 5},
		{2, 7},
		{4.99, 9.99},
		{5, 5},
		{500, 500},
	}
	for _, tt := range tests {
		s := NewState(tt.start, 10, 64, false)
		assert.InDelta(t, tt.want, s.Buy(p, ZeroSampler{}).Mass, 1e-12, "start mass %g", tt.start)
		assert.InDelta(t, tt.want, s.Sell(p, ZeroSampler{}).Mass, 1e-12, "start mass %g", tt.start)
	}
}

func TestState_AddMassCappedAtMaxMass(t *testing.T) {
	p := DefaultParams()
	p.MaxMass = 3
	s := NewState(1, 10, 64, false)

	assert.Equal(t, 3.0, s.Buy(p, ZeroSampler{}).Mass)
}

func TestState_ZeroMassStaysFinite(t *testing.T) {
	p := DefaultParams()
	s := NewState(0, 10, 64, false)

	next := s.Buy(p, ZeroSampler{})
	assert.False(t, math.IsInf(next.HiddenPrice, 0))
	assert.False(t, math.IsNaN(next.ShownPrice))
}

func TestState_PerturbUsesSampler(t *testing.T) {
	p := DefaultParams()
	s := State{Mass: 0, HiddenPrice: 10, ShownPrice: 10, MaxStackSize: 64}

	// variation = 10 * 1/50 * 1 = 0.2 at zero mass
	next := s.Hold(p, NewSequenceSampler(1))
	assert.InDelta(t, 10.2, next.HiddenPrice, 1e-12)

	next = s.Hold(p, NewSequenceSampler(-2))
	assert.InDelta(t, 9.6, next.HiddenPrice, 1e-12)
}

func TestState_HiddenPriceReflectedAtZero(t *testing.T) {
	p := DefaultParams()
	p.NoiseScale = 1
	s := State{Mass: 0, HiddenPrice: 1, ShownPrice: 1, MaxStackSize: 64}

	// 1 + (-3 * 1) = -2, reflected to 2.
	next := s.Hold(p, NewSequenceSampler(-3))
	assert.InDelta(t, 2.0, next.HiddenPrice, 1e-12)
	assert.GreaterOrEqual(t, next.ShownPrice, 0.0)
}

func TestState_FixedPriceNeverMoves(t *testing.T) {
	p := DefaultParams()
	s := NewState(5, 42, 64, true)
	rng := NewSequenceSampler(3, -3, 1.5, -0.5)

	for i := 0; i < 50; i++ {
		s = s.Buy(p, rng)
		s = s.Sell(p, rng)
		s = s.Hold(p, rng)
	}

	assert.Equal(t, NewState(5, 42, 64, true), s)
}

func TestState_ZeroNoiseHoldConverges(t *testing.T) {
	p := DefaultParams()

	for _, start := range []State{
		{Mass: 5, HiddenPrice: 20, ShownPrice: 10, MaxStackSize: 64},
		{Mass: 5, HiddenPrice: 3, ShownPrice: 10, MaxStackSize: 64},
		{Mass: 5, HiddenPrice: 100, ShownPrice: 1, MaxStackSize: 64},
	} {
		s := start
		dist := math.Abs(s.HiddenPrice - s.ShownPrice)
		for i := 0; i < 500; i++ {
			s = s.Hold(p, ZeroSampler{})
			next := math.Abs(s.HiddenPrice - s.ShownPrice)
			require.LessOrEqual(t, next, dist+1e-12, "distance grew at step %d", i)
			dist = next
		}
		assert.InDelta(t, start.HiddenPrice, s.ShownPrice, 1e-9)
		assert.Equal(t, start.HiddenPrice, s.HiddenPrice)
	}
}

func TestCommodity_ZeroAmountQuotesAreNaN(t *testing.T) {
	for _, fixed := range []bool{false, true} {
		c := NewCommodity(DefaultParams(), NewState(5, 10, 64, fixed))

		buy, err := c.ItemBuyPrice(0)
		require.NoError(t, err)
		assert.True(t, math.IsNaN(buy))

		sell, err := c.ItemSellPrice(0)
		require.NoError(t, err)
		assert.True(t, math.IsNaN(sell))
	}
}

func TestCommodity_Quotes(t *testing.T) {
	c := NewCommodity(DefaultParams(), NewState(5, 10, 64, false))

	buy, err := c.ItemBuyPrice(1)
	require.NoError(t, err)
	assert.InDelta(t, 10.896, buy, 1e-9)

	sell, err := c.ItemSellPrice(1)
	require.NoError(t, err)
	assert.InDelta(t, 9.136, sell, 1e-9)

	_, err = c.ItemBuyPrice(-1)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = c.ItemSellPrice(-1)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestCommodity_RejectsNonPositiveTrades(t *testing.T) {
	start := NewState(5, 10, 64, false)
	c := NewCommodity(DefaultParams(), start)

	assert.ErrorIs(t, c.Buy(0, ZeroSampler{}), ErrInvalidAmount)
	assert.ErrorIs(t, c.Sell(-4, ZeroSampler{}), ErrInvalidAmount)
	assert.Equal(t, start, c.Snapshot())
}

func TestCommodity_ConcurrentBuysAreSerialized(t *testing.T) {
	p := DefaultParams()
	start := NewState(5, 10, 64, false)
	c := NewCommodity(p, start)

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Buy(1, ZeroSampler{}))
		}()
	}
	wg.Wait()

	want := start
	for i := 0; i < n; i++ {
		want = want.Buy(p, ZeroSampler{})
	}
	assert.Equal(t, want, c.Snapshot())
}

func TestCommodity_PurchaseAppliesOnlyAfterPayment(t *testing.T) {
	p := DefaultParams()
	c := NewCommodity(p, NewState(5, 10, 64, false))
	declined := errors.New("declined")

	cost, err := c.Purchase(1, ZeroSampler{}, func(float64) error { return declined })
	require.ErrorIs(t, err, declined)
	assert.InDelta(t, 10.896, cost, 1e-9)
	assert.Equal(t, 10.0, c.Snapshot().HiddenPrice, "declined purchase must not move price")

	var charged float64
	cost, err = c.Purchase(1, ZeroSampler{}, func(v float64) error { charged = v; return nil })
	require.NoError(t, err)
	assert.Equal(t, cost, charged)
	assert.Greater(t, c.Snapshot().HiddenPrice, 10.0)
}

func TestCommodity_LiquidateRejectsBadAmounts(t *testing.T) {
	c := NewCommodity(DefaultParams(), NewState(5, 10, 64, false))
	called := false
	_, err := c.Liquidate(0, ZeroSampler{}, func(float64) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrInvalidAmount)
	assert.False(t, called)

	payout, err := c.Liquidate(64, ZeroSampler{}, func(float64) error { return nil })
	require.NoError(t, err)
	assert.InDelta(t, 624.016, payout, 1e-6)
	assert.Less(t, c.Snapshot().HiddenPrice, 10.0)
}

func drawState(t *rapid.T, p Params) State {
	return State{
		Mass:         rapid.Float64Range(0, p.MaxMass).Draw(t, "mass"),
		HiddenPrice:  rapid.Float64Range(0, 1e4).Draw(t, "hidden"),
		ShownPrice:   rapid.Float64Range(0.01, 1e4).Draw(t, "shown"),
		MaxStackSize: rapid.IntRange(1, 64).Draw(t, "maxStack"),
	}
}

func withinStep(p Params, before, after float64) bool {
	return math.Abs(after-before) <= p.MaxPctChange*before*(1+1e-12)
}

func TestProperty_TransitionsBoundShownPriceStep(t *testing.T) {
	p := DefaultParams()
	rapid.Check(t, func(t *rapid.T) {
		s := drawState(t, p)
		rng := NewSequenceSampler(rapid.Float64Range(-6, 6).Draw(t, "z"))

		for name, next := range map[string]State{
			"hold": s.Hold(p, rng),
			"buy":  s.Buy(p, rng),
			"sell": s.Sell(p, rng),
		} {
			if !withinStep(p, s.ShownPrice, next.ShownPrice) {
				t.Fatalf("%s moved shown price %g -> %g", name, s.ShownPrice, next.ShownPrice)
			}
			if next.HiddenPrice < 0 {
				t.Fatalf("%s left hidden price negative: %g", name, next.HiddenPrice)
			}
		}
	})
}

func TestProperty_MassStaysInBounds(t *testing.T) {
	p := DefaultParams()
	rapid.Check(t, func(t *rapid.T) {
		p.MaxMass = rapid.Float64Range(1, 10000).Draw(t, "maxMass")
		s := drawState(t, p)
		rng := NewSequenceSampler(rapid.SliceOfN(rapid.Float64Range(-4, 4), 1, 16).Draw(t, "z")...)

		ops := rapid.SliceOfN(rapid.IntRange(0, 2), 1, 64).Draw(t, "ops")
		for _, op := range ops {
			switch op {
			case 0:
				s = s.Buy(p, rng)
			case 1:
				s = s.Sell(p, rng)
			default:
				s = s.Hold(p, rng)
			}
			if s.Mass < 0 || s.Mass > p.MaxMass {
				t.Fatalf("mass %g outside [0, %g]", s.Mass, p.MaxMass)
			}
		}
	})
}
