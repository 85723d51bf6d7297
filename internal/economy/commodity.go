package economy

import (
	"math"
	"sync"
)

const minPushMass = 1e-3

// State is the pricing record of one commodity.
type State struct {
	Mass         float64 `json:"mass"`         // Inverse elasticity, in [0, MaxMass]
	HiddenPrice  float64 `json:"hidden_price"` // Raw valuation driven by trades and noise
	ShownPrice   float64 `json:"shown_price"`  // Smoothed valuation quoted to traders
	MaxStackSize int     `json:"max_stack"`    // Size of one full batch
	FixedPrice   bool    `json:"fixed_price"`  // Exempt from all price movement
}

// NewState seeds a commodity at its starting price. Hidden and shown price
// start equal.
func NewState(mass, startingPrice float64, maxStack int, fixed bool) State {
	return State{
		Mass:         mass,
		HiddenPrice:  startingPrice,
		ShownPrice:   startingPrice,
		MaxStackSize: maxStack,
		FixedPrice:   fixed,
	}
}

// pushAmount is the hidden-price movement caused by one trade. Heavier
// commodities move less; a wide hidden/shown gap moves more.
func (s State) pushAmount() float64 {
	// Zero mass would push the hidden price to +Inf.
	mass := math.Max(s.Mass, minPushMass)
	dist := math.Abs(s.ShownPrice-s.HiddenPrice) + 1
	return math.Sqrt((1 / mass) * dist * math.Sqrt(s.ShownPrice))
}

// smooth pulls the shown price toward the hidden price by at most
// MaxPctChange of its current value.
func (s State) smooth(p Params) State {
	upper := (1 + p.MaxPctChange) * s.ShownPrice
	lower := (1 - p.MaxPctChange) * s.ShownPrice
	switch {
	case s.HiddenPrice < upper && s.HiddenPrice > lower:
		s.ShownPrice = s.HiddenPrice
	case s.HiddenPrice >= upper:
		s.ShownPrice = upper
	default:
		s.ShownPrice = lower
	}
	return s
}

// addMass grows mass by one increment, but only while mass is still below a
// single increment.
// TODO: confirm with design whether mass should keep growing up to MaxMass;
// as written a commodity stops stiffening after its first trade.
func (s State) addMass(p Params) State {
	if s.Mass < p.MassIncrement {
		s.Mass = math.Min(s.Mass+p.MassIncrement, p.MaxMass)
	}
	return s
}

// perturb injects one tick of Gaussian drift into the hidden price and then
// pulls the shown price toward it, harder the further apart they are.
func (s State) perturb(p Params, rng Sampler) State {
	s.HiddenPrice = math.Abs(s.HiddenPrice)
	massVar := Lerp(s.Mass, 0, p.MassVarMin, p.MaxMass, p.MassVarMax)
	variation := s.HiddenPrice * p.NoiseScale * massVar
	s.HiddenPrice = math.Abs(s.HiddenPrice + rng.NormFloat64()*variation)

	dist := math.Abs(s.HiddenPrice - s.ShownPrice)
	gain := LerpClamp(dist, s.HiddenPrice, s.HiddenPrice/2, p.CorrectionClampMultiplier)
	s.ShownPrice = math.Abs((1-gain)*s.ShownPrice + gain*s.HiddenPrice)
	return s
}

// bound keeps the shown price within MaxPctChange of its value before the
// transition. The correction pull in perturb can otherwise overshoot the band
// when hidden and shown prices have drifted far apart.
func (s State) bound(p Params, prev float64) State {
	upper := (1 + p.MaxPctChange) * prev
	lower := (1 - p.MaxPctChange) * prev
	s.ShownPrice = math.Min(math.Max(s.ShownPrice, lower), upper)
	return s
}

// trade applies market impact in direction sign (+1 buy, −1 sell).
func (s State) trade(p Params, sign float64, rng Sampler) State {
	if s.FixedPrice {
		return s
	}
	prev := s.ShownPrice
	s.HiddenPrice += sign * s.pushAmount()
	s = s.smooth(p)
	s = s.addMass(p)
	return s.perturb(p, rng).bound(p, prev)
}

// Buy returns the state after one purchase.
func (s State) Buy(p Params, rng Sampler) State { return s.trade(p, 1, rng) }

// Sell returns the state after one sale.
func (s State) Sell(p Params, rng Sampler) State { return s.trade(p, -1, rng) }

// Hold returns the state after one idle tick.
func (s State) Hold(p Params, rng Sampler) State {
	if s.FixedPrice {
		return s
	}
	return s.smooth(p).perturb(p, rng).bound(p, s.ShownPrice)
}

// BuyPrice quotes amount units against this state. Zero yields NaN.
func (s State) BuyPrice(p Params, amount int) (float64, error) {
	if amount == 0 {
		return math.NaN(), nil
	}
	if err := ValidateTrade(amount, s.MaxStackSize); err != nil {
		return 0, err
	}
	return p.BuyCost(s.ShownPrice, amount, s.MaxStackSize), nil
}

// SellPrice quotes amount units against this state. Zero yields NaN.
func (s State) SellPrice(p Params, amount int) (float64, error) {
	if amount == 0 {
		return math.NaN(), nil
	}
	if err := ValidateTrade(amount, s.MaxStackSize); err != nil {
		return 0, err
	}
	return p.SellCost(s.ShownPrice, amount, s.MaxStackSize), nil
}

// Commodity is a guarded handle on one commodity's State. Mutations are
// serialized; readers always see all fields from the same transition.
type Commodity struct {
	params Params

	mu    sync.RWMutex
	state State
}

// NewCommodity wraps a state under the given market params.
func NewCommodity(p Params, s State) *Commodity {
	return &Commodity{params: p, state: s}
}

// Snapshot returns a consistent copy of the state.
func (c *Commodity) Snapshot() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Buy records a purchase of amount units.
func (c *Commodity) Buy(amount int, rng Sampler) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = c.state.Buy(c.params, rng)
	return nil
}

// Sell records a sale of amount units.
func (c *Commodity) Sell(amount int, rng Sampler) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = c.state.Sell(c.params, rng)
	return nil
}

// Hold applies one idle tick of drift.
func (c *Commodity) Hold(rng Sampler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = c.state.Hold(c.params, rng)
}

// ItemBuyPrice is the cost of buying amount units at the current shown price.
// It returns NaN for zero.
func (c *Commodity) ItemBuyPrice(amount int) (float64, error) {
	return c.Snapshot().BuyPrice(c.params, amount)
}

// ItemSellPrice is the payout for selling amount units at the current shown
// price. It returns NaN for zero.
func (c *Commodity) ItemSellPrice(amount int) (float64, error) {
	return c.Snapshot().SellPrice(c.params, amount)
}

// MaxAffordable runs the affordability solver against a snapshot.
func (c *Commodity) MaxAffordable(requested int, funds float64) (Affordable, error) {
	return MaxAffordable(c.params, c.Snapshot(), requested, funds)
}

// Purchase prices amount units and calls pay with the cost. The buy
// transition is applied only when pay succeeds, and no other transition can
// run between pricing and settlement.
func (c *Commodity) Purchase(amount int, rng Sampler, pay func(cost float64) error) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ValidateTrade(amount, c.state.MaxStackSize); err != nil {
		return 0, err
	}
	cost, _ := c.state.BuyPrice(c.params, amount)
	if err := pay(cost); err != nil {
		return cost, err
	}
	c.state = c.state.Buy(c.params, rng)
	return cost, nil
}

// Liquidate is the selling counterpart of Purchase.
func (c *Commodity) Liquidate(amount int, rng Sampler, receive func(payout float64) error) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ValidateTrade(amount, c.state.MaxStackSize); err != nil {
		return 0, err
	}
	payout, _ := c.state.SellPrice(c.params, amount)
	if err := receive(payout); err != nil {
		return payout, err
	}
	c.state = c.state.Sell(c.params, rng)
	return payout, nil
}
