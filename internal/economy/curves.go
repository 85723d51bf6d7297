package economy

// Lerp linearly interpolates x between (x0, y0) and (x1, y1).
// x0 and x1 must differ.
func Lerp(x, x0, y0, x1, y1 float64) float64 {
	return y0 + (y1-y0)*(x-x0)/(x1-x0)
}

// LerpClamp maps x onto [0, multiplier]: 0 at or below lowerBound, multiplier
// at or above upperBound, linear in between. The upper bound is checked after
// the lower one, so an inverted range yields 0 for x <= lowerBound.
func LerpClamp(x, upperBound, lowerBound, multiplier float64) float64 {
	if x <= lowerBound {
		return 0
	}
	if x >= upperBound {
		return multiplier
	}
	diff := upperBound - lowerBound
	return multiplier*x/diff - lowerBound*multiplier/diff
}

// Smoothstep is the cubic Hermite step 3x² − 2x³, clamped to [0, 1].
func Smoothstep(x float64) float64 {
	if x <= 0 {
		return 0
	}
	if x >= 1 {
		return 1
	}
	return 3*x*x - 2*x*x*x
}

// ValidateTrade rejects quantities the cost curves cannot price.
func ValidateTrade(amount, maxStack int) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if maxStack < 1 {
		return ErrInvalidStack
	}
	return nil
}

// BuyCost is the total paid for amount units at ideal price. Small lots carry
// a hyperbolic surcharge that vanishes toward a full stack.
// amount must be at least 1; see ValidateTrade.
func (p Params) BuyCost(idealPrice float64, amount, maxStack int) float64 {
	hyperbola := p.SurchargeEpsilon * float64(maxStack) / float64(amount)
	priceOffset := p.SurchargeEpsilon * idealPrice
	unitPrice := p.BuyMultiplier()*idealPrice*(1+hyperbola) - priceOffset
	return unitPrice * float64(amount)
}

// SellCost is the total received for amount units at ideal price. It mirrors
// BuyCost with the surcharge sign flipped.
// amount must be at least 1; see ValidateTrade.
func (p Params) SellCost(idealPrice float64, amount, maxStack int) float64 {
	hyperbola := -p.SurchargeEpsilon * float64(maxStack) / float64(amount)
	priceOffset := p.SurchargeEpsilon * idealPrice
	unitPrice := p.SellMultiplier()*idealPrice*(1+hyperbola) + priceOffset
	return unitPrice * float64(amount)
}
