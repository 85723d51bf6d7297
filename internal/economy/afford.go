package economy

// Affordable is the result of the affordability solver. A Quantity of zero or
// less means not even one unit can be bought; Cost is 0 in that case.
type Affordable struct {
	Quantity   int
	Cost       float64
	Iterations int
}

// CanAfford reports whether at least one unit fits the budget.
func (a Affordable) CanAfford() bool { return a.Quantity > 0 }

// MaxAffordable binary-searches [1, requested] for the largest quantity whose
// BuyCost at the snapshot's shown price fits within funds. It relies on
// BuyCost being non-decreasing in amount.
//
// The search settles on high−1, which can land one unit below the true
// maximum when the last midpoint tried was affordable. Callers only invoke it after
// the full request was refused, and a short fill is accepted there.
func MaxAffordable(p Params, s State, requested int, funds float64) (Affordable, error) {
	if err := ValidateTrade(requested, s.MaxStackSize); err != nil {
		return Affordable{}, err
	}

	cost := func(q int) float64 {
		return p.BuyCost(s.ShownPrice, q, s.MaxStackSize)
	}

	var res Affordable
	low, high := 1, requested
	for low < high {
		res.Iterations++
		mid := (low + high) / 2
		if cost(mid) > funds {
			high = mid - 1
		} else {
			low = mid + 1
		}
	}

	res.Quantity = high - 1
	if res.Quantity > 0 {
		res.Cost = cost(res.Quantity)
	}
	return res, nil
}
