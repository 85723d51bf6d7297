// Package economy provides the dynamic commodity pricing engine: cost curves,
// per-commodity price state, idle drift, and the affordability solver.
package economy

import (
	"errors"
	"fmt"
)

// Errors returned for caller input the engine refuses to compute on.
var (
	// ErrInvalidAmount is returned when a trade quantity is not positive.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidStack is returned when a stack size is below one.
	ErrInvalidStack = errors.New("invalid stack size")

	// ErrInvalidParams is returned by Params.Validate.
	ErrInvalidParams = errors.New("invalid market params")
)

// Params are the process-wide market constants. They are immutable once the
// market is running.
type Params struct {
	MassIncrement             float64 // Mass added per trade while mass is low
	MaxMass                   float64 // Upper bound on mass
	MaxPctChange              float64 // Max fractional shown-price move per transition
	NoiseScale                float64 // Fraction of hidden price used as drift std-dev
	MassVarMin                float64 // Drift multiplier at zero mass
	MassVarMax                float64 // Drift multiplier at MaxMass
	PriceSpread               float64 // Buy/sell spread around the ideal price
	SurchargeEpsilon          float64 // Small-lot surcharge curvature
	CorrectionClampMultiplier float64 // Max pull of shown price toward hidden price
}

// DefaultParams returns the tuned defaults. With these, one item of a
// 64-stack at ideal price 10 buys for ~10.90 and sells for ~9.14, while a full
// stack trades within 2.5% of the ideal price either way.
func DefaultParams() Params {
	return Params{
		MassIncrement:             5,
		MaxMass:                   10000,
		MaxPctChange:              0.05,
		NoiseScale:                1.0 / 50.0,
		MassVarMin:                1,
		MassVarMax:                0.005,
		PriceSpread:               0.05,
		SurchargeEpsilon:          0.001,
		CorrectionClampMultiplier: 0.5,
	}
}

// BuyMultiplier is the markup applied to the ideal price when buying.
func (p Params) BuyMultiplier() float64 { return 1 + p.PriceSpread/2 }

// SellMultiplier is the markdown applied to the ideal price when selling.
func (p Params) SellMultiplier() float64 { return 1 - p.PriceSpread/2 }

// Validate reports the first constant that would break a state invariant.
func (p Params) Validate() error {
	switch {
	case p.MaxMass <= 0:
		return fmt.Errorf("%w: max mass %g must be positive", ErrInvalidParams, p.MaxMass)
	case p.MassIncrement < 0:
		return fmt.Errorf("%w: mass increment %g is negative", ErrInvalidParams, p.MassIncrement)
	case p.MaxPctChange < 0 || p.MaxPctChange >= 1:
		return fmt.Errorf("%w: max pct change %g outside [0,1)", ErrInvalidParams, p.MaxPctChange)
	case p.NoiseScale < 0:
		return fmt.Errorf("%w: noise scale %g is negative", ErrInvalidParams, p.NoiseScale)
	case p.MassVarMin < 0 || p.MassVarMax < 0:
		return fmt.Errorf("%w: mass variance bounds must be non-negative", ErrInvalidParams)
	case p.PriceSpread < 0 || p.PriceSpread >= 2:
		return fmt.Errorf("%w: price spread %g outside [0,2)", ErrInvalidParams, p.PriceSpread)
	case p.SurchargeEpsilon < 0 || p.SurchargeEpsilon >= 1:
		// Costs stop increasing with amount once epsilon reaches the buy multiplier.
		return fmt.Errorf("%w: surcharge epsilon %g outside [0,1)", ErrInvalidParams, p.SurchargeEpsilon)
	case p.CorrectionClampMultiplier < 0 || p.CorrectionClampMultiplier > 1:
		return fmt.Errorf("%w: correction clamp %g outside [0,1]", ErrInvalidParams, p.CorrectionClampMultiplier)
	}
	return nil
}
