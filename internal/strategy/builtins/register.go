package builtins

import (
	"github.com/shopspring/decimal"

	"quantfolio/internal/strategy"
)

// Register adds every built-in module to r with its default parameters.
func Register(r *strategy.Registry) {
	r.Register("sma_cross", func() strategy.Module { return NewSMACross(10, 30) })
	r.Register("risk_limits", func() strategy.Module {
		return NewRiskLimits(decimal.NewFromInt(1), decimal.NewFromInt(1))
	})
	r.Register("fixed_fraction", func() strategy.Module { return NewFixedFraction(decimal.NewFromInt(1)) })
}
