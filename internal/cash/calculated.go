package cash

import (
	"github.com/shopspring/decimal"

	"quantfolio/internal/domain"
)

// Holding is a position valued at its latest price.
type Holding struct {
	Security domain.Security
	Quantity decimal.Decimal
	Price    decimal.Decimal
}

// Holdings exposes the positions held by an account. Passing BaseAccount
// returns the holdings of the whole brokerage account.
type Holdings interface {
	Holdings(account string) []Holding
}

// AccountModel supplies the broker-specific parts of a funds snapshot.
type AccountModel interface {
	Leverage() decimal.Decimal
	DayTradingOrdersLeft(account string) int
}

// CalculatedFunds is an immutable snapshot of an account's cash and
// position values, denominated in Currency.
type CalculatedFunds struct {
	Account              string
	Currency             domain.Currency
	TotalSettledCash     decimal.Decimal
	TotalUnsettledCash   decimal.Decimal
	TotalCash            decimal.Decimal
	NetPositionValue     decimal.Decimal
	GrossPositionValue   decimal.Decimal
	NetLiquidationValue  decimal.Decimal
	Leverage             decimal.Decimal
	BuyingPower          decimal.Decimal
	DayTradingOrdersLeft int
}

func newCalculatedFunds(account string, currency domain.Currency, positions map[domain.Currency]*CashPosition,
	holdings []Holding, conv Converter, model AccountModel) CalculatedFunds {
	cf := CalculatedFunds{
		Account:  account,
		Currency: currency,
		Leverage: decimal.NewFromInt(1),
	}
	if model != nil {
		cf.Leverage = model.Leverage()
		cf.DayTradingOrdersLeft = model.DayTradingOrdersLeft(account)
	}

	for c, p := range positions {
		cf.TotalSettledCash = cf.TotalSettledCash.Add(conv.Convert(p.TotalSettledCash(), c, currency))
		cf.TotalUnsettledCash = cf.TotalUnsettledCash.Add(conv.Convert(p.TotalUnsettledCash(), c, currency))
	}
	cf.TotalCash = cf.TotalSettledCash.Add(cf.TotalUnsettledCash)

	for _, h := range holdings {
		v := conv.Convert(h.Quantity.Mul(h.Price), h.Security.Currency, currency)
		cf.NetPositionValue = cf.NetPositionValue.Add(v)
		cf.GrossPositionValue = cf.GrossPositionValue.Add(v.Abs())
	}
	cf.NetLiquidationValue = cf.TotalCash.Add(cf.NetPositionValue)

	// Buying power is settled cash levered up, less what open positions
	// already consume beyond their unlevered share.
	bp := cf.TotalSettledCash.Mul(cf.Leverage)
	if cf.Leverage.GreaterThan(decimal.NewFromInt(1)) {
		bp = cf.NetLiquidationValue.Mul(cf.Leverage).Sub(cf.GrossPositionValue)
	}
	if bp.IsNegative() {
		bp = decimal.Zero
	}
	cf.BuyingPower = bp
	return cf
}

// ConvertCurrency returns a copy of cf denominated in to.
func (cf CalculatedFunds) ConvertCurrency(to domain.Currency, conv Converter) CalculatedFunds {
	if to == cf.Currency {
		return cf
	}
	rate := conv.Rate(cf.Currency, to)
	out := cf
	out.Currency = to
	out.TotalSettledCash = cf.TotalSettledCash.Mul(rate)
	out.TotalUnsettledCash = cf.TotalUnsettledCash.Mul(rate)
	out.TotalCash = cf.TotalCash.Mul(rate)
	out.NetPositionValue = cf.NetPositionValue.Mul(rate)
	out.GrossPositionValue = cf.GrossPositionValue.Mul(rate)
	out.NetLiquidationValue = cf.NetLiquidationValue.Mul(rate)
	out.BuyingPower = cf.BuyingPower.Mul(rate)
	return out
}
