package engine

import (
	"github.com/shopspring/decimal"

	"github.com/quantfold/deltadesk/internal/exchange"
)

// RoundToTick rounds price to the nearest tick multiple using banker's
// rounding (round half to even), so prices sitting exactly between two ticks
// do not drift systematically in one direction. Computed in decimal space to
// keep exact grid values exact.
func RoundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	ratio := decimal.NewFromFloat(price).Div(decimal.NewFromFloat(tick))
	snapped := ratio.RoundBank(0).Mul(decimal.NewFromFloat(tick))
	return snapped.InexactFloat64()
}

// SnapDown floors v to the grid of step multiples.
func SnapDown(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	ratio := decimal.NewFromFloat(v).Div(decimal.NewFromFloat(step))
	snapped := ratio.Floor().Mul(decimal.NewFromFloat(step))
	return snapped.InexactFloat64()
}

// LimitPrice computes the order price for a quote: the bid/ask midpoint
// rounded to the tick grid, falling back to the rounded mark price when
// either side of the book is empty.
func LimitPrice(q *exchange.Quote, tick float64) float64 {
	if q.HasLiquidity() {
		return RoundToTick(q.Mid(), tick)
	}
	return RoundToTick(q.MarkPrice, tick)
}

// QuantityType says how a signal's size is denominated.
type QuantityType string

const (
	// QuantityCash sizes the order as a quote-currency notional.
	QuantityCash QuantityType = "cash"
	// QuantityContracts sizes the order directly in contracts.
	QuantityContracts QuantityType = "contracts"
)

// ContractAmount converts a signal size into a contract amount on the
// instrument's lot grid.
//
// Cash sizes are a quote-currency notional: one contract costs
// price × contractSize × indexPrice (the option trades in base-currency
// terms; the index converts to notional). The result is snapped down to the
// minTrade grid and never goes below one lot.
func ContractAmount(size float64, qty QuantityType, price, indexPrice, contractSize, minTrade float64) float64 {
	var contracts float64
	switch qty {
	case QuantityCash:
		basis := price * contractSize * indexPrice
		if basis <= 0 {
			return 0
		}
		contracts = size / basis
	default:
		contracts = size
	}

	snapped := SnapDown(contracts, minTrade)
	if snapped < minTrade {
		snapped = minTrade
	}
	return snapped
}
