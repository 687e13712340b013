// Package exchange defines the capability contract the engine requires from an
// options exchange, the typed entities crossing that boundary, and the mock and
// live implementations of it.
package exchange

import (
	"fmt"
	"time"
)

// KindOption is the only instrument class the engine trades.
const KindOption = "option"

// OptionType represents the type of option contract.
type OptionType string

const (
	// OptionTypeCall represents a call option contract.
	OptionTypeCall OptionType = "call"
	// OptionTypePut represents a put option contract.
	OptionTypePut OptionType = "put"
)

// Side is the direction of an order.
type Side string

const (
	// SideBuy opens or extends a long exposure.
	SideBuy Side = "buy"
	// SideSell opens or extends a short exposure.
	SideSell Side = "sell"
)

// OrderTypeLimit is the only order type the engine places.
const OrderTypeLimit = "limit"

// Order status values reported by the gateway.
const (
	OrderStatusOpen      = "open"
	OrderStatusFilled    = "filled"
	OrderStatusCancelled = "cancelled"
	OrderStatusRejected  = "rejected"
)

// Instrument is an immutable snapshot of a tradable contract.
type Instrument struct {
	Name           string
	BaseCurrency   string
	QuoteCurrency  string
	Kind           string
	OptionType     OptionType
	Strike         float64
	Expiration     time.Time
	MinTradeAmount float64
	ContractSize   float64
	TickSize       float64
	IsActive       bool
}

// Quote is a transient market snapshot for one instrument. It is used for
// selection and pricing decisions and never persisted.
type Quote struct {
	InstrumentName string
	MarkPrice      float64
	BestBid        float64
	BestAsk        float64
	IndexPrice     float64
	Greeks         Greeks
	Timestamp      time.Time
}

// Greeks carries the option sensitivities reported with a quote.
type Greeks struct {
	Delta float64
	Gamma float64
	Vega  float64
	Theta float64
}

// HasLiquidity reports whether both sides of the book are quoted.
func (q *Quote) HasLiquidity() bool {
	return q.BestBid > 0 && q.BestAsk > 0
}

// Mid returns the midpoint of the best bid and ask. Callers must check
// HasLiquidity first; Mid of an empty book is meaningless.
func (q *Quote) Mid() float64 {
	return (q.BestBid + q.BestAsk) / 2
}

// Position is an open exposure reported by the exchange. Size is signed:
// positive for long, negative for short, in contracts.
type Position struct {
	InstrumentName string
	Size           float64
	AveragePrice   float64
	MarkPrice      float64
}

// OrderRequest describes a limit order to be placed. Account selects the
// exchange session the order is placed under; Label is an opaque correlation
// tag echoed back on the resulting handle.
type OrderRequest struct {
	Account        string
	InstrumentName string
	Side           Side
	Amount         float64
	Price          float64
	Type           string
	Label          string
}

// OrderHandle identifies and describes an order on the exchange.
type OrderHandle struct {
	OrderID        string
	InstrumentName string
	Side           Side
	Amount         float64
	FilledAmount   float64
	Price          float64
	Type           string
	Status         string
	Label          string
	CreatedAt      time.Time
}

// ParseError reports a malformed or incomplete exchange payload. Raw responses
// are validated at the gateway boundary so that missing fields surface here
// rather than as zero values deep inside the engine.
type ParseError struct {
	Entity string
	Field  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("exchange: invalid %s payload: field %q: %s", e.Entity, e.Field, e.Reason)
}
