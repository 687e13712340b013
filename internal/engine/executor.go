package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/quantfold/deltadesk/internal/exchange"
	"github.com/quantfold/deltadesk/internal/store"
)

// Signal is an inbound trading signal, already decoded and validated by the
// transport layer.
type Signal struct {
	AccountName string `json:"account_name"`
	// Side is the market direction of the signal: buy selects calls,
	// sell selects puts. Orders open long option exposure either way.
	Side          exchange.Side `json:"side"`
	Symbol        string        `json:"symbol"`
	Size          float64       `json:"size"`
	QuantityType  QuantityType  `json:"quantity_type"`
	Delta1        float64       `json:"delta1"`
	Delta2        float64       `json:"delta2"`
	Count         int           `json:"count"`
	MinExpireDays *int          `json:"min_expire_days,omitempty"`
	TVID          string        `json:"tv_id,omitempty"`
	Action        string        `json:"action,omitempty"`
}

// PlacedOrder describes one successfully placed order within a signal.
type PlacedOrder struct {
	OrderID        string  `json:"order_id"`
	InstrumentName string  `json:"instrument_name"`
	Amount         float64 `json:"amount"`
	Price          float64 `json:"price"`
}

// ExecutionResult is the structured outcome of one signal. Execute never
// panics or leaks partial state; failures land here with a message.
type ExecutionResult struct {
	Success     bool          `json:"success"`
	ExecutionID string        `json:"execution_id"`
	Orders      []PlacedOrder `json:"orders,omitempty"`
	Message     string        `json:"message"`
	Err         error         `json:"-"`
}

// AccountValidator answers whether an account may trade. A disabled or
// unknown account is a terminal AccountNotEligible failure, never retried.
type AccountValidator interface {
	IsAccountEnabled(name string) bool
}

// Executor runs the order-placement workflow for a single signal:
// selection, pricing, placement, delta-record bookkeeping.
type Executor struct {
	gateway  exchange.Gateway
	store    store.Store
	accounts AccountValidator
	logger   *logrus.Logger

	// transientBackoff is the pause before the single retry of a
	// transient exchange failure.
	transientBackoff time.Duration
	now              func() time.Time
}

// NewExecutor wires the workflow. All dependencies are required.
func NewExecutor(gateway exchange.Gateway, st store.Store, accounts AccountValidator, logger *logrus.Logger) *Executor {
	if gateway == nil || st == nil || accounts == nil {
		panic("engine.NewExecutor: gateway, store and accounts must not be nil")
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Executor{
		gateway:          gateway,
		store:            st,
		accounts:         accounts,
		logger:           logger,
		transientBackoff: 500 * time.Millisecond,
		now:              time.Now,
	}
}

// Execute processes one signal and always returns a structured result.
func (e *Executor) Execute(ctx context.Context, sig Signal) ExecutionResult {
	result := ExecutionResult{ExecutionID: uuid.New().String()}
	log := e.logger.WithFields(logrus.Fields{
		"execution_id": result.ExecutionID,
		"account":      sig.AccountName,
		"symbol":       sig.Symbol,
		"tv_id":        sig.TVID,
	})

	if !e.accounts.IsAccountEnabled(sig.AccountName) {
		result.Err = ErrAccountNotEligible
		result.Message = fmt.Sprintf("account %q is not enabled for trading", sig.AccountName)
		log.Warn(result.Message)
		return result
	}

	optType := exchange.OptionTypeCall
	if sig.Side == exchange.SideSell {
		optType = exchange.OptionTypePut
	}

	instruments, err := e.listInstruments(ctx, sig.Symbol)
	if err != nil {
		result.Err = err
		result.Message = fmt.Sprintf("listing instruments for %s: %v", sig.Symbol, err)
		log.WithError(err).Error("instrument discovery failed")
		return result
	}

	candidates := SelectOptions(ctx, SelectionInput{
		Instruments:   instruments,
		Underlying:    sig.Symbol,
		OptionType:    optType,
		DeltaLow:      sig.Delta1,
		DeltaHigh:     sig.Delta2,
		Count:         sig.Count,
		MinExpireDays: sig.MinExpireDays,
		Now:           e.now(),
	}, e.fetchQuote)

	if len(candidates) == 0 {
		result.Err = ErrNoEligibleInstrument
		result.Message = fmt.Sprintf("no %s %s instrument with |delta| in [%.2f, %.2f]",
			sig.Symbol, optType, sig.Delta1, sig.Delta2)
		log.Warn(result.Message)
		return result
	}

	var failures []string
	for _, cand := range candidates {
		placed, err := e.placeForCandidate(ctx, sig, cand)
		if err != nil {
			// One instrument failing does not abort its siblings.
			failures = append(failures, fmt.Sprintf("%s: %v", cand.Instrument.Name, err))
			log.WithError(err).WithField("instrument", cand.Instrument.Name).Error("order placement failed")
			continue
		}
		result.Orders = append(result.Orders, *placed)
		log.WithFields(logrus.Fields{
			"instrument": placed.InstrumentName,
			"order_id":   placed.OrderID,
			"amount":     placed.Amount,
			"price":      placed.Price,
		}).Info("order placed")
	}

	result.Success = len(result.Orders) > 0
	switch {
	case result.Success && len(failures) == 0:
		result.Message = fmt.Sprintf("placed %d order(s)", len(result.Orders))
	case result.Success:
		result.Message = fmt.Sprintf("placed %d order(s); failed: %s", len(result.Orders), strings.Join(failures, "; "))
	default:
		result.Message = "all placements failed: " + strings.Join(failures, "; ")
		if result.Err == nil && len(failures) > 0 {
			result.Err = fmt.Errorf("all placements failed")
		}
	}
	return result
}

// placeForCandidate prices, sizes, places and records one order.
func (e *Executor) placeForCandidate(ctx context.Context, sig Signal, cand Candidate) (*PlacedOrder, error) {
	inst := cand.Instrument
	price := LimitPrice(&cand.Quote, inst.TickSize)
	amount := ContractAmount(sig.Size, sig.QuantityType, price, cand.Quote.IndexPrice, inst.ContractSize, inst.MinTradeAmount)
	if amount <= 0 {
		return nil, fmt.Errorf("computed amount %.4f is not tradable", amount)
	}

	req := exchange.OrderRequest{
		Account:        sig.AccountName,
		InstrumentName: inst.Name,
		Side:           exchange.SideBuy,
		Amount:         amount,
		Price:          price,
		Type:           exchange.OrderTypeLimit,
		Label:          sig.TVID,
	}

	handle, err := e.placeWithRetry(ctx, req, inst)
	if err != nil {
		return nil, err
	}

	rec := &store.DeltaRecord{
		AccountID:      sig.AccountName,
		InstrumentName: inst.Name,
		OrderID:        &handle.OrderID,
		TargetDelta:    cand.Delta,
		MinExpireDays:  sig.MinExpireDays,
		Action:         sig.Action,
		RecordType:     store.RecordTypeOrder,
	}
	if sig.TVID != "" {
		tvID := sig.TVID
		rec.TVID = &tvID
	}
	if err := e.store.UpsertOrderRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("order %s placed but delta record write failed: %w", handle.OrderID, err)
	}

	return &PlacedOrder{
		OrderID:        handle.OrderID,
		InstrumentName: inst.Name,
		Amount:         amount,
		Price:          price,
	}, nil
}

// placeWithRetry submits the order, retrying once on a transient failure
// (after a short backoff) and once on a granularity rejection with the price
// and amount re-snapped to the instrument's grids. A second failure of either
// kind is terminal for this instrument.
func (e *Executor) placeWithRetry(ctx context.Context, req exchange.OrderRequest, inst exchange.Instrument) (*exchange.OrderHandle, error) {
	handle, err := e.gateway.PlaceOrder(ctx, req)
	if err == nil {
		return handle, nil
	}

	switch {
	case exchange.IsRejected(err):
		req.Price = RoundToTick(req.Price, inst.TickSize)
		req.Amount = SnapDown(req.Amount, inst.MinTradeAmount)
		if req.Amount < inst.MinTradeAmount {
			req.Amount = inst.MinTradeAmount
		}
		handle, retryErr := e.gateway.PlaceOrder(ctx, req)
		if retryErr != nil {
			return nil, fmt.Errorf("rejected after re-snapping price/amount: %w", retryErr)
		}
		return handle, nil
	case exchange.IsTransient(err):
		select {
		case <-time.After(e.transientBackoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		handle, retryErr := e.gateway.PlaceOrder(ctx, req)
		if retryErr != nil {
			return nil, fmt.Errorf("transient failure persisted: %w", retryErr)
		}
		return handle, nil
	default:
		return nil, err
	}
}

// listInstruments wraps discovery with a single transient retry.
func (e *Executor) listInstruments(ctx context.Context, currency string) ([]exchange.Instrument, error) {
	instruments, err := e.gateway.ListInstruments(ctx, currency, exchange.KindOption)
	if err == nil || !exchange.IsTransient(err) {
		return instruments, err
	}
	select {
	case <-time.After(e.transientBackoff):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return e.gateway.ListInstruments(ctx, currency, exchange.KindOption)
}

// fetchQuote wraps quote lookup with a single transient retry.
func (e *Executor) fetchQuote(ctx context.Context, instrument string) (*exchange.Quote, error) {
	quote, err := e.gateway.GetQuote(ctx, instrument)
	if err == nil || !exchange.IsTransient(err) {
		return quote, err
	}
	select {
	case <-time.After(e.transientBackoff):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return e.gateway.GetQuote(ctx, instrument)
}
