package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/quantfold/deltadesk/internal/exchange"
	"github.com/quantfold/deltadesk/internal/store"
)

// Scope selects which side of exchange state a reconciliation pass covers.
type Scope string

const (
	// ScopePositions reconciles open positions against position records.
	ScopePositions Scope = "positions"
	// ScopeOrders reconciles open orders against order records.
	ScopeOrders Scope = "orders"
)

// ActionType labels a concrete corrective step taken during reconciliation.
type ActionType string

const (
	ActionAdjust   ActionType = "adjust"
	ActionCancel   ActionType = "cancel"
	ActionRecreate ActionType = "recreate"
	ActionPromote  ActionType = "promote"
	ActionDelete   ActionType = "delete"
)

// Action records one corrective step, for observability and tests.
type Action struct {
	Type           ActionType `json:"type"`
	InstrumentName string     `json:"instrument_name"`
	OrderID        string     `json:"order_id,omitempty"`
	RecordID       uint       `json:"record_id"`
	Detail         string     `json:"detail,omitempty"`
}

// ReconcileConfig tunes the corrective thresholds.
type ReconcileConfig struct {
	// SpreadRatioThreshold triggers a re-price when the resting order's
	// price deviates from the fresh target price by at least this ratio.
	// The comparison is inclusive: a deviation exactly at the threshold
	// triggers.
	SpreadRatioThreshold float64
	// MinTickMultiple, when positive, also triggers a re-price when the
	// absolute deviation reaches this many ticks.
	MinTickMultiple float64
	// DefaultMoveDelta is the position tolerance used when a record
	// carries no move delta of its own.
	DefaultMoveDelta float64
}

// Worker computes and applies the adjustments that bring one account's live
// exchange state back in line with its delta records.
type Worker struct {
	gateway exchange.Gateway
	store   store.Store
	logger  *logrus.Logger
	cfg     ReconcileConfig
}

// NewWorker wires a reconciliation worker.
func NewWorker(gateway exchange.Gateway, st store.Store, logger *logrus.Logger, cfg ReconcileConfig) *Worker {
	if gateway == nil || st == nil {
		panic("engine.NewWorker: gateway and store must not be nil")
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Worker{gateway: gateway, store: st, logger: logger, cfg: cfg}
}

// Reconcile runs one pass for one account and scope, returning the actions
// taken. A single instrument failing is recorded and skipped; the pass
// continues with the rest. Only failures that prevent the pass from running
// at all (listing state) surface as an error.
func (w *Worker) Reconcile(ctx context.Context, account string, scope Scope) ([]Action, error) {
	switch scope {
	case ScopePositions:
		return w.reconcilePositions(ctx, account)
	case ScopeOrders:
		return w.reconcileOrders(ctx, account)
	default:
		return nil, fmt.Errorf("engine: unknown reconcile scope %q", scope)
	}
}

func (w *Worker) reconcilePositions(ctx context.Context, account string) ([]Action, error) {
	positions, err := w.gateway.ListPositions(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("listing positions for %s: %w", account, err)
	}
	records, err := w.store.ListRecords(ctx, account, store.RecordTypePosition)
	if err != nil {
		return nil, fmt.Errorf("listing position records for %s: %w", account, err)
	}

	posByName := make(map[string]exchange.Position, len(positions))
	for _, pos := range positions {
		posByName[pos.InstrumentName] = pos
	}

	meta := newInstrumentIndex(w.gateway)
	var actions []Action
	var instErrs []error

	for _, rec := range records {
		log := w.logger.WithFields(logrus.Fields{
			"account":    account,
			"instrument": rec.InstrumentName,
			"record_id":  rec.ID,
		})

		pos, open := posByName[rec.InstrumentName]
		if !open || pos.Size == 0 {
			// The position is gone; the record no longer tracks anything.
			if err := w.store.DeleteRecord(ctx, rec.ID); err != nil {
				instErrs = append(instErrs, fmt.Errorf("%s: deleting stale record: %w", rec.InstrumentName, err))
				continue
			}
			actions = append(actions, Action{
				Type: ActionDelete, InstrumentName: rec.InstrumentName, RecordID: rec.ID,
				Detail: "position closed",
			})
			log.Info("deleted record for closed position")
			continue
		}

		quote, err := w.gateway.GetQuote(ctx, rec.InstrumentName)
		if err != nil {
			instErrs = append(instErrs, fmt.Errorf("%s: quote: %w", rec.InstrumentName, err))
			continue
		}
		if quote.Greeks.Delta == 0 {
			instErrs = append(instErrs, fmt.Errorf("%s: quote has no delta", rec.InstrumentName))
			continue
		}

		tolerance := math.Abs(rec.MoveDelta)
		if tolerance == 0 {
			tolerance = w.cfg.DefaultMoveDelta
		}

		// Target and current delta are both per contract, the unit the
		// record was written in at placement time.
		deviation := quote.Greeks.Delta - rec.TargetDelta
		if math.Abs(deviation) <= tolerance {
			continue
		}

		inst, err := meta.get(ctx, rec.InstrumentName)
		if err != nil {
			instErrs = append(instErrs, fmt.Errorf("%s: instrument meta: %w", rec.InstrumentName, err))
			continue
		}

		// Contracts needed to bring the position's exposure back to
		// size x target, signed: positive means buy.
		signed := -pos.Size * deviation / quote.Greeks.Delta
		amount := SnapDown(math.Abs(signed), inst.MinTradeAmount)
		if amount < inst.MinTradeAmount {
			// Deviation smaller than one lot; nothing placeable.
			continue
		}
		side := exchange.SideBuy
		if signed < 0 {
			side = exchange.SideSell
		}
		price := LimitPrice(quote, inst.TickSize)

		handle, err := w.gateway.PlaceOrder(ctx, exchange.OrderRequest{
			Account:        account,
			InstrumentName: rec.InstrumentName,
			Side:           side,
			Amount:         amount,
			Price:          price,
			Type:           exchange.OrderTypeLimit,
		})
		if err != nil {
			instErrs = append(instErrs, fmt.Errorf("%s: hedge order: %w", rec.InstrumentName, err))
			continue
		}
		actions = append(actions, Action{
			Type: ActionAdjust, InstrumentName: rec.InstrumentName, OrderID: handle.OrderID, RecordID: rec.ID,
			Detail: fmt.Sprintf("delta %.4f vs target %.4f (tolerance %.4f): %s %.2f @ %.6f",
				quote.Greeks.Delta, rec.TargetDelta, tolerance, side, amount, price),
		})
		log.WithField("order_id", handle.OrderID).Info("placed hedging adjustment")
	}

	w.logInstrumentErrors(account, ScopePositions, instErrs)
	return actions, nil
}

func (w *Worker) reconcileOrders(ctx context.Context, account string) ([]Action, error) {
	orders, err := w.gateway.ListOpenOrders(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("listing open orders for %s: %w", account, err)
	}
	records, err := w.store.ListRecords(ctx, account, store.RecordTypeOrder)
	if err != nil {
		return nil, fmt.Errorf("listing order records for %s: %w", account, err)
	}
	positions, err := w.gateway.ListPositions(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("listing positions for %s: %w", account, err)
	}

	ordersByID := make(map[string]exchange.OrderHandle, len(orders))
	for _, h := range orders {
		ordersByID[h.OrderID] = h
	}
	posByName := make(map[string]exchange.Position, len(positions))
	for _, pos := range positions {
		posByName[pos.InstrumentName] = pos
	}

	meta := newInstrumentIndex(w.gateway)
	var actions []Action
	var instErrs []error

	for _, rec := range records {
		if rec.OrderID == nil {
			// Should be impossible; the store validates the invariant.
			instErrs = append(instErrs, fmt.Errorf("record %d: order record without order id", rec.ID))
			continue
		}
		orderID := *rec.OrderID
		log := w.logger.WithFields(logrus.Fields{
			"account":    account,
			"instrument": rec.InstrumentName,
			"order_id":   orderID,
			"record_id":  rec.ID,
		})

		handle, resting := ordersByID[orderID]
		if !resting {
			// The order vanished: filled or cancelled out of band.
			acts, err := w.resolveVanishedOrder(ctx, rec, posByName)
			if err != nil {
				instErrs = append(instErrs, fmt.Errorf("%s: %w", rec.InstrumentName, err))
				continue
			}
			actions = append(actions, acts...)
			continue
		}

		quote, err := w.gateway.GetQuote(ctx, rec.InstrumentName)
		if err != nil {
			instErrs = append(instErrs, fmt.Errorf("%s: quote: %w", rec.InstrumentName, err))
			continue
		}
		inst, err := meta.get(ctx, rec.InstrumentName)
		if err != nil {
			instErrs = append(instErrs, fmt.Errorf("%s: instrument meta: %w", rec.InstrumentName, err))
			continue
		}

		target := LimitPrice(quote, inst.TickSize)
		if !w.priceStale(handle.Price, target, inst.TickSize) {
			continue
		}

		cancelled, err := w.gateway.CancelOrder(ctx, orderID)
		if err != nil {
			instErrs = append(instErrs, fmt.Errorf("%s: cancel %s: %w", rec.InstrumentName, orderID, err))
			continue
		}
		if !cancelled {
			// Cancellation lost the race to a fill; treat it as filled.
			promoted, err := w.store.PromoteOrderRecord(ctx, rec.ID)
			if err != nil {
				instErrs = append(instErrs, fmt.Errorf("%s: promote after fill race: %w", rec.InstrumentName, err))
				continue
			}
			actions = append(actions, Action{
				Type: ActionPromote, InstrumentName: rec.InstrumentName, OrderID: orderID, RecordID: promoted.ID,
				Detail: "order filled before cancellation",
			})
			log.Info("order filled before cancellation, record promoted")
			continue
		}
		actions = append(actions, Action{
			Type: ActionCancel, InstrumentName: rec.InstrumentName, OrderID: orderID, RecordID: rec.ID,
			Detail: fmt.Sprintf("resting %.6f vs target %.6f", handle.Price, target),
		})

		remaining := handle.Amount - handle.FilledAmount
		if remaining <= 0 {
			remaining = handle.Amount
		}
		newHandle, err := w.gateway.PlaceOrder(ctx, exchange.OrderRequest{
			Account:        account,
			InstrumentName: rec.InstrumentName,
			Side:           handle.Side,
			Amount:         remaining,
			Price:          target,
			Type:           exchange.OrderTypeLimit,
			Label:          handle.Label,
		})
		if err != nil {
			instErrs = append(instErrs, fmt.Errorf("%s: recreate after cancel: %w", rec.InstrumentName, err))
			continue
		}
		if err := w.store.ReplaceOrderID(ctx, rec.ID, newHandle.OrderID); err != nil {
			instErrs = append(instErrs, fmt.Errorf("%s: record update after recreate: %w", rec.InstrumentName, err))
			continue
		}
		actions = append(actions, Action{
			Type: ActionRecreate, InstrumentName: rec.InstrumentName, OrderID: newHandle.OrderID, RecordID: rec.ID,
			Detail: fmt.Sprintf("re-priced at %.6f", target),
		})
		log.WithField("new_order_id", newHandle.OrderID).Info("stale order re-priced")
	}

	w.logInstrumentErrors(account, ScopeOrders, instErrs)
	return actions, nil
}

// resolveVanishedOrder promotes the record when a position backs it, and
// deletes it otherwise. Exactly one of the two happens.
func (w *Worker) resolveVanishedOrder(ctx context.Context, rec store.DeltaRecord, posByName map[string]exchange.Position) ([]Action, error) {
	pos, open := posByName[rec.InstrumentName]
	if open && pos.Size != 0 {
		promoted, err := w.store.PromoteOrderRecord(ctx, rec.ID)
		if err != nil {
			return nil, fmt.Errorf("promoting filled order record: %w", err)
		}
		return []Action{{
			Type: ActionPromote, InstrumentName: rec.InstrumentName, OrderID: deref(rec.OrderID), RecordID: promoted.ID,
			Detail: "order gone, position open",
		}}, nil
	}
	if err := w.store.DeleteRecord(ctx, rec.ID); err != nil {
		return nil, fmt.Errorf("deleting record for vanished order: %w", err)
	}
	return []Action{{
		Type: ActionDelete, InstrumentName: rec.InstrumentName, OrderID: deref(rec.OrderID), RecordID: rec.ID,
		Detail: "order gone, no position",
	}}, nil
}

// priceStale applies the inclusive spread-ratio threshold, plus the
// tick-multiple threshold when configured.
func (w *Worker) priceStale(resting, target, tick float64) bool {
	if target <= 0 {
		return false
	}
	diff := math.Abs(resting - target)
	if w.cfg.SpreadRatioThreshold > 0 && diff/target >= w.cfg.SpreadRatioThreshold {
		return true
	}
	if w.cfg.MinTickMultiple > 0 && tick > 0 && diff >= w.cfg.MinTickMultiple*tick {
		return true
	}
	return false
}

func (w *Worker) logInstrumentErrors(account string, scope Scope, errs []error) {
	if len(errs) == 0 {
		return
	}
	w.logger.WithFields(logrus.Fields{
		"account": account,
		"scope":   scope,
		"count":   len(errs),
	}).WithError(errors.Join(errs...)).Warn("reconciliation skipped instruments")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// instrumentIndex lazily loads and caches instrument metadata per currency
// for the duration of one reconciliation pass.
type instrumentIndex struct {
	gateway exchange.Gateway
	cache   map[string]map[string]exchange.Instrument
}

func newInstrumentIndex(gateway exchange.Gateway) *instrumentIndex {
	return &instrumentIndex{gateway: gateway, cache: make(map[string]map[string]exchange.Instrument)}
}

func (ix *instrumentIndex) get(ctx context.Context, instrumentName string) (exchange.Instrument, error) {
	currency := instrumentCurrency(instrumentName)
	byName, ok := ix.cache[currency]
	if !ok {
		instruments, err := ix.gateway.ListInstruments(ctx, currency, exchange.KindOption)
		if err != nil {
			return exchange.Instrument{}, err
		}
		byName = make(map[string]exchange.Instrument, len(instruments))
		for _, inst := range instruments {
			byName[inst.Name] = inst
		}
		ix.cache[currency] = byName
	}
	inst, ok := byName[instrumentName]
	if !ok {
		return exchange.Instrument{}, fmt.Errorf("instrument %s not in %s universe", instrumentName, currency)
	}
	return inst, nil
}

// instrumentCurrency extracts the base currency from an instrument name like
// BTC-26SEP26-60000-C.
func instrumentCurrency(name string) string {
	if i := strings.IndexByte(name, '-'); i > 0 {
		return name[:i]
	}
	return name
}
