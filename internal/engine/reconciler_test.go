package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/deltadesk/internal/exchange"
	"github.com/quantfold/deltadesk/internal/store"
)

// fakeGateway gives reconciler tests full control over exchange state,
// including cancel outcomes the mock cannot stage.
type fakeGateway struct {
	instruments []exchange.Instrument
	quotes      map[string]*exchange.Quote
	openOrders  []exchange.OrderHandle
	positions   []exchange.Position

	cancelResult map[string]bool
	placed       []exchange.OrderRequest
	cancelled    []string
	nextOrderID  int
}

var _ exchange.Gateway = (*fakeGateway)(nil)

func (f *fakeGateway) ListInstruments(_ context.Context, currency, kind string) ([]exchange.Instrument, error) {
	var out []exchange.Instrument
	for _, inst := range f.instruments {
		if inst.BaseCurrency == currency && inst.Kind == kind {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (f *fakeGateway) GetQuote(_ context.Context, instrument string) (*exchange.Quote, error) {
	q, ok := f.quotes[instrument]
	if !ok {
		return nil, fmt.Errorf("no quote for %s", instrument)
	}
	cp := *q
	return &cp, nil
}

func (f *fakeGateway) PlaceOrder(_ context.Context, req exchange.OrderRequest) (*exchange.OrderHandle, error) {
	f.placed = append(f.placed, req)
	f.nextOrderID++
	return &exchange.OrderHandle{
		OrderID:        fmt.Sprintf("fake-%d", f.nextOrderID),
		InstrumentName: req.InstrumentName,
		Side:           req.Side,
		Amount:         req.Amount,
		Price:          req.Price,
		Status:         exchange.OrderStatusOpen,
	}, nil
}

func (f *fakeGateway) CancelOrder(_ context.Context, orderID string) (bool, error) {
	f.cancelled = append(f.cancelled, orderID)
	ok, known := f.cancelResult[orderID]
	if !known {
		return true, nil
	}
	return ok, nil
}

func (f *fakeGateway) ListOpenOrders(_ context.Context, _ string) ([]exchange.OrderHandle, error) {
	return f.openOrders, nil
}

func (f *fakeGateway) ListPositions(_ context.Context, _ string) ([]exchange.Position, error) {
	return f.positions, nil
}

const testInstrument = "BTC-26SEP26-60000-C"

func testFakeGateway() *fakeGateway {
	return &fakeGateway{
		instruments: []exchange.Instrument{{
			Name:           testInstrument,
			BaseCurrency:   "BTC",
			QuoteCurrency:  "USD",
			Kind:           exchange.KindOption,
			OptionType:     exchange.OptionTypeCall,
			Strike:         60000,
			Expiration:     time.Date(2026, 9, 26, 8, 0, 0, 0, time.UTC),
			MinTradeAmount: 0.1,
			ContractSize:   1,
			TickSize:       0.0005,
			IsActive:       true,
		}},
		quotes:       make(map[string]*exchange.Quote),
		cancelResult: make(map[string]bool),
	}
}

func newTestWorker(t *testing.T, gw exchange.Gateway, st store.Store) *Worker {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewWorker(gw, st, logger, ReconcileConfig{
		SpreadRatioThreshold: 0.15,
		DefaultMoveDelta:     0.05,
	})
}

func orderRecord(t *testing.T, st store.Store, orderID string, targetDelta float64) *store.DeltaRecord {
	t.Helper()
	rec := &store.DeltaRecord{
		AccountID:      "main",
		InstrumentName: testInstrument,
		OrderID:        &orderID,
		TargetDelta:    targetDelta,
		RecordType:     store.RecordTypeOrder,
	}
	require.NoError(t, st.CreateRecord(context.Background(), rec))
	return rec
}

func positionRecord(t *testing.T, st store.Store, targetDelta, moveDelta float64) *store.DeltaRecord {
	t.Helper()
	rec := &store.DeltaRecord{
		AccountID:      "main",
		InstrumentName: testInstrument,
		TargetDelta:    targetDelta,
		MoveDelta:      moveDelta,
		RecordType:     store.RecordTypePosition,
	}
	require.NoError(t, st.CreateRecord(context.Background(), rec))
	return rec
}

func quoteWithMid(mid, delta float64) *exchange.Quote {
	return &exchange.Quote{
		InstrumentName: testInstrument,
		MarkPrice:      mid,
		BestBid:        mid - 0.0005,
		BestAsk:        mid + 0.0005,
		IndexPrice:     50000,
		Greeks:         exchange.Greeks{Delta: delta},
	}
}

func TestPriceStale_InclusiveThreshold(t *testing.T) {
	w := newTestWorker(t, testFakeGateway(), newTestStore(t))

	// A deviation ratio exactly at the threshold triggers.
	assert.True(t, w.priceStale(85, 100, 0.0005))
	assert.True(t, w.priceStale(80, 100, 0.0005))
	assert.False(t, w.priceStale(86, 100, 0.0005))
	assert.False(t, w.priceStale(100, 100, 0.0005))
}

func TestReconcileOrders_RepricesStaleOrder(t *testing.T) {
	gw := testFakeGateway()
	st := newTestStore(t)
	w := newTestWorker(t, gw, st)

	// Resting at 0.0080 against a fresh target of 0.0100 deviates by a
	// 0.20 ratio, beyond the 0.15 threshold.
	gw.quotes[testInstrument] = quoteWithMid(0.0100, 0.5)
	gw.openOrders = []exchange.OrderHandle{{
		OrderID:        "ord-1",
		InstrumentName: testInstrument,
		Side:           exchange.SideBuy,
		Amount:         0.5,
		Price:          0.0080,
		Status:         exchange.OrderStatusOpen,
	}}
	rec := orderRecord(t, st, "ord-1", 0.5)

	actions, err := w.Reconcile(context.Background(), "main", ScopeOrders)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, ActionCancel, actions[0].Type)
	assert.Equal(t, ActionRecreate, actions[1].Type)
	assert.Equal(t, []string{"ord-1"}, gw.cancelled)
	require.Len(t, gw.placed, 1)
	assert.InDelta(t, 0.0100, gw.placed[0].Price, 1e-9)
	assert.InDelta(t, 0.5, gw.placed[0].Amount, 1e-9)

	updated, err := st.GetRecord(context.Background(), rec.ID)
	require.NoError(t, err)
	require.NotNil(t, updated.OrderID)
	assert.Equal(t, "fake-1", *updated.OrderID)
	assert.Equal(t, store.RecordTypeOrder, updated.RecordType)
}

func TestReconcileOrders_BelowThresholdUntouched(t *testing.T) {
	gw := testFakeGateway()
	st := newTestStore(t)
	w := newTestWorker(t, gw, st)

	// 0.0090 vs 0.0100 is a 0.10 deviation ratio, under the threshold.
	gw.quotes[testInstrument] = quoteWithMid(0.0100, 0.5)
	gw.openOrders = []exchange.OrderHandle{{
		OrderID:        "ord-1",
		InstrumentName: testInstrument,
		Side:           exchange.SideBuy,
		Amount:         0.5,
		Price:          0.0090,
		Status:         exchange.OrderStatusOpen,
	}}
	orderRecord(t, st, "ord-1", 0.5)

	actions, err := w.Reconcile(context.Background(), "main", ScopeOrders)
	require.NoError(t, err)
	assert.Empty(t, actions)
	assert.Empty(t, gw.cancelled)
	assert.Empty(t, gw.placed)
}

func TestReconcileOrders_CancelLosesRaceToFill(t *testing.T) {
	gw := testFakeGateway()
	st := newTestStore(t)
	w := newTestWorker(t, gw, st)

	gw.quotes[testInstrument] = quoteWithMid(0.0100, 0.5)
	gw.openOrders = []exchange.OrderHandle{{
		OrderID:        "ord-1",
		InstrumentName: testInstrument,
		Side:           exchange.SideBuy,
		Amount:         0.5,
		Price:          0.0080,
		Status:         exchange.OrderStatusOpen,
	}}
	gw.cancelResult["ord-1"] = false
	rec := orderRecord(t, st, "ord-1", 0.5)

	actions, err := w.Reconcile(context.Background(), "main", ScopeOrders)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, ActionPromote, actions[0].Type)
	assert.Empty(t, gw.placed)

	promoted, err := st.GetRecord(context.Background(), actions[0].RecordID)
	require.NoError(t, err)
	assert.Equal(t, store.RecordTypePosition, promoted.RecordType)
	assert.Nil(t, promoted.OrderID)
	assert.Equal(t, rec.InstrumentName, promoted.InstrumentName)
}

func TestReconcileOrders_VanishedOrderWithPositionPromotes(t *testing.T) {
	gw := testFakeGateway()
	st := newTestStore(t)
	w := newTestWorker(t, gw, st)

	gw.positions = []exchange.Position{{InstrumentName: testInstrument, Size: 0.5}}
	orderRecord(t, st, "ord-gone", 0.5)

	actions, err := w.Reconcile(context.Background(), "main", ScopeOrders)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, ActionPromote, actions[0].Type)

	records, err := st.ListRecords(context.Background(), "main", store.RecordTypePosition)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Nil(t, records[0].OrderID)
}

func TestReconcileOrders_VanishedOrderWithoutPositionDeletes(t *testing.T) {
	gw := testFakeGateway()
	st := newTestStore(t)
	w := newTestWorker(t, gw, st)

	rec := orderRecord(t, st, "ord-gone", 0.5)

	actions, err := w.Reconcile(context.Background(), "main", ScopeOrders)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, ActionDelete, actions[0].Type)

	_, err = st.GetRecord(context.Background(), rec.ID)
	assert.ErrorIs(t, err, store.ErrRecordNotFound)
}

func TestReconcilePositions_ClosedPositionDeletesRecord(t *testing.T) {
	gw := testFakeGateway()
	st := newTestStore(t)
	w := newTestWorker(t, gw, st)

	rec := positionRecord(t, st, 0.4, 0.1)

	actions, err := w.Reconcile(context.Background(), "main", ScopePositions)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, ActionDelete, actions[0].Type)

	_, err = st.GetRecord(context.Background(), rec.ID)
	assert.ErrorIs(t, err, store.ErrRecordNotFound)
}

func TestReconcilePositions_WithinToleranceUntouched(t *testing.T) {
	gw := testFakeGateway()
	st := newTestStore(t)
	w := newTestWorker(t, gw, st)

	// Quote delta 0.45 against target 0.40, inside the 0.1 tolerance.
	gw.positions = []exchange.Position{{InstrumentName: testInstrument, Size: 1.0}}
	gw.quotes[testInstrument] = quoteWithMid(0.0100, 0.45)
	positionRecord(t, st, 0.4, 0.1)

	actions, err := w.Reconcile(context.Background(), "main", ScopePositions)
	require.NoError(t, err)
	assert.Empty(t, actions)
	assert.Empty(t, gw.placed)
}

func TestReconcilePositions_ExcessDeltaHedgedWithSell(t *testing.T) {
	gw := testFakeGateway()
	st := newTestStore(t)
	w := newTestWorker(t, gw, st)

	// Quote delta 0.5 against target 0.3: deviation +0.2 per contract, so
	// sell 2.0 * 0.2 / 0.5 = 0.8 contracts to restore the intended exposure.
	gw.positions = []exchange.Position{{InstrumentName: testInstrument, Size: 2.0}}
	gw.quotes[testInstrument] = quoteWithMid(0.0100, 0.5)
	positionRecord(t, st, 0.3, 0.1)

	actions, err := w.Reconcile(context.Background(), "main", ScopePositions)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, ActionAdjust, actions[0].Type)
	require.Len(t, gw.placed, 1)
	assert.Equal(t, exchange.SideSell, gw.placed[0].Side)
	assert.InDelta(t, 0.8, gw.placed[0].Amount, 1e-9)
	assert.InDelta(t, 0.0100, gw.placed[0].Price, 1e-9)
}

func TestReconcilePositions_ShortfallHedgedWithBuy(t *testing.T) {
	gw := testFakeGateway()
	st := newTestStore(t)
	w := newTestWorker(t, gw, st)

	// Quote delta 0.5 against target 0.8: deviation -0.3 per contract, so
	// buy 1.0 * 0.3 / 0.5 = 0.6 contracts.
	gw.positions = []exchange.Position{{InstrumentName: testInstrument, Size: 1.0}}
	gw.quotes[testInstrument] = quoteWithMid(0.0100, 0.5)
	positionRecord(t, st, 0.8, 0.1)

	actions, err := w.Reconcile(context.Background(), "main", ScopePositions)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	require.Len(t, gw.placed, 1)
	assert.Equal(t, exchange.SideBuy, gw.placed[0].Side)
	assert.InDelta(t, 0.6, gw.placed[0].Amount, 1e-9)
}

func TestReconcilePositions_FreshFillNotResized(t *testing.T) {
	gw := testFakeGateway()
	st := newTestStore(t)
	w := newTestWorker(t, gw, st)

	// A 3-contract order fills at the recorded delta. The order pass
	// promotes the record; the position pass must leave the position alone
	// while the quote has not moved, whatever the position size.
	gw.quotes[testInstrument] = quoteWithMid(0.0100, 0.5)
	gw.positions = []exchange.Position{{InstrumentName: testInstrument, Size: 3.0}}
	orderRecord(t, st, "ord-1", 0.5)

	actions, err := w.Reconcile(context.Background(), "main", ScopeOrders)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, ActionPromote, actions[0].Type)

	actions, err = w.Reconcile(context.Background(), "main", ScopePositions)
	require.NoError(t, err)
	assert.Empty(t, actions)
	assert.Empty(t, gw.placed)
}

func TestReconcilePositions_SubLotDeviationSkipped(t *testing.T) {
	gw := testFakeGateway()
	st := newTestStore(t)
	w := newTestWorker(t, gw, st)

	// Deviation of 0.08 delta at quote delta 0.9 needs 0.089 contracts,
	// under the 0.1 lot.
	gw.positions = []exchange.Position{{InstrumentName: testInstrument, Size: 1.0}}
	gw.quotes[testInstrument] = quoteWithMid(0.0100, 0.9)
	positionRecord(t, st, 0.82, 0.05)

	actions, err := w.Reconcile(context.Background(), "main", ScopePositions)
	require.NoError(t, err)
	assert.Empty(t, actions)
	assert.Empty(t, gw.placed)
}

func TestReconcile_UnknownScope(t *testing.T) {
	gw := testFakeGateway()
	w := newTestWorker(t, gw, newTestStore(t))

	_, err := w.Reconcile(context.Background(), "main", Scope("bogus"))
	require.Error(t, err)
}
