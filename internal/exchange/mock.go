package exchange

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"
)

// MockGateway is a deterministic in-memory exchange stand-in. Given the same
// seed and the same sequence of calls it always produces the same universe,
// quotes, ids and state, which keeps tests reproducible.
type MockGateway struct {
	mu sync.Mutex

	instruments map[string]Instrument
	quotes      map[string]*Quote
	orders      map[string]*OrderHandle
	orderAcct   map[string]string
	positions   map[string]map[string]*Position // account -> instrument -> position

	nextOrderID int
	latency     time.Duration
	failNext    error
	now         time.Time
}

var _ Gateway = (*MockGateway)(nil)

const (
	mockBTCIndex = 50000.0
	mockETHIndex = 3000.0
)

// NewMockGateway builds a mock exchange with a synthetic BTC and ETH option
// universe seeded from seed. Expirations are anchored to now.
func NewMockGateway(seed int64, now time.Time) *MockGateway {
	m := &MockGateway{
		instruments: make(map[string]Instrument),
		quotes:      make(map[string]*Quote),
		orders:      make(map[string]*OrderHandle),
		orderAcct:   make(map[string]string),
		positions:   make(map[string]map[string]*Position),
		now:         now.UTC(),
	}
	rng := rand.New(rand.NewSource(seed))
	m.buildUniverse("BTC", mockBTCIndex, rng)
	m.buildUniverse("ETH", mockETHIndex, rng)
	return m
}

// buildUniverse generates strikes around the index for a ladder of expiries.
// Delta follows an exponential decay with distance from the index, the same
// shape real chains have near the money.
func (m *MockGateway) buildUniverse(currency string, index float64, rng *rand.Rand) {
	expiryDays := []int{1, 7, 14, 30, 60, 90}
	strikeStep := index * 0.05

	for _, days := range expiryDays {
		expiry := m.now.AddDate(0, 0, days).Truncate(24 * time.Hour).Add(8 * time.Hour)
		for i := -8; i <= 8; i++ {
			strike := index + float64(i)*strikeStep
			if strike <= 0 {
				continue
			}
			for _, optType := range []OptionType{OptionTypeCall, OptionTypePut} {
				inst := Instrument{
					Name:           mockInstrumentName(currency, expiry, strike, optType),
					BaseCurrency:   currency,
					QuoteCurrency:  "USD",
					Kind:           KindOption,
					OptionType:     optType,
					Strike:         strike,
					Expiration:     expiry,
					MinTradeAmount: 0.1,
					ContractSize:   1,
					TickSize:       0.0005,
					IsActive:       true,
				}
				m.instruments[inst.Name] = inst
				m.quotes[inst.Name] = m.syntheticQuote(inst, index, days, rng)
			}
		}
	}
}

func (m *MockGateway) syntheticQuote(inst Instrument, index float64, dte int, rng *rand.Rand) *Quote {
	distance := math.Abs(inst.Strike-index) / index
	decay := math.Exp(-distance * 8)

	var delta float64
	if inst.OptionType == OptionTypeCall {
		if inst.Strike <= index {
			delta = 0.5 + 0.5*(1-decay)
		} else {
			delta = 0.5 * decay
		}
	} else {
		if inst.Strike >= index {
			delta = -0.5 - 0.5*(1-decay)
		} else {
			delta = -0.5 * decay
		}
	}

	timeValue := math.Max(float64(dte)/365.0, 1.0/365.0)
	vol := 0.5 + rng.Float64()*0.3
	mark := math.Max(0.0005, vol*math.Sqrt(timeValue)*math.Abs(delta)*0.1)
	spread := math.Max(0.0005, mark*0.04)

	return &Quote{
		InstrumentName: inst.Name,
		MarkPrice:      mark,
		BestBid:        math.Max(0, mark-spread/2),
		BestAsk:        mark + spread/2,
		IndexPrice:     index,
		Greeks: Greeks{
			Delta: delta,
			Vega:  0.1 * vol,
			Theta: -0.05 * vol,
		},
		Timestamp: m.now,
	}
}

func mockInstrumentName(currency string, expiry time.Time, strike float64, optType OptionType) string {
	suffix := "C"
	if optType == OptionTypePut {
		suffix = "P"
	}
	return fmt.Sprintf("%s-%s-%d-%s", currency, strings.ToUpper(expiry.Format("2Jan06")), int(strike), suffix)
}

// ListInstruments returns the active instruments for a currency and kind in
// deterministic (name-sorted) order.
func (m *MockGateway) ListInstruments(ctx context.Context, currency, kind string) ([]Instrument, error) {
	if err := m.observe(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Instrument
	for _, inst := range m.instruments {
		if inst.BaseCurrency == currency && inst.Kind == kind {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// GetQuote returns the current synthetic quote for an instrument.
func (m *MockGateway) GetQuote(ctx context.Context, instrument string) (*Quote, error) {
	if err := m.observe(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.quotes[instrument]
	if !ok {
		return nil, &APIError{Status: 400, Code: 10004, Message: "instrument not found: " + instrument}
	}
	cp := *q
	return &cp, nil
}

// PlaceOrder records an open limit order and returns its handle.
func (m *MockGateway) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderHandle, error) {
	if err := m.observe(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instruments[req.InstrumentName]
	if !ok {
		return nil, &APIError{Status: 400, Code: 10004, Message: "instrument not found: " + req.InstrumentName}
	}
	if req.Amount < inst.MinTradeAmount {
		return nil, &APIError{Status: 400, Code: 11044, Message: "amount below minimum"}
	}
	if !onGrid(req.Amount, inst.MinTradeAmount) {
		return nil, &APIError{Status: 400, Code: 11044, Message: "amount not a multiple of min trade amount"}
	}
	if !onGrid(req.Price, inst.TickSize) {
		return nil, &APIError{Status: 400, Code: 11045, Message: "price not a multiple of tick size"}
	}

	m.nextOrderID++
	handle := &OrderHandle{
		OrderID:        fmt.Sprintf("mock-%d", m.nextOrderID),
		InstrumentName: req.InstrumentName,
		Side:           req.Side,
		Amount:         req.Amount,
		Price:          req.Price,
		Type:           req.Type,
		Status:         OrderStatusOpen,
		Label:          req.Label,
		CreatedAt:      m.now,
	}
	m.orders[handle.OrderID] = handle
	m.orderAcct[handle.OrderID] = req.Account
	cp := *handle
	return &cp, nil
}

// CancelOrder cancels an open order. A terminal order yields (false, nil) so
// callers can treat it as already filled.
func (m *MockGateway) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	if err := m.observe(ctx); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[orderID]
	if !ok || order.Status != OrderStatusOpen {
		return false, nil
	}
	order.Status = OrderStatusCancelled
	return true, nil
}

// ListOpenOrders returns the open orders for an account.
func (m *MockGateway) ListOpenOrders(ctx context.Context, account string) ([]OrderHandle, error) {
	if err := m.observe(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []OrderHandle
	for id, order := range m.orders {
		if m.orderAcct[id] == account && order.Status == OrderStatusOpen {
			out = append(out, *order)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out, nil
}

// ListPositions returns the open positions for an account.
func (m *MockGateway) ListPositions(ctx context.Context, account string) ([]Position, error) {
	if err := m.observe(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Position
	for _, pos := range m.positions[account] {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstrumentName < out[j].InstrumentName })
	return out, nil
}

// observe applies the configured latency and the armed failure, honoring
// context cancellation during the sleep.
func (m *MockGateway) observe(ctx context.Context) error {
	m.mu.Lock()
	latency := m.latency
	fail := m.failNext
	m.failNext = nil
	m.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail != nil {
		return fail
	}
	return ctx.Err()
}

// onGrid reports whether v sits on the grid of multiples of step.
func onGrid(v, step float64) bool {
	if step <= 0 {
		return true
	}
	ratio := v / step
	return math.Abs(ratio-math.Round(ratio)) < 1e-6
}

// --- test hooks ---
// The hooks below mutate mock state directly. They exist so tests and the
// simulation binary can drive fills and market moves without a real exchange.

// FillOrder marks an open order filled and books the resulting position.
func (m *MockGateway) FillOrder(orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("mock: unknown order %s", orderID)
	}
	if order.Status != OrderStatusOpen {
		return fmt.Errorf("mock: order %s is %s, not open", orderID, order.Status)
	}
	order.Status = OrderStatusFilled
	order.FilledAmount = order.Amount

	account := m.orderAcct[orderID]
	if m.positions[account] == nil {
		m.positions[account] = make(map[string]*Position)
	}
	pos, ok := m.positions[account][order.InstrumentName]
	if !ok {
		pos = &Position{InstrumentName: order.InstrumentName, AveragePrice: order.Price}
		m.positions[account][order.InstrumentName] = pos
	}
	if order.Side == SideBuy {
		pos.Size += order.Amount
	} else {
		pos.Size -= order.Amount
	}
	if pos.Size == 0 {
		delete(m.positions[account], order.InstrumentName)
	}
	return nil
}

// SetQuote overrides the quote for an instrument.
func (m *MockGateway) SetQuote(q Quote) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotes[q.InstrumentName] = &q
}

// SetPosition overrides a position for an account.
func (m *MockGateway) SetPosition(account string, pos Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.positions[account] == nil {
		m.positions[account] = make(map[string]*Position)
	}
	if pos.Size == 0 {
		delete(m.positions[account], pos.InstrumentName)
		return
	}
	p := pos
	m.positions[account][pos.InstrumentName] = &p
}

// SetLatency injects a fixed delay before every gateway call.
func (m *MockGateway) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

// FailNext arms a one-shot error returned by the next gateway call.
func (m *MockGateway) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

// OpenOrder returns a copy of an order regardless of status, for assertions.
func (m *MockGateway) OpenOrder(orderID string) (OrderHandle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return OrderHandle{}, false
	}
	return *order, true
}
