package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedNow() time.Time {
	return time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
}

func TestMockGateway_DeterministicUniverse(t *testing.T) {
	a := NewMockGateway(42, fixedNow())
	b := NewMockGateway(42, fixedNow())

	instA, err := a.ListInstruments(context.Background(), "BTC", KindOption)
	require.NoError(t, err)
	instB, err := b.ListInstruments(context.Background(), "BTC", KindOption)
	require.NoError(t, err)
	require.NotEmpty(t, instA)
	require.Equal(t, len(instA), len(instB))

	for i := range instA {
		assert.Equal(t, instA[i], instB[i])
		qa, err := a.GetQuote(context.Background(), instA[i].Name)
		require.NoError(t, err)
		qb, err := b.GetQuote(context.Background(), instB[i].Name)
		require.NoError(t, err)
		assert.Equal(t, *qa, *qb)
	}
}

func TestMockGateway_QuotesCarryGreeksAndIndex(t *testing.T) {
	m := NewMockGateway(1, fixedNow())
	instruments, err := m.ListInstruments(context.Background(), "ETH", KindOption)
	require.NoError(t, err)
	require.NotEmpty(t, instruments)

	q, err := m.GetQuote(context.Background(), instruments[0].Name)
	require.NoError(t, err)
	assert.Equal(t, mockETHIndex, q.IndexPrice)
	assert.NotZero(t, q.Greeks.Delta)
	assert.Greater(t, q.BestAsk, q.BestBid)
}

func TestMockGateway_OrderLifecycle(t *testing.T) {
	m := NewMockGateway(1, fixedNow())
	instruments, err := m.ListInstruments(context.Background(), "BTC", KindOption)
	require.NoError(t, err)
	inst := instruments[0]

	handle, err := m.PlaceOrder(context.Background(), OrderRequest{
		Account:        "main",
		InstrumentName: inst.Name,
		Side:           SideBuy,
		Amount:         0.5,
		Price:          0.0015,
		Type:           OrderTypeLimit,
	})
	require.NoError(t, err)
	assert.Equal(t, OrderStatusOpen, handle.Status)

	open, err := m.ListOpenOrders(context.Background(), "main")
	require.NoError(t, err)
	require.Len(t, open, 1)

	require.NoError(t, m.FillOrder(handle.OrderID))

	open, err = m.ListOpenOrders(context.Background(), "main")
	require.NoError(t, err)
	assert.Empty(t, open)

	positions, err := m.ListPositions(context.Background(), "main")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, inst.Name, positions[0].InstrumentName)
	assert.InDelta(t, 0.5, positions[0].Size, 1e-9)
}

func TestMockGateway_CancelTerminalOrderReturnsFalse(t *testing.T) {
	m := NewMockGateway(1, fixedNow())
	instruments, err := m.ListInstruments(context.Background(), "BTC", KindOption)
	require.NoError(t, err)

	handle, err := m.PlaceOrder(context.Background(), OrderRequest{
		Account:        "main",
		InstrumentName: instruments[0].Name,
		Side:           SideBuy,
		Amount:         0.1,
		Price:          0.0015,
		Type:           OrderTypeLimit,
	})
	require.NoError(t, err)

	require.NoError(t, m.FillOrder(handle.OrderID))

	cancelled, err := m.CancelOrder(context.Background(), handle.OrderID)
	require.NoError(t, err)
	assert.False(t, cancelled)

	cancelled, err = m.CancelOrder(context.Background(), "mock-unknown")
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestMockGateway_RejectsOffGridOrders(t *testing.T) {
	m := NewMockGateway(1, fixedNow())
	instruments, err := m.ListInstruments(context.Background(), "BTC", KindOption)
	require.NoError(t, err)
	inst := instruments[0]

	_, err = m.PlaceOrder(context.Background(), OrderRequest{
		Account:        "main",
		InstrumentName: inst.Name,
		Side:           SideBuy,
		Amount:         0.5,
		Price:          0.00126, // off the 0.0005 grid
		Type:           OrderTypeLimit,
	})
	require.Error(t, err)
	assert.True(t, IsRejected(err))

	_, err = m.PlaceOrder(context.Background(), OrderRequest{
		Account:        "main",
		InstrumentName: inst.Name,
		Side:           SideBuy,
		Amount:         0.05, // below min trade amount
		Price:          0.0015,
		Type:           OrderTypeLimit,
	})
	require.Error(t, err)
	assert.True(t, IsRejected(err))
}

func TestMockGateway_FailNextIsOneShot(t *testing.T) {
	m := NewMockGateway(1, fixedNow())
	m.FailNext(&APIError{Status: 503, Message: "maintenance"})

	_, err := m.ListInstruments(context.Background(), "BTC", KindOption)
	require.Error(t, err)
	assert.True(t, IsTransient(err))

	_, err = m.ListInstruments(context.Background(), "BTC", KindOption)
	require.NoError(t, err)
}
