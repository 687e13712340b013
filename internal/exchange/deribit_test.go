package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f64(v float64) *float64 { return &v }
func i64(v int64) *int64     { return &v }

func validRawInstrument() rawInstrument {
	return rawInstrument{
		InstrumentName:      "BTC-26SEP26-60000-C",
		BaseCurrency:        "BTC",
		QuoteCurrency:       "USD",
		Kind:                KindOption,
		OptionType:          "call",
		Strike:              f64(60000),
		ExpirationTimestamp: i64(1790150400000),
		MinTradeAmount:      f64(0.1),
		ContractSize:        f64(1),
		TickSize:            f64(0.0005),
		IsActive:            true,
	}
}

func TestParseInstrument(t *testing.T) {
	inst, err := parseInstrument(validRawInstrument())
	require.NoError(t, err)
	assert.Equal(t, "BTC-26SEP26-60000-C", inst.Name)
	assert.Equal(t, OptionTypeCall, inst.OptionType)
	assert.Equal(t, 60000.0, inst.Strike)
	assert.Equal(t, time.UnixMilli(1790150400000).UTC(), inst.Expiration)
}

func TestParseInstrument_MissingFieldsRejected(t *testing.T) {
	tests := []struct {
		name   string
		field  string
		mutate func(*rawInstrument)
	}{
		{"no name", "instrument_name", func(r *rawInstrument) { r.InstrumentName = "" }},
		{"no tick size", "tick_size", func(r *rawInstrument) { r.TickSize = nil }},
		{"zero tick size", "tick_size", func(r *rawInstrument) { r.TickSize = f64(0) }},
		{"no min trade amount", "min_trade_amount", func(r *rawInstrument) { r.MinTradeAmount = nil }},
		{"no contract size", "contract_size", func(r *rawInstrument) { r.ContractSize = nil }},
		{"no strike on option", "strike", func(r *rawInstrument) { r.Strike = nil }},
		{"no expiry on option", "expiration_timestamp", func(r *rawInstrument) { r.ExpirationTimestamp = nil }},
		{"bad option type", "option_type", func(r *rawInstrument) { r.OptionType = "straddle" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := validRawInstrument()
			tt.mutate(&raw)
			_, err := parseInstrument(raw)
			require.Error(t, err)
			var parseErr *ParseError
			require.ErrorAs(t, err, &parseErr)
			assert.Equal(t, tt.field, parseErr.Field)
		})
	}
}

func TestParseTicker_MissingMarkPriceRejected(t *testing.T) {
	raw := rawTicker{InstrumentName: "BTC-26SEP26-60000-C", IndexPrice: f64(50000)}
	_, err := parseTicker(raw)
	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, "mark_price", parseErr.Field)
}

func TestParseOrder_MapsStates(t *testing.T) {
	base := rawOrder{
		OrderID:        "ord-1",
		InstrumentName: "BTC-26SEP26-60000-C",
		Direction:      "buy",
		Amount:         0.5,
		Price:          0.0015,
	}

	for state, want := range map[string]string{
		"open":        OrderStatusOpen,
		"untriggered": OrderStatusOpen,
		"filled":      OrderStatusFilled,
		"cancelled":   OrderStatusCancelled,
		"rejected":    OrderStatusRejected,
	} {
		raw := base
		raw.OrderState = state
		handle, err := parseOrder(raw)
		require.NoError(t, err, state)
		assert.Equal(t, want, handle.Status)
	}

	raw := base
	raw.OrderState = "archived"
	_, err := parseOrder(raw)
	require.Error(t, err)
}

func TestParsePosition_MissingSizeRejected(t *testing.T) {
	_, err := parsePosition(rawPosition{InstrumentName: "BTC-26SEP26-60000-C"})
	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, "size", parseErr.Field)
}

func TestLiveGateway_CancelOrderNotOpenIsFalse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]interface{}{"code": 11044, "message": "not_open_order"},
		})
	}))
	defer srv.Close()

	g := NewLiveGateway(srv.URL, nil, map[string]Credentials{
		"main": {ClientID: "id", ClientSecret: "secret"},
	}).WithHTTPClient(srv.Client())

	cancelled, err := g.CancelOrder(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestLiveGateway_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	g := NewLiveGateway(srv.URL, nil, map[string]Credentials{
		"main": {ClientID: "id", ClientSecret: "secret"},
	}).WithHTTPClient(srv.Client())

	_, err := g.ListInstruments(context.Background(), "BTC", KindOption)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestLiveGateway_ListPositionsQueriesConfiguredCurrencies(t *testing.T) {
	var queried []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/private/get_positions", r.URL.Path)
		queried = append(queried, r.URL.Query().Get("currency"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"result": []map[string]interface{}{},
		})
	}))
	defer srv.Close()

	g := NewLiveGateway(srv.URL, []string{"ETH", "SOL"}, map[string]Credentials{
		"main": {ClientID: "id", ClientSecret: "secret"},
	}).WithHTTPClient(srv.Client())

	_, err := g.ListPositions(context.Background(), "main")
	require.NoError(t, err)
	assert.Equal(t, []string{"ETH", "SOL"}, queried)
}

func TestLiveGateway_ListInstrumentsParsesPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/public/get_instruments", r.URL.Path)
		assert.Equal(t, "BTC", r.URL.Query().Get("currency"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"result": []map[string]interface{}{{
				"instrument_name":      "BTC-26SEP26-60000-C",
				"base_currency":        "BTC",
				"quote_currency":       "USD",
				"kind":                 "option",
				"option_type":          "call",
				"strike":               60000,
				"expiration_timestamp": 1790150400000,
				"min_trade_amount":     0.1,
				"contract_size":        1,
				"tick_size":            0.0005,
				"is_active":            true,
			}},
		})
	}))
	defer srv.Close()

	g := NewLiveGateway(srv.URL, nil, map[string]Credentials{
		"main": {ClientID: "id", ClientSecret: "secret"},
	}).WithHTTPClient(srv.Client())

	instruments, err := g.ListInstruments(context.Background(), "BTC", KindOption)
	require.NoError(t, err)
	require.Len(t, instruments, 1)
	assert.Equal(t, "BTC-26SEP26-60000-C", instruments[0].Name)
	assert.True(t, instruments[0].IsActive)
}
