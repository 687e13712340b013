package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Credentials authenticate one exchange account (API key pair).
type Credentials struct {
	ClientID     string
	ClientSecret string
}

// LiveGateway talks to a Deribit-style options exchange over its JSON REST
// API. Raw payloads are converted into typed entities at this boundary;
// anything malformed fails fast with a ParseError instead of leaking optional
// fields into the engine.
type LiveGateway struct {
	client     *http.Client
	baseURL    string
	currencies []string
	creds      map[string]Credentials
}

var _ Gateway = (*LiveGateway)(nil)

const defaultLiveTimeout = 10 * time.Second

// NewLiveGateway creates a live gateway. currencies lists the base currencies
// whose orders and positions the account-wide listings cover; creds maps
// account names to API key pairs. Public endpoints (instruments, quotes) need
// no credentials.
func NewLiveGateway(baseURL string, currencies []string, creds map[string]Credentials) *LiveGateway {
	if len(currencies) == 0 {
		currencies = []string{"BTC", "ETH"}
	}
	return &LiveGateway{
		client:     &http.Client{Timeout: defaultLiveTimeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		currencies: currencies,
		creds:      creds,
	}
}

// WithHTTPClient overrides the HTTP client (tests, custom transport).
func (g *LiveGateway) WithHTTPClient(c *http.Client) *LiveGateway {
	if c != nil {
		g.client = c
	}
	return g
}

// ============ Raw API payloads ============

// rpcEnvelope is the standard response wrapper: either result or error is set.
type rpcEnvelope struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Required numeric fields are pointers so a missing field is distinguishable
// from a legitimate zero and can be rejected at parse time.
type rawInstrument struct {
	InstrumentName      string   `json:"instrument_name"`
	BaseCurrency        string   `json:"base_currency"`
	QuoteCurrency       string   `json:"quote_currency"`
	Kind                string   `json:"kind"`
	OptionType          string   `json:"option_type"`
	Strike              *float64 `json:"strike"`
	ExpirationTimestamp *int64   `json:"expiration_timestamp"`
	MinTradeAmount      *float64 `json:"min_trade_amount"`
	ContractSize        *float64 `json:"contract_size"`
	TickSize            *float64 `json:"tick_size"`
	IsActive            bool     `json:"is_active"`
}

type rawTicker struct {
	InstrumentName string   `json:"instrument_name"`
	MarkPrice      *float64 `json:"mark_price"`
	BestBidPrice   float64  `json:"best_bid_price"`
	BestAskPrice   float64  `json:"best_ask_price"`
	IndexPrice     *float64 `json:"index_price"`
	Timestamp      int64    `json:"timestamp"`
	Greeks         *struct {
		Delta float64 `json:"delta"`
		Gamma float64 `json:"gamma"`
		Vega  float64 `json:"vega"`
		Theta float64 `json:"theta"`
	} `json:"greeks"`
}

type rawOrder struct {
	OrderID        string  `json:"order_id"`
	InstrumentName string  `json:"instrument_name"`
	Direction      string  `json:"direction"`
	Amount         float64 `json:"amount"`
	FilledAmount   float64 `json:"filled_amount"`
	Price          float64 `json:"price"`
	OrderType      string  `json:"order_type"`
	OrderState     string  `json:"order_state"`
	Label          string  `json:"label"`
	CreationTime   int64   `json:"creation_timestamp"`
}

type rawTrade struct {
	Order rawOrder `json:"order"`
}

type rawPosition struct {
	InstrumentName string   `json:"instrument_name"`
	Size           *float64 `json:"size"`
	AveragePrice   float64  `json:"average_price"`
	MarkPrice      float64  `json:"mark_price"`
	Direction      string   `json:"direction"`
	Kind           string   `json:"kind"`
}

// ============ Parse boundary ============

func parseInstrument(raw rawInstrument) (Instrument, error) {
	if raw.InstrumentName == "" {
		return Instrument{}, &ParseError{Entity: "instrument", Field: "instrument_name", Reason: "missing"}
	}
	for field, v := range map[string]*float64{
		"min_trade_amount": raw.MinTradeAmount,
		"contract_size":    raw.ContractSize,
		"tick_size":        raw.TickSize,
	} {
		if v == nil || *v <= 0 {
			return Instrument{}, &ParseError{Entity: "instrument", Field: field, Reason: "missing or non-positive"}
		}
	}
	inst := Instrument{
		Name:           raw.InstrumentName,
		BaseCurrency:   raw.BaseCurrency,
		QuoteCurrency:  raw.QuoteCurrency,
		Kind:           raw.Kind,
		MinTradeAmount: *raw.MinTradeAmount,
		ContractSize:   *raw.ContractSize,
		TickSize:       *raw.TickSize,
		IsActive:       raw.IsActive,
	}
	if raw.Kind == KindOption {
		if raw.OptionType != string(OptionTypeCall) && raw.OptionType != string(OptionTypePut) {
			return Instrument{}, &ParseError{Entity: "instrument", Field: "option_type", Reason: "expected call or put, got " + raw.OptionType}
		}
		if raw.Strike == nil || *raw.Strike <= 0 {
			return Instrument{}, &ParseError{Entity: "instrument", Field: "strike", Reason: "missing or non-positive"}
		}
		if raw.ExpirationTimestamp == nil || *raw.ExpirationTimestamp <= 0 {
			return Instrument{}, &ParseError{Entity: "instrument", Field: "expiration_timestamp", Reason: "missing or non-positive"}
		}
		inst.OptionType = OptionType(raw.OptionType)
		inst.Strike = *raw.Strike
		inst.Expiration = time.UnixMilli(*raw.ExpirationTimestamp).UTC()
	}
	return inst, nil
}

func parseTicker(raw rawTicker) (*Quote, error) {
	if raw.InstrumentName == "" {
		return nil, &ParseError{Entity: "ticker", Field: "instrument_name", Reason: "missing"}
	}
	if raw.MarkPrice == nil {
		return nil, &ParseError{Entity: "ticker", Field: "mark_price", Reason: "missing"}
	}
	if raw.IndexPrice == nil {
		return nil, &ParseError{Entity: "ticker", Field: "index_price", Reason: "missing"}
	}
	q := &Quote{
		InstrumentName: raw.InstrumentName,
		MarkPrice:      *raw.MarkPrice,
		BestBid:        raw.BestBidPrice,
		BestAsk:        raw.BestAskPrice,
		IndexPrice:     *raw.IndexPrice,
		Timestamp:      time.UnixMilli(raw.Timestamp).UTC(),
	}
	if raw.Greeks != nil {
		q.Greeks = Greeks{
			Delta: raw.Greeks.Delta,
			Gamma: raw.Greeks.Gamma,
			Vega:  raw.Greeks.Vega,
			Theta: raw.Greeks.Theta,
		}
	}
	return q, nil
}

func parseOrder(raw rawOrder) (*OrderHandle, error) {
	if raw.OrderID == "" {
		return nil, &ParseError{Entity: "order", Field: "order_id", Reason: "missing"}
	}
	if raw.InstrumentName == "" {
		return nil, &ParseError{Entity: "order", Field: "instrument_name", Reason: "missing"}
	}
	if raw.Direction != string(SideBuy) && raw.Direction != string(SideSell) {
		return nil, &ParseError{Entity: "order", Field: "direction", Reason: "expected buy or sell, got " + raw.Direction}
	}
	status := raw.OrderState
	switch status {
	case "open", "untriggered":
		status = OrderStatusOpen
	case "filled":
		status = OrderStatusFilled
	case "cancelled", "canceled":
		status = OrderStatusCancelled
	case "rejected":
		status = OrderStatusRejected
	default:
		return nil, &ParseError{Entity: "order", Field: "order_state", Reason: "unknown state " + raw.OrderState}
	}
	return &OrderHandle{
		OrderID:        raw.OrderID,
		InstrumentName: raw.InstrumentName,
		Side:           Side(raw.Direction),
		Amount:         raw.Amount,
		FilledAmount:   raw.FilledAmount,
		Price:          raw.Price,
		Type:           raw.OrderType,
		Status:         status,
		Label:          raw.Label,
		CreatedAt:      time.UnixMilli(raw.CreationTime).UTC(),
	}, nil
}

func parsePosition(raw rawPosition) (Position, error) {
	if raw.InstrumentName == "" {
		return Position{}, &ParseError{Entity: "position", Field: "instrument_name", Reason: "missing"}
	}
	if raw.Size == nil {
		return Position{}, &ParseError{Entity: "position", Field: "size", Reason: "missing"}
	}
	return Position{
		InstrumentName: raw.InstrumentName,
		Size:           *raw.Size,
		AveragePrice:   raw.AveragePrice,
		MarkPrice:      raw.MarkPrice,
	}, nil
}

// ============ Gateway implementation ============

// ListInstruments retrieves the instrument universe for a currency and kind.
func (g *LiveGateway) ListInstruments(ctx context.Context, currency, kind string) ([]Instrument, error) {
	params := url.Values{}
	params.Set("currency", currency)
	params.Set("kind", kind)
	params.Set("expired", "false")

	var raws []rawInstrument
	if err := g.call(ctx, "", "GET", "/public/get_instruments", params, &raws); err != nil {
		return nil, err
	}

	out := make([]Instrument, 0, len(raws))
	for _, raw := range raws {
		inst, err := parseInstrument(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

// GetQuote retrieves the current ticker with greeks for an instrument.
func (g *LiveGateway) GetQuote(ctx context.Context, instrument string) (*Quote, error) {
	params := url.Values{}
	params.Set("instrument_name", instrument)

	var raw rawTicker
	if err := g.call(ctx, "", "GET", "/public/ticker", params, &raw); err != nil {
		return nil, err
	}
	return parseTicker(raw)
}

// PlaceOrder submits a limit order under the account's session.
func (g *LiveGateway) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderHandle, error) {
	params := url.Values{}
	params.Set("instrument_name", req.InstrumentName)
	params.Set("amount", fmt.Sprintf("%g", req.Amount))
	params.Set("price", fmt.Sprintf("%g", req.Price))
	params.Set("type", req.Type)
	if req.Label != "" {
		params.Set("label", req.Label)
	}

	endpoint := "/private/buy"
	if req.Side == SideSell {
		endpoint = "/private/sell"
	}

	var raw rawTrade
	if err := g.call(ctx, req.Account, "GET", endpoint, params, &raw); err != nil {
		return nil, err
	}
	return parseOrder(raw.Order)
}

// CancelOrder cancels an open order. "order not open" class rejections map to
// (false, nil): the order reached a terminal state before we got to it.
func (g *LiveGateway) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	params := url.Values{}
	params.Set("order_id", orderID)

	var raw rawOrder
	// Cancellation is session-scoped on the exchange side; any account's
	// credentials cancel only its own orders, so use the first configured set.
	if err := g.call(ctx, g.anyAccount(), "GET", "/private/cancel", params, &raw); err != nil {
		if isOrderNotOpen(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// isOrderNotOpen matches the exchange error codes for cancelling an order
// that already filled or was already cancelled.
func isOrderNotOpen(err error) bool {
	apiErr, ok := err.(*APIError)
	if !ok {
		return false
	}
	// 11044: not_open_order, 11052: order already cancelled
	return apiErr.Code == 11044 || apiErr.Code == 11052 ||
		strings.Contains(strings.ToLower(apiErr.Message), "not open")
}

// ListOpenOrders retrieves the open option orders for an account across the
// configured currencies.
func (g *LiveGateway) ListOpenOrders(ctx context.Context, account string) ([]OrderHandle, error) {
	var out []OrderHandle
	for _, currency := range g.currencies {
		params := url.Values{}
		params.Set("currency", currency)
		params.Set("kind", KindOption)

		var raws []rawOrder
		if err := g.call(ctx, account, "GET", "/private/get_open_orders_by_currency", params, &raws); err != nil {
			return nil, err
		}
		for _, raw := range raws {
			order, err := parseOrder(raw)
			if err != nil {
				return nil, err
			}
			out = append(out, *order)
		}
	}
	return out, nil
}

// ListPositions retrieves the nonzero option positions for an account across
// the configured currencies.
func (g *LiveGateway) ListPositions(ctx context.Context, account string) ([]Position, error) {
	var out []Position
	for _, currency := range g.currencies {
		params := url.Values{}
		params.Set("currency", currency)
		params.Set("kind", KindOption)

		var raws []rawPosition
		if err := g.call(ctx, account, "GET", "/private/get_positions", params, &raws); err != nil {
			return nil, err
		}
		for _, raw := range raws {
			pos, err := parsePosition(raw)
			if err != nil {
				return nil, err
			}
			if pos.Size != 0 {
				out = append(out, pos)
			}
		}
	}
	return out, nil
}

func (g *LiveGateway) anyAccount() string {
	for name := range g.creds {
		return name
	}
	return ""
}

// call performs one API request and decodes the result envelope. Non-2xx
// statuses and in-envelope errors both surface as *APIError.
func (g *LiveGateway) call(ctx context.Context, account, method, endpoint string, params url.Values, result interface{}) error {
	target := g.baseURL + endpoint
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, http.NoBody)
	if err != nil {
		return err
	}
	req.Header.Add("Accept", "application/json")
	req.Header.Add("User-Agent", "deltadesk/1.0")
	if strings.HasPrefix(endpoint, "/private/") {
		creds, ok := g.creds[account]
		if !ok {
			return fmt.Errorf("exchange: no credentials configured for account %q", account)
		}
		req.SetBasicAuth(creds.ClientID, creds.ClientSecret)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("exchange: reading response for %s: %w", endpoint, err)
	}

	var envelope rpcEnvelope
	if jsonErr := json.Unmarshal(body, &envelope); jsonErr != nil {
		if resp.StatusCode != http.StatusOK {
			return &APIError{Status: resp.StatusCode, Message: string(body)}
		}
		return &ParseError{Entity: "envelope", Field: "body", Reason: jsonErr.Error()}
	}
	if envelope.Error != nil {
		return &APIError{Status: resp.StatusCode, Code: envelope.Error.Code, Message: envelope.Error.Message}
	}
	if resp.StatusCode != http.StatusOK {
		return &APIError{Status: resp.StatusCode, Message: string(body)}
	}
	if result == nil || len(envelope.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, result); err != nil {
		return &ParseError{Entity: "result", Field: endpoint, Reason: err.Error()}
	}
	return nil
}
