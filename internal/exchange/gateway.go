package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Gateway defines the capability set the engine requires from an exchange.
//
// Implementations must be safe for concurrent use. The mock and live clients
// are behaviorally interchangeable from the engine's point of view; the
// implementation is chosen once at composition time.
type Gateway interface {
	// Instrument discovery and market data
	ListInstruments(ctx context.Context, currency, kind string) ([]Instrument, error)
	GetQuote(ctx context.Context, instrument string) (*Quote, error)

	// Order placement and cancellation
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderHandle, error)
	// CancelOrder returns (true, nil) when the order was cancelled and
	// (false, nil) when it no longer exists in an open state, typically
	// because it already filled. Callers treat the latter as a fill.
	CancelOrder(ctx context.Context, orderID string) (bool, error)

	// Account state
	ListOpenOrders(ctx context.Context, account string) ([]OrderHandle, error)
	ListPositions(ctx context.Context, account string) ([]Position, error)
}

// APIError is a business-level rejection or failure returned by the exchange.
type APIError struct {
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange: api error (status %d, code %d): %s", e.Status, e.Code, e.Message)
}

// IsRejected reports whether err is a permanent business rejection (4xx other
// than 429). Granularity violations on price or amount land here and get one
// corrective retry with re-snapped values.
func IsRejected(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 400 && apiErr.Status < 500 && apiErr.Status != 429
	}
	return false
}

// IsTransient reports whether err looks like a temporary network or
// server-side failure worth a single backoff retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500 || apiErr.Status == 429
	}

	errStr := strings.ToLower(err.Error())
	transientPatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"rate limit",
		"network",
		"dns",
		"tcp",
		"eof",
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
