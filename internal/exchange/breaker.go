package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// BreakerGateway wraps a Gateway with circuit breaker protection so a flapping
// exchange stops being hammered while it is down.
type BreakerGateway struct {
	gateway Gateway
	breaker *gobreaker.CircuitBreaker
}

var _ Gateway = (*BreakerGateway)(nil)

// BreakerSettings configures circuit breaker behavior.
type BreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewBreakerGateway wraps gateway with sensible defaults.
func NewBreakerGateway(gateway Gateway, logger *logrus.Logger) *BreakerGateway {
	return NewBreakerGatewayWithSettings(gateway, logger, BreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
}

// NewBreakerGatewayWithSettings wraps gateway with custom settings.
func NewBreakerGatewayWithSettings(gateway Gateway, logger *logrus.Logger, settings BreakerSettings) *BreakerGateway {
	gbSettings := gobreaker.Settings{
		Name:        "ExchangeGateway",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			// Business rejections are the caller's problem, not exchange
			// health; only transport-level failures count against the breaker.
			return err == nil || IsRejected(err)
		},
	}
	if logger != nil {
		gbSettings.OnStateChange = func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state changed")
		}
	}

	return &BreakerGateway{
		gateway: gateway,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// execBreaker is a generic helper for the wrapper methods.
func execBreaker[T any](breaker *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn() })
	if err != nil {
		return zero, err
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// ListInstruments wraps the underlying gateway call with the circuit breaker.
func (b *BreakerGateway) ListInstruments(ctx context.Context, currency, kind string) ([]Instrument, error) {
	return execBreaker(b.breaker, func() ([]Instrument, error) {
		return b.gateway.ListInstruments(ctx, currency, kind)
	})
}

// GetQuote wraps the underlying gateway call with the circuit breaker.
func (b *BreakerGateway) GetQuote(ctx context.Context, instrument string) (*Quote, error) {
	return execBreaker(b.breaker, func() (*Quote, error) {
		return b.gateway.GetQuote(ctx, instrument)
	})
}

// PlaceOrder wraps the underlying gateway call with the circuit breaker.
func (b *BreakerGateway) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderHandle, error) {
	return execBreaker(b.breaker, func() (*OrderHandle, error) {
		return b.gateway.PlaceOrder(ctx, req)
	})
}

// CancelOrder wraps the underlying gateway call with the circuit breaker.
func (b *BreakerGateway) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	return execBreaker(b.breaker, func() (bool, error) {
		return b.gateway.CancelOrder(ctx, orderID)
	})
}

// ListOpenOrders wraps the underlying gateway call with the circuit breaker.
func (b *BreakerGateway) ListOpenOrders(ctx context.Context, account string) ([]OrderHandle, error) {
	return execBreaker(b.breaker, func() ([]OrderHandle, error) {
		return b.gateway.ListOpenOrders(ctx, account)
	})
}

// ListPositions wraps the underlying gateway call with the circuit breaker.
func (b *BreakerGateway) ListPositions(ctx context.Context, account string) ([]Position, error) {
	return execBreaker(b.breaker, func() ([]Position, error) {
		return b.gateway.ListPositions(ctx, account)
	})
}
