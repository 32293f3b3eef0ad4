// Package exchange provides the venue-facing collaborator: a REST
// client for market data and order management plus an optional ticker
// stream. Every call is network-bound and may fail transiently; the
// caller decides retry policy across ticks.
package exchange

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/driftpoint/regimebot/pkg/types"
)

// ErrNotFound marks a lookup for an order the venue does not know.
var ErrNotFound = errors.New("exchange: order not found")

// Client is the exchange capability the control loop depends on.
type Client interface {
	FetchTicker(ctx context.Context, symbol string) (*types.Ticker, error)
	FetchOHLCV(ctx context.Context, symbol string, timeframe types.Timeframe, limit int) (types.Series, error)
	FetchBalance(ctx context.Context) ([]types.Balance, error)
	FetchOpenOrders(ctx context.Context, symbol string) ([]*types.Order, error)
	FetchOrder(ctx context.Context, id, symbol string) (*types.Order, error)
	CreateOrder(ctx context.Context, symbol string, typ types.OrderType, side types.OrderSide, amount decimal.Decimal, price *decimal.Decimal) (*types.Order, error)
	CancelAllOrders(ctx context.Context, symbol string) error
}
