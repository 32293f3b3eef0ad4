// Package strategy defines the capability surface every trading
// strategy exposes, the per-instance lifecycle state machine, and the
// registry that owns all instances.
package strategy

import (
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/driftpoint/regimebot/pkg/types"
)

// Built-in strategy types.
const (
	TypeGrid          = "grid"
	TypeDCA           = "dca"
	TypeTrendFollower = "trend_follower"
	TypeSMC           = "smc"
)

// MarketAnalysis is a strategy's own read of the market.
type MarketAnalysis struct {
	Trend     string    `json:"trend"` // "up", "down" or "sideways"
	Strength  float64   `json:"strength"`
	Comment   string    `json:"comment,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Signal is a strategy's intention to trade.
type Signal struct {
	Strategy   string          `json:"strategy"`
	Side       types.OrderSide `json:"side"`
	Price      decimal.Decimal `json:"price"`
	Confidence float64         `json:"confidence"`
	Reason     string          `json:"reason,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// ExitReason explains why a position should close.
type ExitReason string

const (
	ExitTakeProfit ExitReason = "take_profit"
	ExitStopLoss   ExitReason = "stop_loss"
	ExitSignal     ExitReason = "signal"
	ExitUnwind     ExitReason = "unwind"
)

// PositionExit pairs a position with the reason to close it.
type PositionExit struct {
	PositionID string     `json:"positionId"`
	Reason     ExitReason `json:"reason"`
}

// PositionInfo describes one open position held by a strategy.
type PositionInfo struct {
	ID         string             `json:"id"`
	Side       types.PositionSide `json:"side"`
	EntryPrice decimal.Decimal    `json:"entryPrice"`
	Quantity   decimal.Decimal    `json:"quantity"`
	OpenedAt   time.Time          `json:"openedAt"`
}

// PerformanceSummary aggregates a strategy's trading outcome.
type PerformanceSummary struct {
	TotalTrades   int             `json:"totalTrades"`
	WinningTrades int             `json:"winningTrades"`
	RealizedPnL   decimal.Decimal `json:"realizedPnl"`
	OpenPositions int             `json:"openPositions"`
}

// Plugin is the capability surface every concrete strategy implements.
// The orchestration core depends only on this interface and never
// branches on a concrete strategy's internals.
type Plugin interface {
	Name() string
	Type() string
	AnalyzeMarket(series types.Series) MarketAnalysis
	GenerateSignal(series types.Series, balance decimal.Decimal) *Signal
	OpenPosition(signal *Signal, size decimal.Decimal) (string, error)
	UpdatePositions(currentPrice decimal.Decimal, series types.Series) []PositionExit
	ClosePosition(positionID string, reason ExitReason, price decimal.Decimal) error
	GetActivePositions() []PositionInfo
	GetPerformance() PerformanceSummary
}

// Factory constructs a plugin of one type for a symbol.
type Factory func(logger *zap.Logger, symbol string, config map[string]any) (Plugin, error)
