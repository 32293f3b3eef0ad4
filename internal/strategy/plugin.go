package strategy

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/driftpoint/regimebot/pkg/types"
	"github.com/driftpoint/regimebot/pkg/utils"
)

// ErrPositionNotFound is returned when a position id is unknown to the
// strategy.
var ErrPositionNotFound = errors.New("position not found")

// basePlugin carries the position bookkeeping shared by every built-in
// strategy. Concrete strategies embed it and supply the market logic.
type basePlugin struct {
	logger *zap.Logger
	name   string
	typ    string
	symbol string

	mu            sync.Mutex
	positions     map[string]*PositionInfo
	totalTrades   int
	winningTrades int
	realizedPnL   decimal.Decimal
}

func newBasePlugin(logger *zap.Logger, name, typ, symbol string) basePlugin {
	return basePlugin{
		logger:    logger,
		name:      name,
		typ:       typ,
		symbol:    symbol,
		positions: make(map[string]*PositionInfo),
	}
}

func (b *basePlugin) Name() string { return b.name }
func (b *basePlugin) Type() string { return b.typ }

// OpenPosition books a position at the signal price.
func (b *basePlugin) OpenPosition(signal *Signal, size decimal.Decimal) (string, error) {
	if signal == nil {
		return "", errors.New("nil signal")
	}
	if size.IsNegative() || size.IsZero() {
		return "", fmt.Errorf("invalid position size %s", size)
	}

	side := types.PositionSideLong
	if signal.Side == types.OrderSideSell {
		side = types.PositionSideShort
	}

	pos := &PositionInfo{
		ID:         utils.GeneratePositionID(),
		Side:       side,
		EntryPrice: signal.Price,
		Quantity:   size,
		OpenedAt:   time.Now(),
	}

	b.mu.Lock()
	b.positions[pos.ID] = pos
	b.mu.Unlock()

	b.logger.Info("Position opened",
		zap.String("strategy", b.name),
		zap.String("position", pos.ID),
		zap.String("side", string(side)),
		zap.String("entry", signal.Price.String()),
		zap.String("size", size.String()))
	return pos.ID, nil
}

// ClosePosition realizes the PnL of a position at the given price.
func (b *basePlugin) ClosePosition(positionID string, reason ExitReason, price decimal.Decimal) error {
	b.mu.Lock()
	pos, ok := b.positions[positionID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPositionNotFound, positionID)
	}
	delete(b.positions, positionID)

	pnl := price.Sub(pos.EntryPrice).Mul(pos.Quantity)
	if pos.Side == types.PositionSideShort {
		pnl = pos.EntryPrice.Sub(price).Mul(pos.Quantity)
	}
	b.totalTrades++
	if pnl.IsPositive() {
		b.winningTrades++
	}
	b.realizedPnL = b.realizedPnL.Add(pnl)
	b.mu.Unlock()

	b.logger.Info("Position closed",
		zap.String("strategy", b.name),
		zap.String("position", positionID),
		zap.String("reason", string(reason)),
		zap.String("exit", price.String()),
		zap.String("pnl", pnl.String()))
	return nil
}

// GetActivePositions returns copies of the open positions ordered by id.
func (b *basePlugin) GetActivePositions() []PositionInfo {
	b.mu.Lock()
	out := make([]PositionInfo, 0, len(b.positions))
	for _, pos := range b.positions {
		out = append(out, *pos)
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetPerformance returns the realized trading outcome so far.
func (b *basePlugin) GetPerformance() PerformanceSummary {
	b.mu.Lock()
	defer b.mu.Unlock()
	return PerformanceSummary{
		TotalTrades:   b.totalTrades,
		WinningTrades: b.winningTrades,
		RealizedPnL:   b.realizedPnL,
		OpenPositions: len(b.positions),
	}
}

// floatOption reads a numeric option from a strategy config map.
func floatOption(config map[string]any, key string, def float64) float64 {
	v, ok := config[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return def
	}
}

// intOption reads an integer option from a strategy config map.
func intOption(config map[string]any, key string, def int) int {
	v, ok := config[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return def
	}
}
