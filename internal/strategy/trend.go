package strategy

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/driftpoint/regimebot/internal/indicators"
	"github.com/driftpoint/regimebot/pkg/types"
)

// trendPlugin rides EMA crossovers. It enters on the cross and exits on
// the opposite cross, a fixed stop, or a fixed target.
type trendPlugin struct {
	basePlugin

	fastPeriod    int
	slowPeriod    int
	stopLossPct   decimal.Decimal
	takeProfitPct decimal.Decimal
}

// NewTrendFollowerPlugin builds an EMA crossover strategy. Recognized
// options: fast_period (default 12), slow_period (default 26),
// stop_loss_pct (default 3.0), take_profit_pct (default 6.0).
func NewTrendFollowerPlugin(logger *zap.Logger, symbol string, config map[string]any) (Plugin, error) {
	fast := intOption(config, "fast_period", 12)
	slow := intOption(config, "slow_period", 26)
	stopLoss := floatOption(config, "stop_loss_pct", 3.0)
	takeProfit := floatOption(config, "take_profit_pct", 6.0)

	if fast <= 0 || slow <= 0 {
		return nil, fmt.Errorf("EMA periods must be positive, got fast=%d slow=%d", fast, slow)
	}
	if fast >= slow {
		return nil, fmt.Errorf("fast_period %d must be below slow_period %d", fast, slow)
	}

	return &trendPlugin{
		basePlugin:    newBasePlugin(logger, "trend_follower", TypeTrendFollower, symbol),
		fastPeriod:    fast,
		slowPeriod:    slow,
		stopLossPct:   decimal.NewFromFloat(stopLoss),
		takeProfitPct: decimal.NewFromFloat(takeProfit),
	}, nil
}

// emas returns the fast and slow EMA for the current and previous bar.
func (t *trendPlugin) emas(closes []float64) (fast, slow, prevFast, prevSlow float64, ok bool) {
	if len(closes) < t.slowPeriod+1 {
		return 0, 0, 0, 0, false
	}
	fast = indicators.EMA(closes, t.fastPeriod)
	slow = indicators.EMA(closes, t.slowPeriod)
	prevFast = indicators.EMA(closes[:len(closes)-1], t.fastPeriod)
	prevSlow = indicators.EMA(closes[:len(closes)-1], t.slowPeriod)
	return fast, slow, prevFast, prevSlow, true
}

func (t *trendPlugin) AnalyzeMarket(series types.Series) MarketAnalysis {
	analysis := MarketAnalysis{Trend: "sideways", Timestamp: time.Now()}
	fast, slow, _, _, ok := t.emas(series.Closes())
	if !ok || slow == 0 {
		return analysis
	}

	divergence := (fast - slow) / slow * 100
	switch {
	case divergence > 0.1:
		analysis.Trend = "up"
	case divergence < -0.1:
		analysis.Trend = "down"
	}
	strength := divergence / 5
	if strength < 0 {
		strength = -strength
	}
	if strength > 1 {
		strength = 1
	}
	analysis.Strength = strength
	analysis.Comment = fmt.Sprintf("EMA divergence %.2f%%", divergence)
	return analysis
}

func (t *trendPlugin) GenerateSignal(series types.Series, balance decimal.Decimal) *Signal {
	fast, slow, prevFast, prevSlow, ok := t.emas(series.Closes())
	if !ok {
		return nil
	}
	last, _ := series.Last()

	wasBullish := prevFast > prevSlow
	isBullish := fast > slow

	if !wasBullish && isBullish {
		return &Signal{
			Strategy:   t.name,
			Side:       types.OrderSideBuy,
			Price:      last.Close,
			Confidence: 0.7,
			Reason:     "bullish EMA crossover",
			CreatedAt:  time.Now(),
		}
	}
	if wasBullish && !isBullish {
		return &Signal{
			Strategy:   t.name,
			Side:       types.OrderSideSell,
			Price:      last.Close,
			Confidence: 0.7,
			Reason:     "bearish EMA crossover",
			CreatedAt:  time.Now(),
		}
	}
	return nil
}

func (t *trendPlugin) UpdatePositions(currentPrice decimal.Decimal, series types.Series) []PositionExit {
	fast, slow, _, _, haveEMAs := t.emas(series.Closes())

	stop := t.stopLossPct.Div(decimal.NewFromInt(100))
	target := t.takeProfitPct.Div(decimal.NewFromInt(100))

	var exits []PositionExit
	for _, pos := range t.GetActivePositions() {
		if pos.Side == types.PositionSideLong {
			switch {
			case currentPrice.GreaterThanOrEqual(pos.EntryPrice.Mul(decimal.NewFromInt(1).Add(target))):
				exits = append(exits, PositionExit{PositionID: pos.ID, Reason: ExitTakeProfit})
			case currentPrice.LessThanOrEqual(pos.EntryPrice.Mul(decimal.NewFromInt(1).Sub(stop))):
				exits = append(exits, PositionExit{PositionID: pos.ID, Reason: ExitStopLoss})
			case haveEMAs && fast < slow:
				exits = append(exits, PositionExit{PositionID: pos.ID, Reason: ExitSignal})
			}
		} else {
			switch {
			case currentPrice.LessThanOrEqual(pos.EntryPrice.Mul(decimal.NewFromInt(1).Sub(target))):
				exits = append(exits, PositionExit{PositionID: pos.ID, Reason: ExitTakeProfit})
			case currentPrice.GreaterThanOrEqual(pos.EntryPrice.Mul(decimal.NewFromInt(1).Add(stop))):
				exits = append(exits, PositionExit{PositionID: pos.ID, Reason: ExitStopLoss})
			case haveEMAs && fast > slow:
				exits = append(exits, PositionExit{PositionID: pos.ID, Reason: ExitSignal})
			}
		}
	}
	return exits
}
