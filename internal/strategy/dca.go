package strategy

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/driftpoint/regimebot/pkg/types"
	"github.com/driftpoint/regimebot/pkg/utils"
)

// dcaPlugin accumulates on a fixed bar cadence and buys extra into
// sharp dips. It suits trending markets where timing entries precisely
// matters less than participating.
type dcaPlugin struct {
	basePlugin

	intervalBars  int
	dipPct        decimal.Decimal
	takeProfitPct decimal.Decimal

	dcaMu      sync.Mutex
	barCount   int
	lastBuyBar int
}

// NewDCAPlugin builds a dollar cost averaging strategy. Recognized
// options: interval_bars (default 24), dip_pct (default 5.0),
// take_profit_pct (default 10.0).
func NewDCAPlugin(logger *zap.Logger, symbol string, config map[string]any) (Plugin, error) {
	interval := intOption(config, "interval_bars", 24)
	dip := floatOption(config, "dip_pct", 5.0)
	takeProfit := floatOption(config, "take_profit_pct", 10.0)

	if interval <= 0 {
		return nil, fmt.Errorf("interval_bars must be positive, got %v", interval)
	}
	if dip <= 0 {
		return nil, fmt.Errorf("dip_pct must be positive, got %v", dip)
	}

	return &dcaPlugin{
		basePlugin:    newBasePlugin(logger, "dca", TypeDCA, symbol),
		intervalBars:  interval,
		dipPct:        decimal.NewFromFloat(dip),
		takeProfitPct: decimal.NewFromFloat(takeProfit),
	}, nil
}

func (d *dcaPlugin) AnalyzeMarket(series types.Series) MarketAnalysis {
	analysis := MarketAnalysis{Trend: "sideways", Timestamp: time.Now()}
	lookback := d.intervalBars
	if len(series) < lookback+1 {
		return analysis
	}

	first := series[len(series)-lookback-1].Close
	last := series[len(series)-1].Close
	change := utils.PercentChange(first, last)

	switch {
	case change.GreaterThan(decimal.NewFromInt(1)):
		analysis.Trend = "up"
	case change.LessThan(decimal.NewFromInt(-1)):
		analysis.Trend = "down"
	}
	strength, _ := change.Abs().Div(decimal.NewFromInt(10)).Float64()
	if strength > 1 {
		strength = 1
	}
	analysis.Strength = strength
	analysis.Comment = fmt.Sprintf("%s%% change over %d bars", change.StringFixed(2), lookback)
	return analysis
}

func (d *dcaPlugin) GenerateSignal(series types.Series, balance decimal.Decimal) *Signal {
	last, ok := series.Last()
	if !ok {
		return nil
	}

	d.dcaMu.Lock()
	defer d.dcaMu.Unlock()
	d.barCount++

	if d.barCount-d.lastBuyBar >= d.intervalBars {
		d.lastBuyBar = d.barCount
		return &Signal{
			Strategy:   d.name,
			Side:       types.OrderSideBuy,
			Price:      last.Close,
			Confidence: 0.5,
			Reason:     "scheduled accumulation buy",
			CreatedAt:  time.Now(),
		}
	}

	if len(series) > 1 {
		prev := series[len(series)-2].Close
		drop := utils.PercentChange(prev, last.Close).Neg()
		if drop.GreaterThan(d.dipPct) {
			d.lastBuyBar = d.barCount
			return &Signal{
				Strategy:   d.name,
				Side:       types.OrderSideBuy,
				Price:      last.Close,
				Confidence: 0.7,
				Reason:     fmt.Sprintf("dip buy on %s%% drop", drop.StringFixed(2)),
				CreatedAt:  time.Now(),
			}
		}
	}
	return nil
}

func (d *dcaPlugin) UpdatePositions(currentPrice decimal.Decimal, series types.Series) []PositionExit {
	target := d.takeProfitPct.Div(decimal.NewFromInt(100))

	var exits []PositionExit
	for _, pos := range d.GetActivePositions() {
		if pos.Side != types.PositionSideLong {
			continue
		}
		exitAt := pos.EntryPrice.Mul(decimal.NewFromInt(1).Add(target))
		if currentPrice.GreaterThanOrEqual(exitAt) {
			exits = append(exits, PositionExit{PositionID: pos.ID, Reason: ExitTakeProfit})
		}
	}
	return exits
}
