package strategy

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/driftpoint/regimebot/internal/indicators"
	"github.com/driftpoint/regimebot/pkg/types"
)

// gridPlugin trades a ladder of buy and sell levels around an anchor
// price. It earns in ranging markets and is the default choice for
// TIGHT_RANGE conditions.
type gridPlugin struct {
	basePlugin

	spacingPct decimal.Decimal
	levels     int
	bbPeriod   int

	gridMu     sync.Mutex
	anchor     decimal.Decimal
	buyLevels  []decimal.Decimal
	sellLevels []decimal.Decimal
}

// NewGridPlugin builds a grid strategy from its config map. Recognized
// options: grid_spacing_pct (default 1.0), grid_levels (default 5),
// bb_period (default 20).
func NewGridPlugin(logger *zap.Logger, symbol string, config map[string]any) (Plugin, error) {
	spacing := floatOption(config, "grid_spacing_pct", 1.0)
	levels := intOption(config, "grid_levels", 5)
	bbPeriod := intOption(config, "bb_period", 20)

	if spacing <= 0 {
		return nil, fmt.Errorf("grid_spacing_pct must be positive, got %v", spacing)
	}
	if levels <= 0 {
		return nil, fmt.Errorf("grid_levels must be positive, got %v", levels)
	}

	return &gridPlugin{
		basePlugin: newBasePlugin(logger, "grid", TypeGrid, symbol),
		spacingPct: decimal.NewFromFloat(spacing),
		levels:     levels,
		bbPeriod:   bbPeriod,
	}, nil
}

func (g *gridPlugin) AnalyzeMarket(series types.Series) MarketAnalysis {
	closes := series.Closes()
	if len(closes) < g.bbPeriod {
		return MarketAnalysis{Trend: "sideways", Timestamp: time.Now()}
	}

	width := indicators.BollingerWidthPct(closes, g.bbPeriod, 2.0)
	analysis := MarketAnalysis{Timestamp: time.Now()}
	if width < 4.0 {
		analysis.Trend = "sideways"
		analysis.Strength = 1.0 - width/4.0
		analysis.Comment = "compressed range suits grid rotation"
	} else {
		analysis.Trend = "sideways"
		analysis.Strength = 0
		analysis.Comment = "range too wide for the configured spacing"
	}
	return analysis
}

func (g *gridPlugin) GenerateSignal(series types.Series, balance decimal.Decimal) *Signal {
	if len(series) < 2 {
		return nil
	}
	current := series[len(series)-1].Close
	previous := series[len(series)-2].Close

	g.gridMu.Lock()
	if g.anchor.IsZero() {
		g.anchor = current
		g.rebuildLevels()
		g.gridMu.Unlock()
		return nil
	}
	buyLevels := append([]decimal.Decimal(nil), g.buyLevels...)
	sellLevels := append([]decimal.Decimal(nil), g.sellLevels...)
	g.gridMu.Unlock()

	// A level fires when the close crosses it between two bars.
	for _, level := range buyLevels {
		if current.LessThanOrEqual(level) && previous.GreaterThan(level) {
			return &Signal{
				Strategy:   g.name,
				Side:       types.OrderSideBuy,
				Price:      current,
				Confidence: 0.6,
				Reason:     fmt.Sprintf("grid buy level %s crossed", level.StringFixed(2)),
				CreatedAt:  time.Now(),
			}
		}
	}
	for _, level := range sellLevels {
		if current.GreaterThanOrEqual(level) && previous.LessThan(level) {
			return &Signal{
				Strategy:   g.name,
				Side:       types.OrderSideSell,
				Price:      current,
				Confidence: 0.6,
				Reason:     fmt.Sprintf("grid sell level %s crossed", level.StringFixed(2)),
				CreatedAt:  time.Now(),
			}
		}
	}
	return nil
}

// rebuildLevels lays out the ladder around the anchor. Caller must hold
// gridMu.
func (g *gridPlugin) rebuildLevels() {
	g.buyLevels = make([]decimal.Decimal, g.levels)
	g.sellLevels = make([]decimal.Decimal, g.levels)
	hundred := decimal.NewFromInt(100)
	for i := 0; i < g.levels; i++ {
		offset := g.spacingPct.Mul(decimal.NewFromInt(int64(i + 1))).Div(hundred)
		g.buyLevels[i] = g.anchor.Sub(g.anchor.Mul(offset))
		g.sellLevels[i] = g.anchor.Add(g.anchor.Mul(offset))
	}
}

func (g *gridPlugin) UpdatePositions(currentPrice decimal.Decimal, series types.Series) []PositionExit {
	oneSpacing := g.spacingPct.Div(decimal.NewFromInt(100))
	stopSpacing := oneSpacing.Mul(decimal.NewFromInt(3))

	var exits []PositionExit
	for _, pos := range g.GetActivePositions() {
		var target, stop decimal.Decimal
		if pos.Side == types.PositionSideLong {
			target = pos.EntryPrice.Mul(decimal.NewFromInt(1).Add(oneSpacing))
			stop = pos.EntryPrice.Mul(decimal.NewFromInt(1).Sub(stopSpacing))
			switch {
			case currentPrice.GreaterThanOrEqual(target):
				exits = append(exits, PositionExit{PositionID: pos.ID, Reason: ExitTakeProfit})
			case currentPrice.LessThanOrEqual(stop):
				exits = append(exits, PositionExit{PositionID: pos.ID, Reason: ExitStopLoss})
			}
		} else {
			target = pos.EntryPrice.Mul(decimal.NewFromInt(1).Sub(oneSpacing))
			stop = pos.EntryPrice.Mul(decimal.NewFromInt(1).Add(stopSpacing))
			switch {
			case currentPrice.LessThanOrEqual(target):
				exits = append(exits, PositionExit{PositionID: pos.ID, Reason: ExitTakeProfit})
			case currentPrice.GreaterThanOrEqual(stop):
				exits = append(exits, PositionExit{PositionID: pos.ID, Reason: ExitStopLoss})
			}
		}
	}
	return exits
}
