package strategy

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/driftpoint/regimebot/internal/indicators"
	"github.com/driftpoint/regimebot/pkg/types"
)

// smcPlugin trades market structure. It tracks the most recent
// confirmed swing high and low, enters on volume-backed breaks of
// structure and on liquidity sweeps that wick through a swing and
// close back inside.
type smcPlugin struct {
	basePlugin

	swingStrength int
	volLookback   int
	volumeConfirm float64
	stopLossPct   decimal.Decimal
	riskReward    decimal.Decimal
}

// NewSMCPlugin builds a market structure strategy. Recognized options:
// swing_strength (default 2), vol_lookback (default 20),
// volume_confirm (default 1.2), stop_loss_pct (default 2.0),
// risk_reward (default 2.0).
func NewSMCPlugin(logger *zap.Logger, symbol string, config map[string]any) (Plugin, error) {
	strength := intOption(config, "swing_strength", 2)
	volLookback := intOption(config, "vol_lookback", 20)
	volumeConfirm := floatOption(config, "volume_confirm", 1.2)
	stopLoss := floatOption(config, "stop_loss_pct", 2.0)
	riskReward := floatOption(config, "risk_reward", 2.0)

	if strength <= 0 {
		return nil, fmt.Errorf("swing_strength must be positive, got %v", strength)
	}
	if riskReward <= 0 {
		return nil, fmt.Errorf("risk_reward must be positive, got %v", riskReward)
	}

	return &smcPlugin{
		basePlugin:    newBasePlugin(logger, "smc", TypeSMC, symbol),
		swingStrength: strength,
		volLookback:   volLookback,
		volumeConfirm: volumeConfirm,
		stopLossPct:   decimal.NewFromFloat(stopLoss),
		riskReward:    decimal.NewFromFloat(riskReward),
	}, nil
}

// recentSwings finds the newest confirmed swing high and swing low. A
// swing needs `wing` bars on each side that stay inside it.
func recentSwings(highs, lows []float64, wing int) (swingHigh, swingLow float64, ok bool) {
	n := len(highs)
	if n < 2*wing+2 {
		return 0, 0, false
	}

	haveHigh, haveLow := false, false
	for i := n - 1 - wing; i >= wing && !(haveHigh && haveLow); i-- {
		if !haveHigh {
			isSwing := true
			for j := i - wing; j <= i+wing; j++ {
				if j != i && highs[j] >= highs[i] {
					isSwing = false
					break
				}
			}
			if isSwing {
				swingHigh = highs[i]
				haveHigh = true
			}
		}
		if !haveLow {
			isSwing := true
			for j := i - wing; j <= i+wing; j++ {
				if j != i && lows[j] <= lows[i] {
					isSwing = false
					break
				}
			}
			if isSwing {
				swingLow = lows[i]
				haveLow = true
			}
		}
	}
	return swingHigh, swingLow, haveHigh && haveLow
}

func (s *smcPlugin) AnalyzeMarket(series types.Series) MarketAnalysis {
	analysis := MarketAnalysis{Trend: "sideways", Timestamp: time.Now()}
	highs, lows, closes := series.Highs(), series.Lows(), series.Closes()
	swingHigh, swingLow, ok := recentSwings(highs, lows, s.swingStrength)
	if !ok || len(closes) == 0 {
		return analysis
	}

	last := closes[len(closes)-1]
	span := swingHigh - swingLow
	switch {
	case last > swingHigh:
		analysis.Trend = "up"
		analysis.Comment = "trading above the last swing high"
	case last < swingLow:
		analysis.Trend = "down"
		analysis.Comment = "trading below the last swing low"
	default:
		analysis.Comment = "inside the last swing range"
	}
	if span > 0 {
		strength := (last - swingLow) / span
		if analysis.Trend == "down" {
			strength = (swingHigh - last) / span
		}
		if strength < 0 {
			strength = -strength
		}
		if strength > 1 {
			strength = 1
		}
		analysis.Strength = strength
	}
	return analysis
}

func (s *smcPlugin) GenerateSignal(series types.Series, balance decimal.Decimal) *Signal {
	highs, lows, closes := series.Highs(), series.Lows(), series.Closes()
	swingHigh, swingLow, ok := recentSwings(highs, lows, s.swingStrength)
	if !ok {
		return nil
	}

	last, _ := series.Last()
	lastClose := closes[len(closes)-1]
	lastHigh := highs[len(highs)-1]
	lastLow := lows[len(lows)-1]
	volRatio := indicators.VolumeRatio(series.Volumes(), s.volLookback)

	// Sweeps take priority: a wick through a swing that closes back
	// inside marks absorbed liquidity.
	if lastLow < swingLow && lastClose > swingLow {
		return &Signal{
			Strategy:   s.name,
			Side:       types.OrderSideBuy,
			Price:      last.Close,
			Confidence: 0.75,
			Reason:     "liquidity sweep below swing low",
			CreatedAt:  time.Now(),
		}
	}
	if lastHigh > swingHigh && lastClose < swingHigh {
		return &Signal{
			Strategy:   s.name,
			Side:       types.OrderSideSell,
			Price:      last.Close,
			Confidence: 0.75,
			Reason:     "liquidity sweep above swing high",
			CreatedAt:  time.Now(),
		}
	}

	if volRatio < s.volumeConfirm {
		return nil
	}
	if lastClose > swingHigh {
		return &Signal{
			Strategy:   s.name,
			Side:       types.OrderSideBuy,
			Price:      last.Close,
			Confidence: 0.7,
			Reason:     "break of structure above swing high",
			CreatedAt:  time.Now(),
		}
	}
	if lastClose < swingLow {
		return &Signal{
			Strategy:   s.name,
			Side:       types.OrderSideSell,
			Price:      last.Close,
			Confidence: 0.7,
			Reason:     "break of structure below swing low",
			CreatedAt:  time.Now(),
		}
	}
	return nil
}

func (s *smcPlugin) UpdatePositions(currentPrice decimal.Decimal, series types.Series) []PositionExit {
	stop := s.stopLossPct.Div(decimal.NewFromInt(100))
	target := stop.Mul(s.riskReward)

	var exits []PositionExit
	for _, pos := range s.GetActivePositions() {
		if pos.Side == types.PositionSideLong {
			switch {
			case currentPrice.GreaterThanOrEqual(pos.EntryPrice.Mul(decimal.NewFromInt(1).Add(target))):
				exits = append(exits, PositionExit{PositionID: pos.ID, Reason: ExitTakeProfit})
			case currentPrice.LessThanOrEqual(pos.EntryPrice.Mul(decimal.NewFromInt(1).Sub(stop))):
				exits = append(exits, PositionExit{PositionID: pos.ID, Reason: ExitStopLoss})
			}
		} else {
			switch {
			case currentPrice.LessThanOrEqual(pos.EntryPrice.Mul(decimal.NewFromInt(1).Sub(target))):
				exits = append(exits, PositionExit{PositionID: pos.ID, Reason: ExitTakeProfit})
			case currentPrice.GreaterThanOrEqual(pos.EntryPrice.Mul(decimal.NewFromInt(1).Add(stop))):
				exits = append(exits, PositionExit{PositionID: pos.ID, Reason: ExitStopLoss})
			}
		}
	}
	return exits
}
