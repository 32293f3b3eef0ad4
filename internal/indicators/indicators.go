// Package indicators implements the technical indicators used by the
// regime classifier and the built-in strategies. All series are oldest
// first.
package indicators

import "math"

// EMA returns the exponential moving average of the series, seeded at
// the first value. Returns the last value when the series is shorter
// than the period.
func EMA(values []float64, period int) float64 {
	if len(values) == 0 {
		return 0
	}
	if period <= 0 || len(values) < period {
		return values[len(values)-1]
	}

	multiplier := 2.0 / float64(period+1)
	ema := values[0]
	for i := 1; i < len(values); i++ {
		ema = (values[i]-ema)*multiplier + ema
	}
	return ema
}

// SMA returns the simple moving average of the last period values.
func SMA(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		if len(values) == 0 {
			return 0
		}
		period = len(values)
	}
	var sum float64
	for i := len(values) - period; i < len(values); i++ {
		sum += values[i]
	}
	return sum / float64(period)
}

// RSI returns the relative strength index over the last period changes.
// Returns the neutral 50 when the series is too short.
func RSI(closes []float64, period int) float64 {
	if period <= 0 || len(closes) < period+1 {
		return 50.0
	}

	var gains, losses float64
	for i := 1; i <= period; i++ {
		change := closes[len(closes)-i] - closes[len(closes)-i-1]
		if change >= 0 {
			gains += change
		} else {
			losses -= change
		}
	}

	if losses == 0 {
		return 100.0
	}

	rs := gains / losses
	return 100.0 - (100.0 / (1.0 + rs))
}

// ATR returns the average true range over the last period candles.
func ATR(highs, lows, closes []float64, period int) float64 {
	n := len(closes)
	if period <= 0 || n < period+1 {
		return 0
	}

	var sum float64
	for i := n - period; i < n; i++ {
		sum += trueRange(highs, lows, closes, i)
	}
	return sum / float64(period)
}

// ADX returns the Average Directional Index with Wilder smoothing,
// along with the +DI and -DI components. Requires at least 2*period
// candles; shorter input yields zeros.
func ADX(highs, lows, closes []float64, period int) (adx, plusDI, minusDI float64) {
	n := len(closes)
	if period <= 0 || n < 2*period {
		return 0, 0, 0
	}

	// Seed the smoothed sums with the first period of raw values.
	var smTR, smPlusDM, smMinusDM float64
	for i := 1; i <= period; i++ {
		tr, pdm, mdm := directionalMove(highs, lows, closes, i)
		smTR += tr
		smPlusDM += pdm
		smMinusDM += mdm
	}

	p := float64(period)
	count := 0
	for i := period + 1; i < n; i++ {
		tr, pdm, mdm := directionalMove(highs, lows, closes, i)
		smTR = smTR - smTR/p + tr
		smPlusDM = smPlusDM - smPlusDM/p + pdm
		smMinusDM = smMinusDM - smMinusDM/p + mdm

		plusDI, minusDI = 0, 0
		if smTR > 0 {
			plusDI = 100 * smPlusDM / smTR
			minusDI = 100 * smMinusDM / smTR
		}

		var dx float64
		if sum := plusDI + minusDI; sum > 0 {
			dx = 100 * math.Abs(plusDI-minusDI) / sum
		}

		count++
		switch {
		case count == 1:
			adx = dx
		case count <= period:
			adx = (adx*float64(count-1) + dx) / float64(count)
		default:
			adx = (adx*(p-1) + dx) / p
		}
	}

	return adx, plusDI, minusDI
}

// Bollinger returns the upper, middle and lower Bollinger bands over
// the last period closes with the given standard deviation multiplier.
func Bollinger(closes []float64, period int, stdDev float64) (upper, middle, lower float64) {
	if len(closes) == 0 {
		return 0, 0, 0
	}
	if period <= 0 || len(closes) < period {
		last := closes[len(closes)-1]
		return last, last, last
	}

	middle = SMA(closes, period)

	var variance float64
	for i := len(closes) - period; i < len(closes); i++ {
		variance += math.Pow(closes[i]-middle, 2)
	}
	sd := math.Sqrt(variance / float64(period))

	return middle + sd*stdDev, middle, middle - sd*stdDev
}

// BollingerWidthPct returns the band width as a percentage of the
// middle band.
func BollingerWidthPct(closes []float64, period int, stdDev float64) float64 {
	upper, middle, lower := Bollinger(closes, period, stdDev)
	if middle == 0 {
		return 0
	}
	return (upper - lower) / middle * 100
}

// VolumeRatio returns the last volume relative to the average of the
// preceding lookback volumes. Returns 1 when there is not enough data
// or the average is zero.
func VolumeRatio(volumes []float64, lookback int) float64 {
	n := len(volumes)
	if lookback <= 0 || n < lookback+1 {
		return 1.0
	}

	var sum float64
	for i := n - lookback - 1; i < n-1; i++ {
		sum += volumes[i]
	}
	avg := sum / float64(lookback)
	if avg == 0 {
		return 1.0
	}
	return volumes[n-1] / avg
}

func trueRange(highs, lows, closes []float64, i int) float64 {
	if i == 0 {
		return highs[0] - lows[0]
	}
	highLow := highs[i] - lows[i]
	highPrevClose := math.Abs(highs[i] - closes[i-1])
	lowPrevClose := math.Abs(lows[i] - closes[i-1])
	return math.Max(highLow, math.Max(highPrevClose, lowPrevClose))
}

func directionalMove(highs, lows, closes []float64, i int) (tr, plusDM, minusDM float64) {
	upMove := highs[i] - highs[i-1]
	downMove := lows[i-1] - lows[i]
	if upMove > downMove && upMove > 0 {
		plusDM = upMove
	}
	if downMove > upMove && downMove > 0 {
		minusDM = downMove
	}
	tr = trueRange(highs, lows, closes, i)
	return tr, plusDM, minusDM
}
