package indicators

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func constantSeries(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func risingSeries(start, step float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + step*float64(i)
	}
	return out
}

func TestEMAConstantSeries(t *testing.T) {
	assert.InDelta(t, 100.0, EMA(constantSeries(100, 60), 20), 1e-9)
}

func TestEMAShortSeriesFallsBackToLast(t *testing.T) {
	assert.Equal(t, 3.0, EMA([]float64{1, 2, 3}, 20))
}

func TestEMATracksRisingSeries(t *testing.T) {
	closes := risingSeries(100, 1, 80)
	fast := EMA(closes, 10)
	slow := EMA(closes, 40)
	assert.Greater(t, fast, slow)
	assert.Less(t, fast, closes[len(closes)-1])
}

func TestRSIExtremes(t *testing.T) {
	assert.Equal(t, 100.0, RSI(risingSeries(100, 1, 30), 14))
	assert.Equal(t, 0.0, RSI(risingSeries(100, -1, 30), 14))
	assert.Equal(t, 50.0, RSI([]float64{1, 2}, 14))
}

func TestATRFlatCandlesIsZero(t *testing.T) {
	highs := constantSeries(100, 30)
	lows := constantSeries(100, 30)
	closes := constantSeries(100, 30)
	assert.Equal(t, 0.0, ATR(highs, lows, closes, 14))
}

func TestATRConstantRange(t *testing.T) {
	n := 30
	highs := constantSeries(101, n)
	lows := constantSeries(99, n)
	closes := constantSeries(100, n)
	// Every true range is max(2, 1, 1) = 2.
	assert.InDelta(t, 2.0, ATR(highs, lows, closes, 14), 1e-9)
}

func TestADXRisingTrend(t *testing.T) {
	n := 60
	closes := risingSeries(100, 1, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	for i := range closes {
		highs[i] = closes[i] + 0.5
		lows[i] = closes[i] - 0.5
	}

	adx, plusDI, minusDI := ADX(highs, lows, closes, 14)

	assert.Greater(t, adx, 50.0)
	assert.Greater(t, plusDI, minusDI)
	assert.LessOrEqual(t, adx, 100.0)
}

func TestADXShortInputYieldsZeros(t *testing.T) {
	adx, plusDI, minusDI := ADX(constantSeries(1, 10), constantSeries(1, 10), constantSeries(1, 10), 14)
	assert.Zero(t, adx)
	assert.Zero(t, plusDI)
	assert.Zero(t, minusDI)
}

func TestBollingerConstantSeriesCollapses(t *testing.T) {
	upper, middle, lower := Bollinger(constantSeries(50, 40), 20, 2)
	assert.Equal(t, 50.0, upper)
	assert.Equal(t, 50.0, middle)
	assert.Equal(t, 50.0, lower)
	assert.Equal(t, 0.0, BollingerWidthPct(constantSeries(50, 40), 20, 2))
}

func TestBollingerBandsSymmetric(t *testing.T) {
	closes := []float64{98, 99, 100, 101, 102, 98, 99, 100, 101, 102, 98, 99, 100, 101, 102, 98, 99, 100, 101, 102}
	upper, middle, lower := Bollinger(closes, 20, 2)
	assert.Greater(t, upper, middle)
	assert.Less(t, lower, middle)
	assert.InDelta(t, upper-middle, middle-lower, 1e-9)
}

func TestVolumeRatio(t *testing.T) {
	vols := constantSeries(1000, 30)
	assert.InDelta(t, 1.0, VolumeRatio(vols, 20), 1e-9)

	vols[len(vols)-1] = 2000
	assert.InDelta(t, 2.0, VolumeRatio(vols, 20), 1e-9)

	assert.Equal(t, 1.0, VolumeRatio([]float64{1, 2}, 20))
}

func TestVolumeRatioZeroAverage(t *testing.T) {
	vols := constantSeries(0, 30)
	vols[len(vols)-1] = 500
	assert.Equal(t, 1.0, VolumeRatio(vols, 20))
}

func TestTrueRangeUsesPreviousClose(t *testing.T) {
	highs := []float64{10, 12}
	lows := []float64{9, 11}
	closes := []float64{9.5, 11.5}
	// Gap up: high-prevClose = 2.5 beats high-low = 1.
	assert.InDelta(t, 2.5, trueRange(highs, lows, closes, 1), 1e-9)
	assert.False(t, math.IsNaN(trueRange(highs, lows, closes, 0)))
}
