package regime

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/driftpoint/regimebot/pkg/types"
)

// buildSeries converts closes into candles with a fixed absolute spread
// around each close and constant volume.
func buildSeries(closes []float64, spread, volume float64) types.Series {
	series := make(types.Series, len(closes))
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, c := range closes {
		series[i] = types.OHLCV{
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Open:      decimal.NewFromFloat(c),
			High:      decimal.NewFromFloat(c + spread),
			Low:       decimal.NewFromFloat(c - spread),
			Close:     decimal.NewFromFloat(c),
			Volume:    decimal.NewFromFloat(volume),
		}
	}
	return series
}

func risingCloses(start, step float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + step*float64(i)
	}
	return out
}

func flatCloses(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func newTestClassifier(cfg Config) *Classifier {
	return NewClassifier(zap.NewNop(), cfg)
}

func TestAnalyzeInsufficientDataReturnsUnknown(t *testing.T) {
	c := newTestClassifier(DefaultConfig())

	a := c.Analyze(buildSeries(risingCloses(100, 1, 10), 0.5, 1000))

	assert.Equal(t, RegimeUnknown, a.Regime)
	assert.Zero(t, a.Confidence)
	assert.Equal(t, RecommendHold, a.Recommended)

	// Unknown results are not recorded.
	_, ok := c.Current()
	assert.False(t, ok)
}

func TestAnalyzeRisingSeriesIsBullTrend(t *testing.T) {
	// A monotonic rise drives ADX far above the trend entry threshold
	// with the fast EMA above the slow one.
	c := newTestClassifier(DefaultConfig())

	a := c.Analyze(buildSeries(risingCloses(100, 1, 100), 0.5, 1000))

	assert.Equal(t, RegimeBullTrend, a.Regime)
	assert.GreaterOrEqual(t, a.Indicators.ADX, 32.0)
	assert.Greater(t, a.Indicators.EMADivergencePct, 0.0)
	assert.InDelta(t, 0.825, a.ConfluenceScore, 1e-9)
	assert.InDelta(t, 1.0, a.Confidence, 1e-9)
	// Default hybrid threshold is below the achieved confluence.
	assert.Equal(t, RecommendHybrid, a.Recommended)
}

func TestBullTrendRecommendsDCABelowHybridThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConfluenceHybrid = 0.95
	c := newTestClassifier(cfg)

	a := c.Analyze(buildSeries(risingCloses(100, 1, 100), 0.5, 1000))

	require.Equal(t, RegimeBullTrend, a.Regime)
	assert.Less(t, a.ConfluenceScore, cfg.ConfluenceHybrid)
	assert.Equal(t, RecommendDCA, a.Recommended)
}

func TestAnalyzeFlatSeriesIsTightRange(t *testing.T) {
	c := newTestClassifier(DefaultConfig())

	// Spread 0.2 on a 100 close keeps ATR% well under the 1% split.
	a := c.Analyze(buildSeries(flatCloses(100, 100), 0.2, 1000))

	assert.Equal(t, RegimeTightRange, a.Regime)
	assert.Equal(t, RecommendGrid, a.Recommended)
	assert.Less(t, a.Indicators.ATRPct, 1.0)
}

func TestAnalyzeFallingSeriesIsBearTrend(t *testing.T) {
	c := newTestClassifier(DefaultConfig())

	a := c.Analyze(buildSeries(risingCloses(300, -1, 100), 0.5, 1000))

	assert.Equal(t, RegimeBearTrend, a.Regime)
	assert.Equal(t, RecommendDCA, a.Recommended)
}

func TestHysteresisCategoryTable(t *testing.T) {
	c := newTestClassifier(DefaultConfig())

	tests := []struct {
		name string
		prev category
		adx  float64
		want category
	}{
		{"trending holds above exit", categoryTrending, 27, categoryTrending},
		{"trending holds at exit boundary", categoryTrending, 25, categoryTrending},
		{"trending decays to transition", categoryTrending, 24.9, categoryTransition},
		{"trending collapses to ranging", categoryTrending, 17.9, categoryRanging},
		{"ranging holds below exit", categoryRanging, 21.9, categoryRanging},
		{"ranging exits to transition", categoryRanging, 22, categoryTransition},
		{"ranging jumps to trending", categoryRanging, 32, categoryTrending},
		{"ranging does not re-trend below entry", categoryRanging, 31.9, categoryTransition},
		{"bootstrap needs full trend entry", categoryUnknown, 27, categoryTransition},
		{"bootstrap low band is not ranging entry", categoryUnknown, 20, categoryTransition},
		{"bootstrap enters trending", categoryUnknown, 32, categoryTrending},
		{"bootstrap enters ranging", categoryUnknown, 17.9, categoryRanging},
		{"transition enters trending", categoryTransition, 35, categoryTrending},
		{"transition enters ranging", categoryTransition, 10, categoryRanging},
		{"transition stays put in the dead band", categoryTransition, 28, categoryTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.nextCategory(tt.prev, tt.adx))
		})
	}
}

func TestHysteresisRetainsBullTrendAcrossCalls(t *testing.T) {
	c := newTestClassifier(DefaultConfig())
	series := buildSeries(risingCloses(100, 1, 100), 0.5, 1000)

	first := c.Analyze(series)
	second := c.Analyze(series)

	require.Equal(t, RegimeBullTrend, first.Regime)
	assert.Equal(t, RegimeBullTrend, second.Regime)
	// The trending state survives ADX readings inside the dead band.
	assert.Equal(t, categoryTrending, c.nextCategory(categoryTrending, 27))
}

func TestScoresStayInBounds(t *testing.T) {
	inputs := map[string][]float64{
		"rising":  risingCloses(100, 1, 100),
		"falling": risingCloses(300, -1, 100),
		"flat":    flatCloses(100, 100),
		"spiky": func() []float64 {
			out := flatCloses(100, 100)
			for i := range out {
				if i%2 == 0 {
					out[i] += 15
				}
			}
			return out
		}(),
	}

	for name, closes := range inputs {
		t.Run(name, func(t *testing.T) {
			c := newTestClassifier(DefaultConfig())
			a := c.Analyze(buildSeries(closes, 0.5, 1000))
			assert.GreaterOrEqual(t, a.Confidence, 0.0)
			assert.LessOrEqual(t, a.Confidence, 1.0)
			assert.GreaterOrEqual(t, a.ConfluenceScore, 0.0)
			assert.LessOrEqual(t, a.ConfluenceScore, 1.0)
		})
	}
}

func TestRegimeDurationAndPreviousRegime(t *testing.T) {
	c := newTestClassifier(DefaultConfig())
	current := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return current }

	bull := buildSeries(risingCloses(100, 1, 100), 0.5, 1000)
	tight := buildSeries(flatCloses(100, 100), 0.2, 1000)

	first := c.Analyze(bull)
	require.Equal(t, RegimeBullTrend, first.Regime)
	assert.Zero(t, first.RegimeDuration)
	assert.Equal(t, RegimeUnknown, first.PreviousRegime)

	current = current.Add(10 * time.Minute)
	second := c.Analyze(bull)
	require.Equal(t, RegimeBullTrend, second.Regime)
	assert.Equal(t, 10*time.Minute, second.RegimeDuration)

	current = current.Add(10 * time.Minute)
	third := c.Analyze(tight)
	require.Equal(t, RegimeTightRange, third.Regime)
	assert.Zero(t, third.RegimeDuration)
	assert.Equal(t, RegimeBullTrend, third.PreviousRegime)
}

func TestHistoryIsBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HistoryCapacity = 5
	c := newTestClassifier(cfg)
	series := buildSeries(risingCloses(100, 1, 100), 0.5, 1000)

	for i := 0; i < 12; i++ {
		c.Analyze(series)
	}

	assert.Len(t, c.History(), 5)
}

func TestSnapshotRoundTrip(t *testing.T) {
	c := newTestClassifier(DefaultConfig())
	c.Analyze(buildSeries(risingCloses(100, 1, 100), 0.5, 1000))

	data, err := c.SnapshotState()
	require.NoError(t, err)

	restored := newTestClassifier(DefaultConfig())
	require.NoError(t, restored.RestoreState(data))

	got, ok := restored.Current()
	require.True(t, ok)
	assert.Equal(t, RegimeBullTrend, got.Regime)
}
