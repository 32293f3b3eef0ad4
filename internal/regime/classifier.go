// Package regime classifies market conditions into discrete regimes
// using ADX hysteresis, and recommends a strategy posture for each.
package regime

import (
	"encoding/json"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/driftpoint/regimebot/internal/indicators"
	"github.com/driftpoint/regimebot/pkg/types"
)

// Regime labels the current market behavior.
type Regime string

const (
	RegimeUnknown            Regime = "unknown"
	RegimeBullTrend          Regime = "bull_trend"
	RegimeBearTrend          Regime = "bear_trend"
	RegimeTightRange         Regime = "tight_range"
	RegimeWideRange          Regime = "wide_range"
	RegimeQuietTransition    Regime = "quiet_transition"
	RegimeVolatileTransition Regime = "volatile_transition"
)

// category groups regimes for the hysteresis state machine.
type category int

const (
	categoryUnknown category = iota
	categoryTrending
	categoryRanging
	categoryTransition
)

func (r Regime) category() category {
	switch r {
	case RegimeBullTrend, RegimeBearTrend:
		return categoryTrending
	case RegimeTightRange, RegimeWideRange:
		return categoryRanging
	case RegimeQuietTransition, RegimeVolatileTransition:
		return categoryTransition
	default:
		return categoryUnknown
	}
}

// Recommendation is the strategy posture suggested for a regime.
type Recommendation string

const (
	RecommendGrid           Recommendation = "grid"
	RecommendDCA            Recommendation = "dca"
	RecommendHybrid         Recommendation = "hybrid"
	RecommendHold           Recommendation = "hold"
	RecommendReduceExposure Recommendation = "reduce_exposure"
)

// Indicators bundles the readings behind one classification.
type Indicators struct {
	TrendStrength        float64 `json:"trendStrength"`
	VolatilityPercentile float64 `json:"volatilityPercentile"`
	EMADivergencePct     float64 `json:"emaDivergencePct"`
	ATRPct               float64 `json:"atrPct"`
	RSI                  float64 `json:"rsi"`
	ADX                  float64 `json:"adx"`
	PlusDI               float64 `json:"plusDi"`
	MinusDI              float64 `json:"minusDi"`
	BBWidthPct           float64 `json:"bbWidthPct"`
	VolumeRatio          float64 `json:"volumeRatio"`
}

// Analysis is one immutable classification result. Duration and
// previous regime are derived from the classifier's history at
// construction time and never updated afterwards.
type Analysis struct {
	Regime          Regime         `json:"regime"`
	Confidence      float64        `json:"confidence"`
	Recommended     Recommendation `json:"recommended"`
	ConfluenceScore float64        `json:"confluenceScore"`
	Indicators      Indicators     `json:"indicators"`
	RegimeDuration  time.Duration  `json:"regimeDuration"`
	PreviousRegime  Regime         `json:"previousRegime"`
	Timestamp       time.Time      `json:"timestamp"`
}

// Config holds classifier periods and thresholds.
type Config struct {
	EMAFast        int
	EMASlow        int
	RSIPeriod      int
	ADXPeriod      int
	ATRPeriod      int
	BBPeriod       int
	VolumeLookback int

	ADXTrendEnter float64
	ADXTrendExit  float64
	ADXRangeEnter float64
	ADXRangeExit  float64

	ATRWidePct     float64
	ATRVolatilePct float64

	// ConfluenceHybrid is the confluence score above which a bull
	// trend recommends the hybrid posture instead of DCA.
	ConfluenceHybrid float64

	HistoryCapacity int
}

// DefaultConfig returns the default classifier configuration.
func DefaultConfig() Config {
	return Config{
		EMAFast:          20,
		EMASlow:          50,
		RSIPeriod:        14,
		ADXPeriod:        14,
		ATRPeriod:        14,
		BBPeriod:         20,
		VolumeLookback:   20,
		ADXTrendEnter:    32,
		ADXTrendExit:     25,
		ADXRangeEnter:    18,
		ADXRangeExit:     22,
		ATRWidePct:       1.0,
		ATRVolatilePct:   2.0,
		ConfluenceHybrid: 0.6,
		HistoryCapacity:  300,
	}
}

const bbIdealWidthPct = 4.0

// Classifier turns candle series into regime analyses. It is stateful:
// hysteresis requires the previous classification, so the classifier
// keeps a bounded most-recent-first history of its own results.
type Classifier struct {
	logger *zap.Logger
	config Config
	now    func() time.Time

	mu      sync.RWMutex
	history []Analysis
}

// NewClassifier creates a classifier with the given configuration.
func NewClassifier(logger *zap.Logger, config Config) *Classifier {
	if config.HistoryCapacity <= 0 {
		config.HistoryCapacity = DefaultConfig().HistoryCapacity
	}
	return &Classifier{
		logger:  logger,
		config:  config,
		now:     time.Now,
		history: make([]Analysis, 0, config.HistoryCapacity),
	}
}

// MinimumPoints returns the smallest series length Analyze can classify.
func (c *Classifier) MinimumPoints() int {
	cfg := c.config
	return max(cfg.EMASlow+cfg.ATRPeriod, 2*cfg.ADXPeriod, cfg.BBPeriod+cfg.VolumeLookback)
}

// Analyze classifies the series. Insufficient data yields the UNKNOWN
// regime with zero confidence and a HOLD recommendation; it never
// returns an error. UNKNOWN results are not recorded in the history so
// a transient data gap does not reset hysteresis.
func (c *Classifier) Analyze(series types.Series) Analysis {
	now := c.now()

	if len(series) < c.MinimumPoints() {
		c.logger.Debug("Insufficient data for regime classification",
			zap.Int("have", len(series)),
			zap.Int("need", c.MinimumPoints()))

		c.mu.RLock()
		duration, previous := c.runStats(RegimeUnknown, now)
		c.mu.RUnlock()

		return Analysis{
			Regime:         RegimeUnknown,
			Recommended:    RecommendHold,
			RegimeDuration: duration,
			PreviousRegime: previous,
			Timestamp:      now,
		}
	}

	closes := series.Closes()
	highs := series.Highs()
	lows := series.Lows()
	volumes := series.Volumes()
	lastClose := closes[len(closes)-1]

	cfg := c.config
	emaFast := indicators.EMA(closes, cfg.EMAFast)
	emaSlow := indicators.EMA(closes, cfg.EMASlow)
	adx, plusDI, minusDI := indicators.ADX(highs, lows, closes, cfg.ADXPeriod)
	atr := indicators.ATR(highs, lows, closes, cfg.ATRPeriod)
	rsi := indicators.RSI(closes, cfg.RSIPeriod)
	bbWidthPct := indicators.BollingerWidthPct(closes, cfg.BBPeriod, 2)
	volumeRatio := indicators.VolumeRatio(volumes, cfg.VolumeLookback)

	var atrPct, emaDivergencePct float64
	if lastClose > 0 {
		atrPct = atr / lastClose * 100
	}
	if emaSlow > 0 {
		emaDivergencePct = (emaFast - emaSlow) / emaSlow * 100
	}
	trendStrength := clamp01(math.Abs(emaDivergencePct) / 5.0)

	c.mu.Lock()
	defer c.mu.Unlock()

	prevRegime := RegimeUnknown
	if len(c.history) > 0 {
		prevRegime = c.history[0].Regime
	}

	cat := c.nextCategory(prevRegime.category(), adx)
	regime := c.label(cat, emaFast, emaSlow, atrPct)

	ind := Indicators{
		TrendStrength:        trendStrength,
		VolatilityPercentile: c.volatilityPercentile(atrPct),
		EMADivergencePct:     emaDivergencePct,
		ATRPct:               atrPct,
		RSI:                  rsi,
		ADX:                  adx,
		PlusDI:               plusDI,
		MinusDI:              minusDI,
		BBWidthPct:           bbWidthPct,
		VolumeRatio:          volumeRatio,
	}

	confluence := c.confluenceScore(regime, ind)
	duration, previous := c.runStats(regime, now)

	analysis := Analysis{
		Regime:          regime,
		Confidence:      c.confidence(regime, ind, confluence),
		Recommended:     c.recommend(regime, confluence),
		ConfluenceScore: confluence,
		Indicators:      ind,
		RegimeDuration:  duration,
		PreviousRegime:  previous,
		Timestamp:       now,
	}

	c.record(analysis)

	if regime != prevRegime {
		c.logger.Info("Regime changed",
			zap.String("from", string(prevRegime)),
			zap.String("to", string(regime)),
			zap.Float64("adx", adx),
			zap.Float64("confidence", analysis.Confidence))
	}

	return analysis
}

// nextCategory applies ADX hysteresis given the previous category.
func (c *Classifier) nextCategory(prev category, adx float64) category {
	cfg := c.config
	switch prev {
	case categoryTrending:
		if adx >= cfg.ADXTrendExit {
			return categoryTrending
		}
		if adx < cfg.ADXRangeEnter {
			return categoryRanging
		}
		return categoryTransition
	case categoryRanging:
		if adx < cfg.ADXRangeExit {
			return categoryRanging
		}
		if adx >= cfg.ADXTrendEnter {
			return categoryTrending
		}
		return categoryTransition
	default:
		if adx >= cfg.ADXTrendEnter {
			return categoryTrending
		}
		if adx < cfg.ADXRangeEnter {
			return categoryRanging
		}
		return categoryTransition
	}
}

func (c *Classifier) label(cat category, emaFast, emaSlow, atrPct float64) Regime {
	switch cat {
	case categoryTrending:
		if emaFast >= emaSlow {
			return RegimeBullTrend
		}
		return RegimeBearTrend
	case categoryRanging:
		if atrPct < c.config.ATRWidePct {
			return RegimeTightRange
		}
		return RegimeWideRange
	default:
		if atrPct < c.config.ATRVolatilePct {
			return RegimeQuietTransition
		}
		return RegimeVolatileTransition
	}
}

// confluenceScore measures indicator agreement, weighted ADX 30%,
// trend strength 25%, RSI direction 20%, volume 15%, band width 10%.
func (c *Classifier) confluenceScore(regime Regime, ind Indicators) float64 {
	adxScore := math.Min(ind.ADX/50, 1)

	var rsiScore float64
	switch regime {
	case RegimeBullTrend:
		rsiScore = clamp01((ind.RSI - 50) / 50)
	case RegimeBearTrend:
		rsiScore = clamp01((50 - ind.RSI) / 50)
	default:
		// For non-trending regimes a neutral RSI is the agreeing reading.
		rsiScore = clamp01(1 - math.Abs(ind.RSI-50)/50)
	}

	volumeScore := math.Min(ind.VolumeRatio/2, 1)
	bbScore := 1 - math.Min(math.Abs(ind.BBWidthPct-bbIdealWidthPct)/bbIdealWidthPct, 1)

	score := 0.30*adxScore + 0.25*ind.TrendStrength + 0.20*rsiScore + 0.15*volumeScore + 0.10*bbScore
	return clamp01(score)
}

func (c *Classifier) recommend(regime Regime, confluence float64) Recommendation {
	switch regime {
	case RegimeTightRange, RegimeWideRange:
		return RecommendGrid
	case RegimeBullTrend:
		if confluence >= c.config.ConfluenceHybrid {
			return RecommendHybrid
		}
		return RecommendDCA
	case RegimeBearTrend:
		return RecommendDCA
	case RegimeQuietTransition:
		return RecommendHold
	case RegimeVolatileTransition:
		return RecommendReduceExposure
	default:
		return RecommendHold
	}
}

// confidence blends indicator agreement specific to the regime branch.
func (c *Classifier) confidence(regime Regime, ind Indicators, confluence float64) float64 {
	adxScore := math.Min(ind.ADX/50, 1)
	switch regime.category() {
	case categoryTrending:
		return clamp01(0.5*ind.TrendStrength + 0.5*adxScore)
	case categoryRanging:
		rsiNeutrality := clamp01(1 - math.Abs(ind.RSI-50)/50)
		return clamp01(0.5*(1-adxScore) + 0.5*rsiNeutrality)
	case categoryTransition:
		return clamp01(0.4*confluence + 0.2)
	default:
		return 0
	}
}

// runStats derives how long the given label has persisted and the last
// differing label. Caller must hold at least a read lock.
func (c *Classifier) runStats(regime Regime, now time.Time) (time.Duration, Regime) {
	if len(c.history) == 0 {
		return 0, RegimeUnknown
	}
	if c.history[0].Regime != regime {
		return 0, c.history[0].Regime
	}

	runStart := c.history[0].Timestamp
	previous := RegimeUnknown
	for _, a := range c.history {
		if a.Regime != regime {
			previous = a.Regime
			break
		}
		runStart = a.Timestamp
	}
	return now.Sub(runStart), previous
}

// volatilityPercentile ranks the current ATR% against the retained
// history. Caller must hold the lock.
func (c *Classifier) volatilityPercentile(atrPct float64) float64 {
	if len(c.history) == 0 {
		return 0.5
	}
	below := 0
	for _, a := range c.history {
		if a.Indicators.ATRPct <= atrPct {
			below++
		}
	}
	return float64(below) / float64(len(c.history))
}

// record prepends the analysis, evicting the oldest beyond capacity.
func (c *Classifier) record(a Analysis) {
	c.history = append([]Analysis{a}, c.history...)
	if len(c.history) > c.config.HistoryCapacity {
		c.history = c.history[:c.config.HistoryCapacity]
	}
}

// Current returns the most recent recorded analysis.
func (c *Classifier) Current() (Analysis, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.history) == 0 {
		return Analysis{}, false
	}
	return c.history[0], true
}

// History returns a copy of the retained analyses, most recent first.
func (c *Classifier) History() []Analysis {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Analysis, len(c.history))
	copy(out, c.history)
	return out
}

type classifierSnapshot struct {
	History []Analysis `json:"history"`
}

// SnapshotState serializes the classifier history for persistence.
func (c *Classifier) SnapshotState() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(classifierSnapshot{History: c.history})
}

// RestoreState replaces the classifier history from a snapshot.
func (c *Classifier) RestoreState(data []byte) error {
	var snap classifierSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = snap.History
	if len(c.history) > c.config.HistoryCapacity {
		c.history = c.history[:c.config.HistoryCapacity]
	}
	return nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
