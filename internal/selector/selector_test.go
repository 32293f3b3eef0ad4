package selector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/driftpoint/regimebot/internal/regime"
	"github.com/driftpoint/regimebot/internal/strategy"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Cooldown = 600 * time.Second
	cfg.MinRegimeDuration = 0
	return cfg
}

func newTestSelector(t *testing.T, cfg Config) (*Selector, *strategy.Registry) {
	t.Helper()
	registry := strategy.NewRegistry(zap.NewNop(), "BTCUSDT", 10)
	for _, typ := range []string{strategy.TypeGrid, strategy.TypeDCA, strategy.TypeTrendFollower, strategy.TypeSMC} {
		_, err := registry.Register(typ, typ, nil)
		require.NoError(t, err)
	}
	return NewSelector(zap.NewNop(), cfg, registry), registry
}

func analysisOf(r regime.Regime, rec regime.Recommendation, confidence float64, age time.Duration) regime.Analysis {
	return regime.Analysis{
		Regime:         r,
		Recommended:    rec,
		Confidence:     confidence,
		RegimeDuration: age,
		Timestamp:      time.Now(),
	}
}

func TestSelectMapsRegimesToTargets(t *testing.T) {
	tests := []struct {
		name    string
		regime  regime.Regime
		rec     regime.Recommendation
		toStart []string
	}{
		{"tight range runs the grid", regime.RegimeTightRange, regime.RecommendGrid, []string{"grid"}},
		{"wide range layers grid and smc", regime.RegimeWideRange, regime.RecommendGrid, []string{"grid", "smc"}},
		{"bear trend accumulates", regime.RegimeBearTrend, regime.RecommendDCA, []string{"dca"}},
		{"bull trend runs dca and trend following", regime.RegimeBullTrend, regime.RecommendDCA, []string{"dca", "trend_follower"}},
		{"hybrid layers three strategies", regime.RegimeBullTrend, regime.RecommendHybrid, []string{"dca", "grid", "trend_follower"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestSelector(t, testConfig())
			res := s.Select(analysisOf(tt.regime, tt.rec, 0.9, time.Hour))
			assert.True(t, res.TransitionNeeded)
			assert.Equal(t, tt.toStart, res.ToStart)
			assert.Empty(t, res.ToStop)
		})
	}
}

func TestSelectHoldKeepsCurrentSet(t *testing.T) {
	s, r := newTestSelector(t, testConfig())
	require.NoError(t, r.StartStrategy("grid"))

	res := s.Select(analysisOf(regime.RegimeQuietTransition, regime.RecommendHold, 0.5, time.Hour))

	assert.False(t, res.TransitionNeeded)
	assert.Equal(t, []string{"grid"}, res.ToKeep)
	assert.Empty(t, res.ToStart)
	assert.Empty(t, res.ToStop)
}

func TestSelectReduceExposureEmptiesTarget(t *testing.T) {
	s, r := newTestSelector(t, testConfig())
	require.NoError(t, r.StartStrategy("grid"))

	res := s.Select(analysisOf(regime.RegimeVolatileTransition, regime.RecommendReduceExposure, 0.8, time.Hour))

	assert.True(t, res.TransitionNeeded)
	assert.Empty(t, res.ToStart)
	assert.Equal(t, []string{"grid"}, res.ToStop)
}

func TestCooldownBlocksBackToBackTransitions(t *testing.T) {
	s, r := newTestSelector(t, testConfig())
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	current := base
	s.now = func() time.Time { return current }

	first := s.Select(analysisOf(regime.RegimeTightRange, regime.RecommendGrid, 0.9, time.Hour))
	require.True(t, first.TransitionNeeded, "first transition is exempt from cooldown")
	require.NoError(t, s.ExecuteTransition(context.Background(), first, nil))
	require.Equal(t, []string{"grid"}, r.ActiveTypes())

	// Ten seconds later the regime flips.
	current = base.Add(10 * time.Second)
	second := s.Select(analysisOf(regime.RegimeBullTrend, regime.RecommendDCA, 0.9, time.Hour))

	assert.False(t, second.TransitionNeeded)
	assert.Equal(t, 590*time.Second, second.CooldownRemaining)
	assert.Contains(t, second.Reason, "cooldown")
	assert.Equal(t, []string{"grid"}, r.ActiveTypes(), "active set unchanged while blocked")

	// Once the cooldown elapses the same change is allowed.
	current = base.Add(601 * time.Second)
	third := s.Select(analysisOf(regime.RegimeBullTrend, regime.RecommendDCA, 0.9, time.Hour))
	assert.True(t, third.TransitionNeeded)
}

func TestMinRegimeDurationGate(t *testing.T) {
	cfg := testConfig()
	cfg.MinRegimeDuration = 3 * time.Minute
	s, _ := newTestSelector(t, cfg)

	res := s.Select(analysisOf(regime.RegimeTightRange, regime.RecommendGrid, 0.9, time.Minute))
	assert.False(t, res.TransitionNeeded)
	assert.Contains(t, res.Reason, "too young")

	res = s.Select(analysisOf(regime.RegimeTightRange, regime.RecommendGrid, 0.9, 5*time.Minute))
	assert.True(t, res.TransitionNeeded)
}

func TestConfidenceFloorGate(t *testing.T) {
	s, _ := newTestSelector(t, testConfig())

	res := s.Select(analysisOf(regime.RegimeTightRange, regime.RecommendGrid, 0.2, time.Hour))
	assert.False(t, res.TransitionNeeded)
	assert.Contains(t, res.Reason, "confidence")
}

func TestSelectionIsIdempotent(t *testing.T) {
	s, r := newTestSelector(t, testConfig())
	analysis := analysisOf(regime.RegimeTightRange, regime.RecommendGrid, 0.9, time.Hour)

	first := s.Select(analysis)
	require.True(t, first.TransitionNeeded)
	require.NoError(t, s.ExecuteTransition(context.Background(), first, nil))
	require.Len(t, s.History(), 1)

	var stops, starts int
	r.SetTransitionCallback(func(id, typ string, from, to strategy.State) {
		switch to {
		case strategy.StateStopped:
			stops++
		case strategy.StateActive:
			starts++
		}
	})

	second := s.Select(analysis)
	assert.False(t, second.TransitionNeeded)
	assert.Equal(t, "target set already active", second.Reason)

	require.NoError(t, s.ExecuteTransition(context.Background(), second, nil))
	assert.Len(t, s.History(), 1, "no new record for a no-op selection")
	assert.Zero(t, stops)
	assert.Zero(t, starts)
}

func TestExecuteTransitionIsStrictlyTwoPhase(t *testing.T) {
	s, r := newTestSelector(t, testConfig())
	require.NoError(t, r.StartStrategy("grid"))

	var mu sync.Mutex
	var order []string
	r.SetTransitionCallback(func(id, typ string, from, to strategy.State) {
		mu.Lock()
		defer mu.Unlock()
		switch to {
		case strategy.StateStopped:
			order = append(order, "stop:"+id)
		case strategy.StateActive:
			order = append(order, "start:"+id)
		}
	})
	cleanup := func(ctx context.Context, stopped []string) error {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, "cleanup")
		assert.Equal(t, []string{"grid"}, stopped)
		return errors.New("order cancellation failed")
	}

	res := s.Select(analysisOf(regime.RegimeBullTrend, regime.RecommendDCA, 0.9, time.Hour))
	require.True(t, res.TransitionNeeded)
	require.NoError(t, s.ExecuteTransition(context.Background(), res, cleanup))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"stop:grid", "cleanup", "start:dca", "start:trend_follower"}, order)

	// The cleanup failure did not stop the switch from completing.
	record, ok := s.LastTransition()
	require.True(t, ok)
	assert.Equal(t, TransitionCompleted, record.State)
	assert.Equal(t, []string{"grid"}, record.FromSet)
	assert.Equal(t, []string{"dca", "trend_follower"}, record.ToSet)
	assert.Equal(t, []string{"dca", "trend_follower"}, r.ActiveTypes())
}

func TestExecuteRevivesStoppedAndPausedInstances(t *testing.T) {
	s, r := newTestSelector(t, testConfig())

	require.NoError(t, r.StartStrategy("dca"))
	require.NoError(t, r.StopStrategy("dca"))
	require.NoError(t, r.StartStrategy("grid"))
	require.NoError(t, r.PauseStrategy("grid"))

	res := s.Select(analysisOf(regime.RegimeBullTrend, regime.RecommendHybrid, 0.9, time.Hour))
	require.True(t, res.TransitionNeeded)
	require.NoError(t, s.ExecuteTransition(context.Background(), res, nil))

	assert.Equal(t, []string{"dca", "grid", "trend_follower"}, r.ActiveTypes())
}

func TestManualLockBypassesRegimeSelection(t *testing.T) {
	cfg := testConfig()
	cfg.Cooldown = 0
	s, r := newTestSelector(t, cfg)

	s.LockStrategies([]string{strategy.TypeSMC})

	// Even a HOLD recommendation cannot override the lock.
	res := s.Select(analysisOf(regime.RegimeQuietTransition, regime.RecommendHold, 0.1, 0))
	require.True(t, res.TransitionNeeded)
	assert.True(t, res.Forced)
	assert.Equal(t, []string{"smc"}, res.ToStart)

	require.NoError(t, s.ExecuteTransition(context.Background(), res, nil))
	assert.Equal(t, []string{"smc"}, r.ActiveTypes())

	// While locked, regime output keeps forcing the locked set.
	res = s.Select(analysisOf(regime.RegimeTightRange, regime.RecommendGrid, 0.9, time.Hour))
	assert.False(t, res.TransitionNeeded, "locked set already active")

	s.UnlockStrategies()
	res = s.Select(analysisOf(regime.RegimeTightRange, regime.RecommendGrid, 0.9, time.Hour))
	assert.True(t, res.TransitionNeeded)
	assert.Equal(t, []string{"grid"}, res.ToStart)
	assert.Equal(t, []string{"smc"}, res.ToStop)
}

func TestLockPreemptsPendingRegimeTransition(t *testing.T) {
	s, r := newTestSelector(t, testConfig())

	res := s.Select(analysisOf(regime.RegimeTightRange, regime.RecommendGrid, 0.9, time.Hour))
	require.True(t, res.TransitionNeeded)

	// The lock lands between selection and execution.
	s.LockStrategies([]string{strategy.TypeDCA})
	require.NoError(t, s.ExecuteTransition(context.Background(), res, nil))

	record, ok := s.LastTransition()
	require.True(t, ok)
	assert.Equal(t, TransitionCancelled, record.State)
	assert.Empty(t, r.ActiveTypes(), "pre-empted transition must not touch the registry")
}

func TestTransitionHistoryIsBounded(t *testing.T) {
	cfg := testConfig()
	cfg.Cooldown = 0
	cfg.HistoryCapacity = 2
	s, _ := newTestSelector(t, cfg)

	seq := []regime.Analysis{
		analysisOf(regime.RegimeTightRange, regime.RecommendGrid, 0.9, time.Hour),
		analysisOf(regime.RegimeBullTrend, regime.RecommendDCA, 0.9, time.Hour),
		analysisOf(regime.RegimeWideRange, regime.RecommendGrid, 0.9, time.Hour),
	}
	for _, analysis := range seq {
		res := s.Select(analysis)
		require.True(t, res.TransitionNeeded)
		require.NoError(t, s.ExecuteTransition(context.Background(), res, nil))
	}

	history := s.History()
	require.Len(t, history, 2)
	assert.Equal(t, regime.RegimeWideRange, history[0].ToRegime)
	assert.Equal(t, regime.RegimeBullTrend, history[1].ToRegime)
}

func TestResolveSignalsPrefersPriorityThenConfidence(t *testing.T) {
	s, _ := newTestSelector(t, testConfig())

	res := s.Select(analysisOf(regime.RegimeBullTrend, regime.RecommendHybrid, 0.9, time.Hour))
	require.True(t, res.TransitionNeeded)
	require.NoError(t, s.ExecuteTransition(context.Background(), res, nil))

	gridSig := &strategy.Signal{Strategy: strategy.TypeGrid, Confidence: 0.55}
	dcaSig := &strategy.Signal{Strategy: strategy.TypeDCA, Confidence: 0.95}

	// Grid carries priority 1 in the hybrid table and wins despite the
	// lower confidence.
	winner := s.ResolveSignals([]*strategy.Signal{dcaSig, gridSig})
	require.NotNil(t, winner)
	assert.Equal(t, strategy.TypeGrid, winner.Strategy)

	// Types outside the table fall back to confidence.
	a := &strategy.Signal{Strategy: "alpha", Confidence: 0.4}
	b := &strategy.Signal{Strategy: "beta", Confidence: 0.6}
	winner = s.ResolveSignals([]*strategy.Signal{a, b})
	require.NotNil(t, winner)
	assert.Equal(t, "beta", winner.Strategy)

	assert.Nil(t, s.ResolveSignals(nil))
}

func TestWeightReflectsCurrentTarget(t *testing.T) {
	s, _ := newTestSelector(t, testConfig())

	res := s.Select(analysisOf(regime.RegimeBullTrend, regime.RecommendHybrid, 0.9, time.Hour))
	require.NoError(t, s.ExecuteTransition(context.Background(), res, nil))

	assert.Equal(t, 0.4, s.Weight(strategy.TypeGrid))
	assert.Equal(t, 0.35, s.Weight(strategy.TypeDCA))
	assert.Equal(t, 0.0, s.Weight(strategy.TypeSMC))
}

func TestSnapshotRestorePreservesCooldown(t *testing.T) {
	s, r := newTestSelector(t, testConfig())
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	res := s.Select(analysisOf(regime.RegimeTightRange, regime.RecommendGrid, 0.9, time.Hour))
	require.NoError(t, s.ExecuteTransition(context.Background(), res, nil))

	data, err := s.SnapshotState()
	require.NoError(t, err)

	// A freshly constructed selector picks up the prior gating state.
	restored := NewSelector(zap.NewNop(), testConfig(), r)
	require.NoError(t, restored.RestoreState(data))
	restored.now = func() time.Time { return base.Add(10 * time.Second) }

	blocked := restored.Select(analysisOf(regime.RegimeBullTrend, regime.RecommendDCA, 0.9, time.Hour))
	assert.False(t, blocked.TransitionNeeded)
	assert.Equal(t, 590*time.Second, blocked.CooldownRemaining)
	assert.Len(t, restored.History(), 1)
}
