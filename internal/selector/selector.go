// Package selector maps regime analyses to a target active-strategy
// set, gates strategy-set transitions and executes them in two safe
// phases.
package selector

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/driftpoint/regimebot/internal/regime"
	"github.com/driftpoint/regimebot/internal/strategy"
)

// Allocation is one row of a regime's strategy table.
type Allocation struct {
	Type     string  `json:"type"`
	Weight   float64 `json:"weight"`
	Priority int     `json:"priority"`
}

// TransitionState is the terminal state of one executed transition.
type TransitionState string

const (
	TransitionCompleted TransitionState = "completed"
	TransitionCancelled TransitionState = "cancelled"
)

// TransitionRecord is an immutable log entry of one strategy-set
// switch.
type TransitionRecord struct {
	ID         string          `json:"id"`
	FromRegime regime.Regime   `json:"fromRegime"`
	ToRegime   regime.Regime   `json:"toRegime"`
	FromSet    []string        `json:"fromSet"`
	ToSet      []string        `json:"toSet"`
	Timestamp  time.Time       `json:"timestamp"`
	State      TransitionState `json:"state"`
	Reason     string          `json:"reason,omitempty"`
}

// Result is the outcome of one selection pass.
type Result struct {
	Regime            regime.Regime         `json:"regime"`
	Recommended       regime.Recommendation `json:"recommended"`
	Target            []Allocation          `json:"target"`
	ToStart           []string              `json:"toStart"`
	ToStop            []string              `json:"toStop"`
	ToKeep            []string              `json:"toKeep"`
	TransitionNeeded  bool                  `json:"transitionNeeded"`
	Forced            bool                  `json:"forced"`
	Reason            string                `json:"reason"`
	CooldownRemaining time.Duration         `json:"cooldownRemaining"`
}

// CleanupFunc runs between the stop phase and the start phase of a
// transition. Failures are logged and never block phase two.
type CleanupFunc func(ctx context.Context, stopped []string) error

// Config tunes selection gating and the regime tables. Tables are
// fixed at construction and never mutated afterwards.
type Config struct {
	Cooldown          time.Duration
	MinRegimeDuration time.Duration
	ConfidenceFloor   float64
	HistoryCapacity   int
	RegimeTable       map[regime.Regime][]Allocation
	HybridTable       []Allocation
}

// DefaultConfig returns the default gates and tables.
func DefaultConfig() Config {
	return Config{
		Cooldown:          10 * time.Minute,
		MinRegimeDuration: 3 * time.Minute,
		ConfidenceFloor:   0.30,
		HistoryCapacity:   100,
		RegimeTable:       DefaultRegimeTable(),
		HybridTable:       DefaultHybridTable(),
	}
}

// DefaultRegimeTable maps each regime to its strategy allocations.
// Transition regimes carry no table rows; their recommendations (HOLD,
// REDUCE_EXPOSURE) decide instead.
func DefaultRegimeTable() map[regime.Regime][]Allocation {
	return map[regime.Regime][]Allocation{
		regime.RegimeBullTrend: {
			{Type: strategy.TypeDCA, Weight: 0.5, Priority: 1},
			{Type: strategy.TypeTrendFollower, Weight: 0.5, Priority: 2},
		},
		regime.RegimeBearTrend: {
			{Type: strategy.TypeDCA, Weight: 1.0, Priority: 1},
		},
		regime.RegimeTightRange: {
			{Type: strategy.TypeGrid, Weight: 1.0, Priority: 1},
		},
		regime.RegimeWideRange: {
			{Type: strategy.TypeGrid, Weight: 0.6, Priority: 1},
			{Type: strategy.TypeSMC, Weight: 0.4, Priority: 2},
		},
	}
}

// DefaultHybridTable layers grid, dca and trend-follower for strong
// bull trends.
func DefaultHybridTable() []Allocation {
	return []Allocation{
		{Type: strategy.TypeGrid, Weight: 0.4, Priority: 1},
		{Type: strategy.TypeDCA, Weight: 0.35, Priority: 2},
		{Type: strategy.TypeTrendFollower, Weight: 0.25, Priority: 3},
	}
}

// Selector owns the transition gating state, the manual lock and the
// bounded transition history. It consults the registry for the actual
// active set but never talks to the exchange.
type Selector struct {
	logger   *zap.Logger
	config   Config
	registry *strategy.Registry
	now      func() time.Time

	mu               sync.Mutex
	executing        bool
	hasTransitioned  bool
	lastTransitionAt time.Time
	lastRegime       regime.Regime
	currentTarget    []Allocation
	locked           bool
	lockedSet        []string
	history          []TransitionRecord
}

// NewSelector creates a selector over the given registry.
func NewSelector(logger *zap.Logger, config Config, registry *strategy.Registry) *Selector {
	return &Selector{
		logger:     logger,
		config:     config,
		registry:   registry,
		now:        time.Now,
		lastRegime: regime.RegimeUnknown,
	}
}

// Select computes the target strategy set for the analysis and whether
// a transition should run now. Blocked transitions come back with
// TransitionNeeded false and the blocking reason.
func (s *Selector) Select(analysis regime.Analysis) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := s.registry.ActiveTypes()

	if s.locked {
		target := allocationsFor(s.lockedSet)
		res := s.buildResult(analysis, active, target)
		res.Forced = true
		res.Reason = "manual lock engaged, regime selection bypassed"
		res.TransitionNeeded = len(res.ToStart) > 0 || len(res.ToStop) > 0
		return res
	}

	var target []Allocation
	switch analysis.Recommended {
	case regime.RecommendHold:
		return Result{
			Regime:           analysis.Regime,
			Recommended:      analysis.Recommended,
			ToKeep:           active,
			TransitionNeeded: false,
			Reason:           "hold recommendation keeps the current set",
		}
	case regime.RecommendReduceExposure:
		target = nil
	case regime.RecommendHybrid:
		target = s.config.HybridTable
	default:
		target = s.config.RegimeTable[analysis.Regime]
	}

	res := s.buildResult(analysis, active, target)
	if len(res.ToStart) == 0 && len(res.ToStop) == 0 {
		res.Reason = "target set already active"
		return res
	}

	// Gates, in order: cooldown, regime age, confidence. The very
	// first transition is exempt from cooldown only.
	if s.hasTransitioned {
		elapsed := s.now().Sub(s.lastTransitionAt)
		if elapsed < s.config.Cooldown {
			res.CooldownRemaining = s.config.Cooldown - elapsed
			res.Reason = fmt.Sprintf("cooldown active, %s remaining", res.CooldownRemaining.Round(time.Second))
			return res
		}
	}
	if analysis.RegimeDuration < s.config.MinRegimeDuration {
		res.Reason = fmt.Sprintf("regime %s too young (%s < %s)",
			analysis.Regime, analysis.RegimeDuration.Round(time.Second), s.config.MinRegimeDuration)
		return res
	}
	if analysis.Confidence < s.config.ConfidenceFloor {
		res.Reason = fmt.Sprintf("confidence %.2f below floor %.2f", analysis.Confidence, s.config.ConfidenceFloor)
		return res
	}

	res.TransitionNeeded = true
	res.Reason = fmt.Sprintf("regime %s targets [%s]", analysis.Regime, joinTypes(res.Target))
	return res
}

// buildResult splits the target against the active set.
func (s *Selector) buildResult(analysis regime.Analysis, active []string, target []Allocation) Result {
	targetSet := make(map[string]bool, len(target))
	for _, alloc := range target {
		targetSet[alloc.Type] = true
	}
	activeSet := make(map[string]bool, len(active))
	for _, typ := range active {
		activeSet[typ] = true
	}

	res := Result{
		Regime:      analysis.Regime,
		Recommended: analysis.Recommended,
		Target:      append([]Allocation(nil), target...),
	}
	for _, alloc := range target {
		if activeSet[alloc.Type] {
			res.ToKeep = append(res.ToKeep, alloc.Type)
		} else {
			res.ToStart = append(res.ToStart, alloc.Type)
		}
	}
	for _, typ := range active {
		if !targetSet[typ] {
			res.ToStop = append(res.ToStop, typ)
		}
	}
	sort.Strings(res.ToStart)
	sort.Strings(res.ToStop)
	sort.Strings(res.ToKeep)
	return res
}

// ExecuteTransition runs a needed transition in two strict phases:
// stop everything in ToStop, run the cleanup hook, then start
// everything in ToStart. Phase two always runs once phase one has
// begun; per-instance failures and cleanup failures are logged and do
// not abort the remainder.
func (s *Selector) ExecuteTransition(ctx context.Context, result Result, cleanup CleanupFunc) error {
	if !result.TransitionNeeded {
		return nil
	}

	s.mu.Lock()
	fromSet := s.registry.ActiveTypes()
	fromRegime := s.lastRegime
	if s.executing {
		s.appendRecordLocked(result, TransitionCancelled, "pre-empted by a concurrent transition", fromRegime, fromSet)
		s.mu.Unlock()
		return nil
	}
	if s.locked && !result.Forced {
		s.appendRecordLocked(result, TransitionCancelled, "pre-empted by manual lock", fromRegime, fromSet)
		s.mu.Unlock()
		return nil
	}
	s.executing = true
	s.mu.Unlock()

	s.logger.Info("Executing strategy transition",
		zap.String("regime", string(result.Regime)),
		zap.Strings("stop", result.ToStop),
		zap.Strings("start", result.ToStart),
		zap.Strings("keep", result.ToKeep))

	// Phase one: deactivate.
	for _, typ := range result.ToStop {
		if err := s.stopType(typ); err != nil {
			s.logger.Error("Failed to stop strategy during transition",
				zap.String("type", typ),
				zap.Error(err))
		}
	}

	if cleanup != nil {
		if err := cleanup(ctx, result.ToStop); err != nil {
			s.logger.Error("Transition cleanup failed, continuing with activation",
				zap.Error(err))
		}
	}

	// Phase two: activate. Runs to completion regardless of ctx state.
	for _, typ := range result.ToStart {
		if err := s.startType(typ); err != nil {
			s.logger.Error("Failed to start strategy during transition",
				zap.String("type", typ),
				zap.Error(err))
		}
	}

	s.mu.Lock()
	s.executing = false
	s.hasTransitioned = true
	s.lastTransitionAt = s.now()
	s.lastRegime = result.Regime
	s.currentTarget = append([]Allocation(nil), result.Target...)
	s.appendRecordLocked(result, TransitionCompleted, result.Reason, fromRegime, fromSet)
	s.mu.Unlock()

	s.logger.Info("Strategy transition completed",
		zap.String("fromRegime", string(fromRegime)),
		zap.String("toRegime", string(result.Regime)),
		zap.Strings("activeSet", s.registry.ActiveTypes()))
	return nil
}

// stopType stops the instance backing a strategy type.
func (s *Selector) stopType(typ string) error {
	in, ok := s.registry.FindByType(typ)
	if !ok {
		return fmt.Errorf("no instance of type %s", typ)
	}
	return s.registry.StopStrategy(in.ID)
}

// startType brings the instance backing a strategy type to ACTIVE from
// whatever dormant state it is in.
func (s *Selector) startType(typ string) error {
	in, ok := s.registry.FindByType(typ)
	if !ok {
		return fmt.Errorf("no instance of type %s", typ)
	}
	switch in.State() {
	case strategy.StatePaused:
		return s.registry.ResumeStrategy(in.ID)
	case strategy.StateStopped, strategy.StateError:
		if err := s.registry.ResetStrategy(in.ID); err != nil {
			return err
		}
		return s.registry.StartStrategy(in.ID)
	case strategy.StateActive:
		return nil
	default:
		return s.registry.StartStrategy(in.ID)
	}
}

// appendRecordLocked prepends a transition record to the bounded
// history. Caller must hold s.mu.
func (s *Selector) appendRecordLocked(result Result, state TransitionState, reason string, fromRegime regime.Regime, fromSet []string) {
	record := TransitionRecord{
		ID:         uuid.NewString(),
		FromRegime: fromRegime,
		ToRegime:   result.Regime,
		FromSet:    append([]string(nil), fromSet...),
		ToSet:      typesOf(result.Target),
		Timestamp:  s.now(),
		State:      state,
		Reason:     reason,
	}
	s.history = append([]TransitionRecord{record}, s.history...)
	if s.config.HistoryCapacity > 0 && len(s.history) > s.config.HistoryCapacity {
		s.history = s.history[:s.config.HistoryCapacity]
	}
}

// ResolveSignals picks one winner among concurrent candidate signals,
// ordered by the current target table's priority ascending and then by
// confidence descending.
func (s *Selector) ResolveSignals(signals []*strategy.Signal) *strategy.Signal {
	if len(signals) == 0 {
		return nil
	}

	s.mu.Lock()
	priorities := make(map[string]int, len(s.currentTarget))
	for _, alloc := range s.currentTarget {
		priorities[alloc.Type] = alloc.Priority
	}
	s.mu.Unlock()

	const unlisted = 1 << 20
	ranked := append([]*strategy.Signal(nil), signals...)
	sort.SliceStable(ranked, func(i, j int) bool {
		pi, ok := priorities[ranked[i].Strategy]
		if !ok {
			pi = unlisted
		}
		pj, ok := priorities[ranked[j].Strategy]
		if !ok {
			pj = unlisted
		}
		if pi != pj {
			return pi < pj
		}
		return ranked[i].Confidence > ranked[j].Confidence
	})
	return ranked[0]
}

// Weight returns the current target weight for a strategy type, zero
// when the type is not targeted.
func (s *Selector) Weight(typ string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, alloc := range s.currentTarget {
		if alloc.Type == typ {
			return alloc.Weight
		}
	}
	return 0
}

// LockStrategies engages the manual lock: regime-driven selection is
// bypassed and the active set is forced to the given types.
func (s *Selector) LockStrategies(types []string) {
	s.mu.Lock()
	s.locked = true
	s.lockedSet = append([]string(nil), types...)
	sort.Strings(s.lockedSet)
	s.mu.Unlock()

	s.logger.Info("Manual strategy lock engaged", zap.Strings("types", types))
}

// UnlockStrategies releases the manual lock.
func (s *Selector) UnlockStrategies() {
	s.mu.Lock()
	s.locked = false
	s.lockedSet = nil
	s.mu.Unlock()

	s.logger.Info("Manual strategy lock released")
}

// LockedStrategies reports the manual lock state.
func (s *Selector) LockedStrategies() (bool, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked, append([]string(nil), s.lockedSet...)
}

// History returns a copy of the transition records, most recent first.
func (s *Selector) History() []TransitionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TransitionRecord(nil), s.history...)
}

// LastTransition returns the most recent record, if any.
func (s *Selector) LastTransition() (TransitionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.history) == 0 {
		return TransitionRecord{}, false
	}
	return s.history[0], true
}

type selectorSnapshot struct {
	HasTransitioned  bool               `json:"hasTransitioned"`
	LastTransitionAt time.Time          `json:"lastTransitionAt"`
	LastRegime       regime.Regime      `json:"lastRegime"`
	CurrentTarget    []Allocation       `json:"currentTarget"`
	Locked           bool               `json:"locked"`
	LockedSet        []string           `json:"lockedSet"`
	History          []TransitionRecord `json:"history"`
}

// SnapshotState serializes the gating state so cooldown continuity
// survives a restart.
func (s *Selector) SnapshotState() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return json.Marshal(selectorSnapshot{
		HasTransitioned:  s.hasTransitioned,
		LastTransitionAt: s.lastTransitionAt,
		LastRegime:       s.lastRegime,
		CurrentTarget:    s.currentTarget,
		Locked:           s.locked,
		LockedSet:        s.lockedSet,
		History:          s.history,
	})
}

// RestoreState loads a snapshot produced by SnapshotState.
func (s *Selector) RestoreState(data []byte) error {
	var snap selectorSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.hasTransitioned = snap.HasTransitioned
	s.lastTransitionAt = snap.LastTransitionAt
	s.lastRegime = snap.LastRegime
	s.currentTarget = snap.CurrentTarget
	s.locked = snap.Locked
	s.lockedSet = snap.LockedSet
	s.history = snap.History
	if s.lastRegime == "" {
		s.lastRegime = regime.RegimeUnknown
	}
	return nil
}

func allocationsFor(types []string) []Allocation {
	out := make([]Allocation, 0, len(types))
	weight := 0.0
	if len(types) > 0 {
		weight = 1.0 / float64(len(types))
	}
	for i, typ := range types {
		out = append(out, Allocation{Type: typ, Weight: weight, Priority: i + 1})
	}
	return out
}

func typesOf(allocs []Allocation) []string {
	out := make([]string, 0, len(allocs))
	for _, alloc := range allocs {
		out = append(out, alloc.Type)
	}
	sort.Strings(out)
	return out
}

func joinTypes(allocs []Allocation) string {
	return strings.Join(typesOf(allocs), ", ")
}
