// Package health scores strategy instances against error and activity
// thresholds and drives bounded automatic restarts.
package health

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/driftpoint/regimebot/internal/strategy"
)

// Status grades one instance's condition.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusCritical  Status = "critical"
)

var severity = map[Status]int{
	StatusHealthy:   0,
	StatusDegraded:  1,
	StatusUnhealthy: 2,
	StatusCritical:  3,
}

// Worse reports whether s outranks other in severity.
func (s Status) Worse(other Status) bool {
	return severity[s] > severity[other]
}

// Severity returns the numeric rank of the status, higher is worse.
func (s Status) Severity() int {
	return severity[s]
}

// CheckResult is one instance's health snapshot at one check.
type CheckResult struct {
	InstanceID string         `json:"instanceId"`
	Status     Status         `json:"status"`
	Message    string         `json:"message"`
	Timestamp  time.Time      `json:"timestamp"`
	Details    map[string]any `json:"details,omitempty"`
}

// Summary aggregates the latest result of every instance.
type Summary struct {
	Overall   Status                 `json:"overall"`
	Instances map[string]CheckResult `json:"instances"`
	Timestamp time.Time              `json:"timestamp"`
}

// Callback receives unhealthy and critical transitions. Callbacks are
// invoked on their own goroutine and must not be relied on for
// ordering.
type Callback func(result CheckResult)

// Config tunes the monitor thresholds.
type Config struct {
	MaxErrorCount        int
	MaxConsecutiveErrors int
	SignalTimeout        time.Duration
	TradeTimeout         time.Duration
	AutoRestart          bool
	MaxRestartAttempts   int
	HistoryCapacity      int
}

// DefaultConfig returns the monitor defaults.
func DefaultConfig() Config {
	return Config{
		MaxErrorCount:        10,
		MaxConsecutiveErrors: 3,
		SignalTimeout:        time.Hour,
		TradeTimeout:         24 * time.Hour,
		AutoRestart:          true,
		MaxRestartAttempts:   3,
		HistoryCapacity:      50,
	}
}

// Monitor grades every registered instance and restarts errored ones
// within the attempt budget. Checks are pulled by the caller through
// CheckAll; the monitor keeps no goroutine of its own.
type Monitor struct {
	logger   *zap.Logger
	config   Config
	registry *strategy.Registry
	now      func() time.Time

	mu              sync.Mutex
	history         map[string][]CheckResult
	lastStatus      map[string]Status
	restartAttempts map[string]int
	callbacks       []Callback
}

// NewMonitor creates a health monitor over the given registry.
func NewMonitor(logger *zap.Logger, config Config, registry *strategy.Registry) *Monitor {
	return &Monitor{
		logger:          logger,
		config:          config,
		registry:        registry,
		now:             time.Now,
		history:         make(map[string][]CheckResult),
		lastStatus:      make(map[string]Status),
		restartAttempts: make(map[string]int),
	}
}

// OnUnhealthy registers a callback invoked when an instance transitions
// into UNHEALTHY or CRITICAL.
func (m *Monitor) OnUnhealthy(cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// CheckAll grades every registered instance once and applies the
// restart policy to critical errored ones.
func (m *Monitor) CheckAll() []CheckResult {
	instances := m.registry.List()
	results := make([]CheckResult, 0, len(instances))
	m.prune(instances)

	for _, in := range instances {
		res := m.checkInstance(in)
		m.record(res)
		results = append(results, res)

		if res.Status == StatusCritical && m.config.AutoRestart && in.State() == strategy.StateError {
			m.tryRestart(in.ID)
		}
		if in.State() == strategy.StateActive && res.Status == StatusHealthy {
			m.clearAttempts(in.ID)
		}
	}
	return results
}

// checkInstance applies the grading rules in priority order. ERROR
// outranks everything, then the error counters, then activity timeouts
// for ACTIVE instances. Dormant instances are healthy by definition.
func (m *Monitor) checkInstance(in *strategy.Instance) CheckResult {
	now := m.now()
	state := in.State()
	metrics := in.Metrics()

	res := CheckResult{
		InstanceID: in.ID,
		Status:     StatusHealthy,
		Timestamp:  now,
		Details: map[string]any{
			"state":             string(state),
			"errorCount":        metrics.ErrorCount,
			"consecutiveErrors": metrics.ConsecutiveErrors,
		},
	}

	if state == strategy.StateError {
		res.Status = StatusCritical
		res.Message = fmt.Sprintf("instance is in ERROR state: %s", metrics.LastError)
		return res
	}
	if !state.IsRunnable() {
		res.Message = fmt.Sprintf("instance is %s", state)
		return res
	}

	if m.config.MaxConsecutiveErrors > 0 && metrics.ConsecutiveErrors >= int64(m.config.MaxConsecutiveErrors) {
		res.Status = StatusCritical
		res.Message = fmt.Sprintf("%d consecutive errors (threshold %d)",
			metrics.ConsecutiveErrors, m.config.MaxConsecutiveErrors)
		return res
	}
	if m.config.MaxErrorCount > 0 && metrics.ErrorCount >= int64(m.config.MaxErrorCount) {
		res.Status = StatusUnhealthy
		res.Message = fmt.Sprintf("%d total errors (threshold %d)",
			metrics.ErrorCount, m.config.MaxErrorCount)
		return res
	}

	if state == strategy.StateActive {
		lastSignal := metrics.LastSignalAt
		if lastSignal.IsZero() {
			lastSignal = in.StartedAt()
		}
		if m.config.SignalTimeout > 0 && !lastSignal.IsZero() && now.Sub(lastSignal) > m.config.SignalTimeout {
			res.Status = StatusDegraded
			res.Message = fmt.Sprintf("no signal for %s", now.Sub(lastSignal).Round(time.Second))
			return res
		}

		lastTrade := metrics.LastTradeAt
		if lastTrade.IsZero() {
			lastTrade = in.StartedAt()
		}
		if m.config.TradeTimeout > 0 && !lastTrade.IsZero() && now.Sub(lastTrade) > m.config.TradeTimeout {
			res.Status = StatusDegraded
			res.Message = fmt.Sprintf("no trade for %s", now.Sub(lastTrade).Round(time.Second))
			return res
		}
	}

	res.Message = "ok"
	return res
}

// record appends the result to the bounded per-instance history and
// fires callbacks on transitions into unhealthy or critical.
func (m *Monitor) record(res CheckResult) {
	m.mu.Lock()
	hist := append([]CheckResult{res}, m.history[res.InstanceID]...)
	if m.config.HistoryCapacity > 0 && len(hist) > m.config.HistoryCapacity {
		hist = hist[:m.config.HistoryCapacity]
	}
	m.history[res.InstanceID] = hist

	previous := m.lastStatus[res.InstanceID]
	m.lastStatus[res.InstanceID] = res.Status
	var toFire []Callback
	if res.Status != previous && (res.Status == StatusUnhealthy || res.Status == StatusCritical) {
		toFire = append(toFire, m.callbacks...)
	}
	m.mu.Unlock()

	if len(toFire) > 0 {
		m.logger.Warn("Strategy health deteriorated",
			zap.String("id", res.InstanceID),
			zap.String("status", string(res.Status)),
			zap.String("message", res.Message))
		for _, cb := range toFire {
			go cb(res)
		}
	}
}

// tryRestart resets and restarts an errored instance unless the
// per-instance attempt budget is spent.
func (m *Monitor) tryRestart(id string) {
	m.mu.Lock()
	attempts := m.restartAttempts[id]
	if attempts >= m.config.MaxRestartAttempts {
		m.mu.Unlock()
		m.logger.Warn("Restart attempts exhausted, manual intervention required",
			zap.String("id", id),
			zap.Int("attempts", attempts))
		return
	}
	m.restartAttempts[id] = attempts + 1
	m.mu.Unlock()

	m.logger.Info("Attempting automatic restart",
		zap.String("id", id),
		zap.Int("attempt", attempts+1),
		zap.Int("maxAttempts", m.config.MaxRestartAttempts))

	if err := m.registry.ResetStrategy(id); err != nil {
		m.logger.Error("Automatic restart failed at reset",
			zap.String("id", id),
			zap.Error(err))
		return
	}
	if err := m.registry.StartStrategy(id); err != nil {
		m.logger.Error("Automatic restart failed at start",
			zap.String("id", id),
			zap.Error(err))
		return
	}
	m.logger.Info("Strategy restarted automatically", zap.String("id", id))
}

// prune drops tracking state for instances that left the registry.
func (m *Monitor) prune(instances []*strategy.Instance) {
	current := make(map[string]bool, len(instances))
	for _, in := range instances {
		current[in.ID] = true
	}

	m.mu.Lock()
	for id := range m.history {
		if !current[id] {
			delete(m.history, id)
			delete(m.lastStatus, id)
			delete(m.restartAttempts, id)
		}
	}
	m.mu.Unlock()
}

func (m *Monitor) clearAttempts(id string) {
	m.mu.Lock()
	if m.restartAttempts[id] != 0 {
		m.restartAttempts[id] = 0
		m.logger.Debug("Restart attempt counter cleared", zap.String("id", id))
	}
	m.mu.Unlock()
}

// RestartAttempts returns the consumed restart budget for an instance.
func (m *Monitor) RestartAttempts(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restartAttempts[id]
}

// History returns a copy of the bounded result history for an instance,
// most recent first.
func (m *Monitor) History(id string) []CheckResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CheckResult(nil), m.history[id]...)
}

// Aggregate returns the worst latest status across all instances.
// An empty registry is healthy.
func (m *Monitor) Aggregate() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	overall := StatusHealthy
	for _, hist := range m.history {
		if len(hist) == 0 {
			continue
		}
		if hist[0].Status.Worse(overall) {
			overall = hist[0].Status
		}
	}
	return overall
}

// SummaryReport returns the latest result per instance plus the
// aggregate status.
func (m *Monitor) SummaryReport() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	sum := Summary{
		Overall:   StatusHealthy,
		Instances: make(map[string]CheckResult, len(m.history)),
		Timestamp: m.now(),
	}
	for id, hist := range m.history {
		if len(hist) == 0 {
			continue
		}
		sum.Instances[id] = hist[0]
		if hist[0].Status.Worse(sum.Overall) {
			sum.Overall = hist[0].Status
		}
	}
	return sum
}
