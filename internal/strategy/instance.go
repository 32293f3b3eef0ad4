package strategy

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Metrics tracks one instance's activity counters. PnL is cumulative
// across resets.
type Metrics struct {
	SignalsGenerated  int64           `json:"signalsGenerated"`
	TradesExecuted    int64           `json:"tradesExecuted"`
	ProfitableTrades  int64           `json:"profitableTrades"`
	TotalPnL          decimal.Decimal `json:"totalPnl"`
	ErrorCount        int64           `json:"errorCount"`
	ConsecutiveErrors int64           `json:"consecutiveErrors"`
	LastError         string          `json:"lastError,omitempty"`
	LastSignalAt      time.Time       `json:"lastSignalAt,omitempty"`
	LastTradeAt       time.Time       `json:"lastTradeAt,omitempty"`
	Uptime            time.Duration   `json:"uptime"`
}

// Instance is one registered, lifecycle-managed strategy worker. All
// mutation goes through the registry, which serializes transitions and
// metric writes per instance via mu.
type Instance struct {
	ID     string
	Type   string
	Config map[string]any

	plugin Plugin

	mu        sync.Mutex
	state     State
	metrics   Metrics
	createdAt time.Time
	startedAt time.Time
	stoppedAt time.Time
}

func newInstance(id, typ string, config map[string]any, plugin Plugin, now time.Time) *Instance {
	return &Instance{
		ID:        id,
		Type:      typ,
		Config:    config,
		plugin:    plugin,
		state:     StateIdle,
		createdAt: now,
	}
}

// transitionLocked applies from→to. Illegal moves are rejected and the
// state is left unchanged. Caller must hold mu.
func (in *Instance) transitionLocked(to State) error {
	if !CanTransition(in.state, to) {
		return fmt.Errorf("%w: %s: %s -> %s", ErrInvalidTransition, in.ID, in.state, to)
	}
	in.state = to
	return nil
}

// State returns the current lifecycle state.
func (in *Instance) State() State {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

// Metrics returns a copy of the instance counters.
func (in *Instance) Metrics() Metrics {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.metrics
}

// Plugin returns the underlying strategy implementation.
func (in *Instance) Plugin() Plugin {
	return in.plugin
}

// CreatedAt returns the registration time.
func (in *Instance) CreatedAt() time.Time {
	return in.createdAt
}

// StartedAt returns the time of the last successful start.
func (in *Instance) StartedAt() time.Time {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.startedAt
}

// StoppedAt returns the time of the last stop.
func (in *Instance) StoppedAt() time.Time {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.stoppedAt
}
