package strategy

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrInstanceExists    = errors.New("strategy instance already registered")
	ErrInstanceNotFound  = errors.New("strategy instance not found")
	ErrCapacityExceeded  = errors.New("strategy capacity exceeded")
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
	ErrUnknownType       = errors.New("unknown strategy type")
)

// TransitionCallback observes applied lifecycle transitions. Callbacks
// run synchronously on the transitioning goroutine and must not block.
type TransitionCallback func(id, typ string, from, to State)

// Registry owns the set of strategy instances and enforces their
// lifecycle state machine. Individual instances are serialized by their
// own lock; the registry lock only guards the instance map.
type Registry struct {
	logger   *zap.Logger
	symbol   string
	capacity int
	now      func() time.Time

	factories map[string]Factory

	mu        sync.RWMutex
	instances map[string]*Instance

	cbMu         sync.RWMutex
	onTransition TransitionCallback
}

// NewRegistry creates a registry with the built-in strategy factories
// registered.
func NewRegistry(logger *zap.Logger, symbol string, capacity int) *Registry {
	r := &Registry{
		logger:    logger,
		symbol:    symbol,
		capacity:  capacity,
		now:       time.Now,
		factories: make(map[string]Factory),
		instances: make(map[string]*Instance),
	}
	r.factories[TypeGrid] = NewGridPlugin
	r.factories[TypeDCA] = NewDCAPlugin
	r.factories[TypeTrendFollower] = NewTrendFollowerPlugin
	r.factories[TypeSMC] = NewSMCPlugin
	return r
}

// RegisterFactory adds or replaces a strategy factory.
func (r *Registry) RegisterFactory(typ string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typ] = f
}

// SetTransitionCallback installs the lifecycle observer.
func (r *Registry) SetTransitionCallback(cb TransitionCallback) {
	r.cbMu.Lock()
	defer r.cbMu.Unlock()
	r.onTransition = cb
}

func (r *Registry) notify(id, typ string, from, to State) {
	r.cbMu.RLock()
	cb := r.onTransition
	r.cbMu.RUnlock()
	if cb != nil {
		cb(id, typ, from, to)
	}
}

// Register creates a new instance in the IDLE state. It fails if the id
// exists, the capacity is exceeded, or the type has no factory.
func (r *Registry) Register(id, typ string, config map[string]any) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.instances[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrInstanceExists, id)
	}
	if len(r.instances) >= r.capacity {
		return nil, fmt.Errorf("%w: capacity %d", ErrCapacityExceeded, r.capacity)
	}
	factory, ok := r.factories[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, typ)
	}

	plugin, err := factory(r.logger, r.symbol, config)
	if err != nil {
		return nil, fmt.Errorf("failed to construct %s strategy: %w", typ, err)
	}

	in := newInstance(id, typ, config, plugin, r.now())
	r.instances[id] = in

	r.logger.Info("Strategy registered",
		zap.String("id", id),
		zap.String("type", typ))
	return in, nil
}

// Unregister removes an instance. Only IDLE and STOPPED instances can
// be removed.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	in, ok := r.instances[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}

	in.mu.Lock()
	state := in.state
	in.mu.Unlock()
	if state != StateIdle && state != StateStopped {
		return fmt.Errorf("%w: %s: cannot unregister from %s", ErrInvalidTransition, id, state)
	}

	delete(r.instances, id)
	r.logger.Info("Strategy unregistered", zap.String("id", id))
	return nil
}

func (r *Registry) get(id string) (*Instance, error) {
	r.mu.RLock()
	in, ok := r.instances[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	return in, nil
}

// StartStrategy drives IDLE→STARTING→ACTIVE atomically from the
// caller's point of view.
func (r *Registry) StartStrategy(id string) error {
	in, err := r.get(id)
	if err != nil {
		return err
	}

	in.mu.Lock()
	from := in.state
	if err := in.transitionLocked(StateStarting); err != nil {
		in.mu.Unlock()
		return err
	}
	if err := in.transitionLocked(StateActive); err != nil {
		in.mu.Unlock()
		return err
	}
	in.startedAt = r.now()
	in.stoppedAt = time.Time{}
	in.mu.Unlock()

	r.logger.Info("Strategy started", zap.String("id", id))
	r.notify(id, in.Type, from, StateActive)
	return nil
}

// StopStrategy drives ACTIVE/PAUSED→STOPPING→STOPPED atomically from
// the caller's point of view.
func (r *Registry) StopStrategy(id string) error {
	in, err := r.get(id)
	if err != nil {
		return err
	}

	in.mu.Lock()
	from := in.state
	if err := in.transitionLocked(StateStopping); err != nil {
		in.mu.Unlock()
		return err
	}
	r.accrueUptimeLocked(in)
	if err := in.transitionLocked(StateStopped); err != nil {
		in.mu.Unlock()
		return err
	}
	in.stoppedAt = r.now()
	in.mu.Unlock()

	r.logger.Info("Strategy stopped", zap.String("id", id))
	r.notify(id, in.Type, from, StateStopped)
	return nil
}

// PauseStrategy moves ACTIVE→PAUSED.
func (r *Registry) PauseStrategy(id string) error {
	return r.simpleTransition(id, StatePaused, "Strategy paused")
}

// ResumeStrategy moves PAUSED→ACTIVE.
func (r *Registry) ResumeStrategy(id string) error {
	return r.simpleTransition(id, StateActive, "Strategy resumed")
}

func (r *Registry) simpleTransition(id string, to State, msg string) error {
	in, err := r.get(id)
	if err != nil {
		return err
	}

	in.mu.Lock()
	from := in.state
	if err := in.transitionLocked(to); err != nil {
		in.mu.Unlock()
		return err
	}
	in.mu.Unlock()

	r.logger.Info(msg, zap.String("id", id))
	r.notify(id, in.Type, from, to)
	return nil
}

// ResetStrategy moves STOPPED/ERROR back to IDLE and clears the
// start/stop timestamps. Cumulative metrics are preserved.
func (r *Registry) ResetStrategy(id string) error {
	in, err := r.get(id)
	if err != nil {
		return err
	}

	in.mu.Lock()
	from := in.state
	if err := in.transitionLocked(StateIdle); err != nil {
		in.mu.Unlock()
		return err
	}
	in.startedAt = time.Time{}
	in.stoppedAt = time.Time{}
	in.mu.Unlock()

	r.logger.Info("Strategy reset", zap.String("id", id))
	r.notify(id, in.Type, from, StateIdle)
	return nil
}

// StopAll stops every ACTIVE or PAUSED instance, continuing past
// individual failures. The returned error joins all failures.
func (r *Registry) StopAll() error {
	var errs []error
	for _, in := range r.List() {
		if !in.State().IsRunnable() {
			continue
		}
		if err := r.StopStrategy(in.ID); err != nil {
			r.logger.Error("Failed to stop strategy",
				zap.String("id", in.ID),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MarkError records a failure against the instance and moves it to
// ERROR where the lifecycle table allows. When the current state has no
// ERROR edge the counters are still updated and the state is left
// unchanged.
func (r *Registry) MarkError(id string, cause error) {
	in, err := r.get(id)
	if err != nil {
		return
	}

	in.mu.Lock()
	from := in.state
	in.metrics.ErrorCount++
	in.metrics.ConsecutiveErrors++
	if cause != nil {
		in.metrics.LastError = cause.Error()
	}
	moved := false
	if CanTransition(in.state, StateError) {
		r.accrueUptimeLocked(in)
		in.state = StateError
		moved = true
	}
	in.mu.Unlock()

	r.logger.Warn("Strategy error recorded",
		zap.String("id", id),
		zap.Bool("stateChanged", moved),
		zap.Error(cause))
	if moved {
		r.notify(id, in.Type, from, StateError)
	}
}

// accrueUptimeLocked folds the elapsed run time into the uptime metric
// when the instance leaves a running state. Caller must hold in.mu.
func (r *Registry) accrueUptimeLocked(in *Instance) {
	if !in.startedAt.IsZero() && (in.state == StateStopping || in.state == StateActive || in.state == StatePaused) {
		in.metrics.Uptime += r.now().Sub(in.startedAt)
		in.startedAt = time.Time{}
	}
}

// RecordSignal notes a generated signal and clears the consecutive
// error streak.
func (r *Registry) RecordSignal(id string) {
	in, err := r.get(id)
	if err != nil {
		return
	}
	in.mu.Lock()
	in.metrics.SignalsGenerated++
	in.metrics.LastSignalAt = r.now()
	in.metrics.ConsecutiveErrors = 0
	in.mu.Unlock()
}

// RecordTrade notes an executed trade with its realized PnL.
func (r *Registry) RecordTrade(id string, pnl decimal.Decimal) {
	in, err := r.get(id)
	if err != nil {
		return
	}
	in.mu.Lock()
	in.metrics.TradesExecuted++
	if pnl.IsPositive() {
		in.metrics.ProfitableTrades++
	}
	in.metrics.TotalPnL = in.metrics.TotalPnL.Add(pnl)
	in.metrics.LastTradeAt = r.now()
	in.metrics.ConsecutiveErrors = 0
	in.mu.Unlock()
}

// Get returns the instance with the given id.
func (r *Registry) Get(id string) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	in, ok := r.instances[id]
	return in, ok
}

// FindByType returns the lowest-id instance of the given type.
func (r *Registry) FindByType(typ string) (*Instance, bool) {
	var found *Instance
	for _, in := range r.List() {
		if in.Type == typ {
			found = in
			break
		}
	}
	return found, found != nil
}

// List returns all instances ordered by id.
func (r *Registry) List() []*Instance {
	r.mu.RLock()
	out := make([]*Instance, 0, len(r.instances))
	for _, in := range r.instances {
		out = append(out, in)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of registered instances.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}

// ActiveTypes returns the sorted set of types with at least one ACTIVE
// instance.
func (r *Registry) ActiveTypes() []string {
	seen := make(map[string]bool)
	for _, in := range r.List() {
		if in.State() == StateActive {
			seen[in.Type] = true
		}
	}
	out := make([]string, 0, len(seen))
	for typ := range seen {
		out = append(out, typ)
	}
	sort.Strings(out)
	return out
}

type instanceSnapshot struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Config    map[string]any `json:"config,omitempty"`
	State     State          `json:"state"`
	Metrics   Metrics        `json:"metrics"`
	CreatedAt time.Time      `json:"createdAt"`
}

type registrySnapshot struct {
	Instances []instanceSnapshot `json:"instances"`
}

// SnapshotState serializes every instance's identity and metrics. Live
// lifecycle states are recorded for observability but restore as IDLE.
func (r *Registry) SnapshotState() ([]byte, error) {
	snap := registrySnapshot{}
	for _, in := range r.List() {
		in.mu.Lock()
		snap.Instances = append(snap.Instances, instanceSnapshot{
			ID:        in.ID,
			Type:      in.Type,
			Config:    in.Config,
			State:     in.state,
			Metrics:   in.metrics,
			CreatedAt: in.createdAt,
		})
		in.mu.Unlock()
	}
	return json.Marshal(snap)
}

// RestoreState re-registers snapshotted instances that are not already
// present, restoring their configs and cumulative metrics. Instances
// come back IDLE; live states are not resurrected.
func (r *Registry) RestoreState(data []byte) error {
	var snap registrySnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}

	for _, is := range snap.Instances {
		if _, exists := r.Get(is.ID); exists {
			continue
		}
		in, err := r.Register(is.ID, is.Type, is.Config)
		if err != nil {
			r.logger.Warn("Failed to restore strategy instance",
				zap.String("id", is.ID),
				zap.Error(err))
			continue
		}
		in.mu.Lock()
		in.metrics = is.Metrics
		in.createdAt = is.CreatedAt
		in.mu.Unlock()
	}
	return nil
}
