// Package orchestrator runs the top-level control loop: it owns the
// bot lifecycle, drives the periodic tasks (price refresh, regime
// refresh and selection, health check, persistence) and wires the
// classifier, selector, registry and health monitor to the exchange
// and the event bus. It is the only component that talks to external
// collaborators.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/driftpoint/regimebot/internal/events"
	"github.com/driftpoint/regimebot/internal/exchange"
	"github.com/driftpoint/regimebot/internal/health"
	"github.com/driftpoint/regimebot/internal/metrics"
	"github.com/driftpoint/regimebot/internal/persistence"
	"github.com/driftpoint/regimebot/internal/regime"
	"github.com/driftpoint/regimebot/internal/selector"
	"github.com/driftpoint/regimebot/internal/strategy"
	"github.com/driftpoint/regimebot/pkg/types"
)

// State is the bot lifecycle state.
type State string

const (
	StateStopped   State = "stopped"
	StateStarting  State = "starting"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateStopping  State = "stopping"
	StateEmergency State = "emergency"
)

var (
	// ErrNotStopped is returned by Start when the bot is not in a
	// startable state.
	ErrNotStopped = errors.New("bot is not stopped")
	// ErrNotRunning is returned by lifecycle calls that require a
	// running bot.
	ErrNotRunning = errors.New("bot is not running")
	// ErrEmergency is returned for any lifecycle call after an
	// emergency stop; the terminal state requires a manual restart.
	ErrEmergency = errors.New("bot is emergency-stopped, manual restart required")
)

// Config tunes the control loop.
type Config struct {
	BotName     string
	Symbol      string
	Timeframe   types.Timeframe
	CandleLimit int

	// Simulation skips order placement and cancellation; everything
	// else runs identically.
	Simulation bool

	PriceRefreshInterval time.Duration
	RegimeCheckInterval  time.Duration
	HealthCheckInterval  time.Duration
	StateSaveInterval    time.Duration

	// TickBackoff is slept after any transient step failure before the
	// loop continues.
	TickBackoff time.Duration

	// StalenessMultiplier warns when the latest classification is older
	// than this many regime-check intervals.
	StalenessMultiplier float64

	// ClosePositionsOnSwitch unwinds open positions of deactivated
	// strategies with opposing market orders during a transition.
	ClosePositionsOnSwitch bool

	// OrderQuoteSize is the quote-currency budget of one entry order,
	// scaled by the winning strategy's target weight.
	OrderQuoteSize decimal.Decimal
}

// DefaultConfig returns the control loop defaults.
func DefaultConfig() Config {
	return Config{
		BotName:              "regimebot",
		Symbol:               "BTCUSDT",
		Timeframe:            types.Timeframe1h,
		CandleLimit:          200,
		Simulation:           true,
		PriceRefreshInterval: 30 * time.Second,
		RegimeCheckInterval:  5 * time.Minute,
		HealthCheckInterval:  time.Minute,
		StateSaveInterval:    5 * time.Minute,
		TickBackoff:          5 * time.Second,
		StalenessMultiplier:  2.0,
		OrderQuoteSize:       decimal.NewFromInt(100),
	}
}

// stepOutcome tags the result of one sub-step of a periodic task so the
// loop can apply a single uniform failure policy instead of relying on
// error propagation shape.
type stepOutcome int

const (
	stepOK stepOutcome = iota
	stepTransient
)

// stepResult is the typed outcome of one named sub-step.
type stepResult struct {
	step    string
	outcome stepOutcome
	err     error
}

func ok(step string) stepResult {
	return stepResult{step: step, outcome: stepOK}
}

func transient(step string, err error) stepResult {
	return stepResult{step: step, outcome: stepTransient, err: err}
}

// Snapshot engine keys.
const (
	engineRegistry   = "registry"
	engineSelector   = "selector"
	engineClassifier = "classifier"
)

// Bot is the per-pair supervising process. Lifecycle operations are
// serialized by lifecycleMu so concurrent Start and Stop calls cannot
// interleave; the periodic tasks coordinate only through the component
// APIs and the two single-writer atomics below.
type Bot struct {
	logger  *zap.Logger
	config  Config
	metrics *metrics.Metrics

	classifier *regime.Classifier
	registry   *strategy.Registry
	selector   *selector.Selector
	monitor    *health.Monitor

	exchange exchange.Client
	bus      *events.Bus
	store    persistence.Store

	// currentPrice and currentSeries are written only by the price
	// task (and the optional ticker stream for the price); everything
	// else reads through atomic loads.
	currentPrice  atomic.Pointer[types.Ticker]
	currentSeries atomic.Pointer[types.Series]

	lifecycleMu sync.Mutex
	stateMu     sync.RWMutex
	state       State

	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() time.Time
}

// NewBot wires the components into a bot. The bot claims the
// registry's lifecycle callback and a health callback to publish
// strategy and health events.
func NewBot(
	logger *zap.Logger,
	config Config,
	mets *metrics.Metrics,
	classifier *regime.Classifier,
	registry *strategy.Registry,
	sel *selector.Selector,
	monitor *health.Monitor,
	client exchange.Client,
	bus *events.Bus,
	store persistence.Store,
) *Bot {
	b := &Bot{
		logger:     logger,
		config:     config,
		metrics:    mets,
		classifier: classifier,
		registry:   registry,
		selector:   sel,
		monitor:    monitor,
		exchange:   client,
		bus:        bus,
		store:      store,
		state:      StateStopped,
		now:        time.Now,
	}

	registry.SetTransitionCallback(b.onStrategyTransition)
	monitor.OnUnhealthy(b.onUnhealthy)
	return b
}

// State returns the current lifecycle state.
func (b *Bot) State() State {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	return b.state
}

func (b *Bot) setState(s State) {
	b.stateMu.Lock()
	b.state = s
	b.stateMu.Unlock()
}

// Start brings the bot to RUNNING: fetch the current price, reconcile
// against a persisted snapshot or cold-bootstrap the strategy set, then
// launch the periodic tasks.
func (b *Bot) Start(ctx context.Context) error {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()

	switch b.State() {
	case StateStopped:
	case StateEmergency:
		return ErrEmergency
	default:
		return fmt.Errorf("%w: %s", ErrNotStopped, b.State())
	}
	b.setState(StateStarting)

	b.logger.Info("Starting bot",
		zap.String("symbol", b.config.Symbol),
		zap.String("timeframe", string(b.config.Timeframe)),
		zap.Bool("simulation", b.config.Simulation))

	if res := b.refreshPrice(ctx); res.outcome != stepOK {
		// A venue outage at boot is survivable; the price task retries.
		b.logger.Warn("Initial price fetch failed, continuing",
			zap.String("step", res.step),
			zap.Error(res.err))
	}

	if err := b.reconcile(ctx); err != nil {
		b.logger.Warn("Snapshot reconcile failed, cold bootstrap", zap.Error(err))
	}

	// Eager first classification so the selector has something to work
	// with before the first regime tick.
	b.refreshRegime()

	runCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	b.wg.Add(4)
	go b.priceLoop(runCtx)
	go b.regimeLoop(runCtx)
	go b.healthLoop(runCtx)
	go b.persistLoop(runCtx)

	b.setState(StateRunning)
	b.publish(events.TypeBotStarted, map[string]any{
		"symbol":     b.config.Symbol,
		"simulation": b.config.Simulation,
	})
	b.logger.Info("Bot started")
	return nil
}

// Stop gracefully halts the bot: persist state, cancel and await every
// periodic task, cancel open venue orders unless simulating, stop all
// strategies.
func (b *Bot) Stop(ctx context.Context) error {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()

	switch b.State() {
	case StateRunning, StatePaused:
	case StateEmergency:
		return ErrEmergency
	default:
		return fmt.Errorf("%w: %s", ErrNotRunning, b.State())
	}
	b.setState(StateStopping)
	b.logger.Info("Stopping bot")

	if err := b.saveSnapshot(ctx); err != nil {
		b.logger.Error("Failed to persist state on stop", zap.Error(err))
	}

	b.cancel()
	b.wg.Wait()

	if !b.config.Simulation {
		if err := b.exchange.CancelAllOrders(ctx, b.config.Symbol); err != nil {
			b.logger.Error("Failed to cancel open orders on stop", zap.Error(err))
		}
	}
	if err := b.registry.StopAll(); err != nil {
		b.logger.Warn("Some strategies failed to stop", zap.Error(err))
	}

	b.setState(StateStopped)
	b.publish(events.TypeBotStopped, nil)
	b.logger.Info("Bot stopped")
	return nil
}

// Pause suspends trading dispatch and strategy transitions. The
// periodic tasks keep ticking so price, regime and health stay fresh.
func (b *Bot) Pause() error {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()

	if b.State() != StateRunning {
		return fmt.Errorf("%w: %s", ErrNotRunning, b.State())
	}
	b.setState(StatePaused)
	b.publish(events.TypeBotPaused, nil)
	b.logger.Info("Bot paused")
	return nil
}

// Resume returns a paused bot to RUNNING.
func (b *Bot) Resume() error {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()

	if b.State() != StatePaused {
		return fmt.Errorf("cannot resume from %s", b.State())
	}
	b.setState(StateRunning)
	b.publish(events.TypeBotResumed, nil)
	b.logger.Info("Bot resumed")
	return nil
}

// EmergencyStop abandons graceful waiting: cancel the tasks, best-effort
// cancel venue orders and persist state, then land in the terminal
// EMERGENCY state. It always reaches EMERGENCY even when cleanup fails.
func (b *Bot) EmergencyStop(ctx context.Context) {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()

	state := b.State()
	if state == StateStopped || state == StateEmergency {
		b.setState(StateEmergency)
		return
	}
	b.logger.Warn("EMERGENCY STOP initiated")

	if b.cancel != nil {
		b.cancel()
		b.wg.Wait()
	}

	if !b.config.Simulation {
		if err := b.exchange.CancelAllOrders(ctx, b.config.Symbol); err != nil {
			b.logger.Error("Emergency order cancellation failed", zap.Error(err))
		}
	}
	if err := b.saveSnapshot(ctx); err != nil {
		b.logger.Error("Emergency state persistence failed", zap.Error(err))
	}
	if err := b.registry.StopAll(); err != nil {
		b.logger.Error("Emergency strategy stop failed", zap.Error(err))
	}

	b.setState(StateEmergency)
	b.publish(events.TypeEmergencyStop, nil)
	b.logger.Warn("Bot emergency-stopped, manual restart required")
}

// CurrentPrice returns the latest known price, zero when none was
// fetched yet.
func (b *Bot) CurrentPrice() decimal.Decimal {
	if t := b.currentPrice.Load(); t != nil {
		return t.Last
	}
	return decimal.Zero
}

// UpdatePrice feeds an externally streamed ticker into the price cache.
// Wired as the ticker stream handler between REST refreshes.
func (b *Bot) UpdatePrice(ticker types.Ticker) {
	b.currentPrice.Store(&ticker)
}

// CurrentRegime returns the latest classification, if any.
func (b *Bot) CurrentRegime() (regime.Analysis, bool) {
	return b.classifier.Current()
}

// ActiveStrategies returns the active strategy-type set.
func (b *Bot) ActiveStrategies() []string {
	return b.registry.ActiveTypes()
}

// RegisterStrategy adds a strategy instance to the fleet and announces
// it on the bus.
func (b *Bot) RegisterStrategy(id, typ string, config map[string]any) error {
	if _, err := b.registry.Register(id, typ, config); err != nil {
		return err
	}
	b.publish(events.TypeStrategyRegistered, map[string]any{
		"id":   id,
		"type": typ,
	})
	return nil
}

// Status is the operational snapshot served by the HTTP surface.
type Status struct {
	Bot              string                     `json:"bot"`
	State            State                      `json:"state"`
	Symbol           string                     `json:"symbol"`
	Simulation       bool                       `json:"simulation"`
	CurrentPrice     string                     `json:"currentPrice"`
	Regime           regime.Regime              `json:"regime"`
	RegimeConfidence float64                    `json:"regimeConfidence"`
	ClassifiedAt     time.Time                  `json:"classifiedAt,omitempty"`
	ActiveStrategies []string                   `json:"activeStrategies"`
	Health           health.Summary             `json:"health"`
	LastTransition   *selector.TransitionRecord `json:"lastTransition,omitempty"`
	EventStats       events.Stats               `json:"eventStats"`
}

// StatusReport assembles the current operational snapshot.
func (b *Bot) StatusReport() Status {
	st := Status{
		Bot:              b.config.BotName,
		State:            b.State(),
		Symbol:           b.config.Symbol,
		Simulation:       b.config.Simulation,
		CurrentPrice:     b.CurrentPrice().String(),
		Regime:           regime.RegimeUnknown,
		ActiveStrategies: b.registry.ActiveTypes(),
		Health:           b.monitor.SummaryReport(),
		EventStats:       b.bus.Stats(),
	}
	if analysis, found := b.classifier.Current(); found {
		st.Regime = analysis.Regime
		st.RegimeConfidence = analysis.Confidence
		st.ClassifiedAt = analysis.Timestamp
	}
	if record, found := b.selector.LastTransition(); found {
		st.LastTransition = &record
	}
	return st
}

// TransitionHistory exposes the selector's bounded transition log.
func (b *Bot) TransitionHistory() []selector.TransitionRecord {
	return b.selector.History()
}

// --- periodic tasks ---

func (b *Bot) priceLoop(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.config.PriceRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if res := b.refreshPrice(ctx); !b.handleStep(ctx, res) {
				continue
			}
			if b.State() != StateRunning {
				continue
			}
			b.handleStep(ctx, b.tradingTick(ctx))
		}
	}
}

func (b *Bot) regimeLoop(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.config.RegimeCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.warnIfStale()
			b.refreshRegime()
			if b.State() != StateRunning {
				continue
			}
			b.handleStep(ctx, b.refreshSelection(ctx))
		}
	}
}

func (b *Bot) healthLoop(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.config.HealthCheckInterval)
	defer ticker.Stop()

	attemptsSeen := make(map[string]int)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, res := range b.monitor.CheckAll() {
				b.metrics.SetInstanceHealth(res.InstanceID, res.Status.Severity())
				attempts := b.monitor.RestartAttempts(res.InstanceID)
				if attempts > attemptsSeen[res.InstanceID] {
					b.metrics.Restarts.Add(float64(attempts - attemptsSeen[res.InstanceID]))
					b.publish(events.TypeStrategyRestarted, map[string]any{
						"instance": res.InstanceID,
						"attempt":  attempts,
					})
				}
				attemptsSeen[res.InstanceID] = attempts
			}
		}
	}
}

func (b *Bot) persistLoop(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.config.StateSaveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.saveSnapshot(ctx); err != nil {
				b.handleStep(ctx, transient("persist", err))
			}
		}
	}
}

// handleStep applies the uniform per-tick failure policy: log, publish
// an error event, count it, back off, continue. Returns true when the
// step succeeded.
func (b *Bot) handleStep(ctx context.Context, res stepResult) bool {
	if res.outcome == stepOK {
		return true
	}
	b.logger.Warn("Transient step failure",
		zap.String("step", res.step),
		zap.Error(res.err))

	b.metrics.TickErrors.WithLabelValues(res.step).Inc()
	b.publish(events.TypeError, map[string]any{
		"step":  res.step,
		"error": res.err.Error(),
	})

	select {
	case <-ctx.Done():
	case <-time.After(b.config.TickBackoff):
	}
	return false
}

// refreshPrice fetches the ticker and the candle series and publishes
// them to the single-writer caches.
func (b *Bot) refreshPrice(ctx context.Context) stepResult {
	ticker, err := b.exchange.FetchTicker(ctx, b.config.Symbol)
	if err != nil {
		return transient("price", fmt.Errorf("fetch ticker: %w", err))
	}
	series, err := b.exchange.FetchOHLCV(ctx, b.config.Symbol, b.config.Timeframe, b.config.CandleLimit)
	if err != nil {
		return transient("price", fmt.Errorf("fetch ohlcv: %w", err))
	}

	b.currentPrice.Store(ticker)
	b.currentSeries.Store(&series)
	b.metrics.Ticks.Inc()
	return ok("price")
}

// refreshRegime classifies the cached series and publishes regime
// events. Classification never fails; a thin series degrades to the
// UNKNOWN regime.
func (b *Bot) refreshRegime() {
	seriesPtr := b.currentSeries.Load()
	if seriesPtr == nil {
		return
	}

	prev, hadPrev := b.classifier.Current()
	analysis := b.classifier.Analyze(*seriesPtr)

	b.metrics.RegimeChecks.Inc()
	b.metrics.SetRegime(string(analysis.Regime))
	b.metrics.RegimeConfidence.Set(analysis.Confidence)

	data := map[string]any{
		"regime":     string(analysis.Regime),
		"confidence": fmt.Sprintf("%.4f", analysis.Confidence),
		"confluence": fmt.Sprintf("%.4f", analysis.ConfluenceScore),
		"recommend":  string(analysis.Recommended),
	}
	b.publish(events.TypeRegimeDetected, data)
	if hadPrev && prev.Regime != analysis.Regime {
		b.metrics.RegimeSwitches.Inc()
		data["previousRegime"] = string(prev.Regime)
		b.publish(events.TypeRegimeChanged, data)
	}
}

// refreshSelection runs one selection pass over the latest analysis and
// executes the transition when one is due.
func (b *Bot) refreshSelection(ctx context.Context) stepResult {
	analysis, okAnalysis := b.classifier.Current()
	if !okAnalysis {
		return ok("selection")
	}

	result := b.selector.Select(analysis)
	if !result.TransitionNeeded {
		b.logger.Debug("No strategy transition", zap.String("reason", result.Reason))
		return ok("selection")
	}
	return b.executeSelection(ctx, result)
}

// executeSelection runs one decided transition and reports the outcome
// the selector actually recorded: an attempt pre-empted by a concurrent
// transition or a manual lock surfaces as cancelled, not completed.
func (b *Bot) executeSelection(ctx context.Context, result selector.Result) stepResult {
	b.publish(events.TypeTransitionStarted, map[string]any{
		"regime": string(result.Regime),
		"start":  result.ToStart,
		"stop":   result.ToStop,
		"reason": result.Reason,
	})

	if err := b.selector.ExecuteTransition(ctx, result, b.transitionCleanup); err != nil {
		return transient("selection", err)
	}

	if record, found := b.selector.LastTransition(); found && record.State == selector.TransitionCancelled {
		b.metrics.Transitions.WithLabelValues(string(selector.TransitionCancelled)).Inc()
		b.publish(events.TypeTransitionCancelled, map[string]any{
			"regime": string(result.Regime),
			"reason": record.Reason,
		})
		return ok("selection")
	}

	b.metrics.Transitions.WithLabelValues(string(selector.TransitionCompleted)).Inc()
	b.metrics.ActiveStrategies.Set(float64(len(b.registry.ActiveTypes())))
	b.publish(events.TypeTransitionCompleted, map[string]any{
		"regime":    string(result.Regime),
		"activeSet": b.registry.ActiveTypes(),
	})
	return ok("selection")
}

// transitionCleanup runs between the stop and start phases of a
// strategy-set switch: cancel all open orders on the pair, then
// optionally unwind the stopped strategies' positions with opposing
// market orders. Continue-on-cleanup-failure policy: every failure is
// reported to the caller, which logs and proceeds with activation.
func (b *Bot) transitionCleanup(ctx context.Context, stopped []string) error {
	var errs []error

	if b.config.Simulation {
		b.logger.Info("Simulation: skipping order cancellation on switch")
	} else if err := b.exchange.CancelAllOrders(ctx, b.config.Symbol); err != nil {
		errs = append(errs, fmt.Errorf("cancel orders: %w", err))
	}

	if b.config.ClosePositionsOnSwitch {
		for _, typ := range stopped {
			if err := b.unwindPositions(ctx, typ); err != nil {
				errs = append(errs, fmt.Errorf("unwind %s: %w", typ, err))
			}
		}
	}
	return errors.Join(errs...)
}

// unwindPositions closes every open position of a deactivated strategy
// by issuing the opposing market order.
func (b *Bot) unwindPositions(ctx context.Context, typ string) error {
	in, found := b.registry.FindByType(typ)
	if !found {
		return nil
	}
	price := b.CurrentPrice()

	var errs []error
	for _, pos := range in.Plugin().GetActivePositions() {
		side := types.OrderSideSell
		if pos.Side == types.PositionSideShort {
			side = types.OrderSideBuy
		}
		if !b.config.Simulation {
			if _, err := b.exchange.CreateOrder(ctx, b.config.Symbol, types.OrderTypeMarket, side, pos.Quantity, nil); err != nil {
				errs = append(errs, err)
				continue
			}
		}
		realized := in.Plugin().GetPerformance().RealizedPnL
		if err := in.Plugin().ClosePosition(pos.ID, strategy.ExitUnwind, price); err != nil {
			errs = append(errs, err)
			continue
		}
		b.registry.RecordTrade(in.ID, in.Plugin().GetPerformance().RealizedPnL.Sub(realized))
		b.logger.Info("Position unwound on strategy switch",
			zap.String("strategy", typ),
			zap.String("position", pos.ID),
			zap.String("side", string(side)))
	}
	return errors.Join(errs...)
}

// tradingTick dispatches one round of work to the active strategies:
// update and close positions, collect signals, resolve conflicts, and
// open the winning signal.
func (b *Bot) tradingTick(ctx context.Context) stepResult {
	seriesPtr := b.currentSeries.Load()
	tickerPtr := b.currentPrice.Load()
	if seriesPtr == nil || tickerPtr == nil {
		return ok("trading")
	}
	series := *seriesPtr
	price := tickerPtr.Last

	var signals []*strategy.Signal
	byType := make(map[string]*strategy.Instance)

	for _, in := range b.registry.List() {
		if in.State() != strategy.StateActive {
			continue
		}
		plugin := in.Plugin()

		for _, exit := range plugin.UpdatePositions(price, series) {
			realized := plugin.GetPerformance().RealizedPnL
			if err := plugin.ClosePosition(exit.PositionID, exit.Reason, price); err != nil {
				b.registry.MarkError(in.ID, err)
				continue
			}
			b.registry.RecordTrade(in.ID, plugin.GetPerformance().RealizedPnL.Sub(realized))
		}

		if sig := plugin.GenerateSignal(series, b.config.OrderQuoteSize); sig != nil {
			b.registry.RecordSignal(in.ID)
			b.metrics.SignalsGenerated.WithLabelValues(in.Type).Inc()
			signals = append(signals, sig)
			byType[sig.Strategy] = in
		}
	}

	winner := b.selector.ResolveSignals(signals)
	if winner == nil {
		return ok("trading")
	}
	in := byType[winner.Strategy]
	if in == nil {
		return ok("trading")
	}

	if err := b.openSignal(ctx, in, winner, price); err != nil {
		b.registry.MarkError(in.ID, err)
		return transient("trading", err)
	}
	return ok("trading")
}

// openSignal sizes and executes one winning signal: a position on the
// strategy's book plus a market order on the venue (skipped when
// simulating).
func (b *Bot) openSignal(ctx context.Context, in *strategy.Instance, sig *strategy.Signal, price decimal.Decimal) error {
	if price.IsZero() {
		return errors.New("no current price for sizing")
	}

	weight := b.selector.Weight(in.Type)
	if weight == 0 {
		weight = 1
	}
	quote := b.config.OrderQuoteSize.Mul(decimal.NewFromFloat(weight))
	size := quote.Div(price)
	if size.IsZero() {
		return fmt.Errorf("order size rounds to zero at price %s", price)
	}

	if b.config.Simulation {
		b.logger.Info("Simulation: skipping order placement",
			zap.String("strategy", in.Type),
			zap.String("side", string(sig.Side)),
			zap.String("size", size.String()))
	} else {
		order, err := b.exchange.CreateOrder(ctx, b.config.Symbol, types.OrderTypeMarket, sig.Side, size, nil)
		if err != nil {
			return fmt.Errorf("create order: %w", err)
		}
		b.logger.Info("Order placed",
			zap.String("orderId", order.ID),
			zap.String("side", string(sig.Side)),
			zap.String("size", size.String()))
	}
	b.metrics.OrdersPlaced.WithLabelValues(string(sig.Side)).Inc()

	if _, err := in.Plugin().OpenPosition(sig, size); err != nil {
		return fmt.Errorf("open position: %w", err)
	}
	b.registry.RecordTrade(in.ID, decimal.Zero)
	return nil
}

// warnIfStale flags a classification older than the staleness window.
func (b *Bot) warnIfStale() {
	analysis, found := b.classifier.Current()
	if !found {
		return
	}
	limit := time.Duration(float64(b.config.RegimeCheckInterval) * b.config.StalenessMultiplier)
	if age := b.now().Sub(analysis.Timestamp); age > limit {
		b.logger.Warn("Regime classification is stale",
			zap.Duration("age", age),
			zap.Duration("limit", limit))
	}
}

// --- persistence ---

// saveSnapshot serializes each sub-engine into its opaque blob and
// hands the bundle to the store.
func (b *Bot) saveSnapshot(ctx context.Context) error {
	engines := make(map[string][]byte, 3)

	regData, err := b.registry.SnapshotState()
	if err != nil {
		return fmt.Errorf("snapshot registry: %w", err)
	}
	engines[engineRegistry] = regData

	selData, err := b.selector.SnapshotState()
	if err != nil {
		return fmt.Errorf("snapshot selector: %w", err)
	}
	engines[engineSelector] = selData

	clsData, err := b.classifier.SnapshotState()
	if err != nil {
		return fmt.Errorf("snapshot classifier: %w", err)
	}
	engines[engineClassifier] = clsData

	return b.store.SaveSnapshot(ctx, &persistence.Snapshot{
		Bot:       b.config.BotName,
		Engines:   engines,
		Timestamp: b.now(),
	})
}

// reconcile restores sub-engine state from the last snapshot. A missing
// snapshot is a normal cold start, not an error.
func (b *Bot) reconcile(ctx context.Context) error {
	snap, err := b.store.LoadSnapshot(ctx, b.config.BotName)
	if err != nil {
		if errors.Is(err, persistence.ErrNoSnapshot) {
			b.logger.Info("No snapshot found, cold bootstrap")
			return nil
		}
		return err
	}

	if data, found := snap.Engines[engineRegistry]; found {
		if err := b.registry.RestoreState(data); err != nil {
			b.logger.Warn("Failed to restore registry state", zap.Error(err))
		}
	}
	if data, found := snap.Engines[engineSelector]; found {
		if err := b.selector.RestoreState(data); err != nil {
			b.logger.Warn("Failed to restore selector state", zap.Error(err))
		}
	}
	if data, found := snap.Engines[engineClassifier]; found {
		if err := b.classifier.RestoreState(data); err != nil {
			b.logger.Warn("Failed to restore classifier state", zap.Error(err))
		}
	}

	b.logger.Info("State reconciled from snapshot",
		zap.Time("snapshotAt", snap.Timestamp),
		zap.Int("instances", b.registry.Count()))
	return nil
}

// --- event wiring ---

func (b *Bot) publish(typ events.Type, data map[string]any) {
	b.bus.Publish(events.New(typ, b.config.BotName, data))
}

// onStrategyTransition converts registry lifecycle moves into events
// and keeps the active-strategy gauge current.
func (b *Bot) onStrategyTransition(id, typ string, from, to strategy.State) {
	var eventType events.Type
	switch to {
	case strategy.StateActive:
		if from == strategy.StatePaused {
			eventType = events.TypeStrategyResumed
		} else {
			eventType = events.TypeStrategyStarted
		}
	case strategy.StatePaused:
		eventType = events.TypeStrategyPaused
	case strategy.StateStopped:
		eventType = events.TypeStrategyStopped
	case strategy.StateError:
		eventType = events.TypeStrategyError
	default:
		return
	}

	b.metrics.ActiveStrategies.Set(float64(len(b.registry.ActiveTypes())))
	b.publish(eventType, map[string]any{
		"id":   id,
		"type": typ,
		"from": string(from),
		"to":   string(to),
	})
}

// onUnhealthy converts health deterioration into events.
func (b *Bot) onUnhealthy(res health.CheckResult) {
	eventType := events.TypeHealthDegraded
	if res.Status == health.StatusCritical {
		eventType = events.TypeHealthCritical
	}
	b.publish(eventType, map[string]any{
		"instance": res.InstanceID,
		"status":   string(res.Status),
		"message":  res.Message,
	})
}
