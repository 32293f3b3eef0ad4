package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/driftpoint/regimebot/internal/events"
	"github.com/driftpoint/regimebot/internal/health"
	"github.com/driftpoint/regimebot/internal/metrics"
	"github.com/driftpoint/regimebot/internal/persistence"
	"github.com/driftpoint/regimebot/internal/regime"
	"github.com/driftpoint/regimebot/internal/selector"
	"github.com/driftpoint/regimebot/internal/strategy"
	"github.com/driftpoint/regimebot/pkg/types"
)

type mockExchange struct {
	mock.Mock
}

func (m *mockExchange) FetchTicker(ctx context.Context, symbol string) (*types.Ticker, error) {
	args := m.Called(ctx, symbol)
	if t, ok := args.Get(0).(*types.Ticker); ok {
		return t, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockExchange) FetchOHLCV(ctx context.Context, symbol string, timeframe types.Timeframe, limit int) (types.Series, error) {
	args := m.Called(ctx, symbol, timeframe, limit)
	if s, ok := args.Get(0).(types.Series); ok {
		return s, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockExchange) FetchBalance(ctx context.Context) ([]types.Balance, error) {
	args := m.Called(ctx)
	if b, ok := args.Get(0).([]types.Balance); ok {
		return b, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockExchange) FetchOpenOrders(ctx context.Context, symbol string) ([]*types.Order, error) {
	args := m.Called(ctx, symbol)
	if o, ok := args.Get(0).([]*types.Order); ok {
		return o, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockExchange) FetchOrder(ctx context.Context, id, symbol string) (*types.Order, error) {
	args := m.Called(ctx, id, symbol)
	if o, ok := args.Get(0).(*types.Order); ok {
		return o, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockExchange) CreateOrder(ctx context.Context, symbol string, typ types.OrderType, side types.OrderSide, amount decimal.Decimal, price *decimal.Decimal) (*types.Order, error) {
	args := m.Called(ctx, symbol, typ, side, amount, price)
	if o, ok := args.Get(0).(*types.Order); ok {
		return o, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockExchange) CancelAllOrders(ctx context.Context, symbol string) error {
	args := m.Called(ctx, symbol)
	return args.Error(0)
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) SaveSnapshot(ctx context.Context, snap *persistence.Snapshot) error {
	args := m.Called(ctx, snap)
	return args.Error(0)
}

func (m *mockStore) LoadSnapshot(ctx context.Context, bot string) (*persistence.Snapshot, error) {
	args := m.Called(ctx, bot)
	if s, ok := args.Get(0).(*persistence.Snapshot); ok {
		return s, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockStore) DeleteSnapshot(ctx context.Context, bot string) (bool, error) {
	args := m.Called(ctx, bot)
	return args.Bool(0), args.Error(1)
}

func (m *mockStore) Close() error { return nil }

func testTicker(price float64) *types.Ticker {
	return &types.Ticker{
		Symbol:    "BTCUSDT",
		Last:      decimal.NewFromFloat(price),
		Timestamp: time.Now(),
	}
}

// shortSeries is below the classifier minimum so classification
// degrades to UNKNOWN and no transition is attempted.
func shortSeries(n int, price float64) types.Series {
	series := make(types.Series, n)
	p := decimal.NewFromFloat(price)
	for i := range series {
		series[i] = types.OHLCV{
			Timestamp: time.Now().Add(time.Duration(i-n) * time.Hour),
			Open:      p, High: p, Low: p, Close: p,
			Volume: decimal.NewFromInt(100),
		}
	}
	return series
}

type testBot struct {
	bot      *Bot
	exchange *mockExchange
	store    *mockStore
	registry *strategy.Registry
	sel      *selector.Selector
	bus      *events.Bus
}

func newTestBot(t *testing.T, mutate func(*Config)) *testBot {
	t.Helper()
	logger := zap.NewNop()

	cfg := DefaultConfig()
	cfg.PriceRefreshInterval = 10 * time.Millisecond
	cfg.RegimeCheckInterval = 10 * time.Millisecond
	cfg.HealthCheckInterval = 10 * time.Millisecond
	cfg.StateSaveInterval = time.Hour
	cfg.TickBackoff = time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}

	registry := strategy.NewRegistry(logger, cfg.Symbol, 10)
	for _, typ := range []string{strategy.TypeGrid, strategy.TypeDCA, strategy.TypeTrendFollower, strategy.TypeSMC} {
		_, err := registry.Register(typ, typ, nil)
		require.NoError(t, err)
	}

	selCfg := selector.DefaultConfig()
	selCfg.MinRegimeDuration = 0
	sel := selector.NewSelector(logger, selCfg, registry)

	monitor := health.NewMonitor(logger, health.DefaultConfig(), registry)
	classifier := regime.NewClassifier(logger, regime.DefaultConfig())
	bus := events.NewBus(logger, 2, 64)
	t.Cleanup(bus.Stop)

	ex := &mockExchange{}
	store := &mockStore{}

	bot := NewBot(logger, cfg, metrics.New(), classifier, registry, sel, monitor, ex, bus, store)
	return &testBot{bot: bot, exchange: ex, store: store, registry: registry, sel: sel, bus: bus}
}

func (tb *testBot) expectColdStart() {
	tb.exchange.On("FetchTicker", mock.Anything, mock.Anything).Return(testTicker(50000), nil)
	tb.exchange.On("FetchOHLCV", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(shortSeries(10, 50000), nil)
	tb.store.On("LoadSnapshot", mock.Anything, mock.Anything).Return(nil, persistence.ErrNoSnapshot)
	tb.store.On("SaveSnapshot", mock.Anything, mock.Anything).Return(nil)
}

func TestStartAndStopLifecycle(t *testing.T) {
	tb := newTestBot(t, nil)
	tb.expectColdStart()
	ctx := context.Background()

	require.NoError(t, tb.bot.Start(ctx))
	assert.Equal(t, StateRunning, tb.bot.State())
	assert.Equal(t, "50000", tb.bot.CurrentPrice().String())

	// Starting twice is rejected.
	err := tb.bot.Start(ctx)
	require.ErrorIs(t, err, ErrNotStopped)

	require.NoError(t, tb.bot.Stop(ctx))
	assert.Equal(t, StateStopped, tb.bot.State())
	// Simulation mode never touches venue orders.
	tb.exchange.AssertNotCalled(t, "CancelAllOrders", mock.Anything, mock.Anything)
}

func TestStartSurvivesVenueOutage(t *testing.T) {
	tb := newTestBot(t, nil)
	tb.exchange.On("FetchTicker", mock.Anything, mock.Anything).Return(nil, errors.New("dial tcp: timeout"))
	tb.store.On("LoadSnapshot", mock.Anything, mock.Anything).Return(nil, persistence.ErrNoSnapshot)
	tb.store.On("SaveSnapshot", mock.Anything, mock.Anything).Return(nil)

	require.NoError(t, tb.bot.Start(context.Background()))
	assert.Equal(t, StateRunning, tb.bot.State())
	require.NoError(t, tb.bot.Stop(context.Background()))
}

func TestPauseAndResume(t *testing.T) {
	tb := newTestBot(t, nil)
	tb.expectColdStart()
	ctx := context.Background()

	require.NoError(t, tb.bot.Start(ctx))
	require.NoError(t, tb.bot.Pause())
	assert.Equal(t, StatePaused, tb.bot.State())

	// Pause is only legal from RUNNING.
	require.Error(t, tb.bot.Pause())

	require.NoError(t, tb.bot.Resume())
	assert.Equal(t, StateRunning, tb.bot.State())
	require.NoError(t, tb.bot.Stop(ctx))
}

func TestEmergencyStopIsTerminal(t *testing.T) {
	tb := newTestBot(t, nil)
	tb.expectColdStart()
	ctx := context.Background()

	require.NoError(t, tb.bot.Start(ctx))
	tb.bot.EmergencyStop(ctx)
	assert.Equal(t, StateEmergency, tb.bot.State())

	// The terminal state rejects every lifecycle call.
	require.ErrorIs(t, tb.bot.Start(ctx), ErrEmergency)
	require.ErrorIs(t, tb.bot.Stop(ctx), ErrEmergency)
}

func TestEmergencyStopCancelsOrdersBestEffort(t *testing.T) {
	tb := newTestBot(t, func(cfg *Config) { cfg.Simulation = false })
	tb.expectColdStart()
	tb.exchange.On("CancelAllOrders", mock.Anything, "BTCUSDT").Return(errors.New("venue down"))
	ctx := context.Background()

	require.NoError(t, tb.bot.Start(ctx))
	tb.bot.EmergencyStop(ctx)

	// Cleanup failed but the terminal state is reached regardless.
	assert.Equal(t, StateEmergency, tb.bot.State())
	tb.exchange.AssertCalled(t, "CancelAllOrders", mock.Anything, "BTCUSDT")
}

// Transition cleanup must cancel open orders exactly once, between the
// stop and start phases, and a cleanup failure must not keep the new
// set from activating.
func TestTransitionCleanupFailureStillActivates(t *testing.T) {
	tb := newTestBot(t, func(cfg *Config) { cfg.Simulation = false })
	tb.exchange.On("CancelAllOrders", mock.Anything, "BTCUSDT").Return(errors.New("rate limited")).Once()

	require.NoError(t, tb.registry.StartStrategy(strategy.TypeGrid))

	result := selector.Result{
		Regime:           regime.RegimeBullTrend,
		ToStop:           []string{strategy.TypeGrid},
		ToStart:          []string{strategy.TypeDCA},
		TransitionNeeded: true,
	}
	require.NoError(t, tb.sel.ExecuteTransition(context.Background(), result, tb.bot.transitionCleanup))

	// Old set stopped, new set active despite the failed cancellation.
	assert.Equal(t, []string{strategy.TypeDCA}, tb.registry.ActiveTypes())
	record, found := tb.sel.LastTransition()
	require.True(t, found)
	assert.Equal(t, selector.TransitionCompleted, record.State)
	tb.exchange.AssertNumberOfCalls(t, "CancelAllOrders", 1)
}

func TestOpenSignalBooksPositionInSimulation(t *testing.T) {
	tb := newTestBot(t, nil)
	require.NoError(t, tb.registry.StartStrategy(strategy.TypeGrid))
	in, found := tb.registry.Get(strategy.TypeGrid)
	require.True(t, found)

	price := decimal.NewFromInt(50000)
	sig := &strategy.Signal{
		Strategy:   strategy.TypeGrid,
		Side:       types.OrderSideBuy,
		Price:      price,
		Confidence: 0.8,
		CreatedAt:  time.Now(),
	}

	require.NoError(t, tb.bot.openSignal(context.Background(), in, sig, price))
	assert.Len(t, in.Plugin().GetActivePositions(), 1)
	assert.EqualValues(t, 1, in.Metrics().TradesExecuted)
	// Simulation: nothing reaches the venue.
	tb.exchange.AssertNotCalled(t, "CreateOrder", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

// A take-profit close must book the realized PnL on the instance, not
// just inside the plugin.
func TestTradePnLFlowsIntoInstanceMetrics(t *testing.T) {
	tb := newTestBot(t, nil)
	require.NoError(t, tb.registry.StartStrategy(strategy.TypeGrid))
	in, found := tb.registry.Get(strategy.TypeGrid)
	require.True(t, found)

	entry := decimal.NewFromInt(50000)
	sig := &strategy.Signal{
		Strategy:   strategy.TypeGrid,
		Side:       types.OrderSideBuy,
		Price:      entry,
		Confidence: 0.8,
		CreatedAt:  time.Now(),
	}
	require.NoError(t, tb.bot.openSignal(context.Background(), in, sig, entry))

	// The price clears the grid take-profit, so the next tick closes
	// the position at a gain.
	tb.bot.UpdatePrice(*testTicker(51000))
	series := shortSeries(10, 51000)
	tb.bot.currentSeries.Store(&series)
	res := tb.bot.tradingTick(context.Background())
	require.Equal(t, stepOK, res.outcome)

	assert.Empty(t, in.Plugin().GetActivePositions())
	m := in.Metrics()
	assert.EqualValues(t, 2, m.TradesExecuted)
	assert.EqualValues(t, 1, m.ProfitableTrades)
	// 100 quote at 50000 is 0.002; closed 1000 higher that realizes 2.
	assert.True(t, m.TotalPnL.Equal(decimal.NewFromInt(2)), "total PnL %s", m.TotalPnL)
}

// The bot's health task is the only driver of the monitor.
func TestHealthLoopDrivesMonitor(t *testing.T) {
	tb := newTestBot(t, nil)
	tb.expectColdStart()
	ctx := context.Background()

	require.NoError(t, tb.bot.Start(ctx))
	require.Eventually(t, func() bool {
		return len(tb.bot.monitor.History(strategy.TypeGrid)) > 0
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, tb.bot.Stop(ctx))
}

func TestAutoRestartPublishesEvent(t *testing.T) {
	tb := newTestBot(t, nil)
	tb.expectColdStart()

	var restarted atomic.Int32
	tb.bus.Subscribe(events.TypeStrategyRestarted, func(events.Event) error {
		restarted.Add(1)
		return nil
	})

	ctx := context.Background()
	require.NoError(t, tb.bot.Start(ctx))
	require.NoError(t, tb.registry.StartStrategy(strategy.TypeGrid))
	tb.registry.MarkError(strategy.TypeGrid, errors.New("venue rejected order"))

	require.Eventually(t, func() bool { return restarted.Load() > 0 },
		2*time.Second, 5*time.Millisecond)
	require.NoError(t, tb.bot.Stop(ctx))
}

// A transition pre-empted by a manual lock surfaces as cancelled and
// leaves the active set untouched.
func TestLockedSelectorCancelsTransition(t *testing.T) {
	tb := newTestBot(t, nil)
	require.NoError(t, tb.registry.StartStrategy(strategy.TypeGrid))
	tb.sel.LockStrategies([]string{strategy.TypeGrid})

	var cancelled, completed atomic.Int32
	tb.bus.Subscribe(events.TypeTransitionCancelled, func(events.Event) error {
		cancelled.Add(1)
		return nil
	})
	tb.bus.Subscribe(events.TypeTransitionCompleted, func(events.Event) error {
		completed.Add(1)
		return nil
	})

	result := selector.Result{
		Regime:           regime.RegimeBullTrend,
		ToStop:           []string{strategy.TypeGrid},
		ToStart:          []string{strategy.TypeDCA},
		TransitionNeeded: true,
	}
	res := tb.bot.executeSelection(context.Background(), result)
	require.Equal(t, stepOK, res.outcome)

	assert.Equal(t, []string{strategy.TypeGrid}, tb.registry.ActiveTypes())
	record, found := tb.sel.LastTransition()
	require.True(t, found)
	assert.Equal(t, selector.TransitionCancelled, record.State)
	require.Eventually(t, func() bool { return cancelled.Load() == 1 },
		time.Second, 5*time.Millisecond)
	assert.Zero(t, completed.Load())
}

func TestSnapshotCarriesAllEngines(t *testing.T) {
	tb := newTestBot(t, nil)

	var saved *persistence.Snapshot
	tb.store.On("SaveSnapshot", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { saved = args.Get(1).(*persistence.Snapshot) }).
		Return(nil)

	require.NoError(t, tb.bot.saveSnapshot(context.Background()))
	require.NotNil(t, saved)
	assert.Equal(t, "regimebot", saved.Bot)
	assert.Contains(t, saved.Engines, engineRegistry)
	assert.Contains(t, saved.Engines, engineSelector)
	assert.Contains(t, saved.Engines, engineClassifier)
}

func TestReconcileRestoresRegistry(t *testing.T) {
	source := newTestBot(t, nil)
	var saved *persistence.Snapshot
	source.store.On("SaveSnapshot", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { saved = args.Get(1).(*persistence.Snapshot) }).
		Return(nil)
	require.NoError(t, source.bot.saveSnapshot(context.Background()))

	// A fresh bot with an empty registry picks the instances back up.
	fresh := newTestBot(t, nil)
	for _, in := range fresh.registry.List() {
		require.NoError(t, fresh.registry.Unregister(in.ID))
	}
	require.Zero(t, fresh.registry.Count())

	fresh.store.On("LoadSnapshot", mock.Anything, "regimebot").Return(saved, nil)
	require.NoError(t, fresh.bot.reconcile(context.Background()))
	assert.Equal(t, 4, fresh.registry.Count())
	for _, in := range fresh.registry.List() {
		assert.Equal(t, strategy.StateIdle, in.State())
	}
}

func TestRegisterStrategyRejectsDuplicates(t *testing.T) {
	tb := newTestBot(t, nil)
	err := tb.bot.RegisterStrategy(strategy.TypeGrid, strategy.TypeGrid, nil)
	require.ErrorIs(t, err, strategy.ErrInstanceExists)
}

func TestStatusReport(t *testing.T) {
	tb := newTestBot(t, nil)
	require.NoError(t, tb.registry.StartStrategy(strategy.TypeDCA))
	tb.bot.UpdatePrice(*testTicker(42000))

	st := tb.bot.StatusReport()
	assert.Equal(t, StateStopped, st.State)
	assert.Equal(t, "42000", st.CurrentPrice)
	assert.Equal(t, regime.RegimeUnknown, st.Regime)
	assert.Equal(t, []string{strategy.TypeDCA}, st.ActiveStrategies)
	assert.Equal(t, health.StatusHealthy, st.Health.Overall)
}

func TestHandleStepBacksOffOnTransientFailure(t *testing.T) {
	tb := newTestBot(t, nil)

	start := time.Now()
	okStep := tb.bot.handleStep(context.Background(), transient("price", errors.New("timeout")))
	assert.False(t, okStep)
	assert.GreaterOrEqual(t, time.Since(start), time.Millisecond)

	assert.True(t, tb.bot.handleStep(context.Background(), ok("price")))
}
