package monitor

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"signal-executor/config"
	"signal-executor/internal/database"
	"signal-executor/internal/exchange"
	"signal-executor/internal/execlog"
	"signal-executor/internal/executor"
	"signal-executor/internal/models"
	"signal-executor/internal/oracle"
	"signal-executor/internal/orders"
	"signal-executor/internal/risk"
)

type fakePrices struct {
	mu         sync.Mutex
	price      float64
	confidence float64
	err        error
}

func (f *fakePrices) set(price, confidence float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.price, f.confidence, f.err = price, confidence, nil
}

func (f *fakePrices) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakePrices) GetPrice(ctx context.Context, symbol string, opts oracle.Options) (*models.PriceQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &models.PriceQuote{Symbol: symbol, Price: f.price, Confidence: f.confidence, SourceCount: 1}, nil
}

type harness struct {
	monitor  *Monitor
	exec     *executor.Executor
	store    *database.MemoryStore
	registry *orders.Registry
	stats    *execlog.Stats
	paper    *exchange.PaperClient
	factory  *exchange.Factory
	prices   *fakePrices
	sub      *models.Subscription
}

func newHarness(t *testing.T, prices PriceSource) *harness {
	t.Helper()

	paper := exchange.NewPaperClient("binance", false, 1000)
	paper.SetPrice("BTCUSDT", 100)
	factory := exchange.NewFactory(exchange.PaperBuilder(0), time.Minute, nil)
	t.Cleanup(factory.Close)
	factory.Register("u1", "binance", paper)

	sub := &models.Subscription{
		ID:          "s1",
		UserID:      "u1",
		Exchange:    "binance",
		AccountType: models.AccountSpot,
		AllPairs:    true,
		Sizing:      models.SizingPolicy{FixedAmount: 50},
		RiskProfile: models.ProfileBalanced,
		Status:      models.SubscriptionActive,
	}
	store := database.NewMemoryStore()
	store.PutSubscription(sub)
	registry := orders.NewRegistry(zerolog.Nop())
	stats := execlog.NewStats()

	fp, _ := prices.(*fakePrices)
	exec := executor.New(executor.Deps{
		Clients:  factory,
		Prices:   prices,
		Resolver: risk.NewResolver(nil, nil, nil),
		Store:    store,
		Registry: registry,
		Sink:     execlog.NewRecorder(execlog.NewMemorySink(0), stats, nil, nil),
		Stats:    stats,
	}, config.ExecutorConfig{MinBalance: 10}, nil)

	mon := New(store, prices, exec, registry, stats, nil, config.MonitorConfig{Interval: 10 * time.Millisecond}, nil)
	return &harness{monitor: mon, exec: exec, store: store, registry: registry, stats: stats, paper: paper, factory: factory, prices: fp, sub: sub}
}

func (h *harness) open(t *testing.T) *models.Position {
	t.Helper()
	res, err := h.exec.Execute(context.Background(), executor.ExecuteRequest{
		Subscription: h.sub,
		Signal:       &models.Signal{ID: "sig-1", Symbol: "BTCUSDT", Direction: models.DirectionLong, EntryPrice: 100},
	})
	if err != nil && !errors.Is(err, models.ErrOrderRejected) {
		t.Fatalf("Entry failed: %v", err)
	}
	return res.Position
}

func (h *harness) reload(t *testing.T, id string) *models.Position {
	t.Helper()
	p, err := h.store.GetPosition(context.Background(), id)
	if err != nil {
		t.Fatalf("GetPosition failed: %v", err)
	}
	return p
}

// ============================================================================
// CONFIDENCE GATE
// ============================================================================

func TestLowConfidenceSuppressesClose(t *testing.T) {
	prices := &fakePrices{}
	h := newHarness(t, prices)
	pos := h.open(t)

	prices.set(104, 0.5)
	h.paper.SetPrice("BTCUSDT", 104)
	res := h.monitor.RunOnce(context.Background())

	if res.Suppressed != 1 || res.Closed != 0 {
		t.Errorf("Expected one suppressed close, got %+v", res)
	}
	stored := h.reload(t, pos.ID)
	if stored.Status != models.PositionOpen {
		t.Errorf("Expected position to stay OPEN, got %s", stored.Status)
	}
	if stored.CurrentPrice != 104 {
		t.Errorf("Expected current price update to 104, got %v", stored.CurrentPrice)
	}
	if n := len(h.paper.Orders()); n != 1 {
		t.Errorf("Expected only the entry order, got %d", n)
	}
	if h.stats.Snapshot().ClosesSuppressed != 1 {
		t.Error("Expected suppressed close to be counted")
	}
}

func TestSingleSourceOracleNeverCloses(t *testing.T) {
	feed := exchange.NewPaperClient("feed", false, 0)
	feed.SetPrice("BTCUSDT", 100)
	single := oracle.New(config.OracleConfig{}, []oracle.Source{oracle.NewTickerSource(feed)}, nil, nil, nil)

	h := newHarness(t, single)
	pos := h.open(t)

	feed.SetPrice("BTCUSDT", 90)
	res := h.monitor.RunOnce(context.Background())

	if res.Closed != 0 || res.Suppressed != 1 {
		t.Errorf("Expected suppressed stop loss at confidence 0.5, got %+v", res)
	}
	if stored := h.reload(t, pos.ID); stored.Status != models.PositionOpen {
		t.Errorf("Expected OPEN, got %s", stored.Status)
	}
}

// ============================================================================
// CLOSING
// ============================================================================

func TestTakeProfitClosesOpenPosition(t *testing.T) {
	prices := &fakePrices{}
	h := newHarness(t, prices)
	pos := h.open(t)

	prices.set(104, 0.7)
	h.paper.SetPrice("BTCUSDT", 104)
	res := h.monitor.RunOnce(context.Background())

	if res.Closed != 1 {
		t.Fatalf("Expected one close, got %+v", res)
	}
	stored := h.reload(t, pos.ID)
	if stored.Status != models.PositionClosed || !strings.HasPrefix(stored.CloseReason, "take profit (order ") {
		t.Errorf("Expected CLOSED by take profit, got %s %q", stored.Status, stored.CloseReason)
	}
	if math.Abs(stored.RealizedPnL-2) > 1e-9 {
		t.Errorf("Expected realized P&L 2, got %v", stored.RealizedPnL)
	}
	if h.registry.Exists(stored.Key()) {
		t.Error("Expected registry entry removed")
	}

	placed := h.paper.Orders()
	if len(placed) != 2 || placed[1].Side != exchange.SideSell {
		t.Errorf("Expected entry plus SELL exit, got %+v", placed)
	}

	if res := h.monitor.RunOnce(context.Background()); res.Evaluated != 0 {
		t.Errorf("Expected closed position to leave the sweep, got %+v", res)
	}
}

func TestStopLossClosesVirtualWithoutOrder(t *testing.T) {
	prices := &fakePrices{}
	h := newHarness(t, prices)
	h.paper.RejectOrders(errors.New("exchange maintenance"))
	pos := h.open(t)
	h.paper.RejectOrders(nil)

	prices.set(97, 0.9)
	res := h.monitor.RunOnce(context.Background())
	if res.Closed != 1 {
		t.Fatalf("Expected one close, got %+v", res)
	}

	stored := h.reload(t, pos.ID)
	if stored.Status != models.PositionClosed || stored.CloseReason != "stop loss" {
		t.Errorf("Expected CLOSED by stop loss, got %s %q", stored.Status, stored.CloseReason)
	}
	if n := len(h.paper.Orders()); n != 0 {
		t.Errorf("Expected no orders for a VIRTUAL position, got %d", n)
	}
}

func TestOracleFailureFallsBackToStoredPrice(t *testing.T) {
	prices := &fakePrices{}
	h := newHarness(t, prices)
	pos := h.open(t)

	// Store a crossed price, then lose the oracle
	stored := h.reload(t, pos.ID)
	stored.CurrentPrice = 96
	h.store.UpdatePosition(context.Background(), stored)
	prices.fail(errors.New("all sources down"))

	res := h.monitor.RunOnce(context.Background())
	if res.Suppressed != 1 || res.Failed != 0 {
		t.Errorf("Expected fallback price at confidence 0.5 to be suppressed, got %+v", res)
	}
	if got := h.reload(t, pos.ID); got.Status != models.PositionOpen {
		t.Errorf("Expected OPEN, got %s", got.Status)
	}
}

func TestNoPriceAtAllIsAFailure(t *testing.T) {
	prices := &fakePrices{}
	h := newHarness(t, prices)
	pos := h.open(t)
	stored := h.reload(t, pos.ID)
	stored.CurrentPrice = 0
	h.store.UpdatePosition(context.Background(), stored)
	prices.fail(errors.New("all sources down"))

	if res := h.monitor.RunOnce(context.Background()); res.Failed != 1 {
		t.Errorf("Expected one failed evaluation, got %+v", res)
	}
}

// ============================================================================
// DYNAMIC STOPS
// ============================================================================

func TestBreakEvenRatchetIsPersisted(t *testing.T) {
	prices := &fakePrices{}
	h := newHarness(t, prices)
	h.sub.UseBreakEven = true
	pos := h.open(t)

	// balanced TP 3.13% arms break-even at 1.252%
	prices.set(101.5, 0.9)
	res := h.monitor.RunOnce(context.Background())
	if res.StopsMoved != 1 || res.Closed != 0 {
		t.Fatalf("Expected a stop move without close, got %+v", res)
	}

	stored := h.reload(t, pos.ID)
	if !stored.BreakEvenApplied || math.Abs(stored.StopLoss-100.1) > 1e-9 {
		t.Errorf("Expected break-even stop at 100.1, got %v (applied %v)", stored.StopLoss, stored.BreakEvenApplied)
	}

	// Falling back through the ratcheted stop closes at break-even
	prices.set(100.05, 0.9)
	if res := h.monitor.RunOnce(context.Background()); res.Closed != 1 {
		t.Errorf("Expected close at the ratcheted stop, got %+v", res)
	}
}

func TestTrailingStopOnlyTightens(t *testing.T) {
	prices := &fakePrices{}
	h := newHarness(t, prices)
	h.sub.UseTrailing = true
	pos := h.open(t)

	prices.set(103, 0.9)
	h.monitor.RunOnce(context.Background())
	first := h.reload(t, pos.ID).StopLoss

	prices.set(102.9, 0.9)
	h.monitor.RunOnce(context.Background())
	second := h.reload(t, pos.ID).StopLoss

	if first <= 97.25 {
		t.Errorf("Expected trailing stop above the initial stop, got %v", first)
	}
	if second != first {
		t.Errorf("Expected stop to hold at %v on a pullback, got %v", first, second)
	}
}

// ============================================================================
// TRACKING
// ============================================================================

func TestUntrackedPositionIsSkipped(t *testing.T) {
	prices := &fakePrices{}
	h := newHarness(t, prices)
	pos := h.open(t)
	h.registry.Remove(pos.Key())

	prices.set(110, 0.9)
	res := h.monitor.RunOnce(context.Background())
	if res.Closed != 0 {
		t.Errorf("Expected untracked position to be left alone, got %+v", res)
	}
	if got := h.reload(t, pos.ID); got.CurrentPrice == 110 {
		t.Error("Expected no write for an untracked position")
	}
}

// gatedClient holds entry orders until released
type gatedClient struct {
	*exchange.PaperClient
	entered chan struct{}
	release chan struct{}
}

func (g *gatedClient) CreateOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.Order, error) {
	close(g.entered)
	<-g.release
	return g.PaperClient.CreateOrder(ctx, req)
}

// quotedPrices reports the first price lookup
type quotedPrices struct {
	*fakePrices
	once   sync.Once
	quoted chan struct{}
}

func (q *quotedPrices) GetPrice(ctx context.Context, symbol string, opts oracle.Options) (*models.PriceQuote, error) {
	q.once.Do(func() { close(q.quoted) })
	return q.fakePrices.GetPrice(ctx, symbol, opts)
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("Timed out waiting for %s", what)
	}
}

func TestTickDuringEntryKeepsOpenRow(t *testing.T) {
	prices := &quotedPrices{fakePrices: &fakePrices{}, quoted: make(chan struct{})}
	prices.set(100.5, 0.9)
	h := newHarness(t, prices)

	gate := &gatedClient{PaperClient: h.paper, entered: make(chan struct{}), release: make(chan struct{})}
	h.factory.Register("u1", "binance", gate)

	type outcome struct {
		res *executor.Result
		err error
	}
	entryDone := make(chan outcome, 1)
	go func() {
		res, err := h.exec.Execute(context.Background(), executor.ExecuteRequest{
			Subscription: h.sub,
			Signal:       &models.Signal{ID: "sig-1", Symbol: "BTCUSDT", Direction: models.DirectionLong, EntryPrice: 100},
		})
		entryDone <- outcome{res, err}
	}()
	waitFor(t, gate.entered, "entry order")

	// The tick lists the VIRTUAL row, then waits on the key held by the entry
	tickDone := make(chan struct{})
	go func() {
		h.monitor.RunOnce(context.Background())
		close(tickDone)
	}()
	waitFor(t, prices.quoted, "monitor price lookup")
	time.Sleep(20 * time.Millisecond)
	close(gate.release)

	var out outcome
	select {
	case out = <-entryDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for entry")
	}
	waitFor(t, tickDone, "monitor tick")

	if out.err != nil {
		t.Fatalf("Entry failed: %v", out.err)
	}
	stored := h.reload(t, out.res.Position.ID)
	if stored.Status != models.PositionOpen {
		t.Errorf("Expected stored row to stay OPEN, got %s", stored.Status)
	}
	if stored.OrderID == "" || stored.OrderID != out.res.Order.ID {
		t.Errorf("Expected order id %q on stored row, got %q", out.res.Order.ID, stored.OrderID)
	}
	if stored.CurrentPrice != 100.5 {
		t.Errorf("Expected tick price 100.5 applied to the fresh row, got %v", stored.CurrentPrice)
	}
	rec, ok := h.registry.Get(stored.Key())
	if !ok || rec.Status != models.PositionOpen {
		t.Errorf("Expected registry to track OPEN, got %+v (ok=%v)", rec, ok)
	}
}

func TestCloseReason(t *testing.T) {
	long := &models.Position{Side: models.SideLong, TakeProfit: 103.13, StopLoss: 97.25}
	short := &models.Position{Side: models.SideShort, TakeProfit: 96.87, StopLoss: 102.75}

	tests := []struct {
		name     string
		pos      *models.Position
		price    float64
		expected string
	}{
		{"long inside", long, 100, ""},
		{"long take profit", long, 103.13, ReasonTakeProfit},
		{"long stop loss", long, 97, ReasonStopLoss},
		{"short inside", short, 100, ""},
		{"short take profit", short, 96, ReasonTakeProfit},
		{"short stop loss", short, 102.75, ReasonStopLoss},
		{"no targets", &models.Position{Side: models.SideLong}, 1000, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := closeReason(tt.pos, tt.price); got != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, got)
			}
		})
	}
}

// ============================================================================
// LIFECYCLE
// ============================================================================

func TestStartStop(t *testing.T) {
	prices := &fakePrices{}
	h := newHarness(t, prices)
	pos := h.open(t)
	prices.set(104, 0.9)

	if err := h.monitor.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := h.monitor.Start(context.Background()); err == nil {
		t.Error("Expected second Start to fail")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.reload(t, pos.ID).Status == models.PositionClosed {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := h.monitor.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if h.monitor.IsRunning() {
		t.Error("Expected monitor stopped")
	}
	if err := h.monitor.Stop(); err == nil {
		t.Error("Expected second Stop to fail")
	}
	if h.reload(t, pos.ID).Status != models.PositionClosed {
		t.Error("Expected the loop to close the position")
	}
}
