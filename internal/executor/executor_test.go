package executor

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
	"signal-executor/internal/models"
	"signal-executor/internal/oracle"
	"signal-executor/internal/orders"
	"signal-executor/internal/risk"
)

type harness struct {
	exec     *Executor
	store    *database.MemoryStore
	registry *orders.Registry
	sink     *execlog.MemorySink
	stats    *execlog.Stats
	paper    *exchange.PaperClient
	sub      *models.Subscription
}

func newHarness(t *testing.T, futures bool, balance float64) *harness {
	t.Helper()

	paper := exchange.NewPaperClient("binance", futures, balance)
	paper.SetPrice("BTCUSDT", 100)

	factory := exchange.NewFactory(exchange.PaperBuilder(0), time.Minute, nil)
	t.Cleanup(factory.Close)
	factory.Register("u1", exchange.VenueID("binance", futures), paper)

	account := models.AccountSpot
	if futures {
		account = models.AccountFutures
	}
	sub := &models.Subscription{
		ID:          "s1",
		UserID:      "u1",
		Exchange:    "binance",
		AccountType: account,
		AllPairs:    true,
		Sizing:      models.SizingPolicy{FixedAmount: 50},
		RiskProfile: models.ProfileBalanced,
		UseAdaptive: true,
		Status:      models.SubscriptionActive,
	}

	store := database.NewMemoryStore()
	store.PutSubscription(sub)
	registry := orders.NewRegistry(zerolog.Nop())
	sink := execlog.NewMemorySink(0)
	stats := execlog.NewStats()
	prices := oracle.New(config.OracleConfig{}, []oracle.Source{oracle.NewTickerSource(paper)}, nil, nil, nil)

	exec := New(Deps{
		Clients:  factory,
		Prices:   prices,
		Resolver: risk.NewResolver(nil, risk.NewAdaptive(store, risk.DefaultMinAdaptiveTrades, nil), nil),
		Store:    store,
		Registry: registry,
		Sink:     execlog.NewRecorder(sink, stats, nil, nil),
		Stats:    stats,
	}, config.ExecutorConfig{MinBalance: 10, SafetyMargin: 0.005}, nil)

	return &harness{exec: exec, store: store, registry: registry, sink: sink, stats: stats, paper: paper, sub: sub}
}

func signal(id string, dir models.Direction, entry float64) *models.Signal {
	return &models.Signal{ID: id, Symbol: "BTCUSDT", Direction: dir, EntryPrice: entry, Source: "test", Timestamp: time.Now()}
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

// ============================================================================
// ENTRY PATH
// ============================================================================

func TestEntryCreatesOpenPositionWithRiskLevels(t *testing.T) {
	h := newHarness(t, false, 1000)

	res, err := h.exec.Execute(context.Background(), ExecuteRequest{Subscription: h.sub, Signal: signal("sig-1", models.DirectionLong, 100)})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !res.Success || res.Order == nil {
		t.Fatalf("Expected success with order, got %+v", res)
	}

	pos := res.Position
	if pos.Status != models.PositionOpen {
		t.Errorf("Expected OPEN, got %s", pos.Status)
	}
	if !approx(pos.TakeProfit, 103.13) || !approx(pos.StopLoss, 97.25) {
		t.Errorf("Expected TP 103.13 / SL 97.25, got %v / %v", pos.TakeProfit, pos.StopLoss)
	}
	if pos.Provenance != models.ProvenanceAdaptive {
		t.Errorf("Expected adaptive provenance, got %s", pos.Provenance)
	}
	if !approx(pos.Size, 0.5) {
		t.Errorf("Expected size 0.5 for $50 at $100, got %v", pos.Size)
	}
	if pos.OrderID != res.Order.ID {
		t.Errorf("Expected order id %s on position, got %s", res.Order.ID, pos.OrderID)
	}

	stored, err := h.store.GetPosition(context.Background(), pos.ID)
	if err != nil || stored.Status != models.PositionOpen {
		t.Errorf("Expected persisted OPEN position, got %+v (%v)", stored, err)
	}
	if rec, ok := h.registry.Get(pos.Key()); !ok || rec.Status != models.PositionOpen {
		t.Errorf("Expected registry to track OPEN record, got %+v", rec)
	}

	logs := h.sink.Entries()
	if len(logs) != 1 || logs[0].Status != models.ExecutionSuccess || logs[0].OrderID == nil {
		t.Errorf("Expected one SUCCESS log entry with order id, got %+v", logs)
	}
	if snap := h.stats.Snapshot(); snap.ExecutionsSucceeded != 1 {
		t.Errorf("Expected 1 success in stats, got %+v", snap)
	}
}

func TestEntryUsesOraclePriceWhenSignalHasNone(t *testing.T) {
	h := newHarness(t, false, 1000)
	h.paper.SetPrice("BTCUSDT", 200)

	res, err := h.exec.Execute(context.Background(), ExecuteRequest{Subscription: h.sub, Signal: signal("sig-1", models.DirectionLong, 0)})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Position.EntryPrice != 200 {
		t.Errorf("Expected entry from oracle at 200, got %v", res.Position.EntryPrice)
	}
}

func TestShortEntryOnFuturesAccount(t *testing.T) {
	h := newHarness(t, true, 1000)
	h.sub.Leverage = 5

	res, err := h.exec.Execute(context.Background(), ExecuteRequest{Subscription: h.sub, Signal: signal("sig-1", models.DirectionShort, 100)})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	pos := res.Position
	if pos.Side != models.SideShort || pos.Exchange != "binance-futures" {
		t.Errorf("Expected SHORT on binance-futures, got %s on %s", pos.Side, pos.Exchange)
	}
	if !approx(pos.TakeProfit, 96.87) || !approx(pos.StopLoss, 102.75) {
		t.Errorf("Expected TP 96.87 / SL 102.75, got %v / %v", pos.TakeProfit, pos.StopLoss)
	}
	if h.paper.Leverage("BTCUSDT") != 5 {
		t.Errorf("Expected leverage 5, got %d", h.paper.Leverage("BTCUSDT"))
	}
	if orders := h.paper.Orders(); len(orders) != 1 || orders[0].Side != exchange.SideSell {
		t.Errorf("Expected one SELL order, got %+v", orders)
	}
}

func TestDuplicateEntryIsSkipped(t *testing.T) {
	h := newHarness(t, false, 1000)
	ctx := context.Background()

	if _, err := h.exec.Execute(ctx, ExecuteRequest{Subscription: h.sub, Signal: signal("sig-1", models.DirectionLong, 100)}); err != nil {
		t.Fatalf("First Execute failed: %v", err)
	}
	res, err := h.exec.Execute(ctx, ExecuteRequest{Subscription: h.sub, Signal: signal("sig-2", models.DirectionLong, 100)})
	if err != nil {
		t.Fatalf("Expected skip without error, got %v", err)
	}
	if !res.Skipped || res.Reason != "Position already exists" {
		t.Errorf("Expected skip with duplicate reason, got %+v", res)
	}
	if n := len(h.paper.Orders()); n != 1 {
		t.Errorf("Expected exactly one order, got %d", n)
	}

	logs := h.sink.Entries()
	if len(logs) != 2 || logs[1].Status != models.ExecutionSkipped {
		t.Errorf("Expected second entry SKIPPED, got %+v", logs)
	}
}

func TestConcurrentEntriesOpenOnePosition(t *testing.T) {
	h := newHarness(t, false, 100000)
	var wg sync.WaitGroup
	var mu sync.Mutex
	opened, skipped := 0, 0

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.exec.Execute(context.Background(), ExecuteRequest{
				Subscription: h.sub,
				Signal:       signal("sig", models.DirectionLong, 100),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				t.Errorf("Unexpected error: %v", err)
			case res.Skipped:
				skipped++
			case res.Success:
				opened++
			}
		}(i)
	}
	wg.Wait()

	if opened != 1 || skipped != 19 {
		t.Errorf("Expected 1 opened / 19 skipped, got %d / %d", opened, skipped)
	}
	active, _ := h.store.ListActive(context.Background())
	if len(active) != 1 {
		t.Errorf("Expected one active position, got %d", len(active))
	}
}

func TestBalanceBelowFloorAborts(t *testing.T) {
	h := newHarness(t, false, 5)

	res, err := h.exec.Execute(context.Background(), ExecuteRequest{Subscription: h.sub, Signal: signal("sig-1", models.DirectionLong, 100)})
	if !errors.Is(err, models.ErrInsufficientBalance) {
		t.Fatalf("Expected ErrInsufficientBalance, got %v", err)
	}
	if res.Success {
		t.Error("Expected failed result")
	}

	active, _ := h.store.ListActive(context.Background())
	if len(active) != 0 {
		t.Errorf("Expected no position row, got %d", len(active))
	}
	logs := h.sink.Entries()
	if len(logs) != 1 || logs[0].Status != models.ExecutionFailed || logs[0].Error == nil ||
		!strings.Contains(*logs[0].Error, "insufficient balance") {
		t.Errorf("Expected FAILED log with insufficient balance reason, got %+v", logs)
	}
}

func TestBalanceGuardUsesSymbolQuote(t *testing.T) {
	h := newHarness(t, false, 1000)
	h.paper.SetPrice("ETHBTC", 0.05)
	ctx := context.Background()
	sig := &models.Signal{ID: "sig-1", Symbol: "ETHBTC", Direction: models.DirectionLong, EntryPrice: 0.05, Timestamp: time.Now()}

	_, err := h.exec.Execute(ctx, ExecuteRequest{Subscription: h.sub, Signal: sig})
	if !errors.Is(err, models.ErrInsufficientBalance) {
		t.Fatalf("Expected ErrInsufficientBalance with no BTC, got %v", err)
	}
	if n := len(h.paper.Orders()); n != 0 {
		t.Fatalf("Expected no order, got %d", n)
	}

	h.paper.SetBalance("BTC", 20)
	h.sub.Sizing = models.SizingPolicy{FixedAmount: 1}
	res, err := h.exec.Execute(ctx, ExecuteRequest{Subscription: h.sub, Signal: sig})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !approx(res.Position.Size, 20) {
		t.Errorf("Expected 20 ETH for 1 BTC at 0.05, got %v", res.Position.Size)
	}

	bal, _ := h.paper.FetchBalance(ctx)
	if !approx(bal.FreeOf("BTC"), 19) || !approx(bal.FreeOf("USDT"), 1000) {
		t.Errorf("Expected the fill to spend BTC only, got %+v", bal.Free)
	}
}

func TestAutoStopBlocksEntry(t *testing.T) {
	h := newHarness(t, false, 1000)
	h.sub.AutoStop = models.AutoStop{LossLimit: 50}
	h.sub.CumulativePnL = -60

	_, err := h.exec.Execute(context.Background(), ExecuteRequest{Subscription: h.sub, Signal: signal("sig-1", models.DirectionLong, 100)})
	if !errors.Is(err, models.ErrAutoStopTriggered) {
		t.Errorf("Expected ErrAutoStopTriggered, got %v", err)
	}
	if n := len(h.paper.Orders()); n != 0 {
		t.Errorf("Expected no orders, got %d", n)
	}
}

func TestOrderRejectionKeepsVirtualPosition(t *testing.T) {
	h := newHarness(t, false, 1000)
	h.paper.RejectOrders(&exchange.APIError{Exchange: "binance", Endpoint: "order", StatusCode: 400, Message: "Filter failure", Kind: exchange.ErrRejected})

	res, err := h.exec.Execute(context.Background(), ExecuteRequest{Subscription: h.sub, Signal: signal("sig-1", models.DirectionLong, 100)})
	if !errors.Is(err, models.ErrOrderRejected) {
		t.Fatalf("Expected ErrOrderRejected, got %v", err)
	}
	if res.Position == nil {
		t.Fatal("Expected the virtual position in the result")
	}

	stored, _ := h.store.GetPosition(context.Background(), res.Position.ID)
	if stored.Status != models.PositionVirtual || !strings.Contains(stored.FailureReason, "Filter failure") {
		t.Errorf("Expected VIRTUAL with failure reason, got %s %q", stored.Status, stored.FailureReason)
	}
	if rec, ok := h.registry.Get(stored.Key()); !ok || rec.Status != models.PositionVirtual {
		t.Errorf("Expected registry to keep tracking the VIRTUAL position, got %+v", rec)
	}
}

type failingCreateStore struct {
	*database.MemoryStore
}

func (f failingCreateStore) CreatePosition(ctx context.Context, p *models.Position) error {
	return errors.New("connection refused")
}

func TestPersistenceFailurePreventsOrder(t *testing.T) {
	h := newHarness(t, false, 1000)
	h.exec.store = failingCreateStore{h.store}

	_, err := h.exec.Execute(context.Background(), ExecuteRequest{Subscription: h.sub, Signal: signal("sig-1", models.DirectionLong, 100)})
	if !errors.Is(err, models.ErrPersistenceFailure) {
		t.Fatalf("Expected ErrPersistenceFailure, got %v", err)
	}
	if n := len(h.paper.Orders()); n != 0 {
		t.Errorf("Expected no order after persistence failure, got %d", n)
	}
	if h.registry.Count() != 0 {
		t.Errorf("Expected nothing tracked, got %d", h.registry.Count())
	}
}

// ============================================================================
// EXIT PATH
// ============================================================================

func TestExitClosesTrackedOpenPosition(t *testing.T) {
	h := newHarness(t, false, 1000)
	ctx := context.Background()

	entry, err := h.exec.Execute(ctx, ExecuteRequest{Subscription: h.sub, Signal: signal("sig-1", models.DirectionLong, 100)})
	if err != nil {
		t.Fatalf("Entry failed: %v", err)
	}
	h.paper.SetPrice("BTCUSDT", 110)

	res, err := h.exec.Execute(ctx, ExecuteRequest{Subscription: h.sub, Signal: signal("sig-2", models.DirectionExit, 0)})
	if err != nil {
		t.Fatalf("Exit failed: %v", err)
	}
	if res.Order == nil || res.Order.Side != exchange.SideSell || !approx(res.Order.Amount, 0.5) {
		t.Fatalf("Expected SELL 0.5, got %+v", res.Order)
	}

	pos, _ := h.store.GetPosition(ctx, entry.Position.ID)
	if pos.Status != models.PositionClosed {
		t.Errorf("Expected CLOSED, got %s", pos.Status)
	}
	if !approx(pos.RealizedPnL, 5) {
		t.Errorf("Expected realized P&L 5, got %v", pos.RealizedPnL)
	}
	if pos.CloseReason != "exit signal (order "+res.Order.ID+")" {
		t.Errorf("Unexpected close reason %q", pos.CloseReason)
	}
	if h.registry.Exists(pos.Key()) {
		t.Error("Expected registry entry removed")
	}

	sub, _ := h.store.GetSubscription(ctx, "s1")
	if !approx(sub.CumulativePnL, 5) {
		t.Errorf("Expected cumulative P&L 5, got %v", sub.CumulativePnL)
	}
	perf, _ := h.store.SymbolPerformance(ctx, "BTCUSDT")
	if perf == nil || perf.Wins != 1 {
		t.Errorf("Expected one recorded win, got %+v", perf)
	}
}

func TestSpotShortSignalClosesLong(t *testing.T) {
	h := newHarness(t, false, 1000)
	ctx := context.Background()

	h.exec.Execute(ctx, ExecuteRequest{Subscription: h.sub, Signal: signal("sig-1", models.DirectionLong, 100)})
	res, err := h.exec.Execute(ctx, ExecuteRequest{Subscription: h.sub, Signal: signal("sig-2", models.DirectionShort, 100)})
	if err != nil {
		t.Fatalf("Exit failed: %v", err)
	}
	if res.Position == nil || res.Position.Status != models.PositionClosed {
		t.Errorf("Expected SHORT on spot to close the long, got %+v", res)
	}
}

func TestExitVirtualPositionPlacesNoOrder(t *testing.T) {
	h := newHarness(t, false, 1000)
	ctx := context.Background()
	h.paper.RejectOrders(errors.New("rejected"))

	h.exec.Execute(ctx, ExecuteRequest{Subscription: h.sub, Signal: signal("sig-1", models.DirectionLong, 100)})
	h.paper.RejectOrders(nil)

	res, err := h.exec.Execute(ctx, ExecuteRequest{Subscription: h.sub, Signal: signal("sig-2", models.DirectionClose, 0)})
	if err != nil {
		t.Fatalf("Exit failed: %v", err)
	}
	if res.Order != nil || len(h.paper.Orders()) != 0 {
		t.Errorf("Expected no order for a VIRTUAL close, got %+v", res.Order)
	}
	if res.Position.CloseReason != "exit signal (virtual)" {
		t.Errorf("Unexpected close reason %q", res.Position.CloseReason)
	}
	sub, _ := h.store.GetSubscription(ctx, "s1")
	if sub.CumulativePnL != 0 {
		t.Errorf("Expected phantom P&L to stay out of the auto-stop total, got %v", sub.CumulativePnL)
	}
}

func TestExitFallsBackToLivePosition(t *testing.T) {
	h := newHarness(t, true, 1000)
	h.paper.SetPosition(exchange.LivePosition{Symbol: "BTCUSDT", Side: "LONG", Size: 2, EntryPrice: 90})

	res, err := h.exec.Execute(context.Background(), ExecuteRequest{Subscription: h.sub, Signal: signal("sig-1", models.DirectionExit, 0)})
	if err != nil {
		t.Fatalf("Exit failed: %v", err)
	}
	if res.Order == nil || res.Order.Side != exchange.SideSell || res.Order.Amount != 2 {
		t.Errorf("Expected SELL 2 against the live position, got %+v", res.Order)
	}
}

func TestExitWithoutAnyPosition(t *testing.T) {
	h := newHarness(t, true, 1000)

	_, err := h.exec.Execute(context.Background(), ExecuteRequest{Subscription: h.sub, Signal: signal("sig-1", models.DirectionExit, 0)})
	if !errors.Is(err, models.ErrPositionNotFound) {
		t.Errorf("Expected ErrPositionNotFound, got %v", err)
	}
}

// ============================================================================
// CLOSE POSITION
// ============================================================================

func TestClosePositionForMonitor(t *testing.T) {
	h := newHarness(t, false, 1000)
	ctx := context.Background()

	entry, _ := h.exec.Execute(ctx, ExecuteRequest{Subscription: h.sub, Signal: signal("sig-1", models.DirectionLong, 100)})
	h.paper.SetPrice("BTCUSDT", 97)

	pos, err := h.exec.ClosePosition(ctx, entry.Position, 97, "stop loss")
	if err != nil {
		t.Fatalf("ClosePosition failed: %v", err)
	}
	if pos.Status != models.PositionClosed || !strings.HasPrefix(pos.CloseReason, "stop loss (order ") {
		t.Errorf("Expected CLOSED by stop loss, got %s %q", pos.Status, pos.CloseReason)
	}
	if !approx(pos.RealizedPnL, -1.5) {
		t.Errorf("Expected realized P&L -1.5, got %v", pos.RealizedPnL)
	}

	if _, err := h.exec.ClosePosition(ctx, entry.Position, 97, "stop loss"); !errors.Is(err, models.ErrPositionNotFound) {
		t.Errorf("Expected second close to report ErrPositionNotFound, got %v", err)
	}
	if n := len(h.paper.Orders()); n != 2 {
		t.Errorf("Expected entry and one exit order, got %d", n)
	}
	if snap := h.stats.Snapshot(); snap.PositionsClosed != 1 {
		t.Errorf("Expected 1 closed position in stats, got %d", snap.PositionsClosed)
	}
}

func TestRealizedPnL(t *testing.T) {
	tests := []struct {
		side     models.Side
		entry    float64
		exit     float64
		size     float64
		expected float64
	}{
		{models.SideLong, 100, 110, 0.5, 5},
		{models.SideLong, 100, 90, 2, -20},
		{models.SideShort, 100, 90, 2, 20},
		{models.SideShort, 0.1, 0.13, 1000, -30},
	}
	for _, tt := range tests {
		if got := RealizedPnL(tt.side, tt.entry, tt.exit, tt.size); !approx(got, tt.expected) {
			t.Errorf("RealizedPnL(%s, %v, %v, %v): expected %v, got %v", tt.side, tt.entry, tt.exit, tt.size, tt.expected, got)
		}
	}
}
