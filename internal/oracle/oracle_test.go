package oracle

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"signal-executor/config"
	"signal-executor/internal/cache"
	"signal-executor/internal/circuit"
	"signal-executor/internal/exchange"
	"signal-executor/internal/models"
)

type fakeSource struct {
	name  string
	mu    sync.Mutex
	price float64
	err   error
	calls int32
	delay time.Duration
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Price(ctx context.Context, symbol string) (float64, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.price, f.err
}

func (f *fakeSource) set(price float64, err error) {
	f.mu.Lock()
	f.price, f.err = price, err
	f.mu.Unlock()
}

func testConfig() config.OracleConfig {
	return config.OracleConfig{
		SourceTimeout:   100 * time.Millisecond,
		CacheTTL:        30 * time.Second,
		MaxErrors:       3,
		BreakerCooldown: 5 * time.Minute,
	}
}

func TestNormalizeSymbol(t *testing.T) {
	tests := []struct {
		in, expected string
	}{
		{"BTCUSDT", "BTCUSDT"},
		{"btc/usdt", "BTCUSDT"},
		{"BTC-USDT-SWAP", "BTCUSDT"},
		{"BTC/USDT:USDT", "BTCUSDT"},
		{"BTCUSDT.P", "BTCUSDT"},
		{"BTCUSDTPERP", "BTCUSDT"},
		{"ETH_USDC", "ETHUSDC"},
		{"SOL", "SOLUSDT"},
		{"ethbtc", "ETHBTC"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := NormalizeSymbol(tt.in); got != tt.expected {
			t.Errorf("NormalizeSymbol(%q): expected %q, got %q", tt.in, tt.expected, got)
		}
	}
}

func TestMedian(t *testing.T) {
	tests := []struct {
		values   []float64
		expected float64
	}{
		{nil, 0},
		{[]float64{100}, 100},
		{[]float64{100, 102}, 101},
		{[]float64{100, 500, 101}, 101},
		{[]float64{1, 2, 3, 4}, 2.5},
	}

	for _, tt := range tests {
		if got := Median(tt.values); got != tt.expected {
			t.Errorf("Median(%v): expected %v, got %v", tt.values, tt.expected, got)
		}
	}
}

func TestConfidence(t *testing.T) {
	tests := []struct {
		sources  int
		expected float64
	}{
		{0, 0},
		{1, 0.5},
		{2, 0.7},
		{3, 0.9},
		{5, 0.9},
	}

	for _, tt := range tests {
		if got := Confidence(tt.sources); math.Abs(got-tt.expected) > 1e-9 {
			t.Errorf("Confidence(%d): expected %v, got %v", tt.sources, tt.expected, got)
		}
	}
}

func TestGetPriceMedianAcrossSources(t *testing.T) {
	a := &fakeSource{name: "a", price: 100}
	b := &fakeSource{name: "b", price: 101}
	c := &fakeSource{name: "c", price: 150}
	o := New(testConfig(), []Source{a, b, c}, nil, nil, nil)

	q, err := o.GetPrice(context.Background(), "btc/usdt", Options{MinSources: 1})
	if err != nil {
		t.Fatalf("GetPrice failed: %v", err)
	}
	if q.Symbol != "BTCUSDT" {
		t.Errorf("Expected normalized symbol, got %s", q.Symbol)
	}
	if q.Price != 101 {
		t.Errorf("Expected median 101, got %v", q.Price)
	}
	if q.SourceCount != 3 || math.Abs(q.Confidence-0.9) > 1e-9 {
		t.Errorf("Expected 3 sources at 0.9, got %d at %v", q.SourceCount, q.Confidence)
	}
}

func TestSingleSourceYieldsLowConfidence(t *testing.T) {
	a := &fakeSource{name: "a", price: 100}
	b := &fakeSource{name: "b", err: errors.New("timeout")}
	o := New(testConfig(), []Source{a, b}, nil, nil, nil)

	q, err := o.GetPrice(context.Background(), "BTCUSDT", Options{})
	if err != nil {
		t.Fatalf("GetPrice failed: %v", err)
	}
	if q.Confidence != 0.5 {
		t.Errorf("Expected confidence 0.5, got %v", q.Confidence)
	}
}

func TestMinSourcesNotMet(t *testing.T) {
	a := &fakeSource{name: "a", price: 100}
	b := &fakeSource{name: "b", err: errors.New("down")}
	o := New(testConfig(), []Source{a, b}, nil, nil, nil)

	_, err := o.GetPrice(context.Background(), "BTCUSDT", Options{MinSources: 2})
	if !errors.Is(err, models.ErrNoPriceSources) {
		t.Errorf("Expected ErrNoPriceSources, got %v", err)
	}
}

func TestCacheHitSkipsNetwork(t *testing.T) {
	a := &fakeSource{name: "a", price: 100}
	o := New(testConfig(), []Source{a}, nil, nil, nil)
	now := time.Now()
	o.SetClock(func() time.Time { return now })
	ctx := context.Background()

	if _, err := o.GetPrice(ctx, "BTCUSDT", DefaultOptions()); err != nil {
		t.Fatal(err)
	}
	q, err := o.GetPrice(ctx, "BTCUSDT", DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if !q.Cached {
		t.Error("Expected cached quote")
	}
	if a.calls != 1 {
		t.Errorf("Expected 1 network call, got %d", a.calls)
	}

	now = now.Add(31 * time.Second)
	if q, _ := o.GetPrice(ctx, "BTCUSDT", DefaultOptions()); q.Cached {
		t.Error("Expected expired cache entry to be refreshed")
	}
	if a.calls != 2 {
		t.Errorf("Expected 2 network calls after expiry, got %d", a.calls)
	}
}

func TestSharedCacheIsConsulted(t *testing.T) {
	store := cache.NewMemoryStore()
	a := &fakeSource{name: "a", price: 100}
	writer := New(testConfig(), []Source{a}, store, nil, nil)
	if _, err := writer.GetPrice(context.Background(), "ETHUSDT", DefaultOptions()); err != nil {
		t.Fatal(err)
	}

	b := &fakeSource{name: "b", price: 999}
	reader := New(testConfig(), []Source{b}, store, nil, nil)
	q, err := reader.GetPrice(context.Background(), "ETHUSDT", DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if !q.Cached || q.Price != 100 {
		t.Errorf("Expected shared cached price 100, got %+v", q)
	}
	if b.calls != 0 {
		t.Errorf("Expected no network call, got %d", b.calls)
	}
}

func TestPreferredSourceShortCircuits(t *testing.T) {
	a := &fakeSource{name: "a", price: 100}
	b := &fakeSource{name: "b", price: 101}
	o := New(testConfig(), []Source{a, b}, nil, nil, nil)

	q, err := o.GetPrice(context.Background(), "BTCUSDT", Options{PreferredSource: "b", MinSources: 1})
	if err != nil {
		t.Fatal(err)
	}
	if q.Price != 101 || a.calls != 0 {
		t.Errorf("Expected preferred source only, got price %v and %d calls to a", q.Price, a.calls)
	}
}

func TestBreakerDisablesAndReenablesSource(t *testing.T) {
	a := &fakeSource{name: "a", price: 100}
	b := &fakeSource{name: "b", err: errors.New("503")}
	o := New(testConfig(), []Source{a, b}, nil, nil, nil)
	now := time.Now()
	o.SetClock(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := o.GetPrice(ctx, "BTCUSDT", Options{}); err != nil {
			t.Fatal(err)
		}
	}
	if stats := o.SourceStats(); stats[1].State != circuit.StateOpen {
		t.Fatalf("Expected source b open after 3 errors, got %s", stats[1].State)
	}

	o.GetPrice(ctx, "BTCUSDT", Options{})
	if b.calls != 3 {
		t.Errorf("Expected disabled source to be skipped, got %d calls", b.calls)
	}

	b.set(102, nil)
	now = now.Add(5*time.Minute + time.Second)
	q, err := o.GetPrice(ctx, "BTCUSDT", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if q.SourceCount != 2 {
		t.Errorf("Expected source b re-enabled after cooldown, got %d sources", q.SourceCount)
	}
	if o.HealthySources() != 2 {
		t.Errorf("Expected 2 healthy sources, got %d", o.HealthySources())
	}
}

func TestSlowSourceTimesOut(t *testing.T) {
	fast := &fakeSource{name: "fast", price: 100}
	slow := &fakeSource{name: "slow", price: 200, delay: time.Second}
	o := New(testConfig(), []Source{fast, slow}, nil, nil, nil)

	start := time.Now()
	q, err := o.GetPrice(context.Background(), "BTCUSDT", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Errorf("Expected per-source timeout to bound the call, took %s", time.Since(start))
	}
	if q.Price != 100 || q.SourceCount != 1 {
		t.Errorf("Expected only fast source, got %+v", q)
	}
}

func TestTickerSourceUsesExchangeClient(t *testing.T) {
	paper := exchange.NewPaperClient("paper", false, 0)
	paper.SetPrice("BTCUSDT", 50000)
	o := New(testConfig(), []Source{NewTickerSource(paper)}, nil, nil, nil)

	q, err := o.GetPrice(context.Background(), "BTC/USDT", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if q.Price != 50000 || q.Sources[0] != "paper" {
		t.Errorf("Unexpected quote %+v", q)
	}
}
