package oracle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"signal-executor/config"
	"signal-executor/internal/cache"
	"signal-executor/internal/circuit"
	"signal-executor/internal/events"
	"signal-executor/internal/exchange"
	"signal-executor/internal/logging"
	"signal-executor/internal/models"
)

// maxCacheTTL bounds how stale a served quote may be
const maxCacheTTL = 60 * time.Second

// Source is a single price feed
type Source interface {
	Name() string
	Price(ctx context.Context, symbol string) (float64, error)
}

// TickerSource adapts an exchange client's ticker endpoint to a Source
type TickerSource struct {
	client exchange.Client
}

// NewTickerSource wraps an exchange client
func NewTickerSource(client exchange.Client) *TickerSource {
	return &TickerSource{client: client}
}

// Name returns the underlying exchange name
func (s *TickerSource) Name() string {
	return s.client.Name()
}

// Price returns the last traded price
func (s *TickerSource) Price(ctx context.Context, symbol string) (float64, error) {
	t, err := s.client.FetchTicker(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return t.Last, nil
}

// Options tune a single GetPrice call
type Options struct {
	PreferredSource string
	UseCache        bool
	MinSources      int
}

// DefaultOptions uses the cache and accepts a single source
func DefaultOptions() Options {
	return Options{UseCache: true, MinSources: 1}
}

type guardedSource struct {
	source  Source
	breaker *circuit.SourceBreaker
}

// Oracle aggregates quotes from several sources
type Oracle struct {
	sources       []guardedSource
	sourceTimeout time.Duration
	cacheTTL      time.Duration

	mu    sync.RWMutex
	local map[string]models.PriceQuote
	l2    cache.Store

	now    func() time.Time
	bus    *events.EventBus
	logger *logging.Logger
}

// New creates an oracle over the given sources. l2 and bus may be nil.
func New(cfg config.OracleConfig, sources []Source, l2 cache.Store, bus *events.EventBus, logger *logging.Logger) *Oracle {
	if logger == nil {
		logger = logging.Discard()
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if ttl > maxCacheTTL {
		ttl = maxCacheTTL
	}
	timeout := cfg.SourceTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	breakerCfg := circuit.DefaultConfig()
	if cfg.MaxErrors > 0 {
		breakerCfg.MaxConsecutiveErrors = cfg.MaxErrors
	}
	if cfg.BreakerCooldown > 0 {
		breakerCfg.Cooldown = cfg.BreakerCooldown
	}

	o := &Oracle{
		sourceTimeout: timeout,
		cacheTTL:      ttl,
		local:         make(map[string]models.PriceQuote),
		l2:            l2,
		now:           time.Now,
		bus:           bus,
		logger:        logger.WithComponent("oracle"),
	}

	for _, s := range sources {
		b := circuit.NewSourceBreaker(s.Name(), breakerCfg)
		b.OnTrip(o.onTrip)
		o.sources = append(o.sources, guardedSource{source: s, breaker: b})
	}
	return o
}

// SetClock overrides the time source for the cache and every breaker
func (o *Oracle) SetClock(now func() time.Time) {
	o.now = now
	for _, gs := range o.sources {
		gs.breaker.SetClock(now)
	}
}

func (o *Oracle) onTrip(name, reason string) {
	o.logger.Warn("Price source disabled", "source", name, "reason", reason)
	if o.bus != nil {
		o.bus.PublishSourceTripped(name, reason)
	}
}

type sourceResult struct {
	name  string
	price float64
	err   error
}

// GetPrice returns the median price across healthy sources with a
// source-count confidence
func (o *Oracle) GetPrice(ctx context.Context, symbol string, opts Options) (*models.PriceQuote, error) {
	sym := NormalizeSymbol(symbol)
	if sym == "" {
		return nil, fmt.Errorf("empty symbol")
	}
	if opts.MinSources <= 0 {
		opts.MinSources = 1
	}

	if opts.UseCache {
		if q, ok := o.cached(ctx, sym); ok && q.SourceCount >= opts.MinSources {
			return q, nil
		}
	}

	var results []sourceResult

	if opts.PreferredSource != "" {
		if gs, ok := o.find(opts.PreferredSource); ok && gs.breaker.Allow() {
			r := o.query(ctx, gs, sym)
			if r.err == nil && opts.MinSources <= 1 {
				quote := o.aggregate(sym, []sourceResult{r})
				o.store(ctx, quote)
				return quote, nil
			}
			results = append(results, r)
		}
	}

	results = append(results, o.fanOut(ctx, sym, opts.PreferredSource)...)

	var ok []sourceResult
	var lastErr error
	for _, r := range results {
		if r.err != nil {
			lastErr = r.err
			continue
		}
		ok = append(ok, r)
	}

	if len(ok) == 0 || len(ok) < opts.MinSources {
		err := fmt.Errorf("%w: %s got %d of %d required sources", models.ErrNoPriceSources, sym, len(ok), opts.MinSources)
		if lastErr != nil {
			err = fmt.Errorf("%w (last error: %v)", err, lastErr)
		}
		return nil, err
	}

	quote := o.aggregate(sym, ok)
	o.store(ctx, quote)
	return quote, nil
}

// fanOut queries every healthy source except skip concurrently
func (o *Oracle) fanOut(ctx context.Context, sym, skip string) []sourceResult {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []sourceResult
	)

	for _, gs := range o.sources {
		if gs.source.Name() == skip {
			continue
		}
		if !gs.breaker.Allow() {
			continue
		}

		wg.Add(1)
		go func(gs guardedSource) {
			defer wg.Done()
			r := o.query(ctx, gs, sym)
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
		}(gs)
	}
	wg.Wait()
	return results
}

// query calls one source under its own timeout and records the outcome
func (o *Oracle) query(ctx context.Context, gs guardedSource, sym string) sourceResult {
	qctx, cancel := context.WithTimeout(ctx, o.sourceTimeout)
	defer cancel()

	price, err := gs.source.Price(qctx, sym)
	if err == nil && (price <= 0 || math.IsNaN(price) || math.IsInf(price, 0)) {
		err = fmt.Errorf("invalid price %v", price)
	}
	if err != nil {
		// A caller cancelling is not the source's fault
		if !errors.Is(ctx.Err(), context.Canceled) {
			gs.breaker.RecordFailure(err)
		}
		o.logger.Debug("Price source failed", "source", gs.source.Name(), "symbol", sym, "error", err)
		return sourceResult{name: gs.source.Name(), err: err}
	}

	gs.breaker.RecordSuccess()
	return sourceResult{name: gs.source.Name(), price: price}
}

func (o *Oracle) aggregate(sym string, results []sourceResult) *models.PriceQuote {
	prices := make([]float64, len(results))
	names := make([]string, len(results))
	for i, r := range results {
		prices[i] = r.price
		names[i] = r.name
	}
	sort.Strings(names)

	return &models.PriceQuote{
		Symbol:      sym,
		Price:       Median(prices),
		Sources:     names,
		SourceCount: len(results),
		Confidence:  Confidence(len(results)),
		Timestamp:   o.now(),
	}
}

func (o *Oracle) find(name string) (guardedSource, bool) {
	for _, gs := range o.sources {
		if gs.source.Name() == name {
			return gs, true
		}
	}
	return guardedSource{}, false
}

// cached checks the in-process map, then the shared store
func (o *Oracle) cached(ctx context.Context, sym string) (*models.PriceQuote, bool) {
	now := o.now()

	o.mu.RLock()
	q, ok := o.local[sym]
	o.mu.RUnlock()
	if ok && now.Sub(q.Timestamp) < o.cacheTTL {
		q.Cached = true
		return &q, true
	}

	if o.l2 == nil {
		return nil, false
	}
	var shared models.PriceQuote
	if err := o.l2.GetJSON(ctx, cache.PriceQuoteKey(sym), &shared); err != nil {
		return nil, false
	}
	if shared.Price <= 0 || now.Sub(shared.Timestamp) >= o.cacheTTL {
		return nil, false
	}

	o.mu.Lock()
	o.local[sym] = shared
	o.mu.Unlock()

	shared.Cached = true
	return &shared, true
}

func (o *Oracle) store(ctx context.Context, q *models.PriceQuote) {
	o.mu.Lock()
	o.local[q.Symbol] = *q
	o.mu.Unlock()

	if o.l2 != nil {
		if err := o.l2.SetJSON(ctx, cache.PriceQuoteKey(q.Symbol), q, o.cacheTTL); err != nil {
			o.logger.Debug("Shared quote cache write failed", "symbol", q.Symbol, "error", err)
		}
	}
}

// Invalidate drops the cached quote for a symbol
func (o *Oracle) Invalidate(ctx context.Context, symbol string) {
	sym := NormalizeSymbol(symbol)
	o.mu.Lock()
	delete(o.local, sym)
	o.mu.Unlock()
	if o.l2 != nil {
		_ = o.l2.Delete(ctx, cache.PriceQuoteKey(sym))
	}
}

// SourceStats returns breaker statistics for every source
func (o *Oracle) SourceStats() []circuit.Stats {
	stats := make([]circuit.Stats, 0, len(o.sources))
	for _, gs := range o.sources {
		stats = append(stats, gs.breaker.Stats())
	}
	return stats
}

// HealthySources counts sources whose breaker is closed
func (o *Oracle) HealthySources() int {
	n := 0
	for _, gs := range o.sources {
		if gs.breaker.State() == circuit.StateClosed {
			n++
		}
	}
	return n
}
