package exchange

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"signal-executor/config"
	"signal-executor/internal/logging"
)

// FuturesSuffix marks a derivative venue id, e.g. "binance-futures"
const FuturesSuffix = "-futures"

// VenueID returns the client cache id for an exchange and account type
func VenueID(exchange string, derivative bool) string {
	exchange = strings.ToLower(exchange)
	if derivative && !strings.HasSuffix(exchange, FuturesSuffix) {
		return exchange + FuturesSuffix
	}
	return exchange
}

// CredentialFunc resolves API credentials for a user on an exchange
type CredentialFunc func(ctx context.Context, userID, exchange string) (apiKey, secretKey string, err error)

// Builder constructs a client for a user on a venue
type Builder func(ctx context.Context, userID, venue string) (Client, error)

// BinanceBuilder builds signed REST clients using per-user credentials
func BinanceBuilder(cfg config.ExchangeConfig, creds CredentialFunc) Builder {
	return func(ctx context.Context, userID, venue string) (Client, error) {
		futures := strings.HasSuffix(venue, FuturesSuffix)
		exchangeName := strings.TrimSuffix(venue, FuturesSuffix)
		if exchangeName != "binance" {
			return nil, fmt.Errorf("%w: exchange %q", ErrUnsupported, exchangeName)
		}

		apiKey, secretKey, err := creds(ctx, userID, exchangeName)
		if err != nil {
			return nil, fmt.Errorf("failed to get API key for user %s: %w", userID, err)
		}

		baseURL := cfg.SpotBaseURL
		if futures {
			baseURL = cfg.FuturesBaseURL
		}
		return NewBinanceClient(BinanceOptions{
			APIKey:         apiKey,
			SecretKey:      secretKey,
			BaseURL:        baseURL,
			Futures:        futures,
			Timeout:        cfg.RequestTimeout,
			RequestsPerSec: cfg.RequestsPerSec,
		}), nil
	}
}

// PaperBuilder builds in-memory exchanges seeded with a quote balance
func PaperBuilder(quoteBalance float64) Builder {
	return func(ctx context.Context, userID, venue string) (Client, error) {
		return NewPaperClient(venue, strings.HasSuffix(venue, FuturesSuffix), quoteBalance), nil
	}
}

// LivePaperBuilder builds in-memory exchanges whose prices follow public
// feeds: spot venues use spot, futures venues use futures. Orders stay local.
func LivePaperBuilder(quoteBalance float64, spot, futures TickerFetcher) Builder {
	return func(ctx context.Context, userID, venue string) (Client, error) {
		derivative := strings.HasSuffix(venue, FuturesSuffix)
		p := NewPaperClient(venue, derivative, quoteBalance)
		feed := spot
		if derivative {
			feed = futures
		}
		if feed != nil {
			p.SetPriceFeed(feed)
		}
		return p, nil
	}
}

// Factory creates and caches clients per (user, venue) and serializes their use
type Factory struct {
	build  Builder
	logger *logging.Logger

	mu      sync.Mutex
	entries map[string]*clientEntry

	clientTTL   time.Duration
	stopCleanup chan struct{}
	closeOnce   sync.Once
}

type clientEntry struct {
	client    Client
	createdAt time.Time
	lastUsed  time.Time
	inUse     bool
	sem       chan struct{} // one holder at a time
}

// NewFactory creates a client factory and starts the idle cleanup loop
func NewFactory(build Builder, clientTTL time.Duration, logger *logging.Logger) *Factory {
	if clientTTL <= 0 {
		clientTTL = 30 * time.Minute
	}
	if logger == nil {
		logger = logging.Discard()
	}
	f := &Factory{
		build:       build,
		logger:      logger.WithComponent("exchange-factory"),
		entries:     make(map[string]*clientEntry),
		clientTTL:   clientTTL,
		stopCleanup: make(chan struct{}),
	}
	go f.cleanupLoop(5 * time.Minute)
	return f
}

func factoryKey(userID, venue string) string {
	return userID + "|" + venue
}

// Acquire returns the client for (user, venue) and holds it exclusively until
// release is called. Concurrent callers for the same key wait in turn.
func (f *Factory) Acquire(ctx context.Context, userID, venue string) (Client, func(), error) {
	entry, err := f.entry(ctx, userID, venue)
	if err != nil {
		return nil, nil, err
	}

	select {
	case entry.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}

	f.mu.Lock()
	entry.inUse = true
	entry.lastUsed = time.Now()
	f.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			f.mu.Lock()
			entry.inUse = false
			entry.lastUsed = time.Now()
			f.mu.Unlock()
			<-entry.sem
		})
	}
	return entry.client, release, nil
}

// Register installs a prebuilt client for (user, venue)
func (f *Factory) Register(userID, venue string, client Client) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[factoryKey(userID, venue)] = &clientEntry{
		client:    client,
		createdAt: time.Now(),
		lastUsed:  time.Now(),
		sem:       make(chan struct{}, 1),
	}
}

func (f *Factory) entry(ctx context.Context, userID, venue string) (*clientEntry, error) {
	key := factoryKey(userID, venue)

	f.mu.Lock()
	if e, ok := f.entries[key]; ok {
		f.mu.Unlock()
		return e, nil
	}
	f.mu.Unlock()

	client, err := f.build(ctx, userID, venue)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	// Another caller may have built one in the meantime
	if e, ok := f.entries[key]; ok {
		_ = client.Close()
		return e, nil
	}
	e := &clientEntry{
		client:    client,
		createdAt: time.Now(),
		lastUsed:  time.Now(),
		sem:       make(chan struct{}, 1),
	}
	f.entries[key] = e
	f.logger.Debug("Exchange client created", "user_id", userID, "venue", venue)
	return e, nil
}

// InvalidateClient drops the cached client for (user, venue)
func (f *Factory) InvalidateClient(userID, venue string) {
	f.mu.Lock()
	e, ok := f.entries[factoryKey(userID, venue)]
	if ok && !e.inUse {
		delete(f.entries, factoryKey(userID, venue))
	}
	f.mu.Unlock()
	if ok && !e.inUse {
		_ = e.client.Close()
	}
}

func (f *Factory) cleanupLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			f.cleanupExpired(time.Now())
		case <-f.stopCleanup:
			return
		}
	}
}

// cleanupExpired removes idle clients unused for longer than the TTL
func (f *Factory) cleanupExpired(now time.Time) int {
	f.mu.Lock()
	var expired []Client
	for key, e := range f.entries {
		if !e.inUse && now.Sub(e.lastUsed) > f.clientTTL {
			expired = append(expired, e.client)
			delete(f.entries, key)
		}
	}
	f.mu.Unlock()

	for _, c := range expired {
		_ = c.Close()
	}
	if len(expired) > 0 {
		f.logger.Debug("Expired exchange clients removed", "count", len(expired))
	}
	return len(expired)
}

// Close stops the cleanup loop and closes every cached client
func (f *Factory) Close() {
	f.closeOnce.Do(func() {
		close(f.stopCleanup)

		f.mu.Lock()
		entries := f.entries
		f.entries = make(map[string]*clientEntry)
		f.mu.Unlock()

		for _, e := range entries {
			_ = e.client.Close()
		}
	})
}

// FactoryStats contains statistics about the client factory
type FactoryStats struct {
	CachedClients int `json:"cached_clients"`
	InUse         int `json:"in_use"`
}

// Stats returns statistics about the client factory
func (f *Factory) Stats() FactoryStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := FactoryStats{CachedClients: len(f.entries)}
	for _, e := range f.entries {
		if e.inUse {
			stats.InUse++
		}
	}
	return stats
}
