// Package cache provides Redis-based caching for price quotes and risk
// recommendations, with an in-memory store for when Redis is disabled.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"

	"signal-executor/config"
	"signal-executor/internal/circuit"
	"signal-executor/internal/logging"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrCacheMiss is returned when a key is absent or expired
var ErrCacheMiss = errors.New("cache miss")

// ErrUnavailable is returned while the Redis circuit breaker is open
var ErrUnavailable = errors.New("redis unavailable (circuit breaker open)")

// Store is the JSON key/value surface used by the oracle and the risk resolver
type Store interface {
	GetJSON(ctx context.Context, key string, dest interface{}) error
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Key prefixes for different cache types
const (
	PrefixPriceQuote     = "price:%s"
	PrefixRiskAdvice     = "risk:ai:%s"
	PrefixRiskFallback   = "risk:ai:fallback:%s:%s"
	PrefixSignalSeen     = "signal:seen:%s"
	DefaultSignalSeenTTL = 10 * time.Minute
	redisRetryAfter      = 30 * time.Second
)

// CacheService provides Redis-based caching with graceful degradation. A
// circuit breaker stops calling Redis after repeated failures; callers get
// ErrUnavailable and fall back to the network or an in-process copy. After
// redisRetryAfter the next call tries Redis again.
type CacheService struct {
	client  *redis.Client
	config  config.RedisConfig
	breaker *circuit.SourceBreaker
	logger  *logging.Logger
}

// NewCacheService creates a CacheService and verifies connectivity. A failed
// ping returns the service in degraded mode rather than an error.
func NewCacheService(cfg config.RedisConfig, logger *logging.Logger) (*CacheService, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("redis is not enabled in configuration")
	}
	if logger == nil {
		logger = logging.Discard()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	cs := &CacheService{
		client: client,
		config: cfg,
		breaker: circuit.NewSourceBreaker("redis", circuit.Config{
			MaxConsecutiveErrors: 3,
			Cooldown:             redisRetryAfter,
		}),
		logger: logger.WithComponent("cache"),
	}
	cs.breaker.OnTrip(func(name, reason string) {
		cs.logger.Warn("Redis marked unhealthy", "reason", reason)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		cs.logger.Warn("Initial Redis connection failed, running degraded", "address", cfg.Address, "error", err)
		cs.breaker.Trip(err)
		return cs, nil
	}

	cs.logger.Info("Redis connected", "address", cfg.Address)
	return cs, nil
}

// IsHealthy returns whether Redis is currently available.
func (cs *CacheService) IsHealthy() bool {
	return cs.breaker.State() == circuit.StateClosed
}

// observe feeds a Redis result into the breaker. redis.Nil is a normal miss.
func (cs *CacheService) observe(err error) {
	if err == nil || errors.Is(err, redis.Nil) {
		if cs.breaker.State() != circuit.StateClosed {
			cs.logger.Info("Redis recovered")
		}
		cs.breaker.RecordSuccess()
		return
	}
	cs.breaker.RecordFailure(err)
}

// Get retrieves a raw value from cache.
func (cs *CacheService) Get(ctx context.Context, key string) (string, error) {
	if !cs.breaker.Allow() {
		return "", ErrUnavailable
	}

	result, err := cs.client.Get(ctx, key).Result()
	cs.observe(err)
	if errors.Is(err, redis.Nil) {
		return "", ErrCacheMiss
	}
	if err != nil {
		return "", fmt.Errorf("redis get failed: %w", err)
	}
	return result, nil
}

// Set stores a value in cache with TTL. Non-string values are JSON encoded.
func (cs *CacheService) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if !cs.breaker.Allow() {
		return ErrUnavailable
	}

	var data string
	switch v := value.(type) {
	case string:
		data = v
	case []byte:
		data = string(v)
	default:
		jsonData, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal value: %w", err)
		}
		data = string(jsonData)
	}

	err := cs.client.Set(ctx, key, data, ttl).Err()
	cs.observe(err)
	if err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// SetNX stores a value only when the key is absent. Reports whether it was stored.
func (cs *CacheService) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if !cs.breaker.Allow() {
		return false, ErrUnavailable
	}

	ok, err := cs.client.SetNX(ctx, key, value, ttl).Result()
	cs.observe(err)
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return ok, nil
}

// Delete removes a key from cache.
func (cs *CacheService) Delete(ctx context.Context, key string) error {
	if !cs.breaker.Allow() {
		return ErrUnavailable
	}

	err := cs.client.Del(ctx, key).Err()
	cs.observe(err)
	if err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

// GetJSON retrieves and unmarshals a JSON value from cache.
func (cs *CacheService) GetJSON(ctx context.Context, key string, dest interface{}) error {
	data, err := cs.Get(ctx, key)
	if err != nil {
		return err
	}

	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return fmt.Errorf("failed to unmarshal cached value: %w", err)
	}
	return nil
}

// SetJSON marshals and stores a JSON value in cache.
func (cs *CacheService) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return cs.Set(ctx, key, value, ttl)
}

// Close closes the Redis connection.
func (cs *CacheService) Close() error {
	if cs.client != nil {
		return cs.client.Close()
	}
	return nil
}

// Client returns the underlying Redis client for pub/sub.
func (cs *CacheService) Client() *redis.Client {
	return cs.client
}

// Stats returns cache statistics for monitoring.
type Stats struct {
	Healthy bool          `json:"healthy"`
	Breaker circuit.Stats `json:"breaker"`
	Address string        `json:"address"`
}

// GetStats returns current cache statistics.
func (cs *CacheService) GetStats() Stats {
	return Stats{
		Healthy: cs.IsHealthy(),
		Breaker: cs.breaker.Stats(),
		Address: cs.config.Address,
	}
}

// PriceQuoteKey generates a cache key for an aggregated price quote.
func PriceQuoteKey(symbol string) string {
	return fmt.Sprintf(PrefixPriceQuote, symbol)
}

// RiskAdviceKey generates a cache key for an AI risk recommendation.
func RiskAdviceKey(symbol string) string {
	return fmt.Sprintf(PrefixRiskAdvice, symbol)
}

// RiskFallbackKey generates a cache key for a fallback recommendation, which
// depends on the subscription's risk profile.
func RiskFallbackKey(symbol, profile string) string {
	return fmt.Sprintf(PrefixRiskFallback, symbol, profile)
}

// SignalSeenKey generates a cache key for signal id deduplication.
func SignalSeenKey(signalID string) string {
	return fmt.Sprintf(PrefixSignalSeen, signalID)
}
