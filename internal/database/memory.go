package database

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"signal-executor/internal/models"
)

// MemoryStore is an in-process Store for paper trading and tests. It keeps
// the same invariants as the PostgreSQL schema, including at most one
// non-terminal position per key.
type MemoryStore struct {
	mu            sync.RWMutex
	subscriptions map[string]*models.Subscription
	positions     map[string]*models.Position
	logs          []*models.ExecutionLogEntry
	performance   map[string]*models.SymbolPerformance
	credentials   map[string]*models.ExchangeCredential
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subscriptions: make(map[string]*models.Subscription),
		positions:     make(map[string]*models.Position),
		performance:   make(map[string]*models.SymbolPerformance),
		credentials:   make(map[string]*models.ExchangeCredential),
	}
}

// HealthCheck always succeeds
func (m *MemoryStore) HealthCheck(ctx context.Context) error {
	return nil
}

// PutSubscription inserts or replaces a subscription
func (m *MemoryStore) PutSubscription(sub *models.Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.subscriptions[sub.ID] = &cp
}

// ListActiveSubscriptions returns ACTIVE subscriptions in creation order
func (m *MemoryStore) ListActiveSubscriptions(ctx context.Context) ([]*models.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var subs []*models.Subscription
	for _, s := range m.subscriptions {
		if s.IsActive() {
			cp := *s
			subs = append(subs, &cp)
		}
	}
	sort.Slice(subs, func(i, j int) bool {
		if subs[i].CreatedAt.Equal(subs[j].CreatedAt) {
			return subs[i].ID < subs[j].ID
		}
		return subs[i].CreatedAt.Before(subs[j].CreatedAt)
	})
	return subs, nil
}

// GetSubscription returns a copy of the subscription
func (m *MemoryStore) GetSubscription(ctx context.Context, id string) (*models.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.subscriptions[id]
	if !ok {
		return nil, fmt.Errorf("subscription %s not found", id)
	}
	cp := *s
	return &cp, nil
}

// AddRealizedPnL accumulates realized P&L on the subscription
func (m *MemoryStore) AddRealizedPnL(ctx context.Context, subscriptionID string, pnl float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subscriptions[subscriptionID]
	if !ok {
		return fmt.Errorf("subscription %s not found", subscriptionID)
	}
	s.CumulativePnL += pnl
	s.UpdatedAt = time.Now()
	return nil
}

// CreatePosition stores a copy of p
func (m *MemoryStore) CreatePosition(ctx context.Context, p *models.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.positions[p.ID]; ok {
		return fmt.Errorf("position %s already exists", p.ID)
	}
	if p.IsActive() {
		key := p.Key()
		for _, existing := range m.positions {
			if existing.IsActive() && existing.Key() == key {
				return fmt.Errorf("%w: %s", models.ErrDuplicatePosition, key)
			}
		}
	}

	now := time.Now()
	if p.OpenedAt.IsZero() {
		p.OpenedAt = now
	}
	p.UpdatedAt = now
	cp := *p
	m.positions[p.ID] = &cp
	return nil
}

// UpdatePosition replaces a stored position
func (m *MemoryStore) UpdatePosition(ctx context.Context, p *models.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.positions[p.ID]; !ok {
		return fmt.Errorf("%w: %s", models.ErrPositionNotFound, p.ID)
	}
	p.UpdatedAt = time.Now()
	cp := *p
	m.positions[p.ID] = &cp
	return nil
}

// GetPosition returns a copy of the position
func (m *MemoryStore) GetPosition(ctx context.Context, id string) (*models.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrPositionNotFound, id)
	}
	cp := *p
	return &cp, nil
}

// ListActive returns OPEN and VIRTUAL positions ordered by open time
func (m *MemoryStore) ListActive(ctx context.Context) ([]*models.Position, error) {
	return m.filterPositions(func(p *models.Position) bool { return p.IsActive() }), nil
}

// ListMonitored returns active positions with a take profit or stop loss
func (m *MemoryStore) ListMonitored(ctx context.Context) ([]*models.Position, error) {
	return m.filterPositions(func(p *models.Position) bool { return p.IsActive() && p.HasTargets() }), nil
}

// CountActive counts a user's OPEN and VIRTUAL positions
func (m *MemoryStore) CountActive(ctx context.Context, userID string) (int, error) {
	return len(m.filterPositions(func(p *models.Position) bool {
		return p.UserID == userID && p.IsActive()
	})), nil
}

func (m *MemoryStore) filterPositions(keep func(*models.Position) bool) []*models.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Position
	for _, p := range m.positions {
		if keep(p) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// InsertExecutionLog appends an entry
func (m *MemoryStore) InsertExecutionLog(ctx context.Context, entry *models.ExecutionLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	cp := *entry
	m.logs = append(m.logs, &cp)
	return nil
}

// ListExecutionLogs returns up to limit entries, newest first
func (m *MemoryStore) ListExecutionLogs(ctx context.Context, limit int) ([]*models.ExecutionLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.logs) {
		limit = len(m.logs)
	}
	out := make([]*models.ExecutionLogEntry, 0, limit)
	for i := len(m.logs) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *m.logs[i]
		out = append(out, &cp)
	}
	return out, nil
}

// SetSymbolPerformance seeds history for a symbol
func (m *MemoryStore) SetSymbolPerformance(perf *models.SymbolPerformance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *perf
	m.performance[perf.Symbol] = &cp
}

// SymbolPerformance returns nil for a symbol with no closed trades
func (m *MemoryStore) SymbolPerformance(ctx context.Context, symbol string) (*models.SymbolPerformance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	perf, ok := m.performance[symbol]
	if !ok {
		return nil, nil
	}
	cp := *perf
	return &cp, nil
}

// RecordTradeResult folds one closed trade into the running averages
func (m *MemoryStore) RecordTradeResult(ctx context.Context, symbol string, pnlPct, pnl float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	perf, ok := m.performance[symbol]
	if !ok {
		perf = &models.SymbolPerformance{Symbol: symbol}
		m.performance[symbol] = perf
	}
	perf.Trades++
	perf.TotalPnL += pnl
	if pnlPct > 0 {
		perf.AvgWinPct = (perf.AvgWinPct*float64(perf.Wins) + pnlPct) / float64(perf.Wins+1)
		perf.Wins++
	} else {
		perf.AvgLossPct = (perf.AvgLossPct*float64(perf.Losses) - pnlPct) / float64(perf.Losses+1)
		perf.Losses++
	}
	return nil
}

func credentialKey(userID, exchange string) string {
	return userID + "/" + exchange
}

// GetExchangeCredential returns nil when nothing is stored
func (m *MemoryStore) GetExchangeCredential(ctx context.Context, userID, exchange string) (*models.ExchangeCredential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cred, ok := m.credentials[credentialKey(userID, exchange)]
	if !ok {
		return nil, nil
	}
	cp := *cred
	return &cp, nil
}

// UpsertExchangeCredential stores or replaces a key pair
func (m *MemoryStore) UpsertExchangeCredential(ctx context.Context, cred *models.ExchangeCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred.UpdatedAt = time.Now()
	cp := *cred
	m.credentials[credentialKey(cred.UserID, cred.Exchange)] = &cp
	return nil
}

var (
	_ Store = (*Repository)(nil)
	_ Store = (*MemoryStore)(nil)
)
