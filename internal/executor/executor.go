// Package executor turns a matched signal into exchange orders and tracked
// positions. Positions are persisted as VIRTUAL before any order is sent.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"signal-executor/config"
	"signal-executor/internal/events"
	"signal-executor/internal/exchange"
	"signal-executor/internal/execlog"
	"signal-executor/internal/logging"
	"signal-executor/internal/models"
	"signal-executor/internal/oracle"
	"signal-executor/internal/orders"
	"signal-executor/internal/risk"
)

// SkipReasonDuplicate is reported when the position key is already occupied
const SkipReasonDuplicate = "Position already exists"

// ClientProvider hands out exclusive exchange clients, e.g. *exchange.Factory
type ClientProvider interface {
	Acquire(ctx context.Context, userID, venue string) (exchange.Client, func(), error)
}

// PriceSource quotes a symbol, e.g. *oracle.Oracle
type PriceSource interface {
	GetPrice(ctx context.Context, symbol string, opts oracle.Options) (*models.PriceQuote, error)
}

// RiskResolver produces TP/SL for an entry, e.g. *risk.Resolver
type RiskResolver interface {
	Resolve(ctx context.Context, symbol string, sub *models.Subscription, signal *models.Signal) models.RiskParameters
}

// PositionStore is the persistence the executor writes to
type PositionStore interface {
	CreatePosition(ctx context.Context, p *models.Position) error
	UpdatePosition(ctx context.Context, p *models.Position) error
	GetPosition(ctx context.Context, id string) (*models.Position, error)
	AddRealizedPnL(ctx context.Context, subscriptionID string, pnl float64) error
	RecordTradeResult(ctx context.Context, symbol string, pnlPct, pnl float64) error
}

// ExecuteRequest is one subscription's share of a signal
type ExecuteRequest struct {
	Subscription *models.Subscription
	Signal       *models.Signal
	Risk         *models.RiskParameters // nil: resolved by the executor
}

// Result is the outcome of one execution attempt
type Result struct {
	Success  bool             `json:"success"`
	Skipped  bool             `json:"skipped"`
	Reason   string           `json:"reason,omitempty"`
	Order    *exchange.Order  `json:"order,omitempty"`
	Position *models.Position `json:"position,omitempty"`
	Error    error            `json:"-"`
}

// Deps are the collaborators of an Executor. Bus and Stats may be nil.
type Deps struct {
	Clients  ClientProvider
	Prices   PriceSource
	Resolver RiskResolver
	Store    PositionStore
	Registry *orders.Registry
	Sink     execlog.Sink
	Stats    *execlog.Stats
	Bus      *events.EventBus
}

// Executor is the order execution adapter
type Executor struct {
	clients  ClientProvider
	prices   PriceSource
	resolver RiskResolver
	store    PositionStore
	registry *orders.Registry
	sink     execlog.Sink
	stats    *execlog.Stats
	bus      *events.EventBus
	cfg      config.ExecutorConfig
	logger   *logging.Logger

	marketsMu sync.Mutex
	markets   map[string]map[string]exchange.Market // venue -> symbol
}

// New creates an Executor
func New(deps Deps, cfg config.ExecutorConfig, logger *logging.Logger) *Executor {
	if logger == nil {
		logger = logging.Discard()
	}
	if deps.Sink == nil {
		deps.Sink = execlog.NewMemorySink(0)
	}
	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = 0.005
	}
	if cfg.DefaultLeverage <= 0 {
		cfg.DefaultLeverage = 1
	}
	return &Executor{
		clients:  deps.Clients,
		prices:   deps.Prices,
		resolver: deps.Resolver,
		store:    deps.Store,
		registry: deps.Registry,
		sink:     deps.Sink,
		stats:    deps.Stats,
		bus:      deps.Bus,
		cfg:      cfg,
		logger:   logger.WithComponent("executor"),
		markets:  make(map[string]map[string]exchange.Market),
	}
}

// Execute runs the entry or exit path for one subscription
func (e *Executor) Execute(ctx context.Context, req ExecuteRequest) (*Result, error) {
	if req.Subscription == nil || req.Signal == nil {
		return nil, fmt.Errorf("%w: missing subscription or signal", models.ErrInvalidSignal)
	}
	if req.Signal.IsExit(req.Subscription.AccountType) {
		return e.exit(ctx, req, time.Now())
	}
	return e.entry(ctx, req, time.Now())
}

// FreeBalance returns the free balance of the quote asset of symbol in the
// subscription's account
func (e *Executor) FreeBalance(ctx context.Context, sub *models.Subscription, symbol string) (float64, error) {
	quote := e.QuoteAsset(ctx, sub, symbol)
	client, release, err := e.clients.Acquire(ctx, sub.UserID, venueOf(sub))
	if err != nil {
		return 0, err
	}
	defer release()

	bal, err := client.FetchBalance(ctx)
	if err != nil {
		return 0, err
	}
	return bal.FreeOf(quote), nil
}

// QuoteAsset is the asset a symbol is priced in: the venue's market rules
// when loaded, otherwise the known quote suffix of the symbol
func (e *Executor) QuoteAsset(ctx context.Context, sub *models.Subscription, symbol string) string {
	if m := e.market(ctx, sub, symbol); m.Quote != "" {
		return m.Quote
	}
	_, quote := exchange.SplitSymbol(symbol)
	return quote
}

func (e *Executor) entry(ctx context.Context, req ExecuteRequest, start time.Time) (*Result, error) {
	sub, sig := req.Subscription, req.Signal
	side := sig.EntrySide()
	key := models.PositionKey{UserID: sub.UserID, Exchange: venueOf(sub), Symbol: sig.Symbol}
	logEntry := newLogEntry(sub, sig, side.OrderSide())
	log := logging.ExecutionContext(e.traced(ctx), sub.UserID, sub.ID, key.Exchange, sig.Symbol)

	if sub.AutoStop.Triggered(sub.CumulativePnL) {
		err := models.NewExecutionError(models.ErrAutoStopTriggered, "entry",
			fmt.Errorf("cumulative P&L %.2f", sub.CumulativePnL))
		return e.fail(ctx, logEntry, start, nil, err)
	}

	quote := e.QuoteAsset(ctx, sub, sig.Symbol)
	balance, err := e.FreeBalance(ctx, sub, sig.Symbol)
	if err != nil {
		return e.fail(ctx, logEntry, start, nil, classify("fetch balance", err))
	}
	if balance < e.cfg.MinBalance {
		err := models.NewExecutionError(models.ErrInsufficientBalance, "entry",
			fmt.Errorf("free %s %.2f below minimum %.2f", quote, balance, e.cfg.MinBalance))
		return e.fail(ctx, logEntry, start, nil, err)
	}

	// Cheap pre-check so a duplicate never pays for risk resolution
	if e.registry.Exists(key) {
		return e.skip(ctx, logEntry, start)
	}

	var params models.RiskParameters
	if req.Risk != nil {
		params = *req.Risk
	} else {
		params = e.resolver.Resolve(ctx, sig.Symbol, sub, sig)
	}

	var (
		result  *Result
		pos     *models.Position
		order   *exchange.Order
		skipped bool
	)
	err = e.registry.WithKey(key, func() error {
		if e.registry.Exists(key) {
			skipped = true
			return nil
		}

		price, err := e.entryPrice(ctx, sig)
		if err != nil {
			return err
		}
		logEntry.Price = price

		market := e.market(ctx, sub, sig.Symbol)
		size, err := risk.PositionSize(risk.SizingInput{
			Policy:       sub.Sizing,
			FreeBalance:  balance,
			Price:        price,
			StopLossPct:  params.StopLossPct,
			LotSize:      market.LotSize,
			MinQty:       market.MinQty,
			SafetyMargin: e.cfg.SafetyMargin,
		})
		if err != nil {
			if errors.Is(err, models.ErrInsufficientBalance) {
				return models.NewExecutionError(models.ErrInsufficientBalance, "size", err)
			}
			return fmt.Errorf("size: %w", err)
		}
		logEntry.Amount = size.Quantity

		candidate := newPosition(sub, sig, side, price, size.Quantity, params)
		if err := e.store.CreatePosition(ctx, candidate); err != nil {
			if errors.Is(err, models.ErrDuplicatePosition) {
				skipped = true
				return nil
			}
			return models.NewExecutionError(models.ErrPersistenceFailure, "create position", err)
		}
		pos = candidate
		if err := e.registry.Put(key, orders.RecordFor(pos)); err != nil {
			return err
		}
		e.stats.SetTracked(e.registry.Count())

		order, err = e.submitEntry(ctx, sub, pos)
		if err != nil {
			pos.FailureReason = err.Error()
			if uerr := e.store.UpdatePosition(ctx, pos); uerr != nil {
				log.Error("Failed to record order failure on virtual position", "position_id", pos.ID, "error", uerr)
			}
			return models.NewExecutionError(models.ErrOrderRejected, "submit entry", err)
		}

		e.upgrade(pos, order)
		if err := e.store.UpdatePosition(ctx, pos); err != nil {
			// The order is live; the registry keeps the OPEN view so exits still send orders.
			log.Error("Failed to persist OPEN status", "position_id", pos.ID, "order_id", order.ID, "error", err)
		}
		return e.registry.Update(key, orders.RecordFor(pos))
	})

	if skipped {
		return e.skip(ctx, logEntry, start)
	}
	if pos != nil && e.bus != nil {
		e.bus.PublishPositionOpened(pos.ID, pos.UserID, pos.Symbol, string(pos.Side), string(pos.Status), pos.EntryPrice, pos.Size)
	}
	if err != nil {
		return e.fail(ctx, logEntry, start, pos, err)
	}

	logEntry.Price = pos.EntryPrice
	logEntry.Amount = pos.Size
	logEntry.OrderID = &order.ID
	result = &Result{Success: true, Order: order, Position: pos}
	e.record(ctx, logEntry, start, models.ExecutionSuccess, nil)

	log.Info("Position opened",
		"position_id", pos.ID,
		"side", pos.Side,
		"size", pos.Size,
		"entry_price", pos.EntryPrice,
		"take_profit", pos.TakeProfit,
		"stop_loss", pos.StopLoss,
		"provenance", pos.Provenance,
		"order_id", order.ID)
	return result, nil
}

// entryPrice uses the signal's entry when given, otherwise the oracle
func (e *Executor) entryPrice(ctx context.Context, sig *models.Signal) (float64, error) {
	if sig.EntryPrice > 0 {
		return sig.EntryPrice, nil
	}
	quote, err := e.prices.GetPrice(ctx, sig.Symbol, oracle.DefaultOptions())
	if err != nil {
		return 0, models.NewExecutionError(models.ErrTransientNetwork, "entry price", err)
	}
	return quote.Price, nil
}

func (e *Executor) submitEntry(ctx context.Context, sub *models.Subscription, pos *models.Position) (*exchange.Order, error) {
	client, release, err := e.clients.Acquire(ctx, sub.UserID, venueOf(sub))
	if err != nil {
		return nil, err
	}
	defer release()

	if sub.AccountType.IsDerivative() {
		leverage := sub.Leverage
		if leverage <= 0 {
			leverage = e.cfg.DefaultLeverage
		}
		if err := client.SetLeverage(ctx, leverage, pos.Symbol); err != nil {
			e.logger.Warn("Failed to set leverage, continuing",
				"symbol", pos.Symbol, "leverage", leverage, "error", err)
		}
	}

	log := logging.OrderContext(e.traced(ctx), client.Name(), pos.Symbol, pos.Side.OrderSide(), pos.Size)
	order, err := client.CreateOrder(ctx, exchange.OrderRequest{
		Symbol: pos.Symbol,
		Type:   exchange.OrderTypeMarket,
		Side:   pos.Side.OrderSide(),
		Amount: pos.Size,
		Params: map[string]string{
			"newClientOrderId": orders.ClientOrderID(pos.ID, orders.PurposeEntry),
		},
	})
	if err != nil {
		log.Warn("Entry order failed, position stays VIRTUAL", "position_id", pos.ID, "error", err)
		return nil, err
	}
	log.Debug("Entry order filled", "order_id", order.ID, "avg_price", order.AvgPrice)
	return order, nil
}

// upgrade moves a VIRTUAL position to OPEN at the actual fill
func (e *Executor) upgrade(pos *models.Position, order *exchange.Order) {
	pos.Status = models.PositionOpen
	pos.OrderID = order.ID
	pos.FailureReason = ""
	if order.Filled > 0 {
		pos.Size = order.Filled
	}
	if order.AvgPrice > 0 && order.AvgPrice != pos.EntryPrice {
		pos.EntryPrice = order.AvgPrice
		pos.TakeProfit, pos.StopLoss = risk.PriceLevels(pos.EntryPrice, pos.Side, pos.TakeProfitPct, pos.StopLossPct)
	}
	pos.CurrentPrice = pos.EntryPrice
}

// market returns trading rules for a symbol; a zero Market when unavailable
func (e *Executor) market(ctx context.Context, sub *models.Subscription, symbol string) exchange.Market {
	venue := venueOf(sub)

	e.marketsMu.Lock()
	if m, ok := e.markets[venue]; ok {
		e.marketsMu.Unlock()
		return m[symbol]
	}
	e.marketsMu.Unlock()

	client, release, err := e.clients.Acquire(ctx, sub.UserID, venue)
	if err != nil {
		return exchange.Market{}
	}
	markets, err := client.LoadMarkets(ctx)
	release()
	if err != nil {
		e.logger.Warn("Failed to load markets, sizing without lot size", "venue", venue, "error", err)
		return exchange.Market{}
	}

	e.marketsMu.Lock()
	e.markets[venue] = markets
	e.marketsMu.Unlock()
	return markets[symbol]
}

func newPosition(sub *models.Subscription, sig *models.Signal, side models.Side, price, size float64, params models.RiskParameters) *models.Position {
	pos := &models.Position{
		ID:             uuid.New().String(),
		UserID:         sub.UserID,
		SubscriptionID: sub.ID,
		SignalID:       sig.ID,
		Exchange:       venueOf(sub),
		Symbol:         sig.Symbol,
		Side:           side,
		Size:           size,
		EntryPrice:     price,
		CurrentPrice:   price,
		Status:         models.PositionVirtual,
		OpenedAt:       time.Now(),
	}
	pos.ApplyRisk(params)
	pos.TakeProfit, pos.StopLoss = risk.PriceLevels(price, side, params.TakeProfitPct, params.StopLossPct)
	return pos
}

// venueOf is the client cache id and the Exchange part of a position key,
// so spot and futures positions on one exchange are tracked apart.
func venueOf(sub *models.Subscription) string {
	return exchange.VenueID(sub.Exchange, sub.AccountType.IsDerivative())
}

func isDerivativeVenue(venue string) bool {
	return strings.HasSuffix(venue, exchange.FuturesSuffix)
}

// classify tags exchange errors with the taxonomy kind
func classify(op string, err error) error {
	if exchange.IsTransient(err) {
		return models.NewExecutionError(models.ErrTransientNetwork, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
