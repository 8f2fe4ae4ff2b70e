package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"signal-executor/internal/exchange"
	"signal-executor/internal/logging"
	"signal-executor/internal/models"
	"signal-executor/internal/oracle"
	"signal-executor/internal/orders"
	"signal-executor/internal/risk"
)

func (e *Executor) exit(ctx context.Context, req ExecuteRequest, start time.Time) (*Result, error) {
	sub, sig := req.Subscription, req.Signal
	key := models.PositionKey{UserID: sub.UserID, Exchange: venueOf(sub), Symbol: sig.Symbol}
	logEntry := newLogEntry(sub, sig, "")
	log := logging.ExecutionContext(e.traced(ctx), sub.UserID, sub.ID, key.Exchange, sig.Symbol)

	var (
		pos   *models.Position
		order *exchange.Order
	)
	err := e.registry.WithKey(key, func() error {
		rec, ok := e.registry.Get(key)
		if !ok {
			var err error
			order, err = e.closeLive(ctx, sub, sig.Symbol)
			return err
		}

		p, err := e.store.GetPosition(ctx, rec.PositionID)
		if err != nil {
			return models.NewExecutionError(models.ErrPersistenceFailure, "load tracked position", err)
		}
		price := e.markPrice(ctx, p)
		order, err = e.closeLocked(ctx, p, rec, price, func(orderID string) string {
			if orderID == "" {
				return "exit signal (virtual)"
			}
			return fmt.Sprintf("exit signal (order %s)", orderID)
		})
		pos = p
		return err
	})

	if order != nil {
		logEntry.Side = order.Side
		logEntry.Amount = order.Amount
		logEntry.Price = order.AvgPrice
		logEntry.OrderID = &order.ID
	}
	if pos != nil {
		logEntry.Side = pos.Side.Opposite().OrderSide()
		logEntry.Amount = pos.Size
		logEntry.Price = pos.CurrentPrice
	}
	if err != nil {
		return e.fail(ctx, logEntry, start, pos, err)
	}

	e.record(ctx, logEntry, start, models.ExecutionSuccess, nil)
	if pos != nil {
		log.Info("Position closed by exit signal",
			"position_id", pos.ID,
			"reason", pos.CloseReason,
			"realized_pnl", pos.RealizedPnL)
	} else {
		log.Info("Untracked live position closed by exit signal", "order_id", order.ID)
	}
	return &Result{Success: true, Order: order, Position: pos}, nil
}

// ClosePosition closes a tracked position at price. An order is placed only
// when the position is OPEN; a VIRTUAL position is closed in persistence only.
// Positions no longer in the registry return ErrPositionNotFound.
func (e *Executor) ClosePosition(ctx context.Context, pos *models.Position, price float64, reason string) (*models.Position, error) {
	start := time.Now()
	key := pos.Key()
	logEntry := &models.ExecutionLogEntry{
		UserID:         pos.UserID,
		SubscriptionID: pos.SubscriptionID,
		SignalID:       pos.SignalID,
		Exchange:       pos.Exchange,
		Side:           pos.Side.Opposite().OrderSide(),
		Symbol:         pos.Symbol,
		Amount:         pos.Size,
		Price:          price,
	}

	var order *exchange.Order
	err := e.registry.WithKey(key, func() error {
		rec, ok := e.registry.Get(key)
		if !ok || rec.PositionID != pos.ID {
			return fmt.Errorf("%w: %s is no longer tracked", models.ErrPositionNotFound, pos.ID)
		}
		var err error
		order, err = e.closeLocked(ctx, pos, rec, price, func(orderID string) string {
			if orderID == "" {
				return reason
			}
			return fmt.Sprintf("%s (order %s)", reason, orderID)
		})
		return err
	})

	if order != nil {
		logEntry.OrderID = &order.ID
	}
	logEntry.Price = pos.CurrentPrice
	if err != nil {
		_, ferr := e.fail(ctx, logEntry, start, pos, err)
		return pos, ferr
	}
	e.record(ctx, logEntry, start, models.ExecutionSuccess, nil)
	return pos, nil
}

// closeLocked closes pos. The caller holds the key lock. rec decides whether
// an order is needed, since the registry is the source of truth for OPEN.
func (e *Executor) closeLocked(ctx context.Context, pos *models.Position, rec orders.TrackingRecord, price float64, reason func(orderID string) string) (*exchange.Order, error) {
	log := logging.PositionContext(e.traced(ctx), pos.ID, pos.Symbol, string(pos.Side), string(rec.Status))
	exitPrice := price

	var order *exchange.Order
	if rec.Status == models.PositionOpen {
		derivative := isDerivativeVenue(pos.Exchange)
		client, release, err := e.clients.Acquire(ctx, pos.UserID, pos.Exchange)
		if err != nil {
			return nil, classify("acquire client", err)
		}
		order, err = client.CreateOrder(ctx, exchange.OrderRequest{
			Symbol:     pos.Symbol,
			Type:       exchange.OrderTypeMarket,
			Side:       rec.Side.Opposite().OrderSide(),
			Amount:     rec.Size,
			ReduceOnly: derivative,
			Params: map[string]string{
				"newClientOrderId": orders.ClientOrderID(pos.ID, orders.PurposeExit),
			},
		})
		release()
		if err != nil {
			log.Warn("Exit order failed, position stays tracked", "error", err)
			return nil, models.NewExecutionError(models.ErrOrderRejected, "submit exit", err)
		}
		if order.AvgPrice > 0 {
			exitPrice = order.AvgPrice
		}
	}
	if exitPrice <= 0 {
		exitPrice = pos.EntryPrice
	}

	now := time.Now()
	pnl := RealizedPnL(pos.Side, pos.EntryPrice, exitPrice, rec.Size)
	orderID := ""
	if order != nil {
		orderID = order.ID
	}
	pos.Status = models.PositionClosed
	pos.CurrentPrice = exitPrice
	pos.RealizedPnL = pnl
	pos.CloseReason = reason(orderID)
	pos.ClosedAt = &now

	if err := e.store.UpdatePosition(ctx, pos); err != nil {
		if order == nil {
			return nil, models.NewExecutionError(models.ErrPersistenceFailure, "close position", err)
		}
		// The exchange side is flat; untrack it so no second exit order is sent.
		log.Error("Failed to persist CLOSED status after exit order", "order_id", order.ID, "error", err)
	}

	e.registry.Remove(pos.Key())
	e.stats.SetTracked(e.registry.Count())
	e.stats.PositionClosed(pos.CloseReason)

	// Only real fills feed the auto-stop guard and adaptive history
	if rec.Status == models.PositionOpen {
		if err := e.store.AddRealizedPnL(ctx, pos.SubscriptionID, pnl); err != nil {
			log.Error("Failed to accumulate realized P&L", "subscription_id", pos.SubscriptionID, "error", err)
		}
		pnlPct := risk.PnLPercent(pos.EntryPrice, exitPrice, pos.Side)
		if err := e.store.RecordTradeResult(ctx, pos.Symbol, pnlPct, pnl); err != nil {
			log.Error("Failed to record trade result", "error", err)
		}
	}

	if e.bus != nil {
		e.bus.PublishPositionClosed(pos.ID, pos.UserID, pos.Symbol, pos.CloseReason, exitPrice, pnl)
	}
	log.Info("Position closed",
		"reason", pos.CloseReason,
		"exit_price", exitPrice,
		"realized_pnl", pnl)
	return order, nil
}

// closeLive closes an untracked position reported by the exchange, best-effort
func (e *Executor) closeLive(ctx context.Context, sub *models.Subscription, symbol string) (*exchange.Order, error) {
	client, release, err := e.clients.Acquire(ctx, sub.UserID, venueOf(sub))
	if err != nil {
		return nil, models.NewExecutionError(models.ErrPositionNotFound, "exit", err)
	}
	defer release()

	live, err := client.FetchPositions(ctx)
	if err != nil {
		return nil, models.NewExecutionError(models.ErrPositionNotFound, "exit",
			fmt.Errorf("live position query failed: %w", err))
	}
	for _, lp := range live {
		if lp.Symbol != symbol || lp.Size <= 0 {
			continue
		}
		order, err := client.CreateOrder(ctx, exchange.OrderRequest{
			Symbol:     symbol,
			Type:       exchange.OrderTypeMarket,
			Side:       exchange.OppositeSide(lp.Side),
			Amount:     lp.Size,
			ReduceOnly: sub.AccountType.IsDerivative(),
		})
		if err != nil {
			return nil, models.NewExecutionError(models.ErrOrderRejected, "close live position", err)
		}
		return order, nil
	}
	return nil, models.NewExecutionError(models.ErrPositionNotFound, "exit",
		fmt.Errorf("no tracked or live position for %s", symbol))
}

// markPrice quotes a position for a close without an order fill
func (e *Executor) markPrice(ctx context.Context, pos *models.Position) float64 {
	if e.prices != nil {
		if q, err := e.prices.GetPrice(ctx, pos.Symbol, oracle.DefaultOptions()); err == nil {
			return q.Price
		}
	}
	if pos.CurrentPrice > 0 {
		return pos.CurrentPrice
	}
	return pos.EntryPrice
}

// RealizedPnL is (exit - entry) x size, negated for shorts
func RealizedPnL(side models.Side, entry, exit, size float64) float64 {
	diff := decimal.NewFromFloat(exit).Sub(decimal.NewFromFloat(entry))
	if side == models.SideShort {
		diff = diff.Neg()
	}
	return diff.Mul(decimal.NewFromFloat(size)).InexactFloat64()
}
