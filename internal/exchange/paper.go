package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// defaultPaperPrices seeds the paper exchange with realistic base prices
var defaultPaperPrices = map[string]float64{
	"BTCUSDT":  104500.00,
	"ETHUSDT":  3900.00,
	"BNBUSDT":  710.00,
	"SOLUSDT":  220.00,
	"XRPUSDT":  2.35,
	"ADAUSDT":  1.05,
	"DOGEUSDT": 0.40,
	"AVAXUSDT": 50.00,
	"LINKUSDT": 28.00,
	"LTCUSDT":  115.00,
}

// TickerFetcher quotes a symbol, e.g. a keyless *BinanceClient
type TickerFetcher interface {
	FetchTicker(ctx context.Context, symbol string) (*Ticker, error)
}

// PaperClient is a deterministic in-memory exchange. Orders fill immediately
// at the current price; balances and positions follow the fills. With a
// price feed the current price is the feed's last price, falling back to
// the stored price when the feed fails.
type PaperClient struct {
	name    string
	futures bool
	feed    TickerFetcher

	mu          sync.Mutex
	prices      map[string]float64
	markets     map[string]Market
	free        map[string]float64
	positions   map[string]LivePosition
	orders      []Order
	leverage    map[string]int
	rejectErr   error
	balanceErr  error
	tickerErr   error
	positionErr error
	nextOrderID int64
}

// NewPaperClient creates a paper exchange with default prices and a quote balance
func NewPaperClient(name string, futures bool, quoteBalance float64) *PaperClient {
	p := &PaperClient{
		name:        name,
		futures:     futures,
		prices:      make(map[string]float64, len(defaultPaperPrices)),
		markets:     make(map[string]Market),
		free:        map[string]float64{"USDT": quoteBalance},
		positions:   make(map[string]LivePosition),
		leverage:    make(map[string]int),
		nextOrderID: 1000,
	}
	for symbol, price := range defaultPaperPrices {
		p.prices[symbol] = price
	}
	return p
}

// SetPrice sets the ticker price for a symbol
func (p *PaperClient) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	p.prices[symbol] = price
	p.mu.Unlock()
}

// SetPriceFeed makes tickers and market fills follow a live feed
func (p *PaperClient) SetPriceFeed(feed TickerFetcher) {
	p.mu.Lock()
	p.feed = feed
	p.mu.Unlock()
}

// refreshPrice pulls the feed price for symbol into the stored prices.
// Called without mu held.
func (p *PaperClient) refreshPrice(ctx context.Context, symbol string) {
	p.mu.Lock()
	feed := p.feed
	p.mu.Unlock()
	if feed == nil {
		return
	}

	t, err := feed.FetchTicker(ctx, symbol)
	if err != nil || t == nil || t.Last <= 0 {
		return
	}
	p.mu.Lock()
	p.prices[symbol] = t.Last
	p.mu.Unlock()
}

// SetBalance sets the free balance of an asset
func (p *PaperClient) SetBalance(asset string, amount float64) {
	p.mu.Lock()
	p.free[asset] = amount
	p.mu.Unlock()
}

// SetMarket registers trading rules for a symbol
func (p *PaperClient) SetMarket(m Market) {
	p.mu.Lock()
	p.markets[m.Symbol] = m
	p.mu.Unlock()
}

// SetPosition sets a live position as the exchange would report it
func (p *PaperClient) SetPosition(pos LivePosition) {
	p.mu.Lock()
	p.positions[pos.Symbol] = pos
	p.mu.Unlock()
}

// RejectOrders makes CreateOrder fail with err; nil restores fills
func (p *PaperClient) RejectOrders(err error) {
	p.mu.Lock()
	p.rejectErr = err
	p.mu.Unlock()
}

// FailBalance makes FetchBalance fail with err; nil restores it
func (p *PaperClient) FailBalance(err error) {
	p.mu.Lock()
	p.balanceErr = err
	p.mu.Unlock()
}

// FailTicker makes FetchTicker fail with err; nil restores it
func (p *PaperClient) FailTicker(err error) {
	p.mu.Lock()
	p.tickerErr = err
	p.mu.Unlock()
}

// FailPositions makes FetchPositions fail with err; nil restores it
func (p *PaperClient) FailPositions(err error) {
	p.mu.Lock()
	p.positionErr = err
	p.mu.Unlock()
}

// Orders returns the orders placed so far
func (p *PaperClient) Orders() []Order {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Order, len(p.orders))
	copy(out, p.orders)
	return out
}

// Leverage returns the leverage last set for a symbol
func (p *PaperClient) Leverage(symbol string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.leverage[symbol]
}

// Name returns the exchange identifier
func (p *PaperClient) Name() string {
	return p.name
}

// LoadMarkets returns registered markets, defaulting to a 0.00001 lot size
func (p *PaperClient) LoadMarkets(ctx context.Context) (map[string]Market, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]Market, len(p.prices))
	for symbol := range p.prices {
		if m, ok := p.markets[symbol]; ok {
			out[symbol] = m
			continue
		}
		base, quote := SplitSymbol(symbol)
		out[symbol] = Market{
			Symbol:         symbol,
			Base:           base,
			Quote:          quote,
			LotSize:        0.00001,
			MinQty:         0.00001,
			PricePrecision: 8,
		}
	}
	for symbol, m := range p.markets {
		out[symbol] = m
	}
	return out, nil
}

// FetchTicker returns the current price for a symbol
func (p *PaperClient) FetchTicker(ctx context.Context, symbol string) (*Ticker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.refreshPrice(ctx, symbol)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.tickerErr != nil {
		return nil, p.tickerErr
	}
	price, ok := p.prices[symbol]
	if !ok || price <= 0 {
		return nil, &APIError{Exchange: p.name, Endpoint: "ticker", StatusCode: 400, Code: -1121, Message: "Invalid symbol.", Kind: ErrRejected}
	}
	return &Ticker{Symbol: symbol, Last: price, Bid: price, Ask: price, Timestamp: time.Now()}, nil
}

// FetchBalance returns free balances
func (p *PaperClient) FetchBalance(ctx context.Context) (*Balance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.balanceErr != nil {
		return nil, p.balanceErr
	}
	bal := &Balance{Free: make(map[string]float64, len(p.free)), Total: make(map[string]float64, len(p.free))}
	for asset, amount := range p.free {
		bal.Free[asset] = amount
		bal.Total[asset] = amount
	}
	return bal, nil
}

// CreateOrder fills a market order at the current price
func (p *PaperClient) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Type != OrderTypeLimit {
		p.refreshPrice(ctx, req.Symbol)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.rejectErr != nil {
		return nil, p.rejectErr
	}
	if req.Amount <= 0 {
		return nil, &APIError{Exchange: p.name, Endpoint: "order", StatusCode: 400, Code: -1013, Message: "Invalid quantity.", Kind: ErrRejected}
	}

	price, ok := p.prices[req.Symbol]
	if req.Type == OrderTypeLimit && req.Price != nil {
		price, ok = *req.Price, true
	}
	if !ok || price <= 0 {
		return nil, &APIError{Exchange: p.name, Endpoint: "order", StatusCode: 400, Code: -1121, Message: "Invalid symbol.", Kind: ErrRejected}
	}

	p.applyFill(req, price)

	p.nextOrderID++
	order := Order{
		ID:        fmt.Sprintf("%d", p.nextOrderID),
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Amount:    req.Amount,
		Filled:    req.Amount,
		AvgPrice:  price,
		Status:    "FILLED",
		Timestamp: time.Now(),
	}
	p.orders = append(p.orders, order)
	return &order, nil
}

// applyFill moves balances for spot and nets positions for futures. Caller holds mu.
func (p *PaperClient) applyFill(req OrderRequest, price float64) {
	notional := req.Amount * price
	base, quote := SplitSymbol(req.Symbol)

	if !p.futures {
		if req.Side == SideBuy {
			p.free[quote] -= notional
			p.free[base] += req.Amount
		} else {
			p.free[quote] += notional
			p.free[base] -= req.Amount
		}
		return
	}

	signed := req.Amount
	if req.Side == SideSell {
		signed = -signed
	}
	current := p.positions[req.Symbol]
	amt := current.Size
	if current.Side == "SHORT" {
		amt = -amt
	}
	amt += signed

	switch {
	case amt > 1e-12:
		p.positions[req.Symbol] = LivePosition{Symbol: req.Symbol, Side: "LONG", Size: amt, EntryPrice: price, MarkPrice: price}
	case amt < -1e-12:
		p.positions[req.Symbol] = LivePosition{Symbol: req.Symbol, Side: "SHORT", Size: -amt, EntryPrice: price, MarkPrice: price}
	default:
		delete(p.positions, req.Symbol)
	}
}

// SetLeverage records leverage; spot paper accounts reject it
func (p *PaperClient) SetLeverage(ctx context.Context, leverage int, symbol string) error {
	if !p.futures {
		return ErrUnsupported
	}
	p.mu.Lock()
	p.leverage[symbol] = leverage
	p.mu.Unlock()
	return nil
}

// FetchPositions returns the live positions
func (p *PaperClient) FetchPositions(ctx context.Context) ([]LivePosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.positionErr != nil {
		return nil, p.positionErr
	}
	out := make([]LivePosition, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, pos)
	}
	return out, nil
}

// Close is a no-op
func (p *PaperClient) Close() error {
	return nil
}
