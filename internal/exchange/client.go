package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Client is the generic exchange abstraction used by the execution pipeline.
// Implementations are not safe for concurrent use on the same account; the
// Factory serializes access per (user, exchange).
type Client interface {
	Name() string
	LoadMarkets(ctx context.Context) (map[string]Market, error)
	FetchTicker(ctx context.Context, symbol string) (*Ticker, error)
	FetchBalance(ctx context.Context) (*Balance, error)
	CreateOrder(ctx context.Context, req OrderRequest) (*Order, error)
	SetLeverage(ctx context.Context, leverage int, symbol string) error
	FetchPositions(ctx context.Context) ([]LivePosition, error)
	Close() error
}

// Order types and sides
const (
	OrderTypeMarket = "MARKET"
	OrderTypeLimit  = "LIMIT"

	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Market describes trading rules for a symbol
type Market struct {
	Symbol         string  `json:"symbol"`
	Base           string  `json:"base"`
	Quote          string  `json:"quote"`
	LotSize        float64 `json:"lot_size"` // quantity step
	MinQty         float64 `json:"min_qty"`
	MinNotional    float64 `json:"min_notional"`
	PricePrecision int     `json:"price_precision"`
}

// DefaultQuote is assumed when a symbol ends in no known quote asset
const DefaultQuote = "USDT"

// KnownQuotes are the quote assets recognized at the end of a symbol
var KnownQuotes = []string{"USDT", "USDC", "FDUSD", "BUSD", "TUSD", "BTC", "ETH", "BNB", "EUR", "USD"}

// SplitSymbol splits an exchange symbol such as "ETHBTC" into base and quote
// using the longest known quote suffix. A symbol with no known quote is
// returned whole with DefaultQuote.
func SplitSymbol(symbol string) (base, quote string) {
	for _, q := range KnownQuotes {
		if len(symbol) > len(q) && strings.HasSuffix(symbol, q) && len(q) > len(quote) {
			quote = q
		}
	}
	if quote == "" {
		return symbol, DefaultQuote
	}
	return strings.TrimSuffix(symbol, quote), quote
}

// Ticker is the latest traded price for a symbol
type Ticker struct {
	Symbol    string    `json:"symbol"`
	Last      float64   `json:"last"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Timestamp time.Time `json:"timestamp"`
}

// Balance holds free and total amounts per asset
type Balance struct {
	Free  map[string]float64 `json:"free"`
	Total map[string]float64 `json:"total"`
}

// FreeOf returns the free amount for an asset
func (b *Balance) FreeOf(asset string) float64 {
	if b == nil || b.Free == nil {
		return 0
	}
	return b.Free[asset]
}

// OrderRequest describes an order to submit
type OrderRequest struct {
	Symbol     string            `json:"symbol"`
	Type       string            `json:"type"`
	Side       string            `json:"side"`
	Amount     float64           `json:"amount"`
	Price      *float64          `json:"price,omitempty"`
	ReduceOnly bool              `json:"reduce_only"`
	Params     map[string]string `json:"params,omitempty"`
}

// Order is the exchange acknowledgement of an order
type Order struct {
	ID        string    `json:"id"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"`
	Type      string    `json:"type"`
	Amount    float64   `json:"amount"`
	Filled    float64   `json:"filled"`
	AvgPrice  float64   `json:"avg_price"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// LivePosition is a position as reported by the exchange
type LivePosition struct {
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"` // LONG or SHORT
	Size       float64 `json:"size"`
	EntryPrice float64 `json:"entry_price"`
	MarkPrice  float64 `json:"mark_price"`
}

// OppositeSide returns the order side that closes a position side
func OppositeSide(positionSide string) string {
	if positionSide == "SHORT" {
		return SideBuy
	}
	return SideSell
}

// Error classification
var (
	ErrNetwork      = errors.New("exchange network error")
	ErrRejected     = errors.New("exchange rejected request")
	ErrRateLimited  = errors.New("exchange rate limit")
	ErrUnsupported  = errors.New("operation not supported by exchange")
	ErrNoCredential = errors.New("no exchange credentials")
)

// APIError carries the exchange response for a failed call
type APIError struct {
	Exchange   string
	Endpoint   string
	StatusCode int
	Code       int
	Message    string
	Kind       error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: status %d code %d: %s", e.Exchange, e.Endpoint, e.StatusCode, e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Kind
}

// IsTransient reports whether the error may succeed on the next cycle
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrRateLimited) ||
		errors.Is(err, context.DeadlineExceeded)
}
