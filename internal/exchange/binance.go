package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/time/rate"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// BinanceClient talks to Binance spot or USD-M futures REST endpoints
type BinanceClient struct {
	apiKey     string
	secretKey  string
	baseURL    string
	futures    bool
	httpClient *http.Client
	limiter    *rate.Limiter
	recvWindow string
}

// BinanceOptions configures a BinanceClient
type BinanceOptions struct {
	APIKey         string
	SecretKey      string
	BaseURL        string
	Futures        bool
	Timeout        time.Duration
	RequestsPerSec float64
}

// NewBinanceClient creates a signed REST client
func NewBinanceClient(opts BinanceOptions) *BinanceClient {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RequestsPerSec <= 0 {
		opts.RequestsPerSec = 10
	}
	if opts.BaseURL == "" {
		if opts.Futures {
			opts.BaseURL = "https://fapi.binance.com"
		} else {
			opts.BaseURL = "https://api.binance.com"
		}
	}
	return &BinanceClient{
		apiKey:     opts.APIKey,
		secretKey:  opts.SecretKey,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		futures:    opts.Futures,
		httpClient: &http.Client{Timeout: opts.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(opts.RequestsPerSec), int(opts.RequestsPerSec)+1),
		recvWindow: "5000",
	}
}

// Name returns the exchange identifier
func (c *BinanceClient) Name() string {
	if c.futures {
		return "binance-futures"
	}
	return "binance"
}

func (c *BinanceClient) path(spot, futures string) string {
	if c.futures {
		return futures
	}
	return spot
}

// LoadMarkets fetches trading rules for all symbols
func (c *BinanceClient) LoadMarkets(ctx context.Context) (map[string]Market, error) {
	var info struct {
		Symbols []struct {
			Symbol         string                   `json:"symbol"`
			Status         string                   `json:"status"`
			BaseAsset      string                   `json:"baseAsset"`
			QuoteAsset     string                   `json:"quoteAsset"`
			PricePrecision int                      `json:"pricePrecision"`
			QuotePrecision int                      `json:"quotePrecision"`
			Filters        []map[string]interface{} `json:"filters"`
		} `json:"symbols"`
	}

	endpoint := c.path("/api/v3/exchangeInfo", "/fapi/v1/exchangeInfo")
	if err := c.do(ctx, http.MethodGet, endpoint, nil, false, &info); err != nil {
		return nil, err
	}

	markets := make(map[string]Market, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status != "" && s.Status != "TRADING" {
			continue
		}
		m := Market{
			Symbol:         s.Symbol,
			Base:           s.BaseAsset,
			Quote:          s.QuoteAsset,
			PricePrecision: s.PricePrecision,
		}
		if m.PricePrecision == 0 {
			m.PricePrecision = s.QuotePrecision
		}
		for _, f := range s.Filters {
			switch f["filterType"] {
			case "LOT_SIZE":
				m.LotSize = parseFloat(f["stepSize"])
				m.MinQty = parseFloat(f["minQty"])
			case "MIN_NOTIONAL", "NOTIONAL":
				if v, ok := f["minNotional"]; ok {
					m.MinNotional = parseFloat(v)
				} else {
					m.MinNotional = parseFloat(f["notional"])
				}
			}
		}
		markets[s.Symbol] = m
	}
	return markets, nil
}

// FetchTicker fetches the best bid/ask and last price
func (c *BinanceClient) FetchTicker(ctx context.Context, symbol string) (*Ticker, error) {
	var raw struct {
		Symbol    string `json:"symbol"`
		LastPrice string `json:"lastPrice"`
		BidPrice  string `json:"bidPrice"`
		AskPrice  string `json:"askPrice"`
		CloseTime int64  `json:"closeTime"`
	}

	params := map[string]string{"symbol": symbol}
	endpoint := c.path("/api/v3/ticker/24hr", "/fapi/v1/ticker/24hr")
	if err := c.do(ctx, http.MethodGet, endpoint, params, false, &raw); err != nil {
		return nil, err
	}

	last := parseFloat(raw.LastPrice)
	if last <= 0 {
		return nil, &APIError{Exchange: c.Name(), Endpoint: endpoint, Message: "empty price", Kind: ErrRejected}
	}

	ts := time.Now()
	if raw.CloseTime > 0 {
		ts = time.UnixMilli(raw.CloseTime)
	}
	return &Ticker{
		Symbol:    raw.Symbol,
		Last:      last,
		Bid:       parseFloat(raw.BidPrice),
		Ask:       parseFloat(raw.AskPrice),
		Timestamp: ts,
	}, nil
}

// FetchBalance fetches free and total balances
func (c *BinanceClient) FetchBalance(ctx context.Context) (*Balance, error) {
	bal := &Balance{Free: make(map[string]float64), Total: make(map[string]float64)}

	if c.futures {
		var assets []struct {
			Asset            string `json:"asset"`
			Balance          string `json:"balance"`
			AvailableBalance string `json:"availableBalance"`
		}
		if err := c.do(ctx, http.MethodGet, "/fapi/v2/balance", map[string]string{}, true, &assets); err != nil {
			return nil, err
		}
		for _, a := range assets {
			bal.Free[a.Asset] = parseFloat(a.AvailableBalance)
			bal.Total[a.Asset] = parseFloat(a.Balance)
		}
		return bal, nil
	}

	var account struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v3/account", map[string]string{}, true, &account); err != nil {
		return nil, err
	}
	for _, b := range account.Balances {
		free := parseFloat(b.Free)
		bal.Free[b.Asset] = free
		bal.Total[b.Asset] = free + parseFloat(b.Locked)
	}
	return bal, nil
}

// CreateOrder places a new order
func (c *BinanceClient) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	params := map[string]string{
		"symbol":   req.Symbol,
		"side":     req.Side,
		"type":     req.Type,
		"quantity": strconv.FormatFloat(req.Amount, 'f', -1, 64),
	}
	if req.Type == OrderTypeLimit && req.Price != nil {
		params["price"] = strconv.FormatFloat(*req.Price, 'f', -1, 64)
		params["timeInForce"] = "GTC"
	}
	if c.futures && req.ReduceOnly {
		params["reduceOnly"] = "true"
	}
	if !c.futures {
		params["newOrderRespType"] = "FULL"
	}
	for k, v := range req.Params {
		params[k] = v
	}

	var raw struct {
		OrderID             int64  `json:"orderId"`
		Symbol              string `json:"symbol"`
		Status              string `json:"status"`
		Type                string `json:"type"`
		Side                string `json:"side"`
		OrigQty             string `json:"origQty"`
		ExecutedQty         string `json:"executedQty"`
		AvgPrice            string `json:"avgPrice"`
		CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
		TransactTime        int64  `json:"transactTime"`
		UpdateTime          int64  `json:"updateTime"`
	}

	endpoint := c.path("/api/v3/order", "/fapi/v1/order")
	if err := c.do(ctx, http.MethodPost, endpoint, params, true, &raw); err != nil {
		return nil, err
	}

	filled := parseFloat(raw.ExecutedQty)
	avg := parseFloat(raw.AvgPrice)
	if avg == 0 && filled > 0 {
		avg = parseFloat(raw.CummulativeQuoteQty) / filled
	}
	ts := raw.TransactTime
	if ts == 0 {
		ts = raw.UpdateTime
	}

	return &Order{
		ID:        strconv.FormatInt(raw.OrderID, 10),
		Symbol:    raw.Symbol,
		Side:      raw.Side,
		Type:      raw.Type,
		Amount:    parseFloat(raw.OrigQty),
		Filled:    filled,
		AvgPrice:  avg,
		Status:    raw.Status,
		Timestamp: time.UnixMilli(ts),
	}, nil
}

// SetLeverage sets futures leverage for a symbol
func (c *BinanceClient) SetLeverage(ctx context.Context, leverage int, symbol string) error {
	if !c.futures {
		return ErrUnsupported
	}
	params := map[string]string{
		"symbol":   symbol,
		"leverage": strconv.Itoa(leverage),
	}
	return c.do(ctx, http.MethodPost, "/fapi/v1/leverage", params, true, nil)
}

// FetchPositions returns non-zero futures positions
func (c *BinanceClient) FetchPositions(ctx context.Context) ([]LivePosition, error) {
	if !c.futures {
		return nil, ErrUnsupported
	}

	var raw []struct {
		Symbol      string `json:"symbol"`
		PositionAmt string `json:"positionAmt"`
		EntryPrice  string `json:"entryPrice"`
		MarkPrice   string `json:"markPrice"`
	}
	if err := c.do(ctx, http.MethodGet, "/fapi/v2/positionRisk", map[string]string{}, true, &raw); err != nil {
		return nil, err
	}

	positions := make([]LivePosition, 0)
	for _, p := range raw {
		amt := parseFloat(p.PositionAmt)
		if amt == 0 {
			continue
		}
		side := "LONG"
		if amt < 0 {
			side = "SHORT"
			amt = -amt
		}
		positions = append(positions, LivePosition{
			Symbol:     p.Symbol,
			Side:       side,
			Size:       amt,
			EntryPrice: parseFloat(p.EntryPrice),
			MarkPrice:  parseFloat(p.MarkPrice),
		})
	}
	return positions, nil
}

// Close releases idle HTTP connections
func (c *BinanceClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// do performs a REST call. Signed calls add timestamp, recvWindow and the
// HMAC signature over the encoded query.
func (c *BinanceClient) do(ctx context.Context, method, endpoint string, params map[string]string, signed bool, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	}

	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	query := ""
	if signed {
		if c.apiKey == "" || c.secretKey == "" {
			return ErrNoCredential
		}
		values.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		values.Set("recvWindow", c.recvWindow)
		query = values.Encode()
		query += "&signature=" + c.sign(query)
	} else {
		query = values.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, nil)
	if err != nil {
		return err
	}
	req.URL.RawQuery = query
	if c.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrNetwork, method, endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: error reading response: %v", ErrNetwork, err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		_ = json.Unmarshal(body, &apiErr)
		kind := ErrRejected
		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 418:
			kind = ErrRateLimited
		case resp.StatusCode >= 500:
			kind = ErrNetwork
		}
		msg := apiErr.Msg
		if msg == "" {
			msg = string(body)
		}
		return &APIError{
			Exchange:   c.Name(),
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			Code:       apiErr.Code,
			Message:    msg,
			Kind:       kind,
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("error parsing %s response: %w", endpoint, err)
	}
	return nil
}

func (c *BinanceClient) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

func parseFloat(val interface{}) float64 {
	switch v := val.(type) {
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	case float64:
		return v
	default:
		return 0
	}
}
