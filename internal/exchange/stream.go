package exchange

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"signal-executor/internal/logging"
)

// StreamTicker keeps last prices from the all-market mini-ticker stream and
// serves them as a price source. Prices older than maxAge are treated as missing.
type StreamTicker struct {
	mu sync.RWMutex

	name      string
	url       string
	maxAge    time.Duration
	prices    map[string]streamPrice
	conn      *websocket.Conn
	isRunning bool
	stopChan  chan struct{}
	done      chan struct{}

	reconnects int
	logger     *logging.Logger
}

type streamPrice struct {
	price float64
	at    time.Time
}

// miniTicker is one element of the !miniTicker@arr payload
type miniTicker struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Close     string `json:"c"`
}

// NewStreamTicker creates a stream source; call Start to connect
func NewStreamTicker(name, url string, maxAge time.Duration, logger *logging.Logger) *StreamTicker {
	if maxAge <= 0 {
		maxAge = 30 * time.Second
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &StreamTicker{
		name:     name,
		url:      url,
		maxAge:   maxAge,
		prices:   make(map[string]streamPrice),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
		logger:   logger.WithComponent("price-stream"),
	}
}

// Name returns the source name
func (s *StreamTicker) Name() string {
	return s.name
}

// Start begins the connection loop in the background
func (s *StreamTicker) Start() {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	go s.connect()
}

// Stop closes the connection and waits for the loop to exit
func (s *StreamTicker) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopChan)
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()

	<-s.done
	s.logger.Info("Price stream stopped")
}

// Price returns the last streamed price for a symbol
func (s *StreamTicker) Price(ctx context.Context, symbol string) (float64, error) {
	s.mu.RLock()
	p, ok := s.prices[symbol]
	s.mu.RUnlock()

	if !ok {
		return 0, fmt.Errorf("%s: no streamed price for %s", s.name, symbol)
	}
	if time.Since(p.at) > s.maxAge {
		return 0, fmt.Errorf("%s: streamed price for %s is stale (%s old)", s.name, symbol, time.Since(p.at).Round(time.Second))
	}
	return p.price, nil
}

// connect dials and reads until stopped, reconnecting on loss
func (s *StreamTicker) connect() {
	defer close(s.done)

	backoff := time.Second
	for {
		if !s.running() {
			return
		}

		conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
		if err != nil {
			s.mu.Lock()
			s.reconnects++
			s.mu.Unlock()
			s.logger.Warn("Price stream connection failed", "error", err, "retry_in", backoff.String())
			if !s.sleep(backoff) {
				return
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}

		s.mu.Lock()
		if !s.isRunning {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conn = conn
		s.reconnects = 0
		s.mu.Unlock()
		backoff = time.Second

		s.logger.Info("Price stream connected", "url", s.url)
		s.readLoop(conn)

		if !s.running() {
			return
		}
		s.logger.Warn("Price stream lost, reconnecting")
		if !s.sleep(3 * time.Second) {
			return
		}
	}
}

func (s *StreamTicker) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && s.running() {
				s.logger.Warn("Price stream read error", "error", err)
			}
			return
		}
		s.handleMessage(message)
	}
}

func (s *StreamTicker) handleMessage(message []byte) {
	var tickers []miniTicker
	if err := json.Unmarshal(message, &tickers); err != nil {
		var single miniTicker
		if err := json.Unmarshal(message, &single); err != nil || single.Symbol == "" {
			s.logger.Debug("Unparseable stream message", "error", err)
			return
		}
		tickers = []miniTicker{single}
	}

	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tickers {
		price, err := strconv.ParseFloat(t.Close, 64)
		if err != nil || price <= 0 {
			continue
		}
		s.prices[t.Symbol] = streamPrice{price: price, at: now}
	}
}

func (s *StreamTicker) running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

func (s *StreamTicker) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-s.stopChan:
		return false
	}
}
