package risk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"signal-executor/config"
	"signal-executor/internal/ai/llm"
	"signal-executor/internal/cache"
	"signal-executor/internal/exchange"
	"signal-executor/internal/logging"
	"signal-executor/internal/models"
)

// Completer is the LLM surface the advisor needs
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Advice is a parsed (or fallback) AI recommendation
type Advice struct {
	TakeProfitPct float64 `json:"take_profit_pct"`
	StopLossPct   float64 `json:"stop_loss_pct"`
	Confidence    string  `json:"confidence"`
	Reasoning     string  `json:"reasoning"`
	Fallback      bool    `json:"fallback"`
}

// AIAdvisor asks the AI service for TP/SL and never fails. Any error yields a
// historical or global fallback tagged with low confidence.
type AIAdvisor struct {
	completer Completer
	contexts  ContextProvider
	adaptive  *Adaptive
	store     cache.Store
	cacheTTL  time.Duration
	timeout   time.Duration
	logger    *logging.Logger
}

// NewAIAdvisor wires the AI tier. store may be nil for a private in-memory cache.
func NewAIAdvisor(completer Completer, contexts ContextProvider, adaptive *Adaptive, store cache.Store, cfg config.AIConfig, logger *logging.Logger) *AIAdvisor {
	if logger == nil {
		logger = logging.Discard()
	}
	if store == nil {
		store = cache.NewMemoryStore()
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &AIAdvisor{
		completer: completer,
		contexts:  contexts,
		adaptive:  adaptive,
		store:     store,
		cacheTTL:  ttl,
		timeout:   timeout,
		logger:    logger.WithComponent("risk-ai"),
	}
}

// Recommend returns AI parameters for the symbol. The result always carries
// provenance ai; failures are recorded as Fallback with confidence "low".
// Answers are cached per symbol, fallbacks per symbol and risk profile.
func (a *AIAdvisor) Recommend(ctx context.Context, symbol string, sub *models.Subscription, signal *models.Signal) models.RiskParameters {
	profile := sub.RiskProfile.Normalize()
	fallbackKey := cache.RiskFallbackKey(symbol, string(profile))

	for _, key := range []string{cache.RiskAdviceKey(symbol), fallbackKey} {
		var advice Advice
		if err := a.store.GetJSON(ctx, key, &advice); err == nil && advice.TakeProfitPct > 0 {
			return advice.parameters()
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	fresh, err := a.ask(callCtx, symbol, sub, signal)
	if err != nil {
		a.logger.Warn("AI risk recommendation failed, using fallback",
			"symbol", symbol,
			"subscription_id", sub.ID,
			"error", err)
		fresh = a.fallback(ctx, symbol, profile, err)
	}

	key := cache.RiskAdviceKey(symbol)
	if fresh.Fallback {
		key = fallbackKey
	}
	if err := a.store.SetJSON(ctx, key, fresh, a.cacheTTL); err != nil {
		a.logger.Debug("Failed to cache AI recommendation", "symbol", symbol, "error", err)
	}
	return fresh.parameters()
}

// Invalidate drops the cached recommendations for a symbol
func (a *AIAdvisor) Invalidate(ctx context.Context, symbol string) {
	_ = a.store.Delete(ctx, cache.RiskAdviceKey(symbol))
	for _, profile := range []models.RiskProfile{models.ProfileConservative, models.ProfileBalanced, models.ProfileAggressive} {
		_ = a.store.Delete(ctx, cache.RiskFallbackKey(symbol, string(profile)))
	}
}

func (a *AIAdvisor) ask(ctx context.Context, symbol string, sub *models.Subscription, signal *models.Signal) (*Advice, error) {
	if a.completer == nil {
		return nil, fmt.Errorf("%w: no AI client configured", models.ErrAIServiceFailure)
	}

	prompt := llm.RiskPromptContext{
		Symbol:        symbol,
		Direction:     string(signal.Direction),
		EntryPrice:    signal.EntryPrice,
		RiskProfile:   string(sub.RiskProfile.Normalize()),
		QuoteCurrency: quoteOf(symbol),
	}
	if signal.TakeProfit != nil {
		prompt.SignalTarget = *signal.TakeProfit
	}
	if signal.StopLoss != nil {
		prompt.SignalStop = *signal.StopLoss
	}

	if a.contexts != nil {
		rc, err := a.contexts.RiskContext(ctx, sub, symbol)
		if err != nil {
			a.logger.Debug("Partial AI context", "symbol", symbol, "error", err)
		}
		if rc != nil {
			prompt.Balance = rc.Balance
			if rc.QuoteCurrency != "" {
				prompt.QuoteCurrency = rc.QuoteCurrency
			}
			prompt.OpenPositions = rc.OpenPositions
			prompt.RecentPnL = rc.RecentPnL
			if p := rc.Performance; p != nil {
				prompt.Trades = p.Trades
				prompt.WinRate = p.WinRate()
				prompt.AvgWinPct = p.AvgWinPct
				prompt.AvgLossPct = p.AvgLossPct
			}
		}
	}

	text, err := a.completer.Complete(ctx, llm.SystemPromptRiskParameters, llm.BuildRiskPrompt(prompt))
	if err != nil {
		return nil, err
	}
	return ParseAdvice(text)
}

func (a *AIAdvisor) fallback(ctx context.Context, symbol string, profile models.RiskProfile, cause error) *Advice {
	tp, sl, fromHistory := FromPerformance(a.adaptive.Performance(ctx, symbol), profile, a.minTrades())
	source := "global defaults"
	if fromHistory {
		source = "historical performance"
	}
	return &Advice{
		TakeProfitPct: tp,
		StopLossPct:   sl,
		Confidence:    "low",
		Reasoning:     fmt.Sprintf("fallback to %s: %v", source, cause),
		Fallback:      true,
	}
}

func quoteOf(symbol string) string {
	_, quote := exchange.SplitSymbol(symbol)
	return quote
}

func (a *AIAdvisor) minTrades() int {
	if a.adaptive == nil {
		return DefaultMinAdaptiveTrades
	}
	return a.adaptive.minTrades
}

func (adv *Advice) parameters() models.RiskParameters {
	return models.RiskParameters{
		TakeProfitPct: adv.TakeProfitPct,
		StopLossPct:   adv.StopLossPct,
		Provenance:    models.ProvenanceAI,
		Confidence:    adv.Confidence,
		Fallback:      adv.Fallback,
		Reasoning:     adv.Reasoning,
	}
}

var (
	errNoRecommendation = errors.New("no take profit / stop loss in response")
	confidenceRe        = regexp.MustCompile(`(?i)confidence["']?\s*[:=]?\s*["']?(low|medium|high)`)
)

// flexNumber accepts 3.2, "3.2" and "3.2%"
type flexNumber float64

func (f *flexNumber) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	s = strings.TrimSuffix(strings.TrimSpace(s), "%")
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = flexNumber(v)
	return nil
}

// ParseAdvice reads {takeProfit, stopLoss, confidence, reasoning} from a model
// response. Markdown fences are stripped first; if the JSON does not decode,
// labeled numbers are extracted from the raw text. Values are clamped.
func ParseAdvice(text string) (*Advice, error) {
	body := llm.StripMarkdownCodeBlock(text)

	var raw struct {
		TakeProfit flexNumber `json:"takeProfit"`
		StopLoss   flexNumber `json:"stopLoss"`
		Confidence string     `json:"confidence"`
		Reasoning  string     `json:"reasoning"`
	}
	var tp, sl float64
	parsed := false
	if obj := llm.ExtractJSONObject(body); obj != "" {
		if err := json.Unmarshal([]byte(obj), &raw); err == nil && raw.TakeProfit != 0 && raw.StopLoss != 0 {
			tp, sl = float64(raw.TakeProfit), float64(raw.StopLoss)
			parsed = true
		}
	}

	if !parsed {
		var okTP, okSL bool
		tp, okTP = llm.ExtractLabeledNumber(body, "takeProfit", "take_profit", "take profit", "tp")
		sl, okSL = llm.ExtractLabeledNumber(body, "stopLoss", "stop_loss", "stop loss", "sl")
		if !okTP || !okSL || tp == 0 || sl == 0 {
			return nil, fmt.Errorf("%w: %v", models.ErrAIServiceFailure, errNoRecommendation)
		}
		raw.Confidence = ""
		if m := confidenceRe.FindStringSubmatch(body); len(m) > 1 {
			raw.Confidence = m[1]
		}
		raw.Reasoning = ""
	}

	confidence := strings.ToLower(strings.TrimSpace(raw.Confidence))
	switch confidence {
	case "low", "medium", "high":
	default:
		confidence = "medium"
	}

	tp, sl = Clamp(tp, sl)
	return &Advice{
		TakeProfitPct: tp,
		StopLossPct:   sl,
		Confidence:    confidence,
		Reasoning:     strings.TrimSpace(raw.Reasoning),
	}, nil
}
