package risk

import (
	"context"
	"errors"
	"math"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"signal-executor/config"
	"signal-executor/internal/models"
)

type stubPerformance map[string]*models.SymbolPerformance

func (s stubPerformance) SymbolPerformance(ctx context.Context, symbol string) (*models.SymbolPerformance, error) {
	return s[symbol], nil
}

type stubCompleter struct {
	text  string
	err   error
	block  bool
	calls  int32
	prompt string
}

func (s *stubCompleter) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	atomic.AddInt32(&s.calls, 1)
	s.prompt = userPrompt
	if s.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return s.text, s.err
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func ptr(v float64) *float64 { return &v }

func testSignal() *models.Signal {
	return &models.Signal{ID: "sig-1", Symbol: "BTCUSDT", Direction: models.DirectionLong, EntryPrice: 100}
}

func testAIConfig() config.AIConfig {
	return config.AIConfig{Timeout: time.Second, CacheTTL: time.Minute}
}

func TestResolveTierPrecedence(t *testing.T) {
	history := stubPerformance{
		"BTCUSDT": {Symbol: "BTCUSDT", Trades: 10, Wins: 6, Losses: 4, AvgWinPct: 4, AvgLossPct: 2},
	}
	adaptive := NewAdaptive(history, 5, nil)
	ai := NewAIAdvisor(&stubCompleter{text: `{"takeProfit": 4.2, "stopLoss": -1.8, "confidence": "high"}`}, nil, adaptive, nil, testAIConfig(), nil)
	r := NewResolver(ai, adaptive, nil)

	tests := []struct {
		name       string
		sub        models.Subscription
		provenance models.Provenance
		tp, sl     float64
	}{
		{
			name:       "custom overrides everything",
			sub:        models.Subscription{UseAI: true, UseAdaptive: true, CustomTP: ptr(6), CustomSL: ptr(-2.5)},
			provenance: models.ProvenanceCustom,
			tp:         6,
			sl:         -2.5,
		},
		{
			name:       "only custom TP set falls through",
			sub:        models.Subscription{CustomTP: ptr(6)},
			provenance: models.ProvenanceGlobal,
			tp:         3.13,
			sl:         -2.75,
		},
		{
			name:       "ai wins over adaptive",
			sub:        models.Subscription{UseAI: true, UseAdaptive: true},
			provenance: models.ProvenanceAI,
			tp:         4.2,
			sl:         -1.8,
		},
		{
			name:       "adaptive from history",
			sub:        models.Subscription{UseAdaptive: true},
			provenance: models.ProvenanceAdaptive,
			tp:         3.652,
			sl:         -2.45,
		},
		{
			name:       "global conservative",
			sub:        models.Subscription{RiskProfile: models.ProfileConservative},
			provenance: models.ProvenanceGlobal,
			tp:         2.0,
			sl:         -2.0,
		},
		{
			name:       "global aggressive",
			sub:        models.Subscription{RiskProfile: models.ProfileAggressive},
			provenance: models.ProvenanceGlobal,
			tp:         5.0,
			sl:         -3.5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Resolve(context.Background(), "BTCUSDT", &tt.sub, testSignal())
			if got.Provenance != tt.provenance {
				t.Errorf("Expected provenance %s, got %s", tt.provenance, got.Provenance)
			}
			if !approx(got.TakeProfitPct, tt.tp) || !approx(got.StopLossPct, tt.sl) {
				t.Errorf("Expected TP %v / SL %v, got %v / %v", tt.tp, tt.sl, got.TakeProfitPct, got.StopLossPct)
			}
		})
	}
}

func TestAdaptiveWithoutHistoryUsesProfileDefaults(t *testing.T) {
	r := NewResolver(nil, NewAdaptive(stubPerformance{}, 5, nil), nil)
	sub := &models.Subscription{UseAdaptive: true, RiskProfile: models.ProfileBalanced}

	got := r.Resolve(context.Background(), "BTCUSDT", sub, testSignal())
	if got.Provenance != models.ProvenanceAdaptive {
		t.Errorf("Expected adaptive provenance, got %s", got.Provenance)
	}
	if got.TakeProfitPct != 3.13 || got.StopLossPct != -2.75 {
		t.Errorf("Expected 3.13 / -2.75, got %v / %v", got.TakeProfitPct, got.StopLossPct)
	}

	tp, sl := PriceLevels(100, models.SideLong, got.TakeProfitPct, got.StopLossPct)
	if !approx(tp, 103.13) || !approx(sl, 97.25) {
		t.Errorf("Expected levels 103.13 / 97.25, got %v / %v", tp, sl)
	}
}

func TestAdaptiveFewTradesIgnoresHistory(t *testing.T) {
	history := stubPerformance{"ETHUSDT": {Trades: 4, Wins: 4, AvgWinPct: 10, AvgLossPct: 1}}
	got := NewAdaptive(history, 5, nil).Recommend(context.Background(), "ETHUSDT", models.ProfileAggressive)
	if got.TakeProfitPct != 5.0 || got.StopLossPct != -3.5 {
		t.Errorf("Expected aggressive defaults, got %v / %v", got.TakeProfitPct, got.StopLossPct)
	}
}

func TestFromPerformanceProfileMultipliers(t *testing.T) {
	perf := &models.SymbolPerformance{Trades: 10, Wins: 6, Losses: 4, AvgWinPct: 4, AvgLossPct: 2}

	tests := []struct {
		profile models.RiskProfile
		tp, sl  float64
	}{
		{models.ProfileBalanced, 3.652, -2.45},
		{models.ProfileConservative, 3.652 * 0.75, -2.45 * 1.5},
		{models.ProfileAggressive, 3.652 * 1.5, -2.45 * 0.75},
	}

	for _, tt := range tests {
		t.Run(string(tt.profile), func(t *testing.T) {
			tp, sl, ok := FromPerformance(perf, tt.profile, 5)
			if !ok {
				t.Fatal("Expected history to be used")
			}
			if !approx(tp, tt.tp) || !approx(sl, tt.sl) {
				t.Errorf("Expected %v / %v, got %v / %v", tt.tp, tt.sl, tp, sl)
			}
		})
	}
}

func TestAIFailureFallsBackWithLowConfidence(t *testing.T) {
	completer := &stubCompleter{err: errors.New("503 from upstream")}
	ai := NewAIAdvisor(completer, nil, NewAdaptive(nil, 5, nil), nil, testAIConfig(), nil)
	r := NewResolver(ai, nil, nil)
	sub := &models.Subscription{UseAI: true, UseAdaptive: true}

	got := r.Resolve(context.Background(), "BTCUSDT", sub, testSignal())
	if got.Provenance != models.ProvenanceAI {
		t.Errorf("Expected provenance ai, got %s", got.Provenance)
	}
	if !got.Fallback || got.Confidence != "low" {
		t.Errorf("Expected low-confidence fallback, got %+v", got)
	}
	if got.TakeProfitPct != 3.13 || got.StopLossPct != -2.75 {
		t.Errorf("Expected global defaults, got %v / %v", got.TakeProfitPct, got.StopLossPct)
	}
}

func TestAITimeoutFallsBack(t *testing.T) {
	completer := &stubCompleter{block: true}
	cfg := config.AIConfig{Timeout: 50 * time.Millisecond, CacheTTL: time.Minute}
	history := stubPerformance{"BTCUSDT": {Trades: 10, Wins: 6, Losses: 4, AvgWinPct: 4, AvgLossPct: 2}}
	ai := NewAIAdvisor(completer, nil, NewAdaptive(history, 5, nil), nil, cfg, nil)

	start := time.Now()
	got := ai.Recommend(context.Background(), "BTCUSDT", &models.Subscription{}, testSignal())
	if time.Since(start) > 500*time.Millisecond {
		t.Errorf("Expected timeout to bound the call, took %s", time.Since(start))
	}
	if !got.Fallback || got.Confidence != "low" || got.Provenance != models.ProvenanceAI {
		t.Errorf("Expected ai fallback, got %+v", got)
	}
	if !approx(got.TakeProfitPct, 3.652) {
		t.Errorf("Expected historical fallback TP 3.652, got %v", got.TakeProfitPct)
	}
}

func TestAIRecommendationIsCachedPerSymbol(t *testing.T) {
	completer := &stubCompleter{text: "```json\n{\"takeProfit\": 3.5, \"stopLoss\": -2, \"confidence\": \"medium\"}\n```"}
	ai := NewAIAdvisor(completer, nil, nil, nil, testAIConfig(), nil)
	ctx := context.Background()

	first := ai.Recommend(ctx, "BTCUSDT", &models.Subscription{}, testSignal())
	second := ai.Recommend(ctx, "BTCUSDT", &models.Subscription{}, testSignal())
	if completer.calls != 1 {
		t.Errorf("Expected 1 AI call, got %d", completer.calls)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("Expected cached result, got %+v vs %+v", first, second)
	}

	ai.Recommend(ctx, "ETHUSDT", &models.Subscription{}, testSignal())
	if completer.calls != 2 {
		t.Errorf("Expected a separate call per symbol, got %d", completer.calls)
	}
}

func TestAIFallbackIsCached(t *testing.T) {
	completer := &stubCompleter{err: errors.New("down")}
	ai := NewAIAdvisor(completer, nil, nil, nil, testAIConfig(), nil)
	ctx := context.Background()

	ai.Recommend(ctx, "BTCUSDT", &models.Subscription{}, testSignal())
	ai.Recommend(ctx, "BTCUSDT", &models.Subscription{}, testSignal())
	if completer.calls != 1 {
		t.Errorf("Expected fallback to be cached, got %d calls", completer.calls)
	}
}

func TestAIFallbackIsCachedPerProfile(t *testing.T) {
	completer := &stubCompleter{err: errors.New("down")}
	ai := NewAIAdvisor(completer, nil, nil, nil, testAIConfig(), nil)
	ctx := context.Background()

	conservative := ai.Recommend(ctx, "BTCUSDT", &models.Subscription{RiskProfile: models.ProfileConservative}, testSignal())
	aggressive := ai.Recommend(ctx, "BTCUSDT", &models.Subscription{RiskProfile: models.ProfileAggressive}, testSignal())

	if conservative.TakeProfitPct != 2.0 || conservative.StopLossPct != -2.0 {
		t.Errorf("Expected conservative defaults, got %v / %v", conservative.TakeProfitPct, conservative.StopLossPct)
	}
	if aggressive.TakeProfitPct != 5.0 || aggressive.StopLossPct != -3.5 {
		t.Errorf("Expected aggressive defaults, got %v / %v", aggressive.TakeProfitPct, aggressive.StopLossPct)
	}
	if completer.calls != 2 {
		t.Errorf("Expected one AI call per profile, got %d", completer.calls)
	}

	ai.Recommend(ctx, "BTCUSDT", &models.Subscription{RiskProfile: models.ProfileAggressive}, testSignal())
	if completer.calls != 2 {
		t.Errorf("Expected cached aggressive fallback, got %d calls", completer.calls)
	}
}

func TestAIPromptUsesSymbolQuote(t *testing.T) {
	completer := &stubCompleter{text: `{"takeProfit": 2.5, "stopLoss": -1.5}`}
	ai := NewAIAdvisor(completer, nil, nil, nil, testAIConfig(), nil)

	sig := &models.Signal{ID: "sig-2", Symbol: "ETHBTC", Direction: models.DirectionLong, EntryPrice: 0.05}
	ai.Recommend(context.Background(), "ETHBTC", &models.Subscription{}, sig)
	if !strings.Contains(completer.prompt, "Free balance: 0.00 BTC") {
		t.Errorf("Expected BTC quote in prompt, got:\n%s", completer.prompt)
	}
}

type stubContext struct {
	rc  *RiskContext
	err error
}

func (s *stubContext) RiskContext(ctx context.Context, sub *models.Subscription, symbol string) (*RiskContext, error) {
	return s.rc, s.err
}

func TestAIContextErrorsDoNotBlockRequest(t *testing.T) {
	completer := &stubCompleter{text: `{"takeProfit": 2.5, "stopLoss": -1.5}`}
	contexts := &stubContext{rc: &RiskContext{OpenPositions: 3}, err: errors.New("balance: timeout")}
	ai := NewAIAdvisor(completer, contexts, nil, nil, testAIConfig(), nil)

	got := ai.Recommend(context.Background(), "BTCUSDT", &models.Subscription{}, testSignal())
	if got.Fallback || got.TakeProfitPct != 2.5 {
		t.Errorf("Expected AI result despite partial context, got %+v", got)
	}
}

func TestParseAdvice(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		tp, sl     float64
		confidence string
		wantErr    bool
	}{
		{"plain json", `{"takeProfit": 3.2, "stopLoss": -2.1, "confidence": "high", "reasoning": "trend"}`, 3.2, -2.1, "high", false},
		{"fenced json", "```json\n{\"takeProfit\": 3.2, \"stopLoss\": -2.1}\n```", 3.2, -2.1, "medium", false},
		{"string percents", `{"takeProfit": "4%", "stopLoss": "-1.5%", "confidence": "LOW"}`, 4, -1.5, "low", false},
		{"positive stop read as magnitude", `{"takeProfit": 3, "stopLoss": 2}`, 3, -2, "medium", false},
		{"clamped high", `{"takeProfit": 80, "stopLoss": -40}`, 25, -15, "medium", false},
		{"clamped low", `{"takeProfit": 0.1, "stopLoss": -0.05}`, 0.3, -0.2, "medium", false},
		{"prose fallback", "Take profit: 4.5%, stop loss of -2.25%. Confidence: high", 4.5, -2.25, "high", false},
		{"truncated json uses regex", `{"takeProfit": 3.3, "stopLoss": -1.9, "reason`, 3.3, -1.9, "medium", false},
		{"nothing usable", "I cannot help with that.", 0, 0, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adv, err := ParseAdvice(tt.text)
			if tt.wantErr {
				if !errors.Is(err, models.ErrAIServiceFailure) {
					t.Errorf("Expected ErrAIServiceFailure, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseAdvice failed: %v", err)
			}
			if !approx(adv.TakeProfitPct, tt.tp) || !approx(adv.StopLossPct, tt.sl) {
				t.Errorf("Expected %v / %v, got %v / %v", tt.tp, tt.sl, adv.TakeProfitPct, adv.StopLossPct)
			}
			if adv.Confidence != tt.confidence {
				t.Errorf("Expected confidence %q, got %q", tt.confidence, adv.Confidence)
			}
		})
	}
}

func TestDynamicConfigDerivedFromTakeProfit(t *testing.T) {
	r := NewResolver(nil, nil, nil)
	sub := &models.Subscription{UseTrailing: true, UseBreakEven: true}

	got := r.Resolve(context.Background(), "BTCUSDT", sub, testSignal())
	if got.Trailing == nil || got.BreakEven == nil {
		t.Fatalf("Expected trailing and break-even config, got %+v", got)
	}
	if !approx(got.Trailing.ActivationPct, 3.13*0.5) || !approx(got.Trailing.CallbackPct, 3.13*0.25) {
		t.Errorf("Unexpected trailing config %+v", got.Trailing)
	}
	if !approx(got.BreakEven.ActivationPct, 3.13*0.4) || got.BreakEven.OffsetPct != 0.1 {
		t.Errorf("Unexpected break-even config %+v", got.BreakEven)
	}

	custom := &models.Subscription{UseTrailing: true, CustomTP: ptr(8), CustomSL: ptr(-3)}
	got = r.Resolve(context.Background(), "BTCUSDT", custom, testSignal())
	if got.Trailing == nil || got.Trailing.ActivationPct != 4 || got.BreakEven != nil {
		t.Errorf("Expected trailing from custom TP only, got %+v", got)
	}
}

func TestResolveIsIdempotentForDeterministicTiers(t *testing.T) {
	history := stubPerformance{"BTCUSDT": {Trades: 20, Wins: 9, Losses: 11, AvgWinPct: 5, AvgLossPct: 3}}
	r := NewResolver(nil, NewAdaptive(history, 5, nil), nil)

	subs := []*models.Subscription{
		{UseAdaptive: true, UseTrailing: true, RiskProfile: models.ProfileConservative},
		{CustomTP: ptr(2), CustomSL: ptr(-1), UseBreakEven: true},
		{RiskProfile: models.ProfileAggressive},
	}
	for _, sub := range subs {
		a := r.Resolve(context.Background(), "BTCUSDT", sub, testSignal())
		b := r.Resolve(context.Background(), "BTCUSDT", sub, testSignal())
		if !reflect.DeepEqual(a, b) {
			t.Errorf("Expected identical results, got %+v vs %+v", a, b)
		}
	}
}
