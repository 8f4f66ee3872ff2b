package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minglu/stockintel/internal/domain"
	"github.com/minglu/stockintel/internal/llm"
)

type scriptedGen struct {
	responses []*llm.Response
	errs      []error
	requests  []*llm.Request
}

func (g *scriptedGen) Generate(_ context.Context, req *llm.Request) (*llm.Response, error) {
	g.requests = append(g.requests, req)
	idx := len(g.requests) - 1
	if idx < len(g.errs) && g.errs[idx] != nil {
		return nil, g.errs[idx]
	}
	if idx >= len(g.responses) {
		return g.responses[len(g.responses)-1], nil
	}
	return g.responses[idx], nil
}

type memConv struct {
	turns []domain.ConversationTurn
}

func (m *memConv) Append(turn *domain.ConversationTurn) (int64, error) {
	m.turns = append(m.turns, *turn)
	return int64(len(m.turns)), nil
}

func (m *memConv) History(sessionID string, _ int) ([]domain.ConversationTurn, error) {
	var out []domain.ConversationTurn
	for _, turn := range m.turns {
		if turn.SessionID == sessionID {
			out = append(out, turn)
		}
	}
	return out, nil
}

type fakeAgentMarket struct {
	lastHistoryCode string
	quote           *domain.Quote
}

func (f *fakeAgentMarket) GetHistory(_ context.Context, ticker string, days int) ([]domain.Candle, error) {
	f.lastHistoryCode = ticker
	candles := make([]domain.Candle, 40)
	base := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	for i := range candles {
		price := 10 + 0.05*float64(i)
		candles[i] = domain.Candle{Date: base.AddDate(0, 0, i), Open: price, High: price, Low: price, Close: price, Volume: 1000}
	}
	return candles, nil
}

func (f *fakeAgentMarket) GetRealtime(context.Context, string) (*domain.Quote, error) {
	if f.quote == nil {
		return nil, domain.ErrSourceExhausted
	}
	return f.quote, nil
}

func (f *fakeAgentMarket) GetName(context.Context, string) (string, error) {
	return "测试股", nil
}

func newTestRegistry(market MarketData) *Registry {
	r := NewRegistry()
	RegisterMarketTools(r, market, nil, nil)
	return r
}

func TestStripNamespace(t *testing.T) {
	assert.Equal(t, "get_realtime_quote", StripNamespace("default_api:get_realtime_quote"))
	assert.Equal(t, "get_realtime_quote", StripNamespace("default_api.get_realtime_quote"))
	assert.Equal(t, "analyze_trend", StripNamespace("analyze_trend"))
}

func TestRegistryDispatch(t *testing.T) {
	market := &fakeAgentMarket{quote: &domain.Quote{Ticker: "00700", Price: 350.2, Timestamp: time.Now()}}
	registry := newTestRegistry(market)

	result, err := registry.Dispatch(context.Background(), "default_api:get_realtime_quote", `{"stock_code":"hk700"}`)
	require.NoError(t, err)
	assert.Contains(t, result, "350.2")

	// Ticker canonicalization happens inside the tool.
	_, err = registry.Dispatch(context.Background(), "get_daily_history", `{"stock_code":"hk700","days":30}`)
	require.NoError(t, err)
	assert.Equal(t, "00700", market.lastHistoryCode)

	_, err = registry.Dispatch(context.Background(), "no_such_tool", `{}`)
	assert.Error(t, err)

	_, err = registry.Dispatch(context.Background(), "get_realtime_quote", `{`)
	assert.Error(t, err)
}

func TestChatToolLoop(t *testing.T) {
	market := &fakeAgentMarket{quote: &domain.Quote{Ticker: "600519", Price: 1520, Timestamp: time.Now()}}
	gen := &scriptedGen{responses: []*llm.Response{
		{
			ToolCalls:     []llm.ToolCall{{ID: "call-1", Name: "default_api:get_realtime_quote", Arguments: `{"stock_code":"600519"}`}},
			ReasoningBlob: "sig-1",
		},
		{Content: "茅台现价 1520 元。"},
	}}
	conv := &memConv{}
	exec := New(Config{MaxSteps: 5}, gen, newTestRegistry(market), nil, conv, zerolog.Nop())

	var events []string
	reply, err := exec.Chat(context.Background(), "sess-1", "茅台现在多少钱", nil, nil, func(evt ProgressEvent) {
		events = append(events, evt.Type)
	})
	require.NoError(t, err)
	assert.Equal(t, "茅台现价 1520 元。", reply)
	assert.Equal(t, []string{EventGenerating, EventThinking, EventToolStart, EventToolDone, EventGenerating}, events)

	// user, assistant(tool call), tool result, final assistant.
	require.Len(t, conv.turns, 4)
	assert.Equal(t, "user", conv.turns[0].Role)
	assert.Contains(t, conv.turns[1].ToolCalls, "get_realtime_quote")
	assert.Equal(t, "sig-1", conv.turns[1].ReasoningBlob)
	assert.Equal(t, "tool", conv.turns[2].Role)
	assert.Equal(t, "assistant", conv.turns[3].Role)

	// The second request echoes the reasoning blob and the tool result.
	require.Len(t, gen.requests, 2)
	second := gen.requests[1].Messages
	var sawBlob, sawToolResult bool
	for _, msg := range second {
		if msg.ReasoningBlob == "sig-1" {
			sawBlob = true
		}
		if msg.Role == llm.RoleTool && msg.ToolCallID == "call-1" {
			sawToolResult = true
		}
	}
	assert.True(t, sawBlob)
	assert.True(t, sawToolResult)
}

func TestChatStepLimit(t *testing.T) {
	market := &fakeAgentMarket{quote: &domain.Quote{Ticker: "600519", Price: 1520, Timestamp: time.Now()}}
	gen := &scriptedGen{responses: []*llm.Response{
		{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "get_realtime_quote", Arguments: `{"stock_code":"600519"}`}}},
	}}
	exec := New(Config{MaxSteps: 1}, gen, newTestRegistry(market), nil, &memConv{}, zerolog.Nop())

	reply, err := exec.Chat(context.Background(), "sess-1", "分析茅台", nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, stepLimitReply, reply)
	assert.Len(t, gen.requests, 1)
}

func TestChatDefaultStrategiesApplyWhenNoneSelected(t *testing.T) {
	lib, err := LoadStrategies("")
	require.NoError(t, err)
	gen := &scriptedGen{responses: []*llm.Response{{Content: "好的。"}}}
	exec := New(Config{DefaultStrategies: []string{"trend_following"}}, gen, NewRegistry(), lib, nil, zerolog.Nop())

	_, err = exec.Chat(context.Background(), "", "随便聊聊", nil, nil, nil)
	require.NoError(t, err)
	require.Len(t, gen.requests, 1)
	assert.Contains(t, gen.requests[0].System, "趋势跟踪")

	// An explicit selection overrides the defaults.
	gen.requests = nil
	_, err = exec.Chat(context.Background(), "", "随便聊聊", []string{"news_driven"}, nil, nil)
	require.NoError(t, err)
	assert.Contains(t, gen.requests[0].System, "消息面驱动")
	assert.NotContains(t, gen.requests[0].System, "趋势跟踪")
}

func TestChatPersistsUserTurnOnModelFailure(t *testing.T) {
	gen := &scriptedGen{errs: []error{fmt.Errorf("model down")}, responses: []*llm.Response{{Content: "unused"}}}
	conv := &memConv{}
	exec := New(Config{}, gen, NewRegistry(), nil, conv, zerolog.Nop())

	_, err := exec.Chat(context.Background(), "sess-1", "你好", nil, nil, nil)
	require.Error(t, err)
	require.Len(t, conv.turns, 2)
	assert.Equal(t, "user", conv.turns[0].Role)
	assert.Equal(t, "你好", conv.turns[0].Content)

	// The failed attempt leaves an assistant turn carrying the error.
	assert.Equal(t, "assistant", conv.turns[1].Role)
	assert.Contains(t, conv.turns[1].Content, "[分析失败]")
	assert.Contains(t, conv.turns[1].Content, "model down")
}

func TestChatToolFailureFeedsErrorBack(t *testing.T) {
	market := &fakeAgentMarket{} // realtime quote fails
	gen := &scriptedGen{responses: []*llm.Response{
		{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "get_realtime_quote", Arguments: `{"stock_code":"600519"}`}}},
		{Content: "行情暂不可用。"},
	}}
	exec := New(Config{MaxSteps: 3}, gen, newTestRegistry(market), nil, nil, zerolog.Nop())

	reply, err := exec.Chat(context.Background(), "", "茅台多少钱", nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "行情暂不可用。", reply)

	second := gen.requests[1].Messages
	last := second[len(second)-1]
	assert.Equal(t, llm.RoleTool, last.Role)
	assert.Contains(t, last.Content, "error")
}

func TestAnalyzeStockReturnsFinalJSON(t *testing.T) {
	gen := &scriptedGen{responses: []*llm.Response{
		{Content: `{"analysis_summary":"ok","operation_advice":"持有","sentiment_score":60}`},
	}}
	exec := New(Config{}, gen, NewRegistry(), nil, nil, zerolog.Nop())

	out, err := exec.AnalyzeStock(context.Background(), &domain.EvidenceBundle{Ticker: "600519", Name: "贵州茅台"})
	require.NoError(t, err)
	assert.Contains(t, out, "analysis_summary")
	require.Len(t, gen.requests, 1)
	assert.Contains(t, gen.requests[0].Messages[0].Content, "600519")
}

func TestLoadStrategiesBuiltinsAndOverride(t *testing.T) {
	lib, err := LoadStrategies("")
	require.NoError(t, err)
	builtins := lib.List()
	require.NotEmpty(t, builtins)

	trend, ok := lib.Get("trend_following")
	require.True(t, ok)
	assert.True(t, trend.Builtin)
	assert.Equal(t, "trend", trend.Category)

	// A user file with the same name wins.
	dir := t.TempDir()
	custom := `name: trend_following
display_name: 自定义趋势
category: trend
instructions: 自定义规则。
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "trend_following.yaml"), []byte(custom), 0644))

	lib, err = LoadStrategies(dir)
	require.NoError(t, err)
	trend, ok = lib.Get("trend_following")
	require.True(t, ok)
	assert.False(t, trend.Builtin)
	assert.Equal(t, "自定义趋势", trend.DisplayName)
}

func TestLoadStrategiesRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("display_name: 没有名字\ninstructions: x\n"), 0644))
	_, err := LoadStrategies(dir)
	assert.Error(t, err)
}

func TestComposePrompt(t *testing.T) {
	lib, err := LoadStrategies("")
	require.NoError(t, err)

	prompt := ComposePrompt(basePrompt, lib.Select([]string{"trend_following", "unknown", "news_driven"}))
	assert.Contains(t, prompt, "趋势跟踪")
	assert.Contains(t, prompt, "消息面驱动")
	assert.NotContains(t, prompt, "unknown")

	// No strategies selected: base prompt only.
	assert.Equal(t, basePrompt, ComposePrompt(basePrompt, nil))
}
