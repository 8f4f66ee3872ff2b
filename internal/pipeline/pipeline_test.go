package pipeline

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minglu/stockintel/internal/domain"
	"github.com/minglu/stockintel/internal/llm"
)

type stubMarket struct {
	candles    []domain.Candle
	historyErr error
	quote      *domain.Quote
	quoteErr   error
	name       string
	nameErr    error
}

func (s *stubMarket) GetHistory(context.Context, string, int) ([]domain.Candle, error) {
	return s.candles, s.historyErr
}

func (s *stubMarket) GetRealtime(context.Context, string) (*domain.Quote, error) {
	return s.quote, s.quoteErr
}

func (s *stubMarket) GetName(context.Context, string) (string, error) {
	return s.name, s.nameErr
}

type stubNews struct{ intel *domain.NewsIntel }

func (s *stubNews) Search(_ context.Context, ticker, _ string) *domain.NewsIntel {
	if s.intel != nil {
		return s.intel
	}
	return &domain.NewsIntel{Ticker: ticker}
}

type stubGenerator struct {
	content string
	err     error
	calls   int
}

func (s *stubGenerator) Generate(context.Context, *llm.Request) (*llm.Response, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &llm.Response{Content: s.content}, nil
}

type stubStore struct {
	saved  []*domain.AnalysisReport
	latest *domain.AnalysisReport
	nextID int64
}

func (s *stubStore) Save(report *domain.AnalysisReport) (int64, error) {
	s.saved = append(s.saved, report)
	s.nextID++
	return s.nextID, nil
}

func (s *stubStore) Latest(string) (*domain.AnalysisReport, error) {
	if s.latest == nil {
		return nil, domain.ErrNotFound
	}
	return s.latest, nil
}

type stubGate struct{ open bool }

func (s *stubGate) ShouldRun(string, time.Time) bool { return s.open }

func risingCandles(n int) []domain.Candle {
	candles := make([]domain.Candle, n)
	base := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	for i := range candles {
		price := 10 + 0.1*float64(i)
		candles[i] = domain.Candle{
			Date:   base.AddDate(0, 0, i),
			Open:   price - 0.05,
			High:   price + 0.1,
			Low:    price - 0.1,
			Close:  price,
			Volume: 1_000_000,
		}
	}
	return candles
}

const goodResponse = "```json\n" + `{
	"stock_name": "贵州茅台",
	"sentiment_score": "68",
	"analysis_summary": "均线多头排列，量能温和。",
	"operation_advice": "持有",
	"trend_prediction": "震荡上行",
	"risk_alerts": ["注意高位回调"],
	"ideal_buy": 13.5,
	"secondary_buy": null,
	"stop_loss": "12.8",
	"take_profit": null
}` + "\n```"

func newTestPipeline(cfg Config, market MarketData, gen Generator, store ReportStore, gate Gate) *Pipeline {
	return New(cfg, gate, market, &stubNews{}, gen, nil, store, zerolog.Nop())
}

func TestRunHappyPath(t *testing.T) {
	market := &stubMarket{
		candles: risingCandles(50),
		quote:   &domain.Quote{Ticker: "600519", Price: 15.2, ChangePct: 1.1, Timestamp: time.Now()},
		name:    "贵州茅台",
	}
	store := &stubStore{}
	gen := &stubGenerator{content: goodResponse}
	p := newTestPipeline(Config{ForceRun: true}, market, gen, store, &stubGate{})

	var progressMsgs []string
	report, recordID, err := p.Run(context.Background(), "600519", "manual", "q-1",
		func(_ float64, msg string) { progressMsgs = append(progressMsgs, msg) })
	require.NoError(t, err)

	assert.Equal(t, int64(1), recordID)
	assert.Equal(t, "贵州茅台", report.Meta.Name)
	assert.Equal(t, 68, report.Summary.SentimentScore)
	assert.Equal(t, "持有", report.Summary.OperationAdvice)
	require.NotNil(t, report.Strategy.StopLoss)
	assert.InDelta(t, 12.8, *report.Strategy.StopLoss, 0.001)
	assert.Nil(t, report.Strategy.TakeProfit)
	assert.Equal(t, EngineVersion, report.Meta.EngineVersion)
	assert.InDelta(t, 15.2, report.Meta.CurrentPrice, 0.001)

	require.Len(t, store.saved, 1)
	assert.Equal(t, []string{"fetching evidence", "computing indicators", "generating report", "persisting", "completed"}, progressMsgs)
}

func TestRunHistoryFailureIsFatal(t *testing.T) {
	market := &stubMarket{historyErr: domain.ErrSourceExhausted}
	p := newTestPipeline(Config{ForceRun: true}, market, &stubGenerator{content: goodResponse}, &stubStore{}, &stubGate{})

	_, _, err := p.Run(context.Background(), "600519", "manual", "q-1", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSourceExhausted)
}

func TestRunQuoteFallsBackToLastClose(t *testing.T) {
	candles := risingCandles(50)
	market := &stubMarket{
		candles:  candles,
		quoteErr: domain.ErrSourceExhausted,
		name:     "测试股",
	}
	store := &stubStore{}
	p := newTestPipeline(Config{ForceRun: true}, market, &stubGenerator{content: goodResponse}, store, &stubGate{})

	report, _, err := p.Run(context.Background(), "600519", "manual", "q-1", nil)
	require.NoError(t, err)
	assert.InDelta(t, candles[len(candles)-1].Close, report.Meta.CurrentPrice, 0.001)
}

func TestRunFlagsInvertedStrategyPrices(t *testing.T) {
	market := &stubMarket{
		candles: risingCandles(50),
		quote:   &domain.Quote{Ticker: "600519", Price: 15.2, Timestamp: time.Now()},
		name:    "贵州茅台",
	}
	inverted := `{
		"stock_name": "贵州茅台",
		"sentiment_score": 68,
		"analysis_summary": "ok",
		"operation_advice": "持有",
		"trend_prediction": "震荡",
		"risk_alerts": ["注意高位回调"],
		"stop_loss": 16.0,
		"take_profit": 14.0
	}`
	store := &stubStore{}
	p := newTestPipeline(Config{ForceRun: true}, market, &stubGenerator{content: inverted}, store, &stubGate{})

	report, _, err := p.Run(context.Background(), "600519", "manual", "q-1", nil)
	require.NoError(t, err)

	// Stop-loss above and take-profit below the live price each earn an
	// alert on top of the model's own.
	require.Len(t, report.Summary.RiskAlerts, 3)
	assert.Equal(t, "注意高位回调", report.Summary.RiskAlerts[0])
	assert.Contains(t, report.Summary.RiskAlerts[1], "止损位")
	assert.Contains(t, report.Summary.RiskAlerts[2], "止盈位")

	// The levels themselves are not rewritten.
	assert.InDelta(t, 16.0, *report.Strategy.StopLoss, 0.001)
	assert.InDelta(t, 14.0, *report.Strategy.TakeProfit, 0.001)

	// A well-ordered strategy adds nothing.
	ordered := &stubStore{}
	p = newTestPipeline(Config{ForceRun: true}, market, &stubGenerator{content: goodResponse}, ordered, &stubGate{})
	report, _, err = p.Run(context.Background(), "600519", "manual", "q-2", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"注意高位回调"}, report.Summary.RiskAlerts)
}

func TestRunGateSkips(t *testing.T) {
	market := &stubMarket{candles: risingCandles(50), name: "测试股"}
	gen := &stubGenerator{content: goodResponse}
	p := newTestPipeline(Config{}, market, gen, &stubStore{}, &stubGate{open: false})

	_, _, err := p.Run(context.Background(), "600519", "scheduled", "q-1", nil)
	assert.ErrorIs(t, err, ErrMarketClosed)
	assert.Zero(t, gen.calls)

	// --force-run bypasses the gate.
	forced := newTestPipeline(Config{ForceRun: true}, market, gen, &stubStore{}, &stubGate{open: false})
	_, _, err = forced.Run(context.Background(), "600519", "manual", "q-1", nil)
	require.NoError(t, err)
}

func TestRunNameBackfillFromModel(t *testing.T) {
	market := &stubMarket{
		candles: risingCandles(50),
		nameErr: domain.ErrSourceExhausted,
	}
	store := &stubStore{}
	p := newTestPipeline(Config{ForceRun: true}, market, &stubGenerator{content: goodResponse}, store, &stubGate{})

	report, _, err := p.Run(context.Background(), "600519", "manual", "q-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "贵州茅台", report.Meta.Name)
}

func TestRunUnparseableResponseFails(t *testing.T) {
	market := &stubMarket{candles: risingCandles(50), name: "测试股"}
	p := newTestPipeline(Config{ForceRun: true}, market, &stubGenerator{content: "抱歉，我无法分析。"}, &stubStore{}, &stubGate{})

	_, _, err := p.Run(context.Background(), "600519", "manual", "q-1", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidResponse)
}

func TestRunSavesContextSnapshot(t *testing.T) {
	market := &stubMarket{candles: risingCandles(50), name: "测试股"}
	store := &stubStore{}
	p := newTestPipeline(Config{ForceRun: true, SaveSnapshot: true}, market, &stubGenerator{content: goodResponse}, store, &stubGate{})

	report, _, err := p.Run(context.Background(), "600519", "manual", "q-1", nil)
	require.NoError(t, err)
	assert.Contains(t, report.ContextSnapshot, `"ticker":"600519"`)
}

func TestParseReportRepairsCommonDefects(t *testing.T) {
	cases := []string{
		goodResponse,
		`好的，以下是分析结果：{"analysis_summary":"ok","operation_advice":"观望","sentiment_score":55,"risk_alerts":"单一风险"} 以上。`,
	}
	for i, raw := range cases {
		report, err := ParseReport(raw)
		require.NoError(t, err, "case %d", i)
		assert.NotEmpty(t, report.AnalysisSummary)
	}

	single, err := ParseReport(cases[1])
	require.NoError(t, err)
	assert.Equal(t, []string{"单一风险"}, []string(single.RiskAlerts))
	assert.Equal(t, 55, int(single.SentimentScore))
}

func TestParseReportRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"", "no json here", `{"stock_name":"x"}`} {
		_, err := ParseReport(raw)
		assert.ErrorIs(t, err, domain.ErrInvalidResponse, "input %q", raw)
	}
}

func TestBuildBundleTruncation(t *testing.T) {
	intel := &domain.NewsIntel{Ticker: "600519"}
	for i := 0; i < 15; i++ {
		intel.Items = append(intel.Items, domain.NewsItem{
			Title:   fmt.Sprintf("news %d", i),
			Snippet: strings.Repeat("长", 500),
		})
	}

	bundle := BuildBundle("600519", "贵州茅台", risingCandles(100), nil, nil, intel, "", AssembleOptions{})
	assert.Len(t, bundle.Candles, defaultMaxCandles)
	assert.Len(t, bundle.News.Items, defaultMaxNewsItems)
	assert.Contains(t, bundle.Truncated, "candles")
	assert.Contains(t, bundle.Truncated, "news")
	assert.Contains(t, bundle.Truncated, "news.snippet")
	// The source intel is left untouched.
	assert.Len(t, intel.Items, 15)
}

func TestRenderContextSections(t *testing.T) {
	quote := &domain.Quote{Price: 15.2, ChangePct: -0.8, Timestamp: time.Now(), SourceID: "eastmoney"}
	snap := &domain.TechnicalSnapshot{MA5: 15, MA10: 14.5, MA20: 14, RSI14: 61, BullishAlignment: true, TrendStrength: 80}
	intel := &domain.NewsIntel{Items: []domain.NewsItem{{Title: "年报发布", Snippet: "营收增长", Dimension: "earnings"}}}

	text := RenderContext(BuildBundle("600519", "贵州茅台", risingCandles(10), quote, snap, intel, "上次建议持有", AssembleOptions{}))
	assert.Contains(t, text, "600519")
	assert.Contains(t, text, "实时行情")
	assert.Contains(t, text, "技术指标")
	assert.Contains(t, text, "年报发布")
	assert.Contains(t, text, "上次建议持有")
	assert.Contains(t, text, "A股")
}
