package store

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minglu/stockintel/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	// Shared-cache in-memory database, one per test.
	path := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func floatPtr(v float64) *float64 { return &v }

func sampleReport(ticker string) *domain.AnalysisReport {
	return &domain.AnalysisReport{
		Meta: domain.ReportMeta{
			QueryID:       "q-123",
			Ticker:        ticker,
			Name:          "贵州茅台",
			CurrentPrice:  1520.5,
			ChangePct:     1.23,
			ReportType:    "manual",
			EngineVersion: "v2",
		},
		Summary: domain.ReportSummary{
			SentimentScore:  72,
			AnalysisSummary: "趋势向好",
			OperationAdvice: "持有",
			TrendPrediction: "震荡上行",
			RiskAlerts:      []string{"高位放量", "估值偏高"},
		},
		Strategy: domain.ReportStrategy{
			IdealBuy: floatPtr(1480),
			StopLoss: floatPtr(1420),
		},
		RawResult:       `{"sentiment_score":72}`,
		ContextSnapshot: "evidence...",
		News: []domain.NewsItem{
			{Title: "公告", URL: "https://example.com/a", Source: "bocha", Fingerprint: "aaa", Relevance: 0.9, PublishedAt: time.Now().Add(-time.Hour)},
			{Title: "研报", URL: "https://example.com/b", Source: "tavily", Fingerprint: "bbb", Relevance: 0.5},
		},
	}
}

func TestReportRoundTrip(t *testing.T) {
	s := newTestStore(t)

	id, err := s.Reports.Save(sampleReport("600519"))
	require.NoError(t, err)
	require.Greater(t, id, int64(0))

	got, err := s.Reports.GetByID(id)
	require.NoError(t, err)
	assert.Equal(t, "600519", got.Meta.Ticker)
	assert.Equal(t, "贵州茅台", got.Meta.Name)
	assert.Equal(t, 72, got.Summary.SentimentScore)
	assert.Equal(t, []string{"高位放量", "估值偏高"}, got.Summary.RiskAlerts)
	require.NotNil(t, got.Strategy.IdealBuy)
	assert.InDelta(t, 1480, *got.Strategy.IdealBuy, 0.001)
	assert.Nil(t, got.Strategy.TakeProfit)
	assert.Equal(t, "v2", got.Meta.EngineVersion)

	require.Len(t, got.News, 2)
	// Evidence comes back ranked.
	assert.Equal(t, "公告", got.News[0].Title)
	assert.False(t, got.News[0].PublishedAt.IsZero())
	assert.True(t, got.News[1].PublishedAt.IsZero())
}

func TestReportGetByIDNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Reports.GetByID(999)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestReportListFilters(t *testing.T) {
	s := newTestStore(t)

	old := sampleReport("600519")
	old.Meta.CreatedAt = time.Now().UTC().AddDate(0, 0, -30)
	_, err := s.Reports.Save(old)
	require.NoError(t, err)

	_, err = s.Reports.Save(sampleReport("600519"))
	require.NoError(t, err)
	_, err = s.Reports.Save(sampleReport("00700"))
	require.NoError(t, err)

	byTicker, err := s.Reports.List(HistoryFilter{Ticker: "600519"})
	require.NoError(t, err)
	assert.Len(t, byTicker, 2)

	recent, err := s.Reports.List(HistoryFilter{Ticker: "600519", Days: 7})
	require.NoError(t, err)
	assert.Len(t, recent, 1)

	all, err := s.Reports.List(HistoryFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestReportLatest(t *testing.T) {
	s := newTestStore(t)

	first := sampleReport("600519")
	first.Meta.CreatedAt = time.Now().UTC().Add(-2 * time.Hour)
	first.Summary.OperationAdvice = "观望"
	_, err := s.Reports.Save(first)
	require.NoError(t, err)

	second := sampleReport("600519")
	second.Summary.OperationAdvice = "持有"
	_, err = s.Reports.Save(second)
	require.NoError(t, err)

	latest, err := s.Reports.Latest("600519")
	require.NoError(t, err)
	assert.Equal(t, "持有", latest.Summary.OperationAdvice)

	_, err = s.Reports.Latest("000001")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestConversationOrderingAndSessions(t *testing.T) {
	s := newTestStore(t)

	base := time.Now().UTC().Add(-time.Minute)
	turns := []domain.ConversationTurn{
		{SessionID: "sess-1", Role: "user", Content: "分析一下茅台", CreatedAt: base},
		{SessionID: "sess-1", Role: "assistant", Content: "", ToolCalls: `[{"name":"get_daily_history"}]`, CreatedAt: base.Add(time.Second)},
		{SessionID: "sess-1", Role: "tool", Content: `{"candles":[]}`, CreatedAt: base.Add(2 * time.Second)},
		{SessionID: "sess-1", Role: "assistant", Content: "趋势向好", ReasoningBlob: "sig==", CreatedAt: base.Add(3 * time.Second)},
		{SessionID: "sess-2", Role: "user", Content: "港股呢", CreatedAt: base.Add(4 * time.Second)},
	}
	for i := range turns {
		_, err := s.Conversations.Append(&turns[i])
		require.NoError(t, err)
	}

	history, err := s.Conversations.History("sess-1", 0)
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, `[{"name":"get_daily_history"}]`, history[1].ToolCalls)
	assert.Equal(t, "sig==", history[3].ReasoningBlob)

	sessions, err := s.Conversations.Sessions(10)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "sess-2", sessions[0].SessionID)
	assert.Equal(t, 4, sessions[1].TurnCount)
	assert.Equal(t, "分析一下茅台", sessions[1].FirstMessage)
}

func TestConversationDeleteSession(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Conversations.Append(&domain.ConversationTurn{SessionID: "sess-1", Role: "user", Content: "hi"})
	require.NoError(t, err)

	require.NoError(t, s.Conversations.DeleteSession("sess-1"))
	history, err := s.Conversations.History("sess-1", 0)
	require.NoError(t, err)
	assert.Empty(t, history)

	err = s.Conversations.DeleteSession("missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAuthLifecycle(t *testing.T) {
	s := newTestStore(t)

	configured, err := s.Auth.IsConfigured()
	require.NoError(t, err)
	assert.False(t, configured)

	err = s.Auth.Verify("anything")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, s.Auth.SetPassword("s3cret"))

	configured, err = s.Auth.IsConfigured()
	require.NoError(t, err)
	assert.True(t, configured)

	assert.NoError(t, s.Auth.Verify("s3cret"))
	assert.True(t, errors.Is(s.Auth.Verify("wrong"), domain.ErrUnauthorized))

	// Rotating the password invalidates the old one.
	require.NoError(t, s.Auth.SetPassword("newpass"))
	assert.Error(t, s.Auth.Verify("s3cret"))
	assert.NoError(t, s.Auth.Verify("newpass"))
}

func TestBacktestRoundTrip(t *testing.T) {
	s := newTestStore(t)

	id, err := s.Backtests.Save(&domain.BacktestResult{
		Ticker:           "600519",
		StrategyName:     "ma-cross",
		StartDate:        "2024-01-01",
		EndDate:          "2024-12-31",
		TotalReturn:      0.23,
		AnnualizedReturn: 0.23,
		MaxDrawdown:      -0.11,
		WinRate:          0.58,
		TradeCount:       17,
		EngineVersion:    "v2",
		Params:           `{"fast":5,"slow":20}`,
	})
	require.NoError(t, err)
	require.Greater(t, id, int64(0))

	results, err := s.Backtests.ListByTicker("600519", 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "ma-cross", results[0].StrategyName)
	assert.Equal(t, 17, results[0].TradeCount)
	assert.Equal(t, "v2", results[0].EngineVersion)
	assert.InDelta(t, -0.11, results[0].MaxDrawdown, 0.0001)
}
