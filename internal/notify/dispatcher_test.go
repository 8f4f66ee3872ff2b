package notify

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minglu/stockintel/internal/config"
	"github.com/minglu/stockintel/internal/domain"
)

type fakeChannel struct {
	name  string
	limit int
	sent  []string
	fail  bool
}

func (f *fakeChannel) Name() string { return f.name }
func (f *fakeChannel) Limit() int   { return f.limit }

func (f *fakeChannel) Send(_ context.Context, _, body string) error {
	if f.fail {
		return fmt.Errorf("channel down")
	}
	f.sent = append(f.sent, body)
	return nil
}

func sampleNotifyReport(ticker, name string) *domain.AnalysisReport {
	stop := 1450.0
	return &domain.AnalysisReport{
		Meta: domain.ReportMeta{
			ID:           7,
			Ticker:       ticker,
			Name:         name,
			CurrentPrice: 1520.5,
			ChangePct:    1.23,
			ReportType:   domain.ReportTypeManual,
			CreatedAt:    time.Date(2026, 3, 2, 15, 30, 0, 0, time.UTC),
		},
		Summary: domain.ReportSummary{
			SentimentScore:  72,
			AnalysisSummary: "量价配合良好，短期趋势向上。",
			OperationAdvice: "持有",
			TrendPrediction: "震荡上行",
			RiskAlerts:      []string{"高位放量回调风险"},
		},
		Strategy: domain.ReportStrategy{StopLoss: &stop},
	}
}

func TestRenderReportSections(t *testing.T) {
	subject, body := RenderReport(sampleNotifyReport("600519", "贵州茅台"), false)

	assert.Contains(t, subject, "贵州茅台(600519)")
	assert.Contains(t, subject, "持有")
	assert.Contains(t, body, "现价: 1520.50 (+1.23%)")
	assert.Contains(t, body, "■ 核心结论")
	assert.Contains(t, body, "■ 趋势预判")
	assert.Contains(t, body, "- 高位放量回调风险")
	assert.Contains(t, body, "止损位: 1450.00")
}

func TestRenderReportSummaryOnly(t *testing.T) {
	_, body := RenderReport(sampleNotifyReport("600519", "贵州茅台"), true)

	assert.Contains(t, body, "■ 核心结论")
	assert.NotContains(t, body, "■ 趋势预判")
	assert.NotContains(t, body, "■ 风险提示")
	assert.NotContains(t, body, "■ 操作策略")
}

func TestChunkMessageDeterministicWithMarkers(t *testing.T) {
	sections := []string{
		"头部\n" + strings.Repeat("一", 30),
		"■ 核心结论\n" + strings.Repeat("二", 40),
		"■ 风险提示\n" + strings.Repeat("三", 40),
	}
	body := strings.Join(sections, "\n\n")

	chunks := ChunkMessage(body, 200)
	require.Greater(t, len(chunks), 1)
	for i, chunk := range chunks {
		assert.LessOrEqual(t, len(chunk), 200)
		assert.True(t, strings.HasPrefix(chunk, fmt.Sprintf("(%d/%d) ", i+1, len(chunks))))
	}

	// Same input, same split.
	assert.Equal(t, chunks, ChunkMessage(body, 200))

	// Reassembled content keeps every section.
	joined := strings.Join(chunks, "\n\n")
	for _, section := range sections {
		for _, line := range strings.Split(section, "\n") {
			assert.Contains(t, joined, line)
		}
	}
}

func TestChunkMessageUnderLimitIsSingle(t *testing.T) {
	chunks := ChunkMessage("短消息", 4096)
	require.Len(t, chunks, 1)
	assert.Equal(t, "短消息", chunks[0])
	assert.NotContains(t, chunks[0], "(1/")
}

func TestChunkMessageOversizedLineSplitsOnRuneBoundary(t *testing.T) {
	body := strings.Repeat("长", 300)
	chunks := ChunkMessage(body, 100)
	require.Greater(t, len(chunks), 1)
	for _, chunk := range chunks {
		trimmed := chunk[strings.Index(chunk, ") ")+2:]
		assert.Equal(t, 0, len(trimmed)%3, "chunk must not cut a UTF-8 sequence")
	}
}

func TestDispatchBroadcastAndChunkSleep(t *testing.T) {
	ch := &fakeChannel{name: "wechat", limit: 300}
	var slept []time.Duration
	d := NewDispatcher(DispatcherConfig{
		Channels:   []Notifier{ch},
		ChunkSleep: 100 * time.Millisecond,
	}, zerolog.Nop())
	d.sleep = func(dur time.Duration) { slept = append(slept, dur) }

	report := sampleNotifyReport("600519", "贵州茅台")
	report.Summary.AnalysisSummary = strings.Repeat("结论", 200)
	require.NoError(t, d.DispatchSingle(context.Background(), report))

	require.Greater(t, len(ch.sent), 1)
	assert.Len(t, slept, len(ch.sent)-1)
	assert.Equal(t, 100*time.Millisecond, slept[0])
}

func TestDispatchReportsFailureCount(t *testing.T) {
	good := &fakeChannel{name: "wechat", limit: 4096}
	bad := &fakeChannel{name: "telegram", limit: 4096, fail: true}
	d := NewDispatcher(DispatcherConfig{Channels: []Notifier{good, bad}}, zerolog.Nop())

	err := d.DispatchSingle(context.Background(), sampleNotifyReport("600519", "贵州茅台"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2")
	assert.Len(t, good.sent, 1)
}

func TestRecipientsFollowGroups(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{
		Groups: []config.Group{
			{Stocks: []string{"600519", "hk700"}, Emails: []string{"a@x.com"}},
			{Stocks: []string{"000001"}, Emails: []string{"b@x.com"}},
		},
		DefaultTo: []string{"default@x.com"},
	}, zerolog.Nop())

	grouped := sampleNotifyReport("00700", "腾讯控股")
	assert.Equal(t, []string{"a@x.com"}, d.recipientsFor(grouped))

	ungrouped := sampleNotifyReport("601318", "中国平安")
	assert.Equal(t, []string{"default@x.com"}, d.recipientsFor(ungrouped))

	review := sampleNotifyReport("000001", "上证指数")
	review.Meta.ReportType = domain.ReportTypeMarketReview
	assert.ElementsMatch(t, []string{"a@x.com", "b@x.com", "default@x.com"}, d.recipientsFor(review))
}

func TestDispatchNoChannelsIsNoop(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{}, zerolog.Nop())
	assert.False(t, d.HasChannels())
	assert.NoError(t, d.DispatchSingle(context.Background(), sampleNotifyReport("600519", "贵州茅台")))
}
