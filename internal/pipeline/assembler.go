// Package pipeline runs one ticker end to end: gate, evidence fan-out,
// indicators, prompt assembly, model call, parse, persist.
package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/minglu/stockintel/internal/domain"
)

// Evidence budgets. Oversize fields are trimmed and recorded in
// Bundle.Truncated so the report notes what the model did not see.
const (
	defaultMaxCandles    = 60
	defaultMaxNewsItems  = 10
	defaultMaxSnippetLen = 200
)

// AssembleOptions tunes the evidence budgets. Zero values use defaults.
type AssembleOptions struct {
	MaxCandles    int
	MaxNewsItems  int
	MaxSnippetLen int
}

func (o AssembleOptions) withDefaults() AssembleOptions {
	if o.MaxCandles <= 0 {
		o.MaxCandles = defaultMaxCandles
	}
	if o.MaxNewsItems <= 0 {
		o.MaxNewsItems = defaultMaxNewsItems
	}
	if o.MaxSnippetLen <= 0 {
		o.MaxSnippetLen = defaultMaxSnippetLen
	}
	return o
}

// BuildBundle assembles the evidence for one run, applying the budgets.
func BuildBundle(ticker, name string, candles []domain.Candle, quote *domain.Quote,
	technicals *domain.TechnicalSnapshot, intel *domain.NewsIntel, previousHint string,
	opts AssembleOptions) *domain.EvidenceBundle {

	opts = opts.withDefaults()
	bundle := &domain.EvidenceBundle{
		Ticker:       ticker,
		Name:         name,
		Market:       domain.InferMarket(ticker),
		Quote:        quote,
		Technicals:   technicals,
		PreviousHint: previousHint,
		AssembledAt:  time.Now().UTC(),
	}

	if len(candles) > opts.MaxCandles {
		bundle.Candles = candles[len(candles)-opts.MaxCandles:]
		bundle.Truncated = append(bundle.Truncated, "candles")
	} else {
		bundle.Candles = candles
	}

	if intel != nil {
		trimmed := *intel
		if len(trimmed.Items) > opts.MaxNewsItems {
			trimmed.Items = trimmed.Items[:opts.MaxNewsItems]
			bundle.Truncated = append(bundle.Truncated, "news")
		}
		snippetCut := false
		items := make([]domain.NewsItem, len(trimmed.Items))
		for i, item := range trimmed.Items {
			if cut := truncateRunes(item.Snippet, opts.MaxSnippetLen); cut != item.Snippet {
				item.Snippet = cut
				snippetCut = true
			}
			items[i] = item
		}
		trimmed.Items = items
		if snippetCut {
			bundle.Truncated = append(bundle.Truncated, "news.snippet")
		}
		bundle.News = &trimmed
	}

	return bundle
}

// RenderContext turns the bundle into the user prompt text.
func RenderContext(b *domain.EvidenceBundle) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "## 股票信息\n代码: %s\n名称: %s\n市场: %s\n\n", b.Ticker, b.Name, marketLabel(b.Market))

	if b.Quote != nil {
		fmt.Fprintf(&sb, "## 实时行情\n现价: %.3f\n涨跌幅: %.2f%%\n行情时间: %s\n数据源: %s\n\n",
			b.Quote.Price, b.Quote.ChangePct, b.Quote.Timestamp.Format("2006-01-02 15:04"), b.Quote.SourceID)
	}

	if b.Technicals != nil {
		t := b.Technicals
		fmt.Fprintf(&sb, "## 技术指标\nMA5: %.3f  MA10: %.3f  MA20: %.3f\nMACD: %.4f (DIF %.4f / DEA %.4f)\nRSI14: %.2f\n乖离率: %.2f%%\n多头排列: %s\n趋势强度: %.0f/100\n",
			t.MA5, t.MA10, t.MA20, t.MACDHist, t.MACD, t.MACDSignal, t.RSI14, t.BiasPct, yesNo(t.BullishAlignment), t.TrendStrength)
		if t.VolumeDesc != "" {
			fmt.Fprintf(&sb, "量能: %s (量比 %.2f)\n", t.VolumeDesc, t.VolumeRatio)
		}
		if t.ChaseRisk {
			sb.WriteString("注: 现价偏离5日均线过大，存在追高风险\n")
		}
		if t.Intraday {
			sb.WriteString("注: 指标包含当日盘中虚拟K线\n")
		}
		sb.WriteString("\n")
	}

	if len(b.Candles) > 0 {
		sb.WriteString("## 近期日K线 (日期, 开, 高, 低, 收, 量)\n")
		for _, c := range b.Candles {
			fmt.Fprintf(&sb, "%s, %.3f, %.3f, %.3f, %.3f, %.0f\n",
				c.Date.Format("2006-01-02"), c.Open, c.High, c.Low, c.Close, c.Volume)
		}
		sb.WriteString("\n")
	}

	if b.News != nil && len(b.News.Items) > 0 {
		sb.WriteString("## 相关资讯\n")
		for i, item := range b.News.Items {
			date := "未知日期"
			if !item.PublishedAt.IsZero() {
				date = item.PublishedAt.Format("2006-01-02")
			}
			fmt.Fprintf(&sb, "%d. [%s][%s] %s: %s\n", i+1, date, item.Dimension, item.Title, item.Snippet)
		}
		sb.WriteString("\n")
	} else if b.News != nil && b.News.SearchFallback {
		sb.WriteString("## 相关资讯\n资讯检索暂不可用，请基于行情与技术面分析。\n\n")
	}

	if b.PreviousHint != "" {
		fmt.Fprintf(&sb, "## 上次分析\n%s\n\n", b.PreviousHint)
	}

	if len(b.Truncated) > 0 {
		fmt.Fprintf(&sb, "(因篇幅限制已截断: %s)\n", strings.Join(b.Truncated, ", "))
	}

	return sb.String()
}

func marketLabel(m domain.Market) string {
	switch m {
	case domain.MarketCN:
		return "A股"
	case domain.MarketHK:
		return "港股"
	case domain.MarketUS:
		return "美股"
	default:
		return "未知"
	}
}

func yesNo(v bool) string {
	if v {
		return "是"
	}
	return "否"
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}

// SnapshotJSON serializes the bundle for the context_snapshot column.
func SnapshotJSON(b *domain.EvidenceBundle) string {
	data, err := json.Marshal(b)
	if err != nil {
		return ""
	}
	return string(data)
}
