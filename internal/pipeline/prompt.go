package pipeline

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/minglu/stockintel/internal/domain"
)

// systemPrompt instructs the model to return the structured report JSON.
const systemPrompt = `你是一名专业的股票分析师。根据提供的行情、技术指标和资讯，输出一份简洁的分析报告。

必须只输出一个 JSON 对象，不要输出任何其他文字，字段如下：
{
  "stock_name": "股票名称",
  "sentiment_score": 0到100的整数，越高越乐观,
  "analysis_summary": "核心分析结论，2-4句",
  "operation_advice": "操作建议（如 买入/持有/观望/减仓）及理由",
  "trend_prediction": "短期趋势预判",
  "risk_alerts": ["风险提示1", "风险提示2"],
  "ideal_buy": 理想买入价或null,
  "secondary_buy": 次级买入价或null,
  "stop_loss": 止损价或null,
  "take_profit": 止盈价或null
}

价格字段不确定时填 null，不要编造。`

// rawReport is the tolerant decode target: numbers may arrive as strings,
// risk_alerts may be a string instead of an array.
type rawReport struct {
	StockName       string      `json:"stock_name"`
	SentimentScore  flexInt     `json:"sentiment_score"`
	AnalysisSummary string      `json:"analysis_summary"`
	OperationAdvice string      `json:"operation_advice"`
	TrendPrediction string      `json:"trend_prediction"`
	RiskAlerts      flexStrings `json:"risk_alerts"`
	IdealBuy        *flexFloat  `json:"ideal_buy"`
	SecondaryBuy    *flexFloat  `json:"secondary_buy"`
	StopLoss        *flexFloat  `json:"stop_loss"`
	TakeProfit      *flexFloat  `json:"take_profit"`
}

// ParseReport extracts the structured report from a model response,
// repairing common defects (code fences, leading prose) before giving up.
func ParseReport(raw string) (*rawReport, error) {
	candidate := extractJSON(raw)
	if candidate == "" {
		return nil, fmt.Errorf("%w: no JSON object in response", domain.ErrInvalidResponse)
	}

	var report rawReport
	if err := json.Unmarshal([]byte(candidate), &report); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidResponse, err)
	}
	if report.AnalysisSummary == "" && report.OperationAdvice == "" {
		return nil, fmt.Errorf("%w: report body empty", domain.ErrInvalidResponse)
	}
	return &report, nil
}

// extractJSON strips markdown fences and surrounding prose, returning the
// outermost {...} span.
func extractJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if start := strings.Index(s, "```"); start >= 0 {
		s = s[start+3:]
		s = strings.TrimPrefix(s, "json")
		if end := strings.Index(s, "```"); end >= 0 {
			s = s[:end]
		}
	}
	first := strings.Index(s, "{")
	last := strings.LastIndex(s, "}")
	if first < 0 || last <= first {
		return ""
	}
	return s[first : last+1]
}

// flexInt decodes an integer that may be quoted or fractional.
type flexInt int

func (f *flexInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	value, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid integer %q", s)
	}
	*f = flexInt(int(value))
	return nil
}

// flexFloat decodes a float that may be quoted.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "" || s == "null" {
		return fmt.Errorf("null float")
	}
	value, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid number %q", s)
	}
	*f = flexFloat(value)
	return nil
}

// flexStrings decodes ["a","b"], "a", or null.
type flexStrings []string

func (f *flexStrings) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" || trimmed == "" {
		*f = nil
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*f = list
		return nil
	}
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		if single != "" {
			*f = []string{single}
		}
		return nil
	}
	return fmt.Errorf("invalid string list: %s", trimmed)
}

func (r *rawReport) strategy() domain.ReportStrategy {
	return domain.ReportStrategy{
		IdealBuy:     floatValue(r.IdealBuy),
		SecondaryBuy: floatValue(r.SecondaryBuy),
		StopLoss:     floatValue(r.StopLoss),
		TakeProfit:   floatValue(r.TakeProfit),
	}
}

func floatValue(f *flexFloat) *float64 {
	if f == nil {
		return nil
	}
	v := float64(*f)
	return &v
}
