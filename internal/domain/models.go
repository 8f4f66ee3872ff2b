// Package domain defines the shared data model: tickers, candles, quotes,
// technical snapshots, news, evidence bundles, and analysis reports.
package domain

import "time"

// Candle is one daily OHLCV bar. Amount is the traded value in currency
// units; zero when the source does not report it.
type Candle struct {
	Date   time.Time `json:"date"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
	Amount float64   `json:"amount,omitempty"`
}

// Quote is a realtime price snapshot from one source.
type Quote struct {
	Ticker    string    `json:"ticker"`
	Name      string    `json:"name,omitempty"`
	Price     float64   `json:"price"`
	ChangePct float64   `json:"change_pct"`
	Volume    float64   `json:"volume,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	SourceID  string    `json:"source_id"`
}

// TechnicalSnapshot holds the derived indicators for the latest bar.
type TechnicalSnapshot struct {
	MA5              float64 `json:"ma5"`
	MA10             float64 `json:"ma10"`
	MA20             float64 `json:"ma20"`
	MACD             float64 `json:"macd"`
	MACDSignal       float64 `json:"macd_signal"`
	MACDHist         float64 `json:"macd_hist"`
	RSI14            float64 `json:"rsi14"`
	BiasPct          float64 `json:"bias_pct"`
	BullishAlignment bool    `json:"bullish_alignment"`
	TrendStrength    float64 `json:"trend_strength"`
	VolumeRatio      float64 `json:"volume_ratio,omitempty"`
	VolumeDesc       string  `json:"volume_desc,omitempty"`
	ChaseRisk        bool    `json:"chase_risk,omitempty"` // price stretched too far above MA5
	Intraday         bool    `json:"intraday"`             // true when a virtual candle was injected
}

// SectorRank is one industry board row from the sector rankings.
type SectorRank struct {
	Code      string  `json:"code"`
	Name      string  `json:"name"`
	ChangePct float64 `json:"change_pct"`
	Turnover  float64 `json:"turnover,omitempty"`
}

// NewsItem is one ranked search hit.
type NewsItem struct {
	Title       string    `json:"title"`
	Snippet     string    `json:"snippet"`
	URL         string    `json:"url"`
	PublishedAt time.Time `json:"published_at,omitempty"`
	Source      string    `json:"source"`
	Dimension   string    `json:"dimension,omitempty"`
	Fingerprint string    `json:"fingerprint"`
	Relevance   float64   `json:"relevance"`
}

// NewsIntel is the merged, deduplicated result of a multi-dimension search.
type NewsIntel struct {
	Ticker         string     `json:"ticker"`
	Items          []NewsItem `json:"items"`
	SearchFallback bool       `json:"search_fallback"` // true when every provider failed
	FetchedAt      time.Time  `json:"fetched_at"`
}

// EvidenceBundle is the assembled input handed to the model for one run.
type EvidenceBundle struct {
	Ticker        string             `json:"ticker"`
	Name          string             `json:"name"`
	Market        Market             `json:"market"`
	Quote         *Quote             `json:"quote,omitempty"`
	Candles       []Candle           `json:"candles"`
	Technicals    *TechnicalSnapshot `json:"technicals,omitempty"`
	News          *NewsIntel         `json:"news,omitempty"`
	PreviousHint  string             `json:"previous_hint,omitempty"`
	Truncated     []string           `json:"truncated,omitempty"` // field names cut to fit budget
	AssembledAt   time.Time          `json:"assembled_at"`
}

// Report types.
const (
	ReportTypeManual       = "manual"
	ReportTypeScheduled    = "scheduled"
	ReportTypeMarketReview = "market_review"
)

// ReportMeta identifies one analysis report.
type ReportMeta struct {
	ID            int64     `json:"id"`
	QueryID       string    `json:"query_id"`
	Ticker        string    `json:"stock_code"`
	Name          string    `json:"stock_name"`
	CreatedAt     time.Time `json:"created_at"`
	CurrentPrice  float64   `json:"current_price"`
	ChangePct     float64   `json:"change_pct"`
	ReportType    string    `json:"report_type"`
	EngineVersion string    `json:"engine_version"`
}

// ReportSummary is the model's decision section.
type ReportSummary struct {
	SentimentScore  int      `json:"sentiment_score"`
	AnalysisSummary string   `json:"analysis_summary"`
	OperationAdvice string   `json:"operation_advice"`
	TrendPrediction string   `json:"trend_prediction"`
	RiskAlerts      []string `json:"risk_alerts"`
}

// ReportStrategy carries the model's suggested price levels. Each field is
// optional; the model may decline to name a level.
type ReportStrategy struct {
	IdealBuy     *float64 `json:"ideal_buy,omitempty"`
	SecondaryBuy *float64 `json:"secondary_buy,omitempty"`
	StopLoss     *float64 `json:"stop_loss,omitempty"`
	TakeProfit   *float64 `json:"take_profit,omitempty"`
}

// AnalysisReport is the persisted output of one pipeline run.
type AnalysisReport struct {
	Meta            ReportMeta     `json:"meta"`
	Summary         ReportSummary  `json:"summary"`
	Strategy        ReportStrategy `json:"strategy"`
	RawResult       string         `json:"raw_result,omitempty"`
	ContextSnapshot string         `json:"context_snapshot,omitempty"`
	News            []NewsItem     `json:"news,omitempty"`
}

// TaskStatus enumerates task lifecycle states.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Terminal reports whether the status is a terminal state.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Task tracks one queued analysis submission.
type Task struct {
	TaskID      string     `json:"task_id"`
	Ticker      string     `json:"stock_code"`
	ReportType  string     `json:"report_type"`
	Status      TaskStatus `json:"status"`
	Progress    float64    `json:"progress"`
	Message     string     `json:"message,omitempty"`
	Error       string     `json:"error,omitempty"`
	RecordID    int64      `json:"record_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// BacktestResult is one stored strategy backtest. EngineVersion records
// which engine produced the numbers; old rows stay valid when the engine
// changes. Return, drawdown and win-rate fields are fractions.
type BacktestResult struct {
	ID               int64     `json:"id"`
	Ticker           string    `json:"stock_code"`
	StrategyName     string    `json:"strategy_name"`
	StartDate        string    `json:"start_date"`
	EndDate          string    `json:"end_date"`
	TotalReturn      float64   `json:"total_return"`
	AnnualizedReturn float64   `json:"annualized_return"`
	MaxDrawdown      float64   `json:"max_drawdown"`
	WinRate          float64   `json:"win_rate"`
	TradeCount       int       `json:"trade_count"`
	EngineVersion    string    `json:"engine_version"`
	Params           string    `json:"params"` // raw JSON
	CreatedAt        time.Time `json:"created_at"`
}

// ConversationTurn is one persisted message of an agent chat session.
type ConversationTurn struct {
	ID            int64     `json:"id"`
	SessionID     string    `json:"session_id"`
	Role          string    `json:"role"` // user, assistant, tool
	Content       string    `json:"content"`
	ToolCalls     string    `json:"tool_calls,omitempty"`     // raw JSON
	ReasoningBlob string    `json:"reasoning_blob,omitempty"` // provider extension, passed through opaquely
	CreatedAt     time.Time `json:"created_at"`
}
