package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/minglu/stockintel/internal/domain"
	"github.com/minglu/stockintel/internal/indicators"
	"github.com/minglu/stockintel/internal/llm"
)

// EngineVersion is stamped on every persisted report.
const EngineVersion = "2.0"

// ErrMarketClosed is returned when the calendar gate skips the run.
var ErrMarketClosed = errors.New("market closed, run skipped")

// MarketData is the fetcher surface the pipeline needs.
type MarketData interface {
	GetHistory(ctx context.Context, ticker string, days int) ([]domain.Candle, error)
	GetRealtime(ctx context.Context, ticker string) (*domain.Quote, error)
	GetName(ctx context.Context, ticker string) (string, error)
}

// NewsSearcher runs the multi-dimension news search.
type NewsSearcher interface {
	Search(ctx context.Context, ticker, name string) *domain.NewsIntel
}

// Generator is the LLM surface (the router satisfies it).
type Generator interface {
	Generate(ctx context.Context, req *llm.Request) (*llm.Response, error)
}

// Analyst produces the report text in agent mode instead of a single-shot
// prompt.
type Analyst interface {
	AnalyzeStock(ctx context.Context, bundle *domain.EvidenceBundle) (string, error)
}

// ReportStore is the persistence surface the pipeline needs.
type ReportStore interface {
	Save(report *domain.AnalysisReport) (int64, error)
	Latest(ticker string) (*domain.AnalysisReport, error)
}

// Gate decides whether a ticker's market trades right now.
type Gate interface {
	ShouldRun(ticker string, now time.Time) bool
}

// Config tunes one pipeline instance.
type Config struct {
	HistoryDays        int
	AgentMode          bool
	RealtimeIndicators bool
	SaveSnapshot       bool
	ForceRun           bool
	BiasThreshold      float64 // percent above MA5 that flags chase risk
	Timeout            time.Duration
	Assemble           AssembleOptions
}

// Pipeline orchestrates one ticker's analysis run.
type Pipeline struct {
	cfg     Config
	gate    Gate
	market  MarketData
	news    NewsSearcher
	gen     Generator
	analyst Analyst // optional, used when cfg.AgentMode
	reports ReportStore
	now     func() time.Time
	log     zerolog.Logger
}

// New creates a pipeline. analyst may be nil when agent mode is off.
func New(cfg Config, gate Gate, market MarketData, newsSvc NewsSearcher,
	gen Generator, analyst Analyst, reports ReportStore, log zerolog.Logger) *Pipeline {
	if cfg.HistoryDays <= 0 {
		cfg.HistoryDays = 120
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if cfg.BiasThreshold <= 0 {
		cfg.BiasThreshold = 5
	}
	return &Pipeline{
		cfg:     cfg,
		gate:    gate,
		market:  market,
		news:    newsSvc,
		gen:     gen,
		analyst: analyst,
		reports: reports,
		now:     time.Now,
		log:     log.With().Str("component", "pipeline").Logger(),
	}
}

// Run analyzes one ticker and persists the report. progress may be nil.
func (p *Pipeline) Run(ctx context.Context, ticker, reportType, queryID string,
	progress func(pct float64, msg string)) (*domain.AnalysisReport, int64, error) {

	if progress == nil {
		progress = func(float64, string) {}
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	code := domain.CanonicalTicker(ticker)
	log := p.log.With().Str("stock_code", code).Str("query_id", queryID).Logger()

	if !p.cfg.ForceRun && p.gate != nil && !p.gate.ShouldRun(code, p.now()) {
		log.Info().Msg("market closed, skipping")
		return nil, 0, fmt.Errorf("%s: %w", code, ErrMarketClosed)
	}

	progress(0.1, "fetching evidence")
	evidence, err := p.collect(ctx, code)
	if err != nil {
		return nil, 0, err
	}

	progress(0.4, "computing indicators")
	var technicals *domain.TechnicalSnapshot
	technicals, err = indicators.Compute(evidence.candles, evidence.quote, indicators.Options{
		RealtimeEnabled: p.cfg.RealtimeIndicators,
		Now:             p.now(),
	})
	if err != nil {
		// Degraded: short history produces no indicators, not no report.
		log.Warn().Err(err).Msg("indicator computation skipped")
		technicals = nil
	}
	if technicals != nil {
		technicals.ChaseRisk = !indicators.BiasAcceptable(technicals, p.cfg.BiasThreshold)
	}

	bundle := BuildBundle(code, evidence.name, evidence.candles, evidence.quote,
		technicals, evidence.intel, p.previousHint(code), p.cfg.Assemble)

	progress(0.6, "generating report")
	rawText, err := p.generate(ctx, bundle)
	if err != nil {
		return nil, 0, fmt.Errorf("generation failed for %s: %w", code, err)
	}

	parsed, err := ParseReport(rawText)
	if err != nil {
		return nil, 0, fmt.Errorf("unparseable report for %s: %w", code, err)
	}

	// Backfill: the model often knows the proper name when sources only
	// returned a placeholder.
	name := evidence.name
	if parsed.StockName != "" && (name == "" || name == placeholderName(code)) {
		name = parsed.StockName
	}

	report := &domain.AnalysisReport{
		Meta: domain.ReportMeta{
			QueryID:       queryID,
			Ticker:        code,
			Name:          name,
			CreatedAt:     p.now().UTC(),
			ReportType:    reportType,
			EngineVersion: EngineVersion,
		},
		Summary: domain.ReportSummary{
			SentimentScore:  int(parsed.SentimentScore),
			AnalysisSummary: parsed.AnalysisSummary,
			OperationAdvice: parsed.OperationAdvice,
			TrendPrediction: parsed.TrendPrediction,
			RiskAlerts:      parsed.RiskAlerts,
		},
		Strategy:  parsed.strategy(),
		RawResult: rawText,
	}
	if evidence.quote != nil {
		report.Meta.CurrentPrice = evidence.quote.Price
		report.Meta.ChangePct = evidence.quote.ChangePct
	}
	report.Summary.RiskAlerts = append(report.Summary.RiskAlerts,
		strategyPriceAlerts(report.Strategy, report.Meta.CurrentPrice)...)
	if p.cfg.SaveSnapshot {
		report.ContextSnapshot = SnapshotJSON(bundle)
	}
	if evidence.intel != nil {
		report.News = evidence.intel.Items
	}

	progress(0.9, "persisting")
	recordID, err := p.reports.Save(report)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to persist report for %s: %w", code, err)
	}
	report.Meta.ID = recordID

	progress(1, "completed")
	log.Info().Int64("record_id", recordID).Int("sentiment", report.Summary.SentimentScore).Msg("analysis completed")
	return report, recordID, nil
}

type evidenceSet struct {
	candles []domain.Candle
	quote   *domain.Quote
	name    string
	intel   *domain.NewsIntel
}

// collect runs the evidence fan-out. History failure is fatal; a missing
// quote falls back to the last close; news degrades silently.
func (p *Pipeline) collect(ctx context.Context, code string) (*evidenceSet, error) {
	evidence := &evidenceSet{}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		candles, err := p.market.GetHistory(gctx, code, p.cfg.HistoryDays)
		if err != nil {
			return fmt.Errorf("history unavailable for %s: %w", code, err)
		}
		evidence.candles = candles
		return nil
	})

	var quoteErr error
	g.Go(func() error {
		quote, err := p.market.GetRealtime(gctx, code)
		if err != nil {
			quoteErr = err
			return nil
		}
		evidence.quote = quote
		return nil
	})

	g.Go(func() error {
		name, err := p.market.GetName(gctx, code)
		if err != nil || name == "" {
			name = placeholderName(code)
		}
		evidence.name = name
		if p.news != nil {
			evidence.intel = p.news.Search(gctx, code, name)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	if evidence.quote == nil && len(evidence.candles) > 0 {
		last := evidence.candles[len(evidence.candles)-1]
		evidence.quote = &domain.Quote{
			Ticker:    code,
			Price:     last.Close,
			Timestamp: last.Date,
			SourceID:  "history",
		}
		if quoteErr != nil {
			p.log.Warn().Str("stock_code", code).Err(quoteErr).Msg("realtime quote unavailable, using last close")
		}
	}
	return evidence, nil
}

func (p *Pipeline) generate(ctx context.Context, bundle *domain.EvidenceBundle) (string, error) {
	if p.cfg.AgentMode && p.analyst != nil {
		return p.analyst.AnalyzeStock(ctx, bundle)
	}

	resp, err := p.gen.Generate(ctx, &llm.Request{
		System:   systemPrompt,
		JSONMode: true,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: RenderContext(bundle)}},
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// previousHint summarizes the last stored report so the model sees its own
// prior stance.
func (p *Pipeline) previousHint(code string) string {
	if p.reports == nil {
		return ""
	}
	prev, err := p.reports.Latest(code)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%s 建议「%s」(情绪分 %d)：%s",
		prev.Meta.CreatedAt.Format("2006-01-02"),
		prev.Summary.OperationAdvice,
		prev.Summary.SentimentScore,
		prev.Summary.TrendPrediction)
}

// strategyPriceAlerts flags stop-loss/take-profit levels that contradict
// the current price (expected ordering: stop_loss < price < take_profit).
// The levels are kept as the model gave them; the contradiction is surfaced
// as a risk alert.
func strategyPriceAlerts(s domain.ReportStrategy, price float64) []string {
	if price <= 0 {
		return nil
	}
	var alerts []string
	if s.StopLoss != nil && *s.StopLoss >= price {
		alerts = append(alerts, fmt.Sprintf("策略价格异常: 止损位 %.3f 不低于现价 %.3f", *s.StopLoss, price))
	}
	if s.TakeProfit != nil && *s.TakeProfit <= price {
		alerts = append(alerts, fmt.Sprintf("策略价格异常: 止盈位 %.3f 不高于现价 %.3f", *s.TakeProfit, price))
	}
	return alerts
}

func placeholderName(code string) string {
	return "股票" + code
}
