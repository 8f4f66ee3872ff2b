package backtest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/minglu/stockintel/internal/domain"
)

// defaultLookbackDays bounds the candle window when the request names none.
const defaultLookbackDays = 365

// MarketData is the fetcher surface the service needs.
type MarketData interface {
	GetHistory(ctx context.Context, ticker string, days int) ([]domain.Candle, error)
}

// Store persists backtest results.
type Store interface {
	Save(result *domain.BacktestResult) (int64, error)
	ListByTicker(ticker string, limit int) ([]domain.BacktestResult, error)
}

// Service runs backtests over fetched history and stores the outcome.
type Service struct {
	market MarketData
	store  Store
	now    func() time.Time
	log    zerolog.Logger
}

// NewService creates a backtest service.
func NewService(market MarketData, store Store, log zerolog.Logger) *Service {
	return &Service{
		market: market,
		store:  store,
		now:    time.Now,
		log:    log.With().Str("component", "backtest").Logger(),
	}
}

// Run fetches up to days of history for the ticker, simulates the strategy
// and persists the result.
func (s *Service) Run(ctx context.Context, ticker, strategy string, days int, params Params) (*domain.BacktestResult, error) {
	if strategy == "" {
		strategy = StrategyMACross
	}
	if days <= 0 {
		days = defaultLookbackDays
	}

	candles, err := s.market.GetHistory(ctx, ticker, days)
	if err != nil {
		return nil, fmt.Errorf("history unavailable for %s: %w", ticker, err)
	}

	metrics, err := Run(strategy, candles, params)
	if err != nil {
		return nil, err
	}

	paramsJSON, err := json.Marshal(params.withDefaults())
	if err != nil {
		return nil, fmt.Errorf("failed to encode params: %w", err)
	}

	result := &domain.BacktestResult{
		Ticker:           ticker,
		StrategyName:     strategy,
		StartDate:        metrics.StartDate,
		EndDate:          metrics.EndDate,
		TotalReturn:      metrics.TotalReturn,
		AnnualizedReturn: metrics.AnnualizedReturn,
		MaxDrawdown:      metrics.MaxDrawdown,
		WinRate:          metrics.WinRate,
		TradeCount:       metrics.TradeCount,
		EngineVersion:    EngineVersion,
		Params:           string(paramsJSON),
		CreatedAt:        s.now().UTC(),
	}

	id, err := s.store.Save(result)
	if err != nil {
		return nil, fmt.Errorf("failed to persist backtest for %s: %w", ticker, err)
	}
	result.ID = id

	s.log.Info().Str("stock_code", ticker).Str("strategy", strategy).
		Int("trades", result.TradeCount).Float64("total_return", result.TotalReturn).
		Msg("backtest completed")
	return result, nil
}

// List returns the ticker's stored results, newest first.
func (s *Service) List(ticker string, limit int) ([]domain.BacktestResult, error) {
	return s.store.ListByTicker(ticker, limit)
}
