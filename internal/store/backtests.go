package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/minglu/stockintel/internal/domain"
)

// BacktestRepository persists backtest results.
type BacktestRepository struct {
	db *sql.DB
}

// NewBacktestRepository creates the repository.
func NewBacktestRepository(db *sql.DB) *BacktestRepository {
	return &BacktestRepository{db: db}
}

// Save stores a result and returns its id.
func (r *BacktestRepository) Save(result *domain.BacktestResult) (int64, error) {
	params := result.Params
	if params == "" {
		params = "{}"
	}
	createdAt := result.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	res, err := r.db.Exec(`
		INSERT INTO backtest_results (
			stock_code, strategy_name, start_date, end_date,
			total_return, annualized_return, max_drawdown, win_rate,
			trade_count, engine_version, params, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.Ticker, result.StrategyName, result.StartDate, result.EndDate,
		result.TotalReturn, result.AnnualizedReturn, result.MaxDrawdown, result.WinRate,
		result.TradeCount, result.EngineVersion, params, createdAt,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to save backtest result: %w", err)
	}
	return res.LastInsertId()
}

// ListByTicker returns a ticker's results, newest first.
func (r *BacktestRepository) ListByTicker(ticker string, limit int) ([]domain.BacktestResult, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.Query(`
		SELECT id, stock_code, strategy_name, start_date, end_date,
			total_return, annualized_return, max_drawdown, win_rate,
			trade_count, engine_version, params, created_at
		FROM backtest_results WHERE stock_code = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, ticker, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list backtests for %s: %w", ticker, err)
	}
	defer rows.Close()

	var results []domain.BacktestResult
	for rows.Next() {
		var result domain.BacktestResult
		if err := rows.Scan(&result.ID, &result.Ticker, &result.StrategyName,
			&result.StartDate, &result.EndDate, &result.TotalReturn,
			&result.AnnualizedReturn, &result.MaxDrawdown, &result.WinRate,
			&result.TradeCount, &result.EngineVersion, &result.Params,
			&result.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan backtest result: %w", err)
		}
		results = append(results, result)
	}
	return results, rows.Err()
}
