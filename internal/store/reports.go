package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/minglu/stockintel/internal/database"
	"github.com/minglu/stockintel/internal/domain"
)

// ReportRepository persists analysis reports and their news evidence.
type ReportRepository struct {
	db *sql.DB
}

// NewReportRepository creates the repository.
func NewReportRepository(db *sql.DB) *ReportRepository {
	return &ReportRepository{db: db}
}

// HistoryFilter narrows a history listing. Zero values mean "no filter".
type HistoryFilter struct {
	Ticker string
	Days   int
	Limit  int
	Offset int
}

// Save writes the report and its news items in one transaction and returns
// the new record id.
func (r *ReportRepository) Save(report *domain.AnalysisReport) (int64, error) {
	var recordID int64

	err := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		riskAlerts, err := json.Marshal(report.Summary.RiskAlerts)
		if err != nil {
			return fmt.Errorf("failed to encode risk alerts: %w", err)
		}

		result, err := tx.Exec(`
			INSERT INTO analysis_history (
				query_id, stock_code, stock_name, current_price, change_pct,
				sentiment_score, analysis_summary, operation_advice,
				trend_prediction, risk_alerts,
				ideal_buy, secondary_buy, stop_loss, take_profit,
				raw_result, context_snapshot, report_type, engine_version, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			report.Meta.QueryID, report.Meta.Ticker, report.Meta.Name,
			report.Meta.CurrentPrice, report.Meta.ChangePct,
			report.Summary.SentimentScore, report.Summary.AnalysisSummary,
			report.Summary.OperationAdvice, report.Summary.TrendPrediction,
			string(riskAlerts),
			report.Strategy.IdealBuy, report.Strategy.SecondaryBuy,
			report.Strategy.StopLoss, report.Strategy.TakeProfit,
			report.RawResult, report.ContextSnapshot,
			report.Meta.ReportType, report.Meta.EngineVersion,
			reportCreatedAt(report),
		)
		if err != nil {
			return fmt.Errorf("failed to insert report: %w", err)
		}

		recordID, err = result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get record id: %w", err)
		}

		for _, item := range report.News {
			var publishedAt interface{}
			if !item.PublishedAt.IsZero() {
				publishedAt = item.PublishedAt
			}
			if _, err := tx.Exec(`
				INSERT INTO news_intel (
					record_id, stock_code, title, snippet, url,
					source, dimension, published_at, fingerprint, relevance
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				recordID, report.Meta.Ticker, item.Title, item.Snippet, item.URL,
				item.Source, item.Dimension, publishedAt, item.Fingerprint, item.Relevance,
			); err != nil {
				return fmt.Errorf("failed to insert news item: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return recordID, nil
}

func reportCreatedAt(report *domain.AnalysisReport) time.Time {
	if report.Meta.CreatedAt.IsZero() {
		return time.Now().UTC()
	}
	return report.Meta.CreatedAt
}

// GetByID loads one report including its news evidence.
func (r *ReportRepository) GetByID(id int64) (*domain.AnalysisReport, error) {
	row := r.db.QueryRow(selectReportColumns+" FROM analysis_history WHERE id = ?", id)
	report, err := scanReport(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("report %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load report %d: %w", id, err)
	}

	news, err := r.newsForRecord(id)
	if err != nil {
		return nil, err
	}
	report.News = news
	return report, nil
}

// Latest returns the most recent report for a ticker, or ErrNotFound.
func (r *ReportRepository) Latest(ticker string) (*domain.AnalysisReport, error) {
	row := r.db.QueryRow(selectReportColumns+`
		FROM analysis_history WHERE stock_code = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`, ticker)
	report, err := scanReport(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no reports for %s: %w", ticker, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest report for %s: %w", ticker, err)
	}
	return report, nil
}

// List returns reports matching the filter, newest first, without news
// evidence.
func (r *ReportRepository) List(filter HistoryFilter) ([]*domain.AnalysisReport, error) {
	query := selectReportColumns + " FROM analysis_history WHERE 1=1"
	var args []interface{}

	if filter.Ticker != "" {
		query += " AND stock_code = ?"
		args = append(args, filter.Ticker)
	}
	if filter.Days > 0 {
		query += " AND created_at >= ?"
		args = append(args, time.Now().UTC().AddDate(0, 0, -filter.Days))
	}
	query += " ORDER BY created_at DESC, id DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " LIMIT ?"
	args = append(args, limit)
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	defer rows.Close()

	var reports []*domain.AnalysisReport
	for rows.Next() {
		report, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		reports = append(reports, report)
	}
	return reports, rows.Err()
}

// NewsForRecord returns the persisted evidence for one report.
func (r *ReportRepository) NewsForRecord(recordID int64) ([]domain.NewsItem, error) {
	return r.newsForRecord(recordID)
}

func (r *ReportRepository) newsForRecord(recordID int64) ([]domain.NewsItem, error) {
	rows, err := r.db.Query(`
		SELECT title, snippet, url, source, dimension, published_at, fingerprint, relevance
		FROM news_intel WHERE record_id = ? ORDER BY relevance DESC, id`, recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to load news for record %d: %w", recordID, err)
	}
	defer rows.Close()

	var items []domain.NewsItem
	for rows.Next() {
		var item domain.NewsItem
		var publishedAt sql.NullTime
		if err := rows.Scan(&item.Title, &item.Snippet, &item.URL, &item.Source,
			&item.Dimension, &publishedAt, &item.Fingerprint, &item.Relevance); err != nil {
			return nil, fmt.Errorf("failed to scan news item: %w", err)
		}
		if publishedAt.Valid {
			item.PublishedAt = publishedAt.Time
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// DeleteOlderThan removes reports past the retention window; news evidence
// follows via the foreign key cascade.
func (r *ReportRepository) DeleteOlderThan(cutoff time.Time) (int64, error) {
	result, err := r.db.Exec("DELETE FROM analysis_history WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune reports: %w", err)
	}
	return result.RowsAffected()
}

const selectReportColumns = `
	SELECT id, query_id, stock_code, stock_name, current_price, change_pct,
		sentiment_score, analysis_summary, operation_advice, trend_prediction,
		risk_alerts, ideal_buy, secondary_buy, stop_loss, take_profit,
		raw_result, context_snapshot, report_type, engine_version, created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanReport(row rowScanner) (*domain.AnalysisReport, error) {
	var report domain.AnalysisReport
	var riskAlerts string
	var idealBuy, secondaryBuy, stopLoss, takeProfit sql.NullFloat64

	err := row.Scan(
		&report.Meta.ID, &report.Meta.QueryID, &report.Meta.Ticker, &report.Meta.Name,
		&report.Meta.CurrentPrice, &report.Meta.ChangePct,
		&report.Summary.SentimentScore, &report.Summary.AnalysisSummary,
		&report.Summary.OperationAdvice, &report.Summary.TrendPrediction,
		&riskAlerts, &idealBuy, &secondaryBuy, &stopLoss, &takeProfit,
		&report.RawResult, &report.ContextSnapshot,
		&report.Meta.ReportType, &report.Meta.EngineVersion, &report.Meta.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if riskAlerts != "" {
		// Tolerate hand-edited rows; a bad array just yields no alerts.
		_ = json.Unmarshal([]byte(riskAlerts), &report.Summary.RiskAlerts)
	}
	report.Strategy.IdealBuy = nullableFloat(idealBuy)
	report.Strategy.SecondaryBuy = nullableFloat(secondaryBuy)
	report.Strategy.StopLoss = nullableFloat(stopLoss)
	report.Strategy.TakeProfit = nullableFloat(takeProfit)
	return &report, nil
}

func nullableFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	value := v.Float64
	return &value
}
