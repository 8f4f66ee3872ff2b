// Package store persists analysis reports, news evidence, agent
// conversations, auth settings and backtest results.
package store

import (
	"fmt"

	"github.com/minglu/stockintel/internal/database"
)

// schemas lists the DDL applied at startup. Statements are idempotent so a
// restart against an existing database is a no-op.
var schemas = []string{
	`CREATE TABLE IF NOT EXISTS analysis_history (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		query_id         TEXT NOT NULL DEFAULT '',
		stock_code       TEXT NOT NULL,
		stock_name       TEXT NOT NULL DEFAULT '',
		current_price    REAL NOT NULL DEFAULT 0,
		change_pct       REAL NOT NULL DEFAULT 0,
		sentiment_score  INTEGER NOT NULL DEFAULT 0,
		analysis_summary TEXT NOT NULL DEFAULT '',
		operation_advice TEXT NOT NULL DEFAULT '',
		trend_prediction TEXT NOT NULL DEFAULT '',
		risk_alerts      TEXT NOT NULL DEFAULT '[]',
		ideal_buy        REAL,
		secondary_buy    REAL,
		stop_loss        REAL,
		take_profit      REAL,
		raw_result       TEXT NOT NULL DEFAULT '',
		context_snapshot TEXT NOT NULL DEFAULT '',
		report_type      TEXT NOT NULL DEFAULT 'manual',
		engine_version   TEXT NOT NULL DEFAULT '',
		created_at       TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_history_code_created
		ON analysis_history(stock_code, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_history_query
		ON analysis_history(query_id)`,

	`CREATE TABLE IF NOT EXISTS news_intel (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		record_id    INTEGER NOT NULL REFERENCES analysis_history(id) ON DELETE CASCADE,
		stock_code   TEXT NOT NULL,
		title        TEXT NOT NULL,
		snippet      TEXT NOT NULL DEFAULT '',
		url          TEXT NOT NULL DEFAULT '',
		source       TEXT NOT NULL DEFAULT '',
		dimension    TEXT NOT NULL DEFAULT '',
		published_at TIMESTAMP,
		fingerprint  TEXT NOT NULL,
		relevance    REAL NOT NULL DEFAULT 0,
		created_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_news_record
		ON news_intel(record_id)`,

	`CREATE TABLE IF NOT EXISTS conversation_messages (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id     TEXT NOT NULL,
		role           TEXT NOT NULL,
		content        TEXT NOT NULL DEFAULT '',
		tool_calls     TEXT NOT NULL DEFAULT '',
		reasoning_blob TEXT NOT NULL DEFAULT '',
		created_at     TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conversation_session
		ON conversation_messages(session_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS auth_config (
		id            INTEGER PRIMARY KEY CHECK (id = 1),
		password_hash TEXT NOT NULL,
		salt          TEXT NOT NULL,
		updated_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS backtest_results (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		stock_code        TEXT NOT NULL,
		strategy_name     TEXT NOT NULL,
		start_date        TEXT NOT NULL,
		end_date          TEXT NOT NULL,
		total_return      REAL NOT NULL DEFAULT 0,
		annualized_return REAL NOT NULL DEFAULT 0,
		max_drawdown      REAL NOT NULL DEFAULT 0,
		win_rate          REAL NOT NULL DEFAULT 0,
		trade_count       INTEGER NOT NULL DEFAULT 0,
		engine_version    TEXT NOT NULL DEFAULT '',
		params            TEXT NOT NULL DEFAULT '{}',
		created_at        TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_backtest_code
		ON backtest_results(stock_code, created_at DESC)`,
}

// Migrate applies the schema to the database.
func Migrate(db *database.DB) error {
	for _, stmt := range schemas {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
