package store

import (
	"fmt"

	"github.com/minglu/stockintel/internal/database"
)

// Store bundles the repositories over one reports database.
type Store struct {
	DB            *database.DB
	Reports       *ReportRepository
	Conversations *ConversationRepository
	Auth          *AuthRepository
	Backtests     *BacktestRepository
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := database.New(database.Config{
		Path:    path,
		Profile: database.ProfileStandard,
		Name:    "reports",
	})
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate reports database: %w", err)
	}

	conn := db.Conn()
	return &Store{
		DB:            db,
		Reports:       NewReportRepository(conn),
		Conversations: NewConversationRepository(conn),
		Auth:          NewAuthRepository(conn),
		Backtests:     NewBacktestRepository(conn),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.DB.Close()
}
