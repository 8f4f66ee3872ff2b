package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/minglu/stockintel/internal/domain"
)

// ConversationRepository persists agent chat sessions. Failed turns are
// saved too so a session survives a model error with its context intact.
type ConversationRepository struct {
	db *sql.DB
}

// NewConversationRepository creates the repository.
func NewConversationRepository(db *sql.DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

// Append stores one turn and returns its id.
func (r *ConversationRepository) Append(turn *domain.ConversationTurn) (int64, error) {
	createdAt := turn.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	result, err := r.db.Exec(`
		INSERT INTO conversation_messages (session_id, role, content, tool_calls, reasoning_blob, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		turn.SessionID, turn.Role, turn.Content, turn.ToolCalls, turn.ReasoningBlob, createdAt,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to append conversation turn: %w", err)
	}
	return result.LastInsertId()
}

// History returns a session's turns in chronological order.
func (r *ConversationRepository) History(sessionID string, limit int) ([]domain.ConversationTurn, error) {
	query := `
		SELECT id, session_id, role, content, tool_calls, reasoning_blob, created_at
		FROM conversation_messages WHERE session_id = ?
		ORDER BY created_at, id`
	args := []interface{}{sessionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var turns []domain.ConversationTurn
	for rows.Next() {
		var turn domain.ConversationTurn
		if err := rows.Scan(&turn.ID, &turn.SessionID, &turn.Role, &turn.Content,
			&turn.ToolCalls, &turn.ReasoningBlob, &turn.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation turn: %w", err)
		}
		turns = append(turns, turn)
	}
	return turns, rows.Err()
}

// SessionSummary describes one stored session for the session listing.
type SessionSummary struct {
	SessionID    string    `json:"session_id"`
	TurnCount    int       `json:"turn_count"`
	FirstMessage string    `json:"first_message"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Sessions lists stored sessions, most recently active first.
func (r *ConversationRepository) Sessions(limit int) ([]SessionSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(`
		SELECT session_id,
			COUNT(*) AS turns,
			MAX(created_at) AS updated_at,
			(SELECT content FROM conversation_messages m2
				WHERE m2.session_id = m.session_id AND m2.role = 'user'
				ORDER BY m2.created_at, m2.id LIMIT 1) AS first_message
		FROM conversation_messages m
		GROUP BY session_id
		ORDER BY updated_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []SessionSummary
	for rows.Next() {
		var s SessionSummary
		var firstMessage sql.NullString
		if err := rows.Scan(&s.SessionID, &s.TurnCount, &s.UpdatedAt, &firstMessage); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		s.FirstMessage = firstMessage.String
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// DeleteSession removes a session and all its turns.
func (r *ConversationRepository) DeleteSession(sessionID string) error {
	result, err := r.db.Exec("DELETE FROM conversation_messages WHERE session_id = ?", sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session %s: %w", sessionID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
	}
	return nil
}
