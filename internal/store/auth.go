package store

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/minglu/stockintel/internal/domain"
)

// AuthRepository stores the single-user access password as a salted hash.
// An empty table means authentication is disabled.
type AuthRepository struct {
	db *sql.DB
}

// NewAuthRepository creates the repository.
func NewAuthRepository(db *sql.DB) *AuthRepository {
	return &AuthRepository{db: db}
}

// IsConfigured reports whether a password has been set.
func (r *AuthRepository) IsConfigured() (bool, error) {
	var count int
	if err := r.db.QueryRow("SELECT COUNT(*) FROM auth_config").Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check auth config: %w", err)
	}
	return count > 0, nil
}

// SetPassword stores a new password, replacing any previous one.
func (r *AuthRepository) SetPassword(password string) error {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}
	saltHex := hex.EncodeToString(salt)

	_, err := r.db.Exec(`
		INSERT INTO auth_config (id, password_hash, salt, updated_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			password_hash = excluded.password_hash,
			salt          = excluded.salt,
			updated_at    = excluded.updated_at`,
		hashPassword(password, saltHex), saltHex, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to store password: %w", err)
	}
	return nil
}

// Verify checks a password attempt. Returns ErrUnauthorized on mismatch and
// ErrNotFound when no password is configured.
func (r *AuthRepository) Verify(password string) error {
	var storedHash, salt string
	err := r.db.QueryRow("SELECT password_hash, salt FROM auth_config WHERE id = 1").Scan(&storedHash, &salt)
	if err == sql.ErrNoRows {
		return fmt.Errorf("auth not configured: %w", domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to load auth config: %w", err)
	}

	attempt := hashPassword(password, salt)
	if subtle.ConstantTimeCompare([]byte(attempt), []byte(storedHash)) != 1 {
		return domain.ErrUnauthorized
	}
	return nil
}

func hashPassword(password, saltHex string) string {
	sum := sha256.Sum256([]byte(saltHex + password))
	return hex.EncodeToString(sum[:])
}
