package postgres

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/amora/realtime/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const tokenBytes = 32

// SessionRepo stores HTTP sessions keyed by a SHA-256 of the opaque token.
type SessionRepo struct {
	pool *pgxpool.Pool
}

var _ domain.SessionRepository = (*SessionRepo)(nil)

func NewSessionRepo(pool *pgxpool.Pool) *SessionRepo {
	return &SessionRepo{pool: pool}
}

func hashToken(token domain.SessionToken) []byte {
	sum := sha256.Sum256([]byte(token))
	return sum[:]
}

// GetByToken returns the live session for token, or domain.ErrSessionNotFound when it is
// unknown, expired or revoked.
func (r *SessionRepo) GetByToken(ctx context.Context, token domain.SessionToken) (*domain.Session, error) {
	var (
		id        uuid.UUID
		userID    int64
		expiresAt time.Time
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, user_id, expires_at
		FROM sessions
		WHERE token_hash = $1 AND revoked_at IS NULL AND expires_at > now()`,
		hashToken(token),
	).Scan(&id, &userID, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session by token: %w", err)
	}

	return &domain.Session{ID: id.String(), UserID: domain.UserID(userID), ExpiresAt: expiresAt.UTC()}, nil
}

// Create issues a new random token for user valid for ttl.
func (r *SessionRepo) Create(ctx context.Context, user domain.UserID, ttl time.Duration) (domain.SessionToken, *domain.Session, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("failed to generate session token: %w", err)
	}
	token := domain.SessionToken("sess_" + base64.RawURLEncoding.EncodeToString(buf))

	var (
		id        uuid.UUID
		expiresAt time.Time
	)
	err := r.pool.QueryRow(ctx, `
		INSERT INTO sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		RETURNING id, expires_at`,
		hashToken(token), int64(user), time.Now().Add(ttl).UTC(),
	).Scan(&id, &expiresAt)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create session: %w", err)
	}

	return token, &domain.Session{ID: id.String(), UserID: user, ExpiresAt: expiresAt.UTC()}, nil
}

// Revoke invalidates a token. Revoking an unknown token is not an error.
func (r *SessionRepo) Revoke(ctx context.Context, token domain.SessionToken) error {
	if _, err := r.pool.Exec(ctx, `UPDATE sessions SET revoked_at = now() WHERE token_hash = $1 AND revoked_at IS NULL`, hashToken(token)); err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	return nil
}

// DeleteExpired removes sessions that expired before cutoff and returns how many were removed.
func (r *SessionRepo) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}
