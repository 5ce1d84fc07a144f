package postgres

import (
	"context"
	"fmt"

	"github.com/amora/realtime/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type MessageRepo struct {
	pool *pgxpool.Pool
}

var _ domain.MessageStore = (*MessageRepo)(nil)

func NewMessageRepo(pool *pgxpool.Pool) *MessageRepo {
	return &MessageRepo{pool: pool}
}

// CreateConversation opens a conversation between participants, optionally tied to a match.
func (r *MessageRepo) CreateConversation(ctx context.Context, matchID int64, participants ...domain.UserID) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var id int64
	var match *int64
	if matchID > 0 {
		match = &matchID
	}
	if err := tx.QueryRow(ctx, `INSERT INTO conversations (match_id) VALUES ($1) RETURNING id`, match).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to create conversation: %w", err)
	}

	for _, u := range participants {
		if _, err := tx.Exec(ctx, `
			INSERT INTO conversation_participants (conversation_id, user_id)
			VALUES ($1, $2) ON CONFLICT DO NOTHING`, id, int64(u)); err != nil {
			return 0, fmt.Errorf("failed to add participant %s: %w", u, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit conversation: %w", err)
	}
	return id, nil
}

func (r *MessageRepo) CreateMessage(ctx context.Context, sender domain.UserID, conversationID int64, content string) (*domain.Message, []domain.UserID, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	participants, err := r.participants(ctx, tx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	if len(participants) == 0 {
		return nil, nil, domain.ErrConversationNotFound
	}
	isMember := false
	for _, p := range participants {
		if p == sender {
			isMember = true
			break
		}
	}
	if !isMember {
		return nil, nil, domain.ErrNotParticipant
	}

	msg := &domain.Message{ConversationID: conversationID, SenderID: sender, Content: content}
	err = tx.QueryRow(ctx, `
		INSERT INTO messages (conversation_id, sender_id, content)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`,
		conversationID, int64(sender), content,
	).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to commit message: %w", err)
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	return msg, participants, nil
}

func (r *MessageRepo) participants(ctx context.Context, tx pgx.Tx, conversationID int64) ([]domain.UserID, error) {
	rows, err := tx.Query(ctx, `
		SELECT user_id FROM conversation_participants
		WHERE conversation_id = $1
		ORDER BY user_id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}

	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("failed to scan participants: %w", err)
	}

	out := make([]domain.UserID, len(ids))
	for i, id := range ids {
		out[i] = domain.UserID(id)
	}
	return out, nil
}
