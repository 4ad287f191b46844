package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/replydesk/internal/store"
)

const conversationColumns = `id, platform, external_user_id, status, state, version, next_seq,
	trusted, escalation_reason, last_inbound_at, last_outbound_at, created_at`

func scanConversation(row interface{ Scan(...interface{}) error }) (*store.Conversation, error) {
	var (
		c        store.Conversation
		inbound  sql.NullTime
		outbound sql.NullTime
	)
	err := row.Scan(&c.ID, &c.Platform, &c.ExternalUserID, &c.Status, &c.State, &c.Version,
		&c.NextSeq, &c.Trusted, &c.EscalationReason, &inbound, &outbound, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	c.LastInboundAt = scanTime(inbound)
	c.LastOutboundAt = scanTime(outbound)
	return &c, nil
}

func (s *Store) GetOrCreateConversation(ctx context.Context, platform, externalUserID string) (*store.Conversation, bool, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations WHERE platform = $1 AND external_user_id = $2",
		platform, externalUserID)
	conv, err := scanConversation(row)
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("loading conversation: %w", err)
	}

	now := time.Now().UTC()
	conv = &store.Conversation{
		ID:             uuid.Must(uuid.NewV7()),
		Platform:       platform,
		ExternalUserID: externalUserID,
		Status:         store.StatusActive,
		State:          store.StateIdle,
		Version:        1,
		NextSeq:        1,
		CreatedAt:      now,
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, platform, external_user_id, status, state, version, next_seq, trusted, escalation_reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		conv.ID, platform, externalUserID, conv.Status, conv.State,
		conv.Version, conv.NextSeq, conv.Trusted, "", now)
	if err != nil {
		if isUniqueViolation(err) {
			row := s.db.QueryRowContext(ctx,
				"SELECT "+conversationColumns+" FROM conversations WHERE platform = $1 AND external_user_id = $2",
				platform, externalUserID)
			existing, scanErr := scanConversation(row)
			if scanErr != nil {
				return nil, false, fmt.Errorf("reloading conversation after insert race: %w", scanErr)
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("inserting conversation: %w", err)
	}
	return conv, true, nil
}

func (s *Store) GetConversation(ctx context.Context, id uuid.UUID) (*store.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations WHERE id = $1", id)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}
	return conv, nil
}

func (s *Store) UpdateConversation(ctx context.Context, conv *store.Conversation) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations
		 SET status = $1, state = $2, version = version + 1, next_seq = $3, trusted = $4,
		     escalation_reason = $5, last_inbound_at = $6, last_outbound_at = $7
		 WHERE id = $8 AND version = $9`,
		conv.Status, conv.State, conv.NextSeq, conv.Trusted, conv.EscalationReason,
		nullTime(conv.LastInboundAt), nullTime(conv.LastOutboundAt),
		conv.ID, conv.Version)
	if err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}
	if n == 0 {
		return store.ErrVersionConflict
	}
	conv.Version++
	return nil
}

func (s *Store) ListEscalated(ctx context.Context) ([]*store.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations WHERE status = $1 ORDER BY last_inbound_at",
		store.StatusEscalated)
	if err != nil {
		return nil, fmt.Errorf("listing escalated conversations: %w", err)
	}
	defer rows.Close()

	var out []*store.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

func (s *Store) AppendMessage(ctx context.Context, msg *store.Message) error {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.Must(uuid.NewV7())
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, platform, seq, direction, origin, body, platform_message_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		msg.ID, msg.ConversationID, msg.Platform, msg.Seq,
		msg.Direction, msg.Origin, msg.Body, msg.PlatformMessageID, msg.CreatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateMessage
		}
		return fmt.Errorf("appending message: %w", err)
	}
	return nil
}

func (s *Store) GetRecentMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]*store.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, platform, seq, direction, origin, body, platform_message_id, created_at
		 FROM (
		     SELECT * FROM messages WHERE conversation_id = $1 ORDER BY seq DESC LIMIT $2
		 ) recent ORDER BY seq ASC`,
		conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("loading recent messages: %w", err)
	}
	defer rows.Close()

	var out []*store.Message
	for rows.Next() {
		var m store.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Platform, &m.Seq, &m.Direction,
			&m.Origin, &m.Body, &m.PlatformMessageID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *Store) HasPlatformMessageID(ctx context.Context, platform, platformMessageID string) (bool, error) {
	if platformMessageID == "" {
		return false, nil
	}
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE platform = $1 AND platform_message_id = $2",
		platform, platformMessageID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking platform message id: %w", err)
	}
	return count > 0, nil
}

func (s *Store) CountOutboundSince(ctx context.Context, conversationID uuid.UUID, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE conversation_id = $1 AND direction = $2 AND created_at >= $3",
		conversationID, store.DirectionOutbound, since.UTC()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting outbound messages: %w", err)
	}
	return count, nil
}
