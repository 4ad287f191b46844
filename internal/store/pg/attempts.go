package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/replydesk/internal/store"
)

const attemptColumns = `id, idempotency_key, queue_item_id, conversation_id, attempt_number,
	status, platform_message_id, error_kind, sent_at, failed_at`

func scanAttempt(row interface{ Scan(...interface{}) error }) (*store.OutboundAttempt, error) {
	var (
		a                store.OutboundAttempt
		itemID           sql.NullString
		sentAt, failedAt sql.NullTime
	)
	err := row.Scan(&a.ID, &a.IdempotencyKey, &itemID, &a.ConversationID, &a.AttemptNumber,
		&a.Status, &a.PlatformMessageID, &a.ErrorKind, &sentAt, &failedAt)
	if err != nil {
		return nil, err
	}
	if itemID.Valid && itemID.String != "" {
		a.QueueItemID, _ = uuid.Parse(itemID.String)
	}
	a.SentAt = ptrTime(sentAt)
	a.FailedAt = ptrTime(failedAt)
	return &a, nil
}

func (s *Store) InsertAttempt(ctx context.Context, att *store.OutboundAttempt) error {
	if att.ID == uuid.Nil {
		att.ID = uuid.Must(uuid.NewV7())
	}
	var itemID interface{}
	if att.QueueItemID != uuid.Nil {
		itemID = att.QueueItemID
	}
	var sentAt, failedAt interface{}
	if att.SentAt != nil {
		sentAt = att.SentAt.UTC()
	}
	if att.FailedAt != nil {
		failedAt = att.FailedAt.UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outbound_attempts (id, idempotency_key, queue_item_id, conversation_id,
		     attempt_number, status, platform_message_id, error_kind, sent_at, failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		att.ID, att.IdempotencyKey, itemID, att.ConversationID,
		att.AttemptNumber, att.Status, att.PlatformMessageID, att.ErrorKind, sentAt, failedAt)
	if err != nil {
		return fmt.Errorf("inserting outbound attempt: %w", err)
	}
	return nil
}

func (s *Store) FindSuccessfulAttempt(ctx context.Context, idempotencyKey string) (*store.OutboundAttempt, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+attemptColumns+" FROM outbound_attempts WHERE idempotency_key = $1 AND status = $2 LIMIT 1",
		idempotencyKey, store.AttemptSent)
	att, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding successful attempt: %w", err)
	}
	return att, nil
}

func (s *Store) ListAttempts(ctx context.Context, idempotencyKey string) ([]*store.OutboundAttempt, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+attemptColumns+" FROM outbound_attempts WHERE idempotency_key = $1 ORDER BY attempt_number ASC",
		idempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("listing attempts: %w", err)
	}
	defer rows.Close()

	var out []*store.OutboundAttempt
	for rows.Next() {
		att, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning attempt: %w", err)
		}
		out = append(out, att)
	}
	return out, rows.Err()
}
