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

const queueColumns = "id, conversation_id, platform, draft, generated_at, expires_at, state, attempts"

func scanQueueItem(row interface{ Scan(...interface{}) error }) (*store.QueueItem, error) {
	var q store.QueueItem
	err := row.Scan(&q.ID, &q.ConversationID, &q.Platform, &q.Draft,
		&q.GeneratedAt, &q.ExpiresAt, &q.State, &q.Attempts)
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func (s *Store) InsertQueueItemSuperseding(ctx context.Context, item *store.QueueItem) (*store.QueueItem, error) {
	if item.ID == uuid.Nil {
		item.ID = uuid.Must(uuid.NewV7())
	}
	var superseded *store.QueueItem

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		// Row lock serializes concurrent supersede attempts for the conversation.
		row := tx.QueryRowContext(ctx,
			"SELECT "+queueColumns+" FROM queue_items WHERE conversation_id = $1 AND state = $2 FOR UPDATE",
			item.ConversationID, store.QueuePending)
		prev, err := scanQueueItem(row)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("loading pending item: %w", err)
		}
		if prev != nil {
			res, err := tx.ExecContext(ctx,
				"UPDATE queue_items SET state = $1 WHERE id = $2 AND state = $3",
				store.QueueExpired, prev.ID, store.QueuePending)
			if err != nil {
				return fmt.Errorf("expiring superseded item: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 1 {
				prev.State = store.QueueExpired
				superseded = prev
			}
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO queue_items (id, conversation_id, platform, draft, generated_at, expires_at, state, attempts)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			item.ID, item.ConversationID, item.Platform, item.Draft,
			item.GeneratedAt.UTC(), item.ExpiresAt.UTC(), store.QueuePending, item.Attempts)
		if err != nil {
			return fmt.Errorf("inserting queue item: %w", err)
		}
		item.State = store.QueuePending
		return nil
	})
	if err != nil {
		return nil, err
	}
	return superseded, nil
}

func (s *Store) GetQueueItem(ctx context.Context, id uuid.UUID) (*store.QueueItem, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+queueColumns+" FROM queue_items WHERE id = $1", id)
	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading queue item: %w", err)
	}
	return item, nil
}

func (s *Store) ListQueueItems(ctx context.Context, filter store.QueueFilter) ([]*store.QueueItem, error) {
	query := "SELECT " + queueColumns + " FROM queue_items WHERE TRUE"
	var args []interface{}
	if filter.Platform != "" {
		args = append(args, filter.Platform)
		query += fmt.Sprintf(" AND platform = $%d", len(args))
	}
	if filter.State != "" {
		args = append(args, filter.State)
		query += fmt.Sprintf(" AND state = $%d", len(args))
	}
	query += " ORDER BY CASE state WHEN 'pending' THEN 0 ELSE 1 END, generated_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing queue items: %w", err)
	}
	defer rows.Close()

	var out []*store.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning queue item: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *Store) ResolveQueueItem(ctx context.Context, id uuid.UUID, from, to store.QueueState) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE queue_items SET state = $1 WHERE id = $2 AND state = $3",
		to, id, from)
	if err != nil {
		return fmt.Errorf("resolving queue item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolving queue item: %w", err)
	}
	if n == 0 {
		return store.ErrQueueConflict
	}
	return nil
}

func (s *Store) RollbackQueueItem(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE queue_items SET state = $1, attempts = attempts + 1 WHERE id = $2 AND state = $3",
		store.QueuePending, id, store.QueueApproved)
	if err != nil {
		return fmt.Errorf("rolling back queue item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rolling back queue item: %w", err)
	}
	if n == 0 {
		return store.ErrQueueConflict
	}
	return nil
}

func (s *Store) ExpireOverdue(ctx context.Context, now time.Time) ([]*store.QueueItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE queue_items SET state = $1
		 WHERE state = $2 AND expires_at <= $3
		 RETURNING `+queueColumns,
		store.QueueExpired, store.QueuePending, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("expiring overdue items: %w", err)
	}
	defer rows.Close()

	var out []*store.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning expired item: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}
