package sqlite

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
	var (
		q          store.QueueItem
		id, convID string
	)
	err := row.Scan(&id, &convID, &q.Platform, &q.Draft, &q.GeneratedAt, &q.ExpiresAt, &q.State, &q.Attempts)
	if err != nil {
		return nil, err
	}
	q.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parsing queue item id: %w", err)
	}
	q.ConversationID, _ = uuid.Parse(convID)
	return &q, nil
}

func (s *Store) InsertQueueItemSuperseding(ctx context.Context, item *store.QueueItem) (*store.QueueItem, error) {
	if item.ID == uuid.Nil {
		item.ID = uuid.Must(uuid.NewV7())
	}
	var superseded *store.QueueItem

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			"SELECT "+queueColumns+" FROM queue_items WHERE conversation_id = ? AND state = ?",
			item.ConversationID.String(), store.QueuePending)
		prev, err := scanQueueItem(row)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("loading pending item: %w", err)
		}
		if prev != nil {
			res, err := tx.ExecContext(ctx,
				"UPDATE queue_items SET state = ? WHERE id = ? AND state = ?",
				store.QueueExpired, prev.ID.String(), store.QueuePending)
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
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			item.ID.String(), item.ConversationID.String(), item.Platform, item.Draft,
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
		"SELECT "+queueColumns+" FROM queue_items WHERE id = ?", id.String())
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
	query := "SELECT " + queueColumns + " FROM queue_items WHERE 1=1"
	var args []interface{}
	if filter.Platform != "" {
		query += " AND platform = ?"
		args = append(args, filter.Platform)
	}
	if filter.State != "" {
		query += " AND state = ?"
		args = append(args, filter.State)
	}
	// Pending first, oldest first within each state.
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
		"UPDATE queue_items SET state = ? WHERE id = ? AND state = ?",
		to, id.String(), from)
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
		"UPDATE queue_items SET state = ?, attempts = attempts + 1 WHERE id = ? AND state = ?",
		store.QueuePending, id.String(), store.QueueApproved)
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
	var expired []*store.QueueItem
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			"SELECT "+queueColumns+" FROM queue_items WHERE state = ? AND expires_at <= ?",
			store.QueuePending, now.UTC())
		if err != nil {
			return fmt.Errorf("selecting overdue items: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			item, err := scanQueueItem(rows)
			if err != nil {
				return fmt.Errorf("scanning overdue item: %w", err)
			}
			expired = append(expired, item)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, item := range expired {
			if _, err := tx.ExecContext(ctx,
				"UPDATE queue_items SET state = ? WHERE id = ? AND state = ?",
				store.QueueExpired, item.ID.String(), store.QueuePending); err != nil {
				return fmt.Errorf("expiring queue item: %w", err)
			}
			item.State = store.QueueExpired
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}
