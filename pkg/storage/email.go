package storage

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/coralhq/coral/pkg/clock"
)

// SQLEmailBuckets implements EmailBucketStore on the email_buckets table.
type SQLEmailBuckets struct {
	db  *sqlx.DB
	clk clock.Clock
}

// NewSQLEmailBuckets creates the email bucket store.
func NewSQLEmailBuckets(db *sqlx.DB, clk clock.Clock) *SQLEmailBuckets {
	return &SQLEmailBuckets{db: db, clk: clk}
}

func (e *SQLEmailBuckets) Queue(ctx context.Context, bucketID, recipientID string) error {
	_, err := e.db.ExecContext(ctx, `
		INSERT INTO email_buckets (bucket_id, user_id, queued_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (bucket_id, user_id) DO NOTHING`,
		bucketID, recipientID, e.clk.Now())
	if err != nil {
		return fmt.Errorf("failed to queue %s into email bucket %s: %w", recipientID, bucketID, err)
	}
	return nil
}

func (e *SQLEmailBuckets) Page(ctx context.Context, bucketID, start string, limit int) ([]string, string, error) {
	rows, err := e.db.QueryxContext(ctx, `
		SELECT user_id FROM email_buckets
		WHERE bucket_id = $1 AND user_id > $2
		ORDER BY user_id
		LIMIT $3`,
		bucketID, start, limit)
	if err != nil {
		return nil, "", fmt.Errorf("failed to page email bucket %s: %w", bucketID, err)
	}
	defer rows.Close()

	var recipients []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, "", fmt.Errorf("failed to scan email bucket row: %w", err)
		}
		recipients = append(recipients, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("failed to page email bucket %s: %w", bucketID, err)
	}

	next := ""
	if len(recipients) == limit && limit > 0 {
		next = recipients[len(recipients)-1]
	}
	return recipients, next, nil
}

func (e *SQLEmailBuckets) Unqueue(ctx context.Context, bucketID string, recipientIDs []string) error {
	if len(recipientIDs) == 0 {
		return nil
	}
	_, err := e.db.ExecContext(ctx, `
		DELETE FROM email_buckets
		WHERE bucket_id = $1 AND user_id = ANY($2)`,
		bucketID, pq.Array(recipientIDs))
	if err != nil {
		return fmt.Errorf("failed to unqueue from email bucket %s: %w", bucketID, err)
	}
	return nil
}
