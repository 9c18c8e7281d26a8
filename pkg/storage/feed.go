package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/coralhq/coral/pkg/clock"
	"github.com/coralhq/coral/pkg/log"
	"github.com/coralhq/coral/pkg/types"
)

// SQLFeeds implements FeedStore on the activity_streams table. Rows carry
// an absolute expiry computed from the configured activity TTL; reads
// filter expired rows and PurgeExpired reclaims them.
type SQLFeeds struct {
	db  *sqlx.DB
	clk clock.Clock
	ttl time.Duration
}

// NewSQLFeeds creates the feed store.
func NewSQLFeeds(db *sqlx.DB, clk clock.Clock, ttl time.Duration) *SQLFeeds {
	return &SQLFeeds{db: db, clk: clk, ttl: ttl}
}

func (f *SQLFeeds) Append(ctx context.Context, feedID string, activities []types.Activity) error {
	if len(activities) == 0 {
		return nil
	}
	expires := f.clk.Now().Add(f.ttl)
	for _, activity := range activities {
		data, err := json.Marshal(activity)
		if err != nil {
			return fmt.Errorf("failed to encode activity %s: %w", activity.ActivityID, err)
		}
		// Upsert keeps at most one row per activity id in a feed.
		_, err = f.db.ExecContext(ctx, `
			INSERT INTO activity_streams (activity_stream_id, activity_id, published, activity, expires_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (activity_stream_id, activity_id)
			DO UPDATE SET published = EXCLUDED.published, activity = EXCLUDED.activity, expires_at = EXCLUDED.expires_at`,
			feedID, activity.ActivityID, activity.Published, data, expires)
		if err != nil {
			return fmt.Errorf("failed to append to feed %s: %w", feedID, err)
		}
	}
	return nil
}

func (f *SQLFeeds) Page(ctx context.Context, feedID, start string, limit int) ([]types.Activity, string, error) {
	now := f.clk.Now()

	var rows *sqlx.Rows
	var err error
	if start == "" {
		rows, err = f.db.QueryxContext(ctx, `
			SELECT activity FROM activity_streams
			WHERE activity_stream_id = $1 AND expires_at > $2
			ORDER BY published DESC, activity_id DESC
			LIMIT $3`,
			feedID, now, limit)
	} else {
		startPublished, perr := types.PublishedOfID(start)
		if perr != nil {
			return nil, "", types.NewError(types.CodeInvalidInput, "malformed paging token")
		}
		rows, err = f.db.QueryxContext(ctx, `
			SELECT activity FROM activity_streams
			WHERE activity_stream_id = $1 AND expires_at > $2
			  AND (published, activity_id) < ($3, $4)
			ORDER BY published DESC, activity_id DESC
			LIMIT $5`,
			feedID, now, startPublished, start, limit)
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to page feed %s: %w", feedID, err)
	}
	defer rows.Close()

	var items []types.Activity
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, "", fmt.Errorf("failed to scan feed row: %w", err)
		}
		var activity types.Activity
		if err := json.Unmarshal(data, &activity); err != nil {
			log.WithFeed(feedID).Error().Err(err).Msg("dropping undecodable feed row")
			continue
		}
		items = append(items, activity)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("failed to page feed %s: %w", feedID, err)
	}

	next := ""
	if len(items) == limit && limit > 0 {
		next = items[len(items)-1].ActivityID
	}
	return items, next, nil
}

func (f *SQLFeeds) BatchGet(ctx context.Context, feedIDs []string, sinceMillis int64) (map[string][]types.Activity, error) {
	result := make(map[string][]types.Activity, len(feedIDs))
	if len(feedIDs) == 0 {
		return result, nil
	}
	rows, err := f.db.QueryxContext(ctx, `
		SELECT activity_stream_id, activity FROM activity_streams
		WHERE activity_stream_id = ANY($1) AND published >= $2 AND expires_at > $3
		ORDER BY published ASC, activity_id ASC`,
		pq.Array(feedIDs), sinceMillis, f.clk.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to batch-get feeds: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var feedID string
		var data []byte
		if err := rows.Scan(&feedID, &data); err != nil {
			return nil, fmt.Errorf("failed to scan feed row: %w", err)
		}
		var activity types.Activity
		if err := json.Unmarshal(data, &activity); err != nil {
			log.WithFeed(feedID).Error().Err(err).Msg("dropping undecodable feed row")
			continue
		}
		result[feedID] = append(result[feedID], activity)
	}
	return result, rows.Err()
}

func (f *SQLFeeds) Delete(ctx context.Context, feedID string, activityIDs []string) error {
	if len(activityIDs) == 0 {
		return nil
	}
	_, err := f.db.ExecContext(ctx, `
		DELETE FROM activity_streams
		WHERE activity_stream_id = $1 AND activity_id = ANY($2)`,
		feedID, pq.Array(activityIDs))
	if err != nil {
		return fmt.Errorf("failed to delete from feed %s: %w", feedID, err)
	}
	return nil
}

func (f *SQLFeeds) Clear(ctx context.Context, feedID string) error {
	_, err := f.db.ExecContext(ctx, `
		DELETE FROM activity_streams WHERE activity_stream_id = $1`, feedID)
	if err != nil {
		return fmt.Errorf("failed to clear feed %s: %w", feedID, err)
	}
	return nil
}

// PurgeExpired reclaims rows past their TTL. Intended for a periodic
// maintenance job; reads already filter on expires_at.
func (f *SQLFeeds) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := f.db.ExecContext(ctx, `
		DELETE FROM activity_streams WHERE expires_at <= $1`, f.clk.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired feed rows: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
