package storage

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coralhq/coral/pkg/clock"
)

func newEmailBucketStore(t *testing.T) (*SQLEmailBuckets, sqlmock.Sqlmock, *clock.Fake) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	clk := clock.NewFake(time.UnixMilli(1_700_000_000_000))
	return NewSQLEmailBuckets(sqlx.NewDb(db, "sqlmock"), clk), mock, clk
}

func TestEmailQueueIsIdempotent(t *testing.T) {
	store, mock, clk := newEmailBucketStore(t)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO email_buckets").
		WithArgs("coral:activity:email:1:daily:9", "u:cam:alice", clk.Now()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// The second queue of the same recipient conflicts and inserts nothing.
	mock.ExpectExec("INSERT INTO email_buckets").
		WithArgs("coral:activity:email:1:daily:9", "u:cam:alice", clk.Now()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.Queue(ctx, "coral:activity:email:1:daily:9", "u:cam:alice"))
	require.NoError(t, store.Queue(ctx, "coral:activity:email:1:daily:9", "u:cam:alice"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEmailPage(t *testing.T) {
	store, mock, _ := newEmailBucketStore(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT user_id FROM email_buckets").
		WithArgs("coral:activity:email:0:immediate", "", 2).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).
			AddRow("u:cam:alice").
			AddRow("u:cam:bob"))

	recipients, next, err := store.Page(ctx, "coral:activity:email:0:immediate", "", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"u:cam:alice", "u:cam:bob"}, recipients)
	assert.Equal(t, "u:cam:bob", next, "full page yields a next token")

	mock.ExpectQuery("SELECT user_id FROM email_buckets").
		WithArgs("coral:activity:email:0:immediate", "u:cam:bob", 2).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).
			AddRow("u:cam:carol"))

	recipients, next, err = store.Page(ctx, "coral:activity:email:0:immediate", next, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"u:cam:carol"}, recipients)
	assert.Empty(t, next)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEmailUnqueue(t *testing.T) {
	store, mock, _ := newEmailBucketStore(t)
	ctx := context.Background()

	mock.ExpectExec("DELETE FROM email_buckets").
		WithArgs("coral:activity:email:2:weekly:3:9", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))
	require.NoError(t, store.Unqueue(ctx, "coral:activity:email:2:weekly:3:9",
		[]string{"u:cam:alice", "u:cam:bob"}))

	// No-op unqueue never hits the database.
	require.NoError(t, store.Unqueue(ctx, "coral:activity:email:2:weekly:3:9", nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}
