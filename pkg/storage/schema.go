package storage

// Schema is the row-store DDL the pipeline depends on, applied by
// cmd/coral-migrate.
const Schema = `
CREATE TABLE IF NOT EXISTS activity_streams (
	activity_stream_id TEXT        NOT NULL,
	activity_id        TEXT        NOT NULL,
	published          BIGINT      NOT NULL,
	activity           JSONB       NOT NULL,
	expires_at         TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (activity_stream_id, activity_id)
);

CREATE INDEX IF NOT EXISTS activity_streams_page_idx
	ON activity_streams (activity_stream_id, published DESC, activity_id DESC);

CREATE TABLE IF NOT EXISTS email_buckets (
	bucket_id TEXT        NOT NULL,
	user_id   TEXT        NOT NULL,
	queued_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (bucket_id, user_id)
);
`
