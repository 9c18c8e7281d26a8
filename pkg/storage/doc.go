/*
Package storage implements the pipeline's persistence behind small
per-concern interfaces.

Redis backs everything with a TTL or ordering requirement measured in
hours: the per-bucket queues of routed activities (sorted sets scored by
publish time), aggregate statuses and role maps (hashes with an idle TTL),
content-hashed entity values (max TTL), the per-feed active-aggregate sets
and the unread notification counters.

Postgres backs the durable rows: activity_streams, the append-only
per-feed log with (partition, clustering) primary key and TTL via an
expires_at column, and email_buckets, the digest recipient queues.

Consumers depend on the interfaces in store.go so tests can swap
implementations; the shipped implementations are RedisQueue,
RedisAggregates, RedisCounters, SQLFeeds and SQLEmailBuckets.
*/
package storage
