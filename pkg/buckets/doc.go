/*
Package buckets shards work over a fixed number of processing buckets and
coordinates their collection across worker processes.

Bucket assignment is a stable hash so routers in different processes agree
on where a route's activities queue. Collection uses a Redis SET NX lock per
bucket: at most one worker drains a bucket at a time, and a crashed worker's
lock expires by TTL so the bucket is retried on the next sweep.
*/
package buckets
