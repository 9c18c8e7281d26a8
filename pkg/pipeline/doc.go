/*
Package pipeline assembles the activity subsystem.

New wires the Redis and Postgres stores into the router, the aggregator and
the delivery consumers (notifications, email digests, live push, counter
reconciliation), all connected by the in-process event broker. It also
registers the built-in stream types: activity (visibility bucketed, pushed
after aggregation), notification (per user, pushed after aggregation),
email (the digest holding feed) and message (transient, pushed at routing
time).

The ingress methods are the operations the API layer exposes: posting
seeds, paging feeds in either wire format, reading and acknowledging
notifications and the administrative stream removal.
*/
package pipeline
