/*
Package aggregator drains the processing buckets and merges routed
activities into per-feed aggregates.

Each sweep locks the buckets it can claim, peeks a batch in publish order,
groups the batch by aggregate key (one per groupBy pivot of the activity
type), merges the groups with any prior aggregate state, builds the feed
representation with collection entities where a role holds several
distinct entities, replaces the previously delivered entry on
re-aggregation, and emits a delivered-activities event for the
notification, email and push consumers.
*/
package aggregator
