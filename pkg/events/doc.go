/*
Package events carries the pipeline's internal event flow as typed values
over channels: routed activities leaving the router, delivered activities
leaving the aggregator, and unread-state changes for users.

The broker has a fixed set of named subscribers wired during startup, not a
module-level emitter. Publishing blocks rather than drops so the consumers
that maintain counters and send emails observe every delivery.
*/
package events
