/*
Package log provides structured logging for Coral built on zerolog.

The package exposes a global logger configured once at startup via Init and
child-logger helpers (WithComponent, WithBucket, WithFeed, WithUserID) that
attach the fields the pipeline components use to correlate log lines: the
component name, the queue bucket being drained, the feed being written and
the user being notified or emailed.

Output is JSON in production and a console writer for local development,
selected by Config.JSONOutput.
*/
package log
