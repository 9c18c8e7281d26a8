/*
Package email schedules activity digest emails.

Recipients of email-stream deliveries are queued into digest buckets keyed
by shard, preference and the UTC delivery slot derived from their tenant's
configured local delivery time. A cron sweep collects immediate buckets
every cycle and daily/weekly buckets when their hour rolls over; each
collected recipient's email feed is drained, re-aggregated in memory,
rendered through the email transformers and handed to the Mailer, unless
fresh activity inside the grace period defers them to the next cycle.
*/
package email
