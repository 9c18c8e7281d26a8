/*
Package push delivers live activity over WebSockets.

A session opens unauthenticated and must present an expiring signature
within five seconds; authenticated sockets subscribe to streams guarded by
each stream type's authorization handler. Subscriptions share one pub/sub
bus channel per `{resourceId}#{streamType}` across the process, and every
socket writes through a single goroutine so frames never interleave.
ROUTING-phase streams are pushed as the router produces them, one activity
per message; AGGREGATION-phase streams after delivery, with the aggregated
activities and the new-activity count.
*/
package push
