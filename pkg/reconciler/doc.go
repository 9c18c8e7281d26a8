/*
Package reconciler repairs unread notification counters.

The counter a client renders as its notification badge is a Redis cache of
how many feed activities arrived after the user's last read. Crashes
between a feed append and the counter increment, or lost markRead writes,
let the two diverge. The reconciler watches delivery and counter-update
events, flags the affected users and periodically recounts their
notification feed tail, overwriting counters that disagree.
*/
package reconciler
