/*
Package router turns activity seeds into routed activities.

For each seed it produces the actor/object/target entities via registered
producers, evaluates every stream's association lists into a route set,
narrows that set through each entity's propagation policy, drops
self-notifications, mirrors eligible routes into visibility variants and
enqueues one routed activity per surviving route into its processing
bucket. A bounded worker pool consumes the ingress channel so distinct
seeds route concurrently.
*/
package router
