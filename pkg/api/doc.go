/*
Package api is the HTTP surface of the pipeline.

Feed reads, notification reads and markRead live under /api alongside the
WebSocket push endpoint; /health pings Redis and Postgres and /metrics
serves the Prometheus registry. Callers authenticate through the pluggable
Authenticator; the bundled SignatureAuthenticator accepts expiring HMAC
tokens minted with a tenant's signing key.
*/
package api
