/*
Package api serves the authenticated JSON/SSE control surface on the
control domain.

Public allow-list: /health, /metrics, / and /assets/* (the dashboard's
opaque static files). Everything under /api requires a bearer token
(scheme case-insensitive, token case-sensitive) verified against the
stored Argon2id hashes, and passes a per-client rate limit.

Endpoints: instance listing/inspection, instance create/restart/delete,
weight adjustment, log queries with filters and FTS search, and a
server-sent-events live tail whose token is verified on the handshake.
Errors map to HTTP statuses through errdefs.
*/
package api
