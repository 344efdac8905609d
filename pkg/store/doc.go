/*
Package store provides SQLite-backed persistence for Tenement.

The store owns a single database file (WAL journaling, foreign keys on —
both verified at open, a refusal is fatal) holding two durable shapes:

  - logs: the persisted tail of the host-global log stream, paired with an
    FTS5 virtual table over the message column kept in sync by triggers.
    Sequence numbers come from the log plane, which seeds its counter from
    MaxLogSeq at startup.
  - tokens: Argon2id hashes of control-API bearer tokens plus label and
    timestamps. The raw token is never stored.

# Write path

Log inserts arrive in batches (one transaction per batch) from the log
plane's flusher; WAL gives a single serialized writer with concurrent
readers. RotateLogs trims by age and by total count, whichever is tighter.

# Query path

QueryLogs filters by service, instance, stream, minimum severity, and time
range, optionally restricted by an FTS5 match expression, ordered by
sequence descending with an explicit limit.

Migrations are idempotent and versioned in schema_migrations; they run at
open, before the daemon accepts traffic.
*/
package store
