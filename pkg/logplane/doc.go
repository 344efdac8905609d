/*
Package logplane aggregates all log traffic on the host: spawned child
stdout/stderr and internal supervisory events.

Records flow into three places at once:

  - a fixed-capacity in-memory ring holding the most recent records
  - a broadcast channel feeding live subscribers (SSE tails); a
    subscriber that falls behind its buffer is dropped, never waited on
  - a batched writer persisting to the store (≤256 records per
    transaction, flushed at least every 250ms)

Sequence numbers are assigned here, monotonically, seeded from the store
at startup so they keep rising across daemon restarts. Records from a
single stdio stream of a single instance are delivered in write order to
both the ring and the store; across streams only timestamps compare.

Queries that recent history can answer are served from the ring; older
ranges and all full-text searches go to the store.
*/
package logplane
