/*
Package hypervisor supervises every instance on the host: it is the
single source of truth for what is running, starting, idle, or failed.

	┌────────────────────── HYPERVISOR ───────────────────────┐
	│                                                           │
	│  Instance table (one RWMutex; reads dominate)            │
	│     InstanceID → instance record                          │
	│                                                           │
	│  Spawn / Stop / Restart      explicit operations          │
	│  GetAndTouch / SpawnAndWait  router entry points          │
	│  SetWeight                   routing control              │
	│                                                           │
	│  Health monitor   jittered probe loop; three consecutive  │
	│                   degraded probes → failed → restart      │
	│  Idle reaper      idle_timeout exceeded → idle-stopped    │
	│  Storage walker   data-dir accounting, quota events       │
	│  Restart loop     exponential backoff, bounded per window │
	└───────────────────────────────────────────────────────────┘

# Lifecycle

An instance is created at spawn: data directory materialized, socket or
port allocated, stdio wired into the log plane, resource limits
attached, the runtime invoked, then startup readiness awaited (socket
connectable; vsock handshake for VMs; one health probe when an endpoint
is configured). Reaching healthy resets the restart accounting.

A failed instance follows its restart policy with delays of
min(base·2ⁿ, max); exhausting max_restarts inside the restart window
parks it as failed until an operator intervenes. Idle reaping is not a
failure: the entry stays as idle-stopped and the next request respawns
it.

# Concurrency

The table lock is held only across O(1) memory operations, never across
I/O. Background tasks address instances by (id, generation) and
re-resolve under the lock, so a deliberate stop invalidates stale
watchers and timers instead of racing them. Wake-on-request coalesces
concurrent callers per id through singleflight; a caller's disconnect
abandons its wait but never the shared spawn.

Activity is only ever touched by real inbound requests. Health probes
read addressing and update health; they never update last-activity.
*/
package hypervisor
