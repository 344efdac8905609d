// Package limits attaches cgroup-v2 memory and CPU limits to spawned
// instances under /sys/fs/cgroup/tenement/<service>-<label>. CPU weight
// is clamped to [1,10000]; clamping is logged at info. On non-Linux
// hosts, or when cgroup v2 is missing, limits degrade to a single
// warning and the child runs unconfined.
package limits
