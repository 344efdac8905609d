package hypervisor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/cuemby/tenement/pkg/errdefs"
	"github.com/cuemby/tenement/pkg/limits"
	"github.com/cuemby/tenement/pkg/log"
	"github.com/cuemby/tenement/pkg/logplane"
	"github.com/cuemby/tenement/pkg/metrics"
	"github.com/cuemby/tenement/pkg/runtime"
	"github.com/cuemby/tenement/pkg/types"
)

// Config tunes the hypervisor's supervisory loops.
type Config struct {
	DataDir   string
	SocketDir string

	HealthCheckInterval time.Duration
	ReapInterval        time.Duration
	StorageInterval     time.Duration
	StopGrace           time.Duration

	// WakeWait bounds how long a wake-on-request caller waits for an
	// already-starting instance to become healthy.
	WakeWait time.Duration

	SandboxRunner string
	VMBinary      string
}

func (c *Config) fillDefaults() {
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 10 * time.Second
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 5 * time.Second
	}
	if c.StorageInterval <= 0 {
		c.StorageInterval = 60 * time.Second
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 10 * time.Second
	}
	if c.WakeWait <= 0 {
		c.WakeWait = 5 * time.Second
	}
}

// instance is the hypervisor-owned mutable record. All fields are
// guarded by Hypervisor.mu; long-running work never holds that lock.
type instance struct {
	id   types.InstanceID
	spec types.ServiceSpec

	// gen invalidates background tasks (exit watcher, restart timers)
	// from earlier lives of this id.
	gen uint64

	handle   *runtime.Handle
	addr     types.Address
	dataDir  string
	cgroup   string
	extraEnv map[string]string

	createdAt    time.Time
	lastActivity time.Time
	health       types.HealthState
	status       types.InstanceStatus

	restartCount int
	windowStart  time.Time
	backoff      time.Duration
	degraded     int

	weight        int
	storageUsed   int64
	quotaExceeded bool

	stdout *logplane.LineWriter
	stderr *logplane.LineWriter
}

func (i *instance) view() types.InstanceView {
	v := types.InstanceView{
		ID:               i.id,
		Address:          i.addr,
		DataDir:          i.dataDir,
		CgroupPath:       i.cgroup,
		CreatedAt:        i.createdAt,
		LastActivity:     i.lastActivity,
		Health:           i.health,
		Status:           i.status,
		RestartCount:     i.restartCount,
		Weight:           i.weight,
		StorageUsedBytes: i.storageUsed,
	}
	if i.handle != nil {
		v.PID = i.handle.PID
	}
	if i.spec.VM != nil {
		v.VsockPort = i.spec.VM.VsockPort
	}
	if i.spec.StorageQuotaMB > 0 {
		v.StorageQuotaBytes = i.spec.StorageQuotaMB * 1024 * 1024
	}
	return v
}

// Hypervisor is the single source of truth for running instances.
type Hypervisor struct {
	cfg      Config
	services map[string]types.ServiceSpec
	plane    *logplane.Plane

	mu        sync.RWMutex
	instances map[types.InstanceID]*instance
	nextGen   uint64

	rtMu     sync.Mutex
	runtimes map[string]runtime.Runtime

	inflight singleflight.Group

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// New creates a hypervisor for the configured services.
func New(cfg Config, services map[string]types.ServiceSpec, plane *logplane.Plane) *Hypervisor {
	cfg.fillDefaults()
	return &Hypervisor{
		cfg:       cfg,
		services:  services,
		plane:     plane,
		instances: make(map[types.InstanceID]*instance),
		runtimes:  make(map[string]runtime.Runtime),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the health monitor, the idle reaper, and the storage
// accountant.
func (h *Hypervisor) Start() {
	h.wg.Add(3)
	go h.monitorLoop()
	go h.reapLoop()
	go h.storageLoop()
}

// Shutdown drains: stops the loops, then stops every instance with the
// configured grace.
func (h *Hypervisor) Shutdown(ctx context.Context) {
	h.stopped.Do(func() { close(h.stopCh) })
	h.wg.Wait()

	h.mu.RLock()
	ids := make([]types.InstanceID, 0, len(h.instances))
	for id := range h.instances {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id types.InstanceID) {
			defer wg.Done()
			if err := h.Stop(id); err != nil {
				log.WithComponent("hypervisor").Warn().Err(err).Str("instance", id.String()).Msg("stop during shutdown failed")
			}
		}(id)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		log.WithComponent("hypervisor").Warn().Msg("shutdown grace expired with instances still stopping")
	}
}

// ServiceSpec returns the configured spec for a service.
func (h *Hypervisor) ServiceSpec(name string) (types.ServiceSpec, bool) {
	spec, ok := h.services[name]
	return spec, ok
}

// Services lists the configured service specs, sorted by name.
func (h *Hypervisor) Services() []types.ServiceSpec {
	out := make([]types.ServiceSpec, 0, len(h.services))
	for _, s := range h.services {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Spawn launches a new instance and waits for startup readiness.
func (h *Hypervisor) Spawn(ctx context.Context, service, label string) (types.Address, error) {
	return h.SpawnWith(ctx, service, label, nil)
}

// SpawnWith is Spawn with per-instance environment overrides, applied on
// top of the service spec's environment.
func (h *Hypervisor) SpawnWith(ctx context.Context, service, label string, extraEnv map[string]string) (types.Address, error) {
	spec, ok := h.services[service]
	if !ok {
		return types.Address{}, fmt.Errorf("service %q: %w", service, errdefs.ErrUnknownService)
	}
	id := types.InstanceID{Service: service, Label: label}

	h.mu.Lock()
	if prev, ok := h.instances[id]; ok && prev.status.Live() {
		h.mu.Unlock()
		return types.Address{}, fmt.Errorf("instance %s: %w", id, errdefs.ErrAlreadyRunning)
	}
	now := time.Now()
	inst := &instance{
		id:           id,
		spec:         spec,
		gen:          h.bumpGenLocked(),
		extraEnv:     extraEnv,
		createdAt:    now,
		lastActivity: now,
		health:       types.HealthStarting,
		status:       types.StatusStarting,
		weight:       spec.Weight,
	}
	h.instances[id] = inst
	gen := inst.gen
	h.mu.Unlock()

	addr, err := h.startInstance(ctx, id, gen)
	if err != nil {
		h.spawnFailed(id, gen, err)
		return types.Address{}, err
	}
	return addr, nil
}

func (h *Hypervisor) bumpGenLocked() uint64 {
	h.nextGen++
	return h.nextGen
}

// startInstance does the heavy lifting of one launch: data directory,
// addressing, environment, runtime launch, limits, readiness. It is
// called for fresh spawns and for restarts, identified by (id, gen) so a
// concurrent stop invalidates it.
func (h *Hypervisor) startInstance(ctx context.Context, id types.InstanceID, gen uint64) (types.Address, error) {
	h.mu.RLock()
	inst, ok := h.instances[id]
	if !ok || inst.gen != gen {
		h.mu.RUnlock()
		return types.Address{}, fmt.Errorf("instance %s: %w", id, errdefs.ErrNotFound)
	}
	spec := inst.spec
	extraEnv := inst.extraEnv
	h.mu.RUnlock()

	started := time.Now()
	lg := log.WithInstance(id)

	dataDir := filepath.Join(h.cfg.DataDir, id.Service, id.Label)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return types.Address{}, fmt.Errorf("failed to create data dir: %w: %w", err, errdefs.ErrSpawnFailed)
	}

	addr, err := h.allocateAddress(spec, id)
	if err != nil {
		return types.Address{}, err
	}

	rt, err := h.runtimeFor(spec)
	if err != nil {
		return types.Address{}, fmt.Errorf("runtime init for %s: %w: %w", id, err, errdefs.ErrSpawnFailed)
	}

	stdout := h.plane.LineWriter(id.Service, id.Label, types.StreamStdout)
	stderr := h.plane.LineWriter(id.Service, id.Label, types.StreamStderr)

	launchSpec := runtime.LaunchSpec{
		Command:    spec.Command,
		Args:       interpolateArgs(spec.Args, id, dataDir, addr),
		Env:        buildEnv(spec, id, dataDir, addr, extraEnv),
		Dir:        spec.Dir,
		SocketPath: addr.Path,
		StateDir:   filepath.Join(h.cfg.DataDir, ".runtime", id.Service, id.Label),
		Stdout:     stdout,
		Stderr:     stderr,
	}

	handle, err := rt.Launch(ctx, id, launchSpec)
	if err != nil {
		return types.Address{}, err
	}

	var cgroup string
	if spec.Limits != nil {
		cgroup, err = limits.Apply(id.Service, id.Label, handle.PID, *spec.Limits)
		if err != nil {
			_ = rt.Stop(context.Background(), handle, time.Second)
			return types.Address{}, fmt.Errorf("cgroup setup for %s: %w: %w", id, err, errdefs.ErrSpawnFailed)
		}
	}

	// Commit the launch before waiting: the exit watcher needs the
	// handle in place, and stop paths need the cgroup and address.
	h.mu.Lock()
	inst, ok = h.instances[id]
	if !ok || inst.gen != gen {
		h.mu.Unlock()
		_ = rt.Stop(context.Background(), handle, time.Second)
		_ = limits.Remove(cgroup)
		return types.Address{}, fmt.Errorf("instance %s stopped during spawn: %w", id, errdefs.ErrNotFound)
	}
	inst.handle = handle
	inst.addr = addr
	inst.dataDir = dataDir
	inst.cgroup = cgroup
	inst.stdout = stdout
	inst.stderr = stderr
	h.mu.Unlock()

	go h.watchExit(id, gen, handle, stdout, stderr)

	if err := h.waitReady(ctx, spec, addr, handle); err != nil {
		return types.Address{}, err
	}

	h.mu.Lock()
	inst, ok = h.instances[id]
	if ok && inst.gen == gen {
		inst.status = types.StatusRunning
		inst.health = types.HealthHealthy
		// Reaching healthy resets the failure accounting.
		inst.restartCount = 0
		inst.backoff = 0
		inst.windowStart = time.Time{}
		inst.degraded = 0
	}
	h.mu.Unlock()

	metrics.SpawnsTotal.WithLabelValues(id.Service).Inc()
	metrics.SpawnDuration.Observe(time.Since(started).Seconds())
	lg.Info().Str("address", addr.String()).Int("pid", handle.PID).
		Dur("took", time.Since(started)).Msg("instance started")
	return addr, nil
}

// spawnFailed records a failed launch and hands the instance to the
// restart policy. Spawn errors never escape their instance's scope.
func (h *Hypervisor) spawnFailed(id types.InstanceID, gen uint64, cause error) {
	log.WithInstance(id).Error().Err(cause).Msg("spawn failed")

	h.mu.Lock()
	inst, ok := h.instances[id]
	if !ok || inst.gen != gen {
		h.mu.Unlock()
		return
	}
	inst.health = types.HealthFailed
	inst.status = types.StatusFailed
	// A child that launched but never became ready must not outlive the
	// failed spawn.
	handle, addr, cgroup, spec := inst.handle, inst.addr, inst.cgroup, inst.spec
	inst.handle = nil
	inst.addr = types.Address{}

	// Prefer the child's real exit result so the on-failure policy can
	// tell a clean exit from a crash.
	res := runtime.ExitResult{Code: -1, Err: cause}
	if handle != nil {
		select {
		case <-handle.Done():
			res = handle.ExitResult()
		default:
		}
	}
	h.scheduleRestartLocked(inst, res)
	h.mu.Unlock()

	h.teardown(id, spec, handle, addr, cgroup)
}

// allocateAddress interpolates the socket template or grabs a free
// loopback port. Any stale socket file is removed before the child
// listens.
func (h *Hypervisor) allocateAddress(spec types.ServiceSpec, id types.InstanceID) (types.Address, error) {
	if spec.UseTCP {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return types.Address{}, fmt.Errorf("port allocation for %s: %w: %w", id, err, errdefs.ErrSpawnFailed)
		}
		port := ln.Addr().(*net.TCPAddr).Port
		ln.Close()
		return types.Address{Kind: types.AddrTCP, Port: port}, nil
	}

	path := spec.Socket
	if path == "" {
		path = filepath.Join(h.cfg.SocketDir, id.Service+"-"+id.Label+".sock")
	} else {
		path = strings.NewReplacer("{name}", id.Service, "{id}", id.Label).Replace(path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return types.Address{}, fmt.Errorf("socket dir for %s: %w: %w", id, err, errdefs.ErrSpawnFailed)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return types.Address{}, fmt.Errorf("socket %s in use: %w: %w", path, err, errdefs.ErrConflict)
	}
	return types.Address{Kind: types.AddrUnix, Path: path}, nil
}

// waitReady polls the instance address until it accepts connections,
// within the startup timeout. VM instances must complete the vsock
// handshake; when a health endpoint is configured, one successful probe
// is additionally required.
func (h *Hypervisor) waitReady(ctx context.Context, spec types.ServiceSpec, addr types.Address, handle *runtime.Handle) error {
	timeout := spec.StartupTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	deadline := time.Now().Add(timeout)

	for {
		select {
		case <-handle.Done():
			res := handle.ExitResult()
			return fmt.Errorf("child exited with code %d before readiness: %w", res.Code, errdefs.ErrSpawnFailed)
		case <-ctx.Done():
			return fmt.Errorf("spawn cancelled: %w", ctx.Err())
		default:
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("instance not ready after %s: %w", timeout, errdefs.ErrStartupTimeout)
		}

		if err := h.probe(spec, addr, 2*time.Second); err == nil {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func (h *Hypervisor) runtimeFor(spec types.ServiceSpec) (runtime.Runtime, error) {
	h.rtMu.Lock()
	defer h.rtMu.Unlock()
	if rt, ok := h.runtimes[spec.Name]; ok {
		return rt, nil
	}
	rt, err := runtime.New(spec.Isolation, runtime.Options{
		SandboxRunner: h.cfg.SandboxRunner,
		VMBinary:      h.cfg.VMBinary,
		VM:            spec.VM,
	})
	if err != nil {
		return nil, err
	}
	h.runtimes[spec.Name] = rt
	return rt, nil
}

// Stop terminates an instance and removes it from the table. Stopping an
// absent instance is a no-op.
func (h *Hypervisor) Stop(id types.InstanceID) error {
	h.mu.Lock()
	inst, ok := h.instances[id]
	if !ok {
		h.mu.Unlock()
		return nil
	}
	// Invalidate the exit watcher and any pending restart timer.
	inst.gen = h.bumpGenLocked()
	handle := inst.handle
	addr := inst.addr
	cgroup := inst.cgroup
	dataDir := inst.dataDir
	spec := inst.spec
	delete(h.instances, id)
	h.mu.Unlock()

	h.teardown(id, spec, handle, addr, cgroup)

	if !spec.PersistOnStop && dataDir != "" {
		if err := os.RemoveAll(dataDir); err != nil {
			log.WithInstance(id).Warn().Err(err).Msg("failed to remove data dir")
		}
	}
	log.WithInstance(id).Info().Msg("instance stopped")
	return nil
}

// teardown kills the child and releases its socket and cgroup. Stop
// removes the table entry before calling it, so the id is already gone
// from the table when the socket is released; the reaper and the
// failure paths keep the entry.
func (h *Hypervisor) teardown(id types.InstanceID, spec types.ServiceSpec, handle *runtime.Handle, addr types.Address, cgroup string) {
	if handle != nil {
		rt, err := h.runtimeFor(spec)
		if err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), h.cfg.StopGrace+5*time.Second)
			grace := spec.StopGrace
			if grace <= 0 {
				grace = h.cfg.StopGrace
			}
			if err := rt.Stop(ctx, handle, grace); err != nil {
				log.WithInstance(id).Warn().Err(err).Msg("runtime stop failed")
			}
			cancel()
		}
	}
	if cgroup != "" {
		if err := limits.Remove(cgroup); err != nil {
			log.WithInstance(id).Warn().Err(err).Msg("cgroup removal failed")
		}
	}
	if addr.Kind == types.AddrUnix && addr.Path != "" {
		_ = os.Remove(addr.Path)
	}
}

// Restart stops and respawns an instance, preserving label, weight, and
// environment overrides.
func (h *Hypervisor) Restart(ctx context.Context, id types.InstanceID) (types.Address, error) {
	h.mu.RLock()
	inst, ok := h.instances[id]
	if !ok {
		h.mu.RUnlock()
		return types.Address{}, fmt.Errorf("instance %s: %w", id, errdefs.ErrNotFound)
	}
	weight := inst.weight
	extraEnv := inst.extraEnv
	h.mu.RUnlock()

	if err := h.Stop(id); err != nil {
		return types.Address{}, err
	}
	metrics.RestartsTotal.WithLabelValues(id.Service).Inc()

	addr, err := h.SpawnWith(ctx, id.Service, id.Label, extraEnv)
	if err != nil {
		return types.Address{}, err
	}
	_ = h.SetWeight(id, weight)
	return addr, nil
}

// List snapshots every instance, sorted by id.
func (h *Hypervisor) List() []types.InstanceView {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]types.InstanceView, 0, len(h.instances))
	for _, inst := range h.instances {
		out = append(out, inst.view())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// ListService snapshots the instances of one service.
func (h *Hypervisor) ListService(service string) []types.InstanceView {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []types.InstanceView
	for _, inst := range h.instances {
		if inst.id.Service == service {
			out = append(out, inst.view())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID.Label < out[j].ID.Label
	})
	return out
}

// Get snapshots a single instance.
func (h *Hypervisor) Get(id types.InstanceID) (types.InstanceView, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	inst, ok := h.instances[id]
	if !ok {
		return types.InstanceView{}, false
	}
	return inst.view(), true
}

// IsRunning reports whether the id maps to a live child.
func (h *Hypervisor) IsRunning(id types.InstanceID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	inst, ok := h.instances[id]
	return ok && inst.status.Live()
}

// TouchActivity records a real inbound request. Health probes never call
// this.
func (h *Hypervisor) TouchActivity(id types.InstanceID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if inst, ok := h.instances[id]; ok && inst.status.Live() {
		inst.lastActivity = time.Now()
	}
}

// GetAndTouch atomically refreshes last-activity and snapshots a live
// instance. The single write acquisition closes the check-then-act race
// with the idle reaper.
func (h *Hypervisor) GetAndTouch(id types.InstanceID) (types.InstanceView, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	inst, ok := h.instances[id]
	if !ok || inst.status != types.StatusRunning || inst.addr.IsZero() {
		// Starting instances go through the wake path instead; they have
		// no usable address yet.
		return types.InstanceView{}, false
	}
	inst.lastActivity = time.Now()
	return inst.view(), true
}

// SetWeight adjusts routing weight. No side effects on the running
// process; weight zero removes the instance from weighted routing only.
func (h *Hypervisor) SetWeight(id types.InstanceID, w int) error {
	if w < 0 || w > 100 {
		return fmt.Errorf("weight %d outside [0,100]: %w", w, errdefs.ErrBadRequest)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	inst, ok := h.instances[id]
	if !ok {
		return fmt.Errorf("instance %s: %w", id, errdefs.ErrNotFound)
	}
	inst.weight = w
	return nil
}

// SpawnAndWait is the wake-on-request entry point: spawn if absent, wait
// for readiness, and coalesce concurrent callers for the same id onto a
// single spawn. Client cancellation abandons the wait, never the spawn.
func (h *Hypervisor) SpawnAndWait(ctx context.Context, service, label string) (types.Address, error) {
	id := types.InstanceID{Service: service, Label: label}

	ch := h.inflight.DoChan(id.String(), func() (any, error) {
		return h.wake(id)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return types.Address{}, res.Err
		}
		return res.Val.(types.Address), nil
	case <-ctx.Done():
		// The shared spawn proceeds; only this caller's response is lost.
		return types.Address{}, fmt.Errorf("wake abandoned: %w", ctx.Err())
	}
}

func (h *Hypervisor) wake(id types.InstanceID) (types.Address, error) {
	h.mu.RLock()
	inst, ok := h.instances[id]
	var (
		status types.InstanceStatus
		health types.HealthState
		addr   types.Address
	)
	if ok {
		status, health, addr = inst.status, inst.health, inst.addr
	}
	h.mu.RUnlock()

	switch {
	case ok && status == types.StatusRunning && health != types.HealthFailed:
		h.TouchActivity(id)
		return addr, nil
	case ok && (status == types.StatusStarting || status == types.StatusRestarting):
		return h.awaitHealthy(id)
	case ok && status == types.StatusFailed:
		return types.Address{}, fmt.Errorf("instance %s failed permanently, restart it manually: %w", id, errdefs.ErrSpawnFailed)
	}

	// Absent or idle-stopped: spawn fresh. Detached from any caller's
	// context so a disconnect does not abort the spawn.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	return h.Spawn(ctx, id.Service, id.Label)
}

// awaitHealthy polls a starting instance until it is usable or the wake
// wait expires.
func (h *Hypervisor) awaitHealthy(id types.InstanceID) (types.Address, error) {
	deadline := time.Now().Add(h.cfg.WakeWait)
	for time.Now().Before(deadline) {
		h.mu.RLock()
		inst, ok := h.instances[id]
		var (
			status types.InstanceStatus
			health types.HealthState
			addr   types.Address
		)
		if ok {
			status, health, addr = inst.status, inst.health, inst.addr
		}
		h.mu.RUnlock()

		switch {
		case !ok:
			return types.Address{}, fmt.Errorf("instance %s vanished while starting: %w", id, errdefs.ErrNotFound)
		case status == types.StatusRunning && health != types.HealthFailed:
			h.TouchActivity(id)
			return addr, nil
		case status == types.StatusFailed:
			return types.Address{}, fmt.Errorf("instance %s failed while starting: %w", id, errdefs.ErrSpawnFailed)
		}
		time.Sleep(50 * time.Millisecond)
	}
	return types.Address{}, fmt.Errorf("instance %s: %w", id, errdefs.ErrHealthTimeout)
}

// interpolateArgs applies the placeholder set to the argument vector.
func interpolateArgs(args []string, id types.InstanceID, dataDir string, addr types.Address) []string {
	if len(args) == 0 {
		return nil
	}
	repl := placeholderReplacer(id, dataDir, addr)
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = repl.Replace(a)
	}
	return out
}

// buildEnv produces the curated child environment: interpolated
// user-specified entries plus PORT or SOCKET_PATH, over a minimal base.
func buildEnv(spec types.ServiceSpec, id types.InstanceID, dataDir string, addr types.Address, extra map[string]string) []string {
	repl := placeholderReplacer(id, dataDir, addr)

	merged := make(map[string]string, len(spec.Env)+len(extra))
	for k, v := range spec.Env {
		merged[k] = repl.Replace(v)
	}
	for k, v := range extra {
		merged[k] = repl.Replace(v)
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := []string{"PATH=" + os.Getenv("PATH")}
	for _, k := range keys {
		env = append(env, k+"="+merged[k])
	}
	if addr.Kind == types.AddrTCP {
		env = append(env, "PORT="+strconv.Itoa(addr.Port))
	} else {
		env = append(env, "SOCKET_PATH="+addr.Path)
	}
	return env
}

func placeholderReplacer(id types.InstanceID, dataDir string, addr types.Address) *strings.Replacer {
	return strings.NewReplacer(
		"{name}", id.Service,
		"{id}", id.Label,
		"{data_dir}", dataDir,
		"{socket}", addr.Path,
		"{port}", strconv.Itoa(addr.Port),
	)
}
