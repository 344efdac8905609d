package hypervisor

import (
	"context"
	"time"

	"github.com/cuemby/tenement/pkg/log"
	"github.com/cuemby/tenement/pkg/logplane"
	"github.com/cuemby/tenement/pkg/metrics"
	"github.com/cuemby/tenement/pkg/runtime"
	"github.com/cuemby/tenement/pkg/types"
)

// watchExit observes one child for its lifetime. A deliberate stop bumps
// the instance generation first, so a stale watcher finds nothing to do.
func (h *Hypervisor) watchExit(id types.InstanceID, gen uint64, handle *runtime.Handle, stdout, stderr *logplane.LineWriter) {
	select {
	case <-handle.Done():
	case <-h.stopCh:
		return
	}
	res := handle.ExitResult()
	stdout.Flush()
	stderr.Flush()

	h.mu.Lock()
	inst, ok := h.instances[id]
	if !ok || inst.gen != gen {
		// Stopped or replaced deliberately; nothing to supervise.
		h.mu.Unlock()
		return
	}
	if !inst.status.Live() {
		h.mu.Unlock()
		return
	}

	log.WithInstance(id).Warn().Int("exit_code", res.Code).Err(res.Err).Msg("instance exited")
	inst.health = types.HealthFailed
	inst.status = types.StatusFailed

	addr, cgroup, spec := inst.addr, inst.cgroup, inst.spec
	h.scheduleRestartLocked(inst, res)
	h.mu.Unlock()

	// Child is gone; release its socket and cgroup without a kill.
	h.teardown(id, spec, nil, addr, cgroup)
}

// scheduleRestartLocked applies the restart policy to a failed instance.
// Caller holds the write lock.
func (h *Hypervisor) scheduleRestartLocked(inst *instance, res runtime.ExitResult) {
	spec := inst.spec
	id := inst.id

	switch spec.Restart {
	case types.RestartNever:
		return
	case types.RestartOnFailure:
		if !res.Abnormal() {
			// Clean exit: the program finished; drop the record.
			delete(h.instances, id)
			return
		}
	case types.RestartAlways:
	default:
		return
	}

	now := time.Now()
	if inst.windowStart.IsZero() || now.Sub(inst.windowStart) > spec.RestartWindow {
		inst.restartCount = 0
		inst.windowStart = now
	}
	inst.restartCount++

	if spec.MaxRestarts > 0 && inst.restartCount > spec.MaxRestarts {
		log.WithInstance(id).Error().
			Int("restarts", inst.restartCount-1).
			Dur("window", spec.RestartWindow).
			Msg("restart limit reached, instance requires manual intervention")
		inst.status = types.StatusFailed
		inst.health = types.HealthFailed
		// Invalidate this life's exit watcher and spawn path so the same
		// failure is not counted again.
		inst.gen = h.bumpGenLocked()
		return
	}

	delay := backoffDelay(spec, inst.restartCount)
	inst.backoff = delay
	inst.status = types.StatusRestarting
	gen := h.bumpGenLocked()
	inst.gen = gen
	metrics.RestartsTotal.WithLabelValues(id.Service).Inc()

	log.WithInstance(id).Info().
		Dur("backoff", delay).Int("attempt", inst.restartCount).
		Msg("restart scheduled")

	go h.restartAfter(id, gen, delay)
}

func (h *Hypervisor) restartAfter(id types.InstanceID, gen uint64, delay time.Duration) {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-h.stopCh:
		return
	}

	h.mu.Lock()
	inst, ok := h.instances[id]
	if !ok || inst.gen != gen || inst.status != types.StatusRestarting {
		h.mu.Unlock()
		return
	}
	inst.status = types.StatusStarting
	inst.health = types.HealthStarting
	inst.handle = nil
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if _, err := h.startInstance(ctx, id, gen); err != nil {
		h.spawnFailed(id, gen, err)
	}
}

// backoffDelay is min(base * 2^(attempt-1), max).
func backoffDelay(spec types.ServiceSpec, attempt int) time.Duration {
	base := spec.BackoffBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	max := spec.BackoffMax
	if max <= 0 {
		max = 30 * time.Second
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
