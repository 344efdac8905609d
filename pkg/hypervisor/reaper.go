package hypervisor

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/cuemby/tenement/pkg/log"
	"github.com/cuemby/tenement/pkg/metrics"
	"github.com/cuemby/tenement/pkg/types"
)

// reapLoop periodically stops instances whose last real request is older
// than their idle timeout. Reaped instances keep their table entry (as
// idle-stopped) and their data directory, so the next request wakes them
// transparently.
func (h *Hypervisor) reapLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.reapIdle()
		case <-h.stopCh:
			return
		}
	}
}

func (h *Hypervisor) reapIdle() {
	now := time.Now()

	h.mu.RLock()
	var candidates []types.InstanceID
	for id, inst := range h.instances {
		if inst.spec.IdleTimeout > 0 &&
			inst.status == types.StatusRunning &&
			now.Sub(inst.lastActivity) > inst.spec.IdleTimeout {
			candidates = append(candidates, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range candidates {
		h.reap(id)
	}
}

// reap transitions one instance to idle-stopped. Not a failure: the
// restart accounting is untouched.
func (h *Hypervisor) reap(id types.InstanceID) {
	h.mu.Lock()
	inst, ok := h.instances[id]
	if !ok || inst.status != types.StatusRunning ||
		inst.spec.IdleTimeout <= 0 ||
		time.Since(inst.lastActivity) <= inst.spec.IdleTimeout {
		// A request slipped in through GetAndTouch; leave it alone.
		h.mu.Unlock()
		return
	}
	inst.gen = h.bumpGenLocked()
	inst.status = types.StatusIdleStopped
	inst.health = types.HealthStarting
	handle, addr, cgroup, spec := inst.handle, inst.addr, inst.cgroup, inst.spec
	inst.handle = nil
	inst.addr = types.Address{}
	inst.cgroup = ""
	h.mu.Unlock()

	h.teardown(id, spec, handle, addr, cgroup)
	metrics.ReapsTotal.WithLabelValues(id.Service).Inc()
	log.WithInstance(id).Info().Dur("idle_timeout", spec.IdleTimeout).Msg("instance idle, reaped")
}

// storageLoop refreshes per-instance storage accounting by walking the
// data directories.
func (h *Hypervisor) storageLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cfg.StorageInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.refreshStorage()
		case <-h.stopCh:
			return
		}
	}
}

func (h *Hypervisor) refreshStorage() {
	type target struct {
		id      types.InstanceID
		dataDir string
		quota   int64
	}

	h.mu.RLock()
	var targets []target
	for id, inst := range h.instances {
		if inst.dataDir != "" {
			targets = append(targets, target{
				id:      id,
				dataDir: inst.dataDir,
				quota:   inst.spec.StorageQuotaMB * 1024 * 1024,
			})
		}
	}
	h.mu.RUnlock()

	for _, t := range targets {
		used := dirSize(t.dataDir)

		h.mu.Lock()
		inst, ok := h.instances[t.id]
		if !ok {
			h.mu.Unlock()
			continue
		}
		inst.storageUsed = used
		exceeded := t.quota > 0 && used > t.quota
		firstCross := exceeded && !inst.quotaExceeded
		inst.quotaExceeded = exceeded
		h.mu.Unlock()

		if firstCross {
			// Quota is advisory; the crossing itself must be observable.
			msg := fmt.Sprintf("storage quota exceeded: %d bytes used, %d allowed", used, t.quota)
			log.WithInstance(t.id).Warn().Int64("used", used).Int64("quota", t.quota).Msg("storage quota exceeded")
			h.plane.Append(types.LogRecord{
				Service:  t.id.Service,
				Instance: t.id.Label,
				Stream:   types.StreamSystem,
				Severity: types.SeverityWarn,
				Message:  msg,
			})
		}
	}
}

// dirSize sums regular file sizes under root. Errors skip entries; the
// walk is accounting, not enforcement.
func dirSize(root string) int64 {
	var total int64
	_ = filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total
}
