package hypervisor

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cuemby/tenement/pkg/log"
	"github.com/cuemby/tenement/pkg/metrics"
	"github.com/cuemby/tenement/pkg/runtime"
	"github.com/cuemby/tenement/pkg/types"
)

const (
	probeTimeout = 3 * time.Second
	// failAfter consecutive degraded probes promote an instance to
	// failed and trigger the restart policy.
	failAfter = 3
)

// monitorLoop periodically probes every running instance. The interval
// is jittered so hundreds of hosts do not probe in lockstep.
func (h *Hypervisor) monitorLoop() {
	defer h.wg.Done()

	for {
		interval := h.cfg.HealthCheckInterval
		jitter := time.Duration(rand.Int63n(int64(interval) / 5))
		timer := time.NewTimer(interval + jitter)
		select {
		case <-timer.C:
		case <-h.stopCh:
			timer.Stop()
			return
		}

		h.mu.RLock()
		targets := make([]types.InstanceID, 0, len(h.instances))
		for id, inst := range h.instances {
			if inst.status == types.StatusRunning {
				targets = append(targets, id)
			}
		}
		h.mu.RUnlock()

		var wg sync.WaitGroup
		for _, id := range targets {
			wg.Add(1)
			go func(id types.InstanceID) {
				defer wg.Done()
				h.probeOne(id)
			}(id)
		}
		wg.Wait()
	}
}

// probeOne probes a single instance by id, re-resolving before and after
// the (lock-free) network round trip.
func (h *Hypervisor) probeOne(id types.InstanceID) {
	h.mu.RLock()
	inst, ok := h.instances[id]
	var (
		gen  uint64
		spec types.ServiceSpec
		addr types.Address
	)
	if ok {
		gen, spec, addr = inst.gen, inst.spec, inst.addr
	}
	h.mu.RUnlock()
	if !ok {
		return
	}

	err := h.probe(spec, addr, probeTimeout)

	outcome := "healthy"
	if err != nil {
		outcome = "degraded"
	}
	metrics.HealthProbesTotal.WithLabelValues(id.Service, outcome).Inc()

	h.mu.Lock()
	inst, ok = h.instances[id]
	if !ok || inst.gen != gen || inst.status != types.StatusRunning {
		h.mu.Unlock()
		return
	}

	if err == nil {
		if inst.health != types.HealthHealthy {
			// A healthy transition resets the failure accounting.
			inst.restartCount = 0
			inst.backoff = 0
			inst.windowStart = time.Time{}
		}
		inst.health = types.HealthHealthy
		inst.degraded = 0
		h.mu.Unlock()
		return
	}

	inst.degraded++
	inst.health = types.HealthDegraded
	log.WithInstance(id).Warn().Err(err).Int("consecutive", inst.degraded).Msg("health probe failed")

	if inst.degraded < failAfter {
		h.mu.Unlock()
		return
	}

	// Third strike: failed. Kill the child and let the restart policy
	// decide what happens next.
	inst.health = types.HealthFailed
	inst.status = types.StatusFailed
	handle, cgroup, addr2 := inst.handle, inst.cgroup, inst.addr
	inst.handle = nil
	inst.addr = types.Address{}
	h.scheduleRestartLocked(inst, runtime.ExitResult{Code: -1, Err: err})
	h.mu.Unlock()

	log.WithInstance(id).Error().Msg("instance unhealthy, stopping")
	h.teardown(id, spec, handle, addr2, cgroup)
}

// probe checks liveness of one instance address. For VMs the vsock
// handshake runs first; with a health endpoint configured, a single GET
// with Connection: close must answer 2xx. Probes never touch activity.
func (h *Hypervisor) probe(spec types.ServiceSpec, addr types.Address, timeout time.Duration) error {
	if addr.IsZero() {
		return fmt.Errorf("no address")
	}

	dial := func(context.Context, string, string) (net.Conn, error) {
		return dialInstance(spec, addr, timeout)
	}

	if spec.HealthPath == "" {
		conn, err := dial(context.Background(), "", "")
		if err != nil {
			return err
		}
		conn.Close()
		return nil
	}

	client := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext:       dial,
			DisableKeepAlives: true,
		},
	}
	req, err := http.NewRequest(http.MethodGet, "http://instance"+spec.HealthPath, nil)
	if err != nil {
		return err
	}
	req.Close = true

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health endpoint answered %d", resp.StatusCode)
	}
	return nil
}

// dialInstance opens a raw connection to an instance, performing the
// vsock handshake for microVM instances.
func dialInstance(spec types.ServiceSpec, addr types.Address, timeout time.Duration) (net.Conn, error) {
	if spec.VM != nil {
		return runtime.VsockHandshake(addr.Path, spec.VM.VsockPort, timeout)
	}
	switch addr.Kind {
	case types.AddrUnix:
		return net.DialTimeout("unix", addr.Path, timeout)
	default:
		return net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", addr.Port), timeout)
	}
}
