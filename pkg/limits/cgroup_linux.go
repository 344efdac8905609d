//go:build linux

package limits

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cuemby/tenement/pkg/log"
	"github.com/cuemby/tenement/pkg/types"
)

const cgroupRoot = "/sys/fs/cgroup"

// Supported reports whether cgroup v2 with the needed controllers is
// mounted.
func Supported() bool {
	data, err := os.ReadFile(filepath.Join(cgroupRoot, "cgroup.controllers"))
	if err != nil {
		return false
	}
	controllers := string(data)
	return strings.Contains(controllers, "memory") && strings.Contains(controllers, "cpu")
}

// Apply creates the per-instance cgroup, writes the limits, and moves the
// child into it. Returns the cgroup path for later removal.
func Apply(service, label string, pid int, lim types.ResourceLimits) (string, error) {
	if !Supported() {
		log.WithComponent("limits").Warn().
			Str("service", service).Str("instance", label).
			Msg("resource limits requested but cgroup v2 unavailable; running without limits")
		return "", nil
	}

	path := filepath.Join(cgroupRoot, "tenement", service+"-"+label)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("failed to create cgroup: %w", err)
	}

	if lim.MemoryMB > 0 {
		bytes := lim.MemoryMB * 1024 * 1024
		if err := os.WriteFile(filepath.Join(path, "memory.max"), []byte(strconv.FormatInt(bytes, 10)), 0o644); err != nil {
			return path, fmt.Errorf("failed to write memory.max: %w", err)
		}
	}
	if lim.CPUWeight > 0 {
		weight := lim.CPUWeight
		if clamped := clampWeight(weight); clamped != weight {
			log.WithComponent("limits").Info().
				Str("service", service).Str("instance", label).
				Int("requested", weight).Int("applied", clamped).
				Msg("cpu weight clamped")
			weight = clamped
		}
		if err := os.WriteFile(filepath.Join(path, "cpu.weight"), []byte(strconv.Itoa(weight)), 0o644); err != nil {
			return path, fmt.Errorf("failed to write cpu.weight: %w", err)
		}
	}

	if err := os.WriteFile(filepath.Join(path, "cgroup.procs"), []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return path, fmt.Errorf("failed to move pid %d into cgroup: %w", pid, err)
	}
	return path, nil
}

// Remove migrates any leftover pids back to the parent cgroup and
// removes the directory. Best-effort on the migration.
func Remove(path string) error {
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(filepath.Join(path, "cgroup.procs"))
	if err == nil {
		parent := filepath.Join(filepath.Dir(path), "cgroup.procs")
		for _, line := range strings.Fields(string(data)) {
			if err := os.WriteFile(parent, []byte(line), 0o644); err != nil {
				log.WithComponent("limits").Warn().Err(err).
					Str("pid", line).Str("cgroup", path).
					Msg("failed to migrate pid out of cgroup")
			}
		}
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove cgroup %s: %w", path, err)
	}
	return nil
}

func clampWeight(w int) int {
	if w < 1 {
		return 1
	}
	if w > 10000 {
		return 10000
	}
	return w
}
