//go:build !linux

package limits

import (
	"sync"

	"github.com/cuemby/tenement/pkg/log"
	"github.com/cuemby/tenement/pkg/types"
)

var warnOnce sync.Once

// Supported is always false off Linux.
func Supported() bool {
	return false
}

// Apply is a no-op off Linux. Warns once when limits were requested.
func Apply(service, label string, pid int, lim types.ResourceLimits) (string, error) {
	warnOnce.Do(func() {
		log.WithComponent("limits").Warn().
			Msg("resource limits are only enforced on Linux with cgroup v2; running without limits")
	})
	return "", nil
}

// Remove is a no-op off Linux.
func Remove(path string) error {
	return nil
}
