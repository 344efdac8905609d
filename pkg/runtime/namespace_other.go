//go:build !linux

package runtime

import "fmt"

// Namespace isolation needs Linux PID and mount namespaces. Construction
// fails so the hypervisor never silently degrades to a bare spawn.
func newNamespaceRuntime() (Runtime, error) {
	return nil, fmt.Errorf("namespace isolation requires Linux PID and mount namespaces; use isolation \"none\" or run on Linux")
}

// RunNamespaceInit is a no-op off Linux.
func RunNamespaceInit() {}
