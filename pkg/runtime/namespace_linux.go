//go:build linux

package runtime

import (
	"context"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/cuemby/tenement/pkg/types"
)

// nsInitEnv marks a re-exec of the tenement binary acting as the
// in-namespace init: it mounts a private /proc, then execs the target.
const nsInitEnv = "TENEMENT_NS_INIT"

// namespaceRuntime spawns the child in fresh PID and mount namespaces
// with a private /proc.
type namespaceRuntime struct{}

func newNamespaceRuntime() (Runtime, error) {
	return &namespaceRuntime{}, nil
}

func (r *namespaceRuntime) Kind() Kind {
	return KindNamespace
}

func (r *namespaceRuntime) Launch(ctx context.Context, id types.InstanceID, spec LaunchSpec) (*Handle, error) {
	// Re-exec ourselves: the init shim runs as PID 1 of the new PID
	// namespace, remounts /proc, then execs the real command.
	self, err := os.Executable()
	if err != nil {
		self = "/proc/self/exe"
	}
	cmd := exec.Command(self, append([]string{spec.Command}, spec.Args...)...)
	cmd.Env = append([]string{nsInitEnv + "=1"}, spec.Env...)
	cmd.Dir = spec.Dir
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags:   syscall.CLONE_NEWPID | syscall.CLONE_NEWNS,
		Unshareflags: syscall.CLONE_NEWNS,
		Setpgid:      true,
	}
	return launch(cmd, KindNamespace)
}

func (r *namespaceRuntime) Stop(ctx context.Context, h *Handle, grace time.Duration) error {
	return stopProcess(ctx, h, grace)
}

func (r *namespaceRuntime) IsAlive(h *Handle) bool {
	return alive(h)
}

// RunNamespaceInit is called at the top of main. In a namespace re-exec
// it never returns: it makes the mount tree private, mounts /proc for
// the new PID namespace, and execs the target command.
func RunNamespaceInit() {
	if os.Getenv(nsInitEnv) == "" {
		return
	}
	args := os.Args[1:]
	if len(args) == 0 {
		os.Stderr.WriteString("namespace init: no command\n")
		os.Exit(1)
	}

	if err := syscall.Mount("", "/", "", syscall.MS_REC|syscall.MS_PRIVATE, ""); err != nil {
		os.Stderr.WriteString("namespace init: make mounts private: " + err.Error() + "\n")
		os.Exit(1)
	}
	if err := syscall.Mount("proc", "/proc", "proc", 0, ""); err != nil {
		os.Stderr.WriteString("namespace init: mount /proc: " + err.Error() + "\n")
		os.Exit(1)
	}

	path, err := exec.LookPath(args[0])
	if err != nil {
		os.Stderr.WriteString("namespace init: " + err.Error() + "\n")
		os.Exit(127)
	}
	env := os.Environ()
	filtered := env[:0]
	for _, e := range env {
		if len(e) < len(nsInitEnv) || e[:len(nsInitEnv)] != nsInitEnv {
			filtered = append(filtered, e)
		}
	}
	if err := syscall.Exec(path, args, filtered); err != nil {
		os.Stderr.WriteString("namespace init: exec: " + err.Error() + "\n")
		os.Exit(126)
	}
}
