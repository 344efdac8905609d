package runtime

import (
	"context"
	"os/exec"
	"time"

	"github.com/cuemby/tenement/pkg/types"
)

// processRuntime spawns the child directly, with no isolation. Used for
// debug and trusted co-tenants.
type processRuntime struct{}

func (r *processRuntime) Kind() Kind {
	return KindNone
}

func (r *processRuntime) Launch(ctx context.Context, id types.InstanceID, spec LaunchSpec) (*Handle, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Env = spec.Env
	cmd.Dir = spec.Dir
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	return launch(cmd, KindNone)
}

func (r *processRuntime) Stop(ctx context.Context, h *Handle, grace time.Duration) error {
	return stopProcess(ctx, h, grace)
}

func (r *processRuntime) IsAlive(h *Handle) bool {
	return alive(h)
}
