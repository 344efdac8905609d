package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/tenement/pkg/types"
)

// sandboxRuntime launches through an external syscall-filtering runner
// (gVisor's runsc or compatible), feeding it an OCI bundle generated on
// the fly from the launch spec.
type sandboxRuntime struct {
	runner string
}

func (r *sandboxRuntime) Kind() Kind {
	return KindSandbox
}

func (r *sandboxRuntime) Launch(ctx context.Context, id types.InstanceID, spec LaunchSpec) (*Handle, error) {
	if spec.StateDir == "" {
		return nil, fmt.Errorf("sandbox launch needs a state directory")
	}
	bundle := filepath.Join(spec.StateDir, "bundle")
	if err := os.MkdirAll(bundle, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create bundle dir: %w", err)
	}
	if err := writeBundleConfig(bundle, id, spec); err != nil {
		return nil, err
	}

	containerID := id.Service + "-" + id.Label
	cmd := exec.Command(r.runner,
		"--root", filepath.Join(spec.StateDir, "runner"),
		"run", "--bundle", bundle, containerID)
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr

	h, err := launch(cmd, KindSandbox)
	if err != nil {
		return nil, err
	}
	h.BundleDir = bundle
	return h, nil
}

func (r *sandboxRuntime) Stop(ctx context.Context, h *Handle, grace time.Duration) error {
	return stopProcess(ctx, h, grace)
}

func (r *sandboxRuntime) IsAlive(h *Handle) bool {
	return alive(h)
}

// writeBundleConfig emits the OCI config.json. The host socket directory
// is bind-mounted so the guest can create the instance socket.
func writeBundleConfig(bundle string, id types.InstanceID, spec LaunchSpec) error {
	cwd := spec.Dir
	if cwd == "" {
		cwd = "/"
	}

	oci := &specs.Spec{
		Version: specs.Version,
		Process: &specs.Process{
			Terminal: false,
			Args:     append([]string{spec.Command}, spec.Args...),
			Env:      spec.Env,
			Cwd:      cwd,
		},
		Root: &specs.Root{
			Path:     "/",
			Readonly: false,
		},
		Hostname: id.Service + "-" + id.Label,
	}
	if spec.SocketPath != "" {
		sockDir := filepath.Dir(spec.SocketPath)
		oci.Mounts = append(oci.Mounts, specs.Mount{
			Destination: sockDir,
			Source:      sockDir,
			Type:        "bind",
			Options:     []string{"rbind", "rw"},
		})
	}

	data, err := json.MarshalIndent(oci, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal OCI config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(bundle, "config.json"), data, 0o644); err != nil {
		return fmt.Errorf("failed to write OCI config: %w", err)
	}
	return nil
}
