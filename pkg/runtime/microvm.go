package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/cuemby/tenement/pkg/types"
)

// microVMRuntime boots a VM through a firecracker-compatible monitor and
// wires a hybrid vsock device to the instance's host socket path. The
// guest accepts a "CONNECT <port>" handshake on that vsock before it
// serves HTTP.
type microVMRuntime struct {
	binary string
	vm     types.VMConfig
}

// machineConfig is the monitor's --config-file shape. Only the fields
// Tenement drives are emitted.
type machineConfig struct {
	BootSource struct {
		KernelImagePath string `json:"kernel_image_path"`
		BootArgs        string `json:"boot_args"`
	} `json:"boot-source"`
	Drives  []machineDrive `json:"drives"`
	Machine struct {
		VCPUCount  int   `json:"vcpu_count"`
		MemSizeMib int64 `json:"mem_size_mib"`
	} `json:"machine-config"`
	Vsock struct {
		GuestCID int    `json:"guest_cid"`
		UDSPath  string `json:"uds_path"`
	} `json:"vsock"`
}

type machineDrive struct {
	DriveID      string `json:"drive_id"`
	PathOnHost   string `json:"path_on_host"`
	IsRootDevice bool   `json:"is_root_device"`
	IsReadOnly   bool   `json:"is_read_only"`
}

func (r *microVMRuntime) Kind() Kind {
	return KindMicroVM
}

func (r *microVMRuntime) Launch(ctx context.Context, id types.InstanceID, spec LaunchSpec) (*Handle, error) {
	if spec.StateDir == "" {
		return nil, fmt.Errorf("microvm launch needs a state directory")
	}
	if spec.SocketPath == "" {
		return nil, fmt.Errorf("microvm launch needs a host vsock socket path")
	}
	if err := os.MkdirAll(spec.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create vm state dir: %w", err)
	}

	var mc machineConfig
	mc.BootSource.KernelImagePath = r.vm.Kernel
	mc.BootSource.BootArgs = "console=ttyS0 reboot=k panic=1"
	mc.Drives = []machineDrive{{
		DriveID:      "rootfs",
		PathOnHost:   r.vm.Rootfs,
		IsRootDevice: true,
	}}
	mc.Machine.VCPUCount = max(r.vm.VCPUs, 1)
	mc.Machine.MemSizeMib = r.vm.MemoryMB
	if mc.Machine.MemSizeMib <= 0 {
		mc.Machine.MemSizeMib = 128
	}
	mc.Vsock.GuestCID = 3
	mc.Vsock.UDSPath = spec.SocketPath

	cfgPath := filepath.Join(spec.StateDir, "machine.json")
	data, err := json.MarshalIndent(mc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal machine config: %w", err)
	}
	if err := os.WriteFile(cfgPath, data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write machine config: %w", err)
	}

	apiSock := filepath.Join(spec.StateDir, "monitor.sock")
	_ = os.Remove(apiSock)

	cmd := exec.Command(r.binary, "--api-sock", apiSock, "--config-file", cfgPath)
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr

	h, err := launch(cmd, KindMicroVM)
	if err != nil {
		return nil, err
	}
	h.APISocket = apiSock
	return h, nil
}

func (r *microVMRuntime) Stop(ctx context.Context, h *Handle, grace time.Duration) error {
	err := stopProcess(ctx, h, grace)
	if h != nil && h.APISocket != "" {
		_ = os.Remove(h.APISocket)
	}
	return err
}

func (r *microVMRuntime) IsAlive(h *Handle) bool {
	return alive(h)
}

// VsockPort returns the guest port health probes and proxied requests
// must CONNECT to.
func (r *microVMRuntime) VsockPort() int {
	return r.vm.VsockPort
}
