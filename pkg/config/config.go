// Package config loads the daemon's TOML configuration with koanf,
// layering defaults, the config file, and TENEMENT_* environment
// variables, and converts service definitions into runtime specs.
package config

import (
	"fmt"
	"time"

	"github.com/cuemby/tenement/pkg/types"
)

// Config is the fully resolved daemon configuration.
type Config struct {
	Server   ServerConfig             `koanf:"server"`
	Log      LogConfig                `koanf:"log"`
	Store    StoreConfig              `koanf:"store"`
	Services map[string]ServiceConfig `koanf:"services"`
}

// ServerConfig configures the front door and the control plane.
type ServerConfig struct {
	ListenAddr    string `koanf:"listen_addr"`
	BaseDomain    string `koanf:"base_domain"`
	ControlDomain string `koanf:"control_domain"`
	DataDir       string `koanf:"data_dir"`
	SocketDir     string `koanf:"socket_dir"`
	AssetsDir     string `koanf:"assets_dir"`

	HealthCheckIntervalSec int `koanf:"health_check_interval"`
	ReapIntervalSec        int `koanf:"reap_interval"`
	StorageIntervalSec     int `koanf:"storage_interval"`
	ShutdownGraceSec       int `koanf:"shutdown_grace"`
}

// LogConfig configures process logging and the log plane.
type LogConfig struct {
	Level        string `koanf:"level"`
	JSON         bool   `koanf:"json"`
	RingCapacity int    `koanf:"ring_capacity"`
	RetainDays   int    `koanf:"retain_days"`
	RetainCount  int64  `koanf:"retain_count"`
}

// StoreConfig configures the SQLite store.
type StoreConfig struct {
	Path string `koanf:"path"` // empty = {data_dir}/tenement.db
}

// ServiceConfig is the on-disk shape of a service definition. Durations
// are seconds; ToSpec converts to the internal representation.
type ServiceConfig struct {
	Command string            `koanf:"command"`
	Args    []string          `koanf:"args"`
	Dir     string            `koanf:"dir"`
	Env     map[string]string `koanf:"env"`

	Socket string `koanf:"socket"`
	TCP    bool   `koanf:"tcp"`

	HealthPath        string `koanf:"health"`
	StartupTimeoutSec int    `koanf:"startup_timeout"`
	IdleTimeoutSec    int    `koanf:"idle_timeout"`
	StopGraceSec      int    `koanf:"stop_grace"`

	Restart          string `koanf:"restart"`
	MaxRestarts      int    `koanf:"max_restarts"`
	RestartWindowSec int    `koanf:"restart_window"`
	BackoffBaseMS    int    `koanf:"backoff_base_ms"`
	BackoffMaxSec    int    `koanf:"backoff_max"`

	Isolation      string `koanf:"isolation"`
	MemoryLimitMB  int64  `koanf:"memory_limit_mb"`
	CPUWeight      int    `koanf:"cpu_weight"`
	StorageQuotaMB int64  `koanf:"storage_quota_mb"`
	PersistOnStop  bool   `koanf:"persist_on_stop"`

	Weight       int    `koanf:"weight"`
	DefaultLabel string `koanf:"default_label"`

	VMKernel    string `koanf:"vm_kernel"`
	VMRootfs    string `koanf:"vm_rootfs"`
	VMMemoryMB  int64  `koanf:"vm_memory_mb"`
	VMVCPUs     int    `koanf:"vm_vcpus"`
	VMVsockPort int    `koanf:"vm_vsock_port"`
}

// ToSpec converts the config shape into the immutable runtime spec.
func (c ServiceConfig) ToSpec(name string) types.ServiceSpec {
	spec := types.ServiceSpec{
		Name:           name,
		Command:        c.Command,
		Args:           c.Args,
		Dir:            c.Dir,
		Env:            c.Env,
		Socket:         c.Socket,
		UseTCP:         c.TCP,
		HealthPath:     c.HealthPath,
		StartupTimeout: time.Duration(c.StartupTimeoutSec) * time.Second,
		IdleTimeout:    time.Duration(c.IdleTimeoutSec) * time.Second,
		StopGrace:      time.Duration(c.StopGraceSec) * time.Second,
		Restart:        types.RestartPolicy(c.Restart),
		MaxRestarts:    c.MaxRestarts,
		RestartWindow:  time.Duration(c.RestartWindowSec) * time.Second,
		BackoffBase:    time.Duration(c.BackoffBaseMS) * time.Millisecond,
		BackoffMax:     time.Duration(c.BackoffMaxSec) * time.Second,
		Isolation:      types.IsolationKind(c.Isolation),
		StorageQuotaMB: c.StorageQuotaMB,
		PersistOnStop:  c.PersistOnStop,
		Weight:         c.Weight,
		DefaultLabel:   c.DefaultLabel,
	}
	if c.TCP {
		spec.Socket = ""
	}
	if c.MemoryLimitMB > 0 || c.CPUWeight > 0 {
		spec.Limits = &types.ResourceLimits{MemoryMB: c.MemoryLimitMB, CPUWeight: c.CPUWeight}
	}
	if spec.Isolation == types.IsolationMicroVM {
		spec.VM = &types.VMConfig{
			Kernel:    c.VMKernel,
			Rootfs:    c.VMRootfs,
			MemoryMB:  c.VMMemoryMB,
			VCPUs:     c.VMVCPUs,
			VsockPort: c.VMVsockPort,
		}
	}
	return spec
}

// Validate checks the whole configuration. Violations are config errors
// and exit the process with code 2.
func (c *Config) Validate() error {
	if c.Server.BaseDomain == "" {
		return fmt.Errorf("server.base_domain is required")
	}
	if c.Server.ControlDomain == "" {
		return fmt.Errorf("server.control_domain is required")
	}
	for name, svc := range c.Services {
		if err := svc.validate(); err != nil {
			return fmt.Errorf("service %q: %w", name, err)
		}
	}
	return nil
}

func (c ServiceConfig) validate() error {
	if c.Command == "" {
		return fmt.Errorf("command is required")
	}
	switch types.RestartPolicy(c.Restart) {
	case types.RestartAlways, types.RestartOnFailure, types.RestartNever:
	default:
		return fmt.Errorf("invalid restart policy %q", c.Restart)
	}
	switch types.IsolationKind(c.Isolation) {
	case types.IsolationNone, types.IsolationNamespace, types.IsolationSandbox, types.IsolationMicroVM:
	default:
		return fmt.Errorf("invalid isolation %q", c.Isolation)
	}
	if c.CPUWeight < 0 || c.CPUWeight > 10000 {
		return fmt.Errorf("cpu_weight %d outside [0,10000]", c.CPUWeight)
	}
	if c.Weight < 0 || c.Weight > 100 {
		return fmt.Errorf("weight %d outside [0,100]", c.Weight)
	}
	if types.IsolationKind(c.Isolation) == types.IsolationMicroVM {
		if c.VMKernel == "" || c.VMRootfs == "" {
			return fmt.Errorf("microvm isolation requires vm_kernel and vm_rootfs")
		}
		if c.VMVsockPort <= 0 {
			return fmt.Errorf("microvm isolation requires vm_vsock_port")
		}
	}
	return nil
}

// Specs materializes all service specs keyed by name.
func (c *Config) Specs() map[string]types.ServiceSpec {
	specs := make(map[string]types.ServiceSpec, len(c.Services))
	for name, svc := range c.Services {
		specs[name] = svc.ToSpec(name)
	}
	return specs
}
