package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/tenement/pkg/types"
)

const sampleTOML = `
[server]
base_domain = "example.com"
control_domain = "tenement.example.com"
listen_addr = ":9000"

[services.api]
command = "echo-server"
args = ["--socket", "{socket}"]
health = "/health"
idle_timeout = 120
socket = "/tmp/tenement/{id}.sock"

[services.worker]
command = "worker"
tcp = true
restart = "always"
memory_limit_mb = 256
cpu_weight = 500
weight = 25
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tenement.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.ListenAddr)
	assert.Equal(t, "example.com", cfg.Server.BaseDomain)
	assert.Equal(t, 10, cfg.Server.HealthCheckIntervalSec) // default preserved

	specs := cfg.Specs()
	api := specs["api"]
	assert.Equal(t, "api", api.Name)
	assert.Equal(t, "/health", api.HealthPath)
	assert.Equal(t, 2*time.Minute, api.IdleTimeout)
	assert.Equal(t, 10*time.Second, api.StartupTimeout)
	assert.Equal(t, types.RestartOnFailure, api.Restart)
	assert.Equal(t, types.IsolationNone, api.Isolation)
	assert.Equal(t, 100, api.Weight)
	assert.Nil(t, api.Limits)

	worker := specs["worker"]
	assert.Empty(t, worker.Socket) // tcp=true wins
	assert.Equal(t, types.RestartAlways, worker.Restart)
	require.NotNil(t, worker.Limits)
	assert.Equal(t, int64(256), worker.Limits.MemoryMB)
	assert.Equal(t, 500, worker.Limits.CPUWeight)
	assert.Equal(t, 25, worker.Weight)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("TENEMENT_SERVER_LISTEN_ADDR", ":7777")
	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)
	assert.Equal(t, ":7777", cfg.Server.ListenAddr)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing base domain", `
[server]
control_domain = "c.example.com"
`},
		{"missing command", `
[server]
base_domain = "example.com"
control_domain = "c.example.com"
[services.api]
socket = "/tmp/x.sock"
`},
		{"bad restart policy", `
[server]
base_domain = "example.com"
control_domain = "c.example.com"
[services.api]
command = "x"
restart = "sometimes"
`},
		{"bad isolation", `
[server]
base_domain = "example.com"
control_domain = "c.example.com"
[services.api]
command = "x"
isolation = "chroot"
`},
		{"cpu weight out of range", `
[server]
base_domain = "example.com"
control_domain = "c.example.com"
[services.api]
command = "x"
cpu_weight = 20000
`},
		{"microvm without kernel", `
[server]
base_domain = "example.com"
control_domain = "c.example.com"
[services.api]
command = "x"
isolation = "microvm"
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}
