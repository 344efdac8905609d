package hypervisor

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/tenement/pkg/errdefs"
	"github.com/cuemby/tenement/pkg/logplane"
	"github.com/cuemby/tenement/pkg/metrics"
	"github.com/cuemby/tenement/pkg/types"
)

// TestHelperProcess is re-executed as the spawned child in the tests
// below: it serves HTTP on SOCKET_PATH or PORT until killed.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	var (
		ln  net.Listener
		err error
	)
	if sock := os.Getenv("SOCKET_PATH"); sock != "" {
		ln, err = net.Listen("unix", sock)
	} else {
		ln, err = net.Listen("tcp", "127.0.0.1:"+os.Getenv("PORT"))
	}
	if err != nil {
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	_ = http.Serve(ln, mux)
	os.Exit(0)
}

func helperSpec(name string) types.ServiceSpec {
	return types.ServiceSpec{
		Name:           name,
		Command:        os.Args[0],
		Args:           []string{"-test.run=TestHelperProcess"},
		Env:            map[string]string{"GO_WANT_HELPER_PROCESS": "1"},
		StartupTimeout: 10 * time.Second,
		StopGrace:      2 * time.Second,
		HealthPath:     "/health",
		Restart:        types.RestartNever,
		Isolation:      types.IsolationNone,
		Weight:         100,
	}
}

func newTestHypervisor(t *testing.T, specs map[string]types.ServiceSpec) *Hypervisor {
	t.Helper()
	metrics.Register()
	plane, err := logplane.New(nil, 256)
	require.NoError(t, err)

	dir := t.TempDir()
	h := New(Config{
		DataDir:   filepath.Join(dir, "data"),
		SocketDir: filepath.Join(dir, "sock"),
		StopGrace: 2 * time.Second,
		WakeWait:  5 * time.Second,
	}, specs, plane)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		h.Shutdown(ctx)
	})
	return h
}

func TestSpawnUnknownService(t *testing.T) {
	h := newTestHypervisor(t, map[string]types.ServiceSpec{})
	_, err := h.Spawn(context.Background(), "ghost", "prod")
	assert.ErrorIs(t, err, errdefs.ErrUnknownService)
}

func TestSpawnAndStop(t *testing.T) {
	h := newTestHypervisor(t, map[string]types.ServiceSpec{"api": helperSpec("api")})
	id := types.InstanceID{Service: "api", Label: "prod"}

	addr, err := h.Spawn(context.Background(), "api", "prod")
	require.NoError(t, err)
	assert.Equal(t, types.AddrUnix, addr.Kind)
	_, err = os.Stat(addr.Path)
	require.NoError(t, err)

	view, ok := h.Get(id)
	require.True(t, ok)
	assert.Equal(t, types.StatusRunning, view.Status)
	assert.Equal(t, types.HealthHealthy, view.Health)
	assert.Greater(t, view.PID, 0)
	assert.True(t, h.IsRunning(id))

	// Double spawn of a live id is rejected.
	_, err = h.Spawn(context.Background(), "api", "prod")
	assert.ErrorIs(t, err, errdefs.ErrAlreadyRunning)

	require.NoError(t, h.Stop(id))
	_, ok = h.Get(id)
	assert.False(t, ok)
	_, err = os.Stat(addr.Path)
	assert.True(t, os.IsNotExist(err))

	// Stopping an absent instance is a no-op.
	assert.NoError(t, h.Stop(id))
}

func TestSpawnTCP(t *testing.T) {
	spec := helperSpec("api")
	spec.UseTCP = true
	h := newTestHypervisor(t, map[string]types.ServiceSpec{"api": spec})

	addr, err := h.Spawn(context.Background(), "api", "prod")
	require.NoError(t, err)
	assert.Equal(t, types.AddrTCP, addr.Kind)
	assert.Greater(t, addr.Port, 0)

	conn, err := net.Dial("tcp", addr.String()[len("tcp://"):])
	require.NoError(t, err)
	conn.Close()

	require.NoError(t, h.Stop(types.InstanceID{Service: "api", Label: "prod"}))
}

func TestStartupTimeout(t *testing.T) {
	spec := helperSpec("slow")
	spec.Command = "/bin/sh"
	spec.Args = []string{"-c", "sleep 60"}
	spec.Env = nil
	spec.HealthPath = ""
	spec.StartupTimeout = 300 * time.Millisecond
	h := newTestHypervisor(t, map[string]types.ServiceSpec{"slow": helperSpec("slow")})
	h.services["slow"] = spec

	_, err := h.Spawn(context.Background(), "slow", "prod")
	assert.ErrorIs(t, err, errdefs.ErrStartupTimeout)

	view, ok := h.Get(types.InstanceID{Service: "slow", Label: "prod"})
	require.True(t, ok)
	assert.Equal(t, types.StatusFailed, view.Status)
	// Restart policy "never": no respawn ever happens.
	time.Sleep(200 * time.Millisecond)
	view, _ = h.Get(types.InstanceID{Service: "slow", Label: "prod"})
	assert.Equal(t, types.StatusFailed, view.Status)
}

func TestSpawnCommandNotFound(t *testing.T) {
	spec := helperSpec("bad")
	spec.Command = "/definitely/not/a/binary"
	spec.Env = nil
	spec.HealthPath = ""
	h := newTestHypervisor(t, map[string]types.ServiceSpec{"bad": spec})

	_, err := h.Spawn(context.Background(), "bad", "prod")
	assert.ErrorIs(t, err, errdefs.ErrSpawnFailed)
}

func TestActivityRules(t *testing.T) {
	h := newTestHypervisor(t, map[string]types.ServiceSpec{"api": helperSpec("api")})
	id := types.InstanceID{Service: "api", Label: "prod"}

	_, err := h.Spawn(context.Background(), "api", "prod")
	require.NoError(t, err)

	before, _ := h.Get(id)

	// Health probes never update activity.
	h.probeOne(id)
	after, _ := h.Get(id)
	assert.Equal(t, before.LastActivity, after.LastActivity)
	assert.Equal(t, types.HealthHealthy, after.Health)

	// Real requests do, strictly.
	time.Sleep(5 * time.Millisecond)
	view, ok := h.GetAndTouch(id)
	require.True(t, ok)
	assert.True(t, view.LastActivity.After(before.LastActivity))

	require.NoError(t, h.Stop(id))
}

func TestIdleReapAndWake(t *testing.T) {
	spec := helperSpec("api")
	spec.IdleTimeout = 150 * time.Millisecond
	h := newTestHypervisor(t, map[string]types.ServiceSpec{"api": spec})
	id := types.InstanceID{Service: "api", Label: "prod"}

	addr, err := h.Spawn(context.Background(), "api", "prod")
	require.NoError(t, err)

	time.Sleep(300 * time.Millisecond)
	h.reapIdle()

	view, ok := h.Get(id)
	require.True(t, ok)
	assert.Equal(t, types.StatusIdleStopped, view.Status)
	_, err = os.Stat(addr.Path)
	assert.True(t, os.IsNotExist(err), "socket must be removed on reap")

	// Reaped instances are invisible to GetAndTouch and respawn on wake.
	_, ok = h.GetAndTouch(id)
	assert.False(t, ok)

	addr2, err := h.SpawnAndWait(context.Background(), "api", "prod")
	require.NoError(t, err)
	view, _ = h.Get(id)
	assert.Equal(t, types.StatusRunning, view.Status)
	_, err = os.Stat(addr2.Path)
	assert.NoError(t, err)

	require.NoError(t, h.Stop(id))
}

func TestReapSkipsRecentActivity(t *testing.T) {
	spec := helperSpec("api")
	spec.IdleTimeout = 10 * time.Second
	h := newTestHypervisor(t, map[string]types.ServiceSpec{"api": spec})
	id := types.InstanceID{Service: "api", Label: "prod"}

	_, err := h.Spawn(context.Background(), "api", "prod")
	require.NoError(t, err)

	h.reapIdle()
	view, _ := h.Get(id)
	assert.Equal(t, types.StatusRunning, view.Status)

	require.NoError(t, h.Stop(id))
}

func TestRestartStormCap(t *testing.T) {
	spec := helperSpec("bad")
	spec.Command = "/bin/sh"
	spec.Args = []string{"-c", "exit 1"}
	spec.Env = nil
	spec.HealthPath = ""
	spec.Restart = types.RestartOnFailure
	spec.MaxRestarts = 3
	spec.RestartWindow = time.Minute
	spec.BackoffBase = 10 * time.Millisecond
	spec.BackoffMax = 50 * time.Millisecond
	spec.StartupTimeout = time.Second
	h := newTestHypervisor(t, map[string]types.ServiceSpec{"bad": spec})
	id := types.InstanceID{Service: "bad", Label: "prod"}

	_, err := h.Spawn(context.Background(), "bad", "prod")
	require.Error(t, err)

	// Three restarts within the window, then parked as failed.
	require.Eventually(t, func() bool {
		view, ok := h.Get(id)
		return ok && view.Status == types.StatusFailed && view.RestartCount > spec.MaxRestarts
	}, 10*time.Second, 20*time.Millisecond)

	view, _ := h.Get(id)
	count := view.RestartCount
	time.Sleep(300 * time.Millisecond)
	view, _ = h.Get(id)
	assert.Equal(t, count, view.RestartCount, "no further restarts without manual intervention")
	assert.Equal(t, types.StatusFailed, view.Status)

	// Wake-on-request refuses permanently failed instances.
	_, err = h.SpawnAndWait(context.Background(), "bad", "prod")
	assert.ErrorIs(t, err, errdefs.ErrSpawnFailed)
}

func TestRestartOnCleanExitPolicy(t *testing.T) {
	spec := helperSpec("oneshot")
	spec.Command = "/bin/sh"
	spec.Args = []string{"-c", "exit 0"}
	spec.Env = nil
	spec.HealthPath = ""
	spec.Restart = types.RestartOnFailure
	spec.StartupTimeout = 500 * time.Millisecond
	h := newTestHypervisor(t, map[string]types.ServiceSpec{"oneshot": spec})

	_, err := h.Spawn(context.Background(), "oneshot", "prod")
	require.Error(t, err)

	// Clean exit under on-failure: the record is dropped, not restarted.
	assert.Eventually(t, func() bool {
		_, ok := h.Get(types.InstanceID{Service: "oneshot", Label: "prod"})
		return !ok
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSetWeight(t *testing.T) {
	h := newTestHypervisor(t, map[string]types.ServiceSpec{"api": helperSpec("api")})
	id := types.InstanceID{Service: "api", Label: "prod"}

	assert.ErrorIs(t, h.SetWeight(id, 50), errdefs.ErrNotFound)

	_, err := h.Spawn(context.Background(), "api", "prod")
	require.NoError(t, err)

	assert.ErrorIs(t, h.SetWeight(id, -1), errdefs.ErrBadRequest)
	assert.ErrorIs(t, h.SetWeight(id, 101), errdefs.ErrBadRequest)

	require.NoError(t, h.SetWeight(id, 0))
	view, _ := h.Get(id)
	assert.Equal(t, 0, view.Weight)
	assert.True(t, h.IsRunning(id), "weight zero never stops the instance")

	require.NoError(t, h.Stop(id))
}

func TestSpawnAndWaitCoalesces(t *testing.T) {
	h := newTestHypervisor(t, map[string]types.ServiceSpec{"api": helperSpec("api")})
	id := types.InstanceID{Service: "api", Label: "prod"}

	const callers = 8
	var wg sync.WaitGroup
	addrs := make([]types.Address, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			addrs[i], errs[i] = h.SpawnAndWait(context.Background(), "api", "prod")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, addrs[0], addrs[i])
	}

	// One table entry, one child.
	assert.Len(t, h.List(), 1)
	require.NoError(t, h.Stop(id))
}

func TestRestartPreservesWeight(t *testing.T) {
	h := newTestHypervisor(t, map[string]types.ServiceSpec{"api": helperSpec("api")})
	id := types.InstanceID{Service: "api", Label: "prod"}

	_, err := h.Spawn(context.Background(), "api", "prod")
	require.NoError(t, err)
	require.NoError(t, h.SetWeight(id, 30))

	_, err = h.Restart(context.Background(), id)
	require.NoError(t, err)

	view, ok := h.Get(id)
	require.True(t, ok)
	assert.Equal(t, 30, view.Weight)
	assert.Equal(t, types.StatusRunning, view.Status)

	require.NoError(t, h.Stop(id))
}

func TestBackoffDelay(t *testing.T) {
	spec := types.ServiceSpec{
		BackoffBase: 100 * time.Millisecond,
		BackoffMax:  2 * time.Second,
	}
	assert.Equal(t, 100*time.Millisecond, backoffDelay(spec, 1))
	assert.Equal(t, 200*time.Millisecond, backoffDelay(spec, 2))
	assert.Equal(t, 400*time.Millisecond, backoffDelay(spec, 3))
	assert.Equal(t, 800*time.Millisecond, backoffDelay(spec, 4))
	assert.Equal(t, 1600*time.Millisecond, backoffDelay(spec, 5))
	assert.Equal(t, 2*time.Second, backoffDelay(spec, 6))
	assert.Equal(t, 2*time.Second, backoffDelay(spec, 20))

	// Monotonically non-decreasing.
	prev := time.Duration(0)
	for i := 1; i <= 12; i++ {
		d := backoffDelay(spec, i)
		assert.GreaterOrEqual(t, d, prev)
		prev = d
	}
}

func TestBuildEnv(t *testing.T) {
	spec := types.ServiceSpec{
		Env: map[string]string{
			"APP_NAME": "{name}",
			"DATA":     "{data_dir}/state",
			"LISTEN":   "{socket}",
		},
	}
	id := types.InstanceID{Service: "api", Label: "prod"}
	addr := types.Address{Kind: types.AddrUnix, Path: "/tmp/api-prod.sock"}

	env := buildEnv(spec, id, "/var/lib/tenement/api/prod", addr, map[string]string{"EXTRA": "{id}"})
	assert.Contains(t, env, "APP_NAME=api")
	assert.Contains(t, env, "DATA=/var/lib/tenement/api/prod/state")
	assert.Contains(t, env, "LISTEN=/tmp/api-prod.sock")
	assert.Contains(t, env, "EXTRA=prod")
	assert.Contains(t, env, "SOCKET_PATH=/tmp/api-prod.sock")

	tcp := types.Address{Kind: types.AddrTCP, Port: 9001}
	env = buildEnv(spec, id, "/data", tcp, nil)
	assert.Contains(t, env, "PORT=9001")
	for _, e := range env {
		assert.NotContains(t, e, "SOCKET_PATH=")
	}
}

func TestInterpolateArgs(t *testing.T) {
	id := types.InstanceID{Service: "api", Label: "v2"}
	addr := types.Address{Kind: types.AddrTCP, Port: 8080}
	got := interpolateArgs([]string{"--port", "{port}", "--tag", "{name}:{id}"}, id, "/d", addr)
	assert.Equal(t, []string{"--port", "8080", "--tag", "api:v2"}, got)
	assert.Nil(t, interpolateArgs(nil, id, "/d", addr))
}
