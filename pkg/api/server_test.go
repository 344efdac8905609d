package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/tenement/pkg/errdefs"
	"github.com/cuemby/tenement/pkg/logplane"
	"github.com/cuemby/tenement/pkg/metrics"
	"github.com/cuemby/tenement/pkg/types"
)

const goodToken = "tnm_test_token"

type fakeVerifier struct{}

func (fakeVerifier) Verify(_ context.Context, token string) (*types.TokenRecord, error) {
	if token == goodToken {
		return &types.TokenRecord{ID: "tok-1"}, nil
	}
	return nil, errdefs.ErrUnauthorized
}

type fakeHypervisor struct {
	views   map[types.InstanceID]types.InstanceView
	stopped []types.InstanceID
}

func (f *fakeHypervisor) List() []types.InstanceView {
	var out []types.InstanceView
	for _, v := range f.views {
		out = append(out, v)
	}
	return out
}

func (f *fakeHypervisor) Get(id types.InstanceID) (types.InstanceView, bool) {
	v, ok := f.views[id]
	return v, ok
}

func (f *fakeHypervisor) SpawnWith(_ context.Context, service, label string, _ map[string]string) (types.Address, error) {
	id := types.InstanceID{Service: service, Label: label}
	if _, ok := f.views[id]; ok {
		return types.Address{}, fmt.Errorf("instance %s: %w", id, errdefs.ErrAlreadyRunning)
	}
	if service == "ghost" {
		return types.Address{}, fmt.Errorf("service %q: %w", service, errdefs.ErrUnknownService)
	}
	addr := types.Address{Kind: types.AddrUnix, Path: "/tmp/" + service + "-" + label + ".sock"}
	f.views[id] = types.InstanceView{
		ID: id, Address: addr,
		Status: types.StatusRunning, Health: types.HealthHealthy,
		Weight: 100, CreatedAt: time.Now(), LastActivity: time.Now(),
	}
	return addr, nil
}

func (f *fakeHypervisor) Restart(_ context.Context, id types.InstanceID) (types.Address, error) {
	v, ok := f.views[id]
	if !ok {
		return types.Address{}, fmt.Errorf("instance %s: %w", id, errdefs.ErrNotFound)
	}
	v.RestartCount++
	f.views[id] = v
	return v.Address, nil
}

func (f *fakeHypervisor) Stop(id types.InstanceID) error {
	delete(f.views, id)
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeHypervisor) SetWeight(id types.InstanceID, w int) error {
	if w < 0 || w > 100 {
		return fmt.Errorf("weight: %w", errdefs.ErrBadRequest)
	}
	v, ok := f.views[id]
	if !ok {
		return fmt.Errorf("instance %s: %w", id, errdefs.ErrNotFound)
	}
	v.Weight = w
	f.views[id] = v
	return nil
}

func (f *fakeHypervisor) Services() []types.ServiceSpec {
	return []types.ServiceSpec{{Name: "api", Command: "echo-server", Isolation: types.IsolationNone, Restart: types.RestartOnFailure}}
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeHypervisor, *logplane.Plane) {
	t.Helper()
	metrics.Register()
	plane, err := logplane.New(nil, 128)
	require.NoError(t, err)

	hv := &fakeHypervisor{views: map[types.InstanceID]types.InstanceView{}}
	handler := New(hv, plane, fakeVerifier{}, Config{})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, hv, plane
}

func get(t *testing.T, url, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestAuthGate(t *testing.T) {
	srv, _, _ := newTestServer(t)

	// Public endpoints need no token.
	resp := get(t, srv.URL+"/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = get(t, srv.URL+"/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// No header.
	resp = get(t, srv.URL+"/api/instances", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	// Wrong token.
	resp = get(t, srv.URL+"/api/instances", "tnm_wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	// Wrong scheme.
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/instances", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	// Correct token.
	resp = get(t, srv.URL+"/api/instances", goodToken)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestBearerTokenParsing(t *testing.T) {
	tests := []struct {
		header string
		token  string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer abc", "abc", true},
		{"BEARER abc", "abc", true},
		{"Bearer  abc", "abc", true},
		{"Bearer", "", false},
		{"Bearer ", "", false},
		{"Basic abc", "", false},
		{"abc", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		token, ok := bearerToken(tt.header)
		assert.Equal(t, tt.ok, ok, tt.header)
		if tt.ok {
			assert.Equal(t, tt.token, token, tt.header)
		}
	}
}

func TestInstanceLifecycleOverAPI(t *testing.T) {
	srv, hv, _ := newTestServer(t)

	// Create.
	body := strings.NewReader(`{"service":"api","id":"prod","env":{"X":"1"}}`)
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/instances", body)
	req.Header.Set("Authorization", "Bearer "+goodToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	var created instanceJSON
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()
	assert.Equal(t, "api:prod", created.ID)
	assert.Equal(t, "running", created.Status)
	assert.NotEmpty(t, created.Addressing)

	// Duplicate create conflicts.
	body = strings.NewReader(`{"service":"api","id":"prod"}`)
	req, _ = http.NewRequest(http.MethodPost, srv.URL+"/api/instances", body)
	req.Header.Set("Authorization", "Bearer "+goodToken)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	// Get single.
	resp = get(t, srv.URL+"/api/instances/api/prod", goodToken)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// List.
	resp = get(t, srv.URL+"/api/instances", goodToken)
	var list []instanceJSON
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	assert.Len(t, list, 1)

	// Restart.
	req, _ = http.NewRequest(http.MethodPost, srv.URL+"/api/instances/api/prod/restart", nil)
	req.Header.Set("Authorization", "Bearer "+goodToken)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var restarted instanceJSON
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&restarted))
	resp.Body.Close()
	assert.Equal(t, 1, restarted.RestartCount)

	// Weight.
	req, _ = http.NewRequest(http.MethodPut, srv.URL+"/api/instances/api/prod/weight", strings.NewReader(`{"weight":25}`))
	req.Header.Set("Authorization", "Bearer "+goodToken)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	req, _ = http.NewRequest(http.MethodPut, srv.URL+"/api/instances/api/prod/weight", strings.NewReader(`{"weight":500}`))
	req.Header.Set("Authorization", "Bearer "+goodToken)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	resp.Body.Close()

	// Delete.
	req, _ = http.NewRequest(http.MethodDelete, srv.URL+"/api/instances/api/prod", nil)
	req.Header.Set("Authorization", "Bearer "+goodToken)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	assert.NotEmpty(t, hv.stopped)

	// Get after delete.
	resp = get(t, srv.URL+"/api/instances/api/prod", goodToken)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestCreateInstanceValidation(t *testing.T) {
	srv, _, _ := newTestServer(t)

	for _, body := range []string{`{}`, `{"service":"api"}`, `{"id":"x"}`, `not json`} {
		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/instances", strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+goodToken)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, body)
		resp.Body.Close()
	}

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/instances", strings.NewReader(`{"service":"ghost","id":"x"}`))
	req.Header.Set("Authorization", "Bearer "+goodToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestQueryLogs(t *testing.T) {
	srv, _, plane := newTestServer(t)

	plane.Append(types.LogRecord{Service: "api", Instance: "prod", Stream: types.StreamStdout, Severity: types.SeverityInfo, Message: "hello"})
	plane.Append(types.LogRecord{Service: "worker", Instance: "a", Stream: types.StreamStderr, Severity: types.SeverityError, Message: "boom"})

	resp := get(t, srv.URL+"/api/logs?service=api", goodToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var recs []types.LogRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&recs))
	resp.Body.Close()
	require.Len(t, recs, 1)
	assert.Equal(t, "hello", recs[0].Message)

	resp = get(t, srv.URL+"/api/logs?level=error", goodToken)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&recs))
	resp.Body.Close()
	require.Len(t, recs, 1)
	assert.Equal(t, "boom", recs[0].Message)

	resp = get(t, srv.URL+"/api/logs?limit=bogus", goodToken)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	resp.Body.Close()
}

func TestSearchLogsValidation(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/logs/search", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer "+goodToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	resp.Body.Close()
}

func TestStreamLogsSSE(t *testing.T) {
	srv, _, plane := newTestServer(t)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/logs/stream?service=api", nil)
	req.Header.Set("Authorization", "Bearer "+goodToken)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req = req.WithContext(ctx)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	go func() {
		// Give the subscriber a moment to register.
		time.Sleep(100 * time.Millisecond)
		plane.Append(types.LogRecord{Service: "worker", Message: "filtered out"})
		plane.Append(types.LogRecord{Service: "api", Instance: "prod", Stream: types.StreamStdout, Severity: types.SeverityInfo, Message: "streamed line"})
	}()

	buf := make([]byte, 4096)
	var got strings.Builder
	for !strings.Contains(got.String(), "streamed line") {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			got.Write(buf[:n])
		}
		if err != nil {
			break
		}
	}
	assert.Contains(t, got.String(), "event: log")
	assert.Contains(t, got.String(), "streamed line")
	assert.NotContains(t, got.String(), "filtered out")

	// The stream token was already verified; a bad token never connects.
	badReq, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/logs/stream", nil)
	badReq.Header.Set("Authorization", "Bearer nope")
	badResp, err := http.DefaultClient.Do(badReq)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, badResp.StatusCode)
	badResp.Body.Close()
}
