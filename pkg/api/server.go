package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/cuemby/tenement/pkg/errdefs"
	"github.com/cuemby/tenement/pkg/logplane"
	"github.com/cuemby/tenement/pkg/metrics"
	"github.com/cuemby/tenement/pkg/store"
	"github.com/cuemby/tenement/pkg/types"
)

// Hypervisor is the slice of the hypervisor the control API drives.
type Hypervisor interface {
	List() []types.InstanceView
	Get(id types.InstanceID) (types.InstanceView, bool)
	SpawnWith(ctx context.Context, service, label string, extraEnv map[string]string) (types.Address, error)
	Restart(ctx context.Context, id types.InstanceID) (types.Address, error)
	Stop(id types.InstanceID) error
	SetWeight(id types.InstanceID, w int) error
	Services() []types.ServiceSpec
}

// LogPlane is the slice of the log plane the control API reads.
type LogPlane interface {
	Tail(ctx context.Context, f store.LogFilter) ([]types.LogRecord, error)
	Search(ctx context.Context, match string, limit int, since time.Time) ([]types.LogRecord, error)
	Subscribe() logplane.Subscriber
	Unsubscribe(sub logplane.Subscriber)
}

// TokenVerifier validates control-API bearer tokens.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*types.TokenRecord, error)
}

// Config for the control API surface.
type Config struct {
	// AssetsDir serves the dashboard's static files when set.
	AssetsDir string
}

// Server is the control API handler mounted on the control domain.
type Server struct {
	hv       Hypervisor
	plane    LogPlane
	verifier TokenVerifier
	cfg      Config
}

// New builds the control API handler: public health/metrics/dashboard
// plus the bearer-gated /api surface.
func New(hv Hypervisor, plane LogPlane, verifier TokenVerifier, cfg Config) http.Handler {
	s := &Server{hv: hv, plane: plane, verifier: verifier, cfg: cfg}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	// Public allow-list.
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/", s.handleIndex)
	if cfg.AssetsDir != "" {
		fs := http.StripPrefix("/assets/", http.FileServer(http.Dir(cfg.AssetsDir)))
		r.Get("/assets/*", fs.ServeHTTP)
	}

	rl := NewRateLimit(50, 100)
	r.Route("/api", func(r chi.Router) {
		r.Use(RequireBearer(verifier))
		r.Use(rl.Middleware)

		r.Get("/services", s.handleListServices)

		r.Get("/instances", s.handleListInstances)
		r.Post("/instances", s.handleCreateInstance)
		r.Get("/instances/{service}/{label}", s.handleGetInstance)
		r.Post("/instances/{service}/{label}/restart", s.handleRestartInstance)
		r.Put("/instances/{service}/{label}/weight", s.handleSetWeight)
		r.Delete("/instances/{service}/{label}", s.handleDeleteInstance)

		r.Get("/logs", s.handleQueryLogs)
		r.Get("/logs/stream", s.handleStreamLogs)
		r.Post("/logs/search", s.handleSearchLogs)
	})

	return r
}

// instanceJSON is the wire shape of an instance record.
type instanceJSON struct {
	ID                string `json:"id"`
	Service           string `json:"service"`
	Label             string `json:"label"`
	Addressing        string `json:"addressing"`
	Status            string `json:"status"`
	Health            string `json:"health"`
	PID               int    `json:"pid,omitempty"`
	UptimeMS          int64  `json:"uptime_ms"`
	RestartCount      int    `json:"restart_count"`
	Weight            int    `json:"weight"`
	StorageUsedBytes  int64  `json:"storage_used_bytes"`
	StorageQuotaBytes int64  `json:"storage_quota_bytes,omitempty"`
	LastActivity      string `json:"last_activity"`
}

func toInstanceJSON(v types.InstanceView) instanceJSON {
	out := instanceJSON{
		ID:                v.ID.String(),
		Service:           v.ID.Service,
		Label:             v.ID.Label,
		Status:            string(v.Status),
		Health:            string(v.Health),
		PID:               v.PID,
		RestartCount:      v.RestartCount,
		Weight:            v.Weight,
		StorageUsedBytes:  v.StorageUsedBytes,
		StorageQuotaBytes: v.StorageQuotaBytes,
		LastActivity:      v.LastActivity.UTC().Format(time.RFC3339Nano),
	}
	if !v.Address.IsZero() {
		out.Addressing = v.Address.String()
	}
	if v.Status.Live() {
		out.UptimeMS = time.Since(v.CreatedAt).Milliseconds()
	}
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if s.cfg.AssetsDir != "" {
		http.ServeFile(w, r, s.cfg.AssetsDir+"/index.html")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": "tenement"})
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	type serviceJSON struct {
		Name         string `json:"name"`
		Command      string `json:"command"`
		Isolation    string `json:"isolation"`
		Restart      string `json:"restart"`
		IdleTimeout  int64  `json:"idle_timeout_sec"`
		DefaultLabel string `json:"default_label,omitempty"`
	}
	out := []serviceJSON{}
	for _, spec := range s.hv.Services() {
		out = append(out, serviceJSON{
			Name:         spec.Name,
			Command:      spec.Command,
			Isolation:    string(spec.Isolation),
			Restart:      string(spec.Restart),
			IdleTimeout:  int64(spec.IdleTimeout / time.Second),
			DefaultLabel: spec.DefaultLabel,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	out := []instanceJSON{}
	for _, v := range s.hv.List() {
		out = append(out, toInstanceJSON(v))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	v, ok := s.hv.Get(id)
	if !ok {
		writeError(w, fmt.Errorf("instance %s: %w", id, errdefs.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, toInstanceJSON(v))
}

func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Service string            `json:"service"`
		ID      string            `json:"id"`
		Env     map[string]string `json:"env"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, fmt.Errorf("invalid body: %w", errdefs.ErrBadRequest))
		return
	}
	if body.Service == "" || body.ID == "" {
		writeError(w, fmt.Errorf("service and id are required: %w", errdefs.ErrBadRequest))
		return
	}

	if _, err := s.hv.SpawnWith(r.Context(), body.Service, body.ID, body.Env); err != nil {
		writeError(w, err)
		return
	}
	v, _ := s.hv.Get(types.InstanceID{Service: body.Service, Label: body.ID})
	writeJSON(w, http.StatusCreated, toInstanceJSON(v))
}

func (s *Server) handleRestartInstance(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	if _, err := s.hv.Restart(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	v, _ := s.hv.Get(id)
	writeJSON(w, http.StatusOK, toInstanceJSON(v))
}

func (s *Server) handleSetWeight(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Weight *int `json:"weight"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Weight == nil {
		writeError(w, fmt.Errorf("weight is required: %w", errdefs.ErrBadRequest))
		return
	}
	id := pathID(r)
	if err := s.hv.SetWeight(id, *body.Weight); err != nil {
		writeError(w, err)
		return
	}
	v, _ := s.hv.Get(id)
	writeJSON(w, http.StatusOK, toInstanceJSON(v))
}

func (s *Server) handleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	if err := s.hv.Stop(pathID(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleQueryLogs(w http.ResponseWriter, r *http.Request) {
	f := store.LogFilter{
		Service:     r.URL.Query().Get("service"),
		Instance:    r.URL.Query().Get("instance"),
		MinSeverity: types.Severity(r.URL.Query().Get("level")),
		Match:       r.URL.Query().Get("grep"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, fmt.Errorf("invalid limit: %w", errdefs.ErrBadRequest))
			return
		}
		f.Limit = n
	}
	if v := r.URL.Query().Get("since"); v != "" {
		ts, err := parseTime(v)
		if err != nil {
			writeError(w, fmt.Errorf("invalid since: %w", errdefs.ErrBadRequest))
			return
		}
		f.Since = ts
	}

	recs, err := s.plane.Tail(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	if recs == nil {
		recs = []types.LogRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleSearchLogs(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
		Since string `json:"since"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Query == "" {
		writeError(w, fmt.Errorf("query is required: %w", errdefs.ErrBadRequest))
		return
	}
	var since time.Time
	if body.Since != "" {
		ts, err := parseTime(body.Since)
		if err != nil {
			writeError(w, fmt.Errorf("invalid since: %w", errdefs.ErrBadRequest))
			return
		}
		since = ts
	}

	recs, err := s.plane.Search(r.Context(), body.Query, body.Limit, since)
	if err != nil {
		writeError(w, err)
		return
	}
	if recs == nil {
		recs = []types.LogRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// handleStreamLogs is the SSE live tail. The bearer token was verified
// on the handshake by the middleware; a subscriber that cannot keep up
// is dropped by the plane, ending the stream.
func (s *Server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, fmt.Errorf("streaming unsupported: %w", errdefs.ErrInternal))
		return
	}

	service := r.URL.Query().Get("service")
	instance := r.URL.Query().Get("instance")

	sub := s.plane.Subscribe()
	defer s.plane.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	enc := json.NewEncoder(w)
	for {
		select {
		case rec, open := <-sub:
			if !open {
				// Dropped as a slow subscriber.
				return
			}
			if service != "" && rec.Service != service {
				continue
			}
			if instance != "" && rec.Instance != instance {
				continue
			}
			fmt.Fprintf(w, "event: log\ndata: ")
			if err := enc.Encode(rec); err != nil {
				return
			}
			fmt.Fprint(w, "\n")
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func pathID(r *http.Request) types.InstanceID {
	return types.InstanceID{
		Service: chi.URLParam(r, "service"),
		Label:   chi.URLParam(r, "label"),
	}
}

// parseTime accepts RFC3339 or unix seconds.
func parseTime(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts, nil
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0), nil
	}
	return time.Time{}, fmt.Errorf("unparseable time %q", s)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, errdefs.HTTPStatus(err), map[string]string{"error": err.Error()})
}
