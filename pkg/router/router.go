package router

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/tenement/pkg/errdefs"
	"github.com/cuemby/tenement/pkg/log"
	"github.com/cuemby/tenement/pkg/types"
)

// InstanceSource is the slice of the hypervisor the router consumes.
type InstanceSource interface {
	GetAndTouch(id types.InstanceID) (types.InstanceView, bool)
	SpawnAndWait(ctx context.Context, service, label string) (types.Address, error)
	ListService(service string) []types.InstanceView
	TouchActivity(id types.InstanceID)
	ServiceSpec(name string) (types.ServiceSpec, bool)
}

// Router is the HTTP front door: control-domain traffic goes to the
// control API, everything else resolves a subdomain to an instance and
// proxies.
type Router struct {
	source        InstanceSource
	baseDomain    string
	controlDomain string
	control       http.Handler

	// Seeded once per process; weighted selection is probabilistic, not
	// deterministic round-robin.
	rngMu sync.Mutex
	rng   *rand.Rand
}

// New creates the router. control serves the control API on the control
// domain.
func New(source InstanceSource, baseDomain, controlDomain string, control http.Handler) *Router {
	return &Router{
		source:        source,
		baseDomain:    strings.ToLower(baseDomain),
		controlDomain: strings.ToLower(controlDomain),
		control:       control,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host := hostOnly(r.Host)

	if host == rt.controlDomain {
		rt.control.ServeHTTP(w, r)
		return
	}

	label, service, ok := parseHost(host, rt.baseDomain)
	if !ok {
		http.Error(w, "unknown host", http.StatusNotFound)
		return
	}

	if label != "" {
		rt.direct(w, r, service, label)
		return
	}
	rt.weighted(w, r, service)
}

// direct routes label.service.base to that specific instance, waking it
// when absent. Any label is permitted for wake-on-request.
func (rt *Router) direct(w http.ResponseWriter, r *http.Request, service, label string) {
	id := types.InstanceID{Service: service, Label: label}

	if view, ok := rt.source.GetAndTouch(id); ok {
		rt.proxy(w, r, service, view.Address, view.VsockPort)
		return
	}

	spec, ok := rt.source.ServiceSpec(service)
	if !ok {
		http.Error(w, "unknown service", http.StatusNotFound)
		return
	}

	addr, err := rt.source.SpawnAndWait(r.Context(), service, label)
	if err != nil {
		rt.wakeError(w, id, err)
		return
	}
	rt.proxy(w, r, service, addr, vsockPort(spec))
}

// weighted routes service.base across the running instances of the
// service by weighted random selection.
func (rt *Router) weighted(w http.ResponseWriter, r *http.Request, service string) {
	spec, ok := rt.source.ServiceSpec(service)
	if !ok {
		http.Error(w, "unknown service", http.StatusNotFound)
		return
	}

	eligible := eligibleViews(rt.source.ListService(service))
	if len(eligible) == 0 {
		// No designated default label: nothing to wake, reject.
		if spec.DefaultLabel == "" {
			http.Error(w, "no instances available", http.StatusServiceUnavailable)
			return
		}
		addr, err := rt.source.SpawnAndWait(r.Context(), service, spec.DefaultLabel)
		if err != nil {
			rt.wakeError(w, types.InstanceID{Service: service, Label: spec.DefaultLabel}, err)
			return
		}
		rt.proxy(w, r, service, addr, vsockPort(spec))
		return
	}

	view := rt.pick(eligible)
	rt.source.TouchActivity(view.ID)
	rt.proxy(w, r, service, view.Address, view.VsockPort)
}

// eligibleViews keeps running, non-failed instances with weight > 0.
// Zero-weight instances stay reachable via direct routing only.
func eligibleViews(views []types.InstanceView) []types.InstanceView {
	var out []types.InstanceView
	for _, v := range views {
		if v.Status == types.StatusRunning && v.Health != types.HealthFailed && v.Weight > 0 {
			out = append(out, v)
		}
	}
	return out
}

// pick selects an instance with probability weight/Σweights.
func (rt *Router) pick(views []types.InstanceView) types.InstanceView {
	rt.rngMu.Lock()
	defer rt.rngMu.Unlock()
	return pickWeighted(views, rt.rng.Intn)
}

// pickWeighted walks the cumulative weight distribution. intn is
// rand.Intn-shaped.
func pickWeighted(views []types.InstanceView, intn func(int) int) types.InstanceView {
	total := 0
	for _, v := range views {
		total += v.Weight
	}
	n := intn(total)
	for _, v := range views {
		n -= v.Weight
		if n < 0 {
			return v
		}
	}
	return views[len(views)-1]
}

func (rt *Router) wakeError(w http.ResponseWriter, id types.InstanceID, err error) {
	log.WithComponent("router").Warn().Err(err).Str("instance", id.String()).Msg("wake failed")
	status := errdefs.HTTPStatus(err)
	if errors.Is(err, context.Canceled) {
		// Client went away during the wake; the spawn itself proceeds.
		return
	}
	http.Error(w, http.StatusText(status), status)
}

func vsockPort(spec types.ServiceSpec) int {
	if spec.VM != nil {
		return spec.VM.VsockPort
	}
	return 0
}

// hostOnly strips any port from a Host header value.
func hostOnly(host string) string {
	if i := strings.LastIndexByte(host, ':'); i != -1 && !strings.Contains(host[i:], "]") {
		host = host[:i]
	}
	return strings.ToLower(strings.TrimSuffix(host, "."))
}

// parseHost resolves a request host against the base domain:
// label.service.base → direct, service.base → weighted.
func parseHost(host, base string) (label, service string, ok bool) {
	if base == "" || !strings.HasSuffix(host, "."+base) {
		return "", "", false
	}
	rest := strings.TrimSuffix(host, "."+base)
	parts := strings.Split(rest, ".")
	switch len(parts) {
	case 1:
		if parts[0] == "" {
			return "", "", false
		}
		return "", parts[0], true
	case 2:
		if parts[0] == "" || parts[1] == "" {
			return "", "", false
		}
		return parts[0], parts[1], true
	default:
		return "", "", false
	}
}
