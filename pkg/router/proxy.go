package router

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/cuemby/tenement/pkg/log"
	"github.com/cuemby/tenement/pkg/metrics"
	"github.com/cuemby/tenement/pkg/runtime"
	"github.com/cuemby/tenement/pkg/types"
)

const dialTimeout = 5 * time.Second

// proxy streams one request to the instance's socket or port. Upstream
// 5xx pass through as-is; connection failures surface as 502.
func (rt *Router) proxy(w http.ResponseWriter, r *http.Request, service string, addr types.Address, vsock int) {
	start := time.Now()

	target := &url.URL{Scheme: "http", Host: "instance"}
	if addr.Kind == types.AddrTCP {
		target.Host = fmt.Sprintf("127.0.0.1:%d", addr.Port)
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.Transport = &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dialAddress(ctx, addr, vsock)
		},
		// VM connections carry handshake state; never pool them.
		DisableKeepAlives: vsock > 0,
	}

	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		originalDirector(req)
		// Preserve the original Host for virtual hosting in the backend.
		req.Host = r.Host
		addForwardedHeaders(req, r)
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.WithComponent("router").Error().Err(err).Str("service", service).
			Str("address", addr.String()).Msg("proxy upstream error")
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	proxy.ServeHTTP(rec, r)

	metrics.RequestsTotal.WithLabelValues(service, metrics.StatusClass(rec.status)).Inc()
	metrics.RequestDuration.WithLabelValues(service).Observe(time.Since(start).Seconds())
}

// dialAddress opens the upstream connection, completing the vsock
// handshake first for microVM instances.
func dialAddress(ctx context.Context, addr types.Address, vsock int) (net.Conn, error) {
	if vsock > 0 {
		return runtime.VsockHandshake(addr.Path, vsock, dialTimeout)
	}
	d := net.Dialer{Timeout: dialTimeout}
	if addr.Kind == types.AddrUnix {
		return d.DialContext(ctx, "unix", addr.Path)
	}
	return d.DialContext(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", addr.Port))
}

// addForwardedHeaders sets the standard X-Forwarded-* chain.
func addForwardedHeaders(req *http.Request, orig *http.Request) {
	clientIP := clientAddr(orig)

	if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
		req.Header.Set("X-Forwarded-For", prior+", "+clientIP)
	} else {
		req.Header.Set("X-Forwarded-For", clientIP)
	}
	if req.Header.Get("X-Real-IP") == "" {
		req.Header.Set("X-Real-IP", clientIP)
	}
	proto := "http"
	if orig.TLS != nil {
		proto = "https"
	}
	req.Header.Set("X-Forwarded-Proto", proto)
	req.Header.Set("X-Forwarded-Host", orig.Host)
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// statusRecorder captures the upstream status for metrics while keeping
// streaming intact.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
