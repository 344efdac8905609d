// Package errdefs defines the error kinds shared across the core and
// their mappings to HTTP statuses and CLI exit codes.
package errdefs

import (
	"errors"
	"net/http"
	"os"
)

// Sentinel error kinds. Call sites wrap these with fmt.Errorf("...: %w", ...)
// so errors.Is can classify them at the HTTP and CLI boundaries.
var (
	ErrConfig              = errors.New("config error")
	ErrUnknownService      = errors.New("unknown service")
	ErrAlreadyRunning      = errors.New("already running")
	ErrNotFound            = errors.New("not found")
	ErrSpawnFailed         = errors.New("spawn failed")
	ErrStartupTimeout      = errors.New("startup timeout")
	ErrHealthTimeout       = errors.New("health timeout")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrUpstreamError       = errors.New("upstream error")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrBadRequest          = errors.New("bad request")
	ErrConflict            = errors.New("conflict")
	ErrInternal            = errors.New("internal error")
)

// Process exit codes for the CLI boundary.
const (
	ExitOK               = 0
	ExitGeneral          = 1
	ExitConfig           = 2
	ExitNotFound         = 3
	ExitAlreadyRunning   = 4
	ExitTimeout          = 5
	ExitPermissionDenied = 6
)

// HTTPStatus maps an error to its control-API status code.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrUnknownService):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyRunning), errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrBadRequest):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrUpstreamUnavailable), errors.Is(err, ErrUpstreamError):
		return http.StatusBadGateway
	case errors.Is(err, ErrStartupTimeout), errors.Is(err, ErrHealthTimeout),
		errors.Is(err, ErrSpawnFailed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ExitCode maps an error to the process exit code documented for the CLI.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrConfig):
		return ExitConfig
	case errors.Is(err, os.ErrPermission), errors.Is(err, ErrUnauthorized):
		return ExitPermissionDenied
	case errors.Is(err, ErrStartupTimeout), errors.Is(err, ErrHealthTimeout):
		return ExitTimeout
	case errors.Is(err, ErrAlreadyRunning):
		return ExitAlreadyRunning
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrUnknownService):
		return ExitNotFound
	default:
		return ExitGeneral
	}
}
