package errdefs

import (
	"fmt"
	"net/http"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{ErrUnauthorized, http.StatusUnauthorized},
		{ErrNotFound, http.StatusNotFound},
		{ErrUnknownService, http.StatusNotFound},
		{ErrAlreadyRunning, http.StatusConflict},
		{ErrConflict, http.StatusConflict},
		{ErrBadRequest, http.StatusUnprocessableEntity},
		{ErrUpstreamUnavailable, http.StatusBadGateway},
		{ErrStartupTimeout, http.StatusServiceUnavailable},
		{ErrInternal, http.StatusInternalServerError},
		{fmt.Errorf("spawn api:prod: %w", ErrSpawnFailed), http.StatusServiceUnavailable},
		{fmt.Errorf("opaque"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.err), "%v", tt.err)
	}
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitOK, ExitCode(nil))
	assert.Equal(t, ExitNotFound, ExitCode(fmt.Errorf("get: %w", ErrNotFound)))
	assert.Equal(t, ExitAlreadyRunning, ExitCode(ErrAlreadyRunning))
	assert.Equal(t, ExitTimeout, ExitCode(ErrStartupTimeout))
	assert.Equal(t, ExitPermissionDenied, ExitCode(fmt.Errorf("open: %w", os.ErrPermission)))
	assert.Equal(t, ExitGeneral, ExitCode(fmt.Errorf("boom")))
}
