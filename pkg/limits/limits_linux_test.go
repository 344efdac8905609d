//go:build linux

package limits

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClampWeight(t *testing.T) {
	assert.Equal(t, 1, clampWeight(0))
	assert.Equal(t, 1, clampWeight(-5))
	assert.Equal(t, 1, clampWeight(1))
	assert.Equal(t, 500, clampWeight(500))
	assert.Equal(t, 10000, clampWeight(10000))
	assert.Equal(t, 10000, clampWeight(20000))
}

func TestRemoveEmptyPath(t *testing.T) {
	assert.NoError(t, Remove(""))
}
