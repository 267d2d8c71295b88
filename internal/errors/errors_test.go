package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScanErrorMessage(t *testing.T) {
	err := WrapExecutionError("run_tool", "trivy", "myrepo", fmt.Errorf("exit status 2"))
	assert.Equal(t, "run_tool failed for myrepo/trivy: exit status 2", err.Error())
}

func TestScanErrorIs(t *testing.T) {
	err := NewScanError(ErrorTypeTimeout, "run_tool", fmt.Errorf("deadline exceeded"))
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.False(t, errors.Is(err, ErrNotFound))

	cfgErr := NewScanError(ErrorTypeConfig, "resolve", fmt.Errorf("bad profile"))
	assert.True(t, errors.Is(cfgErr, ErrInvalidInput))
}

func TestScanErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	err := WrapStoreError("store_scan", inner)
	assert.True(t, errors.Is(err, inner))
}

func TestRetryable(t *testing.T) {
	assert.True(t, IsRetryableError(NewScanError(ErrorTypeExecution, "run_tool", fmt.Errorf("exit 2"))))
	assert.True(t, IsRetryableError(NewScanError(ErrorTypeTimeout, "run_tool", fmt.Errorf("timeout"))))
	assert.False(t, IsRetryableError(WrapParseError("parse", "trivy", fmt.Errorf("bad json"))))
	assert.False(t, IsRetryableError(NewScanError(ErrorTypeConfig, "load", fmt.Errorf("bad value"))))
	assert.False(t, IsRetryableError(errors.New("plain")))
}
