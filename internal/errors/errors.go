package errors

import (
	"errors"
	"fmt"
	"time"
)

// Base error types
var (
	ErrNotFound      = errors.New("not found")
	ErrTimeout       = errors.New("timeout")
	ErrInvalidInput  = errors.New("invalid input")
	ErrToolMissing   = errors.New("tool not installed")
	ErrKeyMissing    = errors.New("encryption key not available")
	ErrAmbiguousID   = errors.New("ambiguous scan id")
	ErrInternalError = errors.New("internal error")
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeConfig     ErrorType = "config"
	ErrorTypeExecution  ErrorType = "execution"
	ErrorTypeParse      ErrorType = "parse"
	ErrorTypeStore      ErrorType = "store"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeInternal   ErrorType = "internal"
)

// ScanError is a structured error for scan and store operations.
type ScanError struct {
	Type      ErrorType
	Op        string // Operation that failed (e.g., "run_tool", "store_scan")
	Tool      string // Tool name if applicable
	Target    string // Target display name if applicable
	Err       error  // Underlying error
	ExitCode  int    // Subprocess exit code if applicable
	Timestamp time.Time
	Retryable bool
}

func (e *ScanError) Error() string {
	if e.Tool != "" && e.Target != "" {
		return fmt.Sprintf("%s failed for %s/%s: %v", e.Op, e.Target, e.Tool, e.Err)
	}
	if e.Tool != "" {
		return fmt.Sprintf("%s failed for %s: %v", e.Op, e.Tool, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *ScanError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is matching against the base error types.
func (e *ScanError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrNotFound:
		return e.Type == ErrorTypeNotFound
	case ErrTimeout:
		return e.Type == ErrorTypeTimeout
	case ErrInvalidInput:
		return e.Type == ErrorTypeValidation || e.Type == ErrorTypeConfig
	}

	return errors.Is(e.Err, target)
}

// NewScanError creates a new ScanError.
func NewScanError(errorType ErrorType, op string, err error) *ScanError {
	return &ScanError{
		Type:      errorType,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: isRetryable(errorType, err),
	}
}

// WithTool adds the tool name to the error.
func (e *ScanError) WithTool(tool string) *ScanError {
	e.Tool = tool
	return e
}

// WithTarget adds the target name to the error.
func (e *ScanError) WithTarget(target string) *ScanError {
	e.Target = target
	return e
}

// WithExitCode records the subprocess exit code.
func (e *ScanError) WithExitCode(code int) *ScanError {
	e.ExitCode = code
	return e
}

// isRetryable determines if an error should be retried.
func isRetryable(errorType ErrorType, err error) bool {
	switch errorType {
	case ErrorTypeTimeout, ErrorTypeExecution:
		return true
	case ErrorTypeConfig, ErrorTypeValidation, ErrorTypeNotFound, ErrorTypeParse:
		return false
	default:
		if err != nil {
			return !errors.Is(err, ErrInvalidInput) && !errors.Is(err, ErrToolMissing)
		}
		return true
	}
}

// Helper constructors

// WrapExecutionError wraps a tool subprocess failure with context.
func WrapExecutionError(op, tool, target string, err error) error {
	return NewScanError(ErrorTypeExecution, op, err).WithTool(tool).WithTarget(target)
}

// WrapStoreError wraps a history-store failure with context.
func WrapStoreError(op string, err error) error {
	return NewScanError(ErrorTypeStore, op, err)
}

// WrapParseError wraps a tool-output parse failure with context.
func WrapParseError(op, tool string, err error) error {
	return NewScanError(ErrorTypeParse, op, err).WithTool(tool)
}

// IsRetryableError checks if an error should be retried.
func IsRetryableError(err error) bool {
	var scanErr *ScanError
	if errors.As(err, &scanErr) {
		return scanErr.Retryable
	}
	return errors.Is(err, ErrTimeout)
}
