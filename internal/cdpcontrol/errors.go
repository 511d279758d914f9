package cdpcontrol

import (
	"errors"
	"fmt"
)

const (
	CodeValidation       = "VALIDATION"
	CodeChromiumNotFound = "CHROMIUM_NOT_FOUND"
	CodeLaunchFailed     = "LAUNCH_FAILED"
	CodeNotConnected     = "NOT_CONNECTED"
	CodePortNotBrowser   = "PORT_NOT_BROWSER"
	CodeCDPUnavailable   = "CDP_UNAVAILABLE"
	CodeNoPageAvailable  = "NO_PAGE_AVAILABLE"
	CodeSelectorNotFound = "SELECTOR_NOT_FOUND"
	CodeModeConflict     = "MODE_CONFLICT"
	CodeInterceptTimeout = "INTERCEPT_TIMEOUT"
	CodeDeadline         = "DEADLINE"
	CodeInternal         = "INTERNAL"
)

// CodedError is a typed error used for stable tool-result mapping.
type CodedError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CodedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *CodedError) Unwrap() error { return e.Cause }

func NewError(code, msg string, cause error) error {
	return &CodedError{Code: code, Message: msg, Cause: cause}
}

// ErrorCode extracts the code from a CodedError chain, or CodeInternal.
func ErrorCode(err error) string {
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeInternal
}
