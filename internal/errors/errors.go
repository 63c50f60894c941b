package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a machine-readable error code of the form E<CATEGORY>-<NUMBER>.
type ErrorCode string

const (
	// Validation errors (EVAL-xxx)
	ErrValidation   ErrorCode = "EVAL-001"
	ErrInvalidInput ErrorCode = "EVAL-002"
	ErrMissingParam ErrorCode = "EVAL-003"

	// Catalog errors (ECAT-xxx)
	ErrCatalogInvalid ErrorCode = "ECAT-001"
	ErrUnknownTest    ErrorCode = "ECAT-002"

	// Condition stack errors (ESTK-xxx)
	ErrConditionNotFound ErrorCode = "ESTK-001"
	ErrInvalidParamKey   ErrorCode = "ESTK-002"
	ErrInvalidParamValue ErrorCode = "ESTK-003"

	// Compiler errors (ECMP-xxx)
	ErrEmptyStack          ErrorCode = "ECMP-001"
	ErrIncompleteCondition ErrorCode = "ECMP-002"

	// Wizard errors (EWIZ-xxx)
	ErrStepGate         ErrorCode = "EWIZ-001"
	ErrSubmitInFlight   ErrorCode = "EWIZ-002"
	ErrSubmissionFailed ErrorCode = "EWIZ-003"
	ErrInternal         ErrorCode = "EWIZ-004"

	// Storage errors (ESTO-xxx)
	ErrStorage  ErrorCode = "ESTO-001"
	ErrNotFound ErrorCode = "ESTO-002"

	// Collaborator errors (ECOL-xxx)
	ErrCollaborator ErrorCode = "ECOL-001"
	ErrTimeout      ErrorCode = "ECOL-002"
	ErrBadResponse  ErrorCode = "ECOL-003"

	// Session errors (ESES-xxx)
	ErrSessionNotFound ErrorCode = "ESES-001"
)

// ForgeError carries a code, a human-readable message, an optional wrapped
// cause, and key-value details for context.
type ForgeError struct {
	Code    ErrorCode
	Message string
	Cause   error
	Details map[string]interface{}
}

// Error returns "[CODE] message", with ": cause" appended when present.
func (e *ForgeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ForgeError) Unwrap() error {
	return e.Cause
}

// WithDetails attaches a key-value pair and returns e for chaining.
func (e *ForgeError) WithDetails(key string, value interface{}) *ForgeError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ---------------------------------------------------------------------------
// Constructor helpers
// ---------------------------------------------------------------------------

// New creates a ForgeError with the given code and message.
func New(code ErrorCode, message string) *ForgeError {
	return &ForgeError{
		Code:    code,
		Message: message,
	}
}

// Newf is New with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *ForgeError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates a ForgeError with cause as its Cause.
func Wrap(code ErrorCode, message string, cause error) *ForgeError {
	return &ForgeError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Is reports whether any error in err's chain carries the given code.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		var fe *ForgeError
		if errors.As(err, &fe) {
			if fe.Code == code {
				return true
			}
			err = fe.Cause
			continue
		}
		err = errors.Unwrap(err)
	}
	return false
}

// GetCode returns the code of the first ForgeError in err's chain, or "".
func GetCode(err error) ErrorCode {
	var fe *ForgeError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// Detail returns a detail value from the first ForgeError in err's chain.
func Detail(err error, key string) (interface{}, bool) {
	var fe *ForgeError
	if !errors.As(err, &fe) || fe.Details == nil {
		return nil, false
	}
	v, ok := fe.Details[key]
	return v, ok
}

// ---------------------------------------------------------------------------
// HTTP status mapping
// ---------------------------------------------------------------------------

// ToHTTPStatus maps an ErrorCode to an HTTP status. Unknown codes map to 500.
func ToHTTPStatus(code ErrorCode) int {
	if status, ok := codeToHTTPStatus[code]; ok {
		return status
	}

	// Fall back to the category prefix so new codes in a known category
	// still get a reasonable default.
	prefix := string(code)
	if idx := strings.Index(prefix, "-"); idx != -1 {
		prefix = prefix[:idx]
	}
	if status, ok := prefixToHTTPStatus[prefix]; ok {
		return status
	}

	return http.StatusInternalServerError
}

var codeToHTTPStatus = map[ErrorCode]int{
	ErrValidation:   http.StatusBadRequest,
	ErrInvalidInput: http.StatusBadRequest,
	ErrMissingParam: http.StatusBadRequest,

	ErrCatalogInvalid: http.StatusInternalServerError,
	ErrUnknownTest:    http.StatusNotFound,

	ErrConditionNotFound: http.StatusNotFound,
	ErrInvalidParamKey:   http.StatusBadRequest,
	ErrInvalidParamValue: http.StatusBadRequest,

	ErrEmptyStack:          http.StatusUnprocessableEntity,
	ErrIncompleteCondition: http.StatusUnprocessableEntity,

	ErrStepGate:         http.StatusUnprocessableEntity,
	ErrSubmitInFlight:   http.StatusConflict,
	ErrSubmissionFailed: http.StatusBadGateway,
	ErrInternal:         http.StatusInternalServerError,

	ErrStorage:  http.StatusInternalServerError,
	ErrNotFound: http.StatusNotFound,

	ErrCollaborator: http.StatusBadGateway,
	ErrTimeout:      http.StatusGatewayTimeout,
	ErrBadResponse:  http.StatusBadGateway,

	ErrSessionNotFound: http.StatusNotFound,
}

var prefixToHTTPStatus = map[string]int{
	"EVAL": http.StatusBadRequest,
	"ECAT": http.StatusInternalServerError,
	"ESTK": http.StatusBadRequest,
	"ECMP": http.StatusUnprocessableEntity,
	"EWIZ": http.StatusInternalServerError,
	"ESTO": http.StatusInternalServerError,
	"ECOL": http.StatusBadGateway,
	"ESES": http.StatusNotFound,
}
