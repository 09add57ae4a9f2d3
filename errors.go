package weatherflow

import (
	"errors"
	"fmt"
)

// Error codes for specific failure types
const (
	ErrCodeCityNotFound      = "CITY_NOT_FOUND"
	ErrCodeCityAmbiguous     = "CITY_AMBIGUOUS"
	ErrCodeProviderTransient = "PROVIDER_TRANSIENT"
	ErrCodeProviderPermanent = "PROVIDER_PERMANENT"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeProtocol          = "PROTOCOL_ERROR"
	ErrCodeInterpretation    = "INTERPRETATION_ERROR"
	ErrCodeFormatting        = "FORMATTING_ERROR"
	ErrCodeConfiguration     = "CONFIGURATION_ERROR"
	ErrCodeCache             = "CACHE_ERROR"
	ErrCodeCancelled         = "QUERY_CANCELLED"
	ErrCodeInternal          = "INTERNAL_ERROR"
)

// QueryError is the error type carried through the query pipeline and
// serialized onto the dispatch channel.
type QueryError struct {
	Code    string      // A machine-readable error code (e.g., ErrCodeCityNotFound)
	Message string      // A human-readable message
	Stage   string      // The stage where the error occurred (e.g., "resolve", "fetch")
	Details interface{} // Structured extras, e.g. ambiguity candidates
	Cause   error       // The underlying error, if any
}

// Error implements the error interface.
func (e *QueryError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Stage, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Stage, e.Code, e.Message)
}

// Unwrap returns the underlying cause of the error, allowing for error chaining.
func (e *QueryError) Unwrap() error {
	return e.Cause
}

// Transient reports whether retrying the same query later could succeed.
func (e *QueryError) Transient() bool {
	switch e.Code {
	case ErrCodeProviderTransient, ErrCodeRateLimited, ErrCodeTimeout:
		return true
	}
	return false
}

// NewError creates a new QueryError.
func NewError(code, stage, message string, cause error) *QueryError {
	return &QueryError{
		Code:    code,
		Stage:   stage,
		Message: message,
		Cause:   cause,
	}
}

// Specific error constructors

func NewCityNotFoundError(stage, query string) *QueryError {
	return NewError(ErrCodeCityNotFound, stage, fmt.Sprintf("no city matches '%s'", query), nil)
}

func NewCityAmbiguousError(stage, query string, candidates []CityRecord) *QueryError {
	err := NewError(ErrCodeCityAmbiguous, stage, fmt.Sprintf("'%s' matches %d cities", query, len(candidates)), nil)
	err.Details = candidates
	return err
}

func NewProviderTransientError(stage, message string, cause error) *QueryError {
	return NewError(ErrCodeProviderTransient, stage, message, cause)
}

func NewProviderPermanentError(stage, message string, cause error) *QueryError {
	return NewError(ErrCodeProviderPermanent, stage, message, cause)
}

func NewRateLimitedError(stage, message string, cause error) *QueryError {
	return NewError(ErrCodeRateLimited, stage, message, cause)
}

func NewTimeoutError(stage string, cause error) *QueryError {
	return NewError(ErrCodeTimeout, stage, "operation timed out", cause)
}

func NewValidationError(stage, message string, cause error) *QueryError {
	return NewError(ErrCodeValidation, stage, message, cause)
}

func NewProtocolError(stage, message string, cause error) *QueryError {
	return NewError(ErrCodeProtocol, stage, message, cause)
}

func NewInterpretationError(cause error) *QueryError {
	return NewError(ErrCodeInterpretation, "parse", "failed to interpret query", cause)
}

func NewFormattingError(cause error) *QueryError {
	return NewError(ErrCodeFormatting, "format", "failed to format answer", cause)
}

func NewConfigurationError(message string, cause error) *QueryError {
	return NewError(ErrCodeConfiguration, "initialization", message, cause)
}

func NewCancelledError(stage string, cause error) *QueryError {
	msg := "query cancelled"
	if cause != nil && cause.Error() != "" && cause.Error() != "context canceled" {
		msg = fmt.Sprintf("query cancelled: %v", cause)
	}
	return NewError(ErrCodeCancelled, stage, msg, cause)
}

func NewCacheError(stage, operation string, cause error) *QueryError {
	return NewError(ErrCodeCache, stage, fmt.Sprintf("cache operation '%s' failed", operation), cause)
}

func NewInternalError(stage, message string, cause error) *QueryError {
	return NewError(ErrCodeInternal, stage, message, cause)
}

// AsQueryError unwraps err down to a *QueryError if one is in the chain.
func AsQueryError(err error) (*QueryError, bool) {
	var qe *QueryError
	if errors.As(err, &qe) {
		return qe, true
	}
	return nil, false
}

// ErrCode returns the code of the QueryError in err's chain, or
// ErrCodeInternal for foreign errors.
func ErrCode(err error) string {
	if err == nil {
		return ""
	}
	if qe, ok := AsQueryError(err); ok {
		return qe.Code
	}
	return ErrCodeInternal
}

// IsTransient reports whether err could succeed on retry.
func IsTransient(err error) bool {
	if qe, ok := AsQueryError(err); ok {
		return qe.Transient()
	}
	return false
}
