package orma

import (
	"errors"
	"fmt"
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeConfiguration   ErrorType = "configuration"
	ErrorTypeValidation      ErrorType = "validation"
	ErrorTypeNotFound        ErrorType = "not_found"
	ErrorTypeConflict        ErrorType = "conflict"
	ErrorTypeBackend         ErrorType = "backend"
	ErrorTypeAmbiguousResult ErrorType = "ambiguous_result"
	ErrorTypeInternal        ErrorType = "internal"
)

// OrmaError is the single structured error returned by sessions, the registry and the query translator.
type OrmaError struct {
	Type    ErrorType      `json:"type"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Entity  string         `json:"entity,omitempty"`
	Field   string         `json:"field,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

func (e *OrmaError) Error() string {
	var msg string
	switch {
	case e.Entity != "" && e.Field != "":
		msg = fmt.Sprintf("[%s:%s] %s.%s: %s", e.Type, e.Code, e.Entity, e.Field, e.Message)
	case e.Entity != "":
		msg = fmt.Sprintf("[%s:%s] entity %s: %s", e.Type, e.Code, e.Entity, e.Message)
	case e.Field != "":
		msg = fmt.Sprintf("[%s:%s] field '%s': %s", e.Type, e.Code, e.Field, e.Message)
	default:
		msg = fmt.Sprintf("[%s:%s] %s", e.Type, e.Code, e.Message)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *OrmaError) Unwrap() error {
	return e.Cause
}

// Is matches sentinel errors by type, and by code when the target carries one.
func (e *OrmaError) Is(target error) bool {
	t, ok := target.(*OrmaError)
	if !ok {
		return false
	}
	if t.Type != e.Type {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// WithDetail adds a single detail
func (e *OrmaError) WithDetail(key string, value any) *OrmaError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause adds a cause
func (e *OrmaError) WithCause(cause error) *OrmaError {
	e.Cause = cause
	return e
}

// WithEntity adds entity context
func (e *OrmaError) WithEntity(entity string) *OrmaError {
	e.Entity = entity
	return e
}

// WithField adds field context
func (e *OrmaError) WithField(field string) *OrmaError {
	e.Field = field
	return e
}

// Error codes
const (
	// Registry
	ErrCodeMissingPrimaryKey     = "MISSING_PRIMARY_KEY"
	ErrCodeDuplicatePrimaryKey   = "DUPLICATE_PRIMARY_KEY"
	ErrCodeInvalidMapping        = "INVALID_MAPPING"
	ErrCodeConflictingOwnership  = "CONFLICTING_OWNERSHIP"
	ErrCodeUnknownEntity         = "UNKNOWN_ENTITY"
	ErrCodeInvalidConfiguration  = "INVALID_CONFIGURATION"
	ErrCodeUnsupportedDriver     = "UNSUPPORTED_DRIVER"
	ErrCodeInvalidEntityArgument = "INVALID_ENTITY_ARGUMENT"

	// Query translation
	ErrCodeUnsupportedPredicate = "UNSUPPORTED_PREDICATE"
	ErrCodeUnknownProperty      = "UNKNOWN_PROPERTY"
	ErrCodeMalformedQuery       = "MALFORMED_QUERY"
	ErrCodeUnknownQuery         = "UNKNOWN_QUERY"
	ErrCodeParameterBinding     = "PARAMETER_BINDING"
	ErrCodeUnsupportedPaging    = "UNSUPPORTED_PAGING"
	ErrCodeInvalidPage          = "INVALID_PAGE"
	ErrCodeInvalidPageSize      = "INVALID_PAGE_SIZE"
	ErrCodeInvalidProjection    = "INVALID_PROJECTION"

	// Session state
	ErrCodeAlreadyManaged      = "ALREADY_MANAGED"
	ErrCodeDuplicateIdentity   = "DUPLICATE_IDENTITY"
	ErrCodeNotManaged          = "NOT_MANAGED"
	ErrCodeAlreadyRemoved      = "ALREADY_REMOVED"
	ErrCodeSessionClosed       = "SESSION_CLOSED"
	ErrCodeLazyInitialization  = "LAZY_INITIALIZATION"
	ErrCodeTransientReference  = "TRANSIENT_REFERENCE"
	ErrCodeMissingAssignedKey  = "MISSING_ASSIGNED_KEY"
	ErrCodeUnexpectedGenerated = "UNEXPECTED_GENERATED_KEY"

	// Backend
	ErrCodeStatementFailed   = "STATEMENT_FAILED"
	ErrCodeTransactionFailed = "TRANSACTION_FAILED"
	ErrCodeStaleState        = "STALE_STATE"
	ErrCodeScanFailed        = "SCAN_FAILED"

	ErrCodeEntityNotFound  = "ENTITY_NOT_FOUND"
	ErrCodeNonUniqueResult = "NON_UNIQUE_RESULT"
	ErrCodeInternalError   = "INTERNAL_ERROR"
)

// Sentinels for errors.Is.
var (
	ErrConfiguration   = &OrmaError{Type: ErrorTypeConfiguration}
	ErrValidation      = &OrmaError{Type: ErrorTypeValidation}
	ErrNotFound        = &OrmaError{Type: ErrorTypeNotFound}
	ErrConflict        = &OrmaError{Type: ErrorTypeConflict}
	ErrBackend         = &OrmaError{Type: ErrorTypeBackend}
	ErrAmbiguousResult = &OrmaError{Type: ErrorTypeAmbiguousResult}

	ErrUnsupportedPredicate = &OrmaError{Type: ErrorTypeValidation, Code: ErrCodeUnsupportedPredicate}
	ErrSessionClosed        = &OrmaError{Type: ErrorTypeConflict, Code: ErrCodeSessionClosed}
	ErrLazyInitialization   = &OrmaError{Type: ErrorTypeConflict, Code: ErrCodeLazyInitialization}
)

// NewOrmaError creates a new error
func NewOrmaError(errorType ErrorType, code, message string) *OrmaError {
	return &OrmaError{
		Type:    errorType,
		Code:    code,
		Message: message,
	}
}

// NewConfigurationError reports invalid entity metadata or settings detected at startup.
func NewConfigurationError(code, message string) *OrmaError {
	return NewOrmaError(ErrorTypeConfiguration, code, message)
}

// NewValidationError creates a validation error
func NewValidationError(field, message string) *OrmaError {
	return &OrmaError{
		Type:    ErrorTypeValidation,
		Code:    ErrCodeMalformedQuery,
		Message: message,
		Field:   field,
	}
}

// NewUnsupportedPredicateError reports an unrecognized token in a derived query method name.
func NewUnsupportedPredicateError(method, token string) *OrmaError {
	return &OrmaError{
		Type:    ErrorTypeValidation,
		Code:    ErrCodeUnsupportedPredicate,
		Message: fmt.Sprintf("unsupported token %q in method %q", token, method),
		Details: map[string]any{"method": method, "token": token},
	}
}

// NewConflictError creates an illegal state error
func NewConflictError(code, message string) *OrmaError {
	return NewOrmaError(ErrorTypeConflict, code, message)
}

// NewBackendError wraps a failure reported by the storage backend.
func NewBackendError(message string, cause error) *OrmaError {
	return &OrmaError{
		Type:    ErrorTypeBackend,
		Code:    ErrCodeStatementFailed,
		Message: message,
		Cause:   cause,
	}
}

// NewAmbiguousResultError creates the error returned when a single-result query matches several rows.
func NewAmbiguousResultError(count int) *OrmaError {
	return &OrmaError{
		Type:    ErrorTypeAmbiguousResult,
		Code:    ErrCodeNonUniqueResult,
		Message: fmt.Sprintf("query did not return a unique result: %d rows", count),
		Details: map[string]any{"rows": count},
	}
}

// NewEntityNotFoundError creates an entity not found error
func NewEntityNotFoundError(entity string, key any) *OrmaError {
	return &OrmaError{
		Type:    ErrorTypeNotFound,
		Code:    ErrCodeEntityNotFound,
		Message: fmt.Sprintf("no row for key %v", key),
		Entity:  entity,
		Details: map[string]any{"key": key},
	}
}

// NewInternalError creates an internal error
func NewInternalError(message string, cause error) *OrmaError {
	return &OrmaError{
		Type:    ErrorTypeInternal,
		Code:    ErrCodeInternalError,
		Message: message,
		Cause:   cause,
	}
}

// IsErrorType reports whether err wraps an OrmaError of the given type.
func IsErrorType(err error, errorType ErrorType) bool {
	var oe *OrmaError
	if errors.As(err, &oe) {
		return oe.Type == errorType
	}
	return false
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	return IsErrorType(err, ErrorTypeValidation)
}

// IsConflictError checks if an error is an illegal state error
func IsConflictError(err error) bool {
	return IsErrorType(err, ErrorTypeConflict)
}

// ErrorCode returns the code of the first OrmaError in err's chain.
func ErrorCode(err error) string {
	var oe *OrmaError
	if errors.As(err, &oe) {
		return oe.Code
	}
	return ""
}
