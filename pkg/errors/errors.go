package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error represents a typed domain error with HTTP awareness.
type Error struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Status    int    `json:"status"`
	Retryable bool   `json:"-"`
	Err       error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New creates a new Error instance.
func New(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// NewRetryable creates a new Error marked as transient.
func NewRetryable(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message, Retryable: true}
}

// Wrap attaches context to an existing error.
func Wrap(err error, code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message, Err: err}
}

// WrapAs attaches err beneath a copy of sentinel so the sentinel's code,
// status and retryability survive the wrap.
func WrapAs(err error, sentinel *Error, message string) *Error {
	e := Clone(sentinel, message)
	e.Err = err
	return e
}

// Predefined errors for common scenarios.
var (
	ErrValidation         = New("VALIDATION_ERROR", http.StatusBadRequest, "validation failed")
	ErrInvalidInput       = New("INVALID_INPUT", http.StatusBadRequest, "invalid input")
	ErrUnsupportedFormat  = New("UNSUPPORTED_FORMAT", http.StatusUnsupportedMediaType, "unsupported file format")
	ErrFileTooLarge       = New("FILE_TOO_LARGE", http.StatusRequestEntityTooLarge, "file exceeds size limit")
	ErrSecurityThreat     = New("SECURITY_THREAT", http.StatusBadRequest, "file failed security scan")
	ErrNotFound           = New("NOT_FOUND", http.StatusNotFound, "resource not found")
	ErrDocumentNotFound   = New("DOCUMENT_NOT_FOUND", http.StatusNotFound, "document not found")
	ErrJobNotFound        = New("JOB_NOT_FOUND", http.StatusNotFound, "ocr job not found")
	ErrCacheMiss          = New("CACHE_MISS", http.StatusNotFound, "cache miss")
	ErrConflict           = New("CONFLICT", http.StatusConflict, "conflict")
	ErrDuplicateKey       = New("DUPLICATE_KEY", http.StatusConflict, "duplicate key")
	ErrPreconditionFailed = New("PRECONDITION_FAILED", http.StatusPreconditionFailed, "etag precondition failed")
	ErrUnauthorized       = New("UNAUTHORIZED", http.StatusUnauthorized, "unauthorized")
	ErrForbidden          = New("FORBIDDEN", http.StatusForbidden, "forbidden")
	ErrQuotaExceeded      = New("QUOTA_EXCEEDED", http.StatusRequestEntityTooLarge, "storage quota exceeded")
	ErrUpstream           = NewRetryable("UPSTREAM_ERROR", http.StatusBadGateway, "upstream dependency failed")
	ErrEngineUnavailable  = NewRetryable("ENGINE_UNAVAILABLE", http.StatusServiceUnavailable, "ocr engine unavailable")
	ErrPermanent          = New("PERMANENT_FAILURE", http.StatusUnprocessableEntity, "permanent processing failure")
	ErrLeaseLost          = New("LEASE_LOST", http.StatusConflict, "job lease lost")
	ErrJobNotCancellable  = New("JOB_NOT_CANCELLABLE", http.StatusConflict, "job is in a terminal state")
	ErrJobNotRetryable    = New("JOB_NOT_RETRYABLE", http.StatusConflict, "only failed jobs can be retried")
	ErrInternal           = New("INTERNAL_ERROR", http.StatusInternalServerError, "internal server error")
)

// FromError normalises any error into an *Error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, ErrInternal.Code, ErrInternal.Status, ErrInternal.Message)
}

// Clone returns a copy of the error allowing for message overrides.
func Clone(err *Error, message string) *Error {
	if err == nil {
		return nil
	}
	clone := *err
	if message != "" {
		clone.Message = message
	}
	return &clone
}

// Retryable reports whether err is transient and worth another attempt.
// The whole wrap chain is inspected so context added by callers does not
// hide the classification.
func Retryable(err error) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Retryable {
			return true
		}
		err = e.Err
	}
	return false
}

// Is reports whether err carries the same code as target.
func Is(err error, target *Error) bool {
	if err == nil || target == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code == target.Code
	}
	return false
}
