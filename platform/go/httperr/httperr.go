package httperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Wire-visible error codes shared by every endpoint.
const (
	CodeBadRequest      = "bad_request"
	CodeUnauthorized    = "unauthorized"
	CodeForbidden       = "forbidden"
	CodeNotFound        = "not_found"
	CodeVersionConflict = "version_conflict"
	CodeRecordDeleted   = "record_deleted"
	CodeUpsertFailed    = "upsert_failed"
	CodeInternal        = "internal_error"
)

// Error is the canonical error payload: {statusCode, code, message, details?}.
type Error struct {
	StatusCode int    `json:"statusCode"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    any    `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New builds an error with an explicit status and code.
func New(statusCode int, code, message string) *Error {
	return &Error{StatusCode: statusCode, Code: code, Message: message}
}

func BadRequest(message string) *Error {
	return New(http.StatusBadRequest, CodeBadRequest, message)
}

func Unauthorized(message string) *Error {
	return New(http.StatusUnauthorized, CodeUnauthorized, message)
}

func Forbidden(message string) *Error {
	return New(http.StatusForbidden, CodeForbidden, message)
}

func NotFound(message string) *Error {
	return New(http.StatusNotFound, CodeNotFound, message)
}

func VersionConflict(message string) *Error {
	return New(http.StatusConflict, CodeVersionConflict, message)
}

func RecordDeleted(message string) *Error {
	return New(http.StatusConflict, CodeRecordDeleted, message)
}

func Internal(message string) *Error {
	return New(http.StatusInternalServerError, CodeInternal, message)
}

// WithDetails attaches structured context (e.g. field errors) and returns the error.
func (e *Error) WithDetails(details any) *Error {
	e.Details = details
	return e
}

// From coerces any error into a wire error. Unclassified errors become internal_error
// with a generic message so internals never leak to clients.
func From(err error) *Error {
	var he *Error
	if errors.As(err, &he) {
		return he
	}
	return Internal("unexpected error")
}

type envelope struct {
	Error *Error `json:"error"`
}

// Write emits the canonical error envelope with the error's status code.
func Write(w http.ResponseWriter, err error) {
	he := From(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(he.StatusCode)
	_ = json.NewEncoder(w).Encode(envelope{Error: he})
}
