// Package apperr defines the typed error taxonomy shared by the service
// layer: validation, conflict, not-found and database errors, each carrying
// a stable machine-readable code that the HTTP layer maps to a status.
package apperr

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// Code identifies the error category.
type Code string

const (
	CodeValidation Code = "VALIDATION_ERROR"
	CodeConflict   Code = "CONFLICT"
	CodeNotFound   Code = "NOT_FOUND"
	CodeDatabase   Code = "DATABASE_ERROR"
)

// Postgres error codes surfaced by lib/pq.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// Error is a coded service error.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Validation returns a validation error.
func Validation(format string, args ...interface{}) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// Conflict returns a conflict error.
func Conflict(format string, args ...interface{}) *Error {
	return &Error{Code: CodeConflict, Message: fmt.Sprintf(format, args...)}
}

// NotFound returns a not-found error.
func NotFound(format string, args ...interface{}) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// Database wraps an unexpected row-store failure.
func Database(err error, format string, args ...interface{}) *Error {
	return &Error{Code: CodeDatabase, Message: fmt.Sprintf(format, args...), Err: err}
}

// FromPQ translates a database driver error into a typed error. Unique
// violations become conflicts (the constraint is the source of truth for
// duplicate detection, there is no separate existence pre-check), foreign
// key violations become conflicts, sql.ErrNoRows becomes not-found.
func FromPQ(err error, conflictMsg, notFoundMsg string) *Error {
	if errors.Is(err, sql.ErrNoRows) {
		return NotFound("%s", notFoundMsg)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pgUniqueViolation, pgForeignKeyViolation:
			return Conflict("%s", conflictMsg)
		}
	}
	return Database(err, "unexpected database error")
}

// CodeOf returns the code of err when it is a typed error, or CodeDatabase.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeDatabase
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// IsConflict reports whether err is a conflict error.
func IsConflict(err error) bool { return IsCode(err, CodeConflict) }

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return IsCode(err, CodeNotFound) }

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return IsCode(err, CodeValidation) }
