// Package apperr classifies errors into the categories callers act on:
// reject, re-fetch, retry, fall back, or hand to an operator.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind is the classification of an error.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindStateConflict     Kind = "state_conflict"
	KindTransientProvider Kind = "transient_provider"
	KindTerminalProvider  Kind = "terminal_provider"
	KindEvaluator         Kind = "evaluator"
	KindNotFound          Kind = "not_found"
	KindUnauthorized      Kind = "unauthorized"
	KindTimeout           Kind = "timeout"
	KindInternal          Kind = "internal"
)

// Error carries a Kind alongside the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an *Error from a format string.
func E(kind Kind, op string, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies an existing error. A nil err returns nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validation, Conflict and NotFound are shorthands for the common kinds.
func Validation(op string, format string, args ...any) error {
	return E(KindValidation, op, format, args...)
}

func Conflict(op string, format string, args ...any) error {
	return E(KindStateConflict, op, format, args...)
}

func NotFound(op string, format string, args ...any) error {
	return E(KindNotFound, op, format, args...)
}

// KindOf returns the classification of err. Unclassified errors are internal,
// except context errors which map to timeout.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindTimeout
	default:
		return KindInternal
	}
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

var kindToStatus = map[Kind]int{
	KindValidation:        http.StatusBadRequest,
	KindStateConflict:     http.StatusConflict,
	KindTransientProvider: http.StatusBadGateway,
	KindTerminalProvider:  http.StatusUnprocessableEntity,
	KindEvaluator:         http.StatusInternalServerError,
	KindNotFound:          http.StatusNotFound,
	KindUnauthorized:      http.StatusUnauthorized,
	KindTimeout:           http.StatusGatewayTimeout,
}

// HTTPStatus maps err to the status code the API returns for it.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if s, ok := kindToStatus[KindOf(err)]; ok {
		return s
	}
	return http.StatusInternalServerError
}
