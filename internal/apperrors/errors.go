// Package apperrors defines the error taxonomy shared by the draft store,
// the sync engine, the name resolver and both HTTP surfaces.
package apperrors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind is a coarse classification used for logging and HTTP mapping.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindTransient     Kind = "transient"
	KindConflict      Kind = "conflict"
	KindNotFound      Kind = "not_found"
	KindConfiguration Kind = "configuration"
	KindQuota         Kind = "quota"
	KindInternal      Kind = "internal"
)

// ValidationError is a permanent rejection. It is never retried automatically.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// TransientError covers network failures and timeouts. The request may or may
// not have reached the remote side.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transient failure during %s", e.Op)
	}
	return fmt.Sprintf("transient failure during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ConflictError reports a state-machine violation, e.g. editing a draft that
// is currently syncing.
type ConflictError struct {
	Resource string
	ID       string
	Reason   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s %s: %s", e.Resource, e.ID, e.Reason)
}

// NotFoundError reports an operation on an unknown identifier.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ConfigurationError reports a template or fallback misconfiguration.
type ConfigurationError struct {
	Setting string
	Message string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Setting, e.Message)
}

// QuotaError is returned when the local draft store is at capacity.
type QuotaError struct {
	Limit int
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("draft store is full (max %d drafts)", e.Limit)
}

// Constructors

func Validation(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

func Conflict(resource, id, reason string) error {
	return &ConflictError{Resource: resource, ID: id, Reason: reason}
}

func NotFound(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

func Configuration(setting, message string) error {
	return &ConfigurationError{Setting: setting, Message: message}
}

// Predicates

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsTransient(err error) bool {
	var target *TransientError
	return errors.As(err, &target)
}

func IsConflict(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

func IsConfiguration(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

func IsQuota(err error) bool {
	var target *QuotaError
	return errors.As(err, &target)
}

// Classify maps an error onto a Kind. Remote failures without an explicit
// classification are transient: a permanent rejection has to say so.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return ""
	case IsValidation(err):
		return KindValidation
	case IsConflict(err):
		return KindConflict
	case IsNotFound(err):
		return KindNotFound
	case IsConfiguration(err):
		return KindConfiguration
	case IsQuota(err):
		return KindQuota
	case IsTransient(err):
		return KindTransient
	case errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	return KindInternal
}

// HTTPStatus returns the status code both HTTP surfaces use for err.
func HTTPStatus(err error) int {
	switch Classify(err) {
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindQuota:
		return http.StatusInsufficientStorage
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
