package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Common errors used throughout the application.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidInput  = errors.New("invalid input")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrConflict      = errors.New("conflict")
)

// Error codes for standardized API error responses.
const (
	ErrCodeResourceNotFound      = "RESOURCE_NOT_FOUND"
	ErrCodeResourceAlreadyExists = "RESOURCE_ALREADY_EXISTS"
	ErrCodeInvalidInput          = "INVALID_INPUT"
	ErrCodeUnauthorized          = "UNAUTHORIZED"
	ErrCodeValidationError       = "VALIDATION_ERROR"
	ErrCodeConflict              = "CONFLICT"
	ErrCodeInternalError         = "INTERNAL_ERROR"
)

// Kind classifies a policy or lifecycle failure.
type Kind int

const (
	KindAuthentication Kind = iota + 1
	KindPermissionsMissing
	KindInvalidArguments
	KindUnauthorizedForInstance
	KindInstanceUpdate
	KindInProgress
	KindInvalidApplicationState
	KindCrossAccountStackSet
	KindNotFound
)

// Code returns the machine readable code used in error responses.
func (k Kind) Code() string {
	switch k {
	case KindAuthentication:
		return "AUTHENTICATION_ERROR"
	case KindPermissionsMissing:
		return "PERMISSIONS_MISSING"
	case KindInvalidArguments:
		return "INVALID_ARGUMENTS"
	case KindUnauthorizedForInstance:
		return "UNAUTHORIZED_FOR_INSTANCE"
	case KindInstanceUpdate:
		return "INSTANCE_UPDATE_ERROR"
	case KindInProgress:
		return "EXECUTION_IN_PROGRESS"
	case KindInvalidApplicationState:
		return "INVALID_APPLICATION_STATE"
	case KindCrossAccountStackSet:
		return "CROSS_ACCOUNT_STACKSET"
	case KindNotFound:
		return ErrCodeResourceNotFound
	default:
		return ErrCodeInternalError
	}
}

// HTTPStatus returns the status code a kind is reported with.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindPermissionsMissing, KindInvalidArguments, KindInstanceUpdate:
		return http.StatusBadRequest
	case KindUnauthorizedForInstance:
		return http.StatusForbidden
	case KindInProgress:
		// Workflow engines treat 415 as the retry signal.
		return http.StatusUnsupportedMediaType
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified error carrying a user-facing message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf creates a classified error with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf reports the kind of the first classified error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// Frequently used errors with fixed messages.
var (
	ErrNotOwner   = &Error{Kind: KindUnauthorizedForInstance, Message: "You're not authorized to modify this instance."}
	ErrTryLater   = &Error{Kind: KindInProgress, Message: "Try again later."}
	ErrNoIdentity = &Error{Kind: KindAuthentication, Message: "missing or invalid identity"}
)

// StandardError represents a standardized error response from the API.
type StandardError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Field   string         `json:"field,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// StandardErrorResponse wraps a StandardError for JSON responses.
type StandardErrorResponse struct {
	Error StandardError `json:"error"`
}
