package domain

import (
	"errors"
	"fmt"
)

type ErrUnauthenticated struct{}

func (e ErrUnauthenticated) Error() string {
	return "Not authenticated"
}

type ErrMisconfigured struct {
	Setting string
}

func (e ErrMisconfigured) Error() string {
	return fmt.Sprintf("%s not configured", e.Setting)
}

type ErrInvalidAction struct {
	Action string
}

func (e ErrInvalidAction) Error() string {
	return "Invalid action"
}

type ErrInvalidRequest struct {
	Field  string
	Reason string
}

func (e ErrInvalidRequest) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

type ErrNotFound struct {
	ID string
}

func (e ErrNotFound) Error() string {
	return "Server not found"
}

// ErrProvider is a non-2xx answer from the cloud provider.
type ErrProvider struct {
	Op         string
	StatusCode int
	Message    string
}

func (e ErrProvider) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("provider %s returned %d", e.Op, e.StatusCode)
}

type ErrPersistence struct {
	Op  string
	Err error
}

func (e ErrPersistence) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e ErrPersistence) Unwrap() error {
	return e.Err
}

// ErrRecordNotFound is returned by the store when no row matches.
var ErrRecordNotFound = errors.New("record not found")

// IsNotFound reports whether err is an ownership or lookup miss.
func IsNotFound(err error) bool {
	var nf ErrNotFound
	return errors.As(err, &nf) || errors.Is(err, ErrRecordNotFound)
}

func IsUnauthenticated(err error) bool {
	var ua ErrUnauthenticated
	return errors.As(err, &ua)
}

// Kind names the failure class of err for metrics and logs.
func Kind(err error) string {
	var (
		ua  ErrUnauthenticated
		mc  ErrMisconfigured
		ia  ErrInvalidAction
		ir  ErrInvalidRequest
		nf  ErrNotFound
		pe  ErrProvider
		per ErrPersistence
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &ua):
		return "unauthenticated"
	case errors.As(err, &mc):
		return "misconfigured"
	case errors.As(err, &ia):
		return "invalid_action"
	case errors.As(err, &ir):
		return "invalid_request"
	case errors.As(err, &nf):
		return "not_found"
	case errors.As(err, &pe):
		return "provider"
	case errors.As(err, &per):
		return "persistence"
	default:
		return "internal"
	}
}
