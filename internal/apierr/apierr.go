// Package apierr defines the typed error kinds the cache can produce and
// how the HTTP front end should translate them into a response status.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies one of the disposition classes from the error handling
// design: startup errors are fatal, request errors carry a status code.
type Kind int

const (
	ConfigError Kind = iota
	BindError
	StorageInitError
	UnknownHost
	UpstreamConnect
	UpstreamStatus
	DigestMismatch
	StorageIoError
	ClientDisconnect
	Draining
)

func (k Kind) String() string {
	switch k {
	case ConfigError:
		return "ConfigError"
	case BindError:
		return "BindError"
	case StorageInitError:
		return "StorageInitError"
	case UnknownHost:
		return "UnknownHost"
	case UpstreamConnect:
		return "UpstreamConnect"
	case UpstreamStatus:
		return "UpstreamStatus"
	case DigestMismatch:
		return "DigestMismatch"
	case StorageIoError:
		return "StorageIoError"
	case ClientDisconnect:
		return "ClientDisconnect"
	case Draining:
		return "Draining"
	default:
		return "Unknown"
	}
}

// Error wraps an underlying cause with a disposition kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with the given kind and operation label.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// StatusCode maps an error (typed or not) to the HTTP status the front
// end should send to the client, per the disposition table in the
// error handling design. Untyped errors fall back to 500.
func StatusCode(err error) int {
	var ae *Error
	if !errors.As(err, &ae) {
		return http.StatusInternalServerError
	}
	switch ae.Kind {
	case UnknownHost:
		return http.StatusNotFound
	case UpstreamConnect, DigestMismatch:
		return http.StatusBadGateway
	case StorageIoError, ConfigError, BindError, StorageInitError:
		return http.StatusInternalServerError
	case Draining:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// KindOf extracts the Kind from err, if it carries one.
func KindOf(err error) (Kind, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind, true
	}
	return 0, false
}
