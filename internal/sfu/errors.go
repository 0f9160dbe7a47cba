package sfu

import "errors"

// Command error taxonomy. Validation, not-found and incompatibility errors
// are recoverable and reported without side effects; permission denial on
// join and repeated engine failures are fatal for the session.
var (
	ErrValidation       = errors.New("validation error")
	ErrNotJoined        = errors.New("not joined")
	ErrNotFound         = errors.New("resource not found")
	ErrIncompatible     = errors.New("incompatible capabilities")
	ErrPermissionDenied = errors.New("permission denied")
	ErrEngine           = errors.New("engine error")
	ErrEngineFailing    = errors.New("engine failing")
	ErrAlreadyClosed    = errors.New("already closed")
)

// engineFailureLimit is the consecutive engine-failure budget per peer;
// crossing it escalates the next engine error to ErrEngineFailing.
const engineFailureLimit = 3

// Code maps an error to its wire code.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrNotJoined):
		return "not_joined"
	case errors.Is(err, ErrNotFound):
		return "resource_not_found"
	case errors.Is(err, ErrIncompatible):
		return "incompatible"
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrAlreadyClosed):
		return "already_closed"
	case errors.Is(err, ErrEngine), errors.Is(err, ErrEngineFailing):
		return "engine_error"
	default:
		return "internal"
	}
}

// Fatal reports whether the error should force-disconnect the peer.
func Fatal(err error) bool {
	return errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrEngineFailing)
}
