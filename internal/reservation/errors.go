package reservation

import (
	"errors"
)

var (
	ErrInsufficientCapacity    = errors.New("insufficient capacity")
	ErrResourceNotFound        = errors.New("resource not found")
	ErrResourceInvalid         = errors.New("resource invalid")
	ErrReservationNotFound     = errors.New("reservation not found")
	ErrInvalidReservationState = errors.New("invalid reservation state")
	ErrInvalidRequest          = errors.New("invalid reservation request")

	// ErrAnnounceFailed the outcome was not written to the outbox; the
	// caller must retry the whole operation.
	ErrAnnounceFailed = errors.New("announce reservation outcome")
)

// Reason codes carried in step results and HTTP error bodies.
const (
	ReasonInsufficientCapacity = "INSUFFICIENT_CAPACITY"
	ReasonResourceNotFound     = "RESOURCE_NOT_FOUND"
	ReasonResourceInvalid      = "RESOURCE_INVALID"
	ReasonReservationNotFound  = "RESERVATION_NOT_FOUND"
	ReasonInvalidState         = "INVALID_RESERVATION_STATE"
	ReasonInvalidRequest       = "INVALID_REQUEST"
	ReasonInternal             = "INTERNAL"
)

var reasons = []struct {
	err    error
	reason string
}{
	{ErrInsufficientCapacity, ReasonInsufficientCapacity},
	{ErrResourceNotFound, ReasonResourceNotFound},
	{ErrResourceInvalid, ReasonResourceInvalid},
	{ErrReservationNotFound, ReasonReservationNotFound},
	{ErrInvalidReservationState, ReasonInvalidState},
	{ErrInvalidRequest, ReasonInvalidRequest},
}

// IsValidation reports whether err rejects the request itself. Validation
// failures are never retried.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInsufficientCapacity) ||
		errors.Is(err, ErrResourceNotFound) ||
		errors.Is(err, ErrResourceInvalid) ||
		errors.Is(err, ErrInvalidRequest)
}

// IsDomain reports whether err is any protocol error, as opposed to an
// infrastructure failure.
func IsDomain(err error) bool {
	return IsValidation(err) ||
		errors.Is(err, ErrReservationNotFound) ||
		errors.Is(err, ErrInvalidReservationState)
}

// Reason maps err to its wire code.
func Reason(err error) string {
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.reason
		}
	}
	return ReasonInternal
}
