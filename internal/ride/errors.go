package ride

import (
	"errors"
	"fmt"

	"github.com/example/ride-dispatch/internal/models"
)

// Kind classifies lifecycle failures so transports can map them to
// rejection messages without inspecting error text.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindConflict
	KindStaleState
	KindUnavailable
)

type Error struct {
	Kind    Kind
	Msg     string
	Current models.RideStatus // set for stale-state rejections
}

func (e *Error) Error() string { return e.Msg }

func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

func Conflict(msg string) *Error {
	return &Error{Kind: KindConflict, Msg: msg}
}

func Stale(current models.RideStatus) *Error {
	return &Error{Kind: KindStaleState, Msg: "ride not in expected state", Current: current}
}

func Unavailable(msg string) *Error {
	return &Error{Kind: KindUnavailable, Msg: msg}
}

// KindOf extracts the classification, KindUnknown for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// CurrentState returns the ride state carried by a stale rejection.
func CurrentState(err error) models.RideStatus {
	var e *Error
	if errors.As(err, &e) {
		return e.Current
	}
	return ""
}
