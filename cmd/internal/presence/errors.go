package presence

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an operation requires an existing record.
	ErrNotFound = errors.New("presence: not found")
	// ErrInvalidStatus is returned for a status outside the known set.
	ErrInvalidStatus = errors.New("presence: invalid status")
	// ErrInvalidInput covers empty ids and oversized custom statuses.
	ErrInvalidInput = errors.New("presence: invalid input")
	// ErrUnavailable wraps transient backend failures.
	ErrUnavailable = errors.New("presence: store unavailable")
)

// OpError is a typed operation error with a stable Op + Kind contract for callers and tests.
// Kind is one of the sentinel errors above.
type OpError struct {
	Op   string
	Kind error
	Msg  string
	Err  error
}

func (e OpError) Error() string {
	s := fmt.Sprintf("%s: %v", e.Op, e.Kind)
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func notFound(op, userID string) error {
	return OpError{Op: op, Kind: ErrNotFound, Msg: userID}
}

func unavailable(op string, err error) error {
	return OpError{Op: op, Kind: ErrUnavailable, Err: err}
}

// IsNotFound reports whether err represents ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsUnavailable reports whether err represents ErrUnavailable.
func IsUnavailable(err error) bool { return errors.Is(err, ErrUnavailable) }

// IsInvalid reports whether err was caused by bad caller input.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalidStatus) || errors.Is(err, ErrInvalidInput)
}
