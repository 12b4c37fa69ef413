package rpi

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies the failures this package can report. None of them are
// transient, so nothing here retries.
type Kind int

const (
	// PrivilegeError: a device node couldn't be opened.
	PrivilegeError Kind = iota + 1
	// ProtocolError: the mailbox ioctl failed or the firmware rejected a request.
	ProtocolError
	// MappingError: mmap of /dev/mem failed.
	MappingError
	// SequenceError: a bring-up or shutdown step was out of order or didn't converge.
	SequenceError
	// ConfigError: the caller asked for something the hardware can't do.
	ConfigError
)

func (k Kind) String() string {
	switch k {
	case PrivilegeError:
		return "privilege"
	case ProtocolError:
		return "protocol"
	case MappingError:
		return "mapping"
	case SequenceError:
		return "sequence"
	case ConfigError:
		return "config"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is returned for every failure in this package. Op names the step
// that failed (e.g. "open", "lock", "start dma").
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Cause lets errors.Cause see through an Error.
func (e *Error) Cause() error { return e.Err }

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// IsKind reports whether any error in err's chain is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Kind == kind {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

var (
	errNotOpen     = errors.New("mailbox not open")
	errInterrupted = errors.New("interrupted")
)
