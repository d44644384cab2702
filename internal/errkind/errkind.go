// Package errkind classifies errors into the fixed vocabulary the rest of
// the control plane reasons about: configuration, validation, connection,
// timeout, security, and data errors (spec §7).
package errkind

import "fmt"

// Kind is one of the fixed error categories used throughout the pipeline.
type Kind int

const (
	// Unclassified is the zero value for errors that were never tagged.
	Unclassified Kind = iota
	// Configuration marks invalid or missing configuration. Fatal at startup.
	Configuration
	// Validation marks invalid input. Surfaced to the caller; batches continue.
	Validation
	// Connection marks an SSH/NETCONF/tunnel failure, scoped per-device.
	Connection
	// Timeout marks a bounded operation that exceeded its configured limit.
	Timeout
	// Security marks a host-key mismatch, injection attempt, or invalid
	// credential. Always fatal; never silently upgraded or swallowed.
	Security
	// Data marks a corrupt snapshot, cache row, or invalid state transition.
	Data
)

// String renders the kind the way it appears in log fields and messages.
func (k Kind) String() string {
	switch k {
	case Configuration:
		return "ConfigurationError"
	case Validation:
		return "ValidationError"
	case Connection:
		return "ConnectionError"
	case Timeout:
		return "Timeout"
	case Security:
		return "SecurityError"
	case Data:
		return "DataError"
	default:
		return "Unclassified"
	}
}

// Error wraps an underlying error with a Kind, preserving Unwrap so
// errors.Is/As keep working against the wrapped cause.
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

// New builds a Kind-tagged error for the given operation.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Of reports the Kind of err, or Unclassified if err (or its chain) never
// carries an *Error.
func Of(err error) Kind {
	var e *Error
	for err != nil {
		if ke, ok := err.(*Error); ok {
			e = ke
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if e == nil {
		return Unclassified
	}
	return e.Kind
}
