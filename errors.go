package nomad

import "fmt"

// ErrorKind classifies every error surfaced by this package.
type ErrorKind int

const (
	// KindValidation marks inputs that failed local validation.
	KindValidation ErrorKind = iota + 1
	// KindState marks operations invoked in a disallowed VM state.
	KindState
	// KindProtocol marks malformed or unknown inbound frames and unknown
	// tunnel ids.
	KindProtocol
	// KindWorker marks worker construction failures, channel errors, and
	// forcible termination.
	KindWorker
	// KindTimeout marks boot timeouts and pong-limit expiry.
	KindTimeout
	// KindOperation marks worker-side failures of a requested operation,
	// carried back in a reject frame.
	KindOperation
	// KindDeletion marks pending requests rejected because their target
	// enclosure was deleted or the VM was stopped.
	KindDeletion
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindState:
		return "state"
	case KindProtocol:
		return "protocol"
	case KindWorker:
		return "worker"
	case KindTimeout:
		return "timeout"
	case KindOperation:
		return "operation"
	case KindDeletion:
		return "deletion"
	}
	return "unknown"
}

// Error is the concrete error type returned by all public methods.
type Error struct {
	Kind    ErrorKind
	Message string
	cause   error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.cause }

// Is reports kind equality so callers can match with errors.Is against a
// bare-kind sentinel such as &Error{Kind: KindTimeout}.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// KindOf returns the kind of err, or 0 when err is not a nomad error.
func KindOf(err error) ErrorKind {
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return 0
}

func newError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func wrapError(kind ErrorKind, err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return &Error{Kind: kind, Message: err.Error(), cause: err}
}
