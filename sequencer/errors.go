package sequencer

import "fmt"

// Kind classifies an engine error for transport mapping
type Kind int

const (
	// KindBadRequest covers validation, parse, signature, invariant and
	// chain-call failures surfaced to the caller (HTTP 400)
	KindBadRequest Kind = iota
	// KindNotFound means the channel id is absent from the registry (HTTP 404)
	KindNotFound
	// KindInternal covers persistence failures; details are logged, not
	// returned (HTTP 500)
	KindInternal
)

// Error is the engine's caller-facing error
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// BadRequest creates a KindBadRequest error
func BadRequest(message string) *Error {
	return &Error{Kind: KindBadRequest, Message: message}
}

// BadRequestf creates a KindBadRequest error with formatting
func BadRequestf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindBadRequest, Message: fmt.Sprintf(format, args...)}
}

// NotFound creates a KindNotFound error
func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

// Internal creates a KindInternal error
func Internal(message string) *Error {
	return &Error{Kind: KindInternal, Message: message}
}
