// Package domexception implements the DOMException taxonomy: named errors surfaced to script for abort, timeout,
// and invalid-state conditions, distinct from Go's plain error values
// used internally.
package domexception

import "fmt"

// Name is one of the legacy DOMException name strings the spec reuses.
type Name string

const (
	AbortError       Name = "AbortError"
	TimeoutError     Name = "TimeoutError"
	InvalidStateError Name = "InvalidStateError"
	DataCloneError   Name = "DataCloneError"
	NetworkError     Name = "NetworkError"
	NotSupportedError Name = "NotSupportedError"
)

// legacyCode mirrors the historical DOMException numeric codes for the
// names this runtime actually raises; names without a historical code
// map to 0, matching the DOM spec's "new" exceptions.
var legacyCode = map[Name]int{
	AbortError:        20,
	TimeoutError:      23,
	InvalidStateError: 11,
	DataCloneError:    25,
	NetworkError:      19,
	NotSupportedError: 9,
}

// DOMException is a Go error carrying a DOM exception name and message,
// bridged to a JS-visible DOMException object at the binding layer
// (internal/globals).
type DOMException struct {
	ExceptionName Name
	Message       string
}

// New constructs a DOMException with the given name and message.
func New(name Name, message string) *DOMException {
	return &DOMException{ExceptionName: name, Message: message}
}

// Error satisfies the error interface.
func (e *DOMException) Error() string {
	if e.Message == "" {
		return string(e.ExceptionName)
	}
	return fmt.Sprintf("%s: %s", e.ExceptionName, e.Message)
}

// Code returns the legacy numeric exception code for e's name, or 0 if
// the name predates no historical constant.
func (e *DOMException) Code() int { return legacyCode[e.ExceptionName] }

// Is reports whether target names the same DOMException name, so callers
// can use errors.Is(err, domexception.New(domexception.AbortError, "")).
func (e *DOMException) Is(target error) bool {
	other, ok := target.(*DOMException)
	if !ok {
		return false
	}
	return other.ExceptionName == e.ExceptionName
}
