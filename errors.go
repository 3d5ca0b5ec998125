// Package corekv is a key/value/document storage library that layers
// paged lists, paged hashes, a full-text inverted index, and crash-safe
// transactions over a pluggable byte-level Engine.
package corekv

import (
	"errors"
	"fmt"

	"github.com/kvforge/corekv/engine"
)

// Kind classifies an Error the way spec.md §7 enumerates error kinds.
type Kind int

const (
	KindNotFound Kind = iota
	KindInvalidInput
	KindParseError
	KindConflict
	KindEngineError
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindInvalidInput:
		return "InvalidInput"
	case KindParseError:
		return "ParseError"
	case KindConflict:
		return "Conflict"
	case KindEngineError:
		return "EngineError"
	case KindFatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// CodeNoSuchKey is the stable code every engine's missing-key error is
// translated to (spec.md §4.2, §6.1).
const CodeNoSuchKey = "NoSuchKey"

// Error is the typed error every public corekv operation may return.
type Error struct {
	Kind Kind
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("corekv: %s (%s): %v", e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("corekv: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, code string, err error) *Error {
	return &Error{Kind: kind, Code: code, Err: err}
}

// NotFound builds a NotFound error carrying the NoSuchKey code.
func NotFound(key string) *Error {
	return newErr(KindNotFound, CodeNoSuchKey, fmt.Errorf("key %q not found", key))
}

// InvalidInput builds an InvalidInput error.
func InvalidInput(msg string) *Error {
	return newErr(KindInvalidInput, "", errors.New(msg))
}

// ParseErr builds a ParseError.
func ParseErr(err error) *Error {
	return newErr(KindParseError, "", err)
}

// Conflict builds a Conflict error (completed-transaction reuse).
func Conflict(msg string) *Error {
	return newErr(KindConflict, "", errors.New(msg))
}

// EngineErr wraps an engine's native failure.
func EngineErr(err error) *Error {
	return newErr(KindEngineError, "", err)
}

// Fatal wraps an unrecoverable commit-phase failure (spec.md §7).
func Fatal(err error) *Error {
	return newErr(KindFatal, "", err)
}

// IsNotFound reports whether err is (or wraps) a NotFound/NoSuchKey error.
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindNotFound
	}
	return errors.Is(err, engine.ErrNotFound)
}

// Sentinel errors mirroring the teacher's errors.go, kept for callers
// that prefer errors.Is over inspecting *Error.Kind.
var (
	ErrInvalidInput    = newErr(KindInvalidInput, "", errors.New("invalid input"))
	ErrClosed          = newErr(KindConflict, "", errors.New("store is closed"))
	ErrTransactionDone = newErr(KindConflict, "", errors.New("transaction already committed or aborted"))
	ErrFatal           = newErr(KindFatal, "", errors.New("fatal error, store refusing further operations"))
)
