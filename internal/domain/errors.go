package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorKind classifies failures so the transport layer can translate them.
type ErrorKind string

const (
	KindValidation        ErrorKind = "validation"
	KindNotFound          ErrorKind = "not_found"
	KindInvalidTransition ErrorKind = "invalid_transition"
	KindConflict          ErrorKind = "conflict"
	KindDuplicate         ErrorKind = "duplicate"
	KindProvider          ErrorKind = "provider"
	KindInternal          ErrorKind = "internal"
)

// Error is the tagged error returned by the service layer.
type Error struct {
	Kind    ErrorKind
	Message string
	Context map[string]any
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%v", k, e.Context[k])
		}
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so sentinels like ErrInvalidTransition
// can be used with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// Kind sentinels for errors.Is checks.
var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition}
	ErrConflict          = &Error{Kind: KindConflict}
	ErrDuplicate         = &Error{Kind: KindDuplicate}
	ErrProvider          = &Error{Kind: KindProvider}
	ErrInternal          = &Error{Kind: KindInternal}
)

func NewError(kind ErrorKind, message string, context map[string]any) *Error {
	return &Error{Kind: kind, Message: message, Context: context}
}

func Validation(message string) *Error {
	return &Error{Kind: KindValidation, Message: message}
}

func NotFound(entity string, id any) *Error {
	return &Error{Kind: KindNotFound, Message: entity + " not found", Context: map[string]any{"id": id}}
}

func Conflict(message string, context map[string]any) *Error {
	return &Error{Kind: KindConflict, Message: message, Context: context}
}

// InvalidTransition reports a rejected move between two settlement states.
func InvalidTransition(from, to SettlementStatus) *Error {
	return &Error{
		Kind:    KindInvalidTransition,
		Message: fmt.Sprintf("cannot move settlement from %s to %s", from, to),
		Context: map[string]any{"current": string(from), "requested": string(to)},
	}
}

func Provider(message string, err error) *Error {
	return &Error{Kind: KindProvider, Message: message, Err: err}
}

func Internal(message string, err error) *Error {
	return &Error{Kind: KindInternal, Message: message, Err: err}
}

// KindOf returns the kind of err, or KindInternal for untagged errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
