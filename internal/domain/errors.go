package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies the expected, typed outcomes of a rejected command.
// Anything outside these four kinds is an unexpected failure (storage down)
// and travels as an opaque error.
type ErrorKind int

const (
	// KindNotFound: an entity id does not resolve.
	KindNotFound ErrorKind = iota + 1
	// KindForbidden: authenticated but not authorized for this action/role.
	KindForbidden
	// KindValidation: well-formed request violating a state/business rule.
	KindValidation
	// KindConflict: action not applicable to the entity's current state.
	KindConflict
)

type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string { return e.Message }

func NotFoundf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func Forbiddenf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindForbidden, Message: fmt.Sprintf(format, args...)}
}

func Validationf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func Conflictf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

func kindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return 0
}

func IsNotFound(err error) bool   { return kindOf(err) == KindNotFound }
func IsForbidden(err error) bool  { return kindOf(err) == KindForbidden }
func IsValidation(err error) bool { return kindOf(err) == KindValidation }
func IsConflict(err error) bool   { return kindOf(err) == KindConflict }
