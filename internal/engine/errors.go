package engine

import "fmt"

// ValidationError rejects malformed or out-of-policy input.
type ValidationError struct{ Msg string }

func (e ValidationError) Error() string { return e.Msg }

func validationf(format string, args ...any) ValidationError {
	return ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// ConflictError signals a duplicate or concurrent mutation.
type ConflictError struct{ Msg string }

func (e ConflictError) Error() string { return e.Msg }

func conflictf(format string, args ...any) ConflictError {
	return ConflictError{Msg: fmt.Sprintf(format, args...)}
}

// StateError rejects an operation not valid in the entity's current status.
type StateError struct{ Msg string }

func (e StateError) Error() string { return e.Msg }

func statef(format string, args ...any) StateError {
	return StateError{Msg: fmt.Sprintf(format, args...)}
}
