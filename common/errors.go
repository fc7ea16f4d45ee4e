package common

import "github.com/pkg/errors"

var (
	// ErrPrecondition is returned when an operation is requested on a component
	// that lacks the branch or capability the operation needs.
	ErrPrecondition = errors.New("precondition violated")

	// ErrShapeMismatch is returned when parallel inputs disagree in length or
	// width at a component boundary.
	ErrShapeMismatch = errors.New("shape mismatch")
)

// Preconditionf wraps ErrPrecondition with a formatted message.
func Preconditionf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrPrecondition, format, args...)
}

// ShapeMismatchf wraps ErrShapeMismatch with a formatted message.
func ShapeMismatchf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrShapeMismatch, format, args...)
}
