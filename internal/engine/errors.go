package engine

import (
	"errors"
	"fmt"
)

// GenerationError reports a failure inside the inference call after the
// model was loaded.
type GenerationError struct {
	ModelID string
	Err     error
}

func (e *GenerationError) Error() string {
	if e.ModelID == "" {
		return fmt.Sprintf("generation failed: %v", e.Err)
	}
	return fmt.Sprintf("generation failed for %s: %v", e.ModelID, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// IsGeneration reports whether err is or wraps a *GenerationError.
func IsGeneration(err error) bool {
	var ge *GenerationError
	return errors.As(err, &ge)
}

// dependencyUnavailableError signals a missing runtime (llama.cpp binary or
// bindings) rather than a problem with a particular model.
type dependencyUnavailableError struct{ msg string }

func (e dependencyUnavailableError) Error() string { return e.msg }

// ErrDependencyUnavailable constructs a dependencyUnavailableError.
func ErrDependencyUnavailable(msg string) error { return dependencyUnavailableError{msg: msg} }

// IsDependencyUnavailable reports whether err indicates a missing runtime dependency.
func IsDependencyUnavailable(err error) bool {
	var de dependencyUnavailableError
	return errors.As(err, &de)
}
