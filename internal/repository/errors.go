package repository

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownModel is wrapped by ModelLoadError when the catalog has no such id.
	ErrUnknownModel = errors.New("unknown model")
	// ErrClosed is returned by Resolve after Close.
	ErrClosed = errors.New("model repository is closed")
)

// ModelLoadError reports that a model could not be made available: the id is
// unknown or the engine failed to load it.
type ModelLoadError struct {
	ModelID string
	Err     error
}

func (e *ModelLoadError) Error() string {
	if errors.Is(e.Err, ErrUnknownModel) {
		return fmt.Sprintf("model not found: %s", e.ModelID)
	}
	return fmt.Sprintf("failed to load model %s: %v", e.ModelID, e.Err)
}

func (e *ModelLoadError) Unwrap() error { return e.Err }

// IsModelLoad reports whether err is or wraps a *ModelLoadError.
func IsModelLoad(err error) bool {
	var le *ModelLoadError
	return errors.As(err, &le)
}

// IsUnknownModel reports whether err indicates an id missing from the catalog.
func IsUnknownModel(err error) bool { return errors.Is(err, ErrUnknownModel) }

// tooBusyError signals that a handle's queue stayed full for longer than MaxWait.
type tooBusyError struct{ modelID string }

func (e tooBusyError) Error() string { return "too busy: " + e.modelID }

// IsTooBusy reports whether err indicates admission backpressure.
func IsTooBusy(err error) bool {
	var tb tooBusyError
	return errors.As(err, &tb)
}
