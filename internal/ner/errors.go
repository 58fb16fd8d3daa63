package ner

import (
	"errors"
	"fmt"
)

// ErrBackendUnavailable is returned when the configured backend is not
// compiled into this binary or is disabled
var ErrBackendUnavailable = errors.New("ner backend unavailable")

// InitErrorKind classifies why a recognizer could not be built
type InitErrorKind string

const (
	KindMissingBackend   InitErrorKind = "missing_backend"
	KindMissingArtifacts InitErrorKind = "missing_artifacts"
	KindLoadFailed       InitErrorKind = "load_failed"
	KindNetwork          InitErrorKind = "network"
)

// InitError reports a failure to build a recognizer. It is distinct from a
// recognition that found nothing.
type InitError struct {
	Mode Mode
	Kind InitErrorKind
	Err  error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("ner %s model initialization failed (%s): %v", e.Mode, e.Kind, e.Err)
}

func (e *InitError) Unwrap() error {
	return e.Err
}

// IsInitError reports whether err wraps an *InitError
func IsInitError(err error) bool {
	var ie *InitError
	return errors.As(err, &ie)
}
