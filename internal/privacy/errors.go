package privacy

import "errors"

// Configuration errors. Callers get these back before any recognition runs.
var (
	ErrNoDetectorSelected   = errors.New("no detector selected")
	ErrNoEntityTypeSelected = errors.New("no entity type selected")
	ErrUnknownStrategy      = errors.New("unknown mask strategy")
	ErrUnknownEntityType    = errors.New("unknown entity type")
	ErrUnknownDetector      = errors.New("unknown detector")
)

// IsConfigError reports whether err is a caller configuration error
func IsConfigError(err error) bool {
	return errors.Is(err, ErrNoDetectorSelected) ||
		errors.Is(err, ErrNoEntityTypeSelected) ||
		errors.Is(err, ErrUnknownStrategy) ||
		errors.Is(err, ErrUnknownEntityType) ||
		errors.Is(err, ErrUnknownDetector)
}
