package dartminator

import "errors"

var (
	// Node errors.
	ErrEmptyName   = errors.New("dartminator: node name must not be empty")
	ErrInvalidPort = errors.New("dartminator: port must be between 0 and 65535")

	// Engine errors.
	ErrNoItems    = errors.New("dartminator: computation derived no work items")
	ErrNoProgress = errors.New("dartminator: no progress after maximum barren cycles")
)
