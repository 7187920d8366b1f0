package consolidation

import (
	"errors"
)

var (
	// ErrRunInProgress signals another consolidation run holds the tenant's
	// lease
	ErrRunInProgress = errors.New("a consolidation run is already in progress for this tenant")

	// ErrInvalidConfig signals the tenant's consolidation config failed
	// validation, the run never starts
	ErrInvalidConfig = errors.New("consolidation config is invalid")
)
