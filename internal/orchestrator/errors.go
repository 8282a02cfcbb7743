package orchestrator

import "errors"

// Sentinel errors returned by the service boundary. The HTTP layer maps
// these onto status codes; everything else is treated as an internal
// failure.
var (
	ErrNotFound         = errors.New("game not found")
	ErrNotActive        = errors.New("game not active")
	ErrAlreadyActive    = errors.New("game already active")
	ErrMissingSource    = errors.New("multidata_url or token required")
	ErrUnknownParameter = errors.New("unknown parameter")
	ErrInvalidValue     = errors.New("invalid parameter value")
)
