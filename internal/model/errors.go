package model

import "errors"

var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrProviderRejected    = errors.New("provider rejected request")
	ErrArtifactMissing     = errors.New("artifact missing")
	ErrNotFound            = errors.New("not found")
	ErrNotReady            = errors.New("job not ready")
	ErrWriteFailed         = errors.New("artifact write failed")
	ErrInvalidTransition   = errors.New("invalid job transition")
	ErrAlreadyTerminal     = errors.New("job already finished")
	ErrDuplicate           = errors.New("identical upload already in flight")
	ErrConflict            = errors.New("already exists")
	ErrClosed              = errors.New("orchestrator closed")
)
