package domain

import "errors"

var (
	// Common domain errors
	ErrNotFound           = errors.New("entity not found")
	ErrAlreadyExists      = errors.New("entity already exists")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrInvalidTransition  = errors.New("operation not allowed in current job status")
	ErrConflict           = errors.New("job was modified concurrently")
	ErrOperationFailed    = errors.New("operation failed")
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrReadDatabaseRow    = errors.New("could not read database row")
	ErrInvalidExecContext = errors.New("invalid execution context")

	// External collaborator errors
	ErrGeneration        = errors.New("content generation failed")
	ErrArtifactNotFound  = errors.New("draft artifact not found")
	ErrTransientExternal = errors.New("transient external error")
)
