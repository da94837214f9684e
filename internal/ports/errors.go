package ports

import "errors"

// Standard application-level errors.
// Adapters should wrap underlying infrastructure errors with these standard errors.
var (
	// General Errors
	ErrNotFound           = errors.New("resource not found")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Ingestion Errors
	ErrValidation     = errors.New("execution record failed validation")
	ErrDuplicateEntry = errors.New("ledger record already exists")

	// Matching / Rebuild Errors
	ErrStaleInventory      = errors.New("open inventory consumed by a concurrent matcher")
	ErrReplayInconsistency = errors.New("derived state inconsistent with execution log")
	ErrLifecycleOutOfOrder = errors.New("lifecycle event emitted after terminal close")

	// Database Specific Errors
	ErrDBConnection = errors.New("database connection error")
	ErrUpdateFailed = errors.New("database update failed")
)
