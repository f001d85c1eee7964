package model

import "errors"

var (
	// ErrWorkspaceNotConnected is returned when a tenant has no stored credential.
	ErrWorkspaceNotConnected = errors.New("workspace not connected")

	// ErrJobNotFound is returned for job ids that are unknown or already terminal.
	ErrJobNotFound = errors.New("job not found")

	// ErrDuplicateID is returned when a job id is inserted twice.
	ErrDuplicateID = errors.New("duplicate job id")

	// ErrStorageFailure wraps credential store I/O errors.
	ErrStorageFailure = errors.New("credential storage failure")

	// ErrRefreshNotSupported is returned by refreshers that cannot renew an
	// access token.
	ErrRefreshNotSupported = errors.New("credential refresh not supported")

	// ErrSchedulerStopped is returned when a job is created after the
	// scheduler has been stopped.
	ErrSchedulerStopped = errors.New("scheduler stopped")
)
