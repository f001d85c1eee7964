package model

import "time"

// JobStatus tracks a scheduled send through its lifecycle. Fired and
// Cancelled are terminal; a job in either state is no longer registered.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusFired     JobStatus = "fired"
	JobStatusCancelled JobStatus = "cancelled"
)

// Job is a single deferred send owned by exactly one tenant.
type Job struct {
	ID       string
	TenantID string
	Channel  string
	Text     string
	FireAt   time.Time
}

// JobSummary is the listing view of a pending job. It deliberately carries no
// channel or text.
type JobSummary struct {
	ID           string
	NextFireTime time.Time
}
