package driven

import (
	"context"

	"github.com/ericfisherdev/msgscheduler/internal/domain/model"
)

// JobJournal records pending jobs so that a durable backing can restore them
// after a restart. The scheduler's contract does not depend on it: the default
// journal keeps nothing and a restart loses pending jobs.
type JobJournal interface {
	Save(ctx context.Context, job model.Job) error
	Delete(ctx context.Context, jobID string) error
	LoadPending(ctx context.Context) ([]model.Job, error)
}
