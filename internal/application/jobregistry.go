package application

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ericfisherdev/msgscheduler/internal/domain/model"
)

// jobRegistry is the scheduler's private table of pending jobs. The primary
// map and the per-tenant index change together under one mutex, so removal is
// an exactly-once claim: of any number of concurrent Remove calls for the same
// id, exactly one gets the job.
type jobRegistry struct {
	mu       sync.Mutex
	jobs     map[string]model.Job
	byTenant map[string]map[string]struct{}
}

func newJobRegistry() *jobRegistry {
	return &jobRegistry{
		jobs:     make(map[string]model.Job),
		byTenant: make(map[string]map[string]struct{}),
	}
}

// Insert adds a pending job. Returns model.ErrDuplicateID if the id is taken.
func (r *jobRegistry) Insert(job model.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[job.ID]; ok {
		return fmt.Errorf("insert job %q: %w", job.ID, model.ErrDuplicateID)
	}

	r.jobs[job.ID] = job
	ids, ok := r.byTenant[job.TenantID]
	if !ok {
		ids = make(map[string]struct{})
		r.byTenant[job.TenantID] = ids
	}
	ids[job.ID] = struct{}{}
	return nil
}

// Remove deletes and returns the job. A second Remove for the same id returns
// model.ErrJobNotFound.
func (r *jobRegistry) Remove(jobID string) (model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return model.Job{}, model.ErrJobNotFound
	}
	r.removeLocked(job)
	return job, nil
}

// RemoveOwned is Remove restricted to jobs owned by tenantID. A job that
// exists but belongs to another tenant is reported as not found and left in
// place.
func (r *jobRegistry) RemoveOwned(tenantID, jobID string) (model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok || job.TenantID != tenantID {
		return model.Job{}, model.ErrJobNotFound
	}
	r.removeLocked(job)
	return job, nil
}

func (r *jobRegistry) removeLocked(job model.Job) {
	delete(r.jobs, job.ID)
	if ids, ok := r.byTenant[job.TenantID]; ok {
		delete(ids, job.ID)
		if len(ids) == 0 {
			delete(r.byTenant, job.TenantID)
		}
	}
}

// ListByTenant returns the tenant's pending jobs ordered by fire time.
func (r *jobRegistry) ListByTenant(tenantID string) []model.Job {
	r.mu.Lock()
	ids := r.byTenant[tenantID]
	jobs := make([]model.Job, 0, len(ids))
	for id := range ids {
		jobs = append(jobs, r.jobs[id])
	}
	r.mu.Unlock()

	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].FireAt.Equal(jobs[j].FireAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].FireAt.Before(jobs[j].FireAt)
	})
	return jobs
}

// Len returns the number of pending jobs across all tenants.
func (r *jobRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}
