package application

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ericfisherdev/msgscheduler/internal/domain/model"
	"github.com/ericfisherdev/msgscheduler/internal/domain/port/driven"
	"github.com/ericfisherdev/msgscheduler/internal/metrics"
)

// DefaultFireTimeout bounds the credential lookup plus delivery of one fired job.
const DefaultFireTimeout = 30 * time.Second

// FireOutcome classifies what happened when a job's timer fired.
type FireOutcome string

const (
	FireDelivered    FireOutcome = "delivered"
	FireUndelivered  FireOutcome = "undelivered"
	FireSendFailed   FireOutcome = "send_failed"
	FireNoCredential FireOutcome = "no_credential"
	FireStoreFailed  FireOutcome = "store_failed"
)

// FireEvent reports the result of a fired job. It is a supplementary
// notification on top of logs and metrics; the caller of Create never sees it.
type FireEvent struct {
	Job      model.Job
	Outcome  FireOutcome
	Delivery model.Delivery
	Err      error
}

// SchedulerOption customizes a Scheduler.
type SchedulerOption func(*Scheduler)

// WithFireTimeout overrides DefaultFireTimeout.
func WithFireTimeout(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.fireTimeout = d }
}

// WithIDGenerator overrides the uuid-based job id generator.
func WithIDGenerator(gen func() string) SchedulerOption {
	return func(s *Scheduler) { s.newID = gen }
}

// WithFireObserver registers fn to receive a FireEvent after every fire. fn
// runs on the timer goroutine and must not block.
func WithFireObserver(fn func(FireEvent)) SchedulerOption {
	return func(s *Scheduler) { s.observer = fn }
}

// Scheduler owns deferred sends. Each pending job has one timer; the job's
// presence in the registry is the single source of truth for "still pending",
// so a fire and a cancel racing for the same job are settled by whichever
// removes it from the registry first.
type Scheduler struct {
	creds    *CredentialService
	sender   driven.MessageSender
	journal  driven.JobJournal
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	registry *jobRegistry

	fireTimeout time.Duration
	newID       func() string
	observer    func(FireEvent)

	mu       sync.Mutex
	timers   map[string]*time.Timer
	stopped  bool
	inflight sync.WaitGroup
}

// NewScheduler creates a Scheduler. A nil journal keeps job state in memory
// only.
func NewScheduler(
	creds *CredentialService,
	sender driven.MessageSender,
	journal driven.JobJournal,
	m *metrics.Metrics,
	logger zerolog.Logger,
	opts ...SchedulerOption,
) *Scheduler {
	if journal == nil {
		journal = MemoryJournal{}
	}
	s := &Scheduler{
		creds:       creds,
		sender:      sender,
		journal:     journal,
		metrics:     m,
		logger:      logger.With().Str("component", "scheduler").Logger(),
		registry:    newJobRegistry(),
		fireTimeout: DefaultFireTimeout,
		newID:       uuid.NewString,
		timers:      make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create schedules text for delivery to channel at fireAt and returns the new
// job id without waiting for the fire time. A fireAt in the past fires
// immediately. Returns model.ErrWorkspaceNotConnected, without registering
// anything, when the tenant has no credential, and model.ErrSchedulerStopped
// once Stop has been called.
func (s *Scheduler) Create(ctx context.Context, tenantID, channel, text string, fireAt time.Time) (string, error) {
	if _, err := s.creds.Resolve(ctx, tenantID); err != nil {
		return "", err
	}

	job := model.Job{
		ID:       s.newID(),
		TenantID: tenantID,
		Channel:  channel,
		Text:     text,
		FireAt:   fireAt.UTC(),
	}

	if err := s.register(ctx, job); err != nil {
		return "", err
	}

	s.metrics.JobsScheduled.Inc()
	s.logger.Info().
		Str("job_id", job.ID).
		Str("tenant_id", tenantID).
		Str("channel", channel).
		Time("fire_at", job.FireAt).
		Str("status", string(model.JobStatusPending)).
		Msg("job scheduled")

	return job.ID, nil
}

// register inserts the job, journals it, and arms its timer. The job is in the
// registry before the timer exists so an immediate fire always finds it. A
// job that cannot be armed because Stop won the race is rolled back.
func (s *Scheduler) register(ctx context.Context, job model.Job) error {
	if s.isStopped() {
		return model.ErrSchedulerStopped
	}

	if err := s.registry.Insert(job); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("job id collision")
		return err
	}

	if err := s.journal.Save(ctx, job); err != nil {
		_, _ = s.registry.Remove(job.ID)
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("journal save failed")
		return storageErr(err)
	}

	s.metrics.JobsPending.Inc()
	if err := s.arm(job); err != nil {
		_, _ = s.registry.Remove(job.ID)
		s.metrics.JobsPending.Dec()
		s.forget(ctx, job.ID)
		return err
	}
	return nil
}

// arm starts the job's timer. It returns model.ErrSchedulerStopped after Stop.
func (s *Scheduler) arm(job model.Job) error {
	delay := time.Until(job.FireAt)
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return model.ErrSchedulerStopped
	}
	id := job.ID
	s.timers[id] = time.AfterFunc(delay, func() { s.fire(id) })
	return nil
}

func (s *Scheduler) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// fire is the timer callback. It claims the job by removing it from the
// registry; if a cancel got there first it does nothing.
func (s *Scheduler) fire(jobID string) {
	s.mu.Lock()
	delete(s.timers, jobID)
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	job, err := s.registry.Remove(jobID)
	if err != nil {
		return
	}

	s.metrics.JobsFired.Inc()
	s.metrics.JobsPending.Dec()

	ctx, cancel := context.WithTimeout(context.Background(), s.fireTimeout)
	defer cancel()

	s.forget(ctx, job.ID)
	s.notify(s.deliver(ctx, job))
}

func (s *Scheduler) deliver(ctx context.Context, job model.Job) FireEvent {
	log := s.logger.With().
		Str("job_id", job.ID).
		Str("tenant_id", job.TenantID).
		Str("channel", job.Channel).
		Str("status", string(model.JobStatusFired)).
		Logger()

	cred, err := s.creds.Resolve(ctx, job.TenantID)
	switch {
	case errors.Is(err, model.ErrWorkspaceNotConnected):
		s.metrics.JobsDropped.WithLabelValues(metrics.DropNoCredential).Inc()
		log.Warn().Msg("job dropped: workspace no longer connected")
		return FireEvent{Job: job, Outcome: FireNoCredential, Err: err}
	case err != nil:
		s.metrics.JobsDropped.WithLabelValues(metrics.DropStorageFailure).Inc()
		log.Error().Err(err).Msg("job dropped: credential lookup failed")
		return FireEvent{Job: job, Outcome: FireStoreFailed, Err: err}
	}

	delivery, err := s.sender.Send(ctx, cred.AccessToken, job.Channel, job.Text)
	if err != nil {
		s.metrics.Deliveries.WithLabelValues(metrics.ResultError).Inc()
		log.Error().Err(err).Msg("scheduled delivery failed")
		return FireEvent{Job: job, Outcome: FireSendFailed, Err: err}
	}

	if !delivery.Delivered {
		s.metrics.Deliveries.WithLabelValues(metrics.ResultUndelivered).Inc()
		log.Warn().Str("reason", delivery.Reason).Msg("scheduled delivery not accepted by provider")
		return FireEvent{Job: job, Outcome: FireUndelivered, Delivery: delivery}
	}

	s.metrics.Deliveries.WithLabelValues(metrics.ResultDelivered).Inc()
	log.Info().Str("delivery_id", delivery.DeliveryID).Msg("scheduled message delivered")
	return FireEvent{Job: job, Outcome: FireDelivered, Delivery: delivery}
}

func (s *Scheduler) notify(ev FireEvent) {
	if s.observer != nil {
		s.observer(ev)
	}
}

// Cancel stops a pending job. Returns model.ErrJobNotFound if the job is
// unknown, already cancelled, or has already started firing.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	job, err := s.registry.Remove(jobID)
	if err != nil {
		return err
	}
	s.cancelled(ctx, job)
	return nil
}

// CancelForTenant is Cancel limited to jobs owned by tenantID; another
// tenant's job id is reported as model.ErrJobNotFound.
func (s *Scheduler) CancelForTenant(ctx context.Context, tenantID, jobID string) error {
	job, err := s.registry.RemoveOwned(tenantID, jobID)
	if err != nil {
		return err
	}
	s.cancelled(ctx, job)
	return nil
}

func (s *Scheduler) cancelled(ctx context.Context, job model.Job) {
	s.mu.Lock()
	if t, ok := s.timers[job.ID]; ok {
		t.Stop()
		delete(s.timers, job.ID)
	}
	s.mu.Unlock()

	s.metrics.JobsCancelled.Inc()
	s.metrics.JobsPending.Dec()
	s.forget(ctx, job.ID)

	s.logger.Info().
		Str("job_id", job.ID).
		Str("tenant_id", job.TenantID).
		Str("status", string(model.JobStatusCancelled)).
		Msg("job cancelled")
}

func (s *Scheduler) forget(ctx context.Context, jobID string) {
	if err := s.journal.Delete(ctx, jobID); err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("journal delete failed")
	}
}

// List returns the tenant's pending jobs as id and next fire time, earliest
// first.
func (s *Scheduler) List(tenantID string) []model.JobSummary {
	jobs := s.registry.ListByTenant(tenantID)
	out := make([]model.JobSummary, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, model.JobSummary{ID: job.ID, NextFireTime: job.FireAt})
	}
	return out
}

// Pending returns the number of pending jobs across all tenants.
func (s *Scheduler) Pending() int {
	return s.registry.Len()
}

// Restore re-registers jobs recorded in the journal, typically at startup.
// Jobs whose fire time has passed fire immediately. After Stop it returns
// model.ErrSchedulerStopped and leaves the journal untouched.
func (s *Scheduler) Restore(ctx context.Context) (int, error) {
	if s.isStopped() {
		return 0, model.ErrSchedulerStopped
	}

	jobs, err := s.journal.LoadPending(ctx)
	if err != nil {
		return 0, storageErr(err)
	}

	var restored int
	for _, job := range jobs {
		if err := s.registry.Insert(job); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("skipping journaled job")
			continue
		}
		if err := s.arm(job); err != nil {
			_, _ = s.registry.Remove(job.ID)
			return restored, err
		}
		s.metrics.JobsPending.Inc()
		restored++
	}

	s.logger.Info().Int("restored", restored).Int("journaled", len(jobs)).Msg("pending jobs restored")
	return restored, nil
}

// Stop disarms every timer and waits for deliveries already in progress, or
// for ctx to end. Pending jobs stay in the journal. Create and Restore fail
// with model.ErrSchedulerStopped afterwards.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("scheduler stopped")
	case <-ctx.Done():
		s.logger.Warn().Msg("scheduler stop timed out with deliveries in flight")
	}
}

// MemoryJournal is the default JobJournal: it records nothing, so pending
// jobs live only in the scheduler's memory.
type MemoryJournal struct{}

func (MemoryJournal) Save(context.Context, model.Job) error { return nil }

func (MemoryJournal) Delete(context.Context, string) error { return nil }

func (MemoryJournal) LoadPending(context.Context) ([]model.Job, error) { return nil, nil }
