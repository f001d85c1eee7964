package application_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/msgscheduler/internal/application"
	"github.com/ericfisherdev/msgscheduler/internal/domain/model"
	"github.com/ericfisherdev/msgscheduler/internal/metrics"
)

// fireRecorder collects FireEvents delivered to the scheduler observer.
type fireRecorder struct {
	mu     sync.Mutex
	events map[string]application.FireEvent
}

func newFireRecorder() *fireRecorder {
	return &fireRecorder{events: make(map[string]application.FireEvent)}
}

func (r *fireRecorder) observe(ev application.FireEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[ev.Job.ID] = ev
}

func (r *fireRecorder) get(jobID string) (application.FireEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.events[jobID]
	return ev, ok
}

func (r *fireRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type schedulerFixture struct {
	store    *mockCredentialStore
	sender   *mockSender
	journal  *mockJournal
	metrics  *metrics.Metrics
	recorder *fireRecorder
	sched    *application.Scheduler
}

func newSchedulerFixture(t *testing.T, opts ...application.SchedulerOption) *schedulerFixture {
	t.Helper()

	f := &schedulerFixture{
		store:    newMockCredentialStore(),
		sender:   &mockSender{},
		journal:  newMockJournal(),
		metrics:  newTestMetrics(),
		recorder: newFireRecorder(),
	}
	creds := application.NewCredentialService(f.store, nil, time.Second, application.DefaultExpirySkew, testLogger())
	opts = append([]application.SchedulerOption{application.WithFireObserver(f.recorder.observe)}, opts...)
	f.sched = application.NewScheduler(creds, f.sender, f.journal, f.metrics, testLogger(), opts...)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		f.sched.Stop(ctx)
	})
	return f
}

func (f *schedulerFixture) connect(t *testing.T, tenantID, token string) {
	t.Helper()
	require.NoError(t, f.store.Put(context.Background(), model.Credential{TenantID: tenantID, AccessToken: token}))
}

func (f *schedulerFixture) waitFired(t *testing.T, jobID string) application.FireEvent {
	t.Helper()
	var ev application.FireEvent
	require.Eventually(t, func() bool {
		var ok bool
		ev, ok = f.recorder.get(jobID)
		return ok
	}, 2*time.Second, 5*time.Millisecond, "job %s never fired", jobID)
	return ev
}

func TestScheduler_CreateWithoutCredential(t *testing.T) {
	f := newSchedulerFixture(t)

	id, err := f.sched.Create(context.Background(), "T2", "C1", "hello", time.Now().Add(-time.Second))

	require.ErrorIs(t, err, model.ErrWorkspaceNotConnected)
	assert.Empty(t, id)
	assert.Empty(t, f.sched.List("T2"))
	assert.Equal(t, 0, f.sched.Pending())
	assert.Empty(t, f.journal.Saved())

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, f.sender.Calls())
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.JobsScheduled))
}

func TestScheduler_CreateFiresAndDelivers(t *testing.T) {
	f := newSchedulerFixture(t)
	f.connect(t, "T1", "tok1")

	fireAt := time.Now().Add(100 * time.Millisecond)
	id, err := f.sched.Create(context.Background(), "T1", "C1", "hello", fireAt)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	listed := f.sched.List("T1")
	require.Len(t, listed, 1)
	assert.Equal(t, id, listed[0].ID)
	assert.WithinDuration(t, fireAt, listed[0].NextFireTime, time.Millisecond)
	assert.Contains(t, f.journal.Saved(), id)

	ev := f.waitFired(t, id)

	assert.Equal(t, application.FireDelivered, ev.Outcome)
	assert.Equal(t, []sendCall{{Token: "tok1", Channel: "C1", Text: "hello"}}, f.sender.Calls())
	assert.Empty(t, f.sched.List("T1"))
	assert.NotContains(t, f.journal.Saved(), id)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.JobsFired))
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.JobsPending))
}

func TestScheduler_PastFireTimeFiresImmediately(t *testing.T) {
	f := newSchedulerFixture(t)
	f.connect(t, "T1", "tok1")

	id, err := f.sched.Create(context.Background(), "T1", "C1", "late", time.Now().Add(-time.Hour))
	require.NoError(t, err)

	ev := f.waitFired(t, id)
	assert.Equal(t, application.FireDelivered, ev.Outcome)
}

func TestScheduler_CancelBeforeFire(t *testing.T) {
	f := newSchedulerFixture(t)
	f.connect(t, "T1", "tok1")

	id, err := f.sched.Create(context.Background(), "T1", "C1", "hello", time.Now().Add(50*time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, f.sched.Cancel(context.Background(), id))
	assert.Empty(t, f.sched.List("T1"))

	err = f.sched.Cancel(context.Background(), id)
	assert.ErrorIs(t, err, model.ErrJobNotFound, "second cancel must report not found")

	time.Sleep(120 * time.Millisecond)
	assert.Empty(t, f.sender.Calls(), "cancelled job must never be delivered")
	assert.Equal(t, 0, f.recorder.count())
	assert.NotContains(t, f.journal.Saved(), id)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.JobsCancelled))
}

func TestScheduler_CancelUnknownJob(t *testing.T) {
	f := newSchedulerFixture(t)

	err := f.sched.Cancel(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, model.ErrJobNotFound)
}

func TestScheduler_CancelAfterFire(t *testing.T) {
	f := newSchedulerFixture(t)
	f.connect(t, "T1", "tok1")

	id, err := f.sched.Create(context.Background(), "T1", "C1", "hello", time.Now())
	require.NoError(t, err)
	f.waitFired(t, id)

	assert.ErrorIs(t, f.sched.Cancel(context.Background(), id), model.ErrJobNotFound)
}

func TestScheduler_CancelRacesFire(t *testing.T) {
	f := newSchedulerFixture(t)
	f.connect(t, "T1", "tok1")

	const jobs = 50
	cancelled := make([]bool, jobs)
	ids := make([]string, jobs)

	var wg sync.WaitGroup
	for i := range jobs {
		id, err := f.sched.Create(context.Background(), "T1", "C1", fmt.Sprintf("msg-%d", i), time.Now())
		require.NoError(t, err)
		ids[i] = id

		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			cancelled[i] = f.sched.Cancel(context.Background(), id) == nil
		}(i, id)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return f.sched.Pending() == 0 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	var fired int
	for i, id := range ids {
		_, didFire := f.recorder.get(id)
		assert.NotEqual(t, cancelled[i], didFire, "job %s: exactly one of fire or cancel must win", id)
		if didFire {
			fired++
		}
	}
	assert.Len(t, f.sender.Calls(), fired)
}

func TestScheduler_ListIsTenantScoped(t *testing.T) {
	f := newSchedulerFixture(t)
	f.connect(t, "T1", "tok1")
	f.connect(t, "T2", "tok2")

	later := time.Now().Add(time.Hour)
	a, err := f.sched.Create(context.Background(), "T1", "C1", "a", later.Add(time.Minute))
	require.NoError(t, err)
	b, err := f.sched.Create(context.Background(), "T1", "C1", "b", later)
	require.NoError(t, err)
	c, err := f.sched.Create(context.Background(), "T2", "C9", "c", later)
	require.NoError(t, err)

	t1 := f.sched.List("T1")
	require.Len(t, t1, 2)
	assert.Equal(t, b, t1[0].ID, "listing is ordered by next fire time")
	assert.Equal(t, a, t1[1].ID)

	t2 := f.sched.List("T2")
	require.Len(t, t2, 1)
	assert.Equal(t, c, t2[0].ID)

	assert.Empty(t, f.sched.List("T3"))
}

func TestScheduler_CancelForTenantRejectsForeignJob(t *testing.T) {
	f := newSchedulerFixture(t)
	f.connect(t, "T1", "tok1")

	id, err := f.sched.Create(context.Background(), "T1", "C1", "a", time.Now().Add(time.Hour))
	require.NoError(t, err)

	err = f.sched.CancelForTenant(context.Background(), "T2", id)
	assert.ErrorIs(t, err, model.ErrJobNotFound)
	assert.Len(t, f.sched.List("T1"), 1, "foreign cancel must leave the job pending")

	require.NoError(t, f.sched.CancelForTenant(context.Background(), "T1", id))
	assert.Empty(t, f.sched.List("T1"))
}

func TestScheduler_DeliveryFailureIsObservedNotSurfaced(t *testing.T) {
	f := newSchedulerFixture(t)
	f.connect(t, "T1", "tok1")
	f.sender.err = errors.New("channel_not_found")

	id, err := f.sched.Create(context.Background(), "T1", "C404", "hello", time.Now())
	require.NoError(t, err, "create must not see delivery errors")

	ev := f.waitFired(t, id)
	assert.Equal(t, application.FireSendFailed, ev.Outcome)
	require.Error(t, ev.Err)
	assert.Empty(t, f.sched.List("T1"), "failed job is still removed")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Deliveries.WithLabelValues(metrics.ResultError)))
}

func TestScheduler_UndeliveredIsCounted(t *testing.T) {
	f := newSchedulerFixture(t)
	f.connect(t, "T1", "tok1")
	f.sender.rejected = true

	id, err := f.sched.Create(context.Background(), "T1", "C1", "hello", time.Now())
	require.NoError(t, err)

	ev := f.waitFired(t, id)
	assert.Equal(t, application.FireUndelivered, ev.Outcome)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Deliveries.WithLabelValues(metrics.ResultUndelivered)))
}

func TestScheduler_CredentialRemovedBeforeFire(t *testing.T) {
	f := newSchedulerFixture(t)
	f.connect(t, "T1", "tok1")

	id, err := f.sched.Create(context.Background(), "T1", "C1", "hello", time.Now().Add(50*time.Millisecond))
	require.NoError(t, err)
	f.store.remove("T1")

	ev := f.waitFired(t, id)
	assert.Equal(t, application.FireNoCredential, ev.Outcome)
	assert.Empty(t, f.sender.Calls())
	assert.Empty(t, f.sched.List("T1"))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.JobsDropped.WithLabelValues(metrics.DropNoCredential)))
}

func TestScheduler_FireUsesLatestCredential(t *testing.T) {
	f := newSchedulerFixture(t)
	f.connect(t, "T1", "tok1")

	id, err := f.sched.Create(context.Background(), "T1", "C1", "hello", time.Now().Add(50*time.Millisecond))
	require.NoError(t, err)
	f.connect(t, "T1", "tok2")

	f.waitFired(t, id)
	calls := f.sender.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "tok2", calls[0].Token)
}

func TestScheduler_StorageFailureOnCreate(t *testing.T) {
	f := newSchedulerFixture(t)
	f.store.getErr = errors.New("disk I/O error")

	_, err := f.sched.Create(context.Background(), "T1", "C1", "hello", time.Now())
	assert.ErrorIs(t, err, model.ErrStorageFailure)
	assert.Equal(t, 0, f.sched.Pending())
}

func TestScheduler_DuplicateIDRejected(t *testing.T) {
	f := newSchedulerFixture(t, application.WithIDGenerator(func() string { return "fixed" }))
	f.connect(t, "T1", "tok1")

	_, err := f.sched.Create(context.Background(), "T1", "C1", "a", time.Now().Add(time.Hour))
	require.NoError(t, err)

	_, err = f.sched.Create(context.Background(), "T1", "C1", "b", time.Now().Add(time.Hour))
	assert.ErrorIs(t, err, model.ErrDuplicateID)
	assert.Len(t, f.sched.List("T1"), 1)
}

func TestScheduler_JournalFailureRollsBack(t *testing.T) {
	f := newSchedulerFixture(t)
	f.connect(t, "T1", "tok1")
	f.journal.saveErr = errors.New("redis down")

	_, err := f.sched.Create(context.Background(), "T1", "C1", "a", time.Now().Add(time.Hour))
	assert.ErrorIs(t, err, model.ErrStorageFailure)
	assert.Empty(t, f.sched.List("T1"))
}

func TestScheduler_RestoreFromJournal(t *testing.T) {
	f := newSchedulerFixture(t)
	f.connect(t, "T1", "tok1")

	require.NoError(t, f.journal.Save(context.Background(), model.Job{
		ID: "old-1", TenantID: "T1", Channel: "C1", Text: "overdue", FireAt: time.Now().Add(-time.Minute),
	}))
	require.NoError(t, f.journal.Save(context.Background(), model.Job{
		ID: "old-2", TenantID: "T1", Channel: "C1", Text: "future", FireAt: time.Now().Add(time.Hour),
	}))

	restored, err := f.sched.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, restored)

	ev := f.waitFired(t, "old-1")
	assert.Equal(t, "overdue", ev.Job.Text)

	listed := f.sched.List("T1")
	require.Len(t, listed, 1)
	assert.Equal(t, "old-2", listed[0].ID)
}

func TestScheduler_StopDisarmsTimers(t *testing.T) {
	f := newSchedulerFixture(t)
	f.connect(t, "T1", "tok1")

	id, err := f.sched.Create(context.Background(), "T1", "C1", "hello", time.Now().Add(50*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	f.sched.Stop(ctx)

	time.Sleep(120 * time.Millisecond)
	assert.Empty(t, f.sender.Calls())
	assert.Contains(t, f.journal.Saved(), id, "stopped jobs stay journaled for restore")
}

func stopNow(t *testing.T, sched *application.Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sched.Stop(ctx)
}

func TestScheduler_CreateAfterStopIsRejected(t *testing.T) {
	f := newSchedulerFixture(t)
	f.connect(t, "T1", "tok1")
	stopNow(t, f.sched)

	id, err := f.sched.Create(context.Background(), "T1", "C1", "late", time.Now().Add(time.Hour))

	assert.ErrorIs(t, err, model.ErrSchedulerStopped)
	assert.Empty(t, id)
	assert.Zero(t, f.sched.Pending())
	assert.Empty(t, f.sched.List("T1"))
	assert.Empty(t, f.journal.Saved())
	assert.Zero(t, testutil.ToFloat64(f.metrics.JobsPending))
}

func TestScheduler_RestoreAfterStopLeavesJournal(t *testing.T) {
	f := newSchedulerFixture(t)
	f.connect(t, "T1", "tok1")
	require.NoError(t, f.journal.Save(context.Background(), model.Job{
		ID: "kept", TenantID: "T1", Channel: "C1", Text: "x", FireAt: time.Now().Add(time.Hour),
	}))
	stopNow(t, f.sched)

	restored, err := f.sched.Restore(context.Background())

	assert.ErrorIs(t, err, model.ErrSchedulerStopped)
	assert.Zero(t, restored)
	assert.Zero(t, f.sched.Pending())
	assert.Contains(t, f.journal.Saved(), "kept")
}

// logSink collects zerolog lines written from test and timer goroutines.
type logSink struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *logSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

// statuses returns the status field of every line logged for jobID, in order.
func (s *logSink) statuses(t *testing.T, jobID string) []string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	sc := bufio.NewScanner(bytes.NewReader(s.buf.Bytes()))
	for sc.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &line))
		if line["job_id"] != jobID {
			continue
		}
		if status, ok := line["status"].(string); ok {
			out = append(out, status)
		}
	}
	return out
}

func TestScheduler_LogsJobStatus(t *testing.T) {
	sink := &logSink{}
	store := newMockCredentialStore()
	require.NoError(t, store.Put(context.Background(), model.Credential{TenantID: "T1", AccessToken: "tok1"}))
	recorder := newFireRecorder()
	creds := application.NewCredentialService(store, nil, time.Second, application.DefaultExpirySkew, testLogger())
	sched := application.NewScheduler(creds, &mockSender{}, nil, newTestMetrics(), zerolog.New(sink),
		application.WithFireObserver(recorder.observe))
	t.Cleanup(func() { stopNow(t, sched) })
	ctx := context.Background()

	cancelled, err := sched.Create(ctx, "T1", "C1", "never", time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, sched.Cancel(ctx, cancelled))

	fired, err := sched.Create(ctx, "T1", "C1", "now", time.Now())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := recorder.get(fired)
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{string(model.JobStatusPending), string(model.JobStatusCancelled)}, sink.statuses(t, cancelled))
	// an immediate fire may log before the scheduling line
	assert.ElementsMatch(t, []string{string(model.JobStatusPending), string(model.JobStatusFired)}, sink.statuses(t, fired))
}
