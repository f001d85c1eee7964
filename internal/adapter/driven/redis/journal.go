// Package redis records pending scheduled jobs in a Redis hash so a restarted
// process can re-arm them.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ericfisherdev/msgscheduler/internal/domain/model"
	"github.com/ericfisherdev/msgscheduler/internal/domain/port/driven"
)

var _ driven.JobJournal = (*Journal)(nil)

// DefaultKey is the hash holding journaled jobs.
const DefaultKey = "msgscheduler:jobs"

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Username string
	Password string
	DB       int
	Key      string
}

// Journal is a JobJournal stored as one Redis hash: job id -> JSON record.
type Journal struct {
	client goredis.UniversalClient
	key    string
}

// Connect dials Redis and verifies the connection.
func Connect(ctx context.Context, opts Options) (*Journal, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:         opts.Addr,
		Username:     opts.Username,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewJournal(client, opts.Key), nil
}

// NewJournal wraps an existing client. An empty key means DefaultKey.
func NewJournal(client goredis.UniversalClient, key string) *Journal {
	if key == "" {
		key = DefaultKey
	}
	return &Journal{client: client, key: key}
}

type record struct {
	ID       string    `json:"id"`
	TenantID string    `json:"tenant_id"`
	Channel  string    `json:"channel"`
	Text     string    `json:"text"`
	FireAt   time.Time `json:"fire_at"`
}

// Save records job.
func (j *Journal) Save(ctx context.Context, job model.Job) error {
	data, err := json.Marshal(record{
		ID:       job.ID,
		TenantID: job.TenantID,
		Channel:  job.Channel,
		Text:     job.Text,
		FireAt:   job.FireAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode job %q: %w", job.ID, err)
	}

	if err := j.client.HSet(ctx, j.key, job.ID, data).Err(); err != nil {
		return fmt.Errorf("%w: journal job %q: %w", model.ErrStorageFailure, job.ID, err)
	}
	return nil
}

// Delete forgets jobID. Deleting an unknown id is not an error.
func (j *Journal) Delete(ctx context.Context, jobID string) error {
	if err := j.client.HDel(ctx, j.key, jobID).Err(); err != nil {
		return fmt.Errorf("%w: forget job %q: %w", model.ErrStorageFailure, jobID, err)
	}
	return nil
}

// LoadPending returns every journaled job ordered by fire time. Corrupt
// entries are skipped and reported in the returned error only when nothing
// could be decoded.
func (j *Journal) LoadPending(ctx context.Context) ([]model.Job, error) {
	entries, err := j.client.HGetAll(ctx, j.key).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: load journal: %w", model.ErrStorageFailure, err)
	}

	jobs := make([]model.Job, 0, len(entries))
	var firstErr error
	for id, raw := range entries {
		var rec record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("decode journaled job %q: %w", id, err)
			}
			continue
		}
		jobs = append(jobs, model.Job{
			ID:       id,
			TenantID: rec.TenantID,
			Channel:  rec.Channel,
			Text:     rec.Text,
			FireAt:   rec.FireAt,
		})
	}

	if len(jobs) == 0 && firstErr != nil {
		return nil, firstErr
	}

	sort.Slice(jobs, func(a, b int) bool {
		if jobs[a].FireAt.Equal(jobs[b].FireAt) {
			return jobs[a].ID < jobs[b].ID
		}
		return jobs[a].FireAt.Before(jobs[b].FireAt)
	})
	return jobs, nil
}

// Close releases the underlying client.
func (j *Journal) Close() error {
	return j.client.Close()
}
