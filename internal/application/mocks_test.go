package application_test

import (
	"context"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/ericfisherdev/msgscheduler/internal/domain/model"
	"github.com/ericfisherdev/msgscheduler/internal/metrics"
)

// --- Mock implementations ---

// mockCredentialStore is an in-memory CredentialStore.
type mockCredentialStore struct {
	mu     sync.Mutex
	creds  map[string]model.Credential
	getErr error
	putErr error
	block  bool // when set, Get waits for ctx to end
}

func newMockCredentialStore() *mockCredentialStore {
	return &mockCredentialStore{creds: make(map[string]model.Credential)}
}

func (m *mockCredentialStore) Put(_ context.Context, cred model.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	m.creds[cred.TenantID] = cred
	return nil
}

func (m *mockCredentialStore) Get(ctx context.Context, tenantID string) (*model.Credential, error) {
	m.mu.Lock()
	block := m.block
	m.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	cred, ok := m.creds[tenantID]
	if !ok {
		return nil, nil
	}
	return &cred, nil
}

func (m *mockCredentialStore) List(_ context.Context) ([]model.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Credential, 0, len(m.creds))
	for _, c := range m.creds {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out, nil
}

func (m *mockCredentialStore) remove(tenantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.creds, tenantID)
}

type sendCall struct {
	Token   string
	Channel string
	Text    string
}

// mockSender records every Send call.
type mockSender struct {
	mu       sync.Mutex
	calls    []sendCall
	err      error
	rejected bool
}

func (m *mockSender) Send(_ context.Context, token, channel, text string) (model.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, sendCall{Token: token, Channel: channel, Text: text})
	if m.err != nil {
		return model.Delivery{}, m.err
	}
	if m.rejected {
		return model.Delivery{Delivered: false, Channel: channel}, nil
	}
	return model.Delivery{Delivered: true, DeliveryID: "1700000000.000100", Channel: channel}, nil
}

func (m *mockSender) Calls() []sendCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sendCall(nil), m.calls...)
}

type mockChannelLister struct {
	channels []model.Channel
	token    string
}

func (m *mockChannelLister) ListChannels(_ context.Context, token string) ([]model.Channel, error) {
	m.token = token
	return m.channels, nil
}

// mockJournal records journal traffic.
type mockJournal struct {
	mu      sync.Mutex
	saved   map[string]model.Job
	deleted []string
	saveErr error
}

func newMockJournal() *mockJournal {
	return &mockJournal{saved: make(map[string]model.Job)}
}

func (m *mockJournal) Save(_ context.Context, job model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saved[job.ID] = job
	return nil
}

func (m *mockJournal) Delete(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.saved, jobID)
	m.deleted = append(m.deleted, jobID)
	return nil
}

func (m *mockJournal) LoadPending(_ context.Context) ([]model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Job, 0, len(m.saved))
	for _, j := range m.saved {
		out = append(out, j)
	}
	return out, nil
}

func (m *mockJournal) Saved() map[string]model.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]model.Job, len(m.saved))
	for k, v := range m.saved {
		out[k] = v
	}
	return out
}

// stubRefresher renews tokens by appending a suffix.
type stubRefresher struct {
	calls int
}

func (r *stubRefresher) Refresh(_ context.Context, cred model.Credential) (*model.Credential, error) {
	r.calls++
	cred.AccessToken += "-refreshed"
	cred.ExpiresAt = cred.ExpiresAt.AddDate(0, 0, 1)
	return &cred, nil
}

// --- Test helpers ---

func newTestMetrics() *metrics.Metrics {
	return metrics.New(prometheus.NewRegistry())
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
