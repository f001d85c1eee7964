package application_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/msgscheduler/internal/application"
	"github.com/ericfisherdev/msgscheduler/internal/domain/model"
)

func TestCredentialService_ConnectThenResolve(t *testing.T) {
	store := newMockCredentialStore()
	svc := application.NewCredentialService(store, nil, time.Second, application.DefaultExpirySkew, testLogger())
	ctx := context.Background()

	stored, err := svc.Connect(ctx, model.AuthResult{
		TenantID:     "T1",
		TenantName:   "Acme",
		AccessToken:  "xoxe-1",
		RefreshToken: "xoxe-r",
		ExpiresIn:    12 * time.Hour,
	})
	require.NoError(t, err)
	assert.True(t, stored.HasExpiry())

	got, err := svc.Resolve(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, "xoxe-1", got.AccessToken)
	assert.Equal(t, "Acme", got.TenantName)
}

func TestCredentialService_ReconnectReplacesRecord(t *testing.T) {
	store := newMockCredentialStore()
	svc := application.NewCredentialService(store, nil, time.Second, application.DefaultExpirySkew, testLogger())
	ctx := context.Background()

	_, err := svc.Connect(ctx, model.AuthResult{TenantID: "T1", AccessToken: "old", RefreshToken: "r1", ExpiresIn: time.Hour})
	require.NoError(t, err)
	_, err = svc.Connect(ctx, model.AuthResult{TenantID: "T1", AccessToken: "new"})
	require.NoError(t, err)

	got, err := svc.Get(ctx, "T1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "new", got.AccessToken)
	assert.Empty(t, got.RefreshToken, "refresh token from the old record must not survive")
	assert.False(t, got.HasExpiry())
}

func TestCredentialService_ConnectRejectsIncompleteResult(t *testing.T) {
	svc := application.NewCredentialService(newMockCredentialStore(), nil, time.Second, application.DefaultExpirySkew, testLogger())

	_, err := svc.Connect(context.Background(), model.AuthResult{TenantID: "T1"})
	assert.Error(t, err)
}

func TestCredentialService_ResolveNotConnected(t *testing.T) {
	svc := application.NewCredentialService(newMockCredentialStore(), nil, time.Second, application.DefaultExpirySkew, testLogger())

	_, err := svc.Resolve(context.Background(), "nobody")
	assert.ErrorIs(t, err, model.ErrWorkspaceNotConnected)
}

func TestCredentialService_StoreErrorsAreStorageFailures(t *testing.T) {
	store := newMockCredentialStore()
	store.getErr = errors.New("database is locked")
	store.putErr = errors.New("database is locked")
	svc := application.NewCredentialService(store, nil, time.Second, application.DefaultExpirySkew, testLogger())

	_, err := svc.Resolve(context.Background(), "T1")
	assert.ErrorIs(t, err, model.ErrStorageFailure)

	_, err = svc.Connect(context.Background(), model.AuthResult{TenantID: "T1", AccessToken: "tok"})
	assert.ErrorIs(t, err, model.ErrStorageFailure)
}

func TestCredentialService_TimeoutIsStorageFailure(t *testing.T) {
	store := newMockCredentialStore()
	store.block = true
	svc := application.NewCredentialService(store, nil, 20*time.Millisecond, application.DefaultExpirySkew, testLogger())

	start := time.Now()
	_, err := svc.Resolve(context.Background(), "T1")

	assert.ErrorIs(t, err, model.ErrStorageFailure)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCredentialService_NearExpiryWithoutRefresherKeepsCredential(t *testing.T) {
	store := newMockCredentialStore()
	svc := application.NewCredentialService(store, nil, time.Second, time.Minute, testLogger())
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, model.Credential{
		TenantID:     "T1",
		AccessToken:  "tok",
		RefreshToken: "r",
		ExpiresAt:    time.Now().Add(10 * time.Second),
	}))

	got, err := svc.Resolve(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, "tok", got.AccessToken)
	assert.True(t, svc.IsNearExpiry(*got))

	_, err = svc.Refresh(ctx, *got)
	assert.ErrorIs(t, err, model.ErrRefreshNotSupported)
}

func TestCredentialService_NearExpiryUsesRefreshHook(t *testing.T) {
	store := newMockCredentialStore()
	refresher := &stubRefresher{}
	svc := application.NewCredentialService(store, refresher, time.Second, time.Minute, testLogger())
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, model.Credential{
		TenantID:     "T1",
		AccessToken:  "tok",
		RefreshToken: "r",
		ExpiresAt:    time.Now().Add(10 * time.Second),
	}))

	got, err := svc.Resolve(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, "tok-refreshed", got.AccessToken)
	assert.Equal(t, 1, refresher.calls)

	persisted, err := store.Get(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, "tok-refreshed", persisted.AccessToken)
}
