package driven

import (
	"context"

	"github.com/ericfisherdev/msgscheduler/internal/domain/model"
)

// CredentialStore defines the driven port for durable per-tenant credentials.
// Implementations must make Put and Get atomic per tenant so a concurrent read
// never observes a partially written record. Storage errors are wrapped with
// model.ErrStorageFailure.
type CredentialStore interface {
	// Put inserts or fully replaces the credential for cred.TenantID. Fields
	// omitted from cred (refresh token, expiry) are cleared, never merged.
	Put(ctx context.Context, cred model.Credential) error

	// Get returns the current credential for tenantID. Returns (nil, nil) if
	// the tenant has never been connected.
	Get(ctx context.Context, tenantID string) (*model.Credential, error)

	// List returns every stored credential ordered by tenant id.
	List(ctx context.Context) ([]model.Credential, error)
}

// CredentialRefresher renews an access token using the credential's refresh
// token. Implementations that cannot refresh return model.ErrRefreshNotSupported.
type CredentialRefresher interface {
	Refresh(ctx context.Context, cred model.Credential) (*model.Credential, error)
}
