package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ericfisherdev/msgscheduler/internal/domain/model"
	"github.com/ericfisherdev/msgscheduler/internal/domain/port/driven"
)

// DefaultExpirySkew is how long before ExpiresAt a credential counts as near
// expiry.
const DefaultExpirySkew = 30 * time.Second

// UnsupportedRefresher is the default CredentialRefresher. The provider's
// refresh request shape is not wired yet, so every call reports
// model.ErrRefreshNotSupported instead of guessing one.
type UnsupportedRefresher struct{}

// Refresh always returns model.ErrRefreshNotSupported.
func (UnsupportedRefresher) Refresh(_ context.Context, _ model.Credential) (*model.Credential, error) {
	return nil, model.ErrRefreshNotSupported
}

// CredentialService gates every send on a tenant's stored credential. Every
// lookup goes to the store so that a re-authorization is visible to the very
// next send.
type CredentialService struct {
	store     driven.CredentialStore
	refresher driven.CredentialRefresher
	timeout   time.Duration
	skew      time.Duration
	now       func() time.Time
	logger    zerolog.Logger
}

// NewCredentialService creates a CredentialService. timeout bounds each store
// round-trip; a zero timeout leaves the caller's deadline in charge. A nil
// refresher means UnsupportedRefresher.
func NewCredentialService(
	store driven.CredentialStore,
	refresher driven.CredentialRefresher,
	timeout time.Duration,
	skew time.Duration,
	logger zerolog.Logger,
) *CredentialService {
	if refresher == nil {
		refresher = UnsupportedRefresher{}
	}
	return &CredentialService{
		store:     store,
		refresher: refresher,
		timeout:   timeout,
		skew:      skew,
		now:       time.Now,
		logger:    logger.With().Str("component", "credentials").Logger(),
	}
}

// Connect stores the result of an authorization exchange, replacing any
// previous credential for the tenant.
func (s *CredentialService) Connect(ctx context.Context, result model.AuthResult) (*model.Credential, error) {
	if result.TenantID == "" || result.AccessToken == "" {
		return nil, errors.New("auth result missing tenant id or access token")
	}

	cred := result.Credential(s.now().UTC())

	ctx, cancel := s.bound(ctx)
	defer cancel()

	if err := s.store.Put(ctx, cred); err != nil {
		return nil, storageErr(err)
	}

	s.logger.Info().
		Str("tenant_id", cred.TenantID).
		Bool("has_refresh_token", cred.RefreshToken != "").
		Bool("has_expiry", cred.HasExpiry()).
		Msg("workspace connected")

	return &cred, nil
}

// Get returns the stored credential for tenantID, or (nil, nil) if none.
func (s *CredentialService) Get(ctx context.Context, tenantID string) (*model.Credential, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	cred, err := s.store.Get(ctx, tenantID)
	if err != nil {
		return nil, storageErr(err)
	}
	return cred, nil
}

// Resolve returns the tenant's credential or model.ErrWorkspaceNotConnected.
// A near-expiry credential is passed to the refresh hook; if the hook cannot
// refresh, the current credential is returned unchanged.
func (s *CredentialService) Resolve(ctx context.Context, tenantID string) (*model.Credential, error) {
	cred, err := s.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, model.ErrWorkspaceNotConnected
	}

	if s.IsNearExpiry(*cred) && cred.RefreshToken != "" {
		refreshed, err := s.Refresh(ctx, *cred)
		switch {
		case err == nil:
			return refreshed, nil
		case errors.Is(err, model.ErrRefreshNotSupported):
			s.logger.Debug().Str("tenant_id", tenantID).Msg("credential near expiry, refresh not supported")
		default:
			s.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("credential refresh failed")
		}
	}

	return cred, nil
}

// IsNearExpiry reports whether cred is inside the configured skew window.
func (s *CredentialService) IsNearExpiry(cred model.Credential) bool {
	return cred.IsNearExpiry(s.now(), s.skew)
}

// Refresh runs the refresh hook and stores the renewed credential.
func (s *CredentialService) Refresh(ctx context.Context, cred model.Credential) (*model.Credential, error) {
	refreshed, err := s.refresher.Refresh(ctx, cred)
	if err != nil {
		return nil, err
	}

	putCtx, cancel := s.bound(ctx)
	defer cancel()

	if err := s.store.Put(putCtx, *refreshed); err != nil {
		return nil, storageErr(err)
	}

	s.logger.Info().Str("tenant_id", refreshed.TenantID).Msg("credential refreshed")
	return refreshed, nil
}

// List returns every stored credential.
func (s *CredentialService) List(ctx context.Context) ([]model.Credential, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	creds, err := s.store.List(ctx)
	if err != nil {
		return nil, storageErr(err)
	}
	return creds, nil
}

func (s *CredentialService) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// storageErr makes sure every store error, including a timed-out round-trip,
// matches model.ErrStorageFailure.
func storageErr(err error) error {
	if errors.Is(err, model.ErrStorageFailure) {
		return err
	}
	return fmt.Errorf("%w: %w", model.ErrStorageFailure, err)
}
