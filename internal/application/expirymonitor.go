package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/ericfisherdev/msgscheduler/internal/domain/model"
	"github.com/ericfisherdev/msgscheduler/internal/metrics"
)

// ExpiryMonitor periodically sweeps stored credentials on a cron schedule,
// reports those inside the expiry skew window, and hands them to the refresh
// hook.
type ExpiryMonitor struct {
	creds   *CredentialService
	metrics *metrics.Metrics
	logger  zerolog.Logger
	spec    string
	timeout time.Duration
	cron    *cron.Cron
}

// NewExpiryMonitor validates spec (standard 5-field cron or a descriptor such
// as "@every 5m") and returns an unstarted monitor.
func NewExpiryMonitor(creds *CredentialService, spec string, m *metrics.Metrics, logger zerolog.Logger) (*ExpiryMonitor, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("parse expiry check schedule %q: %w", spec, err)
	}
	return &ExpiryMonitor{
		creds:   creds,
		metrics: m,
		logger:  logger.With().Str("component", "expiry_monitor").Logger(),
		spec:    spec,
		timeout: time.Minute,
	}, nil
}

// Start begins the cron loop.
func (e *ExpiryMonitor) Start() error {
	c := cron.New()
	if _, err := c.AddFunc(e.spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		defer cancel()
		if _, err := e.Sweep(ctx); err != nil {
			e.logger.Error().Err(err).Msg("expiry sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("register expiry sweep: %w", err)
	}
	e.cron = c
	c.Start()
	e.logger.Info().Str("schedule", e.spec).Msg("expiry monitor started")
	return nil
}

// Stop halts the cron loop and waits for a running sweep, or for ctx to end.
func (e *ExpiryMonitor) Stop(ctx context.Context) {
	if e.cron == nil {
		return
	}
	select {
	case <-e.cron.Stop().Done():
	case <-ctx.Done():
	}
	e.logger.Info().Msg("expiry monitor stopped")
}

// Sweep checks every stored credential once and returns how many were near
// expiry.
func (e *ExpiryMonitor) Sweep(ctx context.Context) (int, error) {
	creds, err := e.creds.List(ctx)
	if err != nil {
		return 0, err
	}

	var near int
	for _, cred := range creds {
		if !e.creds.IsNearExpiry(cred) {
			continue
		}
		near++
		e.metrics.CredentialsNearExpiry.Inc()

		log := e.logger.With().Str("tenant_id", cred.TenantID).Time("expires_at", cred.ExpiresAt).Logger()
		if cred.RefreshToken == "" {
			log.Warn().Msg("credential near expiry with no refresh token; re-authorization required")
			continue
		}

		_, err := e.creds.Refresh(ctx, cred)
		switch {
		case err == nil:
		case errors.Is(err, model.ErrRefreshNotSupported):
			log.Warn().Msg("credential near expiry; refresh not supported")
		default:
			log.Error().Err(err).Msg("credential refresh failed")
		}
	}

	e.logger.Debug().Int("credentials", len(creds)).Int("near_expiry", near).Msg("expiry sweep complete")
	return near, nil
}
