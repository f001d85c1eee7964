package application

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ericfisherdev/msgscheduler/internal/domain/model"
	"github.com/ericfisherdev/msgscheduler/internal/domain/port/driven"
	"github.com/ericfisherdev/msgscheduler/internal/metrics"
)

// MessageService handles immediate sends and channel discovery. It bypasses
// the Scheduler entirely: credential lookup, then a direct call to the
// delivery capability.
type MessageService struct {
	creds    *CredentialService
	sender   driven.MessageSender
	channels driven.ChannelLister
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// NewMessageService creates a MessageService. channels may be nil when the
// delivery provider cannot list channels.
func NewMessageService(
	creds *CredentialService,
	sender driven.MessageSender,
	channels driven.ChannelLister,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *MessageService {
	return &MessageService{
		creds:    creds,
		sender:   sender,
		channels: channels,
		metrics:  m,
		logger:   logger.With().Str("component", "messages").Logger(),
	}
}

// SendNow delivers text to channel immediately. Unlike a scheduled send, a
// delivery error is returned to the caller.
func (s *MessageService) SendNow(ctx context.Context, tenantID, channel, text string) (model.Delivery, error) {
	cred, err := s.creds.Resolve(ctx, tenantID)
	if err != nil {
		return model.Delivery{}, err
	}

	delivery, err := s.sender.Send(ctx, cred.AccessToken, channel, text)
	if err != nil {
		s.metrics.Deliveries.WithLabelValues(metrics.ResultError).Inc()
		return model.Delivery{}, fmt.Errorf("send to %s: %w", channel, err)
	}

	result := metrics.ResultDelivered
	if !delivery.Delivered {
		result = metrics.ResultUndelivered
	}
	s.metrics.Deliveries.WithLabelValues(result).Inc()

	s.logger.Info().
		Str("tenant_id", tenantID).
		Str("channel", channel).
		Bool("delivered", delivery.Delivered).
		Str("delivery_id", delivery.DeliveryID).
		Msg("message sent")

	return delivery, nil
}

// ListChannels returns the channels the tenant's token can see.
func (s *MessageService) ListChannels(ctx context.Context, tenantID string) ([]model.Channel, error) {
	if s.channels == nil {
		return []model.Channel{}, nil
	}

	cred, err := s.creds.Resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	channels, err := s.channels.ListChannels(ctx, cred.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	return channels, nil
}
