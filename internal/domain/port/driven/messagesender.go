package driven

import (
	"context"

	"github.com/ericfisherdev/msgscheduler/internal/domain/model"
)

// MessageSender is the delivery capability: post text to a channel using a
// tenant's access token. Implementations never retry.
type MessageSender interface {
	Send(ctx context.Context, accessToken, channel, text string) (model.Delivery, error)
}

// ChannelLister lists the channels visible to an access token.
type ChannelLister interface {
	ListChannels(ctx context.Context, accessToken string) ([]model.Channel, error)
}
