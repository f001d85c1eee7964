package driven

import (
	"context"

	"github.com/ericfisherdev/msgscheduler/internal/domain/model"
)

// AuthExchanger trades a one-time authorization code for tenant credentials.
type AuthExchanger interface {
	// AuthorizeURL builds the provider URL a user visits to grant access.
	AuthorizeURL(state string) string

	// Exchange redeems code and returns the tenant identity and tokens.
	Exchange(ctx context.Context, code string) (*model.AuthResult, error)
}

// TokenVerifier validates a long-lived token supplied directly by the tenant
// (a bot token, for instance) and returns the identity it belongs to.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*model.AuthResult, error)
}
