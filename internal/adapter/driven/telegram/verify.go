package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	tele "gopkg.in/telebot.v4"

	"github.com/ericfisherdev/msgscheduler/internal/domain/model"
	"github.com/ericfisherdev/msgscheduler/internal/domain/port/driven"
)

var _ driven.TokenVerifier = (*Sender)(nil)

// ErrInvalidToken is returned by Verify when the Bot API rejects the token.
var ErrInvalidToken = errors.New("telegram: invalid bot token")

// Verify calls getMe with token. The bot's numeric id becomes the tenant id,
// prefixed so it cannot collide with other providers' workspace ids.
func (s *Sender) Verify(ctx context.Context, token string) (*model.AuthResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bot, err := tele.NewBot(tele.Settings{
		URL:    s.apiURL,
		Token:  token,
		Client: s.client,
	})
	if err != nil {
		var apiErr *tele.Error
		if errors.As(err, &apiErr) || errors.Is(err, tele.ErrUnauthorized) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
		}
		return nil, fmt.Errorf("telegram: getMe: %w", err)
	}

	name := bot.Me.Username
	if name == "" {
		name = bot.Me.FirstName
	}
	return &model.AuthResult{
		TenantID:    "tg-" + strconv.FormatInt(bot.Me.ID, 10),
		TenantName:  name,
		AccessToken: token,
	}, nil
}
