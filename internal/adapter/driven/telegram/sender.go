// Package telegram implements the MessageSender port with a Telegram bot. The
// tenant's access token is the bot token, and channels are numeric chat ids or
// @channel usernames.
package telegram

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"github.com/ericfisherdev/msgscheduler/internal/domain/model"
	"github.com/ericfisherdev/msgscheduler/internal/domain/port/driven"
)

var _ driven.MessageSender = (*Sender)(nil)

const (
	// DefaultAPIURL is the Telegram Bot API root.
	DefaultAPIURL = "https://api.telegram.org"
	// DefaultMaxCachedBots bounds how many per-token bots are kept.
	DefaultMaxCachedBots = 256
)

// Config configures a Sender.
type Config struct {
	APIURL     string
	RatePerSec int
	// MaxCachedBots bounds the per-token bot cache; the least recently used
	// bot is dropped first. Zero means DefaultMaxCachedBots.
	MaxCachedBots int
	HTTPClient    *http.Client
}

// Sender delivers text through the Bot API, one offline bot per token.
type Sender struct {
	apiURL  string
	client  *http.Client
	limiter *rate.Limiter

	mu   sync.Mutex
	bots *lru.Cache[string, *tele.Bot]
}

// NewSender creates a Sender.
func NewSender(cfg Config) (*Sender, error) {
	apiURL := strings.TrimRight(cfg.APIURL, "/")
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}

	var limiter *rate.Limiter
	if cfg.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}

	size := cfg.MaxCachedBots
	if size == 0 {
		size = DefaultMaxCachedBots
	}
	bots, err := lru.New[string, *tele.Bot](size)
	if err != nil {
		return nil, fmt.Errorf("telegram: bot cache: %w", err)
	}

	return &Sender{
		apiURL:  apiURL,
		client:  client,
		limiter: limiter,
		bots:    bots,
	}, nil
}

// Send posts text to channel. A client-side refusal the Bot API reports with
// a known error (chat not found, bot blocked) is an undelivered Delivery;
// flood control, server errors and transport failures are errors.
func (s *Sender) Send(ctx context.Context, accessToken, channel, text string) (model.Delivery, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return model.Delivery{}, fmt.Errorf("telegram: rate limiter: %w", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return model.Delivery{}, err
	}

	bot, err := s.bot(accessToken)
	if err != nil {
		return model.Delivery{}, err
	}

	msg, err := bot.Send(recipient(channel), text, &tele.SendOptions{DisableWebPagePreview: true})
	if err != nil {
		var flood tele.FloodError
		if errors.As(err, &flood) {
			return model.Delivery{}, fmt.Errorf("telegram: flood control, retry after %ds: %w", flood.RetryAfter, err)
		}
		var apiErr *tele.Error
		if errors.As(err, &apiErr) && apiErr.Code < http.StatusInternalServerError && apiErr.Code != http.StatusTooManyRequests {
			return model.Delivery{Delivered: false, Channel: channel, Reason: apiErr.Description}, nil
		}
		return model.Delivery{}, fmt.Errorf("telegram: send to %s: %w", channel, err)
	}

	delivered := channel
	if msg.Chat != nil {
		delivered = strconv.FormatInt(msg.Chat.ID, 10)
	}
	return model.Delivery{
		Delivered:  true,
		DeliveryID: strconv.Itoa(msg.ID),
		Channel:    delivered,
	}, nil
}

// bot returns the cached bot for token. Offline bots skip the getMe call.
func (s *Sender) bot(token string) (*tele.Bot, error) {
	sum := sha256.Sum256([]byte(token))
	key := hex.EncodeToString(sum[:])

	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.bots.Get(key); ok {
		return b, nil
	}

	b, err := tele.NewBot(tele.Settings{
		URL:     s.apiURL,
		Token:   token,
		Client:  s.client,
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}
	s.bots.Add(key, b)
	return b, nil
}

// chatUsername addresses a public channel or group by @username.
type chatUsername string

func (u chatUsername) Recipient() string { return string(u) }

func recipient(channel string) tele.Recipient {
	if id, err := strconv.ParseInt(channel, 10, 64); err == nil {
		return tele.ChatID(id)
	}
	if !strings.HasPrefix(channel, "@") {
		channel = "@" + channel
	}
	return chatUsername(channel)
}
