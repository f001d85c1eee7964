// Package slack implements the MessageSender, ChannelLister and AuthExchanger
// ports against the Slack Web API.
package slack

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gregjones/httpcache"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/ericfisherdev/msgscheduler/internal/domain/model"
	"github.com/ericfisherdev/msgscheduler/internal/domain/port/driven"
)

// Compile-time interface satisfaction checks.
var (
	_ driven.MessageSender = (*Client)(nil)
	_ driven.ChannelLister = (*Client)(nil)
	_ driven.AuthExchanger = (*Client)(nil)
)

const (
	// DefaultBaseURL is the Slack Web API root.
	DefaultBaseURL = "https://slack.com/api/"
	// DefaultAuthorizeURL is the browser-facing OAuth v2 consent page.
	DefaultAuthorizeURL = "https://slack.com/oauth/v2/authorize"
	// DefaultScopes are the bot scopes the app requests at install.
	DefaultScopes = "chat:write,channels:read"
	// DefaultMaxCachedTokens bounds how many per-token channel caches are kept.
	DefaultMaxCachedTokens = 256

	channelPageSize = 1000
	maxBodyBytes    = 4 << 20
)

// APIError is a non-ok Slack response or a non-2xx HTTP status.
type APIError struct {
	Method     string
	Code       string
	StatusCode int
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("slack %s: %s", e.Method, e.Code)
	}
	return fmt.Sprintf("slack %s: http %d", e.Method, e.StatusCode)
}

// Config configures a Client. Zero values take the Default* constants.
type Config struct {
	BaseURL      string
	AuthorizeURL string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       string
	// RatePerSec caps outgoing Web API calls. Zero disables throttling.
	RatePerSec int
	// ChannelCacheTTL is how long a conversations.list page is reused for the
	// same token. Zero disables the cache.
	ChannelCacheTTL time.Duration
	// MaxCachedTokens bounds the per-token caches; the least recently used
	// token's cache is dropped first.
	MaxCachedTokens int
	HTTPClient      *http.Client
}

// Client talks to the Slack Web API. It is safe for concurrent use.
type Client struct {
	baseURL      string
	authorizeURL string
	clientID     string
	clientSecret string
	redirectURI  string
	scopes       string
	http         *http.Client
	limiter      *rate.Limiter

	// conversations.list responses are cached per token so one tenant's
	// channel list is never served to another. Nil when caching is off.
	channelTTL  time.Duration
	listClients *lru.Cache[string, *listCache]
}

// listCache is one token's caching client and the cache behind it.
type listCache struct {
	client *http.Client
	cache  httpcache.Cache
}

// NewClient creates a Client from cfg.
func NewClient(cfg Config) (*Client, error) {
	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}

	authorize := cfg.AuthorizeURL
	if authorize == "" {
		authorize = DefaultAuthorizeURL
	}
	if _, err := url.Parse(authorize); err != nil {
		return nil, fmt.Errorf("parsing authorize URL: %w", err)
	}

	scopes := cfg.Scopes
	if scopes == "" {
		scopes = DefaultScopes
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}

	var limiter *rate.Limiter
	if cfg.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}

	if cfg.ChannelCacheTTL < 0 {
		return nil, fmt.Errorf("channel cache TTL must not be negative, got %s", cfg.ChannelCacheTTL)
	}
	var listClients *lru.Cache[string, *listCache]
	if cfg.ChannelCacheTTL > 0 {
		size := cfg.MaxCachedTokens
		if size == 0 {
			size = DefaultMaxCachedTokens
		}
		var err error
		if listClients, err = lru.New[string, *listCache](size); err != nil {
			return nil, fmt.Errorf("creating channel cache: %w", err)
		}
	}

	return &Client{
		baseURL:      base,
		authorizeURL: authorize,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		redirectURI:  cfg.RedirectURI,
		scopes:       scopes,
		http:         httpClient,
		limiter:      limiter,
		channelTTL:   cfg.ChannelCacheTTL,
		listClients:  listClients,
	}, nil
}

type postMessageRequest struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
}

type postMessageResponse struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error"`
	TS      string `json:"ts"`
	Channel string `json:"channel"`
}

// Send posts text to channel with chat.postMessage. A Slack-level refusal
// (ok=false) is an undelivered Delivery, not an error; transport failures and
// non-2xx statuses are errors.
func (c *Client) Send(ctx context.Context, accessToken, channel, text string) (model.Delivery, error) {
	body, err := json.Marshal(postMessageRequest{Channel: channel, Text: text})
	if err != nil {
		return model.Delivery{}, fmt.Errorf("encoding chat.postMessage: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "chat.postMessage", bytes.NewReader(body))
	if err != nil {
		return model.Delivery{}, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	var resp postMessageResponse
	if err := c.do(c.http, req, "chat.postMessage", &resp); err != nil {
		return model.Delivery{}, err
	}

	if !resp.OK {
		return model.Delivery{Delivered: false, Channel: channel, Reason: resp.Error}, nil
	}

	delivered := resp.Channel
	if delivered == "" {
		delivered = channel
	}
	return model.Delivery{Delivered: true, DeliveryID: resp.TS, Channel: delivered}, nil
}

type conversation struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsPrivate bool   `json:"is_private"`
	IsMember  bool   `json:"is_member"`
}

type conversationsListResponse struct {
	OK               bool           `json:"ok"`
	Error            string         `json:"error"`
	Channels         []conversation `json:"channels"`
	ResponseMetadata struct {
		NextCursor string `json:"next_cursor"`
	} `json:"response_metadata"`
}

// ListChannels pages through conversations.list for the token's workspace.
func (c *Client) ListChannels(ctx context.Context, accessToken string) ([]model.Channel, error) {
	cached := c.listClient(accessToken)
	client := c.http
	if cached != nil {
		client = cached.client
	}
	channels := []model.Channel{}
	cursor := ""

	for {
		q := url.Values{}
		q.Set("limit", strconv.Itoa(channelPageSize))
		q.Set("exclude_archived", "true")
		if cursor != "" {
			q.Set("cursor", cursor)
		}

		req, err := c.newRequest(ctx, http.MethodGet, "conversations.list?"+q.Encode(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)

		var resp conversationsListResponse
		if err := c.do(client, req, "conversations.list", &resp); err != nil {
			return nil, err
		}
		if !resp.OK {
			// A refusal arrives as a 2xx page; it must not be replayed.
			if cached != nil {
				cached.cache.Delete(req.URL.String())
			}
			return nil, &APIError{Method: "conversations.list", Code: resp.Error}
		}

		for _, ch := range resp.Channels {
			channels = append(channels, model.Channel{
				ID:        ch.ID,
				Name:      ch.Name,
				IsPrivate: ch.IsPrivate,
				IsMember:  ch.IsMember,
			})
		}

		cursor = resp.ResponseMetadata.NextCursor
		if cursor == "" {
			return channels, nil
		}
	}
}

// AuthorizeURL returns the consent page URL carrying state.
func (c *Client) AuthorizeURL(state string) string {
	u, _ := url.Parse(c.authorizeURL)
	q := u.Query()
	q.Set("client_id", c.clientID)
	q.Set("scope", c.scopes)
	q.Set("redirect_uri", c.redirectURI)
	q.Set("state", state)
	u.RawQuery = q.Encode()
	return u.String()
}

type oauthAccessResponse struct {
	OK           bool   `json:"ok"`
	Error        string `json:"error"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Team         *struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"team"`
}

// Exchange trades a one-time authorization code for a workspace token via
// oauth.v2.access.
func (c *Client) Exchange(ctx context.Context, code string) (*model.AuthResult, error) {
	form := url.Values{}
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)
	form.Set("code", code)
	form.Set("redirect_uri", c.redirectURI)

	req, err := c.newRequest(ctx, http.MethodPost, "oauth.v2.access", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var resp oauthAccessResponse
	if err := c.do(c.http, req, "oauth.v2.access", &resp); err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, &APIError{Method: "oauth.v2.access", Code: resp.Error}
	}
	if resp.AccessToken == "" || resp.Team == nil || resp.Team.ID == "" {
		return nil, errors.New("slack oauth.v2.access: response missing access token or team")
	}

	return &model.AuthResult{
		TenantID:     resp.Team.ID,
		TenantName:   resp.Team.Name,
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresIn:    time.Duration(resp.ExpiresIn) * time.Second,
	}, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("building %s request: %w", path, err)
	}
	return req, nil
}

// do waits for the rate limiter, sends req, and decodes a 2xx JSON body into out.
func (c *Client) do(client *http.Client, req *http.Request, method string, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return fmt.Errorf("slack %s: rate limiter: %w", method, err)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("slack %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Method: method, StatusCode: resp.StatusCode}
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return apiErr
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(out); err != nil {
		return fmt.Errorf("slack %s: decoding response: %w", method, err)
	}
	return nil
}

// listClient returns the caching client for accessToken, or nil when the
// channel cache is off.
func (c *Client) listClient(accessToken string) *listCache {
	if c.listClients == nil {
		return nil
	}

	sum := sha256.Sum256([]byte(accessToken))
	key := hex.EncodeToString(sum[:])

	if lc, ok := c.listClients.Get(key); ok {
		return lc
	}

	next := c.http.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	cache := httpcache.NewMemoryCache()
	transport := httpcache.NewTransport(cache)
	transport.Transport = &freshFor{next: next, ttl: c.channelTTL}

	lc := &listCache{
		client: &http.Client{Transport: transport, Timeout: c.http.Timeout},
		cache:  cache,
	}
	// A concurrent first call for the same token may build a second client;
	// the last one added wins and the other is simply dropped.
	c.listClients.Add(key, lc)
	return lc
}

// freshFor makes successful conversations.list responses cacheable for ttl.
// Slack marks every Web API response no-store and sends no validators, so
// httpcache would otherwise never serve a hit.
type freshFor struct {
	next http.RoundTripper
	ttl  time.Duration
}

func (f *freshFor) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := f.next.RoundTrip(req)
	if err != nil || resp.StatusCode < 200 || resp.StatusCode > 299 ||
		!strings.HasSuffix(req.URL.Path, "/conversations.list") {
		return resp, err
	}

	maxAge := int64((f.ttl + time.Second - 1) / time.Second)
	resp.Header.Set("Cache-Control", "private, max-age="+strconv.FormatInt(maxAge, 10))
	resp.Header.Del("Pragma")
	resp.Header.Del("Expires")
	if resp.Header.Get("Date") == "" {
		resp.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	return resp, nil
}
