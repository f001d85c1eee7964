package slack_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/msgscheduler/internal/adapter/driven/slack"
)

// newTestClient creates a Client backed by the given httptest handler. opts
// adjust the Config before the client is built.
func newTestClient(t *testing.T, handler http.Handler, opts ...func(*slack.Config)) *slack.Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := slack.Config{
		BaseURL:         server.URL + "/api",
		AuthorizeURL:    server.URL + "/oauth/v2/authorize",
		ClientID:        "cid",
		ClientSecret:    "csecret",
		RedirectURI:     "https://app.example.com/auth/slack/callback",
		ChannelCacheTTL: time.Minute,
		HTTPClient:      server.Client(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	client, err := slack.NewClient(cfg)
	require.NoError(t, err)
	return client
}

// setSlackCacheHeaders mirrors the caching headers Slack sends on every Web
// API response.
func setSlackCacheHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "private, no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "Mon, 26 Jul 1997 05:00:00 GMT")
}

// channelsHandler serves a one-page conversations.list that names the
// caller's token, counting upstream hits.
func channelsHandler(t *testing.T, hits *atomic.Int32) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/conversations.list", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		setSlackCacheHeaders(w)
		writeJSON(t, w, map[string]any{
			"ok":       true,
			"channels": []map[string]any{{"id": "C1", "name": r.Header.Get("Authorization")}},
		})
	})
	return mux
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestSend_Delivered(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat.postMessage", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer xoxb-1", r.Header.Get("Authorization"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "C1", body["channel"])
		assert.Equal(t, "hello", body["text"])

		writeJSON(t, w, map[string]any{"ok": true, "ts": "1700000000.000100", "channel": "C1"})
	})
	client := newTestClient(t, mux)

	delivery, err := client.Send(context.Background(), "xoxb-1", "C1", "hello")

	require.NoError(t, err)
	assert.True(t, delivery.Delivered)
	assert.Equal(t, "1700000000.000100", delivery.DeliveryID)
	assert.Equal(t, "C1", delivery.Channel)
}

func TestSend_RefusedIsUndelivered(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat.postMessage", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, map[string]any{"ok": false, "error": "not_in_channel"})
	})
	client := newTestClient(t, mux)

	delivery, err := client.Send(context.Background(), "xoxb-1", "C1", "hello")

	require.NoError(t, err)
	assert.False(t, delivery.Delivered)
	assert.Empty(t, delivery.DeliveryID)
	assert.Equal(t, "not_in_channel", delivery.Reason)
}

func TestSend_HTTPErrorCarriesRetryAfter(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat.postMessage", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	client := newTestClient(t, mux)

	_, err := client.Send(context.Background(), "xoxb-1", "C1", "hello")

	var apiErr *slack.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.Equal(t, 30*time.Second, apiErr.RetryAfter)
}

func TestListChannels_Paginates(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/conversations.list", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1000", r.URL.Query().Get("limit"))
		if r.URL.Query().Get("cursor") == "" {
			writeJSON(t, w, map[string]any{
				"ok":                true,
				"channels":          []map[string]any{{"id": "C1", "name": "general", "is_member": true}},
				"response_metadata": map[string]string{"next_cursor": "page2"},
			})
			return
		}
		writeJSON(t, w, map[string]any{
			"ok":       true,
			"channels": []map[string]any{{"id": "C2", "name": "secret", "is_private": true}},
		})
	})
	client := newTestClient(t, mux)

	channels, err := client.ListChannels(context.Background(), "xoxb-1")

	require.NoError(t, err)
	require.Len(t, channels, 2)
	assert.Equal(t, "general", channels[0].Name)
	assert.True(t, channels[0].IsMember)
	assert.Equal(t, "C2", channels[1].ID)
	assert.True(t, channels[1].IsPrivate)
}

func TestListChannels_CachedPerToken(t *testing.T) {
	var hits atomic.Int32
	client := newTestClient(t, channelsHandler(t, &hits))
	ctx := context.Background()

	first, err := client.ListChannels(ctx, "tenant-a")
	require.NoError(t, err)
	for range 2 {
		again, err := client.ListChannels(ctx, "tenant-a")
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, int32(1), hits.Load(), "no-store from Slack must not defeat the channel cache")

	other, err := client.ListChannels(ctx, "tenant-b")
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, "Bearer tenant-a", first[0].Name)
	assert.Equal(t, "Bearer tenant-b", other[0].Name)
}

func TestListChannels_CacheDisabled(t *testing.T) {
	var hits atomic.Int32
	client := newTestClient(t, channelsHandler(t, &hits), func(c *slack.Config) { c.ChannelCacheTTL = 0 })

	for range 3 {
		_, err := client.ListChannels(context.Background(), "tenant-a")
		require.NoError(t, err)
	}

	assert.Equal(t, int32(3), hits.Load())
}

func TestListChannels_RefusalNotCached(t *testing.T) {
	var hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/conversations.list", func(w http.ResponseWriter, _ *http.Request) {
		n := hits.Add(1)
		setSlackCacheHeaders(w)
		if n == 1 {
			writeJSON(t, w, map[string]any{"ok": false, "error": "ratelimited"})
			return
		}
		writeJSON(t, w, map[string]any{"ok": true, "channels": []map[string]any{{"id": "C1", "name": "general"}}})
	})
	client := newTestClient(t, mux)
	ctx := context.Background()

	_, err := client.ListChannels(ctx, "tenant-a")
	require.Error(t, err)

	channels, err := client.ListChannels(ctx, "tenant-a")
	require.NoError(t, err)
	require.Len(t, channels, 1)
	assert.Equal(t, int32(2), hits.Load())
}

func TestListChannels_LeastRecentTokenEvicted(t *testing.T) {
	var hits atomic.Int32
	client := newTestClient(t, channelsHandler(t, &hits), func(c *slack.Config) { c.MaxCachedTokens = 1 })
	ctx := context.Background()

	for _, token := range []string{"tenant-a", "tenant-a", "tenant-b", "tenant-a"} {
		_, err := client.ListChannels(ctx, token)
		require.NoError(t, err)
	}

	assert.Equal(t, int32(3), hits.Load(), "tenant-a's cache is dropped once tenant-b takes the only slot")
}

func TestNewClient_NegativeCacheTTL(t *testing.T) {
	_, err := slack.NewClient(slack.Config{ChannelCacheTTL: -time.Second})
	assert.Error(t, err)
}

func TestListChannels_NotOK(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/conversations.list", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, map[string]any{"ok": false, "error": "invalid_auth"})
	})
	client := newTestClient(t, mux)

	_, err := client.ListChannels(context.Background(), "bad")

	var apiErr *slack.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "invalid_auth", apiErr.Code)
}

func TestAuthorizeURL(t *testing.T) {
	client := newTestClient(t, http.NewServeMux())

	raw := client.AuthorizeURL("state-123")

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "/oauth/v2/authorize", u.Path)
	q := u.Query()
	assert.Equal(t, "cid", q.Get("client_id"))
	assert.Equal(t, slack.DefaultScopes, q.Get("scope"))
	assert.Equal(t, "https://app.example.com/auth/slack/callback", q.Get("redirect_uri"))
	assert.Equal(t, "state-123", q.Get("state"))
}

func TestExchange(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/oauth.v2.access", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "cid", r.PostForm.Get("client_id"))
		assert.Equal(t, "csecret", r.PostForm.Get("client_secret"))
		assert.Equal(t, "the-code", r.PostForm.Get("code"))

		writeJSON(t, w, map[string]any{
			"ok":            true,
			"access_token":  "xoxe.xoxb-1",
			"refresh_token": "xoxe-1-r",
			"expires_in":    43200,
			"team":          map[string]string{"id": "T1", "name": "Acme"},
		})
	})
	client := newTestClient(t, mux)

	result, err := client.Exchange(context.Background(), "the-code")

	require.NoError(t, err)
	assert.Equal(t, "T1", result.TenantID)
	assert.Equal(t, "Acme", result.TenantName)
	assert.Equal(t, "xoxe.xoxb-1", result.AccessToken)
	assert.Equal(t, "xoxe-1-r", result.RefreshToken)
	assert.Equal(t, 12*time.Hour, result.ExpiresIn)
}

func TestExchange_Failures(t *testing.T) {
	tests := []struct {
		name string
		body map[string]any
	}{
		{name: "not ok", body: map[string]any{"ok": false, "error": "invalid_code"}},
		{name: "missing team", body: map[string]any{"ok": true, "access_token": "x"}},
		{name: "missing token", body: map[string]any{"ok": true, "team": map[string]string{"id": "T1"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("POST /api/oauth.v2.access", func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(t, w, tt.body)
			})
			client := newTestClient(t, mux)

			_, err := client.Exchange(context.Background(), "code")
			assert.Error(t, err)
		})
	}
}

func TestRateLimiterHonoursContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, map[string]any{"ok": true, "ts": "1"})
	}))
	t.Cleanup(server.Close)

	client, err := slack.NewClient(slack.Config{BaseURL: server.URL, RatePerSec: 1, HTTPClient: server.Client()})
	require.NoError(t, err)

	_, err = client.Send(context.Background(), "t", "C1", "first")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = client.Send(ctx, "t", "C1", "second")
	assert.Error(t, err)
}
