// Package httphandler is the REST driving adapter: session auth, workspace
// connection, channel listing, and immediate and scheduled sends.
package httphandler

import (
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ericfisherdev/msgscheduler/internal/application"
	"github.com/ericfisherdev/msgscheduler/internal/domain/model"
	"github.com/ericfisherdev/msgscheduler/internal/domain/port/driven"
)

const maxBodyBytes = 64 << 10

// popupPage hands control back to the opener window after an OAuth popup.
var popupPage = template.Must(template.New("popup").Parse(`<!doctype html>
<html><body>
<script>
  var target = {{.}};
  if (window.opener) {
    window.opener.location.href = target;
    window.close();
  } else {
    location.href = target;
  }
</script>
</body></html>
`))

// Deps are the collaborators a Handler needs. Auth and Verifier are optional;
// their routes are only registered when set.
type Deps struct {
	Credentials *application.CredentialService
	Scheduler   *application.Scheduler
	Messages    *application.MessageService
	Auth        driven.AuthExchanger
	Verifier    driven.TokenVerifier
	Sessions    *Sessions
	Metrics     http.Handler

	FrontendBaseURL string
	CORSOrigins     []string
}

// Handler is the HTTP driving adapter that serves the REST API.
type Handler struct {
	deps   Deps
	logger zerolog.Logger
	now    func() time.Time
}

// NewHandler creates a Handler.
func NewHandler(deps Deps, logger zerolog.Logger) *Handler {
	return &Handler{
		deps:   deps,
		logger: logger.With().Str("component", "http").Logger(),
		now:    time.Now,
	}
}

// NewServeMux creates an http.Handler with all routes registered and wrapped
// with CORS, logging and recovery middleware.
func NewServeMux(h *Handler) http.Handler {
	mux := http.NewServeMux()
	auth := func(fn http.HandlerFunc) http.HandlerFunc { return requireTenant(h.deps.Sessions, fn) }

	if h.deps.Auth != nil {
		mux.HandleFunc("GET /auth/slack/authorize", h.Authorize)
		mux.HandleFunc("GET /auth/slack/callback", h.Callback)
	}
	if h.deps.Verifier != nil {
		mux.HandleFunc("POST /auth/telegram/connect", h.ConnectToken)
	}
	mux.HandleFunc("GET /auth/me", auth(h.Me))
	mux.HandleFunc("POST /auth/logout", h.Logout)

	mux.HandleFunc("GET /channels", auth(h.ListChannels))

	mux.HandleFunc("POST /messages/send", auth(h.SendNow))
	mux.HandleFunc("POST /messages/schedule", auth(h.CreateJob))
	mux.HandleFunc("GET /messages/schedule", auth(h.ListJobs))
	mux.HandleFunc("DELETE /messages/schedule/{id}", auth(h.CancelJob))

	mux.HandleFunc("GET /health", h.Health)
	if h.deps.Metrics != nil {
		mux.Handle("GET /metrics", h.deps.Metrics)
	}

	// Recovery innermost so panics are caught before logging.
	wrapped := recoveryMiddleware(h.logger, mux)
	wrapped = corsMiddleware(h.deps.CORSOrigins, wrapped)
	wrapped = loggingMiddleware(h.logger, wrapped)

	return wrapped
}

// Authorize returns the provider consent URL and sets the state cookie.
func (h *Handler) Authorize(w http.ResponseWriter, _ *http.Request) {
	state := h.deps.Sessions.NewState(w)
	writeJSON(w, http.StatusOK, AuthorizeResponse{URL: h.deps.Auth.AuthorizeURL(state)})
}

// Callback completes the OAuth flow: it checks state, redeems the code,
// stores the credential and signs the browser in.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	code := q.Get("code")

	if !h.deps.Sessions.ConsumeState(w, r, q.Get("state")) || code == "" {
		http.Error(w, "State mismatch", http.StatusBadRequest)
		return
	}

	result, err := h.deps.Auth.Exchange(r.Context(), code)
	if err != nil {
		h.logger.Error().Err(err).Msg("oauth exchange failed")
		http.Error(w, "OAuth exchange failed", http.StatusBadGateway)
		return
	}

	cred, err := h.deps.Credentials.Connect(r.Context(), *result)
	if err != nil {
		h.logger.Error().Err(err).Str("tenant_id", result.TenantID).Msg("failed to store credential")
		http.Error(w, "Failed to store credential", http.StatusServiceUnavailable)
		return
	}

	h.deps.Sessions.Issue(w, cred.TenantID)

	dashboard := h.deps.FrontendBaseURL + "/dashboard"
	if q.Get("popup") == "1" {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := popupPage.Execute(w, dashboard); err != nil {
			h.logger.Error().Err(err).Msg("failed to render popup page")
		}
		return
	}
	http.Redirect(w, r, dashboard, http.StatusFound)
}

// ConnectToken stores a tenant-supplied token after the provider vouches
// for it, then signs the browser in.
func (h *Handler) ConnectToken(w http.ResponseWriter, r *http.Request) {
	var req ConnectTokenRequest
	if err := decodeBody(r, &req); err != nil || strings.TrimSpace(req.Token) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	result, err := h.deps.Verifier.Verify(r.Context(), strings.TrimSpace(req.Token))
	if err != nil {
		h.logger.Warn().Err(err).Msg("token verification failed")
		writeError(w, http.StatusUnauthorized, "invalid_token")
		return
	}

	cred, err := h.deps.Credentials.Connect(r.Context(), *result)
	if err != nil {
		writeServiceError(w, h.logger, err, "failed to store credential")
		return
	}

	h.deps.Sessions.Issue(w, cred.TenantID)
	writeJSON(w, http.StatusOK, MeResponse{TeamID: cred.TenantID, TeamName: cred.TenantName})
}

// Me returns the signed-in tenant.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	cred, err := h.deps.Credentials.Get(r.Context(), tenantFrom(r.Context()))
	if err != nil {
		writeServiceError(w, h.logger, err, "failed to load credential")
		return
	}
	if cred == nil {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	writeJSON(w, http.StatusOK, MeResponse{TeamID: cred.TenantID, TeamName: cred.TenantName})
}

// Logout clears the session cookie.
func (h *Handler) Logout(w http.ResponseWriter, _ *http.Request) {
	h.deps.Sessions.Clear(w)
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

// ListChannels returns the channels visible to the tenant's credential.
func (h *Handler) ListChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := h.deps.Messages.ListChannels(r.Context(), tenantFrom(r.Context()))
	if err != nil {
		if isServiceError(err) {
			writeServiceError(w, h.logger, err, "failed to list channels")
			return
		}
		h.logger.Error().Err(err).Msg("provider channel listing failed")
		writeError(w, http.StatusBadGateway, "provider_error")
		return
	}

	resp := make([]ChannelResponse, 0, len(channels))
	for _, c := range channels {
		resp = append(resp, toChannelResponse(c))
	}
	writeJSON(w, http.StatusOK, resp)
}

// SendNow delivers a message immediately.
func (h *Handler) SendNow(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := decodeBody(r, &req); err != nil || req.Channel == "" || req.Text == "" {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	delivery, err := h.deps.Messages.SendNow(r.Context(), tenantFrom(r.Context()), req.Channel, req.Text)
	if err != nil {
		if isServiceError(err) {
			writeServiceError(w, h.logger, err, "send failed")
			return
		}
		h.logger.Error().Err(err).Str("channel", req.Channel).Msg("provider send failed")
		writeError(w, http.StatusBadGateway, "delivery_failed")
		return
	}

	if !delivery.Delivered {
		reason := delivery.Reason
		if reason == "" {
			reason = "not_delivered"
		}
		writeError(w, http.StatusBadGateway, reason)
		return
	}

	writeJSON(w, http.StatusOK, SendResponse{OK: true, TS: delivery.DeliveryID, Channel: delivery.Channel})
}

// CreateJob schedules a message for later delivery.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if err := decodeBody(r, &req); err != nil || req.Channel == "" || req.Text == "" || req.PostAt <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	fireAt := time.Unix(req.PostAt, 0)
	jobID, err := h.deps.Scheduler.Create(r.Context(), tenantFrom(r.Context()), req.Channel, req.Text, fireAt)
	if err != nil {
		writeServiceError(w, h.logger, err, "failed to schedule message")
		return
	}

	writeJSON(w, http.StatusOK, ScheduleResponse{OK: true, JobID: jobID})
}

// ListJobs returns the tenant's pending jobs, earliest first.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := h.deps.Scheduler.List(tenantFrom(r.Context()))

	resp := make([]JobResponse, 0, len(jobs))
	for _, j := range jobs {
		resp = append(resp, toJobResponse(j))
	}
	writeJSON(w, http.StatusOK, resp)
}

// CancelJob cancels one of the tenant's pending jobs.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	err := h.deps.Scheduler.CancelForTenant(r.Context(), tenantFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, h.logger, err, "failed to cancel job")
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

// Health reports liveness and the number of pending jobs.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:      "ok",
		Time:        h.now().UTC().Format(time.RFC3339),
		PendingJobs: h.deps.Scheduler.Pending(),
	})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	return dec.Decode(v)
}

// isServiceError reports whether err is one of the domain sentinels rather
// than a provider failure.
func isServiceError(err error) bool {
	return errors.Is(err, model.ErrWorkspaceNotConnected) ||
		errors.Is(err, model.ErrJobNotFound) ||
		errors.Is(err, model.ErrStorageFailure) ||
		errors.Is(err, model.ErrSchedulerStopped)
}
