package httphandler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/ericfisherdev/msgscheduler/internal/domain/model"
)

// writeJSON marshals v to JSON and writes it to the response with the given
// status code. If marshaling fails, a 500 error is written instead.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal_error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError writes a JSON error response with the given status code and code.
func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, errorResponse{Error: code})
}

// writeServiceError maps application errors to status codes. Unexpected
// errors are logged and reported as 500.
func writeServiceError(w http.ResponseWriter, logger zerolog.Logger, err error, msg string) {
	switch {
	case errors.Is(err, model.ErrWorkspaceNotConnected):
		writeError(w, http.StatusNotFound, "workspace_not_connected")
	case errors.Is(err, model.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job_not_found")
	case errors.Is(err, model.ErrStorageFailure):
		logger.Error().Err(err).Msg(msg)
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable")
	case errors.Is(err, model.ErrSchedulerStopped):
		writeError(w, http.StatusServiceUnavailable, "scheduler_stopped")
	default:
		logger.Error().Err(err).Msg(msg)
		writeError(w, http.StatusInternalServerError, "internal_error")
	}
}

// errorResponse is the standard error response body.
type errorResponse struct {
	Error string `json:"error"`
}

// okResponse acknowledges a mutation.
type okResponse struct {
	OK bool `json:"ok"`
}

// AuthorizeResponse carries the provider consent URL.
type AuthorizeResponse struct {
	URL string `json:"url"`
}

// MeResponse identifies the signed-in tenant.
type MeResponse struct {
	TeamID   string `json:"teamId"`
	TeamName string `json:"teamName"`
}

// ConnectTokenRequest is the body of POST /auth/telegram/connect.
type ConnectTokenRequest struct {
	Token string `json:"token"`
}

// ChannelResponse is one entry of GET /channels.
type ChannelResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsPrivate bool   `json:"is_private"`
	IsMember  bool   `json:"is_member"`
}

// SendRequest is the body of POST /messages/send.
type SendRequest struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
}

// SendResponse reports an immediate delivery.
type SendResponse struct {
	OK      bool   `json:"ok"`
	TS      string `json:"ts"`
	Channel string `json:"channel"`
}

// ScheduleRequest is the body of POST /messages/schedule. PostAt is Unix
// seconds.
type ScheduleRequest struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
	PostAt  int64  `json:"postAt"`
}

// ScheduleResponse returns the new job id.
type ScheduleResponse struct {
	OK    bool   `json:"ok"`
	JobID string `json:"jobId"`
}

// JobResponse is one pending job. Channel and text are never exposed.
type JobResponse struct {
	ID   string `json:"id"`
	Next string `json:"next"`
}

// HealthResponse is the JSON representation of the health check endpoint.
type HealthResponse struct {
	Status      string `json:"status"`
	Time        string `json:"time"`
	PendingJobs int    `json:"pending_jobs"`
}

func toChannelResponse(c model.Channel) ChannelResponse {
	return ChannelResponse{
		ID:        c.ID,
		Name:      c.Name,
		IsPrivate: c.IsPrivate,
		IsMember:  c.IsMember,
	}
}

func toJobResponse(j model.JobSummary) JobResponse {
	return JobResponse{
		ID:   j.ID,
		Next: j.NextFireTime.UTC().Format(time.RFC3339),
	}
}
