package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/videodb/capture-agent/internal/agent"
	"github.com/videodb/capture-agent/internal/capture"
	"github.com/videodb/capture-agent/internal/cloud"
	"github.com/videodb/capture-agent/internal/recorder"
)

const maxBodyBytes = 1 << 20

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func NewRouter(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(LoopbackGuard())
	r.Use(CORSAllowlist())

	r.Get("/health", healthHandler(cfg))

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Tokens, cfg.Logger))

		r.Get("/status", statusHandler(cfg))
		r.Get("/channels", listChannelsHandler(cfg))
		r.Post("/permissions", permissionHandler(cfg))
		r.Post("/capture/start", startCaptureHandler(cfg))
		r.Post("/capture/stop", stopCaptureHandler(cfg))
		r.Post("/channels/{id}/pause", pauseChannelHandler(cfg, true))
		r.Post("/channels/{id}/resume", pauseChannelHandler(cfg, false))
		r.Get("/sessions", listSessionsHandler(cfg))
		r.Get("/sessions/{id}", getSessionHandler(cfg))
		r.Get("/sessions/{id}/events", listEventsHandler(cfg))
		r.Get("/sessions/{id}/remote", remoteSessionHandler(cfg))
	})

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			Version: cfg.Version,
			UptimeS: int64(time.Since(cfg.StartTime).Seconds()),
		})
	}
}

func statusHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, cfg.Service.Status())
	}
}

func listChannelsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channels, err := cfg.Service.Channels(r.Context())
		if err != nil {
			writeServiceError(w, r, cfg.Logger, err)
			return
		}

		resp := ChannelsResponse{Channels: make([]ChannelResponse, len(channels))}
		for i, c := range channels {
			resp.Channels[i] = ChannelToResponse(c)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func permissionHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req PermissionRequest
		if !decodeRequest(w, r, &req) {
			return
		}

		granted, err := cfg.Service.RequestPermission(r.Context(), req.Kind)
		if err != nil {
			writeServiceError(w, r, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, PermissionResponse{Kind: req.Kind, Granted: granted})
	}
}

func startCaptureHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req StartCaptureRequest
		if !decodeRequest(w, r, &req) {
			return
		}

		session, err := cfg.Service.Start(r.Context(), req.toAgent())
		if err != nil {
			writeServiceError(w, r, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusCreated, SessionToResponse(session))
	}
}

func stopCaptureHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, err := cfg.Service.Stop(r.Context())
		if err != nil {
			writeServiceError(w, r, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, SessionToResponse(session))
	}
}

func pauseChannelHandler(cfg ServerConfig, pause bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			WriteError(w, http.StatusBadRequest, "channel id required", "BAD_REQUEST")
			return
		}

		op := cfg.Service.ResumeChannel
		if pause {
			op = cfg.Service.PauseChannel
		}
		if err := op(r.Context(), id); err != nil {
			writeServiceError(w, r, cfg.Logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func listSessionsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, ok := queryLimit(w, r)
		if !ok {
			return
		}

		sessions, err := cfg.Service.Sessions(r.Context(), limit)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list sessions", "INTERNAL_ERROR")
			return
		}

		resp := SessionsResponse{Sessions: make([]SessionResponse, len(sessions))}
		for i, s := range sessions {
			resp.Sessions[i] = SessionToResponse(s)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func getSessionHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		session, err := cfg.Service.Session(r.Context(), id)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		if session == nil {
			WriteError(w, http.StatusNotFound, "session not found", "NOT_FOUND")
			return
		}
		WriteJSON(w, http.StatusOK, SessionToResponse(session))
	}
}

func listEventsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		limit, ok := queryLimit(w, r)
		if !ok {
			return
		}

		session, err := cfg.Service.Session(r.Context(), id)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		if session == nil {
			WriteError(w, http.StatusNotFound, "session not found", "NOT_FOUND")
			return
		}

		events, err := cfg.Service.SessionEvents(r.Context(), id, limit)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list events", "INTERNAL_ERROR")
			return
		}

		resp := EventsResponse{SessionID: id, Events: make([]EventResponse, len(events))}
		for i, e := range events {
			resp.Events[i] = EventToResponse(e)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func remoteSessionHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		remote, err := cfg.Service.RemoteSession(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeServiceError(w, r, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, remote)
	}
}

func queryLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > 1000 {
		WriteError(w, http.StatusBadRequest, "limit must be between 1 and 1000", "VALIDATION_ERROR")
		return 0, false
	}
	return n, true
}

// decodeRequest reads a JSON body into dst and validates it, writing a 400
// and returning false on failure.
func decodeRequest(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "BAD_REQUEST")
		return false
	}

	if err := validate.Struct(dst); err != nil {
		WriteError(w, http.StatusBadRequest, validationMessage(err), "VALIDATION_ERROR")
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fe.Field()+" is required")
		case "min":
			msgs = append(msgs, fmt.Sprintf("%s must have at least %s item(s)", fe.Field(), fe.Param()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of: %s", fe.Field(), strings.ReplaceAll(fe.Param(), " ", ", ")))
		case "url":
			msgs = append(msgs, fe.Field()+" must be a valid URL")
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}

// writeServiceError maps capture, runtime and hosted API errors to HTTP
// responses.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var (
		vErr   *capture.ValidationError
		cmdErr *capture.CommandError
	)

	switch {
	case errors.As(err, &vErr):
		WriteError(w, http.StatusBadRequest, vErr.Error(), "VALIDATION_ERROR")
	case errors.Is(err, recorder.ErrRuntimeNotFound):
		WriteError(w, http.StatusServiceUnavailable, err.Error(), "RUNTIME_NOT_FOUND")
	case errors.Is(err, capture.ErrSessionActive):
		WriteError(w, http.StatusConflict, err.Error(), "SESSION_ACTIVE")
	case errors.Is(err, capture.ErrSessionNotActive):
		WriteError(w, http.StatusConflict, err.Error(), "SESSION_NOT_ACTIVE")
	case errors.Is(err, capture.ErrProcessExited):
		WriteError(w, http.StatusBadGateway, err.Error(), "RECORDER_EXITED")
	case errors.Is(err, capture.ErrStartFailed):
		WriteError(w, http.StatusBadGateway, err.Error(), "RECORDER_START_FAILED")
	case errors.As(err, &cmdErr):
		WriteError(w, http.StatusBadGateway, cmdErr.Error(), "RECORDER_ERROR")
	case errors.Is(err, agent.ErrCloudDisabled):
		WriteError(w, http.StatusServiceUnavailable, err.Error(), "VIDEODB_NOT_CONFIGURED")
	case errors.Is(err, cloud.ErrAuthentication):
		WriteError(w, http.StatusBadGateway, err.Error(), "VIDEODB_AUTH_FAILED")
	case errors.Is(err, cloud.ErrInvalidRequest):
		WriteError(w, http.StatusBadGateway, err.Error(), "VIDEODB_ERROR")
	case errors.Is(err, context.DeadlineExceeded):
		WriteError(w, http.StatusGatewayTimeout, "recorder did not respond in time", "TIMEOUT")
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
	default:
		requestID, _ := r.Context().Value(RequestIDKey).(string)
		logger.Error("request failed", "path", r.URL.Path, "error", err, "request_id", requestID)
		WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
	}
}
