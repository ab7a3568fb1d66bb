package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/loqalabs/loqa-voicebot/internal/control"
	"github.com/loqalabs/loqa-voicebot/internal/eventstore"
	"github.com/loqalabs/loqa-voicebot/internal/protocol"
	"github.com/loqalabs/loqa-voicebot/internal/synthesis"
)

const defaultEventLimit = 50

type eventLister interface {
	ListGuildEvents(ctx context.Context, guildID string, limit int) ([]eventstore.Event, error)
}

// api serves the operator HTTP surface next to the health and metrics endpoints.
type api struct {
	dispatcher *control.Dispatcher
	events     eventLister
	metrics    http.Handler
	ready      func() map[string]bool
	logger     *slog.Logger
}

func (a *api) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(a.logRequests)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", a.handleHealth)
	r.Get("/readyz", a.handleReady)
	if a.metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/styles", a.handleStyles)
		r.Put("/users/{userID}/style", a.handleUserStyle)
		r.Route("/guilds/{guildID}", func(r chi.Router) {
			r.Post("/speak", a.handleSpeak)
			r.Post("/skip", a.handleControl(protocol.ActionSkip))
			r.Post("/clear", a.handleControl(protocol.ActionClear))
			r.Get("/queue", a.handleControl(protocol.ActionQueue))
			r.Get("/events", a.handleEvents)
			r.Put("/style", a.handleGuildStyle)
		})
	})
	return r
}

func (a *api) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("request_id", chimiddleware.GetReqID(r.Context())))
	})
}

func (a *api) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *api) handleReady(w http.ResponseWriter, _ *http.Request) {
	checks := a.ready()
	status := http.StatusOK
	for _, ok := range checks {
		if !ok {
			status = http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, status, checks)
}

type speakBody struct {
	Text    string `json:"text"`
	StyleID string `json:"style_id,omitempty"`
	UserID  string `json:"user_id,omitempty"`
}

type speakResponse struct {
	JobID   string `json:"job_id"`
	Text    string `json:"text"`
	StyleID string `json:"style_id"`
}

func (a *api) handleSpeak(w http.ResponseWriter, r *http.Request) {
	var body speakBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	job, err := a.dispatcher.Speak(r.Context(), control.SpeakInput{
		GuildID: chi.URLParam(r, "guildID"),
		UserID:  body.UserID,
		Text:    body.Text,
		StyleID: body.StyleID,
		Source:  "http",
	})
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, speakResponse{JobID: job.ID, Text: job.Text, StyleID: job.StyleID})
}

func (a *api) handleControl(action protocol.ControlAction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reply := a.dispatcher.Handle(protocol.ControlRequest{GuildID: chi.URLParam(r, "guildID"), Action: action})
		if reply.Error != "" {
			writeJSON(w, http.StatusBadRequest, reply)
			return
		}
		writeJSON(w, http.StatusOK, reply)
	}
}

func (a *api) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	events, err := a.events.ListGuildEvents(r.Context(), chi.URLParam(r, "guildID"), limit)
	if err != nil {
		a.logger.Error("failed to list events", slogError(err))
		writeError(w, http.StatusInternalServerError, "event store unavailable")
		return
	}
	if events == nil {
		events = []eventstore.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (a *api) handleStyles(w http.ResponseWriter, r *http.Request) {
	styles, err := a.dispatcher.Styles(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"styles": styles})
}

type styleBody struct {
	StyleID string `json:"style_id"`
}

func (a *api) handleGuildStyle(w http.ResponseWriter, r *http.Request) {
	a.setStyle(w, r, "guild", chi.URLParam(r, "guildID"))
}

func (a *api) handleUserStyle(w http.ResponseWriter, r *http.Request) {
	a.setStyle(w, r, "user", chi.URLParam(r, "userID"))
}

func (a *api) setStyle(w http.ResponseWriter, r *http.Request, scope, id string) {
	var body styleBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	info, err := a.dispatcher.SetStyle(r.Context(), scope, id, body.StyleID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scope": scope, "id": id, "style": info})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, synthesis.ErrEmptyText),
		errors.Is(err, control.ErrMissingGuild),
		errors.Is(err, control.ErrInvalidStyle),
		errors.Is(err, control.ErrUnknownStyle),
		errors.Is(err, control.ErrInvalidScope):
		return http.StatusBadRequest
	case errors.Is(err, synthesis.ErrQueueFull):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
