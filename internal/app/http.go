package app

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"

	"dqalarm/internal/config"
	"dqalarm/internal/domain"
	"dqalarm/internal/ingest"
	"dqalarm/internal/recipients"
	"dqalarm/internal/unsubscribe"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

type monitorView struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Metric       string        `json:"metric"`
	ChannelGroup string        `json:"channel_group"`
	Channels     []string      `json:"channels"`
	Interval     string        `json:"interval"`
	Stat         string        `json:"stat"`
	Triggers     []triggerView `json:"triggers"`
}

type triggerView struct {
	ID                  string   `json:"id"`
	Name                string   `json:"name"`
	Level               int      `json:"level"`
	ValueOperator       string   `json:"value_operator"`
	Val1                float64  `json:"val1"`
	Val2                *float64 `json:"val2,omitempty"`
	NumChannelsOperator string   `json:"num_channels_operator"`
	NumChannels         *int     `json:"num_channels,omitempty"`
	Condition           string   `json:"condition"`
	Recipients          int      `json:"recipients"`
}

type apiError struct {
	Error string `json:"error"`
}

// newRouter mounts health, ingest, unsubscribe, and read-only API routes.
// Params: config, manager, ingest sink (nil disables ingest), unsubscribe service, readiness flag, and logger.
// Returns: chi router.
func newRouter(cfg config.Config, manager *Manager, sink ingest.Sink, unsub *unsubscribe.Service, ready *atomic.Bool, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get(cfg.HTTP.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get(cfg.HTTP.ReadyPath, func(w http.ResponseWriter, _ *http.Request) {
		if !ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not-ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	if sink != nil {
		r.Method(http.MethodPost, cfg.HTTP.MeasurementsPath, ingest.NewHTTPHandler(sink, cfg.HTTP.MaxBodyBytes, logger))
	}
	if unsub != nil {
		unsubscribe.NewHandler(unsub, cfg.Unsubscribe.MaxBodyBytes).RegisterRoutes(r)
	}

	api := &apiHandler{manager: manager}
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/monitors", api.monitors)
		r.Get("/triggers/{triggerID}/alerts", api.alerts)
		r.Get("/cycles/last", api.lastCycle)
	})
	return r
}

type apiHandler struct {
	manager *Manager
}

func (h *apiHandler) monitors(w http.ResponseWriter, _ *http.Request) {
	monitors := h.manager.Catalog().Monitors()
	out := make([]monitorView, 0, len(monitors))
	for _, monitor := range monitors {
		view := monitorView{
			ID:           monitor.ID,
			Name:         monitor.Name,
			Metric:       monitor.Metric.ID,
			ChannelGroup: monitor.Group.ID,
			Channels:     monitor.Group.Channels,
			Interval:     strconv.Itoa(monitor.IntervalCount) + " " + string(monitor.IntervalType),
			Stat:         string(monitor.Stat),
			Triggers:     make([]triggerView, 0, len(monitor.Triggers)),
		}
		for _, trigger := range monitor.Triggers {
			view.Triggers = append(view.Triggers, triggerView{
				ID:                  trigger.ID,
				Name:                trigger.Name,
				Level:               trigger.Level,
				ValueOperator:       string(trigger.ValueOperator),
				Val1:                trigger.Val1,
				Val2:                trigger.Val2,
				NumChannelsOperator: string(trigger.NumChannelsOperator),
				NumChannels:         trigger.NumChannels,
				Condition:           trigger.Condition(monitor.Stat),
				Recipients:          len(trigger.Emails),
			})
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *apiHandler) alerts(w http.ResponseWriter, r *http.Request) {
	triggerID := chi.URLParam(r, "triggerID")
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest, apiError{Error: "limit must be a positive integer"})
			return
		}
		limit = min(parsed, maxHistoryLimit)
	}
	alerts, err := h.manager.History(r.Context(), triggerID, limit)
	switch {
	case errors.Is(err, recipients.ErrUnknownTrigger):
		writeJSON(w, http.StatusNotFound, apiError{Error: err.Error()})
		return
	case err != nil:
		writeJSON(w, http.StatusServiceUnavailable, apiError{Error: err.Error()})
		return
	}
	if alerts == nil {
		alerts = []domain.Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (h *apiHandler) lastCycle(w http.ResponseWriter, _ *http.Request) {
	report, ok := h.manager.LastReport()
	if !ok {
		writeJSON(w, http.StatusNotFound, apiError{Error: "no cycle has run yet"})
		return
	}
	writeJSON(w, http.StatusOK, Summarize(report))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
