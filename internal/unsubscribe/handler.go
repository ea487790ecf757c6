package unsubscribe

import (
	"encoding/json"
	"errors"
	"html/template"
	"mime"
	"net/http"
	"strconv"

	"dqalarm/internal/domain"
	"dqalarm/internal/recipients"

	"github.com/go-chi/chi/v5"
)

var pageTemplate = template.Must(template.New("unsubscribe").Parse(`<!doctype html>
<html><head><meta charset="utf-8"><title>Unsubscribe</title></head>
<body>
{{- if .Error }}
<p>{{ .Error }}</p>
{{- else if .Done }}
<p>{{ .Email }} will no longer receive alerts from {{ len .Triggers }} trigger(s).</p>
{{- else }}
<form method="post" action="">
<p>Stop sending alerts for <strong>{{ .TriggerName }}</strong> to <strong>{{ .Email }}</strong>?</p>
<input type="hidden" name="token" value="{{ .Token }}">
<input type="hidden" name="email" value="{{ .Email }}">
<label><input type="checkbox" name="unsubscribe_all" value="true"> Also unsubscribe from every trigger of {{ .MonitorName }}</label>
<button type="submit">Unsubscribe</button>
</form>
{{- end }}
</body></html>
`))

type pageData struct {
	TriggerName string
	MonitorName string
	Email       string
	Token       string
	Error       string
	Done        bool
	Triggers    []string
}

type errorResponse struct {
	Ok      bool   `json:"ok"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Handler exposes the unsubscribe confirmation page and submission endpoint.
type Handler struct {
	service     *Service
	maxBodySize int64
}

// NewHandler creates the HTTP surface for service.
func NewHandler(service *Service, maxBodySize int64) *Handler {
	if maxBodySize <= 0 {
		maxBodySize = 16 << 10
	}
	return &Handler{service: service, maxBodySize: maxBodySize}
}

// RegisterRoutes mounts GET and POST /unsubscribe/{triggerID}.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/unsubscribe/{triggerID}", h.confirm)
	r.Post("/unsubscribe/{triggerID}", h.submit)
}

func (h *Handler) confirm(w http.ResponseWriter, r *http.Request) {
	triggerID := chi.URLParam(r, "triggerID")
	token := r.URL.Query().Get("token")

	tokenTrigger, email, err := h.service.Tokens().Parse(token)
	if err == nil && tokenTrigger != triggerID {
		err = &domain.TokenError{Reason: "token does not match trigger"}
	}
	if err != nil {
		renderPage(w, http.StatusForbidden, pageData{Error: "This unsubscribe link is not valid."})
		return
	}
	trigger, ok := h.service.catalog.Catalog().Trigger(triggerID)
	if !ok {
		renderPage(w, http.StatusNotFound, pageData{Error: "This alert no longer exists."})
		return
	}
	monitorName := trigger.MonitorID
	if monitor, ok := h.service.catalog.Catalog().Monitor(trigger.MonitorID); ok && monitor.Name != "" {
		monitorName = monitor.Name
	}
	renderPage(w, http.StatusOK, pageData{
		TriggerName: trigger.Name,
		MonitorName: monitorName,
		Email:       email,
		Token:       token,
	})
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	defer r.Body.Close()

	asJSON := isJSON(r)
	req := Request{}
	if asJSON {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Code: "bad_request", Message: "invalid JSON body"})
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			renderPage(w, http.StatusBadRequest, pageData{Error: "Invalid request."})
			return
		}
		req.Token = r.PostForm.Get("token")
		req.Email = r.PostForm.Get("email")
		req.All, _ = strconv.ParseBool(r.PostForm.Get("unsubscribe_all"))
	}
	req.TriggerID = chi.URLParam(r, "triggerID")

	result, err := h.service.Unsubscribe(r.Context(), req)
	if err != nil {
		status, code := classify(err)
		if asJSON {
			writeJSON(w, status, errorResponse{Code: code, Message: err.Error()})
		} else {
			renderPage(w, status, pageData{Error: "Unsubscribe failed: " + err.Error()})
		}
		return
	}
	if asJSON {
		writeJSON(w, http.StatusOK, struct {
			Ok bool `json:"ok"`
			Result
		}{Ok: true, Result: result})
		return
	}
	renderPage(w, http.StatusOK, pageData{Done: true, Email: result.Email, Triggers: result.Triggers})
}

func classify(err error) (int, string) {
	var tokenErr *domain.TokenError
	switch {
	case errors.As(err, &tokenErr):
		return http.StatusForbidden, "invalid_token"
	case errors.Is(err, recipients.ErrUnknownTrigger):
		return http.StatusNotFound, "unknown_trigger"
	default:
		return http.StatusServiceUnavailable, "unavailable"
	}
}

func isJSON(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "application/json"
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func renderPage(w http.ResponseWriter, status int, data pageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_ = pageTemplate.Execute(w, data)
}
