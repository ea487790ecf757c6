package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"dqalarm/internal/domain"
	"dqalarm/internal/unsubscribe"
)

func newTestRouter(t *testing.T) (http.Handler, *runtime, *atomic.Bool) {
	t.Helper()
	cfg := testConfig(t)
	rt := newTestRuntime(t, cfg)
	ready := &atomic.Bool{}
	unsub := unsubscribe.NewService(rt.tokens, rt.manager, rt.directory, discardLogger())
	return newRouter(cfg, rt.manager, rt.measurements, unsub, ready, discardLogger()), rt, ready
}

func serve(router http.Handler, method, target, body string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	return recorder
}

func TestRouterHealthAndReadiness(t *testing.T) {
	t.Parallel()

	router, _, ready := newTestRouter(t)
	if got := serve(router, http.MethodGet, "/healthz", ""); got.Code != http.StatusOK {
		t.Fatalf("health: expected 200, got %d", got.Code)
	}
	if got := serve(router, http.MethodGet, "/readyz", ""); got.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready before start: expected 503, got %d", got.Code)
	}
	ready.Store(true)
	if got := serve(router, http.MethodGet, "/readyz", ""); got.Code != http.StatusOK {
		t.Fatalf("ready after start: expected 200, got %d", got.Code)
	}
}

func TestRouterIngestThenHistory(t *testing.T) {
	t.Parallel()

	router, rt, _ := newTestRouter(t)
	body := `[{"metric":"latency","channel":"AK.A.00.BHZ","value":12,"starttime":"2026-03-01T11:30:00Z","endtime":"2026-03-01T11:31:00Z"}]`
	if got := serve(router, http.MethodPost, "/measurements", body); got.Code >= 300 {
		t.Fatalf("ingest: unexpected status %d: %s", got.Code, got.Body.String())
	}

	if got := serve(router, http.MethodGet, "/api/v1/cycles/last", ""); got.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before the first cycle, got %d", got.Code)
	}
	if _, err := rt.manager.RunCycle(context.Background(), nil, cycleEnd); err != nil {
		t.Fatalf("run cycle: %v", err)
	}

	response := serve(router, http.MethodGet, "/api/v1/triggers/lat.high/alerts?limit=5", "")
	if response.Code != http.StatusOK {
		t.Fatalf("history: unexpected status %d", response.Code)
	}
	var alerts []domain.Alert
	if err := json.Unmarshal(response.Body.Bytes(), &alerts); err != nil {
		t.Fatalf("decode alerts: %v", err)
	}
	if len(alerts) != 1 || !alerts[0].InAlarm || alerts[0].TriggerID != "lat.high" {
		t.Fatalf("unexpected alerts %+v", alerts)
	}

	response = serve(router, http.MethodGet, "/api/v1/cycles/last", "")
	var summary CycleSummary
	if err := json.Unmarshal(response.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.Outcome != "ok" || len(summary.Monitors) != 1 || !summary.Monitors[0].Triggers[0].NewAlert {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestRouterHistoryErrors(t *testing.T) {
	t.Parallel()

	router, _, _ := newTestRouter(t)
	if got := serve(router, http.MethodGet, "/api/v1/triggers/lat.nope/alerts", ""); got.Code != http.StatusNotFound {
		t.Fatalf("unknown trigger: expected 404, got %d", got.Code)
	}
	if got := serve(router, http.MethodGet, "/api/v1/triggers/lat.high/alerts?limit=zero", ""); got.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: expected 400, got %d", got.Code)
	}
	response := serve(router, http.MethodGet, "/api/v1/triggers/lat.high/alerts", "")
	if response.Code != http.StatusOK || strings.TrimSpace(response.Body.String()) != "[]" {
		t.Fatalf("empty history: unexpected %d %q", response.Code, response.Body.String())
	}
}

func TestRouterListsMonitors(t *testing.T) {
	t.Parallel()

	router, _, _ := newTestRouter(t)
	response := serve(router, http.MethodGet, "/api/v1/monitors", "")
	var monitors []monitorView
	if err := json.Unmarshal(response.Body.Bytes(), &monitors); err != nil {
		t.Fatalf("decode monitors: %v", err)
	}
	if len(monitors) != 1 || monitors[0].ID != "lat" || len(monitors[0].Triggers) != 1 {
		t.Fatalf("unexpected monitors %+v", monitors)
	}
	if monitors[0].Triggers[0].ID != "lat.high" || monitors[0].Triggers[0].Recipients != 2 {
		t.Fatalf("unexpected trigger view %+v", monitors[0].Triggers[0])
	}
}

func TestRouterUnsubscribeRemovesRecipient(t *testing.T) {
	t.Parallel()

	router, rt, _ := newTestRouter(t)
	token, err := rt.tokens.Issue("lat.high", "ops@example.org")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	form := url.Values{"token": {token}, "email": {"ops@example.org"}}
	request := httptest.NewRequest(http.MethodPost, "/unsubscribe/lat.high", strings.NewReader(form.Encode()))
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unsubscribe: unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}

	trigger, _ := rt.manager.Catalog().Trigger("lat.high")
	remaining, err := rt.directory.Recipients(context.Background(), trigger)
	if err != nil {
		t.Fatalf("recipients: %v", err)
	}
	if strings.Join(remaining, ",") != "dq@example.org" {
		t.Fatalf("unexpected remaining recipients %v", remaining)
	}
}
