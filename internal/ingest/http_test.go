package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"dqalarm/internal/domain"
)

type httpTestSink struct {
	calls int
	items []domain.Measurement
	err   error
}

func (s *httpTestSink) Append(_ context.Context, items []domain.Measurement) error {
	s.calls++
	if s.err != nil {
		return s.err
	}
	s.items = append(s.items, items...)
	return nil
}

func TestHTTPHandlerAcceptsSingleMeasurement(t *testing.T) {
	t.Parallel()

	sink := &httpTestSink{}
	handler := NewHTTPHandler(sink, 1<<20, nil)
	request := httptest.NewRequest(http.MethodPost, "/measurements", strings.NewReader(testMeasurementJSON("UW.A..HHZ")))
	response := httptest.NewRecorder()

	handler.ServeHTTP(response, request)
	if response.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d", http.StatusAccepted, response.Code)
	}
	if sink.calls != 1 || len(sink.items) != 1 {
		t.Fatalf("unexpected sink calls=%d items=%d", sink.calls, len(sink.items))
	}
	if sink.items[0].Channel != "UW.A..HHZ" || sink.items[0].Value != 1.25 {
		t.Fatalf("unexpected measurement %+v", sink.items[0])
	}
}

func TestHTTPHandlerAcceptsBatch(t *testing.T) {
	t.Parallel()

	sink := &httpTestSink{}
	handler := NewHTTPHandler(sink, 1<<20, nil)
	payload := fmt.Sprintf("[%s,%s]", testMeasurementJSON("A"), testMeasurementJSON("B"))
	request := httptest.NewRequest(http.MethodPost, "/measurements", strings.NewReader(payload))
	response := httptest.NewRecorder()

	handler.ServeHTTP(response, request)
	if response.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d", http.StatusAccepted, response.Code)
	}
	if sink.calls != 1 || len(sink.items) != 2 {
		t.Fatalf("expected one batch append with two items, got calls=%d items=%d", sink.calls, len(sink.items))
	}
}

func TestHTTPHandlerRejectsInvalidPayloads(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"empty batch":     "[]",
		"trailing tokens": testMeasurementJSON("A") + " {}",
		"missing channel": `{"metric":"rms","value":1,"starttime":"2026-03-01T00:00:00Z"}`,
		"unknown field":   `{"metric":"rms","channel":"A","value":1,"starttime":"2026-03-01T00:00:00Z","x":1}`,
		"reversed times":  `{"metric":"rms","channel":"A","value":1,"starttime":"2026-03-01T00:01:00Z","endtime":"2026-03-01T00:00:00Z"}`,
	}
	for name, payload := range cases {
		payload := payload
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			sink := &httpTestSink{}
			handler := NewHTTPHandler(sink, 1<<20, nil)
			response := httptest.NewRecorder()
			handler.ServeHTTP(response, httptest.NewRequest(http.MethodPost, "/measurements", strings.NewReader(payload)))
			if response.Code != http.StatusBadRequest {
				t.Fatalf("expected status %d, got %d", http.StatusBadRequest, response.Code)
			}
			if sink.calls != 0 {
				t.Fatalf("sink must not be called for invalid payload")
			}
		})
	}
}

func TestHTTPHandlerRejectsOversizedBody(t *testing.T) {
	t.Parallel()

	handler := NewHTTPHandler(&httpTestSink{}, 16, nil)
	response := httptest.NewRecorder()
	handler.ServeHTTP(response, httptest.NewRequest(http.MethodPost, "/measurements", strings.NewReader(testMeasurementJSON("A"))))
	if response.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, response.Code)
	}
}

func TestHTTPHandlerReturnsServiceUnavailableOnAppendError(t *testing.T) {
	t.Parallel()

	sink := &httpTestSink{err: errors.New("sink unavailable")}
	handler := NewHTTPHandler(sink, 1<<20, nil)
	response := httptest.NewRecorder()
	handler.ServeHTTP(response, httptest.NewRequest(http.MethodPost, "/measurements", strings.NewReader(testMeasurementJSON("A"))))
	if response.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, response.Code)
	}
}

func testMeasurementJSON(channel string) string {
	return fmt.Sprintf(`{"metric":"rms","channel":"%s","value":1.25,"starttime":"2026-03-01T00:00:00Z","endtime":"2026-03-01T00:01:00Z"}`, channel)
}
