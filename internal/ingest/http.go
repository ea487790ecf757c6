package ingest

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"dqalarm/internal/domain"
)

// Sink stores decoded measurements.
type Sink interface {
	Append(ctx context.Context, measurements []domain.Measurement) error
}

// HTTPHandler decodes JSON measurements and forwards them to sink.
// Params: sink receives validated measurements, max body limits payload size.
// Returns: HTTP handler for the ingest endpoint.
type HTTPHandler struct {
	sink        Sink
	maxBodySize int64
	logger      *slog.Logger
}

// NewHTTPHandler creates the ingest HTTP handler.
func NewHTTPHandler(sink Sink, maxBodySize int64, logger *slog.Logger) *HTTPHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandler{sink: sink, maxBodySize: maxBodySize, logger: logger}
}

// ServeHTTP handles one measurement or one batch.
func (h *HTTPHandler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		writer.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	request.Body = http.MaxBytesReader(writer, request.Body, h.maxBodySize)
	defer request.Body.Close()
	body, err := io.ReadAll(request.Body)
	if err != nil {
		writer.WriteHeader(http.StatusBadRequest)
		return
	}

	items, err := DecodeMeasurements(body)
	if err != nil {
		h.logger.Debug("measurement payload rejected", "error", err.Error())
		http.Error(writer, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.sink.Append(request.Context(), items); err != nil {
		h.logger.Error("measurement append failed", "count", len(items), "error", err.Error())
		writer.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	writer.WriteHeader(http.StatusAccepted)
}
