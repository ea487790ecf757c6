package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"dqalarm/internal/domain"
)

// DecodeMeasurements auto-detects batch vs single payload.
// Params: raw JSON bytes with one object or one array.
// Returns: validated measurements.
func DecodeMeasurements(raw []byte) ([]domain.Measurement, error) {
	payload := bytes.TrimSpace(raw)
	if len(payload) == 0 {
		return nil, errors.New("empty payload")
	}
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.DisallowUnknownFields()

	var items []domain.Measurement
	if payload[0] == '[' {
		if err := decoder.Decode(&items); err != nil {
			return nil, fmt.Errorf("decode measurement batch: %w", err)
		}
		if len(items) == 0 {
			return nil, errors.New("measurement batch must contain at least one measurement")
		}
	} else {
		var item domain.Measurement
		if err := decoder.Decode(&item); err != nil {
			return nil, fmt.Errorf("decode measurement: %w", err)
		}
		items = []domain.Measurement{item}
	}
	if err := ensureJSONEOF(decoder); err != nil {
		return nil, err
	}
	for i := range items {
		if err := items[i].Validate(); err != nil {
			return nil, fmt.Errorf("measurement[%d]: %w", i, err)
		}
	}
	return items, nil
}

// ensureJSONEOF rejects trailing tokens after a decoded JSON payload.
func ensureJSONEOF(decoder *json.Decoder) error {
	var extra json.RawMessage
	err := decoder.Decode(&extra)
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return fmt.Errorf("decode trailing json: %w", err)
	}
	return errors.New("unexpected trailing json tokens")
}
