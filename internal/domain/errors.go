package domain

import (
	"fmt"
	"strings"
)

// ConfigurationError rejects a monitor or trigger definition.
// Params: dotted field path, reason, and offending values (invalid emails).
// Returns: field-level validation failure.
type ConfigurationError struct {
	Field   string
	Reason  string
	Invalid []string
}

// Error renders field path, reason, and invalid values.
// Params: none.
// Returns: human-readable validation message.
func (e *ConfigurationError) Error() string {
	var b strings.Builder
	if e.Field != "" {
		b.WriteString(e.Field)
		b.WriteString(": ")
	}
	b.WriteString(e.Reason)
	if len(e.Invalid) > 0 {
		b.WriteString(" [")
		b.WriteString(strings.Join(e.Invalid, ", "))
		b.WriteString("]")
	}
	return b.String()
}

// WithPrefix returns a copy whose field path is nested under prefix.
// Params: parent field path.
// Returns: re-scoped configuration error.
func (e *ConfigurationError) WithPrefix(prefix string) *ConfigurationError {
	next := *e
	switch {
	case prefix == "":
	case next.Field == "":
		next.Field = prefix
	default:
		next.Field = prefix + "." + next.Field
	}
	return &next
}

// DataUnavailableError reports a failed measurement fetch for one monitor cycle.
type DataUnavailableError struct {
	MonitorID string
	Err       error
}

func (e *DataUnavailableError) Error() string {
	return fmt.Sprintf("monitor %q: measurements unavailable: %v", e.MonitorID, e.Err)
}

func (e *DataUnavailableError) Unwrap() error {
	return e.Err
}

// TokenError rejects an unsubscribe request. It never accompanies a mutation.
type TokenError struct {
	Reason string
}

func (e *TokenError) Error() string {
	return "unsubscribe token rejected: " + e.Reason
}

// StaleWriteError reports that the latest alert changed between read and write twice in a row.
// Params: trigger identity.
// Returns: retryable conflict; the next cycle re-evaluates.
type StaleWriteError struct {
	TriggerID string
}

func (e *StaleWriteError) Error() string {
	return fmt.Sprintf("trigger %q: latest alert changed during write", e.TriggerID)
}

// Retryable marks the conflict as safe to retry on the next cycle.
func (e *StaleWriteError) Retryable() bool {
	return true
}
