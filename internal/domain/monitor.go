package domain

import (
	"errors"
	"math"
	"strconv"
	"strings"
	"time"
)

// IntervalType selects how a monitor bounds its measurements.
type IntervalType string

const (
	IntervalMinute IntervalType = "minute"
	IntervalHour   IntervalType = "hour"
	IntervalDay    IntervalType = "day"
	// IntervalLastN reads the N most recent measurements per channel.
	IntervalLastN IntervalType = "last_n"
)

// Valid reports whether the interval type is known.
func (t IntervalType) Valid() bool {
	switch t {
	case IntervalMinute, IntervalHour, IntervalDay, IntervalLastN:
		return true
	default:
		return false
	}
}

// Unit returns the wall-clock length of one interval step; zero for last-N and unknown types.
func (t IntervalType) Unit() time.Duration {
	switch t {
	case IntervalMinute:
		return time.Minute
	case IntervalHour:
		return time.Hour
	case IntervalDay:
		return 24 * time.Hour
	default:
		return 0
	}
}

// MaxCount is the largest interval count whose window still fits in a time.Duration.
func (t IntervalType) MaxCount() int {
	unit := t.Unit()
	if unit <= 0 {
		return math.MaxInt
	}
	return int(min(int64(math.MaxInt), int64(math.MaxInt64)/int64(unit)))
}

// Stat names one field of a channel aggregate.
type Stat string

const (
	StatCount  Stat = "count"
	StatSum    Stat = "sum"
	StatAvg    Stat = "avg"
	StatMin    Stat = "min"
	StatMax    Stat = "max"
	StatMinAbs Stat = "minabs"
	StatMaxAbs Stat = "maxabs"
	StatMedian Stat = "median"
	StatP90    Stat = "p90"
	StatP95    Stat = "p95"
)

// Valid reports whether the stat is known.
func (s Stat) Valid() bool {
	switch s {
	case StatCount, StatSum, StatAvg, StatMin, StatMax, StatMinAbs, StatMaxAbs, StatMedian, StatP90, StatP95:
		return true
	default:
		return false
	}
}

// Metric identifies a measured quantity.
type Metric struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Unit        string `json:"unit,omitempty"`
	Code        string `json:"code,omitempty"`
	Description string `json:"description,omitempty"`
}

// ChannelGroup is an opaque, ordered set of channel identifiers.
type ChannelGroup struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Channels []string `json:"channels"`
}

// Measurement is one metric value for one channel over [Starttime, Endtime].
type Measurement struct {
	Metric    string    `json:"metric"`
	Channel   string    `json:"channel"`
	Value     float64   `json:"value"`
	Starttime time.Time `json:"starttime"`
	Endtime   time.Time `json:"endtime"`
}

// Monitor binds a channel group and metric to an interval and a statistic.
// Params: identity, metric, group, interval, stat, and owned triggers.
// Returns: evaluation unit for one cycle.
type Monitor struct {
	ID            string
	Name          string
	Metric        Metric
	Group         ChannelGroup
	IntervalType  IntervalType
	IntervalCount int
	Stat          Stat
	Triggers      []*Trigger
}

// Validate checks monitor invariants and every owned trigger.
// Params: none.
// Returns: first *ConfigurationError found, with field path relative to the monitor.
func (m *Monitor) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return &ConfigurationError{Field: "id", Reason: "is required"}
	}
	if strings.TrimSpace(m.Metric.ID) == "" {
		return &ConfigurationError{Field: "metric", Reason: "is required"}
	}
	if !m.IntervalType.Valid() {
		return &ConfigurationError{Field: "interval_type", Reason: "unsupported value " + quote(string(m.IntervalType))}
	}
	if m.IntervalCount <= 0 {
		return &ConfigurationError{Field: "interval_count", Reason: "must be >0"}
	}
	if limit := m.IntervalType.MaxCount(); m.IntervalCount > limit {
		return &ConfigurationError{Field: "interval_count", Reason: "must be <=" + strconv.Itoa(limit) + " for " + string(m.IntervalType) + " intervals"}
	}
	if !m.Stat.Valid() {
		return &ConfigurationError{Field: "stat", Reason: "unsupported value " + quote(string(m.Stat))}
	}
	seen := make(map[string]struct{}, len(m.Triggers))
	for _, trigger := range m.Triggers {
		if trigger.MonitorID != m.ID {
			return &ConfigurationError{Field: "trigger." + trigger.Name, Reason: "belongs to monitor " + quote(trigger.MonitorID)}
		}
		if _, dup := seen[trigger.ID]; dup {
			return &ConfigurationError{Field: "trigger." + trigger.Name, Reason: "duplicate trigger id"}
		}
		seen[trigger.ID] = struct{}{}
		if err := trigger.Validate(); err != nil {
			if cfgErr, ok := err.(*ConfigurationError); ok {
				return cfgErr.WithPrefix("trigger." + trigger.Name)
			}
			return err
		}
	}
	return nil
}

// TriggerID derives the stable trigger identity from monitor and trigger names.
func TriggerID(monitorID, triggerName string) string {
	return monitorID + "." + triggerName
}

func quote(value string) string {
	return `"` + value + `"`
}

// Validate checks one ingested measurement.
func (m Measurement) Validate() error {
	if strings.TrimSpace(m.Metric) == "" {
		return errors.New("metric is required")
	}
	if strings.TrimSpace(m.Channel) == "" {
		return errors.New("channel is required")
	}
	if math.IsNaN(m.Value) || math.IsInf(m.Value, 0) {
		return errors.New("value must be finite")
	}
	if m.Starttime.IsZero() {
		return errors.New("starttime is required")
	}
	if !m.Endtime.IsZero() && m.Endtime.Before(m.Starttime) {
		return errors.New("endtime must not precede starttime")
	}
	return nil
}
