package engine

import (
	"strconv"
	"time"

	"dqalarm/internal/domain"
)

// Bound is the measurement selection for one evaluation.
// Wall-clock bounds select Start <= starttime < End; last-N bounds
// select the Limit most recent measurements per channel with starttime < End.
type Bound struct {
	Start *time.Time
	End   time.Time
	Limit int
}

// LastN reports whether the bound counts samples instead of elapsed time.
func (b Bound) LastN() bool {
	return b.Limit > 0
}

// Contains reports whether a measurement starting at starttime falls in a wall-clock bound.
func (b Bound) Contains(starttime time.Time) bool {
	if !starttime.Before(b.End) {
		return false
	}
	return b.Start == nil || !starttime.Before(*b.Start)
}

// ResolveInterval converts a monitor interval into a bound relative to endtime.
// Params: interval type, positive count, and evaluation instant.
// Returns: bound or *domain.ConfigurationError for unknown types and out-of-range counts.
func ResolveInterval(intervalType domain.IntervalType, count int, endtime time.Time) (Bound, error) {
	if count <= 0 {
		return Bound{}, &domain.ConfigurationError{Field: "interval_count", Reason: "must be >0"}
	}
	if intervalType == domain.IntervalLastN {
		return Bound{End: endtime, Limit: count}, nil
	}
	unit := intervalType.Unit()
	if unit == 0 {
		return Bound{}, &domain.ConfigurationError{Field: "interval_type", Reason: "unsupported value \"" + string(intervalType) + "\""}
	}
	if limit := intervalType.MaxCount(); count > limit {
		return Bound{}, &domain.ConfigurationError{Field: "interval_count", Reason: "must be <=" + strconv.Itoa(limit) + " for " + string(intervalType) + " intervals"}
	}
	start := endtime.Add(-time.Duration(count) * unit)
	return Bound{Start: &start, End: endtime}, nil
}
