package measurements

import (
	"context"
	"sort"
	"sync"
	"time"

	"dqalarm/internal/domain"
	"dqalarm/internal/engine"
)

// MemorySource keeps measurements in process, sorted by starttime per (metric, channel).
// Params: optional retention; zero keeps everything.
// Returns: engine.MeasurementSource used by ingest, demos, and tests.
type MemorySource struct {
	mu        sync.RWMutex
	series    map[string]map[string][]domain.Measurement
	retention time.Duration
}

// NewMemorySource creates an empty source.
func NewMemorySource(retention time.Duration) *MemorySource {
	return &MemorySource{
		series:    make(map[string]map[string][]domain.Measurement),
		retention: retention,
	}
}

// Append upserts measurements by (metric, channel, starttime) and prunes samples older than the retention.
func (s *MemorySource) Append(_ context.Context, measurements []domain.Measurement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range measurements {
		if m.Endtime.IsZero() {
			m.Endtime = m.Starttime
		}
		m.Starttime = m.Starttime.UTC()
		m.Endtime = m.Endtime.UTC()
		channels, ok := s.series[m.Metric]
		if !ok {
			channels = make(map[string][]domain.Measurement)
			s.series[m.Metric] = channels
		}
		items := channels[m.Channel]
		idx := sort.Search(len(items), func(i int) bool { return items[i].Starttime.After(m.Starttime) })
		if idx > 0 && items[idx-1].Starttime.Equal(m.Starttime) {
			items[idx-1] = m
			continue
		}
		items = append(items, domain.Measurement{})
		copy(items[idx+1:], items[idx:])
		items[idx] = m
		channels[m.Channel] = s.prune(items)
	}
	return nil
}

func (s *MemorySource) prune(items []domain.Measurement) []domain.Measurement {
	if s.retention <= 0 || len(items) == 0 {
		return items
	}
	cutoff := items[len(items)-1].Starttime.Add(-s.retention)
	idx := sort.Search(len(items), func(i int) bool { return !items[i].Starttime.Before(cutoff) })
	if idx == 0 {
		return items
	}
	return append([]domain.Measurement(nil), items[idx:]...)
}

// Ping always succeeds.
func (s *MemorySource) Ping(context.Context) error {
	return nil
}

// Fetch applies the same window and last-N semantics as the SQL source.
func (s *MemorySource) Fetch(ctx context.Context, query engine.Query) ([]domain.Measurement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	channels := s.series[query.MetricID]
	out := make([]domain.Measurement, 0)
	seen := make(map[string]struct{}, len(query.Channels))
	for _, channel := range query.Channels {
		if _, dup := seen[channel]; dup {
			continue
		}
		seen[channel] = struct{}{}
		items := channels[channel]
		end := sort.Search(len(items), func(i int) bool { return !items[i].Starttime.Before(query.End) })
		if query.LimitPerChannel > 0 {
			for i := end - 1; i >= 0 && i >= end-query.LimitPerChannel; i-- {
				out = append(out, items[i])
			}
			continue
		}
		start := 0
		if query.Start != nil {
			start = sort.Search(len(items), func(i int) bool { return !items[i].Starttime.Before(*query.Start) })
		}
		if start < end {
			out = append(out, items[start:end]...)
		}
	}
	return out, nil
}
