// Package aggregate reduces raw measurements into per-channel summaries.
package aggregate

import (
	"math"
	"sort"
	"time"

	"dqalarm/internal/domain"
)

// Compute builds one aggregate per channel of the group, in group order.
// Params: group channel ids and measurements (entries for other channels are ignored).
// Returns: aggregates; channels without measurements carry Count=0 and nil fields.
func Compute(channels []string, measurements []domain.Measurement) []domain.ChannelAggregate {
	buckets := make(map[string][]domain.Measurement, len(channels))
	for _, channel := range channels {
		buckets[channel] = nil
	}
	for _, m := range measurements {
		if _, ok := buckets[m.Channel]; !ok {
			continue
		}
		buckets[m.Channel] = append(buckets[m.Channel], m)
	}

	out := make([]domain.ChannelAggregate, 0, len(channels))
	emitted := make(map[string]struct{}, len(channels))
	for _, channel := range channels {
		if _, dup := emitted[channel]; dup {
			continue
		}
		emitted[channel] = struct{}{}
		out = append(out, summarize(channel, buckets[channel]))
	}
	return out
}

func summarize(channel string, items []domain.Measurement) domain.ChannelAggregate {
	agg := domain.ChannelAggregate{Channel: channel, Count: len(items)}
	if len(items) == 0 {
		return agg
	}

	values := make([]float64, len(items))
	start, end := items[0].Starttime, items[0].Endtime
	sum := 0.0
	minAbs, maxAbs := math.Inf(1), 0.0
	for i, m := range items {
		values[i] = m.Value
		sum += m.Value
		abs := math.Abs(m.Value)
		minAbs = math.Min(minAbs, abs)
		maxAbs = math.Max(maxAbs, abs)
		if m.Starttime.Before(start) {
			start = m.Starttime
		}
		if m.Endtime.After(end) {
			end = m.Endtime
		}
	}
	sort.Float64s(values)

	agg.Sum = ptr(sum)
	agg.Avg = ptr(sum / float64(len(values)))
	agg.Min = ptr(values[0])
	agg.Max = ptr(values[len(values)-1])
	agg.MinAbs = ptr(minAbs)
	agg.MaxAbs = ptr(maxAbs)
	agg.Median = ptr(Percentile(values, 50))
	agg.P90 = ptr(Percentile(values, 90))
	agg.P95 = ptr(Percentile(values, 95))
	agg.StdDev = ptr(SampleStdDev(values))
	agg.Starttime = timePtr(start)
	agg.Endtime = timePtr(end)
	return agg
}

// Percentile interpolates linearly between order statistics (NumPy "linear").
// Params: ascending-sorted values and percentile in [0, 100].
// Returns: interpolated value; NaN for an empty slice.
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	if n == 1 || p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[n-1]
	}
	pos := p / 100 * float64(n-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

// SampleStdDev is the Bessel-corrected standard deviation; 0 below two samples.
func SampleStdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	sq := 0.0
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(values)-1))
}

func ptr(v float64) *float64 { return &v }

func timePtr(v time.Time) *time.Time { return &v }
