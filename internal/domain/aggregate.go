package domain

import "time"

// ChannelAggregate summarises one channel's measurements for one window.
// Numeric and time fields are nil when Count is zero.
type ChannelAggregate struct {
	Channel   string     `json:"channel"`
	Count     int        `json:"count"`
	Sum       *float64   `json:"sum"`
	Avg       *float64   `json:"avg"`
	Min       *float64   `json:"min"`
	Max       *float64   `json:"max"`
	MinAbs    *float64   `json:"minabs"`
	MaxAbs    *float64   `json:"maxabs"`
	Median    *float64   `json:"median"`
	P90       *float64   `json:"p90"`
	P95       *float64   `json:"p95"`
	StdDev    *float64   `json:"stddev"`
	Starttime *time.Time `json:"starttime"`
	Endtime   *time.Time `json:"endtime"`
}

// Value returns the field selected by stat, or nil when the channel has no data.
// Params: statistic name.
// Returns: pointer to the value or nil.
func (a ChannelAggregate) Value(stat Stat) *float64 {
	if a.Count == 0 {
		return nil
	}
	switch stat {
	case StatCount:
		count := float64(a.Count)
		return &count
	case StatSum:
		return a.Sum
	case StatAvg:
		return a.Avg
	case StatMin:
		return a.Min
	case StatMax:
		return a.Max
	case StatMinAbs:
		return a.MinAbs
	case StatMaxAbs:
		return a.MaxAbs
	case StatMedian:
		return a.Median
	case StatP90:
		return a.P90
	case StatP95:
		return a.P95
	default:
		return nil
	}
}
