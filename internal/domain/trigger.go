package domain

import (
	"fmt"
	"strings"
)

// ValueOperator compares one channel aggregate value against val1/val2.
type ValueOperator string

const (
	ValueGreaterThan ValueOperator = "greater_than"
	ValueLessThan    ValueOperator = "less_than"
	ValueWithin      ValueOperator = "within"
	ValueOutsideOf   ValueOperator = "outside_of"
)

// Valid reports whether the operator is known.
func (o ValueOperator) Valid() bool {
	switch o {
	case ValueGreaterThan, ValueLessThan, ValueWithin, ValueOutsideOf:
		return true
	default:
		return false
	}
}

// Banded reports whether the operator needs both val1 and val2.
func (o ValueOperator) Banded() bool {
	return o == ValueWithin || o == ValueOutsideOf
}

// ChannelsOperator compares the number of breaching channels.
type ChannelsOperator string

const (
	ChannelsGreaterThan ChannelsOperator = "greater_than"
	ChannelsLessThan    ChannelsOperator = "less_than"
	ChannelsEqualTo     ChannelsOperator = "equal_to"
	// ChannelsAll requires every channel in the group to breach.
	ChannelsAll ChannelsOperator = "all"
	// ChannelsAny requires at least one breaching channel.
	ChannelsAny ChannelsOperator = "any"
)

// Valid reports whether the operator is known.
func (o ChannelsOperator) Valid() bool {
	switch o {
	case ChannelsGreaterThan, ChannelsLessThan, ChannelsEqualTo, ChannelsAll, ChannelsAny:
		return true
	default:
		return false
	}
}

// NeedsThreshold reports whether the operator compares against num_channels.
func (o ChannelsOperator) NeedsThreshold() bool {
	return o == ChannelsGreaterThan || o == ChannelsLessThan || o == ChannelsEqualTo
}

// Trigger is a breach condition plus recipient list attached to a monitor.
// Params: identity, value condition, channel-count condition, level, and recipients.
// Returns: evaluator for breach and in-alarm verdicts.
type Trigger struct {
	ID                  string
	MonitorID           string
	Name                string
	Val1                float64
	Val2                *float64
	ValueOperator       ValueOperator
	NumChannels         *int
	NumChannelsOperator ChannelsOperator
	BandInclusive       bool
	Level               int
	Emails              []string
	AlertOnOutOfAlarm   bool
}

// Validate checks trigger invariants and normalizes the email list.
// Params: none.
// Returns: *ConfigurationError naming the field; Emails is replaced only when every check passes.
func (t *Trigger) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return &ConfigurationError{Field: "id", Reason: "is required"}
	}
	if !t.ValueOperator.Valid() {
		return &ConfigurationError{Field: "value_operator", Reason: "unsupported value " + quote(string(t.ValueOperator))}
	}
	if t.ValueOperator.Banded() {
		if t.Val2 == nil {
			return &ConfigurationError{Field: "val2", Reason: fmt.Sprintf("is required when value_operator=%s", t.ValueOperator)}
		}
		if *t.Val2 <= t.Val1 {
			return &ConfigurationError{Field: "val2", Reason: fmt.Sprintf("must be greater than val1 (%g)", t.Val1)}
		}
	}
	if !t.NumChannelsOperator.Valid() {
		return &ConfigurationError{Field: "num_channels_operator", Reason: "unsupported value " + quote(string(t.NumChannelsOperator))}
	}
	if t.NumChannelsOperator.NeedsThreshold() {
		if t.NumChannels == nil {
			return &ConfigurationError{Field: "num_channels", Reason: fmt.Sprintf("is required when num_channels_operator=%s", t.NumChannelsOperator)}
		}
		if *t.NumChannels < 0 {
			return &ConfigurationError{Field: "num_channels", Reason: "must be >=0"}
		}
		// fewer than zero breaching channels never happens
		if t.NumChannelsOperator == ChannelsLessThan && *t.NumChannels == 0 {
			return &ConfigurationError{Field: "num_channels", Reason: "must be >0 when num_channels_operator=less_than"}
		}
	}
	if t.Level < 1 || t.Level > 3 {
		return &ConfigurationError{Field: "level", Reason: "must be between 1 and 3"}
	}
	emails, err := ValidateEmails("emails", t.Emails)
	if err != nil {
		return err
	}
	t.Emails = emails
	return nil
}

// IsBreaching applies the value operator to the aggregate field chosen by stat.
// Params: channel aggregate and the monitor's stat.
// Returns: false for channels without data.
func (t *Trigger) IsBreaching(agg ChannelAggregate, stat Stat) bool {
	value := agg.Value(stat)
	if value == nil {
		return false
	}
	v := *value
	switch t.ValueOperator {
	case ValueGreaterThan:
		return v > t.Val1
	case ValueLessThan:
		return v < t.Val1
	case ValueWithin:
		return t.withinBand(v)
	case ValueOutsideOf:
		return !t.withinBand(v)
	default:
		return false
	}
}

func (t *Trigger) withinBand(v float64) bool {
	if t.Val2 == nil {
		return false
	}
	if t.BandInclusive {
		return t.Val1 <= v && v <= *t.Val2
	}
	return t.Val1 < v && v < *t.Val2
}

// BreachingChannels lists channels whose aggregate breaches, in input order.
func (t *Trigger) BreachingChannels(aggs []ChannelAggregate, stat Stat) []string {
	out := make([]string, 0, len(aggs))
	for _, agg := range aggs {
		if t.IsBreaching(agg, stat) {
			out = append(out, agg.Channel)
		}
	}
	return out
}

// InAlarm applies the channel-count operator.
// Params: number of breaching channels and number of channels currently in the group.
// Returns: trigger-level alarm verdict.
func (t *Trigger) InAlarm(breaching, total int) bool {
	switch t.NumChannelsOperator {
	case ChannelsAll:
		return total > 0 && breaching == total
	case ChannelsAny:
		return breaching > 0
	}
	if t.NumChannels == nil {
		return false
	}
	threshold := *t.NumChannels
	switch t.NumChannelsOperator {
	case ChannelsGreaterThan:
		return breaching > threshold
	case ChannelsLessThan:
		return breaching < threshold
	case ChannelsEqualTo:
		return breaching == threshold
	default:
		return false
	}
}

// Condition renders the value condition, e.g. "p95 outside_of [2, 5]".
func (t *Trigger) Condition(stat Stat) string {
	if t.ValueOperator.Banded() && t.Val2 != nil {
		open, closeBracket := "(", ")"
		if t.BandInclusive {
			open, closeBracket = "[", "]"
		}
		return fmt.Sprintf("%s %s %s%g, %g%s", stat, t.ValueOperator, open, t.Val1, *t.Val2, closeBracket)
	}
	return fmt.Sprintf("%s %s %g", stat, t.ValueOperator, t.Val1)
}
