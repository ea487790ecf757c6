package domain

import "time"

// Alert records one alarm-state transition of a trigger.
// Params: insertion-ordered id, trigger, timestamp, message, and new state.
// Returns: immutable ledger entry.
type Alert struct {
	ID        uint64    `json:"id"`
	TriggerID string    `json:"trigger_id"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	InAlarm   bool      `json:"in_alarm"`
}

// Newer reports whether a supersedes b as the latest alert.
// Later timestamp wins; equal timestamps fall back to the greater id.
func (a Alert) Newer(b Alert) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	return a.ID > b.ID
}

// Notification is the rendered input for recipient delivery.
// Params: trigger/monitor context, alert, breaching channels, and recipient.
// Returns: template data for subject and body.
type Notification struct {
	MonitorID         string    `json:"monitor_id"`
	MonitorName       string    `json:"monitor_name"`
	TriggerID         string    `json:"trigger_id"`
	TriggerName       string    `json:"trigger_name"`
	Level             int       `json:"level"`
	Metric            string    `json:"metric"`
	Condition         string    `json:"condition"`
	InAlarm           bool      `json:"in_alarm"`
	Message           string    `json:"message"`
	AlertID           uint64    `json:"alert_id"`
	Timestamp         time.Time `json:"timestamp"`
	BreachingChannels []string  `json:"breaching_channels"`
	TotalChannels     int       `json:"total_channels"`
	Recipient         string    `json:"recipient"`
	UnsubscribeLink   string    `json:"unsubscribe_link"`
}
