package app

import (
	"encoding/json"
	"io"
	"time"

	"dqalarm/internal/engine"
)

// CycleSummary is the JSON view of one evaluation cycle.
type CycleSummary struct {
	CycleID  string           `json:"cycle_id"`
	Endtime  time.Time        `json:"endtime"`
	Outcome  string           `json:"outcome"`
	Error    string           `json:"error,omitempty"`
	Monitors []MonitorSummary `json:"monitors"`
}

// MonitorSummary is the JSON view of one monitor result.
type MonitorSummary struct {
	ID       string           `json:"id"`
	Channels int              `json:"channels"`
	Error    string           `json:"error,omitempty"`
	Triggers []TriggerSummary `json:"triggers,omitempty"`
}

// TriggerSummary is the JSON view of one trigger verdict.
type TriggerSummary struct {
	ID          string   `json:"id"`
	InAlarm     bool     `json:"in_alarm"`
	Breaching   []string `json:"breaching"`
	AlertID     uint64   `json:"alert_id,omitempty"`
	NewAlert    bool     `json:"new_alert"`
	NotifyError string   `json:"notify_error,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// Summarize flattens a batch report for output.
func Summarize(report engine.BatchReport) CycleSummary {
	out := CycleSummary{
		CycleID:  report.CycleID,
		Endtime:  report.Endtime.UTC(),
		Outcome:  report.Outcome().String(),
		Monitors: make([]MonitorSummary, 0, len(report.Results)),
	}
	if report.SourceErr != nil {
		out.Error = report.SourceErr.Error()
	}
	for _, result := range report.Results {
		monitor := MonitorSummary{
			ID:       result.MonitorID,
			Channels: len(result.Aggregates),
			Error:    errString(result.Err),
		}
		for _, trigger := range result.Triggers {
			summary := TriggerSummary{
				ID:          trigger.TriggerID,
				InAlarm:     trigger.InAlarm,
				Breaching:   trigger.Breaching,
				NewAlert:    trigger.Created,
				NotifyError: errString(trigger.NotifyErr),
				Error:       errString(trigger.Err),
			}
			if summary.Breaching == nil {
				summary.Breaching = []string{}
			}
			if trigger.Alert != nil {
				summary.AlertID = trigger.Alert.ID
			}
			monitor.Triggers = append(monitor.Triggers, summary)
		}
		out.Monitors = append(out.Monitors, monitor)
	}
	return out
}

// WriteReport writes the indented JSON summary of report to w.
func WriteReport(w io.Writer, report engine.BatchReport) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(Summarize(report))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
