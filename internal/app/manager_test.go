package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"dqalarm/internal/clock"
	"dqalarm/internal/config"
	"dqalarm/internal/domain"
	"dqalarm/internal/engine"
	"dqalarm/internal/measurements"
)

const baseConfig = `[http]
enabled = true

[unsubscribe]
secret = "s3cret"

[metric.latency]
name = "Latency"
unit = "s"

[channel_group.ak]
name = "Alaska"
channels = ["AK.A.00.BHZ", "AK.B.00.BHZ"]

[monitor.lat]
metric = "latency"
channel_group = "ak"
interval_type = "hour"
interval_count = 1
stat = "max"

[monitor.lat.trigger.high]
val1 = 5.0
value_operator = "greater_than"
num_channels_operator = "any"
emails = ["ops@example.org", "dq@example.org"]
`

var cycleEnd = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T, extra ...string) config.Config {
	t.Helper()
	body := strings.Join(append([]string{baseConfig}, extra...), "\n\n")
	cfg, err := config.Parse([]byte(body))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	return cfg
}

func newTestRuntime(t *testing.T, cfg config.Config) *runtime {
	t.Helper()
	rt, err := buildRuntime(context.Background(), cfg, discardLogger(), clock.Fixed(cycleEnd.Add(30*time.Second)))
	if err != nil {
		t.Fatalf("build runtime: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func appendLatency(t *testing.T, rt *runtime, channel string, value float64, minutesBeforeEnd int) {
	t.Helper()
	start := cycleEnd.Add(-time.Duration(minutesBeforeEnd) * time.Minute)
	err := rt.measurements.Append(context.Background(), []domain.Measurement{{
		Metric:    "latency",
		Channel:   channel,
		Value:     value,
		Starttime: start,
		Endtime:   start.Add(time.Minute),
	}})
	if err != nil {
		t.Fatalf("append measurement: %v", err)
	}
}

func TestRunCycleRecordsEdgeTriggeredAlerts(t *testing.T) {
	t.Parallel()

	rt := newTestRuntime(t, testConfig(t))
	appendLatency(t, rt, "AK.A.00.BHZ", 9, 10)
	appendLatency(t, rt, "AK.B.00.BHZ", 1, 10)

	report, err := rt.manager.RunCycle(context.Background(), nil, cycleEnd)
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if report.Outcome() != engine.OutcomeOK {
		t.Fatalf("unexpected outcome %s", report.Outcome())
	}
	trigger := report.Results[0].Triggers[0]
	if !trigger.InAlarm || !trigger.Created || strings.Join(trigger.Breaching, ",") != "AK.A.00.BHZ" {
		t.Fatalf("unexpected trigger result %+v", trigger)
	}

	again, err := rt.manager.RunCycle(context.Background(), []string{"lat"}, cycleEnd.Add(time.Minute))
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if again.Results[0].Triggers[0].Created {
		t.Fatalf("unchanged alarm must not write a second alert")
	}

	history, err := rt.manager.History(context.Background(), "lat.high", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || !history[0].InAlarm {
		t.Fatalf("expected one in-alarm alert, got %+v", history)
	}

	last, ok := rt.manager.LastReport()
	if !ok || last.CycleID != again.CycleID {
		t.Fatalf("expected last report to be the second cycle")
	}
}

func TestRunCycleUnknownMonitorIsConfigurationError(t *testing.T) {
	t.Parallel()

	rt := newTestRuntime(t, testConfig(t))
	_, err := rt.manager.RunCycle(context.Background(), []string{"lat", "nope", "also-nope"}, cycleEnd)
	var cfgErr *domain.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if strings.Join(cfgErr.Invalid, ",") != "nope,also-nope" {
		t.Fatalf("unexpected invalid ids %v", cfgErr.Invalid)
	}
	if ExitCodeForError(err) != ExitConfig {
		t.Fatalf("selection errors must map to the config exit code")
	}
	if _, ok := rt.manager.LastReport(); ok {
		t.Fatalf("rejected selection must not record a report")
	}
}

func TestSelectMonitorsKeepsRequestOrderAndDropsDuplicates(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, `[monitor.lat2]
metric = "latency"
channel_group = "ak"
interval_type = "minute"
interval_count = 30
stat = "avg"`)
	rt := newTestRuntime(t, cfg)

	monitors, err := rt.manager.SelectMonitors([]string{"lat2", " lat ", "lat2"})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(monitors) != 2 || monitors[0].ID != "lat2" || monitors[1].ID != "lat" {
		t.Fatalf("unexpected selection %v", monitors)
	}
	all, err := rt.manager.SelectMonitors(nil)
	if err != nil || len(all) != 2 {
		t.Fatalf("expected all monitors, got %d (%v)", len(all), err)
	}
}

func TestApplyConfigSwapsCatalogAndKeepsOldOnError(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	rt := newTestRuntime(t, cfg)

	broken := cfg
	broken.Monitor = append([]config.MonitorConfig(nil), cfg.Monitor...)
	broken.Monitor[0].Metric = "missing"
	if err := rt.manager.ApplyConfig(broken); err == nil {
		t.Fatalf("expected unknown metric to be rejected")
	}
	if _, ok := rt.manager.Catalog().Monitor("lat"); !ok {
		t.Fatalf("rejected config must keep the previous catalog")
	}

	next := testConfig(t, `[monitor.rms]
metric = "latency"
channel_group = "ak"
interval_type = "day"
interval_count = 1
stat = "median"`)
	if err := rt.manager.ApplyConfig(next); err != nil {
		t.Fatalf("apply config: %v", err)
	}
	if _, ok := rt.manager.Catalog().Monitor("rms"); !ok {
		t.Fatalf("expected new monitor after apply")
	}
}

func TestHistoryRejectsUnknownTrigger(t *testing.T) {
	t.Parallel()

	rt := newTestRuntime(t, testConfig(t))
	if _, err := rt.manager.History(context.Background(), "lat.nope", 5); err == nil {
		t.Fatalf("expected unknown trigger error")
	}
}

func TestTickUsesAlignedClock(t *testing.T) {
	t.Parallel()

	rt := newTestRuntime(t, testConfig(t))
	rt.manager.Tick(context.Background())
	report, ok := rt.manager.LastReport()
	if !ok {
		t.Fatalf("expected tick to record a report")
	}
	if !report.Endtime.Equal(cycleEnd) {
		t.Fatalf("expected endtime aligned to %s, got %s", cycleEnd, report.Endtime)
	}
}

func TestExitCodes(t *testing.T) {
	t.Parallel()

	outcomes := map[engine.Outcome]int{
		engine.OutcomeOK:      ExitOK,
		engine.OutcomePartial: ExitPartial,
		engine.OutcomeFatal:   ExitFatal,
		engine.OutcomeFailed:  ExitFailure,
	}
	for outcome, want := range outcomes {
		if got := ExitCode(outcome); got != want {
			t.Fatalf("outcome %s: expected %d, got %d", outcome, want, got)
		}
	}

	errorsToCodes := []struct {
		err  error
		want int
	}{
		{err: nil, want: ExitOK},
		{err: fmt.Errorf("%w: bad toml", ErrInvalidConfig), want: ExitConfig},
		{err: &domain.ConfigurationError{Field: "monitor.lat.metric", Reason: "unknown metric"}, want: ExitConfig},
		{err: fmt.Errorf("open: %w", measurements.ErrUnreachable), want: ExitFatal},
		{err: errors.New("ledger bucket missing"), want: ExitFailure},
	}
	for _, tc := range errorsToCodes {
		if got := ExitCodeForError(tc.err); got != tc.want {
			t.Fatalf("error %v: expected %d, got %d", tc.err, tc.want, got)
		}
	}
}

func TestRestartRequiredIgnoresCatalogTables(t *testing.T) {
	t.Parallel()

	current := testConfig(t)
	next := testConfig(t, `[monitor.rms]
metric = "latency"
channel_group = "ak"
interval_type = "day"
interval_count = 1
stat = "median"`)
	if restartRequired(current, next) {
		t.Fatalf("catalog-only changes must reload in place")
	}
	next.Notify.Sender = config.SenderSMTP
	if !restartRequired(current, next) {
		t.Fatalf("delivery changes must require a restart")
	}
}
