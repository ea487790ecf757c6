package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"dqalarm/internal/clock"
	"dqalarm/internal/config"
	"dqalarm/internal/engine"
)

func writeTestConfig(t *testing.T, body string) config.ConfigSource {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dqalarm.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return config.ConfigSource{File: path}
}

func TestEvaluateRunsOneCycle(t *testing.T) {
	t.Parallel()

	source := writeTestConfig(t, baseConfig+"\n[log.console]\nenabled = false\n[log.file]\nenabled = true\npath = \""+filepath.Join(t.TempDir(), "dqalarm.log")+"\"\n")
	report, err := Evaluate(context.Background(), source, EvaluateOptions{MonitorIDs: []string{"lat"}}, clock.Fixed(cycleEnd.Add(15*time.Second)))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if report.Outcome() != engine.OutcomeOK || ExitCode(report.Outcome()) != ExitOK {
		t.Fatalf("unexpected outcome %s", report.Outcome())
	}
	if !report.Endtime.Equal(cycleEnd) {
		t.Fatalf("expected aligned endtime %s, got %s", cycleEnd, report.Endtime)
	}
	if len(report.Results) != 1 || report.Results[0].Triggers[0].InAlarm {
		t.Fatalf("expected one quiet monitor, got %+v", report.Results)
	}
}

func TestEvaluateClassifiesSetupErrors(t *testing.T) {
	t.Parallel()

	broken := writeTestConfig(t, "[monitor.lat\n")
	_, err := Evaluate(context.Background(), broken, EvaluateOptions{}, clock.Fixed(cycleEnd))
	if !errors.Is(err, ErrInvalidConfig) || ExitCodeForError(err) != ExitConfig {
		t.Fatalf("expected config exit code, got %v", err)
	}

	valid := writeTestConfig(t, baseConfig)
	_, err = Evaluate(context.Background(), valid, EvaluateOptions{MonitorIDs: []string{"ghost"}, Endtime: cycleEnd}, clock.Fixed(cycleEnd))
	if ExitCodeForError(err) != ExitConfig {
		t.Fatalf("unknown monitor must map to config exit code, got %v", err)
	}
}
