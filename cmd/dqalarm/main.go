package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"dqalarm/internal/app"
	"dqalarm/internal/clock"
	"dqalarm/internal/config"
)

const usage = `usage:
  dqalarm serve    (--config-file FILE | --config-dir DIR)
  dqalarm evaluate (--config-file FILE | --config-dir DIR) [--monitor ID[,ID...]] [--endtime RFC3339]

exit codes for evaluate: 0 ok, 3 partial failure, 4 measurement source unavailable, 2 invalid config, 1 other error`

// main runs the service or a single evaluation cycle.
// Params: subcommand and flags.
// Returns: process exit code by run result.
func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	command := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command, args = args[0], args[1:]
	}
	switch command {
	case "serve":
		return runServe(args, stderr)
	case "evaluate":
		return runEvaluate(args, stdout, stderr)
	case "help":
		_, _ = fmt.Fprintln(stdout, usage)
		return app.ExitOK
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n%s\n", command, usage)
		return app.ExitConfig
	}
}

type sourceFlags struct {
	configFile string
	configDir  string
}

func (f *sourceFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.configFile, "config-file", "", "path to one TOML config file")
	fs.StringVar(&f.configDir, "config-dir", "", "path to directory with TOML config fragments")
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { _, _ = fmt.Fprintln(stderr, usage) }
	return fs
}

func runServe(args []string, stderr io.Writer) int {
	var src sourceFlags
	fs := newFlagSet("serve", stderr)
	src.register(fs)
	if err := fs.Parse(args); err != nil {
		return app.ExitConfig
	}

	source, err := config.FromCLI(src.configFile, src.configDir)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err.Error())
		return app.ExitConfig
	}

	service, err := app.NewService(source, clock.RealClock{})
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "service init failed:", err.Error())
		if errors.Is(err, app.ErrInvalidConfig) {
			return app.ExitConfig
		}
		return app.ExitFailure
	}

	if err := service.Run(context.Background()); err != nil {
		_, _ = fmt.Fprintln(stderr, "service run failed:", err.Error())
		return app.ExitFailure
	}
	return app.ExitOK
}

func runEvaluate(args []string, stdout, stderr io.Writer) int {
	var (
		src      sourceFlags
		monitors string
		endtime  string
		quiet    bool
	)
	fs := newFlagSet("evaluate", stderr)
	src.register(fs)
	fs.StringVar(&monitors, "monitor", "", "comma-separated monitor ids (default: all)")
	fs.StringVar(&endtime, "endtime", "", "cycle endtime in RFC3339 (default: now aligned to scheduler.align_sec)")
	fs.BoolVar(&quiet, "quiet", false, "do not print the JSON cycle summary")
	if err := fs.Parse(args); err != nil {
		return app.ExitConfig
	}

	source, err := config.FromCLI(src.configFile, src.configDir)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err.Error())
		return app.ExitConfig
	}

	opts := app.EvaluateOptions{MonitorIDs: splitList(monitors)}
	if endtime != "" {
		parsed, err := time.Parse(time.RFC3339, endtime)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "invalid --endtime: %v\n", err)
			return app.ExitConfig
		}
		opts.Endtime = parsed.UTC()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := app.Evaluate(ctx, source, opts, clock.RealClock{})
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "evaluate failed:", err.Error())
		return app.ExitCodeForError(err)
	}
	if !quiet {
		if err := app.WriteReport(stdout, report); err != nil {
			_, _ = fmt.Fprintln(stderr, "write report:", err.Error())
		}
	}
	return app.ExitCode(report.Outcome())
}

func splitList(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
