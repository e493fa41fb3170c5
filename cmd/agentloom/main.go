package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rendis/agentloom/internal/logging"
	"github.com/rendis/agentloom/internal/scheduler"
)

// Exit codes.
const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
)

const usage = `usage: agentloom <command> [flags]

commands:
  run <workflow.yaml>   execute a workflow against the configured worker
  validate <file>       check a workflow file without starting the worker
  version               print the version
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return exitUsage
	}
	switch args[0] {
	case "run":
		return runCommand(ctx, args[1:], stdout, stderr)
	case "validate":
		return validateCommand(args[1:], stdout, stderr)
	case "version", "--version", "-v":
		printVersion(stdout)
		return exitOK
	case "help", "--help", "-h":
		fmt.Fprint(stdout, usage)
		return exitOK
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", args[0], usage)
		return exitUsage
	}
}

type runFlags struct {
	config      string
	session     string
	concurrency int
	logLevel    string
	once        bool
	workflow    string
}

func parseRunFlags(args []string, stderr io.Writer) (*runFlags, error) {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	f := &runFlags{}
	fs.StringVar(&f.config, "config", "", "settings file (default ~/.agentloom/settings.yaml)")
	fs.StringVar(&f.session, "session", "", "session ID (default: workflow session_id or a new UUID)")
	fs.IntVar(&f.concurrency, "concurrency", 0, "max nodes in flight")
	fs.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	fs.BoolVar(&f.once, "once", false, "ignore the workflow schedule and run a single time")
	if err := fs.Parse(reorderFlags(args)); err != nil {
		return nil, err
	}
	if fs.NArg() != 1 {
		return nil, errors.New("run takes exactly one workflow file")
	}
	f.workflow = fs.Arg(0)
	return f, nil
}

var boolFlags = map[string]bool{"once": true, "h": true, "help": true}

// reorderFlags moves the positional workflow path behind the flags so
// "run wf.yaml --once" parses like "run --once wf.yaml".
func reorderFlags(args []string) []string {
	var flags, positional []string
	for i := 0; i < len(args); i++ {
		a := args[i]
		if !strings.HasPrefix(a, "-") || a == "-" {
			positional = append(positional, a)
			continue
		}
		flags = append(flags, a)
		if !strings.Contains(a, "=") && !boolFlags[strings.TrimLeft(a, "-")] && i+1 < len(args) {
			i++
			flags = append(flags, args[i])
		}
	}
	return append(flags, positional...)
}

func runCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	f, err := parseRunFlags(args, stderr)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(stderr, err)
		}
		return exitUsage
	}

	cfg, err := loadConfig(f.config)
	if err != nil {
		fmt.Fprintln(stderr, "config:", err)
		return exitUsage
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	if f.concurrency > 0 {
		cfg.Concurrency = f.concurrency
	}
	logger := logging.New(stderr, cfg.LogLevel, cfg.LogFormat)

	wf, err := loadWorkflow(f.workflow)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	if f.session != "" {
		wf.SessionID = f.session
	}
	if cfg.Worker.Command == "" {
		fmt.Fprintln(stderr, "config: worker.command is required")
		return exitUsage
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitFailed
	}
	defer a.close()

	if wf.Schedule == "" || f.once {
		return reportRun(ctx, a, wf, stdout, logger)
	}
	return runScheduled(ctx, a, wf, stdout, logger)
}

func reportRun(ctx context.Context, a *app, wf *workflowFile, stdout io.Writer, logger *slog.Logger) int {
	report, err := a.runOnce(ctx, wf)
	if report != nil {
		if werr := report.write(stdout); werr != nil {
			logger.Error("write report", slog.String("error", werr.Error()))
		}
	}
	if err != nil {
		logger.Error("run", slog.String("error", err.Error()))
		return exitFailed
	}
	if !report.Succeeded {
		logger.Error("run failed", slog.Any("nodes", report.failedNodes()))
		return exitFailed
	}
	return exitOK
}

// runScheduled reruns wf on its cron schedule until ctx is cancelled.
// Every run uses the same session so stored values carry over.
func runScheduled(ctx context.Context, a *app, wf *workflowFile, stdout io.Writer, logger *slog.Logger) int {
	job := func(ctx context.Context) error {
		report, err := a.runOnce(ctx, wf)
		if report != nil {
			wf.SessionID = report.SessionID
			if werr := report.write(stdout); werr != nil {
				return werr
			}
			if err == nil && !report.Succeeded {
				err = fmt.Errorf("nodes failed: %s", strings.Join(report.failedNodes(), ", "))
			}
		}
		return err
	}

	s, err := scheduler.New(wf.Schedule, job, logger)
	if err != nil {
		logger.Error("schedule", slog.String("error", err.Error()))
		return exitUsage
	}
	if err := s.Start(ctx); err != nil {
		logger.Error("scheduler", slog.String("error", err.Error()))
		return exitFailed
	}
	logger.Info("schedule started", slog.String("schedule", wf.Schedule), slog.Time("next", s.Next(time.Now())))
	s.Wait()

	runs, failures := s.Stats()
	logger.Info("schedule stopped", slog.Int64("runs", runs), slog.Int64("failures", failures))
	if failures > 0 {
		return exitFailed
	}
	return exitOK
}

func validateCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(stderr, "validate takes exactly one workflow file")
		return exitUsage
	}
	wf, err := loadWorkflow(args[0])
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitFailed
	}
	if wf.Schedule != "" {
		if _, err := scheduler.New(wf.Schedule, func(context.Context) error { return nil }, nil); err != nil {
			fmt.Fprintln(stderr, err)
			return exitFailed
		}
	}
	fmt.Fprintf(stdout, "%s: %d nodes ok\n", args[0], len(wf.Nodes))
	return exitOK
}
