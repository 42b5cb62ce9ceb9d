// Command tachd is Tach's Supervisor daemon: it loads project
// configuration, discovers and compiles Python sources, builds the
// toxicity graph, and runs a test list across a bounded worker pool,
// printing the scheduler's event stream to its structured logger. Test
// selection, report rendering, and watch mode are an external CLI
// collaborator's job (SPEC_FULL.md §1); tachd itself accepts an already-
// resolved test-id list (via -tests, or every discovered test module by
// default), matching cmd/tai's "accept already-resolved input, do the one
// thing well" shape.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/reusee/dscope"

	"github.com/tach-project/tach/cmds"
	"github.com/tach-project/tach/logs"
	"github.com/tach-project/tach/modes"
	"github.com/tach-project/tach/scheduler"
	"github.com/tach-project/tach/supervisor"
	"github.com/tach-project/tach/toxicity"
)

var shutdownGrace = cmds.Var[int]("-shutdown-grace-ms")

// testListFile names a file of newline-separated test ids to run, one per
// line; resolving which tests exist and should run is the external CLI
// collaborator's job (SPEC_FULL.md §1), tachd only accepts the resolved
// result. With no file given, tachd runs every test-tagged source file
// discovery found, by module name, as a quick default for local use.
var testListFile = cmds.Var[string]("-tests")

func main() {
	cmds.Execute(os.Args[1:])

	projectRoot, err := os.Getwd()
	if err != nil {
		fmt.Fprintln(os.Stderr, "tachd:", err)
		os.Exit(1)
	}

	scope := dscope.New(
		new(logs.Module),
		new(supervisor.Module),
		modes.ForProduction(),
	).Fork(
		dscope.Provide(supervisor.ProjectRoot(projectRoot)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	exitCode := 0
	scope.Call(func(
		logger logs.Logger,
		sup *supervisor.Supervisor,
	) {
		grace := time.Duration(*shutdownGrace) * time.Millisecond
		if grace <= 0 {
			grace = 5 * time.Second
		}
		defer sup.Shutdown(context.Background(), grace)

		toxic, err := sup.Prepare(ctx)
		if err != nil {
			logger.Error("tachd: prepare failed", "error", err)
			exitCode = 1
			return
		}

		testIDs, err := resolveTestIDs(sup)
		if err != nil {
			logger.Error("tachd: resolve test list failed", "error", err)
			exitCode = 1
			return
		}

		timeout := sup.TestTimeout()
		tests := make([]scheduler.Test, 0, len(testIDs))
		for _, id := range testIDs {
			report, ok := toxic[id]
			tests = append(tests, scheduler.Test{
				ID:      id,
				Toxic:   ok && (report.Classification == toxicity.Toxic || report.Classification == toxicity.Unknown),
				Timeout: timeout,
			})
		}

		events := make(chan scheduler.Event, 64)
		done := make(chan error, 1)
		go func() {
			done <- sup.Run(ctx, tests, events)
		}()

		for event := range events {
			logEvent(logger, event)
		}
		if err := <-done; err != nil {
			logger.Error("tachd: run failed", "error", err)
			exitCode = 1
		}
	})

	os.Exit(exitCode)
}

// resolveTestIDs reads *testListFile if given, else falls back to every
// test-tagged module Prepare discovered.
func resolveTestIDs(sup *supervisor.Supervisor) ([]string, error) {
	if *testListFile == "" {
		return sup.DefaultTestIDs(), nil
	}
	f, err := os.Open(*testListFile)
	if err != nil {
		return nil, fmt.Errorf("tachd: open test list: %w", err)
	}
	defer f.Close()

	var ids []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		ids = append(ids, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("tachd: read test list: %w", err)
	}
	return ids, nil
}

func logEvent(logger logs.Logger, event scheduler.Event) {
	switch event.Kind {
	case scheduler.EventRunStart:
		logger.Info("run_start")
	case scheduler.EventTestStart:
		logger.Info("test_start", "test_id", event.TestID)
	case scheduler.EventTestFinished:
		logger.Info("test_finished",
			"test_id", event.TestID,
			"status", event.Status,
			"duration", event.Duration,
		)
	case scheduler.EventRunFinished:
		logger.Info("run_finished")
	}
}
