package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tach-project/tach/compiler"
	"github.com/tach-project/tach/logs"
	"github.com/tach-project/tach/physics"
	"github.com/tach-project/tach/registry"
	"github.com/tach-project/tach/scheduler"
	"github.com/tach-project/tach/toxicity"
	"github.com/tach-project/tach/worker"
)

// Supervisor is Tach's long-lived daemon process (SPEC_FULL.md §5 "CleanupGuard").
// One Supervisor handles exactly one Run: discover sources, compile and
// register every module, build the toxicity graph, and run the test list to
// completion across a bounded worker pool. When a run stops on an error or
// a cancelled context the CleanupGuard stays armed, so the caller's
// deferred Shutdown tears down every worker it spawned.
type Supervisor struct {
	logger      logs.Logger
	settings    Settings
	projectRoot ProjectRoot
	reg         *registry.Registry
	comp        *compiler.Compiler
	analyzer    *toxicity.Analyzer
	snaps       *physics.Manager
	cleanup     *CleanupGuard
	files       DiscoveredFiles

	testModules []string
}

func (Module) Supervisor(
	logger logs.Logger,
	settings Settings,
	projectRoot ProjectRoot,
	reg *registry.Registry,
	comp *compiler.Compiler,
	analyzer *toxicity.Analyzer,
	snaps *physics.Manager,
	cleanup *CleanupGuard,
	files DiscoveredFiles,
) *Supervisor {
	return &Supervisor{
		logger:      logger,
		settings:    settings,
		projectRoot: projectRoot,
		reg:         reg,
		comp:        comp,
		analyzer:    analyzer,
		snaps:       snaps,
		cleanup:     cleanup,
		files:       files,
	}
}

// Prepare compiles and registers every discovered module, scans each for
// toxicity, and freezes the registry (spec.md §4.2: writes stop once
// workers start reading it). It must run once, before the first worker
// spawns. The returned toxicity reports decide each scheduler.Test's Toxic
// flag, which cmd/tachd sets before calling Run.
func (s *Supervisor) Prepare(ctx context.Context) (map[string]toxicity.Report, error) {
	if err := applyIsolation(s.logger, s.settings, s.projectRoot); err != nil {
		return nil, fmt.Errorf("supervisor: isolation: %w", err)
	}

	var sources []toxicity.Source
	for _, f := range s.files {
		entry, err := s.comp.Compile(f.Path)
		if err != nil {
			s.logger.Warn("supervisor: compile failed, skipping module", "path", f.Path, "error", err)
			continue
		}
		s.reg.Insert(entry)
		sources = append(sources, toxicity.Source{Path: f.Path, Module: entry.Name})
		if f.IsTest {
			s.testModules = append(s.testModules, entry.Name)
		}
	}
	s.reg.Freeze()

	reports, err := s.analyzer.Analyze(sources)
	if err != nil {
		return nil, fmt.Errorf("supervisor: toxicity analysis: %w", err)
	}
	byModule := make(map[string]toxicity.Report, len(reports))
	for _, r := range reports {
		byModule[r.Module] = r
	}
	return byModule, nil
}

// DefaultTestIDs returns the module names of every test-tagged source file
// Prepare discovered, for callers that have no more specific test
// selection of their own to hand the Scheduler (resolving which of a
// module's functions are actual test cases remains the Interpreter's own
// discovery semantics, named out of scope in SPEC_FULL.md §1).
func (s *Supervisor) DefaultTestIDs() []string {
	return s.testModules
}

// TestTimeout returns the configured per-test deadline (SPEC_FULL.md §2.2
// TestTimeoutMS), for callers building scheduler.Test values from a
// resolved test-id list.
func (s *Supervisor) TestTimeout() time.Duration {
	return s.settings.TestTimeout
}

// Run dispatches tests across a bounded worker pool and emits scheduler
// events until the run finishes, ctx is cancelled, or a fatal component
// error occurs. The CleanupGuard is armed for the duration of the call and
// disarmed only when the run completes without error and ctx was not
// cancelled; any other
// exit path (cancellation, panic recovery further up the call stack, a
// fatal error from Run itself) leaves it armed so a caller's deferred
// Shutdown call still reaches every worker SPEC_FULL.md §5 describes.
func (s *Supervisor) Run(
	ctx context.Context,
	tests []scheduler.Test,
	out chan<- scheduler.Event,
) error {
	s.cleanup.Arm()

	factory := func(ctx context.Context) (scheduler.Worker, error) {
		w := worker.New(worker.Config{
			HarnessPath:      s.settings.HarnessPath,
			ProjectRoot:      string(s.projectRoot),
			GuestLibPath:     s.settings.GuestLibPath,
			FragmentationCap: s.settings.FragmentationCap,
		}, s.logger, s.reg, s.snaps)
		if err := w.Spawn(ctx); err != nil {
			return nil, fmt.Errorf("supervisor: spawn worker: %w", err)
		}
		s.cleanup.Track(w)
		return w, nil
	}

	sched := scheduler.New(s.logger, s.settings.PoolSize, factory)

	runID := uuid.New()
	s.logger.Info("supervisor: run starting", "run_id", runID, "tests", len(tests), "pool_size", s.settings.PoolSize)

	err := sched.Run(ctx, tests, out)

	if err == nil && ctx.Err() == nil {
		s.cleanup.Disarm()
	}
	s.logger.Info("supervisor: run finished", "run_id", runID, "error", err)
	return err
}

// Shutdown requests every tracked worker exit, then force-kills any
// straggler once grace elapses. cmd/tachd defers it before calling
// Prepare, so a signal or fatal error arriving at any point during Run
// still tears every worker down.
func (s *Supervisor) Shutdown(ctx context.Context, grace time.Duration) {
	s.cleanup.Shutdown(ctx, grace)
}
