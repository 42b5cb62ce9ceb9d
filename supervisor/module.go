// Package supervisor wires the seven components (C1-C7) together into the
// long-lived Tach daemon process: it discovers and compiles project
// sources, builds the toxicity graph, spawns a bounded worker pool, and
// drives the scheduler to completion, tearing every worker down via a
// CleanupGuard when the run stops on a signal or an error. Grounded on reusee-tai/cmd/gotai/main.go's
// dscope wiring (one Module per concern, Fork'd together) and
// original_source/src/lifecycle.rs for the shutdown/watchdog policy.
package supervisor

import (
	"fmt"

	"github.com/reusee/dscope"

	"github.com/tach-project/tach/compiler"
	"github.com/tach-project/tach/discovery"
	"github.com/tach-project/tach/isolation"
	"github.com/tach-project/tach/logs"
	"github.com/tach-project/tach/physics"
	"github.com/tach-project/tach/registry"
	"github.com/tach-project/tach/toxicity"
)

// Module is the dscope provider set for package supervisor. Fork it
// together with logs.Module and a dscope.Provide(ProjectRoot(...)) in
// cmd/tachd/main.go, exactly as gotai forks codes.Module with
// modes.ForProduction().
type Module struct {
	dscope.Module
}

// ProjectRoot is the absolute path to the project being tested, supplied
// externally (by the CLI collaborator named in SPEC_FULL.md §1) via
// dscope.Provide; nothing in this package discovers it on its own.
type ProjectRoot string

func (Module) Registry(projectRoot ProjectRoot) *registry.Registry {
	return registry.New(string(projectRoot))
}

func (Module) Compiler(
	projectRoot ProjectRoot,
	logger logs.Logger,
) (*compiler.Compiler, error) {
	return compiler.New(string(projectRoot), logger)
}

// ToxicityAnalyzer parses each source with the discovered Interpreter's
// own ast module (spec.md §4.4) rather than scanning lexically, using the
// same Interpreter the Compiler already discovered at startup.
func (Module) ToxicityAnalyzer(comp *compiler.Compiler) *toxicity.Analyzer {
	return toxicity.NewWithInterpreter(comp.PythonExe())
}

func (Module) PhysicsManager(logger logs.Logger) *physics.Manager {
	return physics.New(logger)
}

func (Module) CleanupGuard(logger logs.Logger) *CleanupGuard {
	return NewCleanupGuard(logger)
}

// DiscoveredFiles walks ProjectRoot once per run; the result feeds both
// the Bytecode Compiler (every discovered file, test modules included,
// becomes a registry entry)
// and the Toxicity Analyzer (every file becomes a scan source).
type DiscoveredFiles []discovery.File

func (Module) DiscoveredFiles(
	projectRoot ProjectRoot,
) (DiscoveredFiles, error) {
	files, err := discovery.Walk(string(projectRoot), discovery.Options{})
	if err != nil {
		return nil, fmt.Errorf("supervisor: discovery walk: %w", err)
	}
	return DiscoveredFiles(files), nil
}

// applyIsolation enforces settings.Isolation at the start of Prepare,
// before any worker spawns (SPEC_FULL.md §5 "Filesystem isolation before
// the snapshot handshake"). namespace mode re-execs the whole process under
// a fresh user+mount namespace (a no-op once inside it); landlock mode
// applies, in the current process and so to every worker it later spawns,
// a ruleset that allows reads everywhere and writes only under the project
// root.
func applyIsolation(logger logs.Logger, settings Settings, projectRoot ProjectRoot) error {
	switch settings.Isolation {
	case "namespace":
		return isolation.ReexecInNamespace()
	case "landlock":
		return isolation.ApplyLandlock(logger, string(projectRoot))
	case "none":
		return nil
	default:
		return fmt.Errorf("supervisor: unknown isolation mode %q", settings.Isolation)
	}
}
