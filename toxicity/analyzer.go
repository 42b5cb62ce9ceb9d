package toxicity

import "fmt"

// Source is one file the Analyzer must classify, paired with the module
// name the Bytecode Compiler would assign it.
type Source struct {
	Path   string
	Module string
}

// Analyzer runs the full Toxicity Analyzer contract (spec.md §4.4) over a
// batch of sources: scan each file, build the import graph, propagate.
type Analyzer struct {
	// pythonExe, when set, is used to parse each source with the running
	// Interpreter's own ast module (spec.md §4.4 "Parse each source to an
	// AST"), mirroring compiler.Compiler.compileWithInterpreter's shell-out
	// idiom. Empty means fall back to ScanFile's lexical scan, which is
	// what every Analyzer built via New (no interpreter known yet, e.g. in
	// tests) does.
	pythonExe string
}

// New returns an Analyzer that scans lexically, via ScanFile, with no
// Interpreter available to parse an AST. Every Analyze call is a fresh,
// deterministic pass over its input.
func New() *Analyzer {
	return &Analyzer{}
}

// NewWithInterpreter returns an Analyzer that parses each source with
// pythonExe's own ast module instead of ScanFile's regexes, falling back
// to ScanFile only for a file the Interpreter itself cannot parse.
func NewWithInterpreter(pythonExe string) *Analyzer {
	return &Analyzer{pythonExe: pythonExe}
}

// Analyze scans every source and returns its Toxicity Report, one per
// module, sorted by module name.
func (a *Analyzer) Analyze(sources []Source) ([]Report, error) {
	scans := make([]ScanResult, 0, len(sources))
	for _, src := range sources {
		scan, err := a.scan(src.Path, src.Module)
		if err != nil {
			return nil, fmt.Errorf("toxicity: analyze %s: %w", src.Module, err)
		}
		scans = append(scans, scan)
	}
	graph := NewGraph(scans)
	return graph.Propagate(), nil
}

// scan prefers an AST-backed scan when an Interpreter is known, falling
// back to the lexical scanner for any file the Interpreter itself fails
// to parse (e.g. a syntax error ScanFile's regexes tolerate but ast.parse
// rejects outright).
func (a *Analyzer) scan(path, module string) (ScanResult, error) {
	if a.pythonExe == "" {
		return ScanFile(path, module)
	}
	scan, err := scanFileAST(a.pythonExe, path, module)
	if err != nil {
		return ScanFile(path, module)
	}
	return scan, nil
}
