package toxicity

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
)

// astScanScript dumps every import target and call-expression target in a
// source file as JSON, the same "shell out to the discovered Interpreter"
// idiom compiler.Compiler.compileWithInterpreter uses for compilation,
// applied here to satisfy spec.md §4.4's "parse each source to an AST"
// requirement without a Go Python-AST library (see DESIGN.md).
const astScanScript = `
import ast, json, sys

path = sys.argv[1]
with open(path, "r", encoding="utf-8") as f:
    source = f.read()
tree = ast.parse(source, filename=path)

imports = []
calls = []
dynamic = False

def call_name(func):
    if isinstance(func, ast.Name):
        return func.id
    if isinstance(func, ast.Attribute):
        parts = [func.attr]
        cur = func.value
        while isinstance(cur, ast.Attribute):
            parts.append(cur.attr)
            cur = cur.value
        if isinstance(cur, ast.Name):
            parts.append(cur.id)
            return ".".join(reversed(parts))
    return None

for node in ast.walk(tree):
    if isinstance(node, ast.Import):
        for alias in node.names:
            imports.append(alias.name)
    elif isinstance(node, ast.ImportFrom):
        if node.module:
            imports.append(node.module)
    elif isinstance(node, ast.Call):
        name = call_name(node.func)
        if name:
            calls.append(name)
        if name in ("__import__",) or name == "importlib.import_module" or (isinstance(node.func, ast.Attribute) and node.func.attr == "import_module"):
            dynamic = True

json.dump({"imports": imports, "calls": calls, "dynamic": dynamic}, sys.stdout)
`

type astScanOutput struct {
	Imports []string `json:"imports"`
	Calls   []string `json:"calls"`
	Dynamic bool     `json:"dynamic"`
}

// scanFileAST parses path with pythonExe's own ast module and classifies
// it against the same dangerousImport/dangerousConstructor tables
// ScanFile uses. The two scans can still differ: this one sees every
// module of an `import a, b` line and counts only constructor names that
// are called, while ScanFile reads the first module of an import line and
// also counts constructor names that are merely imported.
func scanFileAST(pythonExe, path, module string) (ScanResult, error) {
	cmd := exec.Command(pythonExe, "-c", astScanScript, path)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return ScanResult{}, fmt.Errorf("toxicity: ast scan %s: %w: %s", path, err, stderr.String())
	}

	var out astScanOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return ScanResult{}, fmt.Errorf("toxicity: decode ast scan %s: %w", path, err)
	}

	result := ScanResult{Module: module, Unresolved: out.Dynamic}
	seenReasons := map[Reason]bool{}
	seenImports := map[string]bool{}

	addReason := func(r Reason) {
		if !seenReasons[r] {
			seenReasons[r] = true
			result.Reasons = append(result.Reasons, r)
			result.Toxic = true
		}
	}

	for _, imp := range out.Imports {
		if !seenImports[imp] {
			seenImports[imp] = true
			result.Imports = append(result.Imports, imp)
		}
		if reason, ok := dangerousImport[imp]; ok {
			addReason(reason)
		}
	}

	for _, call := range out.Calls {
		if reason, ok := dangerousConstructor[call]; ok {
			addReason(reason)
			continue
		}
		// A bare name (e.g. Thread from `from threading import Thread`)
		// also matches the short form of a dotted constructor entry.
		if reason, ok := dangerousConstructor[lastComponent(call)]; ok {
			addReason(reason)
		}
	}

	sort.Slice(result.Imports, func(i, j int) bool { return result.Imports[i] < result.Imports[j] })
	sort.Slice(result.Reasons, func(i, j int) bool { return result.Reasons[i] < result.Reasons[j] })

	return result, nil
}

func lastComponent(dotted string) string {
	for i := len(dotted) - 1; i >= 0; i-- {
		if dotted[i] == '.' {
			return dotted[i+1:]
		}
	}
	return dotted
}
