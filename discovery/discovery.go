// Package discovery walks a project tree to find the Python source files
// Tach should compile and run tests from (spec.md's supplemented
// discovery feature, grounded on original_source/src/discovery.rs's
// WalkBuilder-driven module walk, translated from the "ignore" crate's
// gitignore-aware walker to a hand-rolled simplified version since no
// gitignore-matching library appears anywhere in the example pack).
package discovery

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// defaultExcludedDirs never get descended into, mirroring the
// "ignore" crate's built-in VCS and tooling defaults.
var defaultExcludedDirs = map[string]bool{
	".git":         true,
	"__pycache__":  true,
	".tach":        true,
	".venv":        true,
	"venv":         true,
	"node_modules": true,
	".pytest_cache": true,
}

// File is one discovered source file.
type File struct {
	Path      string // absolute
	IsPackage bool   // __init__.py
	IsTest    bool   // matches a test-file naming convention
}

// Options configures a Walk.
type Options struct {
	// TestPatterns are pytest-style glob patterns a filename must match
	// to be flagged IsTest; the zero value defaults to {"test_*.py",
	// "*_test.py"}.
	TestPatterns []string
}

func (o Options) testPatterns() []string {
	if len(o.TestPatterns) > 0 {
		return o.TestPatterns
	}
	return []string{"test_*.py", "*_test.py"}
}

// Walk discovers every Python source file under root, honoring
// .tachignore exclusion rules (see gitignore.go) and the built-in
// excluded-directory set.
func Walk(root string, opts Options) ([]File, error) {
	ignore, err := loadIgnoreRules(root)
	if err != nil {
		return nil, err
	}

	var files []File
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			rel = path
		}

		if d.IsDir() {
			if path != root {
				if defaultExcludedDirs[d.Name()] || ignore.matches(rel, true) {
					return filepath.SkipDir
				}
			}
			return nil
		}

		if !strings.HasSuffix(path, ".py") {
			return nil
		}
		if ignore.matches(rel, false) {
			return nil
		}
		if !looksLikePython(path) {
			return nil
		}

		name := filepath.Base(path)
		files = append(files, File{
			Path:      path,
			IsPackage: name == "__init__.py",
			IsTest:    matchesAny(name, opts.testPatterns()),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// looksLikePython sniffs the file's content type as a defense against a
// misleadingly named non-source file (e.g. a binary fixture someone named
// *.py by accident) slipping into the Bytecode Compiler's input set.
// mimetype detects Python source as text/plain (or application/
// x-python in some magic-db configurations); either is accepted, since
// the real arbiter of validity is the interpreter's own compile step.
func looksLikePython(path string) bool {
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return false
	}
	for m := mtype; m != nil; m = m.Parent() {
		switch m.String() {
		case "text/plain", "application/x-python", "text/x-python":
			return true
		}
	}
	return false
}

func matchesAny(name string, patterns []string) bool {
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}
