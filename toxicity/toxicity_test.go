package toxicity

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// findTestPython locates a real interpreter for the AST-scan tests, or
// skips them: the Analyzer's AST path is only reachable with one
// discovered, exactly as compiler.Compiler requires one to compile at all.
func findTestPython(t *testing.T) string {
	t.Helper()
	for _, name := range []string{"python3", "python"} {
		if p, err := exec.LookPath(name); err == nil {
			return p
		}
	}
	t.Skip("no python interpreter on PATH")
	return ""
}

func writeSource(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestScanFileDetectsThreadCreation(t *testing.T) {
	dir := t.TempDir()
	path := writeSource(t, dir, "a.py", "import threading\n\nt = threading.Thread(target=f)\n")

	scan, err := ScanFile(path, "a")
	require.NoError(t, err)
	assert.True(t, scan.Toxic)
	assert.Contains(t, scan.Reasons, ReasonThreadCreation)
	assert.Contains(t, scan.Imports, "threading")
}

func TestScanFileSafeModule(t *testing.T) {
	dir := t.TempDir()
	path := writeSource(t, dir, "b.py", "import os\n\ndef add(x, y):\n    return x + y\n")

	scan, err := ScanFile(path, "b")
	require.NoError(t, err)
	assert.False(t, scan.Toxic)
	assert.False(t, scan.Unresolved)
}

func TestScanFileDynamicImportUnresolved(t *testing.T) {
	dir := t.TempDir()
	path := writeSource(t, dir, "c.py", "mod = __import__(name)\n")

	scan, err := ScanFile(path, "c")
	require.NoError(t, err)
	assert.True(t, scan.Unresolved)
}

func TestScanFileFromImportConstructor(t *testing.T) {
	dir := t.TempDir()
	path := writeSource(t, dir, "d.py", "from socket import socket\n\ns = socket()\n")

	scan, err := ScanFile(path, "d")
	require.NoError(t, err)
	assert.True(t, scan.Toxic)
	assert.Contains(t, scan.Reasons, ReasonSocketOpen)
}

func TestPropagateTransitiveToxicity(t *testing.T) {
	dir := t.TempDir()
	writeSource(t, dir, "toxic_leaf.py", "import threading\n")
	writeSource(t, dir, "mid.py", "import toxic_leaf\n")
	writeSource(t, dir, "clean.py", "import os\n")

	sources := []Source{
		{Path: filepath.Join(dir, "toxic_leaf.py"), Module: "toxic_leaf"},
		{Path: filepath.Join(dir, "mid.py"), Module: "mid"},
		{Path: filepath.Join(dir, "clean.py"), Module: "clean"},
	}
	reports, err := New().Analyze(sources)
	require.NoError(t, err)

	byModule := map[string]Report{}
	for _, r := range reports {
		byModule[r.Module] = r
	}

	assert.Equal(t, Toxic, byModule["toxic_leaf"].Classification)
	assert.Equal(t, Toxic, byModule["mid"].Classification)
	assert.Equal(t, "toxic_leaf", byModule["mid"].InheritedFrom)
	assert.Equal(t, Safe, byModule["clean"].Classification)
}

func TestPropagateUnresolvedRoutesAsToxic(t *testing.T) {
	dir := t.TempDir()
	writeSource(t, dir, "dyn.py", "mod = __import__(pick())\n")
	writeSource(t, dir, "importer.py", "import dyn\n")

	sources := []Source{
		{Path: filepath.Join(dir, "dyn.py"), Module: "dyn"},
		{Path: filepath.Join(dir, "importer.py"), Module: "importer"},
	}
	reports, err := New().Analyze(sources)
	require.NoError(t, err)

	byModule := map[string]Report{}
	for _, r := range reports {
		byModule[r.Module] = r
	}
	assert.Equal(t, Unknown, byModule["dyn"].Classification)
	assert.True(t, Routed(byModule["dyn"].Classification))
	assert.Equal(t, Toxic, byModule["importer"].Classification)
}

func TestScanFileASTDetectsThreadCreation(t *testing.T) {
	python := findTestPython(t)
	dir := t.TempDir()
	path := writeSource(t, dir, "a.py", "import threading\n\nt = threading.Thread(target=f)\n")

	scan, err := scanFileAST(python, path, "a")
	require.NoError(t, err)
	assert.True(t, scan.Toxic)
	assert.Contains(t, scan.Reasons, ReasonThreadCreation)
	assert.Contains(t, scan.Imports, "threading")
}

func TestScanFileASTFromImportConstructor(t *testing.T) {
	python := findTestPython(t)
	dir := t.TempDir()
	path := writeSource(t, dir, "d.py", "from socket import socket\n\ns = socket()\n")

	scan, err := scanFileAST(python, path, "d")
	require.NoError(t, err)
	assert.True(t, scan.Toxic)
	assert.Contains(t, scan.Reasons, ReasonSocketOpen)
}

func TestScanFileASTDynamicImportUnresolved(t *testing.T) {
	python := findTestPython(t)
	dir := t.TempDir()
	path := writeSource(t, dir, "c.py", "mod = __import__(name)\n")

	scan, err := scanFileAST(python, path, "c")
	require.NoError(t, err)
	assert.True(t, scan.Unresolved)
}

func TestScanFileASTSafeModule(t *testing.T) {
	python := findTestPython(t)
	dir := t.TempDir()
	path := writeSource(t, dir, "b.py", "import os\n\ndef add(x, y):\n    return x + y\n")

	scan, err := scanFileAST(python, path, "b")
	require.NoError(t, err)
	assert.False(t, scan.Toxic)
	assert.False(t, scan.Unresolved)
}

func TestAnalyzeFallsBackToLexicalScanOnSyntaxError(t *testing.T) {
	python := findTestPython(t)
	dir := t.TempDir()
	// ast.parse rejects this outright; ScanFile's regexes tolerate it,
	// so the fallback still reports the thread-creation import.
	path := writeSource(t, dir, "broken.py", "import threading\ndef f(:\n    pass\n")

	reports, err := NewWithInterpreter(python).Analyze([]Source{{Path: path, Module: "broken"}})
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, Toxic, reports[0].Classification)
}

func TestPropagateIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	writeSource(t, dir, "toxic_leaf.py", "import socket\n")
	writeSource(t, dir, "a.py", "import toxic_leaf\n")
	writeSource(t, dir, "b.py", "import toxic_leaf\n")

	sources := []Source{
		{Path: filepath.Join(dir, "toxic_leaf.py"), Module: "toxic_leaf"},
		{Path: filepath.Join(dir, "a.py"), Module: "a"},
		{Path: filepath.Join(dir, "b.py"), Module: "b"},
	}

	first, err := New().Analyze(sources)
	require.NoError(t, err)
	second, err := New().Analyze(sources)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
