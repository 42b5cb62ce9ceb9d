package discovery

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestWalkFindsTestFilesAndPackages(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "pkg", "__init__.py"), "\n")
	writeFile(t, filepath.Join(root, "pkg", "mod.py"), "def f():\n    pass\n")
	writeFile(t, filepath.Join(root, "pkg", "test_mod.py"), "def test_f():\n    assert True\n")
	writeFile(t, filepath.Join(root, "README.md"), "not python\n")

	files, err := Walk(root, Options{})
	require.NoError(t, err)
	require.Len(t, files, 3)

	byName := map[string]File{}
	for _, f := range files {
		byName[filepath.Base(f.Path)] = f
	}
	assert.True(t, byName["__init__.py"].IsPackage)
	assert.False(t, byName["mod.py"].IsTest)
	assert.True(t, byName["test_mod.py"].IsTest)
}

func TestWalkHonorsTachignore(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "keep.py"), "x = 1\n")
	writeFile(t, filepath.Join(root, "skip_me.py"), "x = 1\n")
	writeFile(t, filepath.Join(root, ".tachignore"), "skip_me.py\n")

	files, err := Walk(root, Options{})
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "keep.py", filepath.Base(files[0].Path))
}

func TestWalkSkipsExcludedDirectories(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "src", "a.py"), "x = 1\n")
	writeFile(t, filepath.Join(root, "__pycache__", "a.cpython-311.py"), "x = 1\n")
	writeFile(t, filepath.Join(root, ".venv", "lib", "b.py"), "x = 1\n")

	files, err := Walk(root, Options{})
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "a.py", filepath.Base(files[0].Path))
}

func TestWalkCustomTestPatterns(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "spec_thing.py"), "x = 1\n")

	files, err := Walk(root, Options{TestPatterns: []string{"spec_*.py"}})
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.True(t, files[0].IsTest)
}
