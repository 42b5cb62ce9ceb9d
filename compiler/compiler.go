// Package compiler implements the Bytecode Compiler (spec.md §4.1): it
// turns a Python source file into a registry.Entry whose bytecode the
// Interpreter's marshal reader can deserialize directly, backed by an
// on-disk cache keyed by source mtime and the running Interpreter's
// version magic. Grounded on original_source/src/loader.rs's
// BytecodeCompiler (cache layout, mtime/magic invalidation, one-shot
// discovery of the Python executable and its magic number) and on the
// teacher's atomic-write idiom (reusee-tai/configs uses sync.OnceValues
// for exactly the same "discover once, reuse for the process lifetime"
// shape as the magic-number cache here).
package compiler

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tach-project/tach/logs"
	"github.com/tach-project/tach/registry"
)

// headerSize is the Interpreter's compiled-file header: magic(4) +
// flags(4) + mtime-or-hash(4) + source-length(4), PEP 552 layout.
const headerSize = 16

// discovery is memoized once per process (spec.md §4.1.3): rediscovering
// the interpreter path and magic number per compilation causes subprocess
// storms and OOM under parallel builds.
type discovery struct {
	pythonExe string
	magic     [4]byte
}

var discoverOnce = sync.OnceValues(func() (discovery, error) {
	return discoverInterpreter()
})

func discoverInterpreter() (discovery, error) {
	pythonExe, err := findPython()
	if err != nil {
		return discovery{}, err
	}
	magic, err := interpreterMagic(pythonExe)
	if err != nil {
		return discovery{}, err
	}
	return discovery{pythonExe: pythonExe, magic: magic}, nil
}

func findPython() (string, error) {
	if p := os.Getenv("TACH_PYTHON"); p != "" {
		return p, nil
	}
	for _, name := range []string{"python3", "python"} {
		if p, err := exec.LookPath(name); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("compiler: no python interpreter found on PATH (set TACH_PYTHON)")
}

func interpreterMagic(pythonExe string) ([4]byte, error) {
	var magic [4]byte
	out, err := exec.Command(pythonExe, "-c",
		"import importlib.util,sys; sys.stdout.buffer.write(importlib.util.MAGIC_NUMBER)",
	).Output()
	if err != nil {
		return magic, fmt.Errorf("compiler: query magic number: %w", err)
	}
	if len(out) < 4 {
		return magic, fmt.Errorf("compiler: short magic number: %d bytes", len(out))
	}
	copy(magic[:], out[:4])
	return magic, nil
}

// Compiler compiles Python sources to header-stripped bytecode, cached on
// disk under <project>/.tach/cache/.
type Compiler struct {
	projectRoot string
	cacheDir    string
	logger      logs.Logger

	pythonExe string
	magic     [4]byte

	// memCache holds entries read from disk this run, so a worker
	// fragmentation-cap recycle storm doesn't re-read the same cache file
	// off disk for every respawned worker within one invocation.
	memCache *lru.Cache[string, registry.Entry]
}

// New creates a Compiler rooted at projectRoot, discovering (once per
// process) the Python interpreter and its version magic.
func New(projectRoot string, logger logs.Logger) (*Compiler, error) {
	d, err := discoverOnce()
	if err != nil {
		return nil, err
	}
	cacheDir := filepath.Join(projectRoot, ".tach", "cache")
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("compiler: create cache dir: %w", err)
	}
	memCache, err := lru.New[string, registry.Entry](4096)
	if err != nil {
		return nil, fmt.Errorf("compiler: new lru cache: %w", err)
	}
	return &Compiler{
		projectRoot: projectRoot,
		cacheDir:    cacheDir,
		logger:      logger,
		pythonExe:   d.pythonExe,
		magic:       d.magic,
		memCache:    memCache,
	}, nil
}

// ModuleName derives the canonical dotted module name for source, a path
// absolute or relative to c.projectRoot. The package entrypoint's trailing
// ".__init__" segment is dropped so the package is addressable by its own
// directory name.
func (c *Compiler) ModuleName(source string) string {
	rel, err := filepath.Rel(c.projectRoot, source)
	if err != nil {
		rel = source
	}
	rel = strings.TrimSuffix(rel, filepath.Ext(rel))
	name := strings.ReplaceAll(rel, string(filepath.Separator), ".")
	name = strings.TrimSuffix(name, ".__init__")
	return name
}

// IsPackageInit reports whether source is a package's entrypoint file.
func IsPackageInit(source string) bool {
	return filepath.Base(source) == "__init__.py"
}

func (c *Compiler) cachePath(source string) string {
	rel, err := filepath.Rel(c.projectRoot, source)
	if err != nil {
		rel = source
	}
	name := strings.ReplaceAll(rel, string(filepath.Separator), "_") + "c"
	return filepath.Join(c.cacheDir, name)
}

// Compile returns a registry.Entry for source, reading a valid cache
// entry when one exists and recompiling through the Interpreter otherwise.
// Failure modes per spec.md §7: invalid source is returned as an error for
// the caller to log-and-skip; a cache I/O failure degrades to an
// in-memory-only compile for this run.
func (c *Compiler) Compile(source string) (registry.Entry, error) {
	name := c.ModuleName(source)

	if entry, ok := c.memCache.Get(source); ok {
		if fresh, err := c.cacheFresh(source, entry); err == nil && fresh {
			return entry, nil
		}
	}

	cachePath := c.cachePath(source)
	if bc, ok := c.readCache(source, cachePath); ok {
		entry := registry.Entry{
			Name:       name,
			SourcePath: source,
			Bytecode:   bc,
			IsPackage:  IsPackageInit(source),
		}
		c.memCache.Add(source, entry)
		return entry, nil
	}

	raw, err := c.compileWithInterpreter(source)
	if err != nil {
		return registry.Entry{}, fmt.Errorf("compiler: compile %s: %w", source, err)
	}
	if len(raw) < headerSize {
		return registry.Entry{}, fmt.Errorf("compiler: %s: compiled artifact shorter than header", source)
	}
	bytecode := raw[headerSize:]
	if len(bytecode) == 0 || bytecode[0] == c.magic[0] {
		// A correctly stripped marshal stream never starts with the
		// interpreter's version-magic byte; this is a cheap sanity check,
		// not a full validation, so we warn and keep going rather than
		// fail the whole compile.
		c.logger.Warn("compiler: stripped bytecode still looks version-magic prefixed",
			"source", source)
	}

	if err := c.writeCache(cachePath, raw); err != nil {
		c.logger.Warn("compiler: cache write failed, continuing in-memory only",
			"source", source, "error", err)
	}

	entry := registry.Entry{
		Name:       name,
		SourcePath: source,
		Bytecode:   bytecode,
		IsPackage:  IsPackageInit(source),
	}
	c.memCache.Add(source, entry)
	return entry, nil
}

// cacheFresh re-checks an in-memory entry's validity against the current
// source mtime; used to avoid trusting a stale memCache hit across a long
// watch-mode run.
func (c *Compiler) cacheFresh(source string, _ registry.Entry) (bool, error) {
	sourceInfo, err := os.Stat(source)
	if err != nil {
		return false, err
	}
	cacheInfo, err := os.Stat(c.cachePath(source))
	if err != nil {
		return false, err
	}
	return !sourceInfo.ModTime().After(cacheInfo.ModTime()), nil
}

// readCache returns the header-stripped bytecode from cachePath if the
// cache entry exists, is newer than source, and carries the expected
// version magic. Any failure is treated as a cache miss, never an error:
// a miss simply triggers recompilation.
func (c *Compiler) readCache(source, cachePath string) ([]byte, bool) {
	sourceInfo, err := os.Stat(source)
	if err != nil {
		return nil, false
	}
	cacheInfo, err := os.Stat(cachePath)
	if err != nil {
		return nil, false
	}
	if sourceInfo.ModTime().After(cacheInfo.ModTime()) {
		return nil, false
	}

	raw, err := os.ReadFile(cachePath)
	if err != nil || len(raw) < headerSize {
		return nil, false
	}
	if !bytes.Equal(raw[:4], c.magic[:]) {
		// version-magic mismatch: treat as miss, the caller will overwrite.
		return nil, false
	}
	return raw[headerSize:], true
}

// writeCache atomically installs a freshly compiled artifact into the
// cache directory via write-then-rename, so concurrent compilers racing on
// the same key (benign: outputs are deterministic, spec.md §5) never
// observe a partially written file.
func (c *Compiler) writeCache(cachePath string, raw []byte) error {
	tmp, err := os.CreateTemp(c.cacheDir, "compile-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), cachePath)
}

// compileWithInterpreter shells out to the discovered Python executable to
// produce a compiled artifact with the standard 16-byte header intact.
func (c *Compiler) compileWithInterpreter(source string) ([]byte, error) {
	out, err := filepath.Abs(source)
	if err != nil {
		out = source
	}
	dest, err := os.MkdirTemp("", "tach-compile-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dest)
	destFile := filepath.Join(dest, "out.pyc")

	script := fmt.Sprintf(
		`import py_compile; py_compile.compile(%q, cfile=%q, doraise=True)`,
		out, destFile,
	)
	cmd := exec.Command(c.pythonExe, "-c", script)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("py_compile %s: %w: %s", source, err, stderr.String())
	}

	return os.ReadFile(destFile)
}

// Magic returns the discovered Interpreter version magic, exposed so
// callers (e.g. the Toxicity Analyzer's cache, or tests) can assert
// against it without re-discovering the interpreter.
func (c *Compiler) Magic() [4]byte {
	return c.magic
}

// PythonExe returns the discovered interpreter path.
func (c *Compiler) PythonExe() string {
	return c.pythonExe
}
