// Package registry implements the process-wide Module Registry (spec.md
// §4.2): a write-once-then-frozen map from module name to Bytecode Entry,
// populated before the first fork and shared with workers read-only via
// copy-on-write. Grounded on original_source/src/loader.rs's
// ModuleRegistry, generalized from DashMap's concurrent map to a
// sync.RWMutex-guarded map with an explicit freeze, since no Go
// concurrent-map dependency appears anywhere in the example pack (see
// DESIGN.md).
package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Entry is an immutable Bytecode Entry (spec.md §3): a compiled module
// ready for injection through the Import Hook.
type Entry struct {
	Name       string // canonical dotted module name
	SourcePath string // absolute path to the source file
	Bytecode   []byte // marshal-format bytes, version header already stripped
	IsPackage  bool   // true when SourcePath is a package initializer
}

// Registry is the Module Registry. The zero value is not usable; use New.
type Registry struct {
	root    string
	mu      sync.RWMutex
	entries map[string]Entry
	frozen  atomic.Bool
}

// New creates an empty registry rooted at projectRoot. The registry accepts
// writes until Freeze is called.
func New(projectRoot string) *Registry {
	return &Registry{
		root:    projectRoot,
		entries: make(map[string]Entry),
	}
}

// Root returns the project root path the registry was created with.
func (r *Registry) Root() string {
	return r.root
}

// Insert registers an entry under entry.Name. Insert panics if called
// after Freeze: spec.md §4.2 requires all writes to complete before any
// worker is spawned, and a post-freeze write would either be invisible to
// already-forked children or diverge per worker, so the implementation
// must refuse it outright rather than silently accept it.
func (r *Registry) Insert(entry Entry) {
	if r.frozen.Load() {
		panic(fmt.Errorf("registry: Insert(%q) after Freeze", entry.Name))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[entry.Name] = entry
}

// Freeze completes the single writer phase. After Freeze, Insert panics
// and the registry's backing map is safe to fork: every worker inherits
// the same pages copy-on-write and pays at most a local cache miss to read
// an entry, never a write or a disk access.
func (r *Registry) Freeze() {
	r.frozen.Store(true)
}

// Frozen reports whether Freeze has been called.
func (r *Registry) Frozen() bool {
	return r.frozen.Load()
}

// GetBytecode returns the stripped marshal-format bytes for name.
func (r *Registry) GetBytecode(name string) ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return entry.Bytecode, true
}

// GetSourcePath returns the source path backing the __file__ attribute.
func (r *Registry) GetSourcePath(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	if !ok {
		return "", false
	}
	return entry.SourcePath, true
}

// IsPackage reports whether name is backed by a package initializer.
func (r *Registry) IsPackage(name string) (bool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	if !ok {
		return false, false
	}
	return entry.IsPackage, true
}

// Get returns the full entry for name.
func (r *Registry) Get(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	return entry, ok
}

// Len reports the number of registered modules.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Names returns every registered module name, unordered.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	return names
}
