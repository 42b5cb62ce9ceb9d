package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertAndLookup(t *testing.T) {
	reg := New("/project")
	reg.Insert(Entry{
		Name:       "pkg.sub",
		SourcePath: "/project/pkg/sub/__init__.py",
		Bytecode:   []byte{0xaa, 0xbb},
		IsPackage:  true,
	})

	bc, ok := reg.GetBytecode("pkg.sub")
	require.True(t, ok)
	assert.Equal(t, []byte{0xaa, 0xbb}, bc)

	path, ok := reg.GetSourcePath("pkg.sub")
	require.True(t, ok)
	assert.Equal(t, "/project/pkg/sub/__init__.py", path)

	isPkg, ok := reg.IsPackage("pkg.sub")
	require.True(t, ok)
	assert.True(t, isPkg)

	_, ok = reg.GetBytecode("does.not.exist")
	assert.False(t, ok)
}

func TestFreezePreventsWrites(t *testing.T) {
	reg := New("/project")
	reg.Insert(Entry{Name: "a"})
	reg.Freeze()

	assert.True(t, reg.Frozen())
	assert.Panics(t, func() {
		reg.Insert(Entry{Name: "b"})
	})

	// reads still work after freeze
	_, ok := reg.GetBytecode("a")
	assert.True(t, ok)
}

func TestLenAndNames(t *testing.T) {
	reg := New("/project")
	reg.Insert(Entry{Name: "a"})
	reg.Insert(Entry{Name: "b"})
	assert.Equal(t, 2, reg.Len())
	assert.ElementsMatch(t, []string{"a", "b"}, reg.Names())
}
