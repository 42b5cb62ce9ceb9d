package physics

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMapsSelf(t *testing.T) {
	regions, err := ParseMaps(os.Getpid())
	require.NoError(t, err)
	require.NotEmpty(t, regions)

	var hasStack bool
	for _, r := range regions {
		if r.IsStack() {
			hasStack = true
		}
		assert.True(t, r.End >= r.Start)
	}
	assert.True(t, hasStack, "expected to find [stack] in /proc/self/maps")
}

func TestRegionShouldSnapshot(t *testing.T) {
	cases := []struct {
		name   string
		region Region
		want   bool
	}{
		{"heap", Region{Perms: "rw-p", Name: "[heap]"}, true},
		{"stack", Region{Perms: "rw-p", Name: "[stack]"}, true},
		{"libpython data", Region{Perms: "rw-p", Name: "/usr/lib/libpython3.11.so.1.0"}, true},
		{"anonymous writable", Region{Perms: "rw-p", Name: ""}, true},
		{"vdso", Region{Perms: "r-xp", Name: "[vdso]"}, false},
		{"readonly mapping", Region{Perms: "r--p", Name: "/usr/lib/x86_64-linux-gnu/libc.so.6"}, false},
		{"shared readwrite", Region{Perms: "rw-s", Name: "/dev/shm/x"}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, c.region.ShouldSnapshot())
		})
	}
}

func TestRegionShouldSnapshotLibpython(t *testing.T) {
	r := Region{Perms: "rw-p", Name: "libpython3.11.so"}
	assert.True(t, r.ShouldSnapshot())
}

func TestAlignToPage(t *testing.T) {
	assert.Equal(t, uintptr(0x1000), alignToPage(0x1000))
	assert.Equal(t, uintptr(0x1000), alignToPage(0x1fff))
	assert.Equal(t, uintptr(0x2000), alignToPage(0x2000))
	assert.Equal(t, uintptr(0), alignToPage(0))
}

func TestRegionLen(t *testing.T) {
	r := Region{Start: 0x1000, End: 0x3000}
	assert.Equal(t, uintptr(0x2000), r.Len())
}
