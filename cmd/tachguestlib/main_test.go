package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetStore() {
	storeMu.Lock()
	store = map[string]entry{}
	storeMu.Unlock()
}

func TestLoadAndGetBytecodeRoundTrip(t *testing.T) {
	resetStore()
	payload := []byte{0x01, 0x02, 0x03}

	rc := testLoad("pkg.mod", "/proj/pkg/mod.py", payload, false)
	require.EqualValues(t, 1, rc)

	got, ok := testGetBytecode("pkg.mod")
	require.True(t, ok)
	assert.Equal(t, payload, got)
}

func TestGetBytecodeMissReturnsNilAndZeroLength(t *testing.T) {
	resetStore()
	got, ok := testGetBytecode("missing")
	assert.False(t, ok)
	assert.Nil(t, got)
}

func TestIsPackageDistinguishesMissingFromNotPackage(t *testing.T) {
	resetStore()
	testLoad("leafmod", "", nil, false)

	assert.EqualValues(t, 0, testIsPackage("leafmod"))
	assert.EqualValues(t, -1, testIsPackage("nope"))
}

func TestGetSourcePathRoundTrip(t *testing.T) {
	resetStore()
	testLoad("pkg", "/proj/pkg/__init__.py", nil, true)

	path, ok := testGetSourcePath("pkg")
	require.True(t, ok)
	assert.Equal(t, "/proj/pkg/__init__.py", path)
	assert.EqualValues(t, 1, testIsPackage("pkg"))
}
