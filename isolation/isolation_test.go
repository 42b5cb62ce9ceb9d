package isolation

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReexecInNamespaceNoopWhenAlreadyNamespaced(t *testing.T) {
	t.Setenv("TACH_NAMESPACED", "1")
	assert.NoError(t, ReexecInNamespace())
}

func TestReexecInNamespaceNoopWithoutLinuxBuildTag(t *testing.T) {
	// On platforms without the linux build tag, ReexecInNamespace is
	// always a no-op regardless of TACH_NAMESPACED; on linux the
	// preceding test already exercises the guarded return path.
	if runtime.GOOS == "linux" {
		return
	}
	t.Setenv("TACH_NAMESPACED", "")
	assert.NoError(t, ReexecInNamespace())
}
