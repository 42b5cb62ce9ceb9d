package supervisor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tach-project/tach/configs"
)

func TestSettingsDefaultsWithNoConfigFile(t *testing.T) {
	loader := configs.NewLoader(nil, schema)
	settings := Module{}.Settings(loader, ProjectRoot("/project"))

	assert.Equal(t, 4, settings.PoolSize)
	assert.Equal(t, 64, settings.FragmentationCap)
	assert.Equal(t, 5*time.Second, settings.TestTimeout)
	assert.Equal(t, "landlock", settings.Isolation)
	assert.Equal(t, filepath.Join("/project", ".tach", "cache"), settings.CacheDir)
}

func TestSettingsOverriddenByConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tach.cue")
	require.NoError(t, os.WriteFile(path, []byte(`
PoolSize: 8
FragmentationCap: 16
TestTimeoutMS: 2000
Isolation: "namespace"
HarnessPath: "/opt/tach/harness.py"
`), 0o644))

	loader := configs.NewLoader([]string{path}, schema)
	settings := Module{}.Settings(loader, ProjectRoot(dir))

	assert.Equal(t, 8, settings.PoolSize)
	assert.Equal(t, 16, settings.FragmentationCap)
	assert.Equal(t, 2*time.Second, settings.TestTimeout)
	assert.Equal(t, "namespace", settings.Isolation)
	assert.Equal(t, "/opt/tach/harness.py", settings.HarnessPath)
}

func TestSkipIsolationFlagOverridesConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tach.cue")
	require.NoError(t, os.WriteFile(path, []byte(`Isolation: "namespace"`), 0o644))

	*skipIsolation = true
	defer func() { *skipIsolation = false }()

	loader := configs.NewLoader([]string{path}, schema)
	settings := Module{}.Settings(loader, ProjectRoot(dir))
	assert.Equal(t, "none", settings.Isolation)
}
