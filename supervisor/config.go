package supervisor

import (
	_ "embed"
	"os"
	"path/filepath"
	"time"

	"github.com/tach-project/tach/cmds"
	"github.com/tach-project/tach/configs"
	"github.com/tach-project/tach/logs"
	"github.com/tach-project/tach/vars"
)

//go:embed schema.cue
var schema string

// skipIsolation lets a developer drop straight to Isolation "none" for a
// local run without editing tach.cue, mirroring
// reusee-tai/taiconfigs.MaxTokens's flag-overrides-config precedent.
var skipIsolation = cmds.Var[bool]("-skip-isolation")

// Settings is Tach's project-level configuration (SPEC_FULL.md §2.2):
// worker pool size, fragmentation cap, per-test timeout, cache directory,
// and the isolation mode workers boot under. Decoded from a CUE root the
// same way reusee-tai/taiconfigs decodes its own project configuration.
type Settings struct {
	PoolSize         int
	FragmentationCap int
	TestTimeout      time.Duration
	CacheDir         string
	HarnessPath      string
	GuestLibPath     string
	Isolation        string
}

// ConfigsLoader locates tach.cue / .tach.cue across the working
// directory, the user config dir, and /etc, exactly as
// reusee-tai/taiconfigs.ConfigsLoader locates tai.cue.
func (Module) ConfigsLoader(
	logger logs.Logger,
) configs.Loader {
	var paths []string
	defer func() {
		if len(paths) > 0 {
			logger.Info("supervisor: config file", "paths", paths)
		}
	}()

	filenames := []string{"tach.cue", ".tach.cue"}

	if workingDir, err := os.Getwd(); err == nil {
		for _, filename := range filenames {
			path := filepath.Join(workingDir, filename)
			if _, err := os.Stat(path); err == nil {
				paths = append(paths, path)
			}
		}
	}

	if configDir, err := os.UserConfigDir(); err == nil {
		for _, filename := range filenames {
			path := filepath.Join(configDir, filename)
			if _, err := os.Stat(path); err == nil {
				paths = append(paths, path)
			}
		}
	}

	for _, filename := range filenames {
		path := filepath.Join("/etc", filename)
		if _, err := os.Stat(path); err == nil {
			paths = append(paths, path)
		}
	}

	return configs.NewLoader(paths, schema)
}

// Settings decodes each field out of the loaded config root individually,
// exactly the way reusee-tai/taiconfigs.MaxTokens pulls "max_tokens" out
// of its loader rather than decoding a whole struct in one shot; a field
// absent from every config root decodes to its Go zero value, which
// vars.FirstNonZero then replaces with Tach's built-in default.
func (Module) Settings(
	loader configs.Loader,
	projectRoot ProjectRoot,
) Settings {
	poolSize := vars.FirstNonZero(configs.First[int](loader, "PoolSize"), 4)
	fragCap := vars.FirstNonZero(configs.First[int](loader, "FragmentationCap"), 64)
	timeoutMS := vars.FirstNonZero(configs.First[int](loader, "TestTimeoutMS"), 5000)
	isolation := vars.FirstNonZero(configs.First[string](loader, "Isolation"), "landlock")
	if *skipIsolation {
		isolation = "none"
	}
	cacheDir := configs.First[string](loader, "CacheDir")
	if cacheDir == "" {
		cacheDir = filepath.Join(string(projectRoot), ".tach", "cache")
	}

	harnessPath := configs.First[string](loader, "HarnessPath")
	if harnessPath == "" {
		harnessPath = defaultSiblingPath("guest", "tach_guest_main.py")
	}
	guestLibPath := configs.First[string](loader, "GuestLibPath")
	if guestLibPath == "" {
		guestLibPath = defaultSiblingPath("lib", "tachguestlib.so")
	}

	return Settings{
		PoolSize:         poolSize,
		FragmentationCap: fragCap,
		TestTimeout:      time.Duration(timeoutMS) * time.Millisecond,
		CacheDir:         cacheDir,
		HarnessPath:      harnessPath,
		GuestLibPath:     guestLibPath,
		Isolation:        isolation,
	}
}

// defaultSiblingPath looks for a resource next to the running tachd binary
// (<exe-dir>/../<subdir>/<name>), the same "current executable as an
// anchor" idiom taido/execute.go uses to relaunch itself; an empty CUE
// field is a stated opt-in to this convention, not a requirement to
// configure HarnessPath/GuestLibPath explicitly in every deployment.
func defaultSiblingPath(subdir, name string) string {
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	candidate := filepath.Join(filepath.Dir(exe), "..", subdir, name)
	if _, err := os.Stat(candidate); err != nil {
		return ""
	}
	return candidate
}
