// Package version exposes build identity for the registry proxy binary,
// surfaced over GET /api/version and the --version flag.
package version

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Set at build time via -ldflags; Version left blank falls back to reading
// a VERSION file next to the binary or working directory.
var (
	Version   = ""
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	resolveOnce sync.Once
	resolved    string
)

const fallbackVersion = "0.0.0"

// GetVersion returns the resolved version string, preferring the
// build-time Version var and otherwise searching for a VERSION file.
func GetVersion() string {
	resolveOnce.Do(func() {
		if Version != "" {
			resolved = Version
			return
		}
		resolved = findVersionFile()
	})
	return resolved
}

// GetFullVersion returns the version annotated with build time and commit,
// for --version output and startup logging.
func GetFullVersion() string {
	return fmt.Sprintf("%s (build: %s, commit: %s)", GetVersion(), BuildTime, GitCommit)
}

// findVersionFile looks for a VERSION file in the working directory, its
// parents, and alongside the running executable, in that order.
func findVersionFile() string {
	candidates := []string{"VERSION", "../VERSION", "../../VERSION"}

	if exe, err := os.Executable(); err == nil {
		dir := filepath.Dir(exe)
		candidates = append(candidates, filepath.Join(dir, "VERSION"), filepath.Join(dir, "..", "VERSION"))
	}

	for _, path := range candidates {
		if data, err := os.ReadFile(path); err == nil {
			return strings.TrimSpace(string(data))
		}
	}
	return fallbackVersion
}

// ResetCache clears the memoized version, for tests that set Version and
// need GetVersion to re-resolve.
func ResetCache() {
	resolveOnce = sync.Once{}
	resolved = ""
}
