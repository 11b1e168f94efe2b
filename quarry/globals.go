package quarry

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// Version is stamped into every index metadata sidecar.
const Version = "0.4.0"

var (
	// DefaultAppName names the tool in config and cache paths
	DefaultAppName    = "quarry"
	DefaultConfigPath = filepath.Join(getHomeDir(), ".config", DefaultAppName)

	// DefaultCacheRoot is where per-directory index caches live when the
	// caller does not pick an explicit cache location.
	DefaultCacheRoot = defaultCacheRoot()
)

func defaultCacheRoot() string {
	if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
		return filepath.Join(xdg, DefaultAppName)
	}
	return filepath.Join(getHomeDir(), ".cache", DefaultAppName)
}

func getHomeDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current working directory if home directory is unavailable
		cwd, cwdErr := os.Getwd()
		if cwdErr != nil {
			// Last resort - use tmp directory
			log.Printf("Unable to get home or working directory, using /tmp: %v", err)
			return "/tmp"
		}
		log.Printf("Unable to get home directory, using current working directory: %v", err)
		return cwd
	}
	return homeDir
}

// DefaultIndexDir derives the on-disk cache directory for an index over
// forDir by re-rooting its absolute path under DefaultCacheRoot, so distinct
// roots never share a cache.
func DefaultIndexDir(forDir string) (string, error) {
	abs, err := filepath.Abs(forDir)
	if err != nil {
		return "", fmt.Errorf("resolve index target %s: %w", forDir, err)
	}
	vol := filepath.VolumeName(abs)
	rel := strings.TrimPrefix(abs[len(vol):], string(os.PathSeparator))
	return filepath.Join(DefaultCacheRoot, rel), nil
}

// DefaultNamedIndexDir is DefaultIndexDir for a named (non-file) index kept
// alongside a directory's cache.
func DefaultNamedIndexDir(forDir, name string) (string, error) {
	dir, err := DefaultIndexDir(forDir)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "__index_"+name), nil
}

// GetLogger returns a properly configured zerolog logger instance
func GetLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}
