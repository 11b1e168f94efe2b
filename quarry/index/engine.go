package index

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
)

// openEngine opens or creates the engine store for an index. An empty
// cacheDir yields a memory-resident index that lives only for the process.
// The second return reports whether a fresh store was created instead of an
// existing one reopened; a fresh store holds no documents and needs a full
// ingest regardless of prior metadata.
//
// When stale is true the requested config no longer matches what the store
// was built under, so the store is cleared and recreated rather than
// reopened: a config change forces a true rebuild, not just a timestamp
// reset. An existing store that the engine cannot open is treated as
// corruption: every file in the cache location is deleted and creation is
// retried exactly once; a second failure is fatal.
func openEngine(cacheDir string, im mapping.IndexMapping, stale bool) (bleve.Index, bool, error) {
	if cacheDir == "" {
		idx, err := bleve.NewMemOnly(im)
		if err != nil {
			return nil, false, fmt.Errorf("create in-memory index: %w", err)
		}
		return idx, true, nil
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, false, fmt.Errorf("create index cache directory %s: %w", cacheDir, err)
	}
	store := storePath(cacheDir)

	if stale {
		if _, err := os.Stat(store); err == nil {
			slog.Info("Index config changed, rebuilding store", "store", store)
			if err := os.RemoveAll(store); err != nil {
				return nil, false, fmt.Errorf("clear stale index store %s: %w", store, err)
			}
			// The old sidecar describes a store that no longer exists. It must
			// go with it, or a later reopen under the original config would
			// trust its LastUpdate against an empty store.
			if err := os.Remove(metadataPath(cacheDir)); err != nil && !os.IsNotExist(err) {
				return nil, false, fmt.Errorf("clear stale index metadata %s: %w", metadataPath(cacheDir), err)
			}
		}
	}

	idx, err := bleve.Open(store)
	if err == bleve.ErrorIndexPathDoesNotExist {
		idx, err = bleve.New(store, im)
		if err != nil {
			return nil, false, fmt.Errorf("create index store %s: %w", store, err)
		}
		return idx, true, nil
	}
	if err != nil {
		slog.Error("Index store is corrupted, clearing cache directory",
			"dir", cacheDir,
			"error", err)
		if err := clearDir(cacheDir); err != nil {
			return nil, false, fmt.Errorf("clear corrupted index cache %s: %w", cacheDir, err)
		}
		idx, err = bleve.New(store, im)
		if err != nil {
			return nil, false, fmt.Errorf("recreate index store %s after clearing: %w", store, err)
		}
		return idx, true, nil
	}
	return idx, false, nil
}

// clearDir removes everything inside dir, leaving dir itself in place.
func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

// deleteIndex removes all documents, the metadata sidecar, and the cache
// directory. It reports whether anything existed; memory-resident indexes
// have nothing on disk to remove.
func deleteIndex(idx bleve.Index, cacheDir string) (bool, error) {
	if cacheDir == "" {
		return false, nil
	}
	if _, err := os.Stat(cacheDir); os.IsNotExist(err) {
		return false, nil
	}
	if err := idx.Close(); err != nil {
		slog.Warn("Failed to close index before deletion", "dir", cacheDir, "error", err)
	}
	if err := os.RemoveAll(cacheDir); err != nil {
		return false, fmt.Errorf("remove index cache %s: %w", cacheDir, err)
	}
	return true, nil
}
