package index

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/quarrylabs/quarry/quarry"
)

// MetadataFile is the sidecar persisted beside an index's store directory.
const MetadataFile = "quarry_meta.json"

// storeDirName holds the engine's own on-disk files inside a cache directory.
const storeDirName = "store"

// Metadata describes a persisted index: the engine version that wrote it, the
// config it was built under, and the instant of the last successful commit.
// A fresh Metadata has LastUpdate at the epoch so the next update ingests
// everything.
type Metadata[C any] struct {
	Version    string    `json:"version"`
	LastUpdate time.Time `json:"last_update"`
	Config     C         `json:"config"`
	ForDir     string    `json:"for_dir,omitempty"`
}

func newMetadata[C any](cfg C, forDir string) Metadata[C] {
	return Metadata[C]{
		Version:    quarry.Version,
		LastUpdate: time.Unix(0, 0).UTC(),
		Config:     cfg,
		ForDir:     forDir,
	}
}

func metadataPath(cacheDir string) string {
	return filepath.Join(cacheDir, MetadataFile)
}

func storePath(cacheDir string) string {
	return filepath.Join(cacheDir, storeDirName)
}

// loadMetadata reads the sidecar at cacheDir and validates it against the
// requested config. A missing, unparsable, or config-mismatched sidecar is
// absent metadata, never a hard error: it forces full reindex semantics on
// the next update.
func loadMetadata[C any](cacheDir string, want C) (Metadata[C], bool) {
	var meta Metadata[C]
	if cacheDir == "" {
		return meta, false
	}
	raw, err := os.ReadFile(metadataPath(cacheDir))
	if err != nil {
		return meta, false
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		slog.Warn("Discarding unparsable index metadata",
			"path", metadataPath(cacheDir),
			"error", err)
		return Metadata[C]{}, false
	}
	if !reflect.DeepEqual(meta.Config, want) {
		slog.Debug("Index metadata config differs from requested config",
			"path", metadataPath(cacheDir))
		return Metadata[C]{}, false
	}
	return meta, true
}

// saveMetadata persists the sidecar. A failure here after a successful commit
// must be surfaced, but the commit stands.
func saveMetadata[C any](cacheDir string, meta Metadata[C]) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode index metadata: %w", err)
	}
	if err := os.WriteFile(metadataPath(cacheDir), raw, 0o644); err != nil {
		return fmt.Errorf("write index metadata %s: %w", metadataPath(cacheDir), err)
	}
	return nil
}
