// Package index maintains incrementally updated full-text indexes over
// directory trees and caller-supplied records, wrapping the bleve engine for
// storage, tokenization, and ranking. It decides when an on-disk index is
// reusable versus stale, walks candidate files into the index in parallel,
// commits each update atomically, and maps ranked hits back to source lines.
package index

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/quarrylabs/quarry/quarry/language"
	"github.com/quarrylabs/quarry/quarry/walker"
)

// contentField is the single tokenized field of a file index. The file text
// is never stored in the engine; original text is always re-read from the
// source file.
const contentField = "contents"

// Options is the immutable indexing policy for a file index. It is compared
// structurally against the persisted config to detect a policy change.
type Options struct {
	Follow              bool         `json:"follow" mapstructure:"follow"`
	Glob                []string     `json:"glob" mapstructure:"glob"`
	GlobCaseInsensitive bool         `json:"glob_case_insensitive" mapstructure:"glob_case_insensitive"`
	Hidden              bool         `json:"hidden" mapstructure:"hidden"`
	IgnoreFiles         bool         `json:"ignore_files" mapstructure:"ignore_files"`
	Language            language.Ref `json:"language" mapstructure:"language"`
	OGlob               []string     `json:"oglob" mapstructure:"oglob"`
	Threads             int          `json:"threads" mapstructure:"threads"`
}

// DefaultOptions matches the defaults the tool has always shipped with:
// honor ignore files, skip hidden entries, stem English.
func DefaultOptions() Options {
	return Options{
		Follow:      false,
		Hidden:      false,
		IgnoreFiles: true,
		Language:    language.English,
	}
}

// SearchOptions controls one search call.
type SearchOptions struct {
	// Limit caps the number of ranked hits.
	Limit int
	// Threshold excludes hits whose score is not strictly greater.
	Threshold float64
	// FilenameOnly skips line localization entirely.
	FilenameOnly bool
	// RootDir, when set, replaces the indexed root when resolving result
	// paths (e.g. searching a moved checkout with an existing index).
	RootDir string
}

// DefaultSearchOptions returns the stock search configuration.
func DefaultSearchOptions() SearchOptions {
	return SearchOptions{Limit: 1000}
}

// Line is a matched source line.
type Line struct {
	Number int    `json:"number"`
	Text   string `json:"text"`
}

// FileResult is one ranked, optionally line-localized search hit.
type FileResult struct {
	File  string  `json:"file"`
	Score float64 `json:"score"`
	Lines []Line  `json:"lines,omitempty"`
}

// FileIndex is a searchable index over one directory tree. Document identity
// is the path relative to the indexed root.
type FileIndex struct {
	meta     Metadata[Options]
	cacheDir string
	idx      bleve.Index
	analyzer string
	walk     *walker.Walker

	// stale marks a freshly recreated store; the next update ingests every
	// file regardless of modification time.
	stale bool

	// mu serializes updates: one writer per index, single commit per update.
	mu sync.Mutex
}

// GetOrCreate opens the index for forDir at cacheDir, creating it when
// needed. An empty cacheDir keeps the index in memory for the process
// lifetime and never touches metadata. Configuration problems, such as an
// invalid language or glob, fail here before any index is touched. A persisted
// config that differs from opts invalidates the prior metadata and forces a
// rebuild of the store.
func GetOrCreate(forDir, cacheDir string, opts Options) (*FileIndex, error) {
	root, err := canonicalDir(forDir)
	if err != nil {
		return nil, err
	}
	if cacheDir != "" {
		if cacheDir, err = filepath.Abs(cacheDir); err != nil {
			return nil, fmt.Errorf("resolve cache directory: %w", err)
		}
	}

	im, analyzerName, err := buildFileMapping(opts.Language)
	if err != nil {
		return nil, err
	}
	walk, err := walker.New(root, walker.Options{
		Hidden:          opts.Hidden,
		IgnoreFiles:     opts.IgnoreFiles,
		FollowSymlinks:  opts.Follow,
		Threads:         opts.Threads,
		Overrides:       opts.Glob,
		Whitelist:       opts.OGlob,
		CaseInsensitive: opts.GlobCaseInsensitive,
	})
	if err != nil {
		return nil, err
	}

	meta, ok := loadMetadata[Options](cacheDir, opts)
	idx, fresh, err := openEngine(cacheDir, im, !ok)
	if err != nil {
		return nil, err
	}
	if !ok {
		meta = newMetadata(opts, root)
	}

	return &FileIndex{
		meta:     meta,
		cacheDir: cacheDir,
		idx:      idx,
		analyzer: analyzerName,
		walk:     walk,
		stale:    !ok || fresh,
	}, nil
}

func canonicalDir(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve directory %s: %w", dir, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("resolve directory %s: %w", abs, err)
	}
	return resolved, nil
}

// buildFileMapping defines the fixed schema of a file index: the document ID
// carries the relative path (exact match, retrievable), and the contents
// field is tokenized with the language pipeline, carries term positions, and
// is not stored. Dynamic mapping is off so the field set is fixed at open.
func buildFileMapping(lang language.Ref) (*mapping.IndexMappingImpl, string, error) {
	im := bleve.NewIndexMapping()
	name, err := language.RegisterAnalyzer(im, lang)
	if err != nil {
		return nil, "", err
	}
	doc := bleve.NewDocumentMapping()
	doc.Dynamic = false
	content := bleve.NewTextFieldMapping()
	content.Analyzer = name
	content.Store = false
	content.IncludeInAll = false
	content.IncludeTermVectors = true
	doc.AddFieldMappingsAt(contentField, content)
	im.DefaultMapping = doc
	im.DefaultField = contentField
	return im, name, nil
}

// ForDir returns the canonical indexed root.
func (fi *FileIndex) ForDir() string {
	return fi.meta.ForDir
}

// InMemory reports whether the index lives only in process memory.
func (fi *FileIndex) InMemory() bool {
	return fi.cacheDir == ""
}

// FileWalker exposes the configured discovery policy, e.g. to list the files
// an update would consider without indexing anything.
func (fi *FileIndex) FileWalker() *walker.Walker {
	return fi.walk
}

// Update walks the indexed root and (re)ingests every file that is new or
// modified since the last successful update, or every file when rebuild is
// set or the store was just rebuilt. Files that cannot be read as UTF-8 text
// are skipped silently. All accepted documents become visible together in a
// single commit; ingesting a path the index already holds replaces the prior
// version. It returns the number of committed documents.
func (fi *FileIndex) Update(ctx context.Context, rebuild bool) (int, error) {
	fi.mu.Lock()
	defer fi.mu.Unlock()

	// Captured before the walk so files modified while it runs are picked up
	// again next time.
	start := time.Now().UTC()
	force := rebuild || fi.stale

	batch := fi.idx.NewBatch()
	var batchMu sync.Mutex
	count := 0
	err := fi.walk.Walk(ctx, func(entry walker.Entry) error {
		if !force && !entry.Info.ModTime().After(fi.meta.LastUpdate) {
			return nil
		}
		data, err := os.ReadFile(entry.Path)
		if err != nil {
			slog.Debug("Skipping unreadable file", "path", entry.Path, "error", err)
			return nil
		}
		if !utf8.Valid(data) {
			slog.Debug("Skipping non-UTF-8 file", "path", entry.Path)
			return nil
		}
		rel := filepath.ToSlash(entry.Rel)
		batchMu.Lock()
		defer batchMu.Unlock()
		if err := batch.Index(rel, map[string]interface{}{contentField: string(data)}); err != nil {
			return fmt.Errorf("stage document %s: %w", rel, err)
		}
		count++
		return nil
	})
	if err != nil {
		return 0, err
	}

	if err := fi.idx.Batch(batch); err != nil {
		return 0, fmt.Errorf("commit index update for %s: %w", fi.meta.ForDir, err)
	}
	fi.stale = false
	fi.meta.LastUpdate = start
	if fi.cacheDir != "" {
		if err := saveMetadata(fi.cacheDir, fi.meta); err != nil {
			// The commit stands; only the sidecar is behind.
			return count, err
		}
	}
	slog.Info("Index update committed",
		"root", fi.meta.ForDir,
		"documents", count)
	return count, nil
}

// Search parses and executes queryStr against the committed index, keeping
// the top hits whose score is strictly greater than the threshold. Unless
// FilenameOnly is set, each hit carries its matched source lines in file
// order. An unparsable query is an error; no partial results are returned.
func (fi *FileIndex) Search(ctx context.Context, queryStr string, opts SearchOptions) ([]FileResult, error) {
	parsed, err := parseQueryString(queryStr)
	if err != nil {
		return nil, err
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultSearchOptions().Limit
	}

	req := bleve.NewSearchRequestOptions(parsed, opts.Limit, 0, false)
	res, err := fi.idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("execute query %q: %w", queryStr, err)
	}

	hits := res.Hits[:0:0]
	for _, hit := range res.Hits {
		if hit.Score > opts.Threshold {
			hits = append(hits, hit)
		}
	}

	var positions map[string]*positionHeap
	if !opts.FilenameOnly && len(hits) > 0 {
		ids := make([]string, 0, len(hits))
		for _, hit := range hits {
			ids = append(ids, hit.ID)
		}
		positions, err = fi.hitPositions(ctx, parsed, ids)
		if err != nil {
			return nil, err
		}
	}

	rootDir := opts.RootDir
	if rootDir == "" {
		rootDir = fi.meta.ForDir
	}
	analyzer := fi.idx.Mapping().AnalyzerNamed(fi.analyzer)
	results := make([]FileResult, 0, len(hits))
	for _, hit := range hits {
		full := filepath.Join(rootDir, filepath.FromSlash(hit.ID))
		result := FileResult{File: full, Score: hit.Score}
		if pending := positions[hit.ID]; pending != nil && pending.Len() > 0 {
			lines, err := linesForPositions(full, analyzer, pending)
			if err != nil {
				// The file is gone or unreadable; the hit stands without
				// line matches.
				slog.Debug("Could not localize matches", "path", full, "error", err)
			}
			result.Lines = lines
		}
		results = append(results, result)
	}
	return results, nil
}

// hitPositions harvests the token positions of every query term for the
// requested hits from a fresh engine snapshot. The snapshot reflects the
// latest commit, so a caller that just updated sees its own writes.
func (fi *FileIndex) hitPositions(ctx context.Context, parsed query.Query, ids []string) (map[string]*positionHeap, error) {
	analyzer := fi.idx.Mapping().AnalyzerNamed(fi.analyzer)
	terms := queryTerms(parsed, analyzer)
	want := make(map[string]*positionHeap, len(ids))
	for _, id := range ids {
		want[id] = &positionHeap{}
	}

	advanced, err := fi.idx.Advanced()
	if err != nil {
		return nil, fmt.Errorf("open engine reader: %w", err)
	}
	reader, err := advanced.Reader()
	if err != nil {
		return nil, fmt.Errorf("open engine reader: %w", err)
	}
	defer reader.Close()

	if err := collectPositions(ctx, reader, terms, contentField, want); err != nil {
		return nil, err
	}
	return want, nil
}

// Delete removes all documents, the metadata sidecar, and the cache
// directory. It is a no-op returning false when nothing exists on disk.
func (fi *FileIndex) Delete() (bool, error) {
	return deleteIndex(fi.idx, fi.cacheDir)
}

// Close releases the engine handle.
func (fi *FileIndex) Close() error {
	return fi.idx.Close()
}

// String renders the index descriptor the way the CLI prints it.
func (fi *FileIndex) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Index(%s)\n", fi.meta.ForDir)
	fmt.Fprintf(&b, "  version: %s\n", fi.meta.Version)
	if fi.cacheDir == "" {
		fmt.Fprintf(&b, "  location: in-memory\n")
	} else {
		fmt.Fprintf(&b, "  location: %s\n", fi.cacheDir)
		fmt.Fprintf(&b, "  last updated: %s\n", fi.meta.LastUpdate.Local().Format(time.RFC1123))
	}
	if raw, err := json.MarshalIndent(fi.meta.Config, "  ", "  "); err == nil {
		fmt.Fprintf(&b, "  %s\n", raw)
	}
	return b.String()
}

// parseQueryString builds the engine query for a raw query string. Parse
// failures surface before the engine executes anything.
func parseQueryString(queryStr string) (query.Query, error) {
	q := bleve.NewQueryStringQuery(queryStr)
	parsed, err := q.Parse()
	if err != nil {
		return nil, fmt.Errorf("parse query %q: %w", queryStr, err)
	}
	return parsed, nil
}
