// Package walker implements the file discovery policy: concurrent directory
// traversal with hidden-entry, ignore-file, symlink, and glob controls.
// Entries are yielded to a callback with no ordering guarantee between
// workers.
package walker

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	ignore "github.com/sabhiram/go-gitignore"
	"github.com/sourcegraph/conc/pool"
)

// Options configures a Walker.
type Options struct {
	// Hidden includes dot-entries when true.
	Hidden bool
	// IgnoreFiles honors .gitignore, .ignore, and .git/info/exclude files.
	IgnoreFiles bool
	// FollowSymlinks descends into symlinked directories and stats through
	// symlinked files.
	FollowSymlinks bool
	// Threads bounds the traversal worker pool; 0 derives a count from the
	// CPU count.
	Threads int
	// Overrides are whitelist/blacklist globs applied by the traversal
	// itself; entries they reject are never yielded and excluded directories
	// are not descended into.
	Overrides []string
	// Whitelist is an independent glob list applied as a post-walk filter:
	// directories always pass, files must match.
	Whitelist []string
	// CaseInsensitive lowercases glob patterns and candidate paths.
	CaseInsensitive bool
}

// Entry is a regular file yielded by a walk.
type Entry struct {
	// Path is the absolute path of the file.
	Path string
	// Rel is the path relative to the walk root.
	Rel string
	// Info describes the file (the symlink target when following links).
	Info fs.FileInfo
}

// WalkFunc receives yielded entries, possibly concurrently. Returning an
// error aborts the walk.
type WalkFunc func(Entry) error

// Walker composes the traversal rules for one root. A Walker is immutable
// and safe to reuse across walks.
type Walker struct {
	root      string
	opts      Options
	overrides *Matcher
	whitelist *Matcher
	workers   int
}

// New builds a walker for root. Invalid glob patterns fail here, before any
// traversal starts.
func New(root string, opts Options) (*Walker, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("walk root %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("walk root %s is not a directory", root)
	}
	w := &Walker{root: root, opts: opts, workers: workerCount(opts.Threads)}
	if len(opts.Overrides) > 0 {
		w.overrides, err = NewMatcher(opts.Overrides, opts.CaseInsensitive)
		if err != nil {
			return nil, err
		}
	}
	if len(opts.Whitelist) > 0 {
		w.whitelist, err = NewMatcher(opts.Whitelist, opts.CaseInsensitive)
		if err != nil {
			return nil, err
		}
	}
	return w, nil
}

// Root returns the walk root.
func (w *Walker) Root() string {
	return w.root
}

// workerCount mirrors the I/O-bound pool sizing used elsewhere: twice the
// CPU count, at least 4, capped at 32.
func workerCount(threads int) int {
	if threads > 0 {
		return threads
	}
	return min(max(runtime.NumCPU()*2, 4), 32)
}

// walkState is the per-walk mutable state shared by workers.
type walkState struct {
	ignores *ignoreIndex
	visited map[string]bool
	mu      sync.Mutex
	fn      WalkFunc
}

func (ws *walkState) markVisited(path string) bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.visited[path] {
		return false
	}
	ws.visited[path] = true
	return true
}

// Walk traverses the root and yields every accepted regular file to fn.
// Directories are processed level by level with a bounded worker pool; files
// within one level are yielded in no particular order.
func (w *Walker) Walk(ctx context.Context, fn WalkFunc) error {
	state := &walkState{
		ignores: newIgnoreIndex(),
		visited: make(map[string]bool),
		fn:      fn,
	}
	if w.opts.IgnoreFiles {
		w.loadRootExcludes(state)
	}
	state.markVisited(w.resolvedKey(w.root))

	level := []string{w.root}
	for len(level) > 0 {
		var (
			next   []string
			nextMu sync.Mutex
		)
		p := pool.New().
			WithMaxGoroutines(w.workers).
			WithContext(ctx).
			WithCancelOnError().
			WithFirstError()
		for _, dir := range level {
			p.Go(func(ctx context.Context) error {
				subdirs, err := w.processDir(ctx, dir, state)
				if err != nil {
					return err
				}
				nextMu.Lock()
				next = append(next, subdirs...)
				nextMu.Unlock()
				return nil
			})
		}
		if err := p.Wait(); err != nil {
			return err
		}
		level = next
	}
	return nil
}

// loadRootExcludes honors the repository exclude file at the walk root.
func (w *Walker) loadRootExcludes(state *walkState) {
	excludePath := filepath.Join(w.root, ".git", "info", "exclude")
	if _, err := os.Stat(excludePath); err != nil {
		return
	}
	matcher, err := ignore.CompileIgnoreFile(excludePath)
	if err != nil {
		slog.Warn("Failed to read repository exclude file",
			"path", excludePath,
			"error", err)
		return
	}
	state.ignores.add(w.root, matcher)
}

// ignoreFileNames are the per-directory ignore files honored when
// Options.IgnoreFiles is set.
var ignoreFileNames = []string{".gitignore", ".ignore"}

func (w *Walker) processDir(ctx context.Context, dir string, state *walkState) ([]string, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if w.opts.IgnoreFiles {
		w.loadIgnoreFiles(dir, state)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		slog.Warn("Failed to read directory",
			"path", dir,
			"error", err)
		return nil, nil
	}

	var subdirs []string
	for _, entry := range entries {
		name := entry.Name()
		if !w.opts.Hidden && strings.HasPrefix(name, ".") {
			continue
		}
		path := filepath.Join(dir, name)
		rel, err := filepath.Rel(w.root, path)
		if err != nil {
			continue
		}

		info, isDir, ok := w.resolveEntry(path, entry)
		if !ok {
			continue
		}
		if w.opts.IgnoreFiles && state.ignores.ignored(path, isDir) {
			slog.Debug("Ignoring entry", "path", path)
			continue
		}
		if w.overrides.Matches(rel, isDir) == MatchExclude {
			continue
		}

		if isDir {
			if !state.markVisited(w.resolvedKey(path)) {
				continue
			}
			subdirs = append(subdirs, path)
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}
		if w.whitelist != nil && w.whitelist.Matches(rel, false) != MatchInclude {
			continue
		}
		if err := state.fn(Entry{Path: path, Rel: rel, Info: info}); err != nil {
			return nil, err
		}
	}
	return subdirs, nil
}

// loadIgnoreFiles compiles the ignore files present in dir into the walk's
// ignore index. The index governs dir's own entries and everything below.
func (w *Walker) loadIgnoreFiles(dir string, state *walkState) {
	for _, name := range ignoreFileNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		matcher, err := ignore.CompileIgnoreFile(path)
		if err != nil {
			slog.Warn("Failed to read ignore file",
				"path", path,
				"error", err)
			continue
		}
		state.ignores.add(dir, matcher)
	}
}

// resolveEntry stats the entry, following symlinks only when configured.
// Unfollowed symlinks and stat failures are skipped.
func (w *Walker) resolveEntry(path string, entry os.DirEntry) (fs.FileInfo, bool, bool) {
	if entry.Type()&fs.ModeSymlink != 0 {
		if !w.opts.FollowSymlinks {
			return nil, false, false
		}
		info, err := os.Stat(path)
		if err != nil {
			slog.Debug("Skipping broken symlink", "path", path, "error", err)
			return nil, false, false
		}
		return info, info.IsDir(), true
	}
	info, err := entry.Info()
	if err != nil {
		slog.Debug("Skipping unreadable entry", "path", path, "error", err)
		return nil, false, false
	}
	return info, entry.IsDir(), true
}

// resolvedKey is the identity used for symlink cycle protection.
func (w *Walker) resolvedKey(path string) string {
	if !w.opts.FollowSymlinks {
		return path
	}
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return path
	}
	return resolved
}
