package walker

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/armon/go-radix"
	ignore "github.com/sabhiram/go-gitignore"
)

// scopedIgnore is an ignore file compiled relative to the directory it was
// found in. Entries are matched against their path relative to that directory.
type scopedIgnore struct {
	dir      string
	matchers []*ignore.GitIgnore
}

// ignoreIndex stores the ignore files discovered during one walk, keyed by
// directory in a patricia tree so a lookup for an entry consults exactly the
// matchers of its ancestor directories, in root-to-leaf order.
type ignoreIndex struct {
	mu   sync.RWMutex
	tree *radix.Tree
}

func newIgnoreIndex() *ignoreIndex {
	return &ignoreIndex{tree: radix.New()}
}

// normalizeDir keys directories with a trailing separator so /foo never
// prefixes /foobar.
func normalizeDir(dir string) string {
	dir = filepath.ToSlash(filepath.Clean(dir))
	if !strings.HasSuffix(dir, "/") {
		dir += "/"
	}
	return dir
}

func (ix *ignoreIndex) add(dir string, matchers ...*ignore.GitIgnore) {
	if len(matchers) == 0 {
		return
	}
	key := normalizeDir(dir)
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if prev, ok := ix.tree.Get(key); ok {
		scoped := prev.(*scopedIgnore)
		scoped.matchers = append(scoped.matchers, matchers...)
		return
	}
	ix.tree.Insert(key, &scopedIgnore{dir: dir, matchers: matchers})
}

// ignored reports whether path is excluded by some ancestor ignore file.
// Deeper ignore files override shallower ones, and negated patterns within a
// file are honored by the compiled matcher itself.
func (ix *ignoreIndex) ignored(path string, isDir bool) bool {
	key := filepath.ToSlash(path)
	resolved := false
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	ix.tree.WalkPath(key, func(_ string, v interface{}) bool {
		scoped := v.(*scopedIgnore)
		rel, err := filepath.Rel(scoped.dir, path)
		if err != nil {
			return false
		}
		rel = filepath.ToSlash(rel)
		for _, m := range scoped.matchers {
			if matched, how := m.MatchesPathHow(rel); how != nil {
				resolved = matched
			} else if isDir {
				if matched, how := m.MatchesPathHow(rel + "/"); how != nil {
					resolved = matched
				}
			}
		}
		return false
	})
	return resolved
}
