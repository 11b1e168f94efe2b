package index

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/quarrylabs/quarry/quarry/language"
)

type FileIndexSuite struct {
	suite.Suite
	root     string
	cacheDir string
	ctx      context.Context
}

func TestFileIndexSuite(t *testing.T) {
	suite.Run(t, new(FileIndexSuite))
}

func (s *FileIndexSuite) SetupTest() {
	// The index canonicalizes its root, so the fixture root must already be
	// symlink-free for path assertions to line up.
	root, err := filepath.EvalSymlinks(s.T().TempDir())
	s.Require().NoError(err)
	s.root = root
	s.cacheDir = s.T().TempDir()
	s.ctx = context.Background()

	s.write("notes.txt", "alpha beta\ngamma alpha\n")
	s.write("sub/todo.md", "beta gamma\n")
	s.Require().NoError(os.WriteFile(filepath.Join(root, "image.bin"), []byte{0xff, 0xfe, 0x41}, 0o644))
	s.write(".hidden.txt", "alpha\n")
}

func (s *FileIndexSuite) write(rel, content string) {
	path := filepath.Join(s.root, rel)
	s.Require().NoError(os.MkdirAll(filepath.Dir(path), 0o755))
	s.Require().NoError(os.WriteFile(path, []byte(content), 0o644))
}

// touchFuture bumps a file's mtime past any prior update instant.
func (s *FileIndexSuite) touchFuture(rel string) {
	future := time.Now().Add(time.Hour)
	s.Require().NoError(os.Chtimes(filepath.Join(s.root, rel), future, future))
}

func (s *FileIndexSuite) open(cacheDir string, opts Options) *FileIndex {
	fi, err := GetOrCreate(s.root, cacheDir, opts)
	s.Require().NoError(err)
	s.T().Cleanup(func() { fi.Close() })
	return fi
}

func (s *FileIndexSuite) TestUpdateAndSearch() {
	fi := s.open("", DefaultOptions())

	// Two text files; the binary file and the hidden file are not indexed.
	count, err := fi.Update(s.ctx, false)
	s.Require().NoError(err)
	s.Equal(2, count)

	results, err := fi.Search(s.ctx, "alpha", DefaultSearchOptions())
	s.Require().NoError(err)
	s.Require().Len(results, 1)
	s.Equal(filepath.Join(s.root, "notes.txt"), results[0].File)
	s.Greater(results[0].Score, 0.0)
	s.Equal([]Line{
		{Number: 1, Text: "alpha beta"},
		{Number: 2, Text: "gamma alpha"},
	}, results[0].Lines)
}

func (s *FileIndexSuite) TestSearchNoMatches() {
	fi := s.open("", DefaultOptions())
	_, err := fi.Update(s.ctx, false)
	s.Require().NoError(err)

	results, err := fi.Search(s.ctx, "nonexistent", DefaultSearchOptions())
	s.Require().NoError(err)
	s.Empty(results)
}

func (s *FileIndexSuite) TestSearchThreshold() {
	fi := s.open("", DefaultOptions())
	_, err := fi.Update(s.ctx, false)
	s.Require().NoError(err)

	results, err := fi.Search(s.ctx, "alpha", DefaultSearchOptions())
	s.Require().NoError(err)
	s.Require().Len(results, 1)
	score := results[0].Score

	// The comparison is strict: a threshold equal to the score excludes it.
	opts := DefaultSearchOptions()
	opts.Threshold = score
	results, err = fi.Search(s.ctx, "alpha", opts)
	s.Require().NoError(err)
	s.Empty(results)

	opts.Threshold = score / 2
	results, err = fi.Search(s.ctx, "alpha", opts)
	s.Require().NoError(err)
	s.Len(results, 1)
}

func (s *FileIndexSuite) TestSearchFilenameOnly() {
	fi := s.open("", DefaultOptions())
	_, err := fi.Update(s.ctx, false)
	s.Require().NoError(err)

	opts := DefaultSearchOptions()
	opts.FilenameOnly = true
	results, err := fi.Search(s.ctx, "alpha", opts)
	s.Require().NoError(err)
	s.Require().Len(results, 1)
	s.Nil(results[0].Lines)
}

func (s *FileIndexSuite) TestSearchStemming() {
	s.write("verbs.txt", "Running quickly\n")
	fi := s.open("", DefaultOptions())
	_, err := fi.Update(s.ctx, false)
	s.Require().NoError(err)

	results, err := fi.Search(s.ctx, "runs", DefaultSearchOptions())
	s.Require().NoError(err)
	s.Require().Len(results, 1)
	s.Equal(filepath.Join(s.root, "verbs.txt"), results[0].File)
	s.Equal([]Line{{Number: 1, Text: "Running quickly"}}, results[0].Lines)
}

func (s *FileIndexSuite) TestInvalidQuery() {
	fi := s.open("", DefaultOptions())
	_, err := fi.Search(s.ctx, "\"unterminated", DefaultSearchOptions())
	s.Error(err)
}

func (s *FileIndexSuite) TestIncrementalUpdate() {
	fi := s.open(s.cacheDir, DefaultOptions())

	count, err := fi.Update(s.ctx, false)
	s.Require().NoError(err)
	s.Equal(2, count)

	// Nothing changed, nothing reingested.
	count, err = fi.Update(s.ctx, false)
	s.Require().NoError(err)
	s.Equal(0, count)

	s.write("fresh.txt", "delta\n")
	s.touchFuture("fresh.txt")
	count, err = fi.Update(s.ctx, false)
	s.Require().NoError(err)
	s.Equal(1, count)

	results, err := fi.Search(s.ctx, "delta", DefaultSearchOptions())
	s.Require().NoError(err)
	s.Len(results, 1)
}

func (s *FileIndexSuite) TestUpdateReplacesChangedFile() {
	fi := s.open(s.cacheDir, DefaultOptions())
	_, err := fi.Update(s.ctx, false)
	s.Require().NoError(err)

	s.write("notes.txt", "delta only\n")
	s.touchFuture("notes.txt")
	count, err := fi.Update(s.ctx, false)
	s.Require().NoError(err)
	s.Equal(1, count)

	// The old content is gone, not shadowed.
	results, err := fi.Search(s.ctx, "alpha", DefaultSearchOptions())
	s.Require().NoError(err)
	s.Empty(results)
	results, err = fi.Search(s.ctx, "delta", DefaultSearchOptions())
	s.Require().NoError(err)
	s.Require().Len(results, 1)
	s.Equal([]Line{{Number: 1, Text: "delta only"}}, results[0].Lines)
}

func (s *FileIndexSuite) TestRebuildReingestsEverything() {
	fi := s.open(s.cacheDir, DefaultOptions())
	_, err := fi.Update(s.ctx, false)
	s.Require().NoError(err)

	count, err := fi.Update(s.ctx, true)
	s.Require().NoError(err)
	s.Equal(2, count)
}

func (s *FileIndexSuite) TestReopenPersists() {
	fi := s.open(s.cacheDir, DefaultOptions())
	_, err := fi.Update(s.ctx, false)
	s.Require().NoError(err)
	s.Require().NoError(fi.Close())

	reopened := s.open(s.cacheDir, DefaultOptions())
	results, err := reopened.Search(s.ctx, "alpha", DefaultSearchOptions())
	s.Require().NoError(err)
	s.Len(results, 1)

	count, err := reopened.Update(s.ctx, false)
	s.Require().NoError(err)
	s.Equal(0, count)
}

func (s *FileIndexSuite) TestConfigChangeRebuilds() {
	fi := s.open(s.cacheDir, DefaultOptions())
	_, err := fi.Update(s.ctx, false)
	s.Require().NoError(err)
	s.Require().NoError(fi.Close())

	opts := DefaultOptions()
	opts.Language = language.German
	changed := s.open(s.cacheDir, opts)

	// The store was cleared, so the prior documents are gone until the next
	// update, which must ingest everything regardless of timestamps.
	results, err := changed.Search(s.ctx, "alpha", DefaultSearchOptions())
	s.Require().NoError(err)
	s.Empty(results)

	count, err := changed.Update(s.ctx, false)
	s.Require().NoError(err)
	s.Equal(2, count)
	s.Require().NoError(changed.Close())

	// Reopening under the now-persisted config does not rebuild again.
	again := s.open(s.cacheDir, opts)
	count, err = again.Update(s.ctx, false)
	s.Require().NoError(err)
	s.Equal(0, count)
}

func (s *FileIndexSuite) TestConfigRevertBeforeUpdateReingests() {
	fi := s.open(s.cacheDir, DefaultOptions())
	_, err := fi.Update(s.ctx, false)
	s.Require().NoError(err)
	s.Require().NoError(fi.Close())

	// Opening under a different language clears the store; close again
	// without ever updating.
	opts := DefaultOptions()
	opts.Language = language.German
	changed := s.open(s.cacheDir, opts)
	s.Require().NoError(changed.Close())

	// Back under the original config, the old sidecar must not vouch for the
	// emptied store: the next update ingests everything.
	reverted := s.open(s.cacheDir, DefaultOptions())
	count, err := reverted.Update(s.ctx, false)
	s.Require().NoError(err)
	s.Equal(2, count)

	results, err := reverted.Search(s.ctx, "alpha", DefaultSearchOptions())
	s.Require().NoError(err)
	s.Len(results, 1)
}

func (s *FileIndexSuite) TestCorruptStoreRecovered() {
	fi := s.open(s.cacheDir, DefaultOptions())
	_, err := fi.Update(s.ctx, false)
	s.Require().NoError(err)
	s.Require().NoError(fi.Close())

	store := storePath(s.cacheDir)
	s.Require().NoError(os.RemoveAll(store))
	s.Require().NoError(os.WriteFile(store, []byte("not an index"), 0o644))

	recovered := s.open(s.cacheDir, DefaultOptions())
	count, err := recovered.Update(s.ctx, false)
	s.Require().NoError(err)
	s.Equal(2, count)

	results, err := recovered.Search(s.ctx, "alpha", DefaultSearchOptions())
	s.Require().NoError(err)
	s.Len(results, 1)
}

func (s *FileIndexSuite) TestStoreRemovedBehindSidecar() {
	fi := s.open(s.cacheDir, DefaultOptions())
	_, err := fi.Update(s.ctx, false)
	s.Require().NoError(err)
	s.Require().NoError(fi.Close())

	s.Require().NoError(os.RemoveAll(storePath(s.cacheDir)))

	// The sidecar still validates, but the fresh store forces a full ingest.
	reopened := s.open(s.cacheDir, DefaultOptions())
	count, err := reopened.Update(s.ctx, false)
	s.Require().NoError(err)
	s.Equal(2, count)
}

func (s *FileIndexSuite) TestTruncatedFileKeepsHitWithoutLines() {
	fi := s.open("", DefaultOptions())
	_, err := fi.Update(s.ctx, false)
	s.Require().NoError(err)

	s.Require().NoError(os.Truncate(filepath.Join(s.root, "notes.txt"), 0))

	results, err := fi.Search(s.ctx, "alpha", DefaultSearchOptions())
	s.Require().NoError(err)
	s.Require().Len(results, 1)
	s.Empty(results[0].Lines)
}

func (s *FileIndexSuite) TestWhitelistLimitsIngestion() {
	opts := DefaultOptions()
	opts.OGlob = []string{"*.txt"}
	fi := s.open("", opts)

	count, err := fi.Update(s.ctx, false)
	s.Require().NoError(err)
	s.Equal(1, count)
}

func (s *FileIndexSuite) TestOverridesExcludeFiles() {
	opts := DefaultOptions()
	opts.Glob = []string{"!*.md"}
	fi := s.open("", opts)

	count, err := fi.Update(s.ctx, false)
	s.Require().NoError(err)
	s.Equal(1, count)
}

func (s *FileIndexSuite) TestHiddenFilesIndexedWhenEnabled() {
	opts := DefaultOptions()
	opts.Hidden = true
	fi := s.open("", opts)

	count, err := fi.Update(s.ctx, false)
	s.Require().NoError(err)
	s.Equal(3, count)
}

func (s *FileIndexSuite) TestSearchRootDirOverride() {
	fi := s.open("", DefaultOptions())
	_, err := fi.Update(s.ctx, false)
	s.Require().NoError(err)

	// A moved checkout: same relative layout under a different root.
	moved := s.T().TempDir()
	s.Require().NoError(os.WriteFile(filepath.Join(moved, "notes.txt"), []byte("alpha beta\ngamma alpha\n"), 0o644))

	opts := DefaultSearchOptions()
	opts.RootDir = moved
	results, err := fi.Search(s.ctx, "alpha", opts)
	s.Require().NoError(err)
	s.Require().Len(results, 1)
	s.Equal(filepath.Join(moved, "notes.txt"), results[0].File)
	s.Len(results[0].Lines, 2)
}

func (s *FileIndexSuite) TestDelete() {
	fi := s.open(s.cacheDir, DefaultOptions())
	_, err := fi.Update(s.ctx, false)
	s.Require().NoError(err)

	removed, err := fi.Delete()
	s.Require().NoError(err)
	s.True(removed)
	s.NoDirExists(s.cacheDir)

	removed, err = fi.Delete()
	s.Require().NoError(err)
	s.False(removed)
}

func (s *FileIndexSuite) TestDeleteInMemory() {
	fi := s.open("", DefaultOptions())
	removed, err := fi.Delete()
	s.Require().NoError(err)
	s.False(removed)
}

func (s *FileIndexSuite) TestString() {
	fi := s.open("", DefaultOptions())
	rendered := fi.String()
	s.Contains(rendered, s.root)
	s.Contains(rendered, "in-memory")
}

func TestGetOrCreateInvalidLanguage(t *testing.T) {
	opts := DefaultOptions()
	opts.Language = "klingon"
	_, err := GetOrCreate(t.TempDir(), "", opts)
	assert.Error(t, err)
}

func TestGetOrCreateInvalidGlob(t *testing.T) {
	opts := DefaultOptions()
	opts.Glob = []string{"!"}
	_, err := GetOrCreate(t.TempDir(), "", opts)
	assert.Error(t, err)
}

func TestGetOrCreateMissingRoot(t *testing.T) {
	_, err := GetOrCreate(filepath.Join(t.TempDir(), "missing"), "", DefaultOptions())
	assert.Error(t, err)
}

func TestGetOrCreateCanonicalizesRoot(t *testing.T) {
	target, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	link := filepath.Join(t.TempDir(), "link")
	require.NoError(t, os.Symlink(target, link))

	fi, err := GetOrCreate(link, "", DefaultOptions())
	require.NoError(t, err)
	defer fi.Close()
	assert.Equal(t, target, fi.ForDir())
}
