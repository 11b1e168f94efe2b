package index

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/quarrylabs/quarry/quarry/language"
)

// GenericOptions is the indexing policy for a record-backed index.
type GenericOptions struct {
	Language language.Ref `json:"language" mapstructure:"language"`
}

// DefaultGenericOptions stems English.
func DefaultGenericOptions() GenericOptions {
	return GenericOptions{Language: language.English}
}

// FieldMap is the capability a document source needs: produce a text value
// for a named field. It is resolved at the ingestion boundary, so arbitrary
// record shapes stay out of the core.
type FieldMap interface {
	Field(name string) (string, error)
}

// MapDocument is the plain map implementation of FieldMap.
type MapDocument map[string]string

// Field returns the named value or an error when the field is missing.
func (m MapDocument) Field(name string) (string, error) {
	value, ok := m[name]
	if !ok {
		return "", fmt.Errorf("missing field %q", name)
	}
	return value, nil
}

// SearchResult is one ranked hit from a generic index.
type SearchResult struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// genericConfig is the persisted config a generic index is validated against.
// The field set is part of it: the engine reopens a persisted store with the
// mapping it was created under, so a schema change must take the rebuild path
// rather than silently dropping fields the old mapping never knew.
type genericConfig struct {
	Language   language.Ref `json:"language"`
	IDField    string       `json:"id_field"`
	TextFields []string     `json:"text_fields"`
}

// GenericIndex indexes caller-supplied field-map records instead of files.
// It shares the file index's metadata and engine machinery; the designated
// id field becomes the document identity and every other configured field is
// tokenized, unstored content.
type GenericIndex struct {
	meta       Metadata[genericConfig]
	cacheDir   string
	idx        bleve.Index
	analyzer   string
	idField    string
	textFields []string

	mu sync.Mutex
}

// GetOrCreateGeneric opens or creates a generic index with the given schema.
// The field set is fixed at open time and persisted with the metadata;
// reopening with a different language, id field, or text fields rebuilds the
// store. An empty cacheDir keeps the index memory-resident with no metadata
// I/O.
func GetOrCreateGeneric(idField string, textFields []string, cacheDir string, opts GenericOptions) (*GenericIndex, error) {
	if strings.TrimSpace(idField) == "" {
		return nil, fmt.Errorf("id field name cannot be empty")
	}
	if len(textFields) == 0 {
		return nil, fmt.Errorf("at least one text field is required")
	}
	for _, field := range textFields {
		if field == idField {
			return nil, fmt.Errorf("field %q cannot be both id and content", field)
		}
	}
	if cacheDir != "" {
		var err error
		if cacheDir, err = filepath.Abs(cacheDir); err != nil {
			return nil, fmt.Errorf("resolve cache directory: %w", err)
		}
	}

	im, analyzerName, err := buildGenericMapping(opts.Language, textFields)
	if err != nil {
		return nil, err
	}
	cfg := genericConfig{
		Language:   opts.Language,
		IDField:    idField,
		TextFields: append([]string(nil), textFields...),
	}
	meta, ok := loadMetadata[genericConfig](cacheDir, cfg)
	idx, _, err := openEngine(cacheDir, im, !ok)
	if err != nil {
		return nil, err
	}
	if !ok {
		meta = newMetadata(cfg, "")
	}

	return &GenericIndex{
		meta:       meta,
		cacheDir:   cacheDir,
		idx:        idx,
		analyzer:   analyzerName,
		idField:    idField,
		textFields: append([]string(nil), textFields...),
	}, nil
}

// buildGenericMapping maps every text field onto the one language pipeline.
// All fields sharing a language reuse the same registered analyzer name.
func buildGenericMapping(lang language.Ref, textFields []string) (*mapping.IndexMappingImpl, string, error) {
	im := bleve.NewIndexMapping()
	name, err := language.RegisterAnalyzer(im, lang)
	if err != nil {
		return nil, "", err
	}
	doc := bleve.NewDocumentMapping()
	doc.Dynamic = false
	for _, field := range textFields {
		fm := bleve.NewTextFieldMapping()
		fm.Analyzer = name
		fm.Store = false
		fm.IncludeInAll = false
		fm.IncludeTermVectors = true
		doc.AddFieldMappingsAt(field, fm)
	}
	im.DefaultMapping = doc
	im.DefaultField = textFields[0]
	return im, name, nil
}

// InMemory reports whether the index lives only in process memory.
func (gi *GenericIndex) InMemory() bool {
	return gi.cacheDir == ""
}

// UpdateDocuments replaces each document under its id and commits the batch
// atomically. Ingestion is delete-by-id then add, so updating the same id
// repeatedly is idempotent.
func (gi *GenericIndex) UpdateDocuments(docs []FieldMap) error {
	return gi.AddDocuments(docs)
}

// AddDocuments ingests documents in one atomic commit. A document whose id
// already exists replaces the prior version.
func (gi *GenericIndex) AddDocuments(docs []FieldMap) error {
	gi.mu.Lock()
	defer gi.mu.Unlock()

	start := time.Now().UTC()
	batch := gi.idx.NewBatch()
	for _, doc := range docs {
		id, err := doc.Field(gi.idField)
		if err != nil {
			return fmt.Errorf("resolve document id: %w", err)
		}
		data := make(map[string]interface{}, len(gi.textFields))
		for _, field := range gi.textFields {
			value, err := doc.Field(field)
			if err != nil {
				return fmt.Errorf("document %q: %w", id, err)
			}
			data[field] = value
		}
		// The engine keys documents by id, so staging an id the index
		// already holds deletes the old version before adding the new one.
		batch.Delete(id)
		if err := batch.Index(id, data); err != nil {
			return fmt.Errorf("stage document %q: %w", id, err)
		}
	}
	if err := gi.idx.Batch(batch); err != nil {
		return fmt.Errorf("commit document batch: %w", err)
	}
	gi.meta.LastUpdate = start
	if gi.cacheDir != "" {
		if err := saveMetadata(gi.cacheDir, gi.meta); err != nil {
			return err
		}
	}
	slog.Debug("Document batch committed", "documents", len(docs))
	return nil
}

// DeleteDocuments removes documents by id in one commit. Unknown ids are
// no-ops.
func (gi *GenericIndex) DeleteDocuments(ids []string) error {
	gi.mu.Lock()
	defer gi.mu.Unlock()

	batch := gi.idx.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	if err := gi.idx.Batch(batch); err != nil {
		return fmt.Errorf("commit document deletions: %w", err)
	}
	return nil
}

// Search parses and executes queryStr, returning ranked ids with scores
// strictly greater than the threshold.
func (gi *GenericIndex) Search(ctx context.Context, queryStr string, limit int, threshold float64) ([]SearchResult, error) {
	parsed, err := parseQueryString(queryStr)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultSearchOptions().Limit
	}
	req := bleve.NewSearchRequestOptions(parsed, limit, 0, false)
	res, err := gi.idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("execute query %q: %w", queryStr, err)
	}
	results := make([]SearchResult, 0, len(res.Hits))
	for _, hit := range res.Hits {
		if hit.Score > threshold {
			results = append(results, SearchResult{ID: hit.ID, Score: hit.Score})
		}
	}
	return results, nil
}

// Delete removes all documents, the metadata sidecar, and the cache
// directory; false when nothing exists on disk.
func (gi *GenericIndex) Delete() (bool, error) {
	return deleteIndex(gi.idx, gi.cacheDir)
}

// Close releases the engine handle.
func (gi *GenericIndex) Close() error {
	return gi.idx.Close()
}

// String renders the index descriptor.
func (gi *GenericIndex) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Index(%s)\n", strings.Join(append([]string{gi.idField}, gi.textFields...), ", "))
	fmt.Fprintf(&b, "  version: %s\n", gi.meta.Version)
	if gi.cacheDir == "" {
		fmt.Fprintf(&b, "  location: in-memory\n")
	} else {
		fmt.Fprintf(&b, "  location: %s\n", gi.cacheDir)
		fmt.Fprintf(&b, "  last updated: %s\n", gi.meta.LastUpdate.Local().Format(time.RFC1123))
	}
	if raw, err := json.MarshalIndent(gi.meta.Config, "  ", "  "); err == nil {
		fmt.Fprintf(&b, "  %s\n", raw)
	}
	return b.String()
}
