// Package language builds the per-language analysis pipelines handed to the
// search engine at schema-creation time. Pipelines are declarative: the same
// names and filter configs are produced for a given language on every open,
// so previously indexed token forms stay searchable across reopens.
package language

import (
	"errors"
	"fmt"
	"strings"

	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/token/length"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/analysis/token/snowball"
	"github.com/blevesearch/bleve/v2/analysis/tokenizer/unicode"
	"github.com/blevesearch/bleve/v2/mapping"
)

// ErrInvalid reports an unknown language tag.
var ErrInvalid = errors.New("invalid language value")

// Ref identifies a stemming language.
type Ref string

const (
	Arabic     Ref = "arabic"
	Danish     Ref = "danish"
	Dutch      Ref = "dutch"
	English    Ref = "english"
	Finnish    Ref = "finnish"
	French     Ref = "french"
	German     Ref = "german"
	Greek      Ref = "greek"
	Hungarian  Ref = "hungarian"
	Italian    Ref = "italian"
	Norwegian  Ref = "norwegian"
	Portuguese Ref = "portuguese"
	Romanian   Ref = "romanian"
	Russian    Ref = "russian"
	Spanish    Ref = "spanish"
	Swedish    Ref = "swedish"
	Tamil      Ref = "tamil"
	Turkish    Ref = "turkish"
)

var known = map[Ref]bool{
	Arabic: true, Danish: true, Dutch: true, English: true, Finnish: true,
	French: true, German: true, Greek: true, Hungarian: true, Italian: true,
	Norwegian: true, Portuguese: true, Romanian: true, Russian: true,
	Spanish: true, Swedish: true, Tamil: true, Turkish: true,
}

// Parse validates a language tag. Tags are matched case-insensitively.
func Parse(s string) (Ref, error) {
	ref := Ref(strings.ToLower(strings.TrimSpace(s)))
	if !known[ref] {
		return "", fmt.Errorf("%w %q", ErrInvalid, s)
	}
	return ref, nil
}

// Valid reports whether ref names a supported language.
func Valid(ref Ref) bool {
	return known[ref]
}

// AnalyzerName is the registered pipeline name for a language. Multiple text
// fields sharing a language must use this one name.
func AnalyzerName(ref Ref) string {
	return "quarry_" + string(ref)
}

// longTokenFilter drops tokens longer than this many characters, matching the
// limit the indexer has always used. Dropped tokens still consume a position.
const longTokenLimit = 40

const longTokenFilterName = "quarry_longtoken"

// RegisterAnalyzer registers the analysis pipeline for ref on an index
// mapping: unicode tokenization, long-token removal, lowercasing, snowball
// stemming. It returns the registered analyzer name. Invalid languages fail
// before any index is touched.
func RegisterAnalyzer(im *mapping.IndexMappingImpl, ref Ref) (string, error) {
	if !known[ref] {
		return "", fmt.Errorf("%w %q", ErrInvalid, ref)
	}
	if err := im.AddCustomTokenFilter(longTokenFilterName, map[string]interface{}{
		"type": length.Name,
		"min":  1.0,
		"max":  float64(longTokenLimit),
	}); err != nil {
		return "", fmt.Errorf("register long-token filter: %w", err)
	}
	stemName := "quarry_stem_" + string(ref)
	if err := im.AddCustomTokenFilter(stemName, map[string]interface{}{
		"type":     snowball.Name,
		"language": string(ref),
	}); err != nil {
		return "", fmt.Errorf("register %s stemmer: %w", ref, err)
	}
	name := AnalyzerName(ref)
	if err := im.AddCustomAnalyzer(name, map[string]interface{}{
		"type":      custom.Name,
		"tokenizer": unicode.Name,
		"token_filters": []string{
			longTokenFilterName,
			lowercase.Name,
			stemName,
		},
	}); err != nil {
		return "", fmt.Errorf("register %s analyzer: %w", ref, err)
	}
	return name, nil
}
