package index

import (
	"bufio"
	"container/heap"
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"unicode"

	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/search/query"
	bleveindex "github.com/blevesearch/bleve_index_api"
)

// The engine stores token positions for matched terms but no byte or line
// offsets, so line numbers have to be reconstructed: harvest the positions of
// every query term for the requested hits from the posting lists, then
// re-tokenize each hit's source file line by line with the indexing analyzer
// and map cumulative token counts back to line numbers.

// positionHeap is a min-heap of token positions, drained in ascending order.
type positionHeap []uint64

func (h positionHeap) Len() int            { return len(h) }
func (h positionHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h positionHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *positionHeap) Push(x interface{}) { *h = append(*h, x.(uint64)) }
func (h *positionHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// queryTerms extracts the distinct terms a parsed query will match against
// field content. Match text is re-analyzed with the content analyzer so the
// extracted terms line up with what the engine indexed; negated branches are
// skipped because their terms do not contribute match locations.
func queryTerms(q query.Query, analyzer analysis.Analyzer) []string {
	seen := make(map[string]bool)
	collectQueryTerms(q, analyzer, seen)
	terms := make([]string, 0, len(seen))
	for term := range seen {
		terms = append(terms, term)
	}
	sort.Strings(terms)
	return terms
}

func collectQueryTerms(q query.Query, analyzer analysis.Analyzer, seen map[string]bool) {
	switch t := q.(type) {
	case *query.BooleanQuery:
		if t.Must != nil {
			collectQueryTerms(t.Must, analyzer, seen)
		}
		if t.Should != nil {
			collectQueryTerms(t.Should, analyzer, seen)
		}
	case *query.ConjunctionQuery:
		for _, sub := range t.Conjuncts {
			collectQueryTerms(sub, analyzer, seen)
		}
	case *query.DisjunctionQuery:
		for _, sub := range t.Disjuncts {
			collectQueryTerms(sub, analyzer, seen)
		}
	case *query.MatchQuery:
		analyzeInto(t.Match, analyzer, seen)
	case *query.MatchPhraseQuery:
		analyzeInto(t.MatchPhrase, analyzer, seen)
	case *query.PhraseQuery:
		for _, term := range t.Terms {
			seen[term] = true
		}
	case *query.MultiPhraseQuery:
		for _, terms := range t.Terms {
			for _, term := range terms {
				seen[term] = true
			}
		}
	case *query.TermQuery:
		seen[t.Term] = true
	case *query.PrefixQuery:
		seen[t.Prefix] = true
	case *query.FuzzyQuery:
		seen[t.Term] = true
	case *query.WildcardQuery:
		seen[t.Wildcard] = true
	case *query.QueryStringQuery:
		if sub, err := t.Parse(); err == nil {
			collectQueryTerms(sub, analyzer, seen)
		}
	}
}

func analyzeInto(text string, analyzer analysis.Analyzer, seen map[string]bool) {
	for _, token := range analyzer.Analyze([]byte(text)) {
		seen[string(token.Term)] = true
	}
}

// collectPositions reads the posting list of every term with position data
// and records each occurrence position of a requested document into that
// document's heap. The reader is a committed snapshot, so deleted documents
// never surface here.
func collectPositions(ctx context.Context, reader bleveindex.IndexReader, terms []string, field string, want map[string]*positionHeap) error {
	for _, term := range terms {
		tfr, err := reader.TermFieldReader(ctx, []byte(term), field, false, false, true)
		if err != nil {
			return fmt.Errorf("read postings for term %q: %w", term, err)
		}
		for {
			tfd, err := tfr.Next(nil)
			if err != nil {
				tfr.Close()
				return fmt.Errorf("advance postings for term %q: %w", term, err)
			}
			if tfd == nil {
				break
			}
			id, err := reader.ExternalID(tfd.ID)
			if err != nil {
				continue
			}
			pending, ok := want[id]
			if !ok {
				continue
			}
			for _, vector := range tfd.Vectors {
				if vector.Field == field {
					heap.Push(pending, vector.Pos)
				}
			}
		}
		if err := tfr.Close(); err != nil {
			return fmt.Errorf("close postings for term %q: %w", term, err)
		}
	}
	return nil
}

// linesForPositions converts pending token positions into line matches by
// re-tokenizing the source file with the same analyzer used at indexing
// time. Token positions are 1-based offsets into the whole file's token
// stream; each line covers the half-open position range
// (consumed, consumed+span]. A line is reported at most once no matter how
// many of its tokens matched, and reading stops as soon as no positions
// remain. Positions that never resolve (the file changed on disk since
// indexing) simply yield fewer lines.
func linesForPositions(path string, analyzer analysis.Analyzer, pending *positionHeap) ([]Line, error) {
	if pending.Len() == 0 {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	var lines []Line
	var consumed uint64
	lineNo := 0
	for pending.Len() > 0 {
		text, readErr := reader.ReadString('\n')
		if text == "" && readErr != nil {
			break
		}
		lineNo++
		if span := lineTokenSpan(analyzer, text); span > 0 {
			high := consumed + span
			reported := false
			for pending.Len() > 0 && (*pending)[0] <= high {
				pos := heap.Pop(pending).(uint64)
				if !reported && pos > consumed {
					lines = append(lines, Line{
						Number: lineNo,
						Text:   strings.TrimRightFunc(text, unicode.IsSpace),
					})
					reported = true
				}
			}
			consumed = high
		}
		if readErr != nil {
			break
		}
	}
	return lines, nil
}

// lineTokenSpan is the number of token positions one line contributes to the
// file's stream. The maximum token position is used rather than the token
// count so tokens removed by the long-token filter still advance the running
// total, keeping it aligned with the positions the engine stored.
func lineTokenSpan(analyzer analysis.Analyzer, text string) uint64 {
	max := 0
	for _, token := range analyzer.Analyze([]byte(text)) {
		if token.Position > max {
			max = token.Position
		}
	}
	return uint64(max)
}
