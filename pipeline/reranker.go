package pipeline

import (
	"context"
	"sort"
	"strings"
)

// Reranker reorders vector matches using a secondary relevance signal.
type Reranker interface {
	Rerank(ctx context.Context, query string, matches []Match) ([]Match, error)
}

// LexicalReranker scores matches by lexical agreement between the query and
// the match text: shared tokens plus contiguous phrase runs. It is a cheap
// stand-in for a cross-encoder that still rewards exact phrasing.
type LexicalReranker struct {
	// TextKey is the payload key holding the match text. Defaults to "text".
	TextKey string

	// BaseWeight anchors the reranked score to the vector score so ties
	// between lexically identical matches keep their vector order.
	BaseWeight float32

	// OverlapWeight scales the shared-token ratio.
	OverlapWeight float32

	// PhraseWeight scales the contiguous phrase bonus.
	PhraseWeight float32
}

// NewLexicalReranker returns a reranker with the default weights.
func NewLexicalReranker() *LexicalReranker {
	return &LexicalReranker{
		TextKey:       "text",
		BaseWeight:    0.1,
		OverlapWeight: 0.3,
		PhraseWeight:  1.0,
	}
}

func (r *LexicalReranker) Rerank(ctx context.Context, query string, matches []Match) ([]Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		return matches, nil
	}

	textKey := r.TextKey
	if textKey == "" {
		textKey = "text"
	}

	out := make([]Match, len(matches))
	for i, m := range matches {
		out[i] = m
		out[i].BaselineScore = m.Score
		out[i].ScoreSource = ScoreSourceVector

		text, _ := m.Payload[textKey].(string)
		if text == "" {
			continue
		}

		out[i].Score = r.score(queryTokens, tokenize(text), m.Score)
		out[i].ScoreSource = ScoreSourceReranker
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

func (r *LexicalReranker) score(queryTokens, docTokens []string, baseline float32) float32 {
	docSet := make(map[string]bool, len(docTokens))
	for _, tok := range docTokens {
		docSet[tok] = true
	}

	shared := 0
	for _, tok := range queryTokens {
		if docSet[tok] {
			shared++
		}
	}
	overlap := float32(shared) / float32(len(queryTokens))

	return r.BaseWeight*baseline +
		r.OverlapWeight*overlap +
		r.PhraseWeight*phraseBonus(queryTokens, docTokens)
}

// phraseBonus rewards the longest run of query tokens appearing contiguously
// in the document, normalized by query length.
func phraseBonus(queryTokens, docTokens []string) float32 {
	if len(docTokens) == 0 {
		return 0
	}

	longest := 0
	for start := range docTokens {
		run := 0
		for run < len(queryTokens) && start+run < len(docTokens) && docTokens[start+run] == queryTokens[run] {
			run++
		}
		if run > longest {
			longest = run
		}
	}
	if longest < 2 {
		return 0
	}
	return float32(longest) / float32(len(queryTokens))
}

func tokenize(s string) []string {
	fields := strings.Fields(strings.ToLower(s))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,;:!?\"'()[]{}")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
