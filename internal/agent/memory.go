package agent

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Recaller surfaces short memory snippets relevant to a query.
type Recaller interface {
	Recall(ctx context.Context, query string, k int) []string
}

const recallSnippetLen = 500

// FileMemory recalls from markdown notes under a directory, scored by
// keyword overlap with the query. Good enough for workspace-sized
// memories without an embedding dependency.
type FileMemory struct {
	dir string
}

// NewFileMemory creates a recaller over dir (typically workspace/memory).
func NewFileMemory(dir string) *FileMemory {
	return &FileMemory{dir: dir}
}

func (m *FileMemory) Recall(ctx context.Context, query string, k int) []string {
	if m.dir == "" || k <= 0 {
		return nil
	}
	terms := queryTerms(query)
	if len(terms) == 0 {
		return nil
	}

	type scored struct {
		name    string
		score   int
		snippet string
	}
	var hits []scored

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil
	}
	for _, e := range entries {
		if ctx.Err() != nil {
			return nil
		}
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.dir, e.Name()))
		if err != nil {
			continue
		}
		text := strings.ToLower(string(data))
		score := 0
		for _, term := range terms {
			score += strings.Count(text, term)
		}
		if score == 0 {
			continue
		}
		snippet := strings.TrimSpace(string(data))
		if len(snippet) > recallSnippetLen {
			snippet = snippet[:recallSnippetLen]
		}
		hits = append(hits, scored{name: e.Name(), score: score, snippet: snippet})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].name < hits[j].name
	})

	if len(hits) > k {
		hits = hits[:k]
	}
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.snippet
	}
	return out
}

func queryTerms(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	var out []string
	for _, f := range fields {
		f = strings.Trim(f, ".,!?;:\"'()")
		if len(f) >= 4 { // skip stop-word noise
			out = append(out, f)
		}
	}
	return out
}
