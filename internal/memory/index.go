package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"runtime"
	"sort"
	"strings"

	"github.com/philippgille/chromem-go"
)

const (
	embeddingDims = 256
	// every vector carries a small bias so empty text still normalizes
	embeddingBias = 0.05
	minSimilarity = 0.1
)

// hashedEmbedding is a deterministic bag-of-words embedding. Tokens are
// hashed into a fixed number of buckets; no model or network is involved.
func hashedEmbedding(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, embeddingDims)
	vec[0] = embeddingBias
	for _, tok := range tokenize(text) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		vec[1+int(h.Sum32()%(embeddingDims-1))]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec, nil
}

// rankSemantic orders entries by similarity to query using a throwaway
// chromem collection. Entries below minSimilarity are dropped.
func rankSemantic(ctx context.Context, entries []Entry, query string) ([]Entry, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	db := chromem.NewDB()
	col, err := db.CreateCollection("memories", nil, hashedEmbedding)
	if err != nil {
		return nil, fmt.Errorf("failed to create collection: %w", err)
	}

	byID := make(map[string]Entry, len(entries))
	docs := make([]chromem.Document, 0, len(entries))
	for _, e := range entries {
		if _, dup := byID[e.ID]; dup {
			continue
		}
		byID[e.ID] = e
		docs = append(docs, chromem.Document{
			ID:      e.ID,
			Content: e.Content + "\n" + e.AIResponse,
			Metadata: map[string]string{
				"category": string(e.Category),
			},
		})
	}
	if err := col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return nil, fmt.Errorf("failed to index memories: %w", err)
	}

	results, err := col.Query(ctx, query, col.Count(), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query memories: %w", err)
	}

	out := make([]Entry, 0, len(results))
	for _, r := range results {
		if r.Similarity < minSimilarity {
			continue
		}
		out = append(out, byID[r.ID])
	}
	return out, nil
}

// rankKeyword orders entries by how many query tokens they contain. Ties
// go to the newer entry; entries sharing no token are dropped.
func rankKeyword(entries []Entry, query string) []Entry {
	terms := make(map[string]struct{})
	for _, tok := range tokenize(query) {
		terms[tok] = struct{}{}
	}
	if len(terms) == 0 {
		return nil
	}

	type scored struct {
		entry Entry
		score int
	}
	var hits []scored
	for _, e := range entries {
		seen := make(map[string]struct{})
		for _, tok := range tokenize(e.Content + " " + e.AIResponse + " " + strings.Join(e.Tags, " ")) {
			if _, ok := terms[tok]; ok {
				seen[tok] = struct{}{}
			}
		}
		if len(seen) > 0 {
			hits = append(hits, scored{entry: e, score: len(seen)})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].entry.Timestamp.After(hits[j].entry.Timestamp)
	})

	out := make([]Entry, len(hits))
	for i, h := range hits {
		out[i] = h.entry
	}
	return out
}
