package retrieval

import "sort"

// FusedContext is the ranked, deduplicated context handed to the generator.
type FusedContext struct {
	Candidates          []Candidate
	RetrievalConfidence float64
	FallbackNeeded      bool
}

// Fuse merges candidates from all sources, deduplicates by (source_type, id)
// keeping the maximum score, ranks by score descending and keeps topK. The
// retrieval confidence is the mean score of the kept candidates, 0 when there
// are none.
func Fuse(bySource [][]Candidate, topK int) FusedContext {
	if topK <= 0 {
		topK = 3
	}

	type key struct {
		source string
		id     string
	}

	best := make(map[key]Candidate)
	var order []key
	for _, candidates := range bySource {
		for _, c := range candidates {
			k := key{c.SourceType, c.ID}
			prev, seen := best[k]
			if !seen {
				order = append(order, k)
				best[k] = c
				continue
			}
			if c.Score > prev.Score {
				best[k] = c
			}
		}
	}

	merged := make([]Candidate, 0, len(order))
	for _, k := range order {
		merged = append(merged, best[k])
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Score > merged[j].Score
	})

	if len(merged) > topK {
		merged = merged[:topK]
	}

	var sum float64
	for _, c := range merged {
		sum += c.Score
	}

	fused := FusedContext{Candidates: merged}
	if len(merged) == 0 {
		fused.FallbackNeeded = true
		return fused
	}

	fused.RetrievalConfidence = sum / float64(len(merged))
	return fused
}
