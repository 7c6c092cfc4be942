package vector

import (
	"math"
	"sort"
)

// CosineSimilarity returns the normalized dot product of a and b in [-1, 1].
// Mismatched lengths and zero vectors score 0.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// Candidate is a stored vector considered by the brute-force path.
type Candidate struct {
	DocumentID string
	ChunkIndex int
	Vector     []float32
}

// Ranked is a candidate scored against a query vector.
type Ranked struct {
	Candidate
	Similarity float32
}

// BruteForceSearch is the exact counterpart to the ANN index: it scores every
// candidate with cosine similarity, drops those below threshold, and returns
// the topK ranked by similarity descending with ties broken by chunk creation
// order (document id, then chunk index). It exists as the verification path
// for the approximate index and for correctness tests.
func BruteForceSearch(query []float32, candidates []Candidate, topK int, threshold float32) []Ranked {
	ranked := make([]Ranked, 0, len(candidates))
	for _, c := range candidates {
		sim := CosineSimilarity(query, c.Vector)
		if sim < threshold {
			continue
		}
		ranked = append(ranked, Ranked{Candidate: c, Similarity: sim})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Similarity != ranked[j].Similarity {
			return ranked[i].Similarity > ranked[j].Similarity
		}
		if ranked[i].DocumentID != ranked[j].DocumentID {
			return ranked[i].DocumentID < ranked[j].DocumentID
		}
		return ranked[i].ChunkIndex < ranked[j].ChunkIndex
	})

	if topK > 0 && len(ranked) > topK {
		ranked = ranked[:topK]
	}
	return ranked
}
