package core

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sort"

	"github.com/ati-tutor/tutor-chat/internal/store"
	"github.com/ati-tutor/tutor-chat/internal/utils"
)

type ScoredChunk struct {
	Chunk      store.DataChunk
	Similarity float32
}

// VectorIndex is an immutable brute-force cosine index over embedded chunks.
// A rebuild replaces the whole index.
type VectorIndex struct {
	model  string
	dim    int
	chunks []store.DataChunk
	norms  []float32
}

func NewVectorIndex(embeddingModel string, chunks []store.DataChunk) (*VectorIndex, error) {
	if len(chunks) == 0 {
		return nil, errors.New("no chunks to index")
	}
	ix := &VectorIndex{
		model:  embeddingModel,
		dim:    len(chunks[0].Embedding),
		chunks: make([]store.DataChunk, len(chunks)),
		norms:  make([]float32, len(chunks)),
	}
	if ix.dim == 0 {
		return nil, fmt.Errorf("chunk %d has no embedding", chunks[0].ChunkID)
	}
	for i, c := range chunks {
		if len(c.Embedding) != ix.dim {
			return nil, fmt.Errorf("chunk %d has dimension %d, expected %d", c.ChunkID, len(c.Embedding), ix.dim)
		}
		ix.chunks[i] = c
		ix.norms[i] = utils.Norm(c.Embedding)
	}
	return ix, nil
}

func (ix *VectorIndex) Len() int               { return len(ix.chunks) }
func (ix *VectorIndex) Dimension() int         { return ix.dim }
func (ix *VectorIndex) EmbeddingModel() string { return ix.model }

// Chunks returns the indexed chunks in index order.
func (ix *VectorIndex) Chunks() []store.DataChunk {
	out := make([]store.DataChunk, len(ix.chunks))
	copy(out, ix.chunks)
	return out
}

func (ix *VectorIndex) score(query []float32) ([]ScoredChunk, error) {
	if len(query) != ix.dim {
		return nil, fmt.Errorf("%w: query has %d, index has %d", utils.ErrDimensionMismatch, len(query), ix.dim)
	}
	qn := utils.Norm(query)
	scored := make([]ScoredChunk, len(ix.chunks))
	for i, c := range ix.chunks {
		sim, err := utils.CosineWithNorms(query, qn, c.Embedding, ix.norms[i])
		if err != nil {
			return nil, err
		}
		scored[i] = ScoredChunk{Chunk: c, Similarity: sim}
	}
	// Stable so equal scores keep chunk order.
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Similarity > scored[j].Similarity
	})
	return scored, nil
}

// SimilaritySearch returns the k chunks closest to query, best first.
func (ix *VectorIndex) SimilaritySearch(query []float32, k int) ([]ScoredChunk, error) {
	scored, err := ix.score(query)
	if err != nil {
		return nil, err
	}
	if k > 0 && k < len(scored) {
		scored = scored[:k]
	}
	return scored, nil
}

// MMRSearch selects k chunks out of the fetchK most similar ones by maximal
// marginal relevance. lambda weighs relevance (1) against diversity (0).
// Returned similarities are relative to the query.
func (ix *VectorIndex) MMRSearch(query []float32, k, fetchK int, lambda float64) ([]ScoredChunk, error) {
	if fetchK < k {
		fetchK = k
	}
	candidates, err := ix.SimilaritySearch(query, fetchK)
	if err != nil {
		return nil, err
	}
	if k <= 0 || len(candidates) == 0 {
		return nil, nil
	}
	if k > len(candidates) {
		k = len(candidates)
	}

	selected := []int{0}
	picked := make([]bool, len(candidates))
	picked[0] = true
	// maxSim[i] is the highest similarity of candidate i to anything selected.
	maxSim := make([]float64, len(candidates))
	for i := range candidates {
		maxSim[i] = ix.pairSimilarity(candidates[i].Chunk, candidates[0].Chunk)
	}

	for len(selected) < k {
		best, bestScore := -1, math.Inf(-1)
		for i, c := range candidates {
			if picked[i] {
				continue
			}
			mmr := lambda*float64(c.Similarity) - (1-lambda)*maxSim[i]
			if mmr > bestScore {
				best, bestScore = i, mmr
			}
		}
		if best < 0 {
			break
		}
		selected = append(selected, best)
		picked[best] = true
		for i := range candidates {
			if !picked[i] {
				maxSim[i] = math.Max(maxSim[i], ix.pairSimilarity(candidates[i].Chunk, candidates[best].Chunk))
			}
		}
	}

	out := make([]ScoredChunk, len(selected))
	for i, idx := range selected {
		out[i] = candidates[idx]
	}
	return out, nil
}

func (ix *VectorIndex) pairSimilarity(a, b store.DataChunk) float64 {
	sim, err := utils.CosineSimilarity(a.Embedding, b.Embedding)
	if err != nil {
		log.Printf("Error comparing chunks %d and %d: %v", a.ChunkID, b.ChunkID, err)
		return 0
	}
	return float64(sim)
}
