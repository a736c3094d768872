package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ati-tutor/tutor-chat/internal/store"
)

func chunk(id int, content string, vec ...float32) store.DataChunk {
	return store.DataChunk{ChunkID: id, SourceName: "doc.txt", Content: content, Embedding: vec}
}

func contents(scored []ScoredChunk) []string {
	out := make([]string, len(scored))
	for i, s := range scored {
		out[i] = s.Chunk.Content
	}
	return out
}

func TestNewVectorIndexValidates(t *testing.T) {
	_, err := NewVectorIndex("m", nil)
	assert.Error(t, err)

	_, err = NewVectorIndex("m", []store.DataChunk{chunk(0, "a")})
	assert.Error(t, err)

	_, err = NewVectorIndex("m", []store.DataChunk{chunk(0, "a", 1, 0), chunk(1, "b", 1)})
	assert.Error(t, err)

	ix, err := NewVectorIndex("m", []store.DataChunk{chunk(0, "a", 1, 0)})
	require.NoError(t, err)
	assert.Equal(t, 1, ix.Len())
	assert.Equal(t, 2, ix.Dimension())
	assert.Equal(t, "m", ix.EmbeddingModel())
}

func TestSimilaritySearch(t *testing.T) {
	ix, err := NewVectorIndex("m", []store.DataChunk{
		chunk(0, "far", 0, 1),
		chunk(1, "near", 1, 0.1),
		chunk(2, "middle", 1, 1),
	})
	require.NoError(t, err)

	got, err := ix.SimilaritySearch([]float32{1, 0}, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"near", "middle"}, contents(got))
	assert.Greater(t, got[0].Similarity, got[1].Similarity)

	_, err = ix.SimilaritySearch([]float32{1, 0, 0}, 2)
	assert.Error(t, err)
}

func TestMMRSearchPrefersDiversity(t *testing.T) {
	ix, err := NewVectorIndex("m", []store.DataChunk{
		chunk(0, "photosynthesis A", 1, 0, 0),
		chunk(1, "photosynthesis A again", 0.99, 0.01, 0),
		chunk(2, "photosynthesis B", 0.7, 0, 0.7),
	})
	require.NoError(t, err)

	query := []float32{1, 0, 0.3}
	plain, err := ix.SimilaritySearch(query, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"photosynthesis A", "photosynthesis A again"}, contents(plain))

	mmr, err := ix.MMRSearch(query, 2, 3, 0.5)
	require.NoError(t, err)
	assert.Equal(t, []string{"photosynthesis A", "photosynthesis B"}, contents(mmr))
}

func TestMMRSearchLambdaOneIsSimilarity(t *testing.T) {
	ix, err := NewVectorIndex("m", []store.DataChunk{
		chunk(0, "a", 1, 0),
		chunk(1, "b", 0.9, 0.1),
		chunk(2, "c", 0, 1),
	})
	require.NoError(t, err)

	mmr, err := ix.MMRSearch([]float32{1, 0}, 2, 3, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, contents(mmr))
}

func TestMMRSearchBounds(t *testing.T) {
	ix, err := NewVectorIndex("m", []store.DataChunk{chunk(0, "a", 1, 0), chunk(1, "b", 0, 1)})
	require.NoError(t, err)

	got, err := ix.MMRSearch([]float32{1, 0}, 5, 20, 0.5)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = ix.MMRSearch([]float32{1, 0}, 0, 20, 0.5)
	require.NoError(t, err)
	assert.Empty(t, got)
}
