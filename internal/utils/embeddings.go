package utils

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrEmptyVector       = errors.New("vectors cannot be empty")
	ErrDimensionMismatch = errors.New("vectors must have the same dimension")
)

// Dot returns the dot product of two vectors of equal length.
func Dot(vec1, vec2 []float32) (float32, error) {
	if len(vec1) != len(vec2) {
		return 0, fmt.Errorf("%w: %d != %d", ErrDimensionMismatch, len(vec1), len(vec2))
	}
	var product float64
	for i := range vec1 {
		product += float64(vec1[i]) * float64(vec2[i])
	}
	return float32(product), nil
}

// Norm is the L2 magnitude of vec.
func Norm(vec []float32) float32 {
	var sumOfSquares float64
	for _, val := range vec {
		sumOfSquares += float64(val) * float64(val)
	}
	return float32(math.Sqrt(sumOfSquares))
}

// CosineSimilarity calculates the cosine similarity between two vectors.
// A zero-magnitude vector is similar to nothing.
func CosineSimilarity(vec1, vec2 []float32) (float32, error) {
	if len(vec1) == 0 || len(vec2) == 0 {
		return 0, ErrEmptyVector
	}
	return CosineWithNorms(vec1, Norm(vec1), vec2, Norm(vec2))
}

// CosineWithNorms is CosineSimilarity with precomputed magnitudes, used when
// one side is compared against many candidates.
func CosineWithNorms(vec1 []float32, norm1 float32, vec2 []float32, norm2 float32) (float32, error) {
	dot, err := Dot(vec1, vec2)
	if err != nil {
		return 0, err
	}
	if norm1 == 0 || norm2 == 0 {
		return 0, nil
	}
	return dot / (norm1 * norm2), nil
}

// IsZero reports whether every component of vec is zero.
func IsZero(vec []float32) bool {
	for _, v := range vec {
		if v != 0 {
			return false
		}
	}
	return true
}
