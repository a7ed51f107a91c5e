package engine

import (
	"errors"
	"math"
	"unicode/utf8"

	"github.com/murmurwall/murmur/internal/config"
	"github.com/murmurwall/murmur/internal/store"
)

// ErrDimensionMismatch is returned by CosineSimilarity when the two
// vectors have different lengths. Mismatched dimensions are a caller bug;
// an absent embedding is not, and scores a neutral 0 instead.
var ErrDimensionMismatch = errors.New("engine: embedding dimension mismatch")

const (
	// temporalWindowMillis is the span over which temporal proximity
	// decays linearly from 1 to 0 (30 days).
	temporalWindowMillis = 30 * 24 * 60 * 60 * 1000

	// maxContentLength is the submission content cap in characters.
	maxContentLength = 280
)

// TemporalProximity scores how close two creation timestamps (unix
// milliseconds) are: identical timestamps score 1.0, 30+ days apart
// scores 0.0, linear in between.
func TemporalProximity(a, b int64) float64 {
	delta := a - b
	if delta < 0 {
		delta = -delta
	}
	score := 1 - float64(delta)/float64(temporalWindowMillis)
	if score < 0 {
		return 0
	}
	return score
}

// LengthSimilarity scores how close two content lengths are, normalized
// over the maximum content length.
func LengthSimilarity(lenA, lenB int) float64 {
	delta := lenA - lenB
	if delta < 0 {
		delta = -delta
	}
	score := 1 - float64(delta)/float64(maxContentLength)
	if score < 0 {
		return 0
	}
	return score
}

// CosineSimilarity computes the cosine similarity between two vectors in
// [-1,1]. Zero-magnitude vectors score 0 by convention. Vectors of
// different lengths are an error.
func CosineSimilarity(a, b []float64) (float64, error) {
	if len(a) != len(b) {
		return 0, ErrDimensionMismatch
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0, nil
	}
	return dot / denom, nil
}

// Similarity scores two messages in [0,1] as the weighted sum of temporal
// proximity, length similarity, and rescaled cosine similarity, normalized
// over the configured weight sum. The semantic term contributes 0 when
// either message lacks an embedding or the dimensions disagree.
func Similarity(a, b store.Message, w config.WeightsConfig) float64 {
	weightSum := w.Temporal + w.Length + w.Semantic
	if weightSum <= 0 {
		return 0
	}

	temporal := TemporalProximity(a.CreatedAt, b.CreatedAt)
	length := LengthSimilarity(utf8.RuneCountInString(a.Content), utf8.RuneCountInString(b.Content))

	semantic := 0.0
	if len(a.Embedding) > 0 && len(b.Embedding) > 0 {
		if cos, err := CosineSimilarity(a.Embedding, b.Embedding); err == nil {
			// Rescale from [-1,1] to [0,1].
			semantic = (cos + 1) / 2
		}
	}

	score := (w.Temporal*temporal + w.Length*length + w.Semantic*semantic) / weightSum
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
