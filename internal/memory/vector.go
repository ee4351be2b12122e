package memory

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

const (
	vectorHeaderSize = 4
	vectorValueSize  = 4
)

// EncodeVector packs an embedding as [uint32 dim][dim x float32], little endian.
func EncodeVector(vector []float32) ([]byte, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("encode vector: empty vector")
	}
	if len(vector) > (math.MaxInt-vectorHeaderSize)/vectorValueSize {
		return nil, fmt.Errorf("encode vector: dimension too large: %d", len(vector))
	}

	blob := make([]byte, vectorHeaderSize+len(vector)*vectorValueSize)
	binary.LittleEndian.PutUint32(blob, uint32(len(vector)))
	for i, v := range vector {
		if !finite(v) {
			return nil, fmt.Errorf("encode vector: invalid value at index %d", i)
		}
		off := vectorHeaderSize + i*vectorValueSize
		binary.LittleEndian.PutUint32(blob[off:], math.Float32bits(v))
	}
	return blob, nil
}

// DecodeVector reverses EncodeVector.
func DecodeVector(blob []byte) ([]float32, error) {
	if len(blob) < vectorHeaderSize {
		return nil, fmt.Errorf("decode vector: invalid vector blob length: %d", len(blob))
	}
	dim := int(binary.LittleEndian.Uint32(blob))
	if dim <= 0 || dim > (math.MaxInt-vectorHeaderSize)/vectorValueSize {
		return nil, fmt.Errorf("decode vector: invalid vector dimension: %d", dim)
	}
	if want := vectorHeaderSize + dim*vectorValueSize; len(blob) != want {
		return nil, fmt.Errorf("decode vector: vector blob dimension mismatch: dim=%d payload=%d", dim, len(blob)-vectorHeaderSize)
	}

	vector := make([]float32, dim)
	for i := range vector {
		off := vectorHeaderSize + i*vectorValueSize
		v := math.Float32frombits(binary.LittleEndian.Uint32(blob[off:]))
		if !finite(v) {
			return nil, fmt.Errorf("decode vector: invalid value at index %d", i)
		}
		vector[i] = v
	}
	return vector, nil
}

// CosineSimilarity returns the cosine of the angle between a and b, clamped to [-1, 1].
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) == 0 || len(b) == 0 {
		return 0, fmt.Errorf("cosine similarity: empty vector")
	}
	if len(a) != len(b) {
		return 0, fmt.Errorf("cosine similarity: vector dimension mismatch: %d vs %d", len(a), len(b))
	}

	var dot, normA, normB float64
	for i := range a {
		if !finite(a[i]) || !finite(b[i]) {
			return 0, fmt.Errorf("cosine similarity: invalid value at index %d", i)
		}
		ai, bi := float64(a[i]), float64(b[i])
		dot += ai * bi
		normA += ai * ai
		normB += bi * bi
	}
	if normA == 0 || normB == 0 {
		return 0, fmt.Errorf("cosine similarity: zero vector norm")
	}

	return math.Max(-1, math.Min(1, dot/(math.Sqrt(normA)*math.Sqrt(normB)))), nil
}

// Normalize scales v to unit length in place. A zero vector is left as is.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
	return v
}

// rankHits orders hits by descending similarity, breaking ties by ID so equal
// scores come back in a stable order, and keeps at most k.
func rankHits(hits []Hit, k int) []Hit {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].ID < hits[j].ID
	})
	if k >= 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

func finite(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
