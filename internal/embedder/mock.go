package embedder

import (
	"context"
	"crypto/sha256"
	"math"
	"strings"
	"sync"
)

// MockEmbedder returns deterministic vectors derived from a hash of the text.
// Each text costs one token per whitespace-separated word.
type MockEmbedder struct {
	dimension int

	mu    sync.Mutex
	calls int
	texts int
	// Err, when set, is returned by every call.
	Err error
}

// NewMockEmbedder creates a new mock embedder.
func NewMockEmbedder(dimension int) *MockEmbedder {
	return &MockEmbedder{dimension: dimension}
}

// Embed implements Embedder.
func (m *MockEmbedder) Embed(ctx context.Context, texts []string) (Result, error) {
	m.mu.Lock()
	m.calls++
	m.texts += len(texts)
	err := m.Err
	m.mu.Unlock()

	if err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	res := Result{Vectors: make([][]float32, len(texts))}
	for i, text := range texts {
		res.Vectors[i] = m.vector(text)
		res.TokensUsed += max(1, len(strings.Fields(text)))
	}
	return res, nil
}

// EmbedOne implements Embedder.
func (m *MockEmbedder) EmbedOne(ctx context.Context, text string) ([]float32, int, error) {
	res, err := m.Embed(ctx, []string{text})
	if err != nil {
		return nil, 0, err
	}
	return res.Vectors[0], res.TokensUsed, nil
}

// Calls returns how many Embed calls were made and how many texts they carried.
func (m *MockEmbedder) Calls() (calls, texts int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls, m.texts
}

func (m *MockEmbedder) vector(text string) []float32 {
	hash := sha256.Sum256([]byte(text))
	embedding := make([]float32, m.dimension)
	for i := range embedding {
		embedding[i] = float32(hash[i%32])/255.0 - 0.5
	}
	return NormalizeEmbedding(embedding)
}

// Dimension returns the mock embedding dimension.
func (m *MockEmbedder) Dimension() int {
	return m.dimension
}

// ModelName returns the mock model name.
func (m *MockEmbedder) ModelName() string {
	return "mock-embedder"
}

// CosineSimilarity calculates cosine similarity between two embeddings.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dotProduct / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// NormalizeEmbedding normalizes an embedding to unit length.
func NormalizeEmbedding(embedding []float32) []float32 {
	var norm float64
	for _, v := range embedding {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return embedding
	}
	norm = math.Sqrt(norm)

	result := make([]float32, len(embedding))
	for i, v := range embedding {
		result[i] = float32(float64(v) / norm)
	}
	return result
}
