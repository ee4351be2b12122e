package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"unicode"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stellarlinkco/peacy/internal/config"
)

const (
	embeddingProviderHash   = "hash"
	embeddingProviderOpenAI = "openai"

	defaultOpenAIEmbeddingModel = "text-embedding-3-small"
)

// Embedder maps text to a fixed-length vector. Identical input always yields
// the identical vector, and the same embedder serves storage and queries.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// NewEmbedder builds the embedder selected by cfg.Embedding.
func NewEmbedder(cfg *config.Config) (Embedder, error) {
	ec := cfg.Embedding
	switch strings.ToLower(strings.TrimSpace(ec.Provider)) {
	case "", embeddingProviderHash:
		return NewHashEmbedder(ec.Dimension), nil
	case embeddingProviderOpenAI:
		return NewOpenAIEmbedder(
			firstNonEmpty(ec.APIKey, cfg.Provider.APIKey),
			firstNonEmpty(ec.BaseURL, cfg.Provider.BaseURL),
			firstNonEmpty(ec.Model, defaultOpenAIEmbeddingModel),
			ec.Dimension,
		)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", ec.Provider)
	}
}

// HashEmbedder is an offline embedder based on feature hashing of word
// unigrams, bigrams and character trigrams. It needs no model download and is
// deterministic across processes.
type HashEmbedder struct {
	dim int
}

func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = config.DefaultEmbeddingDim
	}
	return &HashEmbedder{dim: dim}
}

func (h *HashEmbedder) Dimension() int {
	return h.dim
}

func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	words := tokenize(text)
	if len(words) == 0 {
		return nil, fmt.Errorf("embed: empty text")
	}

	vec := make([]float32, h.dim)
	for i, w := range words {
		h.add(vec, "w:"+w, 1)
		if i > 0 {
			h.add(vec, "b:"+words[i-1]+" "+w, 0.5)
		}
		padded := []rune("^" + w + "$")
		for j := 0; j+3 <= len(padded); j++ {
			h.add(vec, "t:"+string(padded[j:j+3]), 0.25)
		}
	}
	return Normalize(vec), nil
}

func (h *HashEmbedder) add(vec []float32, feature string, weight float32) {
	f := fnv.New64a()
	_, _ = f.Write([]byte(feature))
	sum := f.Sum64()
	idx := int(sum % uint64(h.dim))
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	vec[idx] += weight
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// OpenAIEmbedder calls an OpenAI-compatible /embeddings endpoint.
type OpenAIEmbedder struct {
	client      openai.Client
	model       string
	expectedDim int
}

func NewOpenAIEmbedder(apiKey, baseURL, model string, expectedDim int) (*OpenAIEmbedder, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("missing embedding api key")
	}
	if strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("missing embedding model")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIEmbedder{
		client:      openai.NewClient(opts...),
		model:       model,
		expectedDim: expectedDim,
	}, nil
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, fmt.Errorf("embed: empty text")
	}

	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: e.model,
		Input: openai.EmbeddingNewParamsInputUnion{
			OfString: openai.String(trimmed),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("embed: empty embeddings data")
	}

	raw := resp.Data[0].Embedding
	if e.expectedDim > 0 && len(raw) != e.expectedDim {
		return nil, fmt.Errorf("embed: dimension %d, want %d", len(raw), e.expectedDim)
	}
	vec := make([]float32, len(raw))
	for i, v := range raw {
		vec[i] = float32(v)
	}
	return vec, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
