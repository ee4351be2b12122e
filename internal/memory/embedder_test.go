package memory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stellarlinkco/peacy/internal/config"
)

func TestHashEmbedder_Deterministic(t *testing.T) {
	e := NewHashEmbedder(64)
	a, err := e.Embed(context.Background(), "I love hiking in the mountains")
	if err != nil {
		t.Fatalf("Embed error: %v", err)
	}
	b, _ := NewHashEmbedder(64).Embed(context.Background(), "I love hiking in the mountains")
	if len(a) != 64 {
		t.Fatalf("dim = %d, want 64", len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("embedding differs at %d", i)
		}
	}
}

func TestHashEmbedder_SimilarTextsScoreHigher(t *testing.T) {
	e := NewHashEmbedder(256)
	ctx := context.Background()
	query, _ := e.Embed(ctx, "hiking trip in the mountains")
	near, _ := e.Embed(ctx, "we went hiking in the mountains last weekend")
	far, _ := e.Embed(ctx, "my cat refuses to eat breakfast")

	simNear, err := CosineSimilarity(query, near)
	if err != nil {
		t.Fatalf("cosine: %v", err)
	}
	simFar, err := CosineSimilarity(query, far)
	if err != nil {
		t.Fatalf("cosine: %v", err)
	}
	if simNear <= simFar {
		t.Errorf("near similarity %v should exceed far similarity %v", simNear, simFar)
	}
}

func TestHashEmbedder_EmptyText(t *testing.T) {
	if _, err := NewHashEmbedder(16).Embed(context.Background(), "  ?! "); err == nil {
		t.Error("expected error for text without tokens")
	}
}

func TestHashEmbedder_DefaultDimension(t *testing.T) {
	if got := NewHashEmbedder(0).Dimension(); got != config.DefaultEmbeddingDim {
		t.Errorf("dimension = %d, want %d", got, config.DefaultEmbeddingDim)
	}
}

func TestOpenAIEmbedder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/embeddings") {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-embed-key" {
			t.Errorf("auth header mismatch: %q", r.Header.Get("Authorization"))
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if body["model"] != "text-embedding-test" {
			t.Errorf("model = %v", body["model"])
		}
		if body["input"] != "hello embedder" {
			t.Errorf("input = %v", body["input"])
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  "text-embedding-test",
			"data": []map[string]any{{
				"object":    "embedding",
				"index":     0,
				"embedding": []float64{0.1, 0.2, 0.3},
			}},
			"usage": map[string]any{"prompt_tokens": 2, "total_tokens": 2},
		})
	}))
	defer srv.Close()

	e, err := NewOpenAIEmbedder("test-embed-key", srv.URL, "text-embedding-test", 3)
	if err != nil {
		t.Fatalf("NewOpenAIEmbedder error: %v", err)
	}
	vec, err := e.Embed(context.Background(), "  hello embedder  ")
	if err != nil {
		t.Fatalf("Embed error: %v", err)
	}
	if len(vec) != 3 || vec[1] != float32(0.2) {
		t.Errorf("vec = %v", vec)
	}
}

func TestOpenAIEmbedder_DimensionMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data":   []map[string]any{{"object": "embedding", "index": 0, "embedding": []float64{0.1, 0.2}}},
		})
	}))
	defer srv.Close()

	e, _ := NewOpenAIEmbedder("k", srv.URL, "m", 3)
	if _, err := e.Embed(context.Background(), "hello"); err == nil {
		t.Error("expected dimension mismatch error")
	}
}

func TestNewOpenAIEmbedder_MissingSettings(t *testing.T) {
	if _, err := NewOpenAIEmbedder("", "http://x", "m", 0); err == nil {
		t.Error("expected error for missing api key")
	}
	if _, err := NewOpenAIEmbedder("k", "http://x", " ", 0); err == nil {
		t.Error("expected error for missing model")
	}
}

func TestNewEmbedder_Selection(t *testing.T) {
	cfg := config.DefaultConfig()
	e, err := NewEmbedder(cfg)
	if err != nil {
		t.Fatalf("NewEmbedder error: %v", err)
	}
	if _, ok := e.(*HashEmbedder); !ok {
		t.Errorf("default embedder = %T, want *HashEmbedder", e)
	}

	cfg.Embedding.Provider = "openai"
	cfg.Provider.APIKey = "sk-test"
	e, err = NewEmbedder(cfg)
	if err != nil {
		t.Fatalf("NewEmbedder openai error: %v", err)
	}
	if _, ok := e.(*OpenAIEmbedder); !ok {
		t.Errorf("embedder = %T, want *OpenAIEmbedder", e)
	}

	cfg.Embedding.Provider = "word2vec"
	if _, err := NewEmbedder(cfg); err == nil {
		t.Error("expected error for unsupported provider")
	}
}
