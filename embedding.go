package opsignal

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"sync"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// EmbeddingProvider turns text into a fixed-length vector. The clustering
// core never depends on a specific embedding source; a deterministic local
// provider serves tests and offline runs, the OpenAI provider serves
// production.
type EmbeddingProvider interface {
	Name() string
	Dimensions() int
	Embed(ctx context.Context, text string) ([]float64, error)
}

// LocalEmbeddingProvider produces deterministic pseudo-embeddings by hashing
// tokens into a fixed number of buckets. Identical text always yields an
// identical vector, which makes feature generation reproducible without any
// network call.
type LocalEmbeddingProvider struct {
	dim int
}

// NewLocalEmbeddingProvider returns a provider with dim buckets (64 if dim
// is not positive).
func NewLocalEmbeddingProvider(dim int) *LocalEmbeddingProvider {
	if dim <= 0 {
		dim = 64
	}
	return &LocalEmbeddingProvider{dim: dim}
}

func (p *LocalEmbeddingProvider) Name() string    { return "local-hash" }
func (p *LocalEmbeddingProvider) Dimensions() int { return p.dim }

// Embed hashes each token into a bucket with a sign bit and L2-normalizes
// the result, so cosine similarity over these vectors behaves like it does
// over real embeddings.
func (p *LocalEmbeddingProvider) Embed(_ context.Context, text string) ([]float64, error) {
	vec := make([]float64, p.dim)
	for _, token := range tokenize(text) {
		h := fnv.New64a()
		h.Write([]byte(token))
		sum := h.Sum64()
		bucket := int(sum % uint64(p.dim))
		if sum&(1<<63) != 0 {
			vec[bucket] -= 1.0
		} else {
			vec[bucket] += 1.0
		}
	}

	norm := 0.0
	for _, v := range vec {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec, nil
}

// OpenAIEmbeddingProvider calls the OpenAI embeddings API. It is an external
// collaborator: the pipeline must remain valid without it.
type OpenAIEmbeddingProvider struct {
	apiKey string
	model  openai.EmbeddingModel
	dim    int
}

// NewOpenAIEmbeddingProvider returns a provider for the given model (the
// text-embedding-3-large default when model is empty).
func NewOpenAIEmbeddingProvider(apiKey, model string) *OpenAIEmbeddingProvider {
	m := openai.EmbeddingModelTextEmbedding3Large
	if model != "" {
		m = openai.EmbeddingModel(model)
	}
	return &OpenAIEmbeddingProvider{apiKey: apiKey, model: m, dim: 3072}
}

func (p *OpenAIEmbeddingProvider) Name() string    { return "openai:" + string(p.model) }
func (p *OpenAIEmbeddingProvider) Dimensions() int { return p.dim }

func (p *OpenAIEmbeddingProvider) Embed(ctx context.Context, text string) ([]float64, error) {
	client := openai.NewClient(option.WithAPIKey(p.apiKey))

	embedding, err := client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{
			OfString: openai.String(text),
		},
		Model:          p.model,
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to call OpenAI API: %w", err)
	}
	if len(embedding.Data) == 0 {
		return nil, fmt.Errorf("no embedding data in response")
	}
	return embedding.Data[0].Embedding, nil
}

// CachingEmbeddingProvider memoizes Embed calls by text. External embedding
// calls are the only non-deterministic part of a run; caching them keeps
// repeated runs cheap and stable.
type CachingEmbeddingProvider struct {
	inner EmbeddingProvider

	mu    sync.RWMutex
	cache map[string][]float64
}

// NewCachingEmbeddingProvider wraps inner with an in-memory memo.
func NewCachingEmbeddingProvider(inner EmbeddingProvider) *CachingEmbeddingProvider {
	return &CachingEmbeddingProvider{inner: inner, cache: make(map[string][]float64)}
}

func (p *CachingEmbeddingProvider) Name() string    { return p.inner.Name() }
func (p *CachingEmbeddingProvider) Dimensions() int { return p.inner.Dimensions() }

func (p *CachingEmbeddingProvider) Embed(ctx context.Context, text string) ([]float64, error) {
	p.mu.RLock()
	cached, ok := p.cache[text]
	p.mu.RUnlock()
	if ok {
		out := make([]float64, len(cached))
		copy(out, cached)
		return out, nil
	}

	vec, err := p.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.cache[text] = vec
	p.mu.Unlock()

	out := make([]float64, len(vec))
	copy(out, vec)
	return out, nil
}

// tokenize splits text into lowercase alphanumeric tokens.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
}
