package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

// Embedder generates fixed-length semantic vectors for message content.
// Components lie in [-1,1]. Any failure means "no embedding" to callers,
// never a fatal condition.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	Model() string
	Dimensions() int
}

// HTTPEmbedder calls an external embedding API.
type HTTPEmbedder struct {
	url    string
	model  string
	dims   int
	client *http.Client
}

// NewHTTPEmbedder creates an embedder against the given endpoint.
func NewHTTPEmbedder(url, model string, dims int) *HTTPEmbedder {
	return &HTTPEmbedder{
		url:    url,
		model:  model,
		dims:   dims,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (h *HTTPEmbedder) Model() string   { return h.model }
func (h *HTTPEmbedder) Dimensions() int { return h.dims }

// Embed posts text to the embedding endpoint and validates the returned
// vector shape. Wrong length, non-finite, or out-of-range components are
// data-shape failures and surface as errors.
func (h *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	reqBody, err := json.Marshal(map[string]any{
		"model": h.model,
		"input": text,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", h.url+"/embed", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed api: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embed response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embed status %d: %s", resp.StatusCode, respBody)
	}

	var result struct {
		Embedding []float64 `json:"embedding"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}

	if len(result.Embedding) != h.dims {
		return nil, fmt.Errorf("embed returned %d dimensions, want %d", len(result.Embedding), h.dims)
	}
	for i, v := range result.Embedding {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < -1 || v > 1 {
			return nil, fmt.Errorf("embed component %d out of range: %v", i, v)
		}
	}
	return result.Embedding, nil
}

// ProbeEmbedder checks whether the embedding endpoint is reachable and
// returns well-shaped vectors.
func ProbeEmbedder(url, model string, dims int) bool {
	if url == "" {
		return false
	}
	emb := NewHTTPEmbedder(url, model, dims)
	emb.client.Timeout = 3 * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := emb.Embed(ctx, "probe")
	return err == nil
}

// HashEmbedder is the zero-dependency local fallback: character trigrams
// hashed into the configured dimension count with alternating sign, then
// L2-normalized so every component lies in [-1,1]. Deterministic and
// stable across restarts, which is all cluster scoring needs.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder creates a local hashed-trigram embedder.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 10
	}
	return &HashEmbedder{dims: dims}
}

func (h *HashEmbedder) Model() string   { return "hash-trigram" }
func (h *HashEmbedder) Dimensions() int { return h.dims }

// Embed folds the text's trigrams into a signed, normalized vector.
func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	vec := make([]float64, h.dims)
	runes := []rune(strings.ToLower(strings.TrimSpace(text)))
	if len(runes) == 0 {
		return vec, nil
	}

	for i := 0; i+3 <= len(runes); i++ {
		hash := fnv.New32a()
		hash.Write([]byte(string(runes[i : i+3])))
		sum := hash.Sum32()
		bucket := int(sum % uint32(h.dims))
		sign := 1.0
		if (sum>>16)&1 == 1 {
			sign = -1.0
		}
		vec[bucket] += sign
	}

	// Very short texts have no trigrams; fold single runes instead.
	if len(runes) < 3 {
		for _, r := range runes {
			vec[int(uint32(r)%uint32(h.dims))] += 1
		}
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec, nil
}
