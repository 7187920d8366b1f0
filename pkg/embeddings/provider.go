// Package embeddings generates and caches entity name embeddings used by
// the cosine similarity feature
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	// DefaultTimeout is the default embedding request timeout
	DefaultTimeout = 60 * time.Second

	// MaxResponseSize is the maximum response body size (10MB)
	MaxResponseSize = 10 * 1024 * 1024
)

// Provider generates embeddings over an Ollama-compatible HTTP API
type Provider struct {
	baseURL string
	model   string
	client  *http.Client
	logger  ectologger.Logger
}

// ProviderConfig holds embedding provider configuration
type ProviderConfig struct {
	BaseURL string
	Model   string
	Timeout time.Duration
}

// NewProvider creates an embedding provider
func NewProvider(cfg ProviderConfig, logger ectologger.Logger) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "nomic-embed-text"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Provider{
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
	}
}

// Model returns the model name requests are issued with
func (p *Provider) Model() string {
	return p.model
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed generates an embedding for a single text
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, span := tracing.StartSpan(ctx, "embeddings.Provider.Embed")
	defer span.End()

	payload, err := json.Marshal(embedRequest{Model: p.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).Error("Embedding request failed")
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("embedding provider returned status %d: %s", resp.StatusCode, string(body))
	}

	var out embedResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, MaxResponseSize)).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode embedding response: %w", err)
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("embedding provider returned an empty vector for model %s", p.model)
	}

	p.logger.WithContext(ctx).WithFields(map[string]any{
		"model":       p.model,
		"dimensions":  len(out.Embedding),
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("Embedding generated")

	return out.Embedding, nil
}

// EmbedBatch generates embeddings for multiple texts sequentially. The
// provider API has no batch endpoint, so a failure mid-batch aborts.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, span := tracing.StartSpan(ctx, "embeddings.Provider.EmbedBatch")
	defer span.End()

	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vector, err := p.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("failed to embed text %d of %d: %w", i+1, len(texts), err)
		}
		vectors[i] = vector
	}
	return vectors, nil
}
