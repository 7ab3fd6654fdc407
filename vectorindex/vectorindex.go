/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       REST client for the similarity-index collaborator:
             embed, top-K query, upsert. Embedding calls are
             deduplicated in-flight and cached in-process.
Root Cause:  Embed/query/upsert are remote calls on every request's
             hot path; duplicate embeds for identical text are pure
             waste under request bursts.
Context:     The vector store itself is an external collaborator;
             this client only knows its REST shape.
Suitability: L3 model for a bounded-scope HTTP client.
──────────────────────────────────────────────────────────────
*/

// Package vectorindex is the similarity-index client (C4): embed text,
// query top-K candidates, and upsert entries.
package vectorindex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// Candidate is one result of a top-K similarity query.
type Candidate struct {
	ID       string         `json:"id"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata"`
}

// Client talks to a REST-fronted vector store (e.g. an Upstash-style
// vector index) and to a configured embedding model.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	embedModel string
	embedder   Embedder

	cache  *lru.Cache[string, []float32]
	group  singleflight.Group
}

// Embedder produces a fixed-dimension embedding for a string. It is the
// injected capability that talks to the configured embedding model.
type Embedder interface {
	Embed(ctx context.Context, model, text string) ([]float32, error)
}

// New constructs a Client. cacheSize bounds the in-process embedding
// cache; zero disables caching.
func New(baseURL, token, embedModel string, embedder Embedder, cacheSize int) (*Client, error) {
	c := &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		embedModel: embedModel,
		embedder:   embedder,
	}
	if cacheSize > 0 {
		cache, err := lru.New[string, []float32](cacheSize)
		if err != nil {
			return nil, fmt.Errorf("vectorindex: create embedding cache: %w", err)
		}
		c.cache = cache
	}
	return c, nil
}

// Embed returns the embedding for text, serving from the in-process
// cache when present and collapsing concurrent calls for the same text
// into one embedder round trip.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if c.cache != nil {
		if v, ok := c.cache.Get(text); ok {
			return v, nil
		}
	}

	v, err, _ := c.group.Do(text, func() (any, error) {
		return c.embedder.Embed(ctx, c.embedModel, text)
	})
	if err != nil {
		return nil, fmt.Errorf("vectorindex: embed: %w", err)
	}
	vec := v.([]float32)
	if c.cache != nil {
		c.cache.Add(text, vec)
	}
	return vec, nil
}

type queryRequest struct {
	Vector         []float32 `json:"vector"`
	TopK           int       `json:"topK"`
	IncludeMetadata bool     `json:"includeMetadata"`
}

type queryResponse struct {
	Result []Candidate `json:"result"`
}

// Query returns the topK nearest candidates to v, sorted by descending
// score, with metadata included.
func (c *Client) Query(ctx context.Context, v []float32, topK int) ([]Candidate, error) {
	body, err := json.Marshal(queryRequest{Vector: v, TopK: topK, IncludeMetadata: true})
	if err != nil {
		return nil, fmt.Errorf("vectorindex: marshal query: %w", err)
	}

	var out queryResponse
	if err := c.do(ctx, http.MethodPost, "/query", body, &out); err != nil {
		return nil, fmt.Errorf("vectorindex: query: %w", err)
	}
	return out.Result, nil
}

type upsertRequest struct {
	ID       string         `json:"id"`
	Vector   []float32      `json:"vector"`
	Metadata map[string]any `json:"metadata"`
}

// Upsert writes or overwrites the vector entry for id.
func (c *Client) Upsert(ctx context.Context, id string, v []float32, metadata map[string]any) error {
	body, err := json.Marshal(upsertRequest{ID: id, Vector: v, Metadata: metadata})
	if err != nil {
		return fmt.Errorf("vectorindex: marshal upsert: %w", err)
	}
	if err := c.do(ctx, http.MethodPost, "/upsert", body, nil); err != nil {
		return fmt.Errorf("vectorindex: upsert: %w", err)
	}
	return nil
}

// Sweep asks the store to drop entries older than olderThan. Optional
// periodic reconciliation; not invoked unless the caller wires a
// ticker to it.
func (c *Client) Sweep(ctx context.Context, olderThan time.Duration) (int, error) {
	body, err := json.Marshal(map[string]any{"olderThanSeconds": int(olderThan.Seconds())})
	if err != nil {
		return 0, fmt.Errorf("vectorindex: marshal sweep: %w", err)
	}
	var out struct {
		Deleted int `json:"deleted"`
	}
	if err := c.do(ctx, http.MethodPost, "/sweep", body, &out); err != nil {
		return 0, fmt.Errorf("vectorindex: sweep: %w", err)
	}
	return out.Deleted, nil
}

// Delete removes the vector entry for id, used by cache invalidation.
func (c *Client) Delete(ctx context.Context, id string) error {
	body, err := json.Marshal(map[string]string{"id": id})
	if err != nil {
		return fmt.Errorf("vectorindex: marshal delete: %w", err)
	}
	if err := c.do(ctx, http.MethodPost, "/delete", body, nil); err != nil {
		return fmt.Errorf("vectorindex: delete: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status %d: %s", resp.StatusCode, string(b))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
