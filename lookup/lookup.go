/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Combines the similarity-index's top-K candidates with an
             exact scope match and a payload lookup to decide hit vs
             miss, including dangling-vector-entry and refresh-mode
             handling.
Root Cause:  A vector-only similarity match is not sufficient for a
             cache hit: provider-visible parameters must match
             exactly, never approximately.
Context:     Scope is never approximated, regardless of vector score.
Suitability: L3 model for policy/selection logic.
──────────────────────────────────────────────────────────────
*/

// Package lookup implements the cache hit/miss selection policy (C6).
package lookup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/conduitcache/semcache/config"
	"github.com/conduitcache/semcache/fingerprint"
	"github.com/conduitcache/semcache/payloadstore"
	"github.com/conduitcache/semcache/vectorindex"
)

// ErrBackend wraps a failure from the embed/query/get path. Callers
// decide whether to surface it (fail-closed, the default) or downgrade
// to a live call (fail-open), per config.Config.FailOpenOnLookupError.
var ErrBackend = errors.New("lookup: backend error")

// Result is the outcome of a lookup attempt.
type Result struct {
	// Cached is the stored payload, or nil on a miss.
	Cached json.RawMessage
	// ID is the composite id this call would use to write back on miss,
	// so the caller need not re-derive or re-embed it.
	ID string
	// Embedding is reused for the write-back upsert on miss.
	Embedding []float32
}

// Hit reports whether the lookup produced a usable cached payload.
func (r Result) Hit() bool { return r.Cached != nil }

// Candidates queries the similarity index for text's embedding and
// returns the raw candidates plus the embedding itself (needed for a
// subsequent write-back regardless of hit/miss).
func Candidates(ctx context.Context, idx *vectorindex.Client, text string) ([]vectorindex.Candidate, []float32, error) {
	emb, err := idx.Embed(ctx, text)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	cands, err := idx.Query(ctx, emb, 3)
	if err != nil {
		return nil, emb, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return cands, emb, nil
}

// Select applies the lookup policy to candidates already returned by
// the similarity index: threshold, exact scope match, and a payload
// fetch for the first qualifying candidate. A dangling vector entry
// (candidate matches but payload.Get returns ErrNotFound) is treated
// as a miss without trying further candidates.
func Select(ctx context.Context, store *payloadstore.Store, cands []vectorindex.Candidate, want fingerprint.Scope, threshold float64, mode config.CacheMode) (Result, error) {
	for _, c := range cands {
		if c.Score < threshold {
			continue
		}
		s, ok := scopeFromMetadata(c.Metadata)
		if !ok || !s.Equal(want) {
			continue
		}

		if mode == config.ModeRefresh {
			// Matching entry, but refresh mode always takes the live path;
			// write-back still happens afterwards so the entry updates.
			return Result{ID: c.ID}, nil
		}

		payload, err := store.Get(ctx, c.ID)
		if errors.Is(err, payloadstore.ErrNotFound) {
			// Dangling hit: do not continue to other candidates.
			return Result{ID: c.ID}, nil
		}
		if err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrBackend, err)
		}
		return Result{ID: c.ID, Cached: payload}, nil
	}
	return Result{}, nil
}

func scopeFromMetadata(meta map[string]any) (fingerprint.Scope, bool) {
	if meta == nil {
		return fingerprint.Scope{}, false
	}
	model, _ := meta["llmModel"].(string)
	systemHash, _ := meta["systemHash"].(string)
	paramsHash, _ := meta["paramsHash"].(string)
	toolsHash, _ := meta["toolsHash"].(string)
	if model == "" && systemHash == "" && paramsHash == "" && toolsHash == "" {
		return fingerprint.Scope{}, false
	}
	return fingerprint.Scope{
		Model:      model,
		SystemHash: systemHash,
		ParamsHash: paramsHash,
		ToolsHash:  toolsHash,
	}, true
}

// Metadata builds the index-entry metadata map for an upsert: the
// cache-input-text under the given key name plus the flattened scope.
func Metadata(textKey, text string, s fingerprint.Scope, extra map[string]any) map[string]any {
	m := map[string]any{
		textKey:      text,
		"llmModel":   s.Model,
		"systemHash": s.SystemHash,
		"paramsHash": s.ParamsHash,
		"toolsHash":  s.ToolsHash,
	}
	for k, v := range extra {
		m[k] = v
	}
	return m
}
