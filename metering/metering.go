/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Token metering for cache hits: real tiktoken-based
             counting of the replayed completion, replacing a
             character-based estimate.
Root Cause:  A hit's tokensSaved figure is only useful if it's an
             honest count of what generation would have cost.
Context:     Cost ledger is per-namespace ("llm"/"intent"), mirroring
             the observability package's label convention.
Suitability: L3 for a thin counting/ledger wrapper.
──────────────────────────────────────────────────────────────
*/

// Package metering counts tokens saved by cache hits.
package metering

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pkoukk/tiktoken-go"
)

// Counter wraps a tiktoken encoding for a specific model.
type Counter struct {
	enc *tiktoken.Tiktoken
}

// NewCounter builds a Counter for model, falling back to the cl100k_base
// encoding (the GPT-3.5/4-family default) when the model isn't
// recognized by tiktoken's model table.
func NewCounter(model string) (*Counter, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("metering: load fallback encoding: %w", err)
		}
	}
	return &Counter{enc: enc}, nil
}

// Count returns the exact token count of text.
func (c *Counter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// Ledger accumulates tokens saved by cache hits, per namespace ("llm"
// or "intent"). It stores no cost; CostUSD converts a token total.
type Ledger struct {
	mu    sync.Mutex
	saved map[string]*int64
}

// NewLedger constructs an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{saved: make(map[string]*int64)}
}

// RecordHit adds tokens to the running total saved for namespace.
func (l *Ledger) RecordHit(namespace string, tokens int) {
	l.mu.Lock()
	ptr, ok := l.saved[namespace]
	if !ok {
		var v int64
		ptr = &v
		l.saved[namespace] = ptr
	}
	l.mu.Unlock()
	atomic.AddInt64(ptr, int64(tokens))
}

// TokensSaved returns the running total for namespace.
func (l *Ledger) TokensSaved(namespace string) int64 {
	l.mu.Lock()
	ptr, ok := l.saved[namespace]
	l.mu.Unlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(ptr)
}

// CostUSD estimates the dollar value of tokensSaved at the given
// per-1000-token price, a coarse figure since it assumes output-token
// pricing uniformly.
func CostUSD(tokens int64, pricePer1K float64) float64 {
	return float64(tokens) / 1000 * pricePer1K
}
