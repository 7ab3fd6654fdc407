/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Provider-independent middleware contract: the call
             shape the cache fingerprints, and the doStream/doGenerate
             function types a provider framework dispatches through.
Root Cause:  The LLM provider itself is an external collaborator;
             this package only defines the opaque boundary the cache
             sits behind, not any concrete provider's wire format.
Context:     Generalizes the gateway's old fixed OpenAI-shaped
             ChatRequest/ChatResponse into an opaque call/result pair,
             since the cache must work in front of any provider.
Suitability: L3 model for interface design affecting architecture.
──────────────────────────────────────────────────────────────
*/

// Package llmprovider defines the provider-independent middleware
// contract semcache wraps: Call, DoStream, DoGenerate, and the chunk
// union streamed results are made of.
package llmprovider

import (
	"context"
	"encoding/json"

	"github.com/conduitcache/semcache/replay"
)

// Message is one entry in a call's conversation history.
type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// Tool is an opaque function/tool definition, canonicalized into the
// scope tuple's toolsHash rather than interpreted.
type Tool struct {
	Type     string          `json:"type"`
	Name     string          `json:"name"`
	Description string       `json:"description,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// Call is the provider-independent shape of a request passed through
// the middleware. Prompt and Messages are mutually exclusive; callers
// set exactly one depending on which completion shape they're using.
type Call struct {
	Model       string
	System      string
	Temperature *float64
	TopP        *float64
	Tools       []Tool
	Messages    []Message
	Prompt      *string
}

// DoStream invokes the wrapped provider's native streaming call.
type DoStream func(ctx context.Context) (<-chan replay.Chunk, error)

// DoGenerate invokes the wrapped provider's native non-streaming call.
type DoGenerate func(ctx context.Context) (json.RawMessage, error)

// ValidateTools checks that no two named tools in the list share a
// name; tools with an empty name and the Parameters JSON are not
// checked. The chat handler calls it before building the Call, so a
// duplicated tool name fails the request instead of being hashed.
func ValidateTools(tools []Tool) error {
	seen := make(map[string]bool, len(tools))
	for _, t := range tools {
		if t.Name == "" {
			continue
		}
		if seen[t.Name] {
			return &DuplicateToolError{Name: t.Name}
		}
		seen[t.Name] = true
	}
	return nil
}

// DuplicateToolError reports a tool list with a repeated function name.
type DuplicateToolError struct{ Name string }

func (e *DuplicateToolError) Error() string {
	return "llmprovider: duplicate tool name " + e.Name
}
