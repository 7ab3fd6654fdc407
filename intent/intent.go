/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Structured intent extraction over a sliding window of
             conversation messages, with a last-message fallback on
             any extraction failure.
Root Cause:  The intent variant must hit cache across paraphrases by
             fingerprinting *intent*, not raw wording.
Context:     Never surfaces an error to the caller; all failures
             funnel to the fallback and an emitted diagnostic event.
Suitability: L3 model for prompt-and-parse extraction logic.
──────────────────────────────────────────────────────────────
*/

// Package intent extracts a structured summary of a conversation's
// intent for the intent-similarity cache variant.
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Extracted is the structured intent summary the extractor produces.
type Extracted struct {
	Intent      string   `json:"intent"`
	Domain      []string `json:"domain"`
	Stack       []string `json:"stack"`
	Goal        string   `json:"goal"`
	Constraints []string `json:"constraints"`
}

// Concat joins the extracted fields in the order the fingerprinter
// expects: goal, domain..., stack..., constraints..., dropping empties.
func (e Extracted) Concat() string {
	parts := make([]string, 0, 2+len(e.Domain)+len(e.Stack)+len(e.Constraints))
	if e.Goal != "" {
		parts = append(parts, e.Goal)
	}
	parts = append(parts, nonEmpty(e.Domain)...)
	parts = append(parts, nonEmpty(e.Stack)...)
	parts = append(parts, nonEmpty(e.Constraints)...)
	return strings.Join(parts, " ")
}

func nonEmpty(ss []string) []string {
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Message is the minimal shape the extractor needs from a conversation.
type Message struct {
	Role    string
	Content string
}

// LLM is the pluggable capability the extractor calls: a small model
// asked to produce one JSON object matching Extracted's schema.
type LLM interface {
	Complete(ctx context.Context, model, prompt string, temperature float64) (string, error)
}

const defaultPrompt = `You are a precise intent classifier. Given the recent conversation, ` +
	`return exactly one JSON object with this shape and nothing else: ` +
	`{"intent": string, "domain": string[], "stack": string[], "goal": string, "constraints": string[]}`

// Extractor derives Extracted from a trailing window of messages.
type Extractor struct {
	LLM        LLM
	Model      string
	WindowSize int
	Prompt     string

	// OnError, if set, is invoked with every extraction failure reason
	// before falling back. Used to emit intent-extraction-error events.
	OnError func(reason string)
}

// Extract runs the extractor LLM over the trailing window of messages
// and parses its response. On any failure it logs via OnError and
// returns the last-message fallback; this method never returns an
// error to the caller.
func (x Extractor) Extract(ctx context.Context, messages []Message) Extracted {
	window := trailingWindow(messages, x.windowSize())
	if len(window) == 0 {
		return Extracted{}
	}

	last := window[len(window)-1].Content
	fallback := Extracted{Intent: last, Goal: last}

	if x.LLM == nil {
		x.fail("no extractor LLM configured")
		return fallback
	}

	prompt := x.prompt() + "\n\n" + formatWindow(window)
	raw, err := x.LLM.Complete(ctx, x.Model, prompt, 0.1)
	if err != nil {
		x.fail(fmt.Sprintf("extractor call failed: %v", err))
		return fallback
	}

	jsonText, ok := firstBraceObject(raw)
	if !ok {
		x.fail("no JSON object found in extractor response")
		return fallback
	}

	var extracted Extracted
	if err := json.Unmarshal([]byte(jsonText), &extracted); err != nil {
		x.fail(fmt.Sprintf("malformed extractor JSON: %v", err))
		return fallback
	}

	return extracted
}

func (x Extractor) windowSize() int {
	if x.WindowSize <= 0 {
		return 5
	}
	return x.WindowSize
}

func (x Extractor) prompt() string {
	if x.Prompt != "" {
		return x.Prompt
	}
	return defaultPrompt
}

func (x Extractor) fail(reason string) {
	if x.OnError != nil {
		x.OnError(reason)
	}
}

func trailingWindow(messages []Message, n int) []Message {
	if len(messages) <= n {
		return messages
	}
	return messages[len(messages)-n:]
}

func formatWindow(messages []Message) string {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}

// firstBraceObject extracts the first brace-delimited substring from
// s, tracking nesting depth so embedded braces in string values don't
// terminate the match early.
func firstBraceObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
