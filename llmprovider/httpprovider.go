/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       Minimal OpenAI-compatible HTTP connector used by the
             demo binary to produce real doStream/doGenerate
             functions for an otherwise-opaque Call.
Root Cause:  The middleware contract needs at least one concrete
             provider to demonstrate wrapStream/wrapGenerate against.
Context:     Everything provider-specific lives here; semcache's core
             packages never import this file.
Suitability: L2 model sufficient for a well-documented REST API.
──────────────────────────────────────────────────────────────
*/

package llmprovider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/conduitcache/semcache/replay"
)

// HTTPProvider is a minimal OpenAI-compatible chat completions client.
type HTTPProvider struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

// NewHTTPProvider constructs an HTTPProvider with sane defaults.
func NewHTTPProvider(baseURL, apiKey string) *HTTPProvider {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &HTTPProvider{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Client:  &http.Client{Timeout: 120 * time.Second},
	}
}

func (p *HTTPProvider) request(ctx context.Context, call Call, stream bool) (*http.Response, error) {
	body := map[string]any{
		"model":  call.Model,
		"stream": stream,
	}
	if call.Temperature != nil {
		body["temperature"] = *call.Temperature
	}
	if call.TopP != nil {
		body["top_p"] = *call.TopP
	}
	if len(call.Tools) > 0 {
		body["tools"] = call.Tools
	}
	messages := call.Messages
	if call.System != "" {
		messages = append([]Message{{Role: "system", Content: call.System}}, messages...)
	}
	body["messages"] = messages

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("llmprovider: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("llmprovider: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.APIKey)

	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llmprovider: request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("llmprovider: status %d: %s", resp.StatusCode, string(b))
	}
	return resp, nil
}

// Embed calls the provider's OpenAI-compatible embeddings endpoint,
// satisfying vectorindex.Embedder.
func (p *HTTPProvider) Embed(ctx context.Context, model, text string) ([]float32, error) {
	body, err := json.Marshal(map[string]any{"model": model, "input": text})
	if err != nil {
		return nil, fmt.Errorf("llmprovider: marshal embed request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llmprovider: build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.APIKey)

	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llmprovider: embed request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("llmprovider: embed status %d: %s", resp.StatusCode, string(b))
	}

	var out struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("llmprovider: decode embed response: %w", err)
	}
	if len(out.Data) == 0 {
		return nil, fmt.Errorf("llmprovider: embed response had no data")
	}
	return out.Data[0].Embedding, nil
}

// DoGenerate performs a non-streaming chat completion and returns the
// raw JSON response body as the provider result.
func (p *HTTPProvider) DoGenerate(call Call) DoGenerate {
	return func(ctx context.Context) (json.RawMessage, error) {
		resp, err := p.request(ctx, call, false)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("llmprovider: read response: %w", err)
		}
		return json.RawMessage(b), nil
	}
}

// DoStream performs a streaming chat completion, translating
// OpenAI-format SSE "data: {...}" lines into replay.Chunk values.
func (p *HTTPProvider) DoStream(call Call) DoStream {
	return func(ctx context.Context) (<-chan replay.Chunk, error) {
		resp, err := p.request(ctx, call, true)
		if err != nil {
			return nil, err
		}

		out := make(chan replay.Chunk)
		go func() {
			defer close(out)
			defer resp.Body.Close()

			scanner := bufio.NewScanner(resp.Body)
			id := ""
			started := false
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if !strings.HasPrefix(line, "data:") {
					continue
				}
				data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				if data == "[DONE]" {
					return
				}

				var event struct {
					ID      string `json:"id"`
					Choices []struct {
						Delta struct {
							Content string `json:"content"`
						} `json:"delta"`
						FinishReason *string `json:"finish_reason"`
					} `json:"choices"`
					Usage json.RawMessage `json:"usage"`
				}
				if err := json.Unmarshal([]byte(data), &event); err != nil {
					continue
				}
				if event.ID != "" {
					id = event.ID
				}
				if !started {
					started = true
					select {
					case out <- replay.Chunk{"type": "text-start", "id": id}:
					case <-ctx.Done():
						return
					}
				}
				for _, choice := range event.Choices {
					if choice.Delta.Content != "" {
						select {
						case out <- replay.Chunk{"type": "text-delta", "delta": choice.Delta.Content, "id": id}:
						case <-ctx.Done():
							return
						}
					}
					if choice.FinishReason != nil {
						select {
						case out <- replay.Chunk{"type": "finish", "finishReason": *choice.FinishReason, "usage": event.Usage}:
						case <-ctx.Done():
							return
						}
						return
					}
				}
			}

			// Scan() returned false without the loop having returned via
			// [DONE] or a finish-reason chunk above: the body ended early,
			// either because the connection failed (scanner.Err() != nil)
			// or the provider truncated the stream without a terminator.
			// Either way this is not a clean completion; the caller must
			// not treat capturedParts as write-back-eligible.
			streamErr := scanner.Err()
			if streamErr == nil {
				streamErr = errTruncatedStream
			}
			select {
			case out <- replay.ErrorChunk(streamErr):
			case <-ctx.Done():
			}
		}()
		return out, nil
	}
}

var errTruncatedStream = errors.New("llmprovider: stream ended before [DONE] or a finish chunk")
