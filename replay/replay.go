/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Capture-and-record transform on a miss; paced lazy
             replay of a recorded chunk sequence on a hit, including
             legacy {text,id,usage} synthesis.
Root Cause:  A downstream consumer must not be able to tell a cache
             hit from a live call by timing or by chunk shape.
Context:     Write-back on capture completion is detached from the
             caller's stream consumption (asynchronous per the
             concurrency model).
Suitability: L3 model for stream-transform logic.
──────────────────────────────────────────────────────────────
*/

// Package replay implements the capture/replay stream adapter (C7).
package replay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/conduitcache/semcache/config"
)

// Chunk is a provider stream chunk. It is a loosely typed map so that
// chunk types this package doesn't interpret are forwarded unchanged,
// both on capture and on replay.
type Chunk map[string]any

func (c Chunk) typ() string {
	t, _ := c["type"].(string)
	return t
}

// IsError reports whether c is a sentinel chunk signaling the upstream
// provider stream ended abnormally (mid-stream failure, truncated
// body) rather than completing normally. A caller forwarding chunks
// through a Recorder must call Abort upon seeing one.
func (c Chunk) IsError() bool { return c.typ() == "error" }

// ErrorChunk builds the sentinel chunk DoStream implementations send
// in place of a clean channel close when the upstream read fails, so
// downstream consumers (and Recorder.Wrap callers) can tell the
// difference from a normal [DONE]/finish termination.
func ErrorChunk(err error) Chunk {
	return Chunk{"type": "error", "error": err.Error()}
}

// Recorder wraps a live provider stream, forwarding every chunk
// unchanged while accumulating a copy. The finish function returned by
// Wrap yields the captured chunks only if the caller has not called
// Abort.
type Recorder struct {
	captured []Chunk
	aborted  bool
}

// Wrap returns a channel that forwards every chunk from upstream, and
// a finish function to call once upstream is fully drained. finish
// returns the captured chunks and ok=false if the stream was aborted
// (closed abnormally), in which case the caller must not write back.
func (r *Recorder) Wrap(upstream <-chan Chunk) (down <-chan Chunk, finish func() (parts []Chunk, ok bool)) {
	out := make(chan Chunk)
	go func() {
		defer close(out)
		for chunk := range upstream {
			r.captured = append(r.captured, chunk)
			out <- chunk
		}
	}()
	return out, func() (parts []Chunk, ok bool) {
		if r.aborted {
			return nil, false
		}
		return r.captured, true
	}
}

// Abort marks the capture as abnormal: the stream errored, so the
// flush hook must not fire and no write-back should occur.
func (r *Recorder) Abort() { r.aborted = true }

// PacingFromConfig derives delay settings from the cache config,
// collapsing to zero delays when simulation is disabled.
func PacingFromConfig(cfg config.StreamPacing) (initial, between time.Duration) {
	if !cfg.Enabled {
		return 0, 0
	}
	return time.Duration(cfg.InitialDelayInMs) * time.Millisecond, time.Duration(cfg.ChunkDelayInMs) * time.Millisecond
}

// Player replays a previously captured chunk sequence, paced by the
// configured delays, on its own goroutine. Play returns the emitting
// channel immediately; it closes the channel after replaying the last
// chunk or when ctx is cancelled.
type Player struct {
	InitialDelay time.Duration
	ChunkDelay   time.Duration
}

// Play emits parts over a channel after rehydrating response-metadata
// timestamps, pacing chunks per the configured delays. The sequence
// terminates naturally after the last chunk: no finish chunk is
// synthesized if the recording didn't have one.
func (p Player) Play(ctx context.Context, parts []Chunk) <-chan Chunk {
	out := make(chan Chunk)
	go func() {
		defer close(out)
		for i, chunk := range rehydrateAll(parts) {
			if ctx.Err() != nil {
				return
			}
			delay := p.ChunkDelay
			if i == 0 {
				delay = p.InitialDelay
			}
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// rehydrateAll rehydrates every response-metadata chunk's timestamp
// field from a string to a time.Time, leaving all other chunks (and
// unrecognized fields) untouched.
func rehydrateAll(parts []Chunk) []Chunk {
	out := make([]Chunk, len(parts))
	for i, c := range parts {
		if c.typ() != "response-metadata" {
			out[i] = c
			continue
		}
		cp := make(Chunk, len(c))
		for k, v := range c {
			cp[k] = v
		}
		if ts, ok := cp["timestamp"].(string); ok {
			if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
				cp["timestamp"] = t
			}
		}
		out[i] = cp
	}
	return out
}

// FromLegacyText synthesizes a stream chunk sequence from the legacy
// {text, id, usage} payload shape, using cacheID as the id of both the
// text-start and text-delta chunks. ChunksFromPayload passes the
// payload's own id when it has one, and the cache's composite id when
// it does not.
func FromLegacyText(cacheID, text string, usage any) []Chunk {
	return []Chunk{
		{"type": "text-start", "id": cacheID},
		{"type": "text-delta", "delta": text, "id": cacheID},
		{"type": "finish", "finishReason": "stop", "usage": usage},
	}
}

// LegacyPayload is the legacy {text, id, usage} shape a stored payload
// may carry instead of {streamParts}.
type LegacyPayload struct {
	Text  string          `json:"text"`
	ID    string          `json:"id"`
	Usage json.RawMessage `json:"usage"`
}

// StreamPayload is the current {streamParts} shape.
type StreamPayload struct {
	StreamParts []Chunk `json:"streamParts"`
}

// ChunksFromPayload decodes a stored payload into a chunk sequence,
// preferring the {streamParts} shape and falling back to the legacy
// {text,id,usage} shape. ok is false if neither shape is present,
// meaning the caller should fall through to a live call.
func ChunksFromPayload(payload json.RawMessage, cacheID string) (parts []Chunk, ok bool) {
	var sp StreamPayload
	if err := json.Unmarshal(payload, &sp); err == nil && sp.StreamParts != nil {
		return sp.StreamParts, true
	}
	var legacy LegacyPayload
	if err := json.Unmarshal(payload, &legacy); err == nil && legacy.Text != "" {
		id := legacy.ID
		if id == "" {
			id = cacheID
		}
		return FromLegacyText(id, legacy.Text, legacy.Usage), true
	}
	return nil, false
}
