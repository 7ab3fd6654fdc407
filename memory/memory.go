/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L4
Logic:       Binds the fingerprinter, similarity index, payload
             store, lookup policy, and capture/replay adapter into
             the four public operation shapes and the request state
             machine (receive → fingerprint → embed/query → select →
             replay | live call → capture/result → lock-and-store).
Root Cause:  This is the cache's single entry point; every other
             package exists to be orchestrated from here.
Context:     Write-back is asynchronous relative to the caller, per
             the concurrency model: the consumer sees end-of-stream
             as soon as the provider's stream ends, and store I/O
             happens after, detached from the request's context.
Suitability: L4 model for the component gluing code together.
──────────────────────────────────────────────────────────────
*/

// Package memory implements createSemanticMemory / createIntentMemory
// (C8): the four public operation shapes bound to the cache core.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/conduitcache/semcache/config"
	"github.com/conduitcache/semcache/fingerprint"
	"github.com/conduitcache/semcache/intent"
	"github.com/conduitcache/semcache/llmprovider"
	"github.com/conduitcache/semcache/lookup"
	"github.com/conduitcache/semcache/metering"
	"github.com/conduitcache/semcache/observability"
	"github.com/conduitcache/semcache/payloadstore"
	"github.com/conduitcache/semcache/replay"
	"github.com/conduitcache/semcache/vectorindex"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const namespaceLLM = "llm"
const namespaceIntent = "intent"

// Deps are the collaborators Memory is built from. Index and Store are
// required; Extractor is required only by the intent variant. Ledger
// and Counter are optional: token accounting on hits is skipped unless
// both are set.
type Deps struct {
	Index     *vectorindex.Client
	Store     *payloadstore.Store
	Extractor *intent.Extractor
	Logger    zerolog.Logger
	Ledger    *metering.Ledger
	Counter   *metering.Counter
}

// Memory is a configured cache instance: either the prompt-similarity
// or the intent-similarity variant, selected at construction time.
type Memory struct {
	cfg       config.Config
	deps      Deps
	namespace string
	prefix    string
	emitter   observability.Emitter
}

// New builds the prompt-similarity variant (createSemanticMemory).
func New(cfg config.Config, deps Deps) (*Memory, error) {
	if err := config.Validate(&cfg, false); err != nil {
		return nil, err
	}
	return &Memory{
		cfg: cfg, deps: deps,
		namespace: namespaceLLM, prefix: "llm:",
		emitter: observability.Emitter{Namespace: namespaceLLM},
	}, nil
}

// NewIntent builds the intent-similarity variant (createIntentMemory).
func NewIntent(cfg config.Config, deps Deps) (*Memory, error) {
	if err := config.Validate(&cfg, true); err != nil {
		return nil, err
	}
	if deps.Extractor == nil {
		return nil, errors.New("memory: intent variant requires a configured Extractor")
	}
	return &Memory{
		cfg: cfg, deps: deps,
		namespace: namespaceIntent, prefix: "intent:",
		emitter: observability.Emitter{Namespace: namespaceIntent},
	}, nil
}

// WithHook returns a copy of m with onStepFinish wired to hook.
func (m *Memory) WithHook(hook observability.Hook) *Memory {
	cp := *m
	cp.emitter = observability.Emitter{Namespace: m.namespace, Hook: hook}
	return &cp
}

// fingerprintCall derives (scope, text) for call, running intent
// extraction first when this is the intent variant.
func (m *Memory) fingerprintCall(ctx context.Context, call llmprovider.Call, requestID string) (fingerprint.Scope, string) {
	ctx, end := m.emitter.StartSpan(ctx, observability.SpanFingerprint, requestID)
	defer end()

	scope := fingerprint.BuildScope(call.Model, call.System, call.Temperature, call.TopP, call.Tools)

	if m.namespace == namespaceIntent {
		m.emitter.Emit(observability.Event{Step: observability.StepIntentExtractionStart, RequestID: requestID})
		messages := toIntentMessages(call.Messages)
		if len(messages) == 0 {
			text := ""
			if call.Prompt != nil {
				text = *call.Prompt
			}
			return scope, fingerprint.Normalize(text)
		}
		extractor := *m.deps.Extractor
		extractor.OnError = func(reason string) {
			m.emitter.Emit(observability.Event{Step: observability.StepIntentExtractionError, RequestID: requestID, Error: reason})
		}
		extracted := extractor.Extract(ctx, messages)
		m.emitter.Emit(observability.Event{Step: observability.StepIntentExtractionOK, RequestID: requestID, ExtractedIntent: extracted})
		return scope, fingerprint.Normalize(extracted.Concat())
	}

	var prompt *string
	if call.Prompt != nil {
		prompt = call.Prompt
	}
	text := fingerprint.PromptText(toFingerprintMessages(call.Messages), prompt, m.cfg.UseFullMessages)
	return scope, text
}

func toIntentMessages(messages []llmprovider.Message) []intent.Message {
	out := make([]intent.Message, 0, len(messages))
	for _, msg := range messages {
		content, ok := msg.Content.(string)
		if !ok {
			continue
		}
		out = append(out, intent.Message{Role: msg.Role, Content: content})
	}
	return out
}

func toFingerprintMessages(messages []llmprovider.Message) []fingerprint.Message {
	out := make([]fingerprint.Message, len(messages))
	for i, msg := range messages {
		out[i] = fingerprint.Message{Role: msg.Role, Content: msg.Content}
	}
	return out
}

// textKey returns the metadata field name the lookup index stores the
// cache-input-text under, which differs by variant.
func (m *Memory) textKey() string {
	if m.namespace == namespaceIntent {
		return "intent"
	}
	return "prompt"
}

// lookupPhase runs FINGERPRINT → EMBED → QUERY → SELECT and returns
// the selection result, the scope, the text, and the embedding (for a
// subsequent write-back). Each phase is traced under requestID so a
// single request's spans correlate in the exporter.
func (m *Memory) lookupPhase(ctx context.Context, call llmprovider.Call, requestID string) (lookup.Result, fingerprint.Scope, string, []float32, error) {
	m.emitter.Emit(observability.Event{Step: observability.StepCacheCheckStart, RequestID: requestID})

	scope, text := m.fingerprintCall(ctx, call, requestID)

	embedQueryCtx, endEmbedQuery := m.emitter.StartSpan(ctx, observability.SpanEmbedQuery, requestID)
	cands, emb, err := lookup.Candidates(embedQueryCtx, m.deps.Index, text)
	endEmbedQuery()
	if err != nil {
		if m.cfg.FailOpenOnLookupError {
			return lookup.Result{}, scope, text, nil, nil
		}
		return lookup.Result{}, scope, text, nil, err
	}

	selectCtx, endSelect := m.emitter.StartSpan(ctx, observability.SpanSelect, requestID)
	result, err := lookup.Select(selectCtx, m.deps.Store, cands, scope, m.cfg.Threshold, m.cfg.CacheMode)
	endSelect()
	if err != nil {
		if m.cfg.FailOpenOnLookupError {
			return lookup.Result{}, scope, text, emb, nil
		}
		return lookup.Result{}, scope, text, emb, err
	}
	result.Embedding = emb
	return result, scope, text, emb, nil
}

// storeAsync acquires the write-back lock and, on success, writes the
// payload then upserts the vector entry, detached from the caller's
// context so cancellation after consumption completes doesn't abort
// the write. The LOCK-AND-STORE span is started on the detached
// context, not the caller's, since it times the write-back itself.
func (m *Memory) storeAsync(scope fingerprint.Scope, text, id string, emb []float32, payload json.RawMessage, requestID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		ctx, end := m.emitter.StartSpan(ctx, observability.SpanLockAndStore, requestID)
		defer end()

		m.emitter.Emit(observability.Event{Step: observability.StepCacheStoreStart, RequestID: requestID})

		lock, ok, err := m.deps.Store.AcquireLock(ctx, id)
		if err != nil {
			m.emitter.Emit(observability.Event{Step: observability.StepCacheStoreError, RequestID: requestID, Error: err.Error()})
			return
		}
		if !ok {
			// Lost the race: another writer holds the lock. Abort silently.
			return
		}
		defer lock.Release(ctx)

		if err := m.deps.Store.Set(ctx, id, payload, m.cfg.TTL); err != nil {
			m.emitter.Emit(observability.Event{Step: observability.StepCacheStoreError, RequestID: requestID, Error: err.Error()})
			return
		}
		metadata := lookup.Metadata(m.textKey(), text, scope, nil)
		if err := m.deps.Index.Upsert(ctx, id, emb, metadata); err != nil {
			m.emitter.Emit(observability.Event{Step: observability.StepCacheStoreError, RequestID: requestID, Error: err.Error()})
			return
		}
		m.emitter.Emit(observability.Event{Step: observability.StepCacheStoreComplete, RequestID: requestID})
	}()
}

func (m *Memory) pacing() replay.Player {
	initial, between := replay.PacingFromConfig(m.cfg.SimulateStream)
	return replay.Player{InitialDelay: initial, ChunkDelay: between}
}

// StreamText implements streamText: replay on hit, capture-and-forward
// on miss.
func (m *Memory) StreamText(ctx context.Context, call llmprovider.Call, doStream llmprovider.DoStream) (<-chan replay.Chunk, error) {
	requestID := uuid.NewString()
	result, scope, text, emb, err := m.lookupPhase(ctx, call, requestID)
	if err != nil {
		return nil, err
	}

	id := fingerprint.CompositeID(m.prefix, scope, text)
	if result.Hit() && m.cfg.CacheMode != config.ModeRefresh {
		parts, ok := replay.ChunksFromPayload(result.Cached, id)
		if ok {
			m.emitter.Emit(observability.Event{Step: observability.StepCacheHit, RequestID: requestID})
			m.recordTokensSaved(parts)
			replayCtx, end := m.emitter.StartSpan(ctx, observability.SpanReplay, requestID)
			return endOnClose(m.pacing().Play(replayCtx, parts), end), nil
		}
	}
	m.emitter.Emit(observability.Event{Step: observability.StepCacheMiss, RequestID: requestID})

	m.emitter.Emit(observability.Event{Step: observability.StepGenerationStart, RequestID: requestID})
	liveCtx, endLiveCall := m.emitter.StartSpan(ctx, observability.SpanLiveCall, requestID)
	upstream, err := doStream(liveCtx)
	if err != nil {
		endLiveCall()
		return nil, fmt.Errorf("memory: provider stream: %w", err)
	}

	var rec replay.Recorder
	down, finish := rec.Wrap(upstream)

	out := make(chan replay.Chunk)
	go func() {
		defer close(out)
		for chunk := range down {
			if chunk.IsError() {
				// Provider stream died mid-flight: bubble the error chunk
				// through unchanged, but the capture must not be treated
				// as a completed response.
				rec.Abort()
			}
			out <- chunk
		}
		endLiveCall()
		m.emitter.Emit(observability.Event{Step: observability.StepGenerationComplete, RequestID: requestID})
		parts, ok := finish()
		if !ok {
			m.emitter.Emit(observability.Event{Step: observability.StepCacheStoreError, RequestID: requestID, Error: "provider stream aborted before completion"})
			return
		}
		payload, err := json.Marshal(replay.StreamPayload{StreamParts: parts})
		if err == nil {
			m.storeAsync(scope, text, id, emb, payload, requestID)
		}
	}()
	return out, nil
}

// endOnClose forwards every chunk from src to a new channel and calls
// end once src closes, so a span can cover a replay/stream's actual
// duration instead of the instant its producing call returns.
func endOnClose(src <-chan replay.Chunk, end func()) <-chan replay.Chunk {
	out := make(chan replay.Chunk)
	go func() {
		defer close(out)
		defer end()
		for chunk := range src {
			out <- chunk
		}
	}()
	return out
}

// GenerateText implements generateText: return cached payload on hit,
// call the provider and write back on miss.
func (m *Memory) GenerateText(ctx context.Context, call llmprovider.Call, doGenerate llmprovider.DoGenerate) (json.RawMessage, error) {
	requestID := uuid.NewString()
	result, scope, text, emb, err := m.lookupPhase(ctx, call, requestID)
	if err != nil {
		return nil, err
	}

	id := fingerprint.CompositeID(m.prefix, scope, text)
	if result.Hit() && m.cfg.CacheMode != config.ModeRefresh {
		m.emitter.Emit(observability.Event{Step: observability.StepCacheHit, RequestID: requestID})
		if m.deps.Counter != nil && m.deps.Ledger != nil {
			m.deps.Ledger.RecordHit(m.namespace, m.deps.Counter.Count(string(result.Cached)))
		}
		_, end := m.emitter.StartSpan(ctx, observability.SpanReplay, requestID)
		end()
		return result.Cached, nil
	}
	m.emitter.Emit(observability.Event{Step: observability.StepCacheMiss, RequestID: requestID})

	m.emitter.Emit(observability.Event{Step: observability.StepGenerationStart, RequestID: requestID})
	liveCtx, endLiveCall := m.emitter.StartSpan(ctx, observability.SpanLiveCall, requestID)
	providerResult, err := doGenerate(liveCtx)
	endLiveCall()
	if err != nil {
		return nil, fmt.Errorf("memory: provider generate: %w", err)
	}
	m.emitter.Emit(observability.Event{Step: observability.StepGenerationComplete, RequestID: requestID})

	m.storeAsync(scope, text, id, emb, providerResult, requestID)
	return providerResult, nil
}

// StreamObject implements streamObject; structurally identical to
// StreamText since a cached stream is replayed the same way regardless
// of whether the chunks carry free text or structured-object deltas.
func (m *Memory) StreamObject(ctx context.Context, call llmprovider.Call, doStream llmprovider.DoStream) (<-chan replay.Chunk, error) {
	return m.StreamText(ctx, call, doStream)
}

// GenerateObject implements generateObject; structurally identical to
// GenerateText for the same reason.
func (m *Memory) GenerateObject(ctx context.Context, call llmprovider.Call, doGenerate llmprovider.DoGenerate) (json.RawMessage, error) {
	return m.GenerateText(ctx, call, doGenerate)
}

func (m *Memory) recordTokensSaved(parts []replay.Chunk) {
	if m.deps.Counter == nil || m.deps.Ledger == nil {
		return
	}
	var text string
	for _, c := range parts {
		if delta, ok := c["delta"].(string); ok {
			text += delta
		}
	}
	if text != "" {
		m.deps.Ledger.RecordHit(m.namespace, m.deps.Counter.Count(text))
	}
}
