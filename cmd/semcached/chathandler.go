package main

import (
	"encoding/json"
	"net/http"

	"github.com/conduitcache/semcache/llmprovider"
	"github.com/conduitcache/semcache/memory"
	"github.com/conduitcache/semcache/replay"
)

// chatRequest is the OpenAI-compatible shape accepted on the chat
// passthrough endpoint.
type chatRequest struct {
	Model       string               `json:"model"`
	System      string               `json:"system,omitempty"`
	Temperature *float64             `json:"temperature,omitempty"`
	TopP        *float64             `json:"top_p,omitempty"`
	Tools       []llmprovider.Tool   `json:"tools,omitempty"`
	Messages    []llmprovider.Message `json:"messages"`
	Stream      bool                 `json:"stream"`
}

type chatHandler struct {
	memory   *memory.Memory
	provider *llmprovider.HTTPProvider
}

func (h *chatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"malformed request body"}`, http.StatusBadRequest)
		return
	}
	if err := llmprovider.ValidateTools(req.Tools); err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusBadRequest)
		return
	}

	call := llmprovider.Call{
		Model:       req.Model,
		System:      req.System,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Tools:       req.Tools,
		Messages:    req.Messages,
	}

	if req.Stream {
		h.stream(w, r, call)
		return
	}
	h.generate(w, r, call)
}

func (h *chatHandler) generate(w http.ResponseWriter, r *http.Request, call llmprovider.Call) {
	out, err := h.memory.GenerateText(r.Context(), call, h.provider.DoGenerate(call))
	if err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(out)
}

func (h *chatHandler) stream(w http.ResponseWriter, r *http.Request, call llmprovider.Call) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error":"streaming unsupported"}`, http.StatusInternalServerError)
		return
	}

	chunks, err := h.memory.StreamText(r.Context(), call, h.provider.DoStream(call))
	if err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for chunk := range chunks {
		writeSSE(w, chunk)
		flusher.Flush()
	}
	w.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()
}

func writeSSE(w http.ResponseWriter, chunk replay.Chunk) {
	b, err := json.Marshal(chunk)
	if err != nil {
		return
	}
	w.Write([]byte("data: "))
	w.Write(b)
	w.Write([]byte("\n\n"))
}
