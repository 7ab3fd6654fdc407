package llmprovider_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/conduitcache/semcache/llmprovider"
)

func TestDoStreamForwardsDeltasAndFinish(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"id\":\"x\",\"choices\":[{\"delta\":{\"content\":\"hi\"},\"finish_reason\":null}]}\n\n")
		flusher.Flush()
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		flusher.Flush()
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	defer srv.Close()

	p := llmprovider.NewHTTPProvider(srv.URL, "test-key")
	ch, err := p.DoStream(llmprovider.Call{Model: "gpt-4o"})(context.Background())
	if err != nil {
		t.Fatalf("DoStream() error = %v", err)
	}

	var sawFinish, sawError bool
	for chunk := range ch {
		if chunk.IsError() {
			sawError = true
		}
		if chunk["type"] == "finish" {
			sawFinish = true
		}
	}
	if sawError {
		t.Error("DoStream() emitted an error chunk for a clean completion")
	}
	if !sawFinish {
		t.Fatal("DoStream() never emitted a finish chunk")
	}
}

// TestDoStreamEmitsErrorChunkOnTruncatedStream simulates a provider
// connection that dies mid-body: the handler closes the response
// without ever writing [DONE] or a finish_reason. DoStream must signal
// this distinctly from a clean completion so memory.StreamText can
// tell the two apart and skip writing back a partial result.
func TestDoStreamEmitsErrorChunkOnTruncatedStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"id\":\"x\",\"choices\":[{\"delta\":{\"content\":\"partial\"},\"finish_reason\":null}]}\n\n")
		flusher.Flush()
		// Handler returns here: the body closes without [DONE] or finish.
	}))
	defer srv.Close()

	p := llmprovider.NewHTTPProvider(srv.URL, "test-key")
	ch, err := p.DoStream(llmprovider.Call{Model: "gpt-4o"})(context.Background())
	if err != nil {
		t.Fatalf("DoStream() error = %v", err)
	}

	var sawError bool
	for chunk := range ch {
		if chunk.IsError() {
			sawError = true
		}
	}
	if !sawError {
		t.Fatal("DoStream() did not emit an error chunk for a truncated stream")
	}
}
