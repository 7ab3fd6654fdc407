package vectorindex_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/conduitcache/semcache/vectorindex"
)

type stubEmbedder struct {
	calls atomic.Int32
	vec   []float32
}

func (s *stubEmbedder) Embed(ctx context.Context, model, text string) ([]float32, error) {
	s.calls.Add(1)
	return s.vec, nil
}

func TestEmbedCachesByText(t *testing.T) {
	embedder := &stubEmbedder{vec: []float32{0.1, 0.2, 0.3}}
	c, err := vectorindex.New("http://unused", "tok", "model-x", embedder, 16)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := c.Embed(context.Background(), "same text"); err != nil {
			t.Fatalf("Embed() error = %v", err)
		}
	}
	if got := embedder.calls.Load(); got != 1 {
		t.Errorf("embedder called %d times, want 1 (cache should dedupe)", got)
	}
}

func TestQueryAndUpsert(t *testing.T) {
	var gotUpsert map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/query":
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"result": []map[string]any{
					{"id": "llm:abc", "score": 0.95, "metadata": map[string]any{"llmModel": "gpt-4o"}},
				},
			})
		case "/upsert":
			json.NewDecoder(r.Body).Decode(&gotUpsert)
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	embedder := &stubEmbedder{vec: []float32{1, 2, 3}}
	c, err := vectorindex.New(srv.URL, "tok", "model-x", embedder, 0)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	candidates, err := c.Query(context.Background(), []float32{1, 2, 3}, 3)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(candidates) != 1 || candidates[0].ID != "llm:abc" {
		t.Fatalf("unexpected candidates: %+v", candidates)
	}
	if candidates[0].Score != 0.95 {
		t.Errorf("Score = %v, want 0.95", candidates[0].Score)
	}

	if err := c.Upsert(context.Background(), "llm:abc", []float32{1, 2, 3}, map[string]any{"llmModel": "gpt-4o"}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if gotUpsert["id"] != "llm:abc" {
		t.Errorf("upsert body id = %v, want llm:abc", gotUpsert["id"])
	}
}

func TestQueryPropagatesErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := vectorindex.New(srv.URL, "tok", "model-x", &stubEmbedder{}, 0)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := c.Query(context.Background(), []float32{1}, 1); err == nil {
		t.Fatal("Query() error = nil, want error on 500 response")
	}
}
