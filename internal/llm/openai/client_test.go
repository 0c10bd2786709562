package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestEmbeddings(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/embeddings", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("authorization header = %q", got)
		}
		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "embed" || len(req.Input) != 1 {
			t.Errorf("unexpected request: %+v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []any{map[string]any{"embedding": []float32{0.1, 0.2}}},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	c := New(Options{BaseURL: srv.URL + "/v1/", APIKey: "sk-test"})
	vecs, err := c.Embeddings(context.Background(), "embed", []string{"a"})
	if err != nil {
		t.Fatal(err)
	}
	if len(vecs) != 1 || len(vecs[0]) != 2 {
		t.Fatalf("unexpected embedding size: %v", vecs)
	}
}

func TestEmbeddingsHonorsIndex(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/embeddings", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []any{
				map[string]any{"index": 1, "embedding": []float32{2}},
				map[string]any{"index": 0, "embedding": []float32{1}},
			},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	c := New(Options{BaseURL: srv.URL + "/v1"})
	vecs, err := c.Embeddings(context.Background(), "m", []string{"first", "second"})
	if err != nil {
		t.Fatal(err)
	}
	if vecs[0][0] != 1 || vecs[1][0] != 2 {
		t.Fatalf("order not restored: %v", vecs)
	}
}

func TestEmbeddingsCountMismatch(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/embeddings", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []any{}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	c := New(Options{BaseURL: srv.URL + "/v1"})
	if _, err := c.Embeddings(context.Background(), "m", []string{"a", "b"}); err == nil {
		t.Fatal("expected error for short response")
	}
}

func TestEmbeddingsHTTPError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/embeddings", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("bad model"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	c := New(Options{BaseURL: srv.URL + "/v1"})
	_, err := c.Embeddings(context.Background(), "m", []string{"a"})
	if err == nil || !strings.Contains(err.Error(), "400") {
		t.Fatalf("expected http 400 error, got %v", err)
	}
}

func TestListModels(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []any{map[string]any{"id": "all-minilm-l6-v2"}, map[string]any{"id": "nomic-embed-text"}},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	c := New(Options{BaseURL: srv.URL + "/v1"})
	ids, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != "all-minilm-l6-v2" {
		t.Fatalf("unexpected models: %v", ids)
	}
}
