package index

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"scopegate/pkg/models"
)

func TestMemoryIndexPrefilter(t *testing.T) {
	idx := NewMemoryIndex()
	idx.Upsert("c1", "vacation policy for employees", []models.Role{"hr"})
	idx.Upsert("c2", "deployment policy for services", []models.Role{"engineering"})
	idx.Upsert("c3", "company holiday policy", []models.Role{models.RolePublic})

	hits, err := idx.Search(context.Background(), "policy", []models.Role{"engineering", models.RolePublic}, 10)
	if err != nil {
		t.Fatal(err)
	}
	ids := hitIDs(hits)
	if len(ids) != 2 || !ids["c2"] || !ids["c3"] {
		t.Fatalf("prefilter leaked or dropped hits: %v", ids)
	}
}

func TestMemoryIndexSkipPrefilter(t *testing.T) {
	idx := NewMemoryIndex()
	idx.SkipPrefilter = true
	idx.Upsert("c1", "vacation policy", []models.Role{"hr"})

	hits, err := idx.Search(context.Background(), "policy", []models.Role{"engineering"}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].ChunkID != "c1" {
		t.Fatalf("stale-engine mode should return out-of-scope hits: %+v", hits)
	}
}

func TestMemoryIndexTopKAndOrdering(t *testing.T) {
	idx := NewMemoryIndex()
	idx.Upsert("strong", "release process and release checklist", []models.Role{models.RolePublic})
	idx.Upsert("weak", "release notes only", []models.Role{models.RolePublic})
	idx.Upsert("none", "unrelated content", []models.Role{models.RolePublic})

	hits, err := idx.Search(context.Background(), "release checklist", []models.Role{models.RolePublic}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].ChunkID != "strong" {
		t.Fatalf("expected single best hit, got %+v", hits)
	}
}

func TestMemoryIndexUpsertReplaces(t *testing.T) {
	idx := NewMemoryIndex()
	idx.Upsert("c1", "old text", []models.Role{"hr"})
	idx.Upsert("c1", "new text", []models.Role{models.RolePublic})

	hits, err := idx.Search(context.Background(), "text", []models.Role{models.RolePublic}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].Content != "new text" {
		t.Fatalf("upsert did not replace: %+v", hits)
	}
}

func TestQdrantSearcherRequestShape(t *testing.T) {
	var captured qdrantSearchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/collections/corpus/points/search" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("api-key") != "qk" {
			t.Errorf("api key not forwarded")
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"result":[
			{"score":0.9,"payload":{"chunk_id":"c1","content":"alpha","roles":["engineering"]}},
			{"score":0.5,"payload":{"chunk_id":"c2","content":"beta","roles":["hr","public"]}},
			{"score":0.1,"payload":{"chunk_id":"c3","content":"untagged"}}
		]}`))
	}))
	defer srv.Close()

	searcher := &QdrantSearcher{
		Client:     srv.Client(),
		URL:        srv.URL,
		APIKey:     "qk",
		Collection: "corpus",
		Embedder:   stubEmbedder{vector: []float64{0.1, 0.2}},
	}
	hits, err := searcher.Search(context.Background(), "q", []models.Role{"engineering", "public"}, 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(captured.Filter.Must) != 1 || len(captured.Filter.Must[0].Match.Any) != 2 {
		t.Fatalf("tag pre-filter not sent: %+v", captured.Filter)
	}
	if captured.Limit != 6 {
		t.Fatalf("expected over-fetch limit 6, got %d", captured.Limit)
	}
	if len(hits) != 3 {
		t.Fatalf("hits=%d", len(hits))
	}
	if hits[0].ChunkID != "c1" || len(hits[0].Tags) != 1 {
		t.Fatalf("first hit mangled: %+v", hits[0])
	}
	if hits[2].Tags != nil {
		t.Fatalf("untagged payload must yield nil tags, got %v", hits[2].Tags)
	}
}

func TestQdrantSearcherRequiresEmbedder(t *testing.T) {
	searcher := &QdrantSearcher{URL: "http://localhost:6333", Collection: "c"}
	if _, err := searcher.Search(context.Background(), "q", nil, 5); err == nil {
		t.Fatal("expected error without embedder")
	}
}

func TestOpenAIEmbedder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key" {
			t.Errorf("auth header %q", r.Header.Get("Authorization"))
		}
		_, _ = w.Write([]byte(`{"data":[{"embedding":[0.25,0.5]}]}`))
	}))
	defer srv.Close()

	embedder := &OpenAIEmbedder{Client: srv.Client(), BaseURL: srv.URL, APIKey: "key"}
	vec, err := embedder.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 2 || vec[0] != 0.25 {
		t.Fatalf("vector=%v", vec)
	}
}

func TestOpenAIEmbedderEmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()
	embedder := &OpenAIEmbedder{Client: srv.Client(), BaseURL: srv.URL}
	if _, err := embedder.Embed(context.Background(), "hello"); err == nil {
		t.Fatal("expected error for empty data")
	}
}

type stubEmbedder struct {
	vector []float64
}

func (s stubEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	return s.vector, nil
}

func hitIDs(hits []Hit) map[string]bool {
	out := map[string]bool{}
	for _, h := range hits {
		out[h.ChunkID] = true
	}
	return out
}
