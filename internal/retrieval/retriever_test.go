package retrieval

import (
	"context"
	"errors"
	"testing"
	"time"
)

// mockVectorStore implements VectorStore for testing.
type mockVectorStore struct {
	searchFn func(namespace string, vector []float32, topK int) ([]ScoredRecord, error)
}

func (m *mockVectorStore) Search(namespace string, vector []float32, topK int) ([]ScoredRecord, error) {
	return m.searchFn(namespace, vector, topK)
}
func (m *mockVectorStore) Insert(records []Record) error                   { return nil }
func (m *mockVectorStore) DeleteByDocument(documentID string) (int, error) { return 0, nil }
func (m *mockVectorStore) Count(namespace string) (int, error)             { return 0, nil }

func staticEmbedder() *Embedder {
	return NewEmbedder(&mockEmbedClient{
		embedFn: func(_ context.Context, _ string, _ string) ([]float32, error) {
			return makeVector(8), nil
		},
	}, "m")
}

func TestRetrieve_PassesNamespaceAndTopK(t *testing.T) {
	var gotNS string
	var gotK int
	store := &mockVectorStore{
		searchFn: func(ns string, _ []float32, topK int) ([]ScoredRecord, error) {
			gotNS, gotK = ns, topK
			return []ScoredRecord{
				{Record: Record{ID: "r1", DocumentID: "d1", TextChunk: "villas", Tags: []string{"villas"}, CreatedAt: time.Now().UTC()}, Score: 0.9},
				{Record: Record{ID: "r2", DocumentID: "d2", TextChunk: "prices"}, Score: 0.4},
			}, nil
		},
	}
	r := NewRetriever(staticEmbedder(), store)

	chunks, err := r.Retrieve(context.Background(), "acme", "sea view", 3)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if gotNS != "acme" || gotK != 3 {
		t.Errorf("Search(%q, %d), want (acme, 3)", gotNS, gotK)
	}
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if chunks[0].Text != "villas" || chunks[0].DocumentID != "d1" || chunks[0].Score != 0.9 {
		t.Errorf("chunk = %+v", chunks[0])
	}
	if len(chunks[0].Tags) != 1 || chunks[0].Tags[0] != "villas" {
		t.Errorf("Tags = %v", chunks[0].Tags)
	}
}

func TestRetrieve_EmptyNamespaceOrTopK(t *testing.T) {
	store := &mockVectorStore{
		searchFn: func(string, []float32, int) ([]ScoredRecord, error) {
			t.Fatal("search should not be called")
			return nil, nil
		},
	}
	r := NewRetriever(staticEmbedder(), store)

	if chunks, err := r.Retrieve(context.Background(), "", "q", 3); err != nil || chunks != nil {
		t.Errorf("empty namespace = %v, %v", chunks, err)
	}
	if chunks, err := r.Retrieve(context.Background(), "acme", "q", 0); err != nil || chunks != nil {
		t.Errorf("topK 0 = %v, %v", chunks, err)
	}
}

func TestRetrieve_EmbedFails(t *testing.T) {
	e := NewEmbedder(&mockEmbedClient{
		embedFn: func(_ context.Context, _ string, _ string) ([]float32, error) {
			return nil, errors.New("embed error")
		},
	}, "m")
	store := &mockVectorStore{
		searchFn: func(string, []float32, int) ([]ScoredRecord, error) {
			t.Fatal("search should not be called when embed fails")
			return nil, nil
		},
	}

	if _, err := NewRetriever(e, store).Retrieve(context.Background(), "acme", "q", 3); err == nil {
		t.Fatal("expected error")
	}
}

func TestRetrieve_SearchFails(t *testing.T) {
	store := &mockVectorStore{
		searchFn: func(string, []float32, int) ([]ScoredRecord, error) {
			return nil, errors.New("disk I/O error")
		},
	}

	if _, err := NewRetriever(staticEmbedder(), store).Retrieve(context.Background(), "acme", "q", 3); err == nil {
		t.Fatal("expected error")
	}
}

func TestRetrieve_EndToEndWithSQLite(t *testing.T) {
	store := NewSQLiteStore(openTestDB(t))
	if err := store.Insert([]Record{
		{ID: "near", Namespace: "acme", DocumentID: "d", TextChunk: "close", Embedding: axis(3, 0)},
		{ID: "far", Namespace: "acme", DocumentID: "d", TextChunk: "far", Embedding: axis(3, 2)},
	}); err != nil {
		t.Fatal(err)
	}
	e := NewEmbedder(&mockEmbedClient{
		embedFn: func(_ context.Context, _ string, _ string) ([]float32, error) {
			return []float32{0.9, 0.1, 0}, nil
		},
	}, "m")

	chunks, err := NewRetriever(e, store).Retrieve(context.Background(), "acme", "q", 1)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(chunks) != 1 || chunks[0].ID != "near" {
		t.Errorf("chunks = %+v", chunks)
	}
}
