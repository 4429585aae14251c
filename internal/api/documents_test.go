package api

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kalambet/leadbot/internal/ingest"
	"github.com/kalambet/leadbot/internal/retrieval"
	"github.com/kalambet/leadbot/internal/storage"
)

func uploadDocument(t *testing.T, env *testEnv, clientID, body string) string {
	t.Helper()
	rr := env.do(t, http.MethodPost, "/clients/"+clientID+"/documents", body)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("upload status = %d; body = %s", rr.Code, rr.Body.String())
	}
	resp := decodeBody[map[string]string](t, rr)
	if resp["status"] != "queued" || resp["id"] == "" {
		t.Fatalf("upload response = %v", resp)
	}
	return resp["id"]
}

func TestUploadDocument_Text(t *testing.T) {
	env := setupApp(t)
	env.createClient(t, "acme")

	id := uploadDocument(t, env, "acme", `{"title":"Villas","content":"  Sea view villas from 2M.  ","tags":["villas"]}`)

	doc, err := env.store.GetDocument(id)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if doc.ClientID != "acme" || doc.Content != "Sea view villas from 2M." || doc.FileType != ".txt" || doc.Source != "text" {
		t.Errorf("doc = %+v", doc)
	}
	if len(doc.Tags) != 1 || doc.Tags[0] != "villas" {
		t.Errorf("tags = %v", doc.Tags)
	}

	job, err := env.store.ClaimNextJob([]string{ingest.JobDocumentEmbed})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if job == nil || !strings.Contains(job.PayloadJSON, id) {
		t.Errorf("queued job = %+v, want payload with %s", job, id)
	}
}

func TestUploadDocument_File(t *testing.T) {
	env := setupApp(t)
	env.createClient(t, "acme")

	csv := base64.StdEncoding.EncodeToString([]byte("name,price\nVilla,2M\n"))
	id := uploadDocument(t, env, "acme", fmt.Sprintf(`{"type":"file","title":"prices.csv","content":%q}`, csv))

	doc, err := env.store.GetDocument(id)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if doc.FileType != ".csv" || doc.Content != "name: Villa\nprice: 2M" || doc.Source != "upload" {
		t.Errorf("doc = %+v", doc)
	}
}

func TestUploadDocument_FileJSONFields(t *testing.T) {
	env := setupApp(t)
	env.createClient(t, "acme")

	data := base64.StdEncoding.EncodeToString([]byte(`[{"name":"Villa","price":"2M","sku":"x1"}]`))
	body := fmt.Sprintf(`{"type":"file","file_type":"json","title":"catalog","content":%q,"json_fields":["name","price"]}`, data)
	id := uploadDocument(t, env, "acme", body)

	doc, err := env.store.GetDocument(id)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if doc.Content != "name: Villa price: 2M" {
		t.Errorf("content = %q", doc.Content)
	}
}

func TestUploadDocument_BadInput(t *testing.T) {
	env := setupApp(t)
	env.createClient(t, "acme")
	xlsx := base64.StdEncoding.EncodeToString([]byte("not really a workbook"))

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed", `{"content":`, http.StatusBadRequest},
		{"empty text", `{"type":"text","content":"   "}`, http.StatusBadRequest},
		{"unknown type", `{"type":"video","content":"x"}`, http.StatusBadRequest},
		{"missing url", `{"type":"url"}`, http.StatusBadRequest},
		{"missing file type", `{"type":"file","title":"notes","content":"aGk="}`, http.StatusBadRequest},
		{"type not allowed", fmt.Sprintf(`{"type":"file","file_type":".xlsx","content":%q}`, xlsx), http.StatusBadRequest},
		{"bad base64", `{"type":"file","file_type":".txt","content":"%%%"}`, http.StatusBadRequest},
		{"blank file", fmt.Sprintf(`{"type":"file","file_type":".txt","content":%q}`, base64.StdEncoding.EncodeToString([]byte("  \n"))), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rr := env.do(t, http.MethodPost, "/clients/acme/documents", tt.body); rr.Code != tt.want {
				t.Errorf("status = %d, want %d; body = %s", rr.Code, tt.want, rr.Body.String())
			}
		})
	}

	docs, err := env.store.ListDocuments("acme", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 0 {
		t.Errorf("rejected uploads stored %d documents", len(docs))
	}
}

func TestUploadDocument_UnknownClient(t *testing.T) {
	env := setupApp(t)
	if rr := env.do(t, http.MethodPost, "/clients/ghost/documents", `{"content":"hi"}`); rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestUploadDocument_URL(t *testing.T) {
	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><head><title>Our Villas</title></head><body><p>Pool and garden.</p></body></html>`)
	}))
	defer site.Close()

	env := setupApp(t)
	env.createClient(t, "acme")

	id := uploadDocument(t, env, "acme", fmt.Sprintf(`{"type":"url","url":%q}`, site.URL+"/villas"))

	doc, err := env.store.GetDocument(id)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if doc.Title != "Our Villas" || doc.FileType != ".html" || doc.Source != site.URL+"/villas" {
		t.Errorf("doc = %+v", doc)
	}
	if !strings.Contains(doc.Content, "Pool and garden.") {
		t.Errorf("content = %q", doc.Content)
	}
}

func TestUploadDocument_URLFailure(t *testing.T) {
	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer site.Close()

	env := setupApp(t)
	env.createClient(t, "acme")

	rr := env.do(t, http.MethodPost, "/clients/acme/documents", fmt.Sprintf(`{"type":"url","url":%q}`, site.URL))
	if rr.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rr.Code)
	}
}

func TestListDocuments(t *testing.T) {
	env := setupApp(t)
	env.createClient(t, "acme")
	env.createClient(t, "other")
	for i := range 3 {
		uploadDocument(t, env, "acme", fmt.Sprintf(`{"title":"doc %d","content":"content %d"}`, i, i))
	}
	uploadDocument(t, env, "other", `{"content":"elsewhere"}`)

	all := decodeBody[[]documentView](t, env.do(t, http.MethodGet, "/clients/acme/documents", ""))
	if len(all) != 3 {
		t.Fatalf("documents = %d, want 3", len(all))
	}
	for _, d := range all {
		if d.ClientID != "acme" || d.ContentLength != len("content 0") {
			t.Errorf("document = %+v", d)
		}
	}

	page := decodeBody[[]documentView](t, env.do(t, http.MethodGet, "/clients/acme/documents?limit=2&offset=2", ""))
	if len(page) != 1 {
		t.Errorf("second page = %d, want 1", len(page))
	}
}

func TestDeleteDocument(t *testing.T) {
	env := setupApp(t)
	env.createClient(t, "acme")
	id := uploadDocument(t, env, "acme", `{"content":"Sea view villas."}`)

	err := env.vectors.Insert([]retrieval.Record{
		{ID: "v1", Namespace: "acme", DocumentID: id, TextChunk: "Sea view", Embedding: []float32{1, 0}},
		{ID: "v2", Namespace: "acme", DocumentID: id, TextChunk: "villas.", Embedding: []float32{0, 1}},
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if rr := env.do(t, http.MethodDelete, "/clients/other/documents/"+id, ""); rr.Code != http.StatusNotFound {
		t.Errorf("cross-client delete status = %d, want 404", rr.Code)
	}

	rr := env.do(t, http.MethodDelete, "/clients/acme/documents/"+id, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("delete status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if _, err := env.store.GetDocument(id); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetDocument after delete err = %v", err)
	}
	if n, _ := env.vectors.Count("acme"); n != 0 {
		t.Errorf("vectors left = %d", n)
	}

	if rr := env.do(t, http.MethodDelete, "/clients/acme/documents/"+id, ""); rr.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rr.Code)
	}
}
