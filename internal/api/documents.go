package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/leadbot/internal/docs"
	"github.com/kalambet/leadbot/internal/ingest"
	"github.com/kalambet/leadbot/internal/storage"
)

const maxUploadBodySize = 10 << 20 // 10MB

// DocumentRequest adds a knowledge-base document. Type is "text" (the
// default), "url" or "file"; file content is base64.
type DocumentRequest struct {
	Type     string   `json:"type"`
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	URL      string   `json:"url"`
	FileType string   `json:"file_type"`
	Tags     []string `json:"tags"`
	// JSONFields selects the fields rendered from JSON records.
	JSONFields []string `json:"json_fields"`
}

type documentView struct {
	ID            string    `json:"id"`
	ClientID      string    `json:"client_id"`
	Title         string    `json:"title"`
	Source        string    `json:"source"`
	FileType      string    `json:"file_type"`
	Tags          []string  `json:"tags"`
	ChunkCount    int       `json:"chunk_count"`
	ContentLength int       `json:"content_length"`
	CreatedAt     time.Time `json:"created_at"`
}

func newDocumentView(d storage.Document) documentView {
	tags := d.Tags
	if tags == nil {
		tags = []string{}
	}
	return documentView{
		ID:            d.ID,
		ClientID:      d.ClientID,
		Title:         d.Title,
		Source:        d.Source,
		FileType:      d.FileType,
		Tags:          tags,
		ChunkCount:    d.ChunkCount,
		ContentLength: len(d.Content),
		CreatedAt:     d.CreatedAt,
	}
}

func handleUploadDocument(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBodySize)
		defer r.Body.Close()

		client, err := deps.Clients.Get(chi.URLParam(r, "clientID"))
		if err != nil {
			clientError(w, err)
			return
		}

		var req DocumentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Type == "" {
			req.Type = "text"
		}

		doc := storage.Document{
			ID:        uuid.New().String(),
			ClientID:  client.ClientID,
			Title:     req.Title,
			Tags:      req.Tags,
			CreatedAt: time.Now().UTC(),
		}

		switch req.Type {
		case "text":
			if strings.TrimSpace(req.Content) == "" {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "content is required")
				return
			}
			doc.Source = "text"
			doc.FileType = ".txt"
			doc.Content = strings.TrimSpace(req.Content)

		case "url":
			if req.URL == "" {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "url is required")
				return
			}
			page, err := deps.Fetcher.Fetch(r.Context(), req.URL)
			if err != nil {
				httpError(w, http.StatusBadGateway, "api_error", "failed to fetch url: %v", err)
				return
			}
			doc.Source = req.URL
			doc.FileType = page.FileType
			doc.Content = page.Text
			if doc.Title == "" {
				doc.Title = page.Title
			}

		case "file":
			fileType := req.FileType
			if fileType == "" {
				fileType = path.Ext(req.Title)
			}
			fileType = docs.NormalizeType(fileType)
			if fileType == "" || fileType == "." {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "file_type is required")
				return
			}
			if !client.AllowsFileType(fileType) {
				httpError(w, http.StatusBadRequest, "invalid_request_error",
					"file type %s is not allowed for this client. Allowed types: %s",
					fileType, strings.Join(client.AllowedFileTypes, ", "))
				return
			}
			data, err := base64.StdEncoding.DecodeString(req.Content)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid base64 content")
				return
			}
			text, err := docs.Extract(fileType, data, docs.Options{JSONFields: req.JSONFields})
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "extracting text: %v", err)
				return
			}
			doc.Source = "upload"
			doc.FileType = fileType
			doc.Content = text

		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown document type %q (want text, url or file)", req.Type)
			return
		}

		if strings.TrimSpace(doc.Content) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "document has no text")
			return
		}
		if doc.Title == "" {
			doc.Title = doc.ID
		}

		if err := deps.Store.SaveDocument(doc); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save document: %v", err)
			return
		}
		job, err := ingest.NewDocumentJob(doc.ID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to create job: %v", err)
			return
		}
		if err := deps.Store.EnqueueJob(job); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue job: %v", err)
			return
		}

		deps.Logger.Info("document queued",
			"client_id", doc.ClientID, "document_id", doc.ID, "file_type", doc.FileType, "chars", len(doc.Content))
		writeJSON(w, http.StatusAccepted, map[string]string{
			"id":     doc.ID,
			"status": "queued",
		})
	}
}

func handleListDocuments(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		list, err := deps.Store.ListDocuments(chi.URLParam(r, "clientID"), limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list documents: %v", err)
			return
		}

		out := make([]documentView, len(list))
		for i, d := range list {
			out[i] = newDocumentView(d)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleDeleteDocument(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		doc, err := deps.Store.GetDocument(id)
		if errors.Is(err, storage.ErrNotFound) || (err == nil && doc.ClientID != chi.URLParam(r, "clientID")) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get document: %v", err)
			return
		}

		// The row goes first so an embed job still running sees it missing
		// when it records the chunk count and drops its own chunks.
		err = deps.Store.DeleteDocument(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete document: %v", err)
			return
		}

		if deps.Vectors != nil {
			if _, err := deps.Vectors.DeleteByDocument(id); err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to delete document chunks: %v", err)
				return
			}
		}

		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}
