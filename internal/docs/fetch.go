package docs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"time"
)

const (
	maxFetchSize = 5 << 20 // 5MB
	fetchTimeout = 10 * time.Second
)

// Page is a fetched web document reduced to text.
type Page struct {
	Title    string
	Text     string
	FileType string
}

// Fetcher downloads documents by URL and extracts their text.
type Fetcher struct {
	client *http.Client
}

// NewFetcher returns a Fetcher using client, or http.DefaultClient if nil.
func NewFetcher(client *http.Client) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{client: client}
}

// Fetch downloads rawURL and extracts its text. The file type comes from the
// response Content-Type, then the URL path extension, and defaults to HTML.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (Page, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Page{}, fmt.Errorf("invalid url %q", rawURL)
	}

	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Page{}, fmt.Errorf("creating request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("fetching %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Page{}, fmt.Errorf("fetching %s: status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchSize))
	if err != nil {
		return Page{}, fmt.Errorf("reading %s: %w", rawURL, err)
	}

	fileType := typeFromContentType(resp.Header.Get("Content-Type"))
	if fileType == "" {
		if ext := NormalizeType(path.Ext(u.Path)); Supported(ext) {
			fileType = ext
		} else {
			fileType = ".html"
		}
	}

	page := Page{Title: rawURL, FileType: fileType}
	if fileType == ".html" {
		text, title, err := extractHTML(bytes.NewReader(body))
		if err != nil {
			return Page{}, fmt.Errorf("parsing html: %w", err)
		}
		if title != "" {
			page.Title = title
		}
		page.Text = text
		return page, nil
	}

	page.Text, err = Extract(fileType, body, Options{})
	if err != nil {
		return Page{}, err
	}
	return page, nil
}

var contentTypes = map[string]string{
	"text/html":             ".html",
	"application/xhtml+xml": ".html",
	"text/plain":            ".txt",
	"text/markdown":         ".md",
	"text/csv":              ".csv",
	"application/json":      ".json",
	"application/pdf":       ".pdf",

	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": ".xlsx",
}

func typeFromContentType(ct string) string {
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return ""
	}
	return contentTypes[mt]
}
