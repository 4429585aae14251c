// Package docs turns uploaded knowledge-base documents into plain text and
// splits that text into chunks for embedding.
package docs

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/xuri/excelize/v2"
)

// ErrUnsupportedType is returned for file types with no extractor.
var ErrUnsupportedType = errors.New("unsupported file type")

// SupportedTypes lists every file type Extract understands.
var SupportedTypes = []string{".txt", ".md", ".pdf", ".csv", ".json", ".xlsx", ".html"}

// Options tunes extraction.
type Options struct {
	// JSONFields, when set, limits JSON extraction to these fields of each
	// top-level object, rendered as "field: value".
	JSONFields []string
}

// NormalizeType lowercases a file type and gives it a leading dot, so "PDF",
// "pdf" and ".pdf" are the same type. ".htm" is folded into ".html".
func NormalizeType(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	if t == "" {
		return ""
	}
	if !strings.HasPrefix(t, ".") {
		t = "." + t
	}
	if t == ".htm" {
		t = ".html"
	}
	return t
}

// Supported reports whether Extract can handle fileType.
func Supported(fileType string) bool {
	t := NormalizeType(fileType)
	for _, s := range SupportedTypes {
		if s == t {
			return true
		}
	}
	return false
}

// Extract returns the plain text of a document of the given type.
func Extract(fileType string, data []byte, opts Options) (string, error) {
	t := NormalizeType(fileType)
	var (
		text string
		err  error
	)
	switch t {
	case ".txt", ".md":
		text = string(data)
	case ".pdf":
		text, err = extractPDF(data)
	case ".csv":
		text, err = extractCSV(data)
	case ".json":
		text, err = extractJSON(data, opts.JSONFields)
	case ".xlsx":
		text, err = extractXLSX(data)
	case ".html":
		text, _, err = extractHTML(bytes.NewReader(data))
	default:
		return "", fmt.Errorf("%w: %q. Supported types: %s", ErrUnsupportedType, fileType, strings.Join(SupportedTypes, ", "))
	}
	if err != nil {
		return "", fmt.Errorf("extracting %s: %w", t, err)
	}
	return strings.TrimSpace(text), nil
}

func extractPDF(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	b, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return string(b), nil
}

func extractCSV(data []byte) (string, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return "", fmt.Errorf("parsing csv: %w", err)
	}
	return renderRows(rows), nil
}

func extractXLSX(data []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("opening workbook: %w", err)
	}
	defer f.Close()

	var sheets []string
	for _, name := range f.GetSheetList() {
		rows, err := f.GetRows(name)
		if err != nil {
			return "", fmt.Errorf("reading sheet %s: %w", name, err)
		}
		if text := renderRows(rows); text != "" {
			sheets = append(sheets, text)
		}
	}
	return strings.Join(sheets, "\n\n"), nil
}

// renderRows treats the first row as a header and renders each following row
// as "header: value" lines. Rows are separated by a blank line.
func renderRows(rows [][]string) string {
	if len(rows) < 2 {
		return ""
	}
	header := rows[0]
	records := make([]string, 0, len(rows)-1)
	for _, row := range rows[1:] {
		lines := make([]string, 0, len(row))
		for i, cell := range row {
			name := ""
			if i < len(header) {
				name = strings.TrimSpace(header[i])
			}
			if name == "" {
				name = "column_" + strconv.Itoa(i+1)
			}
			lines = append(lines, name+": "+strings.TrimSpace(cell))
		}
		if len(lines) > 0 {
			records = append(records, strings.Join(lines, "\n"))
		}
	}
	return strings.Join(records, "\n\n")
}

func extractJSON(data []byte, fields []string) (string, error) {
	var texts []string
	if len(fields) == 0 {
		dec := json.NewDecoder(bytes.NewReader(data))
		if err := collectStrings(dec, &texts); err != nil {
			return "", fmt.Errorf("parsing json: %w", err)
		}
	} else {
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return "", fmt.Errorf("parsing json: %w", err)
		}
		items, ok := v.([]any)
		if !ok {
			items = []any{v}
		}
		for _, item := range items {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			var parts []string
			for _, f := range fields {
				if val, ok := obj[f]; ok {
					parts = append(parts, f+": "+jsonValueString(val))
				}
			}
			if len(parts) > 0 {
				texts = append(texts, strings.Join(parts, " "))
			}
		}
	}

	out := texts[:0]
	for _, t := range texts {
		if strings.TrimSpace(t) != "" {
			out = append(out, t)
		}
	}
	return strings.Join(out, "\n\n"), nil
}

// collectStrings appends every string value of the next JSON value in dec, in
// document order. Object keys are skipped.
func collectStrings(dec *json.Decoder, out *[]string) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			for dec.More() {
				if _, err := dec.Token(); err != nil {
					return err
				}
				if err := collectStrings(dec, out); err != nil {
					return err
				}
			}
		case '[':
			for dec.More() {
				if err := collectStrings(dec, out); err != nil {
					return err
				}
			}
		}
		_, err = dec.Token()
		return err
	case string:
		*out = append(*out, t)
	}
	return nil
}

func jsonValueString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return "null"
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}
