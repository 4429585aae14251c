// Package clients manages per-tenant bot settings backed by a JSON file.
package clients

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotFound      = errors.New("client not found")
	ErrAlreadyExists = errors.New("client already exists")
	ErrInvalid       = errors.New("invalid client settings")
)

const (
	DefaultMaxTokens   = 500
	DefaultTemperature = 0.7
)

// DefaultAllowedFileTypes is applied when a client is created without an
// explicit list.
var DefaultAllowedFileTypes = []string{".txt", ".pdf", ".csv", ".json"}

// ClientSettings configures the bot for one tenant.
type ClientSettings struct {
	ClientID           string    `json:"client_id"`
	WhatsAppNumber     string    `json:"whatsapp_number"`
	Active             bool      `json:"active"`
	MaxTokens          int       `json:"max_tokens"`
	Temperature        float64   `json:"temperature"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
	CustomInstructions string    `json:"custom_instructions,omitempty"`
	AllowedFileTypes   []string  `json:"allowed_file_types"`
}

// AllowsFileType reports whether ext (with or without the leading dot) is in
// the client's allow-list.
func (c ClientSettings) AllowsFileType(ext string) bool {
	ext = strings.ToLower(ext)
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	for _, t := range c.AllowedFileTypes {
		if strings.ToLower(t) == ext {
			return true
		}
	}
	return false
}

// Create describes a new client. Nil fields take defaults.
type Create struct {
	ClientID           string   `json:"client_id"`
	WhatsAppNumber     string   `json:"whatsapp_number"`
	Active             *bool    `json:"active,omitempty"`
	MaxTokens          *int     `json:"max_tokens,omitempty"`
	Temperature        *float64 `json:"temperature,omitempty"`
	CustomInstructions string   `json:"custom_instructions,omitempty"`
	AllowedFileTypes   []string `json:"allowed_file_types,omitempty"`
}

// Update is a partial update. Only non-nil fields are applied.
type Update struct {
	WhatsAppNumber     *string   `json:"whatsapp_number,omitempty"`
	Active             *bool     `json:"active,omitempty"`
	MaxTokens          *int      `json:"max_tokens,omitempty"`
	Temperature        *float64  `json:"temperature,omitempty"`
	CustomInstructions *string   `json:"custom_instructions,omitempty"`
	AllowedFileTypes   *[]string `json:"allowed_file_types,omitempty"`
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// Manager holds every client's settings and rewrites the backing file on
// each mutation.
type Manager struct {
	path  string
	clock Clock

	mu      sync.RWMutex
	clients map[string]*ClientSettings
}

// Open loads the manager from path. Load failures are logged and yield an
// empty manager.
func Open(path string) *Manager {
	return OpenWithClock(path, realClock{})
}

// OpenWithClock is Open with a custom clock (for testing).
func OpenWithClock(path string, clock Clock) *Manager {
	m := &Manager{
		path:    path,
		clock:   clock,
		clients: make(map[string]*ClientSettings),
	}
	m.load()
	return m
}

func (m *Manager) load() {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("could not read client settings, starting empty", "path", m.path, "error", err)
		}
		return
	}

	var clients map[string]*ClientSettings
	if err := json.Unmarshal(data, &clients); err != nil {
		slog.Warn("malformed client settings, starting empty", "path", m.path, "error", err)
		return
	}
	for id, c := range clients {
		if c == nil {
			delete(clients, id)
			continue
		}
		c.ClientID = id
	}
	m.clients = clients
}

// persist must be called with mu held for writing.
func (m *Manager) persist() error {
	data, err := json.MarshalIndent(m.clients, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling clients: %w", err)
	}

	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating clients dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".clients-*.json")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing clients: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), m.path); err != nil {
		return fmt.Errorf("replacing client settings: %w", err)
	}
	return nil
}

// Create registers a new client.
func (m *Manager) Create(req Create) (ClientSettings, error) {
	id := strings.TrimSpace(req.ClientID)
	if id == "" {
		return ClientSettings{}, fmt.Errorf("%w: client_id is required", ErrInvalid)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.clients[id]; ok {
		return ClientSettings{}, ErrAlreadyExists
	}

	now := m.clock.Now()
	c := &ClientSettings{
		ClientID:           id,
		WhatsAppNumber:     req.WhatsAppNumber,
		Active:             true,
		MaxTokens:          DefaultMaxTokens,
		Temperature:        DefaultTemperature,
		CreatedAt:          now,
		UpdatedAt:          now,
		CustomInstructions: req.CustomInstructions,
		AllowedFileTypes:   append([]string(nil), DefaultAllowedFileTypes...),
	}
	if req.Active != nil {
		c.Active = *req.Active
	}
	if req.MaxTokens != nil {
		c.MaxTokens = *req.MaxTokens
	}
	if req.Temperature != nil {
		c.Temperature = *req.Temperature
	}
	if req.AllowedFileTypes != nil {
		c.AllowedFileTypes = append([]string{}, req.AllowedFileTypes...)
	}
	if err := validate(c); err != nil {
		return ClientSettings{}, err
	}

	m.clients[id] = c
	if err := m.persist(); err != nil {
		delete(m.clients, id)
		slog.Error("persisting new client failed", "client_id", id, "error", err)
		return ClientSettings{}, err
	}
	slog.Info("created client", "client_id", id)
	return copySettings(c), nil
}

// Get returns a copy of the client's settings.
func (m *Manager) Get(clientID string) (ClientSettings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.clients[clientID]
	if !ok {
		return ClientSettings{}, ErrNotFound
	}
	return copySettings(c), nil
}

// Update applies a partial update and bumps UpdatedAt.
func (m *Manager) Update(clientID string, u Update) (ClientSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.clients[clientID]
	if !ok {
		return ClientSettings{}, ErrNotFound
	}

	next := copySettings(c)
	if u.WhatsAppNumber != nil {
		next.WhatsAppNumber = *u.WhatsAppNumber
	}
	if u.Active != nil {
		next.Active = *u.Active
	}
	if u.MaxTokens != nil {
		next.MaxTokens = *u.MaxTokens
	}
	if u.Temperature != nil {
		next.Temperature = *u.Temperature
	}
	if u.CustomInstructions != nil {
		next.CustomInstructions = *u.CustomInstructions
	}
	if u.AllowedFileTypes != nil {
		next.AllowedFileTypes = append([]string{}, (*u.AllowedFileTypes)...)
	}
	if err := validate(&next); err != nil {
		return ClientSettings{}, err
	}
	next.UpdatedAt = m.clock.Now()

	prev := *c
	*c = next
	if err := m.persist(); err != nil {
		*c = prev
		slog.Error("persisting client update failed", "client_id", clientID, "error", err)
		return ClientSettings{}, err
	}
	return copySettings(c), nil
}

// Delete removes a client.
func (m *Manager) Delete(clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.clients[clientID]
	if !ok {
		return ErrNotFound
	}
	delete(m.clients, clientID)
	if err := m.persist(); err != nil {
		m.clients[clientID] = c
		slog.Error("persisting client delete failed", "client_id", clientID, "error", err)
		return err
	}
	slog.Info("deleted client", "client_id", clientID)
	return nil
}

// List returns every client ordered by id.
func (m *Manager) List() []ClientSettings {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ClientSettings, 0, len(m.clients))
	for _, c := range m.clients {
		out = append(out, copySettings(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// FindByNumber returns the client whose WhatsApp number matches number.
// A "whatsapp:" prefix and a leading "+" on either side are ignored.
func (m *Manager) FindByNumber(number string) (ClientSettings, error) {
	want := normalizeNumber(number)
	if want == "" {
		return ClientSettings{}, ErrNotFound
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.clients {
		if normalizeNumber(c.WhatsAppNumber) == want {
			return copySettings(c), nil
		}
	}
	return ClientSettings{}, ErrNotFound
}

func normalizeNumber(n string) string {
	n = strings.TrimSpace(n)
	n = strings.TrimPrefix(n, "whatsapp:")
	n = strings.TrimSpace(n)
	return strings.TrimPrefix(n, "+")
}

func validate(c *ClientSettings) error {
	if c.MaxTokens <= 0 {
		return fmt.Errorf("%w: max_tokens must be positive, got %d", ErrInvalid, c.MaxTokens)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("%w: temperature must be within [0, 2], got %g", ErrInvalid, c.Temperature)
	}
	return nil
}

func copySettings(c *ClientSettings) ClientSettings {
	cp := *c
	cp.AllowedFileTypes = append([]string{}, c.AllowedFileTypes...)
	return cp
}
