package clients

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

type mockClock struct{ now time.Time }

func (c *mockClock) Now() time.Time { return c.now }

func (c *mockClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestManager(t *testing.T) (*Manager, *mockClock, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clients.json")
	clock := &mockClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return OpenWithClock(path, clock), clock, path
}

func ptr[T any](v T) *T { return &v }

func TestCreate_Defaults(t *testing.T) {
	m, clock, path := newTestManager(t)

	c, err := m.Create(Create{ClientID: "acme", WhatsAppNumber: "+15550001"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !c.Active || c.MaxTokens != 500 || c.Temperature != 0.7 {
		t.Errorf("defaults = %+v", c)
	}
	if !slices.Equal(c.AllowedFileTypes, []string{".txt", ".pdf", ".csv", ".json"}) {
		t.Errorf("AllowedFileTypes = %v", c.AllowedFileTypes)
	}
	if !c.CreatedAt.Equal(clock.now) || !c.UpdatedAt.Equal(clock.now) {
		t.Errorf("timestamps = %v / %v", c.CreatedAt, c.UpdatedAt)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading store: %v", err)
	}
	var onDisk map[string]ClientSettings
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if onDisk["acme"].WhatsAppNumber != "+15550001" {
		t.Errorf("on disk = %+v", onDisk)
	}
}

func TestCreate_Duplicate(t *testing.T) {
	m, _, _ := newTestManager(t)

	if _, err := m.Create(Create{ClientID: "acme"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Create(Create{ClientID: "acme"}); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("err = %v, want ErrAlreadyExists", err)
	}
}

func TestCreate_Validation(t *testing.T) {
	m, _, _ := newTestManager(t)

	tests := []struct {
		name string
		req  Create
	}{
		{"empty id", Create{ClientID: "  "}},
		{"zero max tokens", Create{ClientID: "a", MaxTokens: ptr(0)}},
		{"temperature too high", Create{ClientID: "b", Temperature: ptr(2.5)}},
		{"negative temperature", Create{ClientID: "c", Temperature: ptr(-0.1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.Create(tt.req); !errors.Is(err, ErrInvalid) {
				t.Errorf("err = %v, want ErrInvalid", err)
			}
		})
	}
	if n := len(m.List()); n != 0 {
		t.Errorf("List() has %d clients after rejected creates", n)
	}
}

func TestUpdate_Partial(t *testing.T) {
	m, clock, _ := newTestManager(t)
	orig, _ := m.Create(Create{ClientID: "acme", WhatsAppNumber: "+1", CustomInstructions: "be brief"})

	clock.Advance(time.Hour)
	got, err := m.Update("acme", Update{MaxTokens: ptr(800), Active: ptr(false)})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	if got.MaxTokens != 800 || got.Active {
		t.Errorf("updated fields = %+v", got)
	}
	if got.WhatsAppNumber != "+1" || got.CustomInstructions != "be brief" || got.Temperature != 0.7 {
		t.Errorf("untouched fields changed: %+v", got)
	}
	if !got.CreatedAt.Equal(orig.CreatedAt) {
		t.Errorf("CreatedAt changed")
	}
	if !got.UpdatedAt.Equal(clock.now) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, clock.now)
	}
}

func TestUpdate_NotFound(t *testing.T) {
	m, _, _ := newTestManager(t)
	if _, err := m.Update("ghost", Update{Active: ptr(true)}); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdate_InvalidLeavesStateUnchanged(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.Create(Create{ClientID: "acme"})

	if _, err := m.Update("acme", Update{MaxTokens: ptr(-1)}); err == nil {
		t.Fatal("expected error")
	}
	got, _ := m.Get("acme")
	if got.MaxTokens != DefaultMaxTokens {
		t.Errorf("MaxTokens = %d after rejected update", got.MaxTokens)
	}
}

func TestDelete(t *testing.T) {
	m, _, path := newTestManager(t)
	m.Create(Create{ClientID: "acme"})

	if err := m.Delete("acme"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := m.Get("acme"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete err = %v", err)
	}
	if err := m.Delete("acme"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete err = %v", err)
	}

	reopened := Open(path)
	if n := len(reopened.List()); n != 0 {
		t.Errorf("reopened has %d clients", n)
	}
}

func TestList_Sorted(t *testing.T) {
	m, _, _ := newTestManager(t)
	for _, id := range []string{"zeta", "alpha", "mid"} {
		m.Create(Create{ClientID: id})
	}

	var ids []string
	for _, c := range m.List() {
		ids = append(ids, c.ClientID)
	}
	if !slices.Equal(ids, []string{"alpha", "mid", "zeta"}) {
		t.Errorf("ids = %v", ids)
	}
}

func TestFindByNumber(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.Create(Create{ClientID: "acme", WhatsAppNumber: "whatsapp:+15550001"})
	m.Create(Create{ClientID: "other", WhatsAppNumber: "+15550002"})
	m.Create(Create{ClientID: "cloud", WhatsAppNumber: "15550003"})

	tests := []struct {
		number string
		want   string
	}{
		{"+15550001", "acme"},
		{"whatsapp:+15550002", "other"},
		{"15550002", "other"},
		{"+15550003", "cloud"},
		{"whatsapp:+15550003", "cloud"},
	}
	for _, tt := range tests {
		got, err := m.FindByNumber(tt.number)
		if err != nil {
			t.Errorf("FindByNumber(%q): %v", tt.number, err)
			continue
		}
		if got.ClientID != tt.want {
			t.Errorf("FindByNumber(%q) = %q, want %q", tt.number, got.ClientID, tt.want)
		}
	}

	if _, err := m.FindByNumber("+19999"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown number err = %v", err)
	}
	if _, err := m.FindByNumber(""); !errors.Is(err, ErrNotFound) {
		t.Errorf("empty number err = %v", err)
	}
	if _, err := m.FindByNumber("+"); !errors.Is(err, ErrNotFound) {
		t.Errorf("bare plus err = %v", err)
	}
}

func TestReturnsCopies(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.Create(Create{ClientID: "acme"})

	c, _ := m.Get("acme")
	c.AllowedFileTypes[0] = ".exe"
	c.MaxTokens = 1

	again, _ := m.Get("acme")
	if again.AllowedFileTypes[0] != ".txt" || again.MaxTokens != DefaultMaxTokens {
		t.Errorf("internal state mutated: %+v", again)
	}
}

func TestAllowsFileType(t *testing.T) {
	c := ClientSettings{AllowedFileTypes: []string{".txt", ".PDF"}}

	tests := []struct {
		ext  string
		want bool
	}{
		{".txt", true},
		{"txt", true},
		{".pdf", true},
		{".csv", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := c.AllowsFileType(tt.ext); got != tt.want {
			t.Errorf("AllowsFileType(%q) = %v, want %v", tt.ext, got, tt.want)
		}
	}
}

func TestLoad_Degrades(t *testing.T) {
	dir := t.TempDir()

	corrupt := filepath.Join(dir, "corrupt.json")
	os.WriteFile(corrupt, []byte("{not json"), 0o644)
	if n := len(Open(corrupt).List()); n != 0 {
		t.Errorf("corrupt file: %d clients", n)
	}

	wrongShape := filepath.Join(dir, "shape.json")
	os.WriteFile(wrongShape, []byte(`["acme"]`), 0o644)
	if n := len(Open(wrongShape).List()); n != 0 {
		t.Errorf("schema mismatch: %d clients", n)
	}

	if n := len(Open(filepath.Join(dir, "missing.json")).List()); n != 0 {
		t.Errorf("missing file: %d clients", n)
	}
}

func TestReload(t *testing.T) {
	m, _, path := newTestManager(t)
	m.Create(Create{ClientID: "acme", WhatsAppNumber: "+1", MaxTokens: ptr(321)})

	got, err := Open(path).Get("acme")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if got.MaxTokens != 321 || got.WhatsAppNumber != "+1" {
		t.Errorf("reloaded = %+v", got)
	}
}

func TestPersistFailureRollsBack(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	m := Open(filepath.Join(blocker, "clients.json"))

	if _, err := m.Create(Create{ClientID: "acme"}); err == nil {
		t.Fatal("expected persist error")
	}
	if _, err := m.Get("acme"); !errors.Is(err, ErrNotFound) {
		t.Errorf("client kept in memory after failed persist: %v", err)
	}
}
