package profile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/leadbot/internal/scoring"
)

// --- Mock clock ---

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T) (*Store, *mockClock, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "users.json")
	clock := &mockClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return OpenWithClock(path, clock), clock, path
}

func readFile(t *testing.T, path string) map[string]map[string]UserProfile {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading %s: %v", path, err)
	}
	var out map[string]map[string]UserProfile
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("parsing %s: %v", path, err)
	}
	return out
}

// --- Tests ---

func TestGetOrCreate_Defaults(t *testing.T) {
	s, clock, path := newTestStore(t)

	p, err := s.GetOrCreate("acme", "+15550001", "Ada")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if p.InteractionCount != 0 {
		t.Errorf("InteractionCount = %d, want 0", p.InteractionCount)
	}
	if len(p.ConversationHistory) != 0 {
		t.Errorf("history = %v, want empty", p.ConversationHistory)
	}
	if p.LeadScore.Score != 0 || len(p.LeadScore.Reasons) != 0 || p.LeadScore.Confidence != 0 {
		t.Errorf("LeadScore = %+v, want zero", p.LeadScore)
	}
	if p.QualificationStatus != scoring.StatusNew {
		t.Errorf("status = %q, want new", p.QualificationStatus)
	}
	if !p.LastInteraction.Equal(clock.Now()) {
		t.Errorf("LastInteraction = %v, want %v", p.LastInteraction, clock.Now())
	}
	if p.Name != "Ada" {
		t.Errorf("Name = %q", p.Name)
	}

	onDisk := readFile(t, path)
	if _, ok := onDisk["acme"]["+15550001"]; !ok {
		t.Fatalf("profile not persisted: %v", onDisk)
	}
}

func TestGetOrCreate_Idempotent(t *testing.T) {
	s, _, _ := newTestStore(t)

	if _, err := s.Ingest(Interaction{ClientID: "acme", UserID: "+1", Message: "hi", Response: "hello"}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	p, err := s.GetOrCreate("acme", "+1", "Other Name")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if p.InteractionCount != 1 {
		t.Errorf("InteractionCount = %d, want 1", p.InteractionCount)
	}
	if len(p.ConversationHistory) != 1 {
		t.Errorf("history length = %d, want 1", len(p.ConversationHistory))
	}
	if p.Name != "" {
		t.Errorf("Name = %q, existing profile must keep its name", p.Name)
	}

	again, _ := s.GetOrCreate("acme", "+1", "")
	if again.UserID != p.UserID || again.ClientID != p.ClientID {
		t.Errorf("identity changed: %+v vs %+v", again, p)
	}
}

func TestGet_NotFound(t *testing.T) {
	s, _, _ := newTestStore(t)
	if _, err := s.Get("acme", "+1"); err != ErrNotFound {
		t.Fatalf("Get error = %v, want ErrNotFound", err)
	}
}

func TestIngest_Steps(t *testing.T) {
	s, clock, path := newTestStore(t)

	clock.Advance(time.Hour)
	p, err := s.Ingest(Interaction{
		ClientID:          "acme",
		UserID:            "+1",
		Name:              "Bo",
		Message:           "What is the price?",
		Response:          "It is 10 USD.",
		DetectedInterests: []string{"villas", "villas", " "},
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	if p.InteractionCount != 1 {
		t.Errorf("InteractionCount = %d", p.InteractionCount)
	}
	if !p.LastInteraction.Equal(clock.Now()) {
		t.Errorf("LastInteraction = %v", p.LastInteraction)
	}
	if got := p.ConversationHistory[0]; got.Message != "What is the price?" || got.Response != "It is 10 USD." {
		t.Errorf("history entry = %+v", got)
	}
	if !slices.Equal(p.ProductInterests, []string{"villas"}) {
		t.Errorf("interests = %v", p.ProductInterests)
	}
	if p.LeadScore.Score != 5 || p.QualificationStatus != scoring.StatusNew {
		t.Errorf("score = %d status = %q, want 5 new", p.LeadScore.Score, p.QualificationStatus)
	}
	if p.Name != "Bo" {
		t.Errorf("Name = %q", p.Name)
	}

	onDisk := readFile(t, path)["acme"]["+1"]
	if onDisk.InteractionCount != 1 || onDisk.LeadScore.Score != 5 {
		t.Errorf("persisted profile = %+v", onDisk)
	}
}

func TestIngest_HistoryCapped(t *testing.T) {
	s, clock, _ := newTestStore(t)

	var p UserProfile
	var err error
	for i := 1; i <= 11; i++ {
		clock.Advance(time.Minute)
		p, err = s.Ingest(Interaction{ClientID: "acme", UserID: "+1", Message: fmt.Sprintf("m%d", i), Response: "r"})
		if err != nil {
			t.Fatalf("Ingest %d: %v", i, err)
		}
		if len(p.ConversationHistory) > MaxHistory {
			t.Fatalf("history length %d exceeds cap", len(p.ConversationHistory))
		}
	}

	if len(p.ConversationHistory) != MaxHistory {
		t.Fatalf("history length = %d, want %d", len(p.ConversationHistory), MaxHistory)
	}
	if p.ConversationHistory[0].Message != "m2" {
		t.Errorf("oldest entry = %q, want m2", p.ConversationHistory[0].Message)
	}
	for i := 1; i < len(p.ConversationHistory); i++ {
		if !p.ConversationHistory[i].Timestamp.After(p.ConversationHistory[i-1].Timestamp) {
			t.Errorf("history not chronological at %d", i)
		}
	}
	if p.ConversationHistory[MaxHistory-1].Message != "m11" {
		t.Errorf("newest entry = %q, want m11", p.ConversationHistory[MaxHistory-1].Message)
	}
}

func TestIngest_ScoreNeverExceedsBounds(t *testing.T) {
	s, _, _ := newTestStore(t)

	var p UserProfile
	for i := 0; i < 40; i++ {
		var err error
		p, err = s.Ingest(Interaction{ClientID: "acme", UserID: "+1", Message: "buy demo price", Response: "ok"})
		if err != nil {
			t.Fatalf("Ingest: %v", err)
		}
		if p.LeadScore.Score < 0 || p.LeadScore.Score > 100 {
			t.Fatalf("score %d out of bounds", p.LeadScore.Score)
		}
	}
	if p.LeadScore.Score != 100 {
		t.Errorf("score = %d, want 100", p.LeadScore.Score)
	}
	if p.QualificationStatus != scoring.StatusHighlyQualified {
		t.Errorf("status = %q", p.QualificationStatus)
	}
}

func TestIngest_EngagementBonusAfterTenInteractions(t *testing.T) {
	s, _, _ := newTestStore(t)

	var p UserProfile
	for i := 0; i < 11; i++ {
		p, _ = s.Ingest(Interaction{ClientID: "acme", UserID: "+1", Message: "hello", Response: "hi"})
	}
	if p.LeadScore.Score != 2 {
		t.Errorf("score = %d, want 2", p.LeadScore.Score)
	}
	if !slices.Equal(p.LeadScore.Reasons, []string{scoring.ReasonHighEngagement}) {
		t.Errorf("reasons = %v", p.LeadScore.Reasons)
	}
}

func TestIngest_ReturnsCopies(t *testing.T) {
	s, _, _ := newTestStore(t)

	p, _ := s.Ingest(Interaction{ClientID: "acme", UserID: "+1", Message: "hi", Response: "yo", DetectedInterests: []string{"a"}})
	p.ProductInterests[0] = "mutated"
	p.ConversationHistory[0].Message = "mutated"

	got, _ := s.Get("acme", "+1")
	if got.ProductInterests[0] != "a" || got.ConversationHistory[0].Message != "hi" {
		t.Errorf("caller mutation leaked into store: %+v", got)
	}
}

func TestIngest_RequiresIdentity(t *testing.T) {
	s, _, _ := newTestStore(t)
	if _, err := s.Ingest(Interaction{ClientID: "acme"}); err == nil {
		t.Fatal("expected error for missing user id")
	}
}

func TestIngest_PersistFailureRollsBack(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	// The parent of the store path is a regular file, so every write fails.
	s := OpenWithClock(filepath.Join(blocker, "users.json"), &mockClock{now: time.Now()})

	if _, err := s.Ingest(Interaction{ClientID: "acme", UserID: "+1", Message: "price", Response: "r"}); err == nil {
		t.Fatal("expected persist error")
	}
	if _, err := s.Get("acme", "+1"); err != ErrNotFound {
		t.Errorf("failed create must not stay in memory, Get err = %v", err)
	}
	if got := s.Clients(); len(got) != 0 {
		t.Errorf("Clients = %v, want none", got)
	}
}

func TestIngest_PersistFailureRestoresExistingProfile(t *testing.T) {
	s, _, path := newTestStore(t)
	if _, err := s.Ingest(Interaction{ClientID: "acme", UserID: "+1", Message: "price", Response: "r", DetectedInterests: []string{"a"}}); err != nil {
		t.Fatalf("first Ingest: %v", err)
	}

	// A non-empty directory at the store path makes the rename fail.
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(path, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Ingest(Interaction{ClientID: "acme", UserID: "+1", Message: "buy now", Response: "r2", DetectedInterests: []string{"b"}}); err == nil {
		t.Fatal("expected persist error")
	}

	p, err := s.Get("acme", "+1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.InteractionCount != 1 {
		t.Errorf("InteractionCount = %d, want 1", p.InteractionCount)
	}
	if p.LeadScore.Score != 5 {
		t.Errorf("Score = %d, want 5", p.LeadScore.Score)
	}
	if len(p.ConversationHistory) != 1 || p.ConversationHistory[0].Message != "price" {
		t.Errorf("ConversationHistory = %+v", p.ConversationHistory)
	}
	if !slices.Equal(p.ProductInterests, []string{"a"}) {
		t.Errorf("ProductInterests = %v, want [a]", p.ProductInterests)
	}
}

func TestOpen_ReloadsPersistedState(t *testing.T) {
	s, clock, path := newTestStore(t)
	s.Ingest(Interaction{ClientID: "acme", UserID: "+1", Message: "interested", Response: "great", DetectedInterests: []string{"plans"}})
	s.Ingest(Interaction{ClientID: "globex", UserID: "+2", Message: "hi", Response: "hello"})

	reopened := OpenWithClock(path, clock)
	p, err := reopened.Get("acme", "+1")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if p.InteractionCount != 1 || p.LeadScore.Score != 5 || !slices.Equal(p.ProductInterests, []string{"plans"}) {
		t.Errorf("reloaded profile = %+v", p)
	}
	if got := reopened.Clients(); !slices.Equal(got, []string{"acme", "globex"}) {
		t.Errorf("Clients = %v", got)
	}
}

func TestOpen_CorruptFileDegradesToEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	s := Open(path)
	if got := s.Clients(); len(got) != 0 {
		t.Errorf("Clients = %v, want empty", got)
	}
	if _, err := s.GetOrCreate("acme", "+1", ""); err != nil {
		t.Fatalf("store must stay usable: %v", err)
	}
}

func TestOpen_SchemaMismatchDegradesToEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	content := `{"acme":{"+1":{"interaction_count":"many","qualification_status":"new"}}}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	s := Open(path)
	if got := s.List("acme"); len(got) != 0 {
		t.Errorf("List = %v, want empty", got)
	}
}

func TestOpen_ClampsStoredScores(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	content := `{"acme":{
		"+1":{"interaction_count":1,"lead_score":{"score":150},"qualification_status":"qualified"},
		"+2":{"interaction_count":1,"lead_score":{"score":9223372036854775807},"qualification_status":"new"},
		"+3":{"interaction_count":1,"lead_score":{"score":-20},"qualification_status":"new"}
	}}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	s := OpenWithClock(path, &mockClock{now: time.Now()})

	for _, p := range s.List("acme") {
		if p.LeadScore.Score < scoring.MinScore || p.LeadScore.Score > scoring.MaxScore {
			t.Errorf("%s loaded with score %d", p.UserID, p.LeadScore.Score)
		}
	}
	if p, _ := s.Get("acme", "+1"); p.LeadScore.Score != 100 {
		t.Errorf("+1 score = %d, want 100", p.LeadScore.Score)
	}
	if p, _ := s.Get("acme", "+3"); p.LeadScore.Score != 0 {
		t.Errorf("+3 score = %d, want 0", p.LeadScore.Score)
	}

	p, err := s.Ingest(Interaction{ClientID: "acme", UserID: "+2", Message: "price?", Response: "r"})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if p.LeadScore.Score != 100 || p.QualificationStatus != scoring.StatusHighlyQualified {
		t.Errorf("after ingest score=%d status=%q, want 100 %q", p.LeadScore.Score, p.QualificationStatus, scoring.StatusHighlyQualified)
	}
}

func TestList_SortedByUser(t *testing.T) {
	s, _, _ := newTestStore(t)
	for _, phone := range []string{"+3", "+1", "+2"} {
		s.GetOrCreate("acme", phone, "")
	}
	s.GetOrCreate("other", "+9", "")

	var ids []string
	for _, p := range s.List("acme") {
		ids = append(ids, p.UserID)
	}
	if !slices.Equal(ids, []string{"+1", "+2", "+3"}) {
		t.Errorf("ids = %v", ids)
	}
	if got := s.List("missing"); len(got) != 0 {
		t.Errorf("List(missing) = %v", got)
	}
}

func TestSetStatus(t *testing.T) {
	s, _, path := newTestStore(t)

	if _, err := s.SetStatus("acme", "+1", scoring.StatusCustomer); err != ErrNotFound {
		t.Fatalf("SetStatus on missing = %v, want ErrNotFound", err)
	}

	s.GetOrCreate("acme", "+1", "")
	p, err := s.SetStatus("acme", "+1", scoring.StatusCustomer)
	if err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if p.QualificationStatus != scoring.StatusCustomer {
		t.Errorf("status = %q", p.QualificationStatus)
	}
	if got := readFile(t, path)["acme"]["+1"].QualificationStatus; got != scoring.StatusCustomer {
		t.Errorf("persisted status = %q", got)
	}
}

func TestIngest_ConcurrentWritersNoLostUpdates(t *testing.T) {
	s, _, path := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := fmt.Sprintf("+%d", i%4)
			if _, err := s.Ingest(Interaction{ClientID: "acme", UserID: user, Message: "hi", Response: "ok"}); err != nil {
				t.Errorf("Ingest: %v", err)
			}
		}(i)
	}
	wg.Wait()

	total := 0
	for _, p := range readFile(t, path)["acme"] {
		total += p.InteractionCount
	}
	if total != 20 {
		t.Errorf("persisted interaction total = %d, want 20", total)
	}
}

func TestSummary(t *testing.T) {
	if got := Summary(UserProfile{}); got != "" {
		t.Errorf("empty summary = %q", got)
	}
	got := Summary(UserProfile{
		Name:                "Ada",
		InteractionCount:    3,
		QualificationStatus: scoring.StatusInvestigating,
		LeadScore:           scoring.LeadScore{Score: 35},
		ProductInterests:    []string{"villas", "offplan"},
	})
	want := "Customer name: Ada. Previous messages: 3. Lead stage: investigating (score 35). Interested in: villas, offplan."
	if got != want {
		t.Errorf("Summary = %q, want %q", got, want)
	}
}
