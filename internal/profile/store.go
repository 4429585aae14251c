package profile

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

	"github.com/kalambet/leadbot/internal/scoring"
)

// ErrNotFound is returned by lookups that do not create on demand.
var ErrNotFound = errors.New("profile not found")

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// Store keeps every profile in memory, keyed by client then phone number, and
// rewrites the whole backing file after each mutation. One mutex serializes
// read-modify-persist cycles.
type Store struct {
	path  string
	clock Clock

	mu    sync.Mutex
	users map[string]map[string]*UserProfile
}

// Open loads the store from path. A missing file yields an empty store; an
// unreadable or malformed file is logged and also yields an empty store.
func Open(path string) *Store {
	return OpenWithClock(path, realClock{})
}

// OpenWithClock is Open with a custom clock (for testing).
func OpenWithClock(path string, clock Clock) *Store {
	s := &Store{
		path:  path,
		clock: clock,
		users: make(map[string]map[string]*UserProfile),
	}
	s.load()
	return s
}

func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("could not read profile store, starting empty", "path", s.path, "error", err)
		}
		return
	}

	var users map[string]map[string]*UserProfile
	if err := json.Unmarshal(data, &users); err != nil {
		slog.Warn("malformed profile store, starting empty", "path", s.path, "error", err)
		return
	}

	for clientID, byPhone := range users {
		for phone, p := range byPhone {
			if p == nil {
				delete(byPhone, phone)
				continue
			}
			p.ClientID = clientID
			p.UserID = phone
			if p.QualificationStatus == "" {
				p.QualificationStatus = scoring.StatusNew
			}
			p.LeadScore.Score = scoring.Clamp(p.LeadScore.Score)
		}
		if byPhone == nil {
			delete(users, clientID)
		}
	}
	s.users = users
}

// persist writes the full mapping to a temp file and renames it over the
// backing file. Must be called with mu held.
func (s *Store) persist() error {
	data, err := json.MarshalIndent(s.users, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling profiles: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating profile dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".users-*.json")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing profiles: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replacing profile store: %w", err)
	}
	return nil
}

// Persist rewrites the backing file with the current state.
func (s *Store) Persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persist()
}

// GetOrCreate returns the profile for (clientID, userID), creating and
// persisting a fresh one when absent. name is ignored for existing profiles.
func (s *Store) GetOrCreate(clientID, userID, name string) (UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, created := s.getOrCreateLocked(clientID, userID, name)
	if created {
		if err := s.persist(); err != nil {
			s.removeLocked(clientID, userID)
			slog.Error("persisting new profile failed", "client_id", clientID, "user_id", userID, "error", err)
			return UserProfile{}, err
		}
		slog.Info("created user profile", "client_id", clientID, "user_id", userID)
	}
	return copyProfile(p), nil
}

func (s *Store) getOrCreateLocked(clientID, userID, name string) (*UserProfile, bool) {
	byPhone, ok := s.users[clientID]
	if !ok {
		byPhone = make(map[string]*UserProfile)
		s.users[clientID] = byPhone
	}
	if p, ok := byPhone[userID]; ok {
		return p, false
	}
	p := newProfile(clientID, userID, name, s.clock.Now())
	byPhone[userID] = p
	return p, true
}

func (s *Store) removeLocked(clientID, userID string) {
	byPhone := s.users[clientID]
	delete(byPhone, userID)
	if len(byPhone) == 0 {
		delete(s.users, clientID)
	}
}

// Get returns the profile without creating it.
func (s *Store) Get(clientID, userID string) (UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.users[clientID][userID]
	if !ok {
		return UserProfile{}, ErrNotFound
	}
	return copyProfile(p), nil
}

// List returns copies of every profile of a client, ordered by user id.
func (s *Store) List(clientID string) []UserProfile {
	s.mu.Lock()
	defer s.mu.Unlock()

	byPhone := s.users[clientID]
	out := make([]UserProfile, 0, len(byPhone))
	for _, p := range byPhone {
		out = append(out, copyProfile(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Clients returns the ids of clients that have at least one profile.
func (s *Store) Clients() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.users))
	for id := range s.users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Ingest records one exchange: it bumps engagement, appends to the capped
// history, merges interests, rescores the lead and persists. If persisting
// fails the in-memory profile is restored and the error returned.
func (s *Store) Ingest(in Interaction) (UserProfile, error) {
	if in.ClientID == "" || in.UserID == "" {
		return UserProfile{}, fmt.Errorf("client id and user id are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, created := s.getOrCreateLocked(in.ClientID, in.UserID, in.Name)
	before := copyProfile(p)

	now := s.clock.Now()
	p.LastInteraction = now
	p.InteractionCount++

	p.ConversationHistory = append(p.ConversationHistory, HistoryEntry{
		Timestamp: now,
		Message:   in.Message,
		Response:  in.Response,
	})
	if n := len(p.ConversationHistory); n > MaxHistory {
		p.ConversationHistory = append([]HistoryEntry(nil), p.ConversationHistory[n-MaxHistory:]...)
	}

	p.ProductInterests = mergeInterests(p.ProductInterests, in.DetectedInterests)

	res := scoring.Score(scoring.Input{
		InteractionCount: p.InteractionCount,
		CurrentScore:     p.LeadScore.Score,
		CurrentStatus:    p.QualificationStatus,
		Message:          in.Message,
	})
	p.LeadScore = res.LeadScore
	p.QualificationStatus = res.Status

	if err := s.persist(); err != nil {
		if created {
			s.removeLocked(in.ClientID, in.UserID)
		} else {
			*p = before
		}
		slog.Error("persisting interaction failed", "client_id", in.ClientID, "user_id", in.UserID, "error", err)
		return UserProfile{}, err
	}

	slog.Debug("interaction ingested",
		"client_id", in.ClientID,
		"user_id", in.UserID,
		"score", p.LeadScore.Score,
		"status", p.QualificationStatus,
	)
	return copyProfile(p), nil
}

// SetStatus overrides the qualification status of an existing profile, e.g.
// to mark a converted lead as a customer.
func (s *Store) SetStatus(clientID, userID string, status scoring.Status) (UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.users[clientID][userID]
	if !ok {
		return UserProfile{}, ErrNotFound
	}
	prev := p.QualificationStatus
	p.QualificationStatus = status
	if err := s.persist(); err != nil {
		p.QualificationStatus = prev
		return UserProfile{}, err
	}
	return copyProfile(p), nil
}

// mergeInterests returns the sorted union of existing and detected, ignoring
// blank entries.
func mergeInterests(existing, detected []string) []string {
	set := make(map[string]struct{}, len(existing)+len(detected))
	for _, list := range [][]string{existing, detected} {
		for _, v := range list {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			set[v] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
