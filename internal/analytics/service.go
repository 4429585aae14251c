package analytics

import (
	"sync"
	"time"

	"github.com/kalambet/leadbot/internal/profile"
	"github.com/kalambet/leadbot/internal/scoring"
)

// ProfileLister is the read side of the profile store.
type ProfileLister interface {
	List(clientID string) []profile.UserProfile
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

type cachedReport struct {
	report Report
	at     time.Time
}

// Service computes per-client reports, caching each for a short TTL.
type Service struct {
	profiles ProfileLister
	clock    Clock
	ttl      time.Duration

	mu     sync.RWMutex
	cached map[string]cachedReport
}

// NewService creates a Service with a 60-second report cache.
func NewService(profiles ProfileLister) *Service {
	return NewServiceWithClock(profiles, realClock{}, 60*time.Second)
}

// NewServiceWithClock creates a Service with a custom clock and TTL (for
// testing). A ttl <= 0 disables caching.
func NewServiceWithClock(profiles ProfileLister, clock Clock, ttl time.Duration) *Service {
	return &Service{
		profiles: profiles,
		clock:    clock,
		ttl:      ttl,
		cached:   make(map[string]cachedReport),
	}
}

// ClientReport returns the analytics report for a client.
func (s *Service) ClientReport(clientID string) Report {
	now := s.clock.Now()

	if s.ttl > 0 {
		s.mu.RLock()
		c, ok := s.cached[clientID]
		s.mu.RUnlock()
		if ok && now.Before(c.at.Add(s.ttl)) {
			return copyReport(c.report)
		}
	}

	r := Summarize(s.profiles.List(clientID), now)
	if s.ttl > 0 {
		s.mu.Lock()
		s.cached[clientID] = cachedReport{report: r, at: now}
		s.mu.Unlock()
	}
	return copyReport(r)
}

// ClientSegments segments a client's users. Segments are never cached.
func (s *Service) ClientSegments(clientID string) Segments {
	return Segment(s.profiles.List(clientID), s.clock.Now())
}

// Invalidate drops the cached report of a client.
func (s *Service) Invalidate(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cached, clientID)
}

func copyReport(r Report) Report {
	cp := r
	cp.LeadQualification = make(map[scoring.Status]int, len(r.LeadQualification))
	for k, v := range r.LeadQualification {
		cp.LeadQualification[k] = v
	}
	return cp
}
