// Package bot answers inbound customer messages: it picks the tenant, grounds
// the reply in the tenant's knowledge base, records the interaction and sends
// the answer back over the channel the message arrived on.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kalambet/leadbot/internal/clients"
	"github.com/kalambet/leadbot/internal/llm"
	"github.com/kalambet/leadbot/internal/messaging"
	"github.com/kalambet/leadbot/internal/profile"
	"github.com/kalambet/leadbot/internal/retrieval"
	"github.com/kalambet/leadbot/internal/storage"
)

// ClientDirectory resolves tenant settings.
type ClientDirectory interface {
	Get(clientID string) (clients.ClientSettings, error)
	FindByNumber(number string) (clients.ClientSettings, error)
}

// Profiles reads and updates customer profiles.
type Profiles interface {
	Get(clientID, userID string) (profile.UserProfile, error)
	Ingest(in profile.Interaction) (profile.UserProfile, error)
}

// KnowledgeRetriever finds knowledge-base chunks relevant to a query.
type KnowledgeRetriever interface {
	Retrieve(ctx context.Context, namespace, query string, topK int) ([]retrieval.ContextChunk, error)
}

// Completer generates chat completions.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (string, error)
}

// InteractionLog is the relational record of customers and their messages.
type InteractionLog interface {
	UpsertCustomer(c storage.Customer) error
	SaveInteraction(i storage.Interaction) error
}

// CacheInvalidator drops cached analytics of a client.
type CacheInvalidator interface {
	Invalidate(clientID string)
}

// Settings are the deployment-wide bot settings.
type Settings struct {
	Model             string
	SystemPrompt      string
	DefaultClientID   string
	TopK              int
	InterestThreshold float64
	// MaxTokens and Temperature apply when no client settings exist.
	MaxTokens   int
	Temperature float64
}

// Deps are the collaborators of a Responder. Knowledge, Log and Analytics
// are optional.
type Deps struct {
	Clients   ClientDirectory
	Profiles  Profiles
	Knowledge KnowledgeRetriever
	LLM       Completer
	Log       InteractionLog
	Analytics CacheInvalidator
	Senders   map[messaging.Channel]messaging.Provider
	Composer  *Composer
	Logger    *slog.Logger
}

// Outcome describes how an inbound message was handled.
type Outcome struct {
	ClientID string
	Reply    string
	Receipt  messaging.Receipt
	Profile  profile.UserProfile
	// Skipped is set, with a reason, when no reply was produced.
	Skipped string
}

// Responder handles inbound messages end to end.
type Responder struct {
	deps     Deps
	settings Settings
	seen     *recentIDs
}

// NewResponder creates a Responder.
func NewResponder(deps Deps, settings Settings) *Responder {
	if deps.Composer == nil {
		deps.Composer = NewComposer(0)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Responder{deps: deps, settings: settings, seen: newRecentIDs(1024)}
}

// HandleInbound produces and sends the reply to one inbound message. A
// message id seen before is skipped, so provider retries are ingested once.
func (r *Responder) HandleInbound(ctx context.Context, in messaging.Inbound) (Outcome, error) {
	log := r.deps.Logger.With("user_id", in.From, "message_id", in.MessageID)

	if in.MessageID != "" && !r.seen.add(in.MessageID) {
		log.Info("duplicate message skipped")
		return Outcome{Skipped: "duplicate message"}, nil
	}

	settings, err := r.resolveClient(in.To)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{ClientID: settings.ClientID}
	log = log.With("client_id", settings.ClientID)

	if !settings.Active {
		log.Info("client inactive, message ignored")
		out.Skipped = "client inactive"
		return out, nil
	}

	var chunks []retrieval.ContextChunk
	if r.deps.Knowledge != nil {
		chunks, err = r.deps.Knowledge.Retrieve(ctx, settings.ClientID, in.Body, r.settings.TopK)
		if err != nil {
			// Answer without grounding rather than not at all.
			log.Warn("knowledge retrieval failed", "error", err)
			chunks = nil
		}
	}

	var summary string
	var history []profile.HistoryEntry
	existing, err := r.deps.Profiles.Get(settings.ClientID, in.From)
	switch {
	case err == nil:
		summary = profile.Summary(existing)
		history = existing.ConversationHistory
	case errors.Is(err, profile.ErrNotFound):
	default:
		return out, fmt.Errorf("loading profile: %w", err)
	}

	temperature := settings.Temperature
	reply, err := r.deps.LLM.Complete(ctx, llm.Request{
		Model: r.settings.Model,
		Messages: r.deps.Composer.Compose(PromptInput{
			SystemPrompt:       r.settings.SystemPrompt,
			CustomInstructions: settings.CustomInstructions,
			ProfileSummary:     summary,
			Chunks:             chunks,
			History:            history,
			Message:            in.Body,
		}),
		MaxTokens:   settings.MaxTokens,
		Temperature: &temperature,
	})
	if err != nil {
		return out, fmt.Errorf("generating reply: %w", err)
	}
	out.Reply = reply

	var errs []error
	updated, err := r.deps.Profiles.Ingest(profile.Interaction{
		ClientID:          settings.ClientID,
		UserID:            in.From,
		Name:              in.ProfileName,
		Message:           in.Body,
		Response:          reply,
		DetectedInterests: DetectInterests(chunks, r.settings.InterestThreshold),
	})
	if err != nil {
		log.Error("recording interaction failed", "error", err)
		errs = append(errs, fmt.Errorf("recording interaction: %w", err))
	} else {
		out.Profile = updated
		if r.deps.Analytics != nil {
			r.deps.Analytics.Invalidate(settings.ClientID)
		}
	}

	r.logInteraction(log, settings.ClientID, in, reply)

	sender, ok := r.deps.Senders[in.Channel]
	if !ok {
		errs = append(errs, fmt.Errorf("no sender for channel %q", in.Channel))
		return out, errors.Join(errs...)
	}
	receipt, err := sender.Send(ctx, in.From, reply)
	if err != nil {
		errs = append(errs, fmt.Errorf("sending reply: %w", err))
		return out, errors.Join(errs...)
	}
	out.Receipt = receipt
	log.Info("reply sent", "provider_id", receipt.ID, "score", updated.LeadScore.Score, "status", updated.QualificationStatus)

	return out, errors.Join(errs...)
}

// resolveClient picks the tenant owning the destination number, falling back
// to the default client. Without a stored default client, built-in settings
// are used so the bot answers out of the box.
func (r *Responder) resolveClient(to string) (clients.ClientSettings, error) {
	if to != "" {
		c, err := r.deps.Clients.FindByNumber(to)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, clients.ErrNotFound) {
			return clients.ClientSettings{}, fmt.Errorf("resolving client for %s: %w", to, err)
		}
	}

	c, err := r.deps.Clients.Get(r.settings.DefaultClientID)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, clients.ErrNotFound) {
		return clients.ClientSettings{}, fmt.Errorf("loading default client: %w", err)
	}

	maxTokens := r.settings.MaxTokens
	if maxTokens <= 0 {
		maxTokens = clients.DefaultMaxTokens
	}
	return clients.ClientSettings{
		ClientID:    r.settings.DefaultClientID,
		Active:      true,
		MaxTokens:   maxTokens,
		Temperature: r.settings.Temperature,
	}, nil
}

// logInteraction writes the relational log. Failures are logged only; the
// profile store is the record the scoring relies on.
func (r *Responder) logInteraction(log *slog.Logger, clientID string, in messaging.Inbound, reply string) {
	if r.deps.Log == nil {
		return
	}
	if err := r.deps.Log.UpsertCustomer(storage.Customer{ClientID: clientID, PhoneNumber: in.From, Name: in.ProfileName}); err != nil {
		log.Warn("upserting customer failed", "error", err)
	}
	if err := r.deps.Log.SaveInteraction(storage.Interaction{
		ClientID:    clientID,
		PhoneNumber: in.From,
		Message:     in.Body,
		Response:    reply,
	}); err != nil {
		log.Warn("saving interaction failed", "error", err)
	}
}

// DetectInterests returns the distinct tags of chunks scoring at least
// threshold, in retrieval order.
func DetectInterests(chunks []retrieval.ContextChunk, threshold float64) []string {
	seen := make(map[string]bool)
	var out []string
	for _, ch := range chunks {
		if float64(ch.Score) < threshold {
			continue
		}
		for _, tag := range ch.Tags {
			if tag == "" || seen[tag] {
				continue
			}
			seen[tag] = true
			out = append(out, tag)
		}
	}
	return out
}

// recentIDs remembers the last n message ids.
type recentIDs struct {
	mu    sync.Mutex
	ids   map[string]struct{}
	order []string
	next  int
}

func newRecentIDs(n int) *recentIDs {
	return &recentIDs{ids: make(map[string]struct{}, n), order: make([]string, n)}
}

// add records id and reports whether it was new.
func (r *recentIDs) add(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ids[id]; ok {
		return false
	}
	if old := r.order[r.next]; old != "" {
		delete(r.ids, old)
	}
	r.order[r.next] = id
	r.next = (r.next + 1) % len(r.order)
	r.ids[id] = struct{}{}
	return true
}
