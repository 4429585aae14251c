package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/leadbot/internal/bot"
	"github.com/kalambet/leadbot/internal/messaging"
)

const (
	defaultProcessTimeout = 60 * time.Second
	emptyTwiML            = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`
)

// InboundHandler answers one inbound message.
type InboundHandler interface {
	HandleInbound(ctx context.Context, in messaging.Inbound) (bot.Outcome, error)
}

// WebhookDeps holds dependencies for the provider webhooks.
type WebhookDeps struct {
	Bot                InboundHandler
	TwilioAuthToken    string
	ValidateSignatures bool
	MetaVerifyToken    string
	// Timeout bounds the processing of one message. Defaults to 60s.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Webhooks receives provider callbacks. Providers get their response before
// the message is processed; Wait blocks until processing in flight is done.
type Webhooks struct {
	deps WebhookDeps
	wg   sync.WaitGroup
}

func NewWebhooks(deps WebhookDeps) *Webhooks {
	if deps.Timeout <= 0 {
		deps.Timeout = defaultProcessTimeout
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Webhooks{deps: deps}
}

// Register mounts the webhook routes on r.
func (h *Webhooks) Register(r chi.Router) {
	r.Post("/whatsapp/webhook", h.handleTwilio)
	r.Post("/sms/incoming", h.handleTwilio)
	r.Get("/whatsapp/meta", h.handleMetaVerify)
	r.Post("/whatsapp/meta", h.handleMeta)
}

// Handler returns the webhook routes as a standalone handler.
func (h *Webhooks) Handler() http.Handler {
	r := chi.NewRouter()
	h.Register(r)
	return r
}

// Wait blocks until all dispatched messages are processed or ctx is done.
func (h *Webhooks) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Webhooks) handleTwilio(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := r.ParseForm(); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid form body: %v", err)
		return
	}

	if h.deps.ValidateSignatures {
		sig := r.Header.Get("X-Twilio-Signature")
		if !messaging.ValidateTwilioSignature(h.deps.TwilioAuthToken, requestURL(r), r.PostForm, sig) {
			h.deps.Logger.Warn("rejected webhook with invalid signature", "path", r.URL.Path)
			httpError(w, http.StatusForbidden, "authentication_error", "invalid twilio signature")
			return
		}
	}

	in, err := messaging.ParseTwilioForm(r.PostForm)
	if errors.Is(err, messaging.ErrNoText) {
		h.deps.Logger.Debug("ignoring message without text", "user_id", in.From, "message_id", in.MessageID)
		writeTwiML(w)
		return
	}
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		return
	}

	h.dispatch(r.Context(), in)
	writeTwiML(w)
}

func (h *Webhooks) handleMetaVerify(w http.ResponseWriter, r *http.Request) {
	challenge, ok := messaging.VerifyMetaChallenge(r.URL.Query(), h.deps.MetaVerifyToken)
	if !ok {
		httpError(w, http.StatusForbidden, "authentication_error", "verification failed")
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	io.WriteString(w, challenge)
}

func (h *Webhooks) handleMeta(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "reading body: %v", err)
		return
	}

	msgs, err := messaging.ParseMetaWebhook(body)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		return
	}
	for _, in := range msgs {
		h.dispatch(r.Context(), in)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
}

// dispatch processes in on its own goroutine, detached from the request's
// cancellation.
func (h *Webhooks) dispatch(parent context.Context, in messaging.Inbound) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), h.deps.Timeout)
		defer cancel()

		out, err := h.deps.Bot.HandleInbound(ctx, in)
		if err != nil {
			h.deps.Logger.Error("handling inbound message failed",
				"channel", in.Channel, "user_id", in.From, "message_id", in.MessageID, "error", err)
			return
		}
		if out.Skipped != "" {
			h.deps.Logger.Debug("inbound message skipped", "message_id", in.MessageID, "reason", out.Skipped)
		}
	}()
}

// requestURL rebuilds the public URL Twilio signed, honoring reverse proxy
// headers.
func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = p
	}
	host := r.Host
	if fh := r.Header.Get("X-Forwarded-Host"); fh != "" {
		host = fh
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func writeTwiML(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/xml")
	io.WriteString(w, emptyTwiML)
}
