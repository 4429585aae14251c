package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultGraphURL is the WhatsApp Cloud API base URL.
const DefaultGraphURL = "https://graph.facebook.com/v19.0"

// Meta sends messages through the WhatsApp Cloud (Graph) API.
type Meta struct {
	baseURL       string
	token         string
	phoneNumberID string
	httpClient    *http.Client
}

// NewMeta creates a provider for one WhatsApp business phone number. An
// empty baseURL selects DefaultGraphURL.
func NewMeta(baseURL, token, phoneNumberID string) *Meta {
	if baseURL == "" {
		baseURL = DefaultGraphURL
	}
	return &Meta{
		baseURL:       strings.TrimRight(baseURL, "/"),
		token:         token,
		phoneNumberID: phoneNumberID,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
	}
}

type metaText struct {
	Body string `json:"body"`
}

type metaMessage struct {
	MessagingProduct string   `json:"messaging_product"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Text             metaText `json:"text"`
}

type metaSendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Send delivers text to the phone number to.
func (m *Meta) Send(ctx context.Context, to, text string) (Receipt, error) {
	body, err := json.Marshal(metaMessage{
		MessagingProduct: "whatsapp",
		To:               strings.TrimPrefix(StripChannel(to), "+"),
		Type:             "text",
		Text:             metaText{Body: text},
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("marshaling message: %w", err)
	}

	endpoint := fmt.Sprintf("%s/%s/messages", m.baseURL, url.PathEscape(m.phoneNumberID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Receipt{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.token)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("sending meta message: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Receipt{}, fmt.Errorf("reading response: %w", err)
	}

	var out metaSendResponse
	_ = json.Unmarshal(data, &out)
	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(data))
		if out.Error != nil && out.Error.Message != "" {
			msg = out.Error.Message
		}
		return Receipt{}, fmt.Errorf("meta api status %d: %s", resp.StatusCode, msg)
	}
	if len(out.Messages) == 0 {
		return Receipt{}, fmt.Errorf("meta api returned no message id")
	}
	return Receipt{ID: out.Messages[0].ID, Status: "accepted"}, nil
}

// VerifyMetaChallenge answers the webhook subscription handshake. It returns
// the challenge to echo back and whether the verify token matched.
func VerifyMetaChallenge(query url.Values, verifyToken string) (string, bool) {
	if verifyToken == "" {
		return "", false
	}
	if query.Get("hub.mode") != "subscribe" || query.Get("hub.verify_token") != verifyToken {
		return "", false
	}
	return query.Get("hub.challenge"), true
}

type metaWebhook struct {
	Object string `json:"object"`
	Entry  []struct {
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				Metadata struct {
					DisplayPhoneNumber string `json:"display_phone_number"`
					PhoneNumberID      string `json:"phone_number_id"`
				} `json:"metadata"`
				Contacts []struct {
					WaID    string `json:"wa_id"`
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
				Messages []struct {
					ID   string `json:"id"`
					From string `json:"from"`
					Type string `json:"type"`
					Text *struct {
						Body string `json:"body"`
					} `json:"text"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// e164 gives Cloud API numbers, which come without a plus, the same form as
// Twilio numbers so a customer keeps one profile key.
func e164(n string) string {
	n = strings.TrimSpace(n)
	if n == "" || strings.HasPrefix(n, "+") {
		return n
	}
	return "+" + n
}

// ParseMetaWebhook returns the text messages of a Cloud API webhook
// delivery. Status updates and non-text messages are skipped.
func ParseMetaWebhook(body []byte) ([]Inbound, error) {
	var hook metaWebhook
	if err := json.Unmarshal(body, &hook); err != nil {
		return nil, fmt.Errorf("decoding meta webhook: %w", err)
	}

	var msgs []Inbound
	for _, entry := range hook.Entry {
		for _, change := range entry.Changes {
			v := change.Value
			names := make(map[string]string, len(v.Contacts))
			for _, c := range v.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, m := range v.Messages {
				if m.Type != "text" || m.Text == nil || strings.TrimSpace(m.Text.Body) == "" {
					continue
				}
				msgs = append(msgs, Inbound{
					Channel:     ChannelWhatsApp,
					From:        e164(m.From),
					To:          e164(v.Metadata.DisplayPhoneNumber),
					Body:        strings.TrimSpace(m.Text.Body),
					MessageID:   m.ID,
					ProfileName: names[m.From],
				})
			}
		}
	}
	return msgs, nil
}
