// Package messaging sends replies through WhatsApp/SMS providers and parses
// their inbound webhooks.
package messaging

import (
	"context"
	"errors"
	"strings"
)

// ErrNoText is returned for inbound messages without a text body, such as
// media-only messages.
var ErrNoText = errors.New("message has no text")

// Channel is the transport a message arrived on.
type Channel string

const (
	ChannelWhatsApp Channel = "whatsapp"
	ChannelSMS      Channel = "sms"
)

const whatsappPrefix = "whatsapp:"

// Inbound is a text message received from a user.
type Inbound struct {
	Channel Channel
	// From and To are bare phone numbers with any channel prefix removed.
	From        string
	To          string
	Body        string
	MessageID   string
	ProfileName string
}

// Receipt identifies a sent message at the provider.
type Receipt struct {
	ID     string `json:"message_id"`
	Status string `json:"status"`
}

// Provider delivers outbound text messages.
type Provider interface {
	Send(ctx context.Context, to, text string) (Receipt, error)
}

// StripChannel removes a "whatsapp:" prefix from an address.
func StripChannel(addr string) string {
	return strings.TrimPrefix(strings.TrimSpace(addr), whatsappPrefix)
}
