package messaging

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// messageCreator is the slice of the Twilio REST API the provider uses.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// Twilio sends messages through the Twilio Messages API. When the sender is a
// WhatsApp address, recipients are addressed over WhatsApp too.
type Twilio struct {
	api  messageCreator
	from string
}

// NewTwilio creates a provider for the given account sending from from,
// e.g. "whatsapp:+14155238886" or "+14155238886" for SMS.
func NewTwilio(accountSID, authToken, from string) *Twilio {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &Twilio{api: client.Api, from: from}
}

// WithFrom returns a copy of the provider that sends from another address.
func (t *Twilio) WithFrom(from string) *Twilio {
	return &Twilio{api: t.api, from: from}
}

// From returns the sender address.
func (t *Twilio) From() string { return t.from }

// Send delivers text to the phone number to.
func (t *Twilio) Send(ctx context.Context, to, text string) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}

	to = StripChannel(to)
	if strings.HasPrefix(t.from, whatsappPrefix) {
		to = whatsappPrefix + to
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetFrom(t.from)
	params.SetTo(to)
	params.SetBody(text)

	resp, err := t.api.CreateMessage(params)
	if err != nil {
		return Receipt{}, fmt.Errorf("sending twilio message to %s: %w", to, err)
	}

	var r Receipt
	if resp.Sid != nil {
		r.ID = *resp.Sid
	}
	if resp.Status != nil {
		r.Status = *resp.Status
	}
	return r, nil
}

// ParseTwilioForm reads an inbound Twilio webhook. The channel is WhatsApp
// when the sender carries the "whatsapp:" prefix and SMS otherwise.
func ParseTwilioForm(form url.Values) (Inbound, error) {
	rawFrom := strings.TrimSpace(form.Get("From"))
	if rawFrom == "" {
		return Inbound{}, fmt.Errorf("missing From")
	}

	in := Inbound{
		Channel:     ChannelSMS,
		From:        StripChannel(rawFrom),
		To:          StripChannel(form.Get("To")),
		Body:        strings.TrimSpace(form.Get("Body")),
		MessageID:   form.Get("MessageSid"),
		ProfileName: strings.TrimSpace(form.Get("ProfileName")),
	}
	if strings.HasPrefix(rawFrom, whatsappPrefix) {
		in.Channel = ChannelWhatsApp
	}
	if in.Body == "" {
		return in, ErrNoText
	}
	return in, nil
}

// ValidateTwilioSignature checks the X-Twilio-Signature of a form webhook
// delivered to fullURL.
func ValidateTwilioSignature(authToken, fullURL string, form url.Values, signature string) bool {
	if signature == "" {
		return false
	}
	params := make(map[string]string, len(form))
	for k, v := range form {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	v := twclient.NewRequestValidator(authToken)
	return v.Validate(fullURL, params, signature)
}
