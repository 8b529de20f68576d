package providers

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/casc/internal/ingress/domain"
)

const whatsappObject = "whatsapp_business_account"

// Whatsapp adapts WhatsApp Cloud API webhooks.
type Whatsapp struct {
	secrets domain.SecretSource
}

func NewWhatsapp(secrets domain.SecretSource) *Whatsapp {
	return &Whatsapp{secrets: secrets}
}

func (w *Whatsapp) Kind() domain.Kind { return domain.KindWhatsapp }

func (w *Whatsapp) TenantFrom(ctx context.Context, req domain.Request, resolver domain.TenantResolver) (snowflake.ID, error) {
	path := strings.TrimSpace(req.TenantPath)
	if path == "" {
		return 0, domain.ErrUnknownTenant
	}
	return resolver.ResolveSlug(ctx, path)
}

// Verify requires a valid X-Hub-Signature-256 under the tenant's app secret.
func (w *Whatsapp) Verify(ctx context.Context, tenantID snowflake.ID, req domain.Request) error {
	secret, err := w.secrets.Secret(ctx, tenantID, SecretWhatsappApp)
	if err != nil {
		return err
	}
	return verifySignature(secret, req.Body, req.Header.Get(SignatureHeader))
}

// Challenge answers the subscription handshake with hub.challenge when the
// verify token matches the tenant's.
func (w *Whatsapp) Challenge(ctx context.Context, tenantID snowflake.ID, req domain.Request) (string, error) {
	if req.Query.Get("hub.mode") != "subscribe" {
		return "", domain.ErrVerifyTokenMismatch
	}
	expected, err := w.secrets.Secret(ctx, tenantID, SecretWhatsappVerifyToken)
	if err != nil {
		return "", err
	}
	token := req.Query.Get("hub.verify_token")
	if subtle.ConstantTimeCompare([]byte(token), expected) != 1 {
		return "", domain.ErrVerifyTokenMismatch
	}
	return req.Query.Get("hub.challenge"), nil
}

type whatsappEnvelope struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string        `json:"field"`
			Value whatsappValue `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type whatsappValue struct {
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
	Messages      []whatsappMessage `json:"messages"`
	MessageEchoes []whatsappMessage `json:"message_echoes"`
	Statuses      []struct {
		ID          string `json:"id"`
		Status      string `json:"status"`
		RecipientID string `json:"recipient_id"`
	} `json:"statuses"`
}

type whatsappMessage struct {
	From      string `json:"from"`
	To        string `json:"to"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Button *struct {
		Text string `json:"text"`
	} `json:"button"`
}

func (m whatsappMessage) content() string {
	switch {
	case m.Text != nil:
		return m.Text.Body
	case m.Button != nil:
		return m.Button.Text
	case m.Type != "":
		return "[" + m.Type + "]"
	}
	return ""
}

func (w *Whatsapp) Parse(_ context.Context, req domain.Request) ([]domain.Event, error) {
	var envelope whatsappEnvelope
	if err := json.Unmarshal(req.Body, &envelope); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if envelope.Object != "" && envelope.Object != whatsappObject {
		return nil, domain.ErrInvalidPayload
	}

	events := []domain.Event{}
	for _, entry := range envelope.Entry {
		for _, change := range entry.Changes {
			value := change.Value
			names := map[string]string{}
			for _, contact := range value.Contacts {
				names[contact.WaID] = strings.TrimSpace(contact.Profile.Name)
			}
			for _, msg := range value.Messages {
				if msg.ID == "" || msg.From == "" {
					return nil, domain.ErrInvalidPayload
				}
				events = append(events, domain.WhatsappText{
					MessageID:     msg.ID,
					PhoneNumberID: value.Metadata.PhoneNumberID,
					From:          withPlus(msg.From),
					ContactName:   names[msg.From],
					Body:          msg.content(),
					At:            unixSeconds(msg.Timestamp),
				})
			}
			for _, echo := range value.MessageEchoes {
				if echo.ID == "" || echo.To == "" {
					return nil, domain.ErrInvalidPayload
				}
				events = append(events, domain.OutboundEcho{
					MessageID: echo.ID,
					To:        withPlus(echo.To),
					Body:      echo.content(),
					At:        unixSeconds(echo.Timestamp),
				})
			}
			for _, status := range value.Statuses {
				events = append(events, domain.WhatsappStatus{
					MessageID: status.ID,
					Status:    status.Status,
					Recipient: status.RecipientID,
				})
			}
		}
	}
	return events, nil
}

// Bindings returns the phone number ids the delivery was sent to.
func (w *Whatsapp) Bindings(events []domain.Event) []string {
	seen := map[string]bool{}
	var ids []string
	for _, event := range events {
		text, ok := event.(domain.WhatsappText)
		if !ok || text.PhoneNumberID == "" || seen[text.PhoneNumberID] {
			continue
		}
		seen[text.PhoneNumberID] = true
		ids = append(ids, text.PhoneNumberID)
	}
	return ids
}

func withPlus(phone string) string {
	phone = strings.TrimSpace(phone)
	if phone == "" || strings.HasPrefix(phone, "+") {
		return phone
	}
	return "+" + phone
}

func unixSeconds(raw string) time.Time {
	seconds, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || seconds <= 0 {
		return time.Time{}
	}
	return time.Unix(seconds, 0).UTC()
}
