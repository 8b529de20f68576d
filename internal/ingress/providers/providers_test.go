package providers

import (
	"context"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/casc/internal/ingress/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	waProto "go.mau.fi/whatsmeow/binary/proto"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
)

type staticSecrets map[string][]byte

func (s staticSecrets) Secret(_ context.Context, _ snowflake.ID, name string) ([]byte, error) {
	v, ok := s[name]
	if !ok {
		return nil, domain.ErrSecretNotConfigured
	}
	return v, nil
}

type staticResolver struct {
	slugs    map[string]snowflake.ID
	bindings map[string]snowflake.ID
}

func (r staticResolver) ResolveSlug(_ context.Context, slug string) (snowflake.ID, error) {
	if id, ok := r.slugs[slug]; ok {
		return id, nil
	}
	return 0, domain.ErrUnknownTenant
}

func (r staticResolver) ResolveBinding(_ context.Context, _ domain.Kind, externalID string) (snowflake.ID, error) {
	if id, ok := r.bindings[externalID]; ok {
		return id, nil
	}
	return 0, domain.ErrUnknownTenant
}

const whatsappDelivery = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "WABA",
    "changes": [{
      "field": "messages",
      "value": {
        "metadata": {"display_phone_number": "12015550000", "phone_number_id": "PN1"},
        "contacts": [{"wa_id": "12015550100", "profile": {"name": "Ana "}}],
        "messages": [
          {"from": "12015550100", "id": "wamid.1", "timestamp": "1772442000", "type": "text", "text": {"body": "hola"}},
          {"from": "12015550100", "id": "wamid.2", "timestamp": "1772442060", "type": "image"}
        ],
        "message_echoes": [
          {"from": "12015550000", "to": "12015550100", "id": "wamid.3", "timestamp": "1772442120", "type": "text", "text": {"body": "hi Ana"}}
        ],
        "statuses": [{"id": "wamid.0", "status": "read", "recipient_id": "12015550100"}]
      }
    }]
  }]
}`

func TestSignRoundTrip(t *testing.T) {
	secret := []byte("app-secret")
	body := []byte(`{"a":1}`)
	header := Sign(secret, body)
	assert.Contains(t, header, "sha256=")

	require.NoError(t, verifySignature(secret, body, header))
	assert.ErrorIs(t, verifySignature(secret, []byte(`{"a":2}`), header), domain.ErrSignatureInvalid)
	assert.ErrorIs(t, verifySignature([]byte("other"), body, header), domain.ErrSignatureInvalid)
	assert.ErrorIs(t, verifySignature(secret, body, ""), domain.ErrSignatureInvalid)
	assert.ErrorIs(t, verifySignature(secret, body, "sha1=abc"), domain.ErrSignatureInvalid)
}

func TestWhatsappParse(t *testing.T) {
	w := NewWhatsapp(staticSecrets{})
	events, err := w.Parse(context.Background(), domain.Request{Body: []byte(whatsappDelivery)})
	require.NoError(t, err)
	require.Len(t, events, 4)

	text := events[0].(domain.WhatsappText)
	assert.Equal(t, "wamid.1", text.DedupKey())
	assert.Equal(t, "+12015550100", text.From)
	assert.Equal(t, "Ana", text.ContactName)
	assert.Equal(t, "PN1", text.PhoneNumberID)
	assert.Equal(t, "hola", text.Body)
	assert.Equal(t, time.Unix(1772442000, 0).UTC(), text.At)

	assert.Equal(t, "[image]", events[1].(domain.WhatsappText).Body)

	echo := events[2].(domain.OutboundEcho)
	assert.Equal(t, "+12015550100", echo.To)
	assert.Equal(t, "hi Ana", echo.Body)

	status := events[3].(domain.WhatsappStatus)
	assert.Equal(t, "wamid.0:read", status.DedupKey())

	assert.Equal(t, []string{"PN1"}, w.Bindings(events))

	_, err = w.Parse(context.Background(), domain.Request{Body: []byte("{not json")})
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
	_, err = w.Parse(context.Background(), domain.Request{Body: []byte(`{"object":"page"}`)})
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
}

func TestWhatsappVerify(t *testing.T) {
	ctx := context.Background()
	secret := []byte("app-secret")
	w := NewWhatsapp(staticSecrets{SecretWhatsappApp: secret})
	body := []byte(whatsappDelivery)

	signed := domain.Request{Header: http.Header{}, Body: body}
	signed.Header.Set(SignatureHeader, Sign(secret, body))
	require.NoError(t, w.Verify(ctx, 1, signed))

	forged := domain.Request{Header: http.Header{}, Body: body}
	forged.Header.Set(SignatureHeader, Sign([]byte("guess"), body))
	assert.ErrorIs(t, w.Verify(ctx, 1, forged), domain.ErrSignatureInvalid)

	unconfigured := NewWhatsapp(staticSecrets{})
	assert.ErrorIs(t, unconfigured.Verify(ctx, 1, signed), domain.ErrSecretNotConfigured)
}

func TestWhatsappChallenge(t *testing.T) {
	ctx := context.Background()
	w := NewWhatsapp(staticSecrets{SecretWhatsappVerifyToken: []byte("tok")})

	query := url.Values{"hub.mode": {"subscribe"}, "hub.verify_token": {"tok"}, "hub.challenge": {"1158201444"}}
	answer, err := w.Challenge(ctx, 1, domain.Request{Query: query})
	require.NoError(t, err)
	assert.Equal(t, "1158201444", answer)

	query.Set("hub.verify_token", "wrong")
	_, err = w.Challenge(ctx, 1, domain.Request{Query: query})
	assert.ErrorIs(t, err, domain.ErrVerifyTokenMismatch)

	query.Set("hub.verify_token", "tok")
	query.Set("hub.mode", "unsubscribe")
	_, err = w.Challenge(ctx, 1, domain.Request{Query: query})
	assert.ErrorIs(t, err, domain.ErrVerifyTokenMismatch)
}

func TestWhatsappTenantFromPath(t *testing.T) {
	resolver := staticResolver{slugs: map[string]snowflake.ID{"acme": 7}}
	w := NewWhatsapp(staticSecrets{})

	id, err := w.TenantFrom(context.Background(), domain.Request{TenantPath: "acme"}, resolver)
	require.NoError(t, err)
	assert.EqualValues(t, 7, id)

	_, err = w.TenantFrom(context.Background(), domain.Request{}, resolver)
	assert.ErrorIs(t, err, domain.ErrUnknownTenant)
	_, err = w.TenantFrom(context.Background(), domain.Request{TenantPath: "globex"}, resolver)
	assert.ErrorIs(t, err, domain.ErrUnknownTenant)
}

const leadgenDelivery = `{
  "object": "page",
  "entry": [{
    "id": "PAGE1",
    "time": 1772442000,
    "changes": [{
      "field": "leadgen",
      "value": {
        "leadgen_id": "LG1",
        "form_id": "F1",
        "ad_id": "AD1",
        "campaign_id": "C1",
        "created_time": 1772442000,
        "field_data": [
          {"name": "full_name", "values": ["Bruno Diaz"]},
          {"name": "phone_number", "values": ["+1 201 555 0101"]},
          {"name": "email", "values": ["bruno@example.com"]}
        ]
      }
    }]
  }]
}`

func TestMetaLeadsParseEnvelope(t *testing.T) {
	m := NewMetaLeads(staticSecrets{})
	events, err := m.Parse(context.Background(), domain.Request{Body: []byte(leadgenDelivery)})
	require.NoError(t, err)
	require.Len(t, events, 1)

	lead := events[0].(domain.MetaLeadgen)
	assert.Equal(t, "LG1", lead.DedupKey())
	assert.Equal(t, "Bruno Diaz", lead.Name)
	assert.Equal(t, "+1 201 555 0101", lead.Phone)
	assert.Equal(t, "bruno@example.com", lead.Email)
	assert.Equal(t, "PAGE1", lead.Refs.MetaPageID, "page id falls back to the entry id")
	assert.Equal(t, "C1", lead.Refs.MetaCampaignID)
	assert.Equal(t, []string{"PAGE1"}, m.Bindings(events))
}

func TestMetaLeadsParseFlat(t *testing.T) {
	m := NewMetaLeads(staticSecrets{})
	events, err := m.Parse(context.Background(), domain.Request{Body: []byte(`{"phone":"+12015550102","name":"Carla","page_id":"PAGE2"}`)})
	require.NoError(t, err)
	require.Len(t, events, 1)
	lead := events[0].(domain.MetaLeadgen)
	assert.Empty(t, lead.DedupKey())
	assert.Equal(t, "Carla", lead.Name)

	_, err = m.Parse(context.Background(), domain.Request{Body: []byte(`{"name":"no phone"}`)})
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
}

func TestMetaLeadsTenantFromBinding(t *testing.T) {
	resolver := staticResolver{
		slugs:    map[string]snowflake.ID{"acme": 7},
		bindings: map[string]snowflake.ID{"PAGE1": 9},
	}
	m := NewMetaLeads(staticSecrets{})

	id, err := m.TenantFrom(context.Background(), domain.Request{Body: []byte(leadgenDelivery)}, resolver)
	require.NoError(t, err)
	assert.EqualValues(t, 9, id)

	id, err = m.TenantFrom(context.Background(), domain.Request{TenantPath: "acme", Body: []byte(leadgenDelivery)}, resolver)
	require.NoError(t, err)
	assert.EqualValues(t, 7, id)
}

func TestMetaLeadsVerifyIsOptional(t *testing.T) {
	ctx := context.Background()
	body := []byte(leadgenDelivery)
	req := domain.Request{Header: http.Header{}, Body: body}

	require.NoError(t, NewMetaLeads(staticSecrets{}).Verify(ctx, 1, req))

	secured := NewMetaLeads(staticSecrets{SecretMetaApp: []byte("s")})
	assert.ErrorIs(t, secured.Verify(ctx, 1, req), domain.ErrSignatureInvalid)
	req.Header.Set(SignatureHeader, Sign([]byte("s"), body))
	require.NoError(t, secured.Verify(ctx, 1, req))
}

func TestRegistryOverrides(t *testing.T) {
	defaultProvider := NewWhatsapp(staticSecrets{})
	custom := NewWhatsapp(staticSecrets{SecretWhatsappApp: []byte("x")})
	registry := NewRegistry(defaultProvider, NewMetaLeads(staticSecrets{}))
	registry.Override(42, custom)

	got, err := registry.For(42, domain.KindWhatsapp)
	require.NoError(t, err)
	assert.Same(t, custom, got)

	got, err = registry.For(7, domain.KindWhatsapp)
	require.NoError(t, err)
	assert.Same(t, defaultProvider, got)

	_, err = registry.For(7, domain.KindWhatsmeow)
	assert.ErrorIs(t, err, domain.ErrUnknownProvider)
}

func TestTranslateMessage(t *testing.T) {
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	contact := types.NewJID("12015550100", types.DefaultUserServer)
	business := types.NewJID("12015550000", types.DefaultUserServer)

	inbound := &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: contact, Sender: contact},
			ID:            "3EB0A",
			PushName:      "Ana",
			Timestamp:     at,
		},
		Message: &waProto.Message{Conversation: proto.String("hola")},
	}
	event, ok := TranslateMessage(inbound)
	require.True(t, ok)
	text := event.(domain.WhatsappText)
	assert.Equal(t, "+12015550100", text.From)
	assert.Equal(t, "hola", text.Body)
	assert.Equal(t, "Ana", text.ContactName)

	echo := &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: contact, Sender: business, IsFromMe: true},
			ID:            "3EB0B",
			Timestamp:     at,
		},
		Message: &waProto.Message{ExtendedTextMessage: &waProto.ExtendedTextMessage{Text: proto.String("hi")}},
	}
	event, ok = TranslateMessage(echo)
	require.True(t, ok)
	out := event.(domain.OutboundEcho)
	assert.Equal(t, "+12015550100", out.To)
	assert.Equal(t, "hi", out.Body)

	group := &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: types.NewJID("1203630", types.GroupServer), Sender: contact, IsGroup: true},
			ID:            "3EB0C",
		},
		Message: &waProto.Message{Conversation: proto.String("all")},
	}
	_, ok = TranslateMessage(group)
	assert.False(t, ok)
}

type recordingIngester struct {
	tenantID snowflake.ID
	events   []domain.Event
}

func (r *recordingIngester) Ingest(_ context.Context, kind domain.Kind, tenantID snowflake.ID, events []domain.Event) (domain.Result, error) {
	r.tenantID = tenantID
	r.events = append(r.events, events...)
	return domain.Result{TenantID: tenantID}, nil
}

func TestHandlerFeedsIngester(t *testing.T) {
	ingester := &recordingIngester{}
	handler := Handler(context.Background(), ingester, 7, zap.NewNop())
	contact := types.NewJID("12015550100", types.DefaultUserServer)

	handler(&events.Connected{})
	handler(&events.Message{
		Info:    types.MessageInfo{MessageSource: types.MessageSource{Chat: contact, Sender: contact}, ID: "3EB0D"},
		Message: &waProto.Message{Conversation: proto.String("hola")},
	})

	assert.EqualValues(t, 7, ingester.tenantID)
	require.Len(t, ingester.events, 1)
	assert.Equal(t, "3EB0D", ingester.events[0].DedupKey())
}
