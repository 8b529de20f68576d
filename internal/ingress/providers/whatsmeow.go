package providers

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/casc/internal/ingress/domain"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
)

// Ingester accepts verified events for a tenant.
type Ingester interface {
	Ingest(ctx context.Context, kind domain.Kind, tenantID snowflake.ID, events []domain.Event) (domain.Result, error)
}

// TranslateMessage maps a whatsmeow message event from a linked device to a
// canonical event. Group chats and non-user chats yield false.
func TranslateMessage(evt *events.Message) (domain.Event, bool) {
	if evt == nil || evt.Message == nil {
		return nil, false
	}
	info := evt.Info
	if info.IsGroup || info.Chat.Server != types.DefaultUserServer {
		return nil, false
	}

	body := evt.Message.GetConversation()
	if body == "" {
		body = evt.Message.GetExtendedTextMessage().GetText()
	}
	if body == "" {
		body = "[media]"
	}

	if info.IsFromMe {
		return domain.OutboundEcho{
			MessageID: info.ID,
			To:        "+" + info.Chat.User,
			Body:      body,
			At:        info.Timestamp.UTC(),
		}, true
	}
	return domain.WhatsappText{
		MessageID:   info.ID,
		From:        "+" + info.Sender.User,
		ContactName: strings.TrimSpace(info.PushName),
		Body:        body,
		At:          info.Timestamp.UTC(),
	}, true
}

// Handler returns a whatsmeow event handler feeding messages of one linked
// device into the tenant's ingestion pipeline.
func Handler(ctx context.Context, ingester Ingester, tenantID snowflake.ID, log *zap.Logger) whatsmeow.EventHandler {
	log = log.Named("ingress.whatsmeow").With(zap.String("tenant_id", tenantID.String()))
	return func(evt interface{}) {
		msg, ok := evt.(*events.Message)
		if !ok {
			return
		}
		event, ok := TranslateMessage(msg)
		if !ok {
			return
		}
		if _, err := ingester.Ingest(ctx, domain.KindWhatsmeow, tenantID, []domain.Event{event}); err != nil {
			log.Warn("ingest linked device message", zap.String("message_id", msg.Info.ID), zap.Error(err))
		}
	}
}
