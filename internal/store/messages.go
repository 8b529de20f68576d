package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	assignmentdomain "github.com/smallbiznis/casc/internal/assignment/domain"
	conversationdomain "github.com/smallbiznis/casc/internal/conversation/domain"
	ingressdomain "github.com/smallbiznis/casc/internal/ingress/domain"
	leaddomain "github.com/smallbiznis/casc/internal/lead/domain"
	"github.com/smallbiznis/casc/pkg/db/pagination"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AdvancePlan moves a lead out of its initial status on the first message of
// a direction.
type AdvancePlan struct {
	OnInbound  bool
	OnOutbound bool
	To         string
}

// InboundWrite is one canonical provider event to persist. Message is nil for
// events that only touch the lead (lead forms). An empty DedupKey disables
// receipt tracking.
type InboundWrite struct {
	Kind     ingressdomain.Kind
	DedupKey string
	Phone    string
	Seed     leaddomain.LeadSeed
	Message  *conversationdomain.InboundMessage
	Advance  AdvancePlan
}

type InboundResult struct {
	Duplicate   bool
	Lead        leaddomain.Lead
	LeadCreated bool
	Message     *conversationdomain.ChatMessage
	Advanced    *leaddomain.StatusChangeResult
}

// RecordInbound persists an inbound event exactly once per (kind, dedup key):
// the receipt insert is the idempotency gate, and the lead upsert, message
// insert and optional auto-advance share its transaction.
func (s *Store) RecordInbound(ctx context.Context, tenantID snowflake.ID, in InboundWrite) (InboundResult, error) {
	var result InboundResult
	err := s.inTx(ctx, tenantID, func(tx *gorm.DB) error {
		result = InboundResult{}
		if in.DedupKey != "" {
			receipt := ingressdomain.InboundReceipt{
				ProviderKind:      in.Kind,
				ProviderMessageID: in.DedupKey,
				TenantID:          tenantID,
				CreatedAt:         s.now(),
			}
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&receipt)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return s.loadDuplicate(tx, tenantID, in, &result)
			}
		}

		lead, created, err := s.upsertLeadByPhone(tx, tenantID, in.Phone, in.Seed)
		if err != nil {
			return err
		}
		result.Lead = lead
		result.LeadCreated = created

		if in.Message != nil {
			msg, first, err := s.insertMessage(tx, tenantID, lead, *in.Message)
			if err != nil {
				return err
			}
			result.Message = &msg

			if first && shouldAdvance(in.Advance, msg.Direction) {
				advanced, err := s.autoAdvance(tx, tenantID, lead, in.Advance.To)
				if err != nil {
					return err
				}
				if advanced != nil {
					result.Advanced = advanced
					result.Lead = advanced.Lead
				}
			}
		}

		if in.DedupKey == "" {
			return nil
		}
		updates := map[string]any{"lead_id": lead.ID}
		if result.Message != nil {
			updates["message_id"] = result.Message.ID
		}
		return tx.Model(&ingressdomain.InboundReceipt{}).
			Where("provider_kind = ? AND provider_message_id = ?", in.Kind, in.DedupKey).
			Updates(updates).Error
	})
	return result, err
}

func (s *Store) loadDuplicate(tx *gorm.DB, tenantID snowflake.ID, in InboundWrite, result *InboundResult) error {
	var receipt ingressdomain.InboundReceipt
	err := tx.Where("provider_kind = ? AND provider_message_id = ?", in.Kind, in.DedupKey).First(&receipt).Error
	if err != nil {
		return err
	}
	result.Duplicate = true
	if receipt.TenantID != tenantID || receipt.LeadID == nil {
		return nil
	}
	var lead leaddomain.Lead
	if err := tx.Where("tenant_id = ? AND id = ?", tenantID, *receipt.LeadID).First(&lead).Error; err == nil {
		result.Lead = lead
	}
	if receipt.MessageID != nil {
		var msg conversationdomain.ChatMessage
		if err := tx.Where("tenant_id = ? AND id = ?", tenantID, *receipt.MessageID).First(&msg).Error; err == nil {
			result.Message = &msg
		}
	}
	return nil
}

// insertMessage appends a message to the lead's conversation, carrying the
// current assignment forward. first reports whether it is the first message
// of its direction in the conversation.
func (s *Store) insertMessage(tx *gorm.DB, tenantID snowflake.ID, lead leaddomain.Lead, in conversationdomain.InboundMessage) (conversationdomain.ChatMessage, bool, error) {
	latest, found, err := s.latestMessage(forUpdate(tx), tenantID, lead.Phone)
	if err != nil {
		return conversationdomain.ChatMessage{}, false, err
	}

	var sameDirection int64
	if found {
		err := tx.Model(&conversationdomain.ChatMessage{}).
			Where("tenant_id = ? AND conversation_key = ? AND direction = ?", tenantID, lead.Phone, in.Direction).
			Count(&sameDirection).Error
		if err != nil {
			return conversationdomain.ChatMessage{}, false, err
		}
	}

	createdAt := in.At.UTC()
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	// keep conversation order stable when providers report skewed timestamps
	if found && !createdAt.After(latest.CreatedAt) {
		createdAt = latest.CreatedAt.Add(time.Microsecond)
	}

	msg := conversationdomain.ChatMessage{
		ID:              s.genID.Generate(),
		TenantID:        tenantID,
		ConversationKey: lead.Phone,
		LeadID:          lead.ID,
		Direction:       in.Direction,
		ProviderKind:    in.ProviderKind,
		Content:         in.Content,
		CreatedAt:       createdAt,
	}
	if id := strings.TrimSpace(in.ProviderMessageID); id != "" {
		msg.ProviderMessageID = &id
	}
	if found {
		msg.AssignedSellerID = latest.AssignedSellerID
		msg.AssignedAt = latest.AssignedAt
		msg.AssignedBy = latest.AssignedBy
		msg.AssignmentSource = latest.AssignmentSource
	}
	if err := tx.Create(&msg).Error; err != nil {
		return conversationdomain.ChatMessage{}, false, err
	}
	return msg, sameDirection == 0, nil
}

func shouldAdvance(plan AdvancePlan, direction conversationdomain.Direction) bool {
	if plan.To == "" {
		return false
	}
	switch direction {
	case conversationdomain.DirectionInbound:
		return plan.OnInbound
	case conversationdomain.DirectionOutbound:
		return plan.OnOutbound
	}
	return false
}

// autoAdvance moves a lead sitting in an initial status to `to`. Tenants whose
// status machine has no such edge are left untouched.
func (s *Store) autoAdvance(tx *gorm.DB, tenantID snowflake.ID, lead leaddomain.Lead, to string) (*leaddomain.StatusChangeResult, error) {
	current, err := s.getStatus(tx, tenantID, lead.StatusCode)
	if errors.Is(err, leaddomain.ErrStatusNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !current.IsInitial || current.Code == to {
		return nil, nil
	}
	from := lead.StatusCode
	result, err := s.applyStatusChange(tx, tenantID, lead.ID, leaddomain.StatusChange{
		ExpectedFrom: &from,
		To:           to,
		Actor:        leaddomain.Actor{Name: "system"},
		Source:       leaddomain.SourceAutomation,
		Metadata:     map[string]any{"reason": "first_contact"},
	})
	switch {
	case err == nil:
		return &result, nil
	case errors.Is(err, leaddomain.ErrInvalidTransition),
		errors.Is(err, leaddomain.ErrUnknownStatus),
		errors.Is(err, leaddomain.ErrConflictWithState):
		return nil, nil
	default:
		return nil, err
	}
}

func (s *Store) latestMessage(tx *gorm.DB, tenantID snowflake.ID, key string) (conversationdomain.ChatMessage, bool, error) {
	var msgs []conversationdomain.ChatMessage
	err := tx.Where("tenant_id = ? AND conversation_key = ?", tenantID, key).
		Order("created_at desc, id desc").
		Limit(1).
		Find(&msgs).Error
	if err != nil || len(msgs) == 0 {
		return conversationdomain.ChatMessage{}, false, err
	}
	return msgs[0], true, nil
}

// LatestMessage returns the most recent message of a conversation, which
// carries its current assignment.
func (s *Store) LatestMessage(ctx context.Context, tenantID snowflake.ID, key string) (conversationdomain.ChatMessage, error) {
	msg, found, err := s.latestMessage(s.read(ctx), tenantID, key)
	if err != nil {
		return conversationdomain.ChatMessage{}, err
	}
	if !found {
		return conversationdomain.ChatMessage{}, assignmentdomain.ErrConversationNotFound
	}
	return msg, nil
}

func (s *Store) ListMessages(ctx context.Context, tenantID snowflake.ID, key string, window pagination.Window) ([]conversationdomain.ChatMessage, error) {
	window = window.Normalize()
	var msgs []conversationdomain.ChatMessage
	err := s.read(ctx).
		Where("tenant_id = ? AND conversation_key = ?", tenantID, key).
		Order("created_at desc, id desc").
		Limit(window.Limit).
		Offset(window.Offset).
		Find(&msgs).Error
	return msgs, err
}

type conversationRow struct {
	ConversationKey  string
	LeadID           string
	LeadName         *string
	LeadStatus       string
	Content          string
	Direction        conversationdomain.Direction
	CreatedAt        time.Time
	AssignedSellerID *string
	AssignedAt       *time.Time
	AssignmentSource *conversationdomain.AssignmentSource
}

const latestPerConversation = `m.id = (
	SELECT m2.id FROM chat_messages m2
	WHERE m2.tenant_id = m.tenant_id AND m2.conversation_key = m.conversation_key
	ORDER BY m2.created_at DESC, m2.id DESC
	LIMIT 1)`

// ListConversations returns one summary per conversation, built from its
// latest message, most recent first.
func (s *Store) ListConversations(ctx context.Context, tenantID snowflake.ID, filter conversationdomain.ListConversationFilter, page pagination.Page) (pagination.Result[conversationdomain.ConversationSummary], error) {
	page = page.Normalize()
	stmt := s.read(ctx).
		Table("chat_messages AS m").
		Joins("JOIN leads l ON l.id = m.lead_id AND l.tenant_id = m.tenant_id").
		Where("m.tenant_id = ?", tenantID).
		Where(latestPerConversation)
	if filter.AssignedTo != nil {
		stmt = stmt.Where("m.assigned_seller_id = ?", *filter.AssignedTo)
	}
	if filter.Unassigned {
		stmt = stmt.Where("m.assigned_seller_id IS NULL")
	}
	if filter.LeadStatus != "" {
		stmt = stmt.Where("l.status_code = ?", filter.LeadStatus)
	}
	stmt = stmt.Session(&gorm.Session{})

	var total int64
	if err := stmt.Count(&total).Error; err != nil {
		return pagination.Result[conversationdomain.ConversationSummary]{}, err
	}

	var rows []conversationRow
	err := stmt.Select(`m.conversation_key, m.lead_id, l.name AS lead_name, l.status_code AS lead_status,
		m.content, m.direction, m.created_at, m.assigned_seller_id, m.assigned_at, m.assignment_source`).
		Order("m.created_at desc, m.id desc").
		Limit(page.PageSize).
		Offset(page.Offset()).
		Scan(&rows).Error
	if err != nil {
		return pagination.Result[conversationdomain.ConversationSummary]{}, err
	}

	items := make([]conversationdomain.ConversationSummary, 0, len(rows))
	for _, row := range rows {
		summary := conversationdomain.ConversationSummary{
			ConversationKey:  row.ConversationKey,
			LeadName:         row.LeadName,
			LeadStatus:       row.LeadStatus,
			LastMessage:      row.Content,
			LastDirection:    row.Direction,
			LastMessageAt:    row.CreatedAt,
			AssignedAt:       row.AssignedAt,
			AssignmentSource: row.AssignmentSource,
		}
		if id, err := uuid.Parse(row.LeadID); err == nil {
			summary.LeadID = id
		}
		if row.AssignedSellerID != nil {
			if id, err := uuid.Parse(*row.AssignedSellerID); err == nil {
				summary.AssignedSellerID = &id
			}
		}
		items = append(items, summary)
	}
	return pagination.Result[conversationdomain.ConversationSummary]{Items: items, Total: total, Page: page.Page}, nil
}
