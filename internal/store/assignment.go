package store

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	assignmentdomain "github.com/smallbiznis/casc/internal/assignment/domain"
	conversationdomain "github.com/smallbiznis/casc/internal/conversation/domain"
	leaddomain "github.com/smallbiznis/casc/internal/lead/domain"
	tenantdomain "github.com/smallbiznis/casc/internal/tenant/domain"
	"github.com/smallbiznis/casc/pkg/db"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AssignConversation writes an assignment onto the conversation's latest
// message, mirrors it on the lead and moves the sellers' load counters, all
// in one transaction.
func (s *Store) AssignConversation(ctx context.Context, tenantID snowflake.ID, req assignmentdomain.AssignRequest) (assignmentdomain.AssignmentResult, error) {
	var result assignmentdomain.AssignmentResult
	err := s.inTx(ctx, tenantID, func(tx *gorm.DB) error {
		latest, found, err := s.latestMessage(forUpdate(tx), tenantID, req.ConversationKey)
		if err != nil {
			return err
		}
		if !found {
			return assignmentdomain.ErrConversationNotFound
		}

		if req.OnlyIfUnassigned && latest.AssignedSellerID != nil {
			current, ok, err := s.eligibleSeller(tx, tenantID, *latest.AssignedSellerID)
			if err != nil {
				return err
			}
			if ok {
				result = ExistingAssignment(latest, current)
				return nil
			}
		}

		seller, ok, err := s.eligibleSeller(tx, tenantID, req.SellerID)
		if err != nil {
			return err
		}
		if !ok {
			return assignmentdomain.ErrInvalidSeller
		}
		if latest.AssignedSellerID != nil && *latest.AssignedSellerID == req.SellerID {
			return assignmentdomain.ErrAlreadyAssigned
		}

		now := s.now()
		previous := latest.AssignedSellerID
		sellerID := req.SellerID
		if err := s.writeAssignment(tx, tenantID, latest, &sellerID, &now, req); err != nil {
			return err
		}
		if err := s.recordLeadAssignment(tx, tenantID, latest.LeadID, previous, &sellerID, req, now); err != nil {
			return err
		}
		if err := s.moveLoad(tx, tenantID, previous, &sellerID, now); err != nil {
			return err
		}

		result = assignmentdomain.AssignmentResult{
			ConversationKey:  req.ConversationKey,
			LeadID:           latest.LeadID,
			SellerID:         sellerID,
			SellerName:       seller.Name,
			PreviousSellerID: previous,
			Source:           req.Source,
			AssignedAt:       now,
			Changed:          true,
		}
		return nil
	})
	return result, err
}

// UnassignConversation clears the conversation's assignment and returns the
// seller that held it.
func (s *Store) UnassignConversation(ctx context.Context, tenantID snowflake.ID, req assignmentdomain.AssignRequest) (*uuid.UUID, uuid.UUID, error) {
	var (
		previous *uuid.UUID
		leadID   uuid.UUID
	)
	err := s.inTx(ctx, tenantID, func(tx *gorm.DB) error {
		latest, found, err := s.latestMessage(forUpdate(tx), tenantID, req.ConversationKey)
		if err != nil {
			return err
		}
		if !found {
			return assignmentdomain.ErrConversationNotFound
		}
		leadID = latest.LeadID
		previous = latest.AssignedSellerID
		if previous == nil {
			return nil
		}
		now := s.now()
		if err := s.writeAssignment(tx, tenantID, latest, nil, nil, req); err != nil {
			return err
		}
		if err := s.recordLeadAssignment(tx, tenantID, latest.LeadID, previous, nil, req, now); err != nil {
			return err
		}
		return s.moveLoad(tx, tenantID, previous, nil, now)
	})
	return previous, leadID, err
}

// ExistingAssignment reports the assignment latest already holds.
func ExistingAssignment(latest conversationdomain.ChatMessage, seller tenantdomain.SellerCandidate) assignmentdomain.AssignmentResult {
	result := assignmentdomain.AssignmentResult{
		ConversationKey: latest.ConversationKey,
		LeadID:          latest.LeadID,
		SellerID:        *latest.AssignedSellerID,
		SellerName:      seller.Name,
	}
	if latest.AssignmentSource != nil {
		result.Source = *latest.AssignmentSource
	}
	if latest.AssignedAt != nil {
		result.AssignedAt = *latest.AssignedAt
	}
	return result
}

func (s *Store) writeAssignment(tx *gorm.DB, tenantID snowflake.ID, latest conversationdomain.ChatMessage, sellerID *uuid.UUID, at *time.Time, req assignmentdomain.AssignRequest) error {
	updates := map[string]any{
		"assigned_seller_id": nil,
		"assigned_at":        nil,
		"assigned_by":        nil,
		"assignment_source":  nil,
	}
	if sellerID != nil {
		by := actorName(leaddomain.Actor{UserID: req.ActorID, Name: req.ActorName})
		updates["assigned_seller_id"] = *sellerID
		updates["assigned_at"] = *at
		updates["assigned_by"] = by
		updates["assignment_source"] = req.Source
	}
	return tx.Model(&conversationdomain.ChatMessage{}).
		Where("tenant_id = ? AND id = ?", tenantID, latest.ID).
		Updates(updates).Error
}

func (s *Store) recordLeadAssignment(tx *gorm.DB, tenantID snowflake.ID, leadID uuid.UUID, from, to *uuid.UUID, req assignmentdomain.AssignRequest, now time.Time) error {
	var lead leaddomain.Lead
	err := forUpdate(tx).Where("tenant_id = ? AND id = ?", tenantID, leadID).First(&lead).Error
	if err != nil {
		return err
	}
	by := "system"
	if req.ActorID != nil {
		by = req.ActorID.String()
	}
	entry := leaddomain.AssignmentEntry{
		From:   from,
		To:     to,
		By:     by,
		ByName: actorName(leaddomain.Actor{UserID: req.ActorID, Name: req.ActorName}),
		Source: string(req.Source),
		Reason: req.Reason,
		At:     now,
	}
	history := append(datatypes.JSONSlice[leaddomain.AssignmentEntry]{}, lead.AssignmentHistory...)
	history = append(history, entry)
	lead.UpdatedAt = nextUpdatedAt(now, lead)

	var assigned any
	if to != nil {
		assigned = *to
	}
	return tx.Model(&leaddomain.Lead{}).
		Where("tenant_id = ? AND id = ?", tenantID, leadID).
		Updates(map[string]any{
			"assigned_seller_id": assigned,
			"assignment_history": history,
			"updated_at":         lead.UpdatedAt,
		}).Error
}

// moveLoad decrements the previous seller's active conversations, never below
// zero, and increments the new seller's.
func (s *Store) moveLoad(tx *gorm.DB, tenantID snowflake.ID, from, to *uuid.UUID, now time.Time) error {
	if from != nil {
		err := tx.Model(&tenantdomain.Seller{}).
			Where("tenant_id = ? AND user_id = ? AND active_conversations > 0", tenantID, *from).
			Updates(map[string]any{
				"active_conversations": gorm.Expr("active_conversations - 1"),
				"updated_at":           now,
			}).Error
		if err != nil {
			return err
		}
	}
	if to != nil {
		stamp, err := s.nextAssignedAt(tx, tenantID, now)
		if err != nil {
			return err
		}
		err = tx.Model(&tenantdomain.Seller{}).
			Where("tenant_id = ? AND user_id = ?", tenantID, *to).
			Updates(map[string]any{
				"active_conversations": gorm.Expr("active_conversations + 1"),
				"last_assigned_at":     stamp,
				"updated_at":           now,
			}).Error
		if err != nil {
			return err
		}
	}
	return nil
}

// nextAssignedAt returns a last_assigned_at value strictly after every
// other seller's in the tenant, so round-robin order survives assignments
// that share a clock reading.
func (s *Store) nextAssignedAt(tx *gorm.DB, tenantID snowflake.ID, now time.Time) (time.Time, error) {
	var latest []tenantdomain.Seller
	err := forUpdate(tx).
		Where("tenant_id = ? AND last_assigned_at IS NOT NULL", tenantID).
		Order("last_assigned_at desc").
		Limit(1).
		Find(&latest).Error
	if err != nil {
		return time.Time{}, err
	}
	if len(latest) == 0 || latest[0].LoadStats.LastAssignedAt == nil {
		return now, nil
	}
	if prev := *latest[0].LoadStats.LastAssignedAt; !now.After(prev) {
		return prev.Add(time.Microsecond), nil
	}
	return now, nil
}

// ListRules returns the tenant's rules, highest priority first.
func (s *Store) ListRules(ctx context.Context, tenantID snowflake.ID, activeOnly bool) ([]assignmentdomain.AssignmentRule, error) {
	stmt := s.read(ctx).Where("tenant_id = ?", tenantID)
	if activeOnly {
		stmt = stmt.Where("active = ?", true)
	}
	var rules []assignmentdomain.AssignmentRule
	err := stmt.Order("priority desc, id asc").Find(&rules).Error
	return rules, err
}

func (s *Store) GetRule(ctx context.Context, tenantID, id snowflake.ID) (assignmentdomain.AssignmentRule, error) {
	var rule assignmentdomain.AssignmentRule
	err := s.read(ctx).Where("tenant_id = ? AND id = ?", tenantID, id).First(&rule).Error
	if isNotFound(err) {
		return assignmentdomain.AssignmentRule{}, assignmentdomain.ErrRuleNotFound
	}
	return rule, err
}

func (s *Store) CreateRule(ctx context.Context, rule assignmentdomain.AssignmentRule) error {
	return s.inTx(ctx, rule.TenantID, func(tx *gorm.DB) error {
		if err := tx.Create(&rule).Error; err != nil {
			if db.IsDuplicateKeyErr(err) {
				return assignmentdomain.ErrRuleExists
			}
			return err
		}
		return nil
	})
}

// UpdateRule applies fn to the rule under a row lock.
func (s *Store) UpdateRule(ctx context.Context, tenantID, id snowflake.ID, fn func(*assignmentdomain.AssignmentRule) error) (assignmentdomain.AssignmentRule, error) {
	var rule assignmentdomain.AssignmentRule
	err := s.inTx(ctx, tenantID, func(tx *gorm.DB) error {
		err := forUpdate(tx).Where("tenant_id = ? AND id = ?", tenantID, id).First(&rule).Error
		if isNotFound(err) {
			return assignmentdomain.ErrRuleNotFound
		}
		if err != nil {
			return err
		}
		if err := fn(&rule); err != nil {
			return err
		}
		rule.UpdatedAt = s.now()
		err = tx.Model(&assignmentdomain.AssignmentRule{}).
			Where("tenant_id = ? AND id = ?", tenantID, id).
			Updates(map[string]any{
				"name":       rule.Name,
				"priority":   rule.Priority,
				"active":     rule.Active,
				"config":     rule.Config,
				"filters":    rule.Filters,
				"limits":     rule.Limits,
				"updated_at": rule.UpdatedAt,
			}).Error
		if db.IsDuplicateKeyErr(err) {
			return assignmentdomain.ErrRuleExists
		}
		return err
	})
	return rule, err
}
