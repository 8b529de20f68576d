package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	leaddomain "github.com/smallbiznis/casc/internal/lead/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ApplyStatusChange moves a lead to change.To in one transaction: the lead
// row is locked, the edge is validated, and the lead update, history row and
// outbox event commit together.
func (s *Store) ApplyStatusChange(ctx context.Context, tenantID snowflake.ID, leadID uuid.UUID, change leaddomain.StatusChange) (leaddomain.StatusChangeResult, error) {
	var result leaddomain.StatusChangeResult
	err := s.inTx(ctx, tenantID, func(tx *gorm.DB) error {
		var err error
		result, err = s.applyStatusChange(tx, tenantID, leadID, change)
		return err
	})
	return result, err
}

// applyStatusChange performs every check before its first write, so a
// rejected change leaves the transaction usable.
func (s *Store) applyStatusChange(tx *gorm.DB, tenantID snowflake.ID, leadID uuid.UUID, change leaddomain.StatusChange) (leaddomain.StatusChangeResult, error) {
	var lead leaddomain.Lead
	err := forUpdate(tx).Where("tenant_id = ? AND id = ?", tenantID, leadID).First(&lead).Error
	if isNotFound(err) {
		return leaddomain.StatusChangeResult{}, leaddomain.ErrNotFound
	}
	if err != nil {
		return leaddomain.StatusChangeResult{}, err
	}

	if change.ExpectedFrom != nil && *change.ExpectedFrom != lead.StatusCode {
		return leaddomain.StatusChangeResult{}, &leaddomain.ConflictError{Current: lead.StatusCode}
	}

	dest, err := s.getStatus(tx, tenantID, change.To)
	if errors.Is(err, leaddomain.ErrStatusNotFound) || (err == nil && !dest.Active) {
		return leaddomain.StatusChangeResult{}, leaddomain.ErrUnknownStatus
	}
	if err != nil {
		return leaddomain.StatusChangeResult{}, err
	}

	now := s.now()
	from := lead.StatusCode
	metadata := datatypes.JSONMap{}
	for k, v := range change.Metadata {
		metadata[k] = v
	}

	if dest.IsInitial && from == dest.Code {
		metadata["noop"] = true
		history := s.historyRow(tenantID, lead.ID, &from, dest.Code, change, metadata, now)
		if err := tx.Create(&history).Error; err != nil {
			return leaddomain.StatusChangeResult{}, err
		}
		return leaddomain.StatusChangeResult{Lead: lead, History: history, Noop: true}, nil
	}

	allowed, err := s.transitionAllowed(tx, tenantID, from, dest.Code)
	if err != nil {
		return leaddomain.StatusChangeResult{}, err
	}
	if !allowed {
		return leaddomain.StatusChangeResult{}, &leaddomain.InvalidTransitionError{Current: from, To: dest.Code}
	}

	lead.StatusCode = dest.Code
	lead.UpdatedAt = nextUpdatedAt(now, lead)
	err = tx.Model(&leaddomain.Lead{}).
		Where("tenant_id = ? AND id = ?", tenantID, lead.ID).
		Updates(map[string]any{"status_code": lead.StatusCode, "updated_at": lead.UpdatedAt}).Error
	if err != nil {
		return leaddomain.StatusChangeResult{}, err
	}

	history := s.historyRow(tenantID, lead.ID, &from, dest.Code, change, metadata, lead.UpdatedAt)
	if err := tx.Create(&history).Error; err != nil {
		return leaddomain.StatusChangeResult{}, err
	}

	event := leaddomain.StatusChanged{
		TenantID: tenantID.String(),
		LeadID:   lead.ID.String(),
		From:     &from,
		To:       dest.Code,
		Actor:    history.ChangedByName,
		Source:   history.Source,
		At:       history.CreatedAt,
		Metadata: change.Metadata,
	}
	if change.Actor.UserID != nil {
		event.ActorID = change.Actor.UserID.String()
	}
	if err := s.appendOutbox(tx, tenantID, lead.ID, event); err != nil {
		return leaddomain.StatusChangeResult{}, err
	}

	return leaddomain.StatusChangeResult{Lead: lead, History: history}, nil
}

func (s *Store) historyRow(tenantID snowflake.ID, leadID uuid.UUID, from *string, to string, change leaddomain.StatusChange, metadata datatypes.JSONMap, at time.Time) leaddomain.StatusHistory {
	source := change.Source
	if !source.Valid() {
		source = leaddomain.SourceManual
	}
	return leaddomain.StatusHistory{
		ID:              s.genID.Generate(),
		TenantID:        tenantID,
		LeadID:          leadID,
		FromCode:        from,
		ToCode:          to,
		ChangedByUserID: change.Actor.UserID,
		ChangedByName:   actorName(change.Actor),
		Source:          source,
		Comment:         change.Comment,
		Metadata:        metadata,
		CreatedAt:       at,
	}
}

func (s *Store) appendOutbox(tx *gorm.DB, tenantID snowflake.ID, leadID uuid.UUID, event leaddomain.StatusChanged) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	row := leaddomain.OutboxEvent{
		ID:        s.genID.Generate(),
		TenantID:  tenantID,
		Kind:      leaddomain.EventStatusChanged,
		LeadID:    leadID,
		Payload:   datatypes.JSON(payload),
		CreatedAt: event.At,
	}
	if err := tx.Create(&row).Error; err != nil {
		return err
	}
	if s.isPostgres() {
		return tx.Exec("SELECT pg_notify(?, ?)", OutboxChannel, tenantID.String()).Error
	}
	return nil
}

// nextUpdatedAt keeps a lead's updated_at strictly increasing even when the
// clock does not advance between writes.
func nextUpdatedAt(now time.Time, lead leaddomain.Lead) time.Time {
	if now.After(lead.UpdatedAt) {
		return now
	}
	return lead.UpdatedAt.Add(time.Microsecond)
}
