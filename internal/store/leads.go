package store

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	leaddomain "github.com/smallbiznis/casc/internal/lead/domain"
	"github.com/smallbiznis/casc/pkg/db"
	"github.com/smallbiznis/casc/pkg/db/pagination"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UpsertLeadByPhone returns the tenant's lead for phone, creating it in the
// tenant's initial status when absent. Seed attributes fill empty fields of an
// existing lead.
func (s *Store) UpsertLeadByPhone(ctx context.Context, tenantID snowflake.ID, phone string, seed leaddomain.LeadSeed) (leaddomain.Lead, bool, error) {
	var (
		lead    leaddomain.Lead
		created bool
	)
	err := s.inTx(ctx, tenantID, func(tx *gorm.DB) error {
		var err error
		lead, created, err = s.upsertLeadByPhone(tx, tenantID, phone, seed)
		return err
	})
	return lead, created, err
}

func (s *Store) upsertLeadByPhone(tx *gorm.DB, tenantID snowflake.ID, phone string, seed leaddomain.LeadSeed) (leaddomain.Lead, bool, error) {
	var lead leaddomain.Lead
	err := forUpdate(tx).Where("tenant_id = ? AND phone = ?", tenantID, phone).First(&lead).Error
	if err == nil {
		return s.mergeSeed(tx, lead, seed)
	}
	if !isNotFound(err) {
		return leaddomain.Lead{}, false, err
	}

	lead, inserted, err := s.insertLead(tx, tenantID, phone, seed, leaddomain.Actor{Name: "system"}, leaddomain.SourceSystem)
	if err != nil {
		return leaddomain.Lead{}, false, err
	}
	if inserted {
		return lead, true, nil
	}
	// another transaction created it first
	if err := forUpdate(tx).Where("tenant_id = ? AND phone = ?", tenantID, phone).First(&lead).Error; err != nil {
		return leaddomain.Lead{}, false, err
	}
	return s.mergeSeed(tx, lead, seed)
}

// CreateLead inserts a new lead, failing with ErrPhoneExists on a duplicate.
func (s *Store) CreateLead(ctx context.Context, tenantID snowflake.ID, phone string, seed leaddomain.LeadSeed, actor leaddomain.Actor) (leaddomain.Lead, error) {
	var lead leaddomain.Lead
	err := s.inTx(ctx, tenantID, func(tx *gorm.DB) error {
		var (
			inserted bool
			err      error
		)
		lead, inserted, err = s.insertLead(tx, tenantID, phone, seed, actor, leaddomain.SourceManual)
		if db.IsDuplicateKeyErr(err) || (err == nil && !inserted) {
			return leaddomain.ErrPhoneExists
		}
		return err
	})
	return lead, err
}

// insertLead reports inserted=false when a lead with phone already exists.
func (s *Store) insertLead(tx *gorm.DB, tenantID snowflake.ID, phone string, seed leaddomain.LeadSeed, actor leaddomain.Actor, source leaddomain.Source) (leaddomain.Lead, bool, error) {
	initial, err := s.initialStatus(tx, tenantID)
	if err != nil {
		return leaddomain.Lead{}, false, err
	}

	now := s.now()
	leadSource := strings.TrimSpace(seed.Source)
	if leadSource == "" {
		leadSource = "whatsapp"
	}
	lead := leaddomain.Lead{
		ID:                uuid.New(),
		TenantID:          tenantID,
		Phone:             phone,
		Name:              optionalString(seed.Name),
		Email:             optionalString(seed.Email),
		StatusCode:        initial.Code,
		Source:            leadSource,
		Tags:              datatypes.JSONSlice[string](normalizeTags(seed.Tags)),
		ExternalRefs:      datatypes.NewJSONType(seed.ExternalRefs),
		AssignmentHistory: datatypes.JSONSlice[leaddomain.AssignmentEntry]{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "phone"}},
		DoNothing: true,
	}).Create(&lead)
	if res.Error != nil {
		return leaddomain.Lead{}, false, res.Error
	}
	if res.RowsAffected == 0 {
		return leaddomain.Lead{}, false, nil
	}

	history := leaddomain.StatusHistory{
		ID:              s.genID.Generate(),
		TenantID:        tenantID,
		LeadID:          lead.ID,
		ToCode:          initial.Code,
		ChangedByUserID: actor.UserID,
		ChangedByName:   actorName(actor),
		Source:          source,
		Metadata:        datatypes.JSONMap{"created": true},
		CreatedAt:       now,
	}
	if err := tx.Create(&history).Error; err != nil {
		return leaddomain.Lead{}, false, err
	}
	return lead, true, nil
}

func (s *Store) mergeSeed(tx *gorm.DB, lead leaddomain.Lead, seed leaddomain.LeadSeed) (leaddomain.Lead, bool, error) {
	updates := map[string]any{}
	if lead.Name == nil && strings.TrimSpace(seed.Name) != "" {
		lead.Name = optionalString(seed.Name)
		updates["name"] = lead.Name
	}
	if lead.Email == nil && strings.TrimSpace(seed.Email) != "" {
		lead.Email = optionalString(seed.Email)
		updates["email"] = lead.Email
	}
	refs := lead.ExternalRefs.Data()
	if merged := refs.Merge(seed.ExternalRefs); merged != refs {
		lead.ExternalRefs = datatypes.NewJSONType(merged)
		updates["external_refs"] = lead.ExternalRefs
	}
	if tags, changed := mergeTags(lead.Tags, seed.Tags); changed {
		lead.Tags = tags
		updates["tags"] = lead.Tags
	}
	if len(updates) == 0 {
		return lead, false, nil
	}
	lead.UpdatedAt = nextUpdatedAt(s.now(), lead)
	updates["updated_at"] = lead.UpdatedAt
	err := tx.Model(&leaddomain.Lead{}).
		Where("tenant_id = ? AND id = ?", lead.TenantID, lead.ID).
		Updates(updates).Error
	return lead, false, err
}

func (s *Store) GetLead(ctx context.Context, tenantID snowflake.ID, id uuid.UUID) (leaddomain.Lead, error) {
	var lead leaddomain.Lead
	err := s.read(ctx).Where("tenant_id = ? AND id = ?", tenantID, id).First(&lead).Error
	if isNotFound(err) {
		return leaddomain.Lead{}, leaddomain.ErrNotFound
	}
	return lead, err
}

func (s *Store) LeadByPhone(ctx context.Context, tenantID snowflake.ID, phone string) (leaddomain.Lead, error) {
	var lead leaddomain.Lead
	err := s.read(ctx).Where("tenant_id = ? AND phone = ?", tenantID, phone).First(&lead).Error
	if isNotFound(err) {
		return leaddomain.Lead{}, leaddomain.ErrNotFound
	}
	return lead, err
}

func (s *Store) ListLeads(ctx context.Context, tenantID snowflake.ID, filter leaddomain.ListLeadFilter, page pagination.Page) (pagination.Result[leaddomain.Lead], error) {
	page = page.Normalize()
	stmt := s.read(ctx).Model(&leaddomain.Lead{}).Where("tenant_id = ?", tenantID)
	if filter.StatusCode != "" {
		stmt = stmt.Where("status_code = ?", filter.StatusCode)
	}
	if filter.Source != "" {
		stmt = stmt.Where("source = ?", filter.Source)
	}
	if filter.AssignedSellerID != nil {
		stmt = stmt.Where("assigned_seller_id = ?", *filter.AssignedSellerID)
	}
	if filter.Unassigned {
		stmt = stmt.Where("assigned_seller_id IS NULL")
	}
	if filter.Tag != "" {
		stmt = stmt.Where("CAST(tags AS TEXT) LIKE ?", "%"+jsonStringLiteral(filter.Tag)+"%")
	}
	if q := strings.TrimSpace(filter.Query); q != "" {
		like := "%" + strings.ToLower(q) + "%"
		stmt = stmt.Where("(LOWER(COALESCE(name, '')) LIKE ? OR phone LIKE ? OR LOWER(COALESCE(email, '')) LIKE ?)", like, like, like)
	}

	stmt = stmt.Session(&gorm.Session{})
	var total int64
	if err := stmt.Count(&total).Error; err != nil {
		return pagination.Result[leaddomain.Lead]{}, err
	}

	var leads []leaddomain.Lead
	err := stmt.Order("updated_at desc, id desc").
		Limit(page.PageSize).
		Offset(page.Offset()).
		Find(&leads).Error
	if err != nil {
		return pagination.Result[leaddomain.Lead]{}, err
	}
	if leads == nil {
		leads = []leaddomain.Lead{}
	}
	return pagination.Result[leaddomain.Lead]{Items: leads, Total: total, Page: page.Page}, nil
}

// AddLeadTags appends tags missing from the lead.
func (s *Store) AddLeadTags(ctx context.Context, tenantID snowflake.ID, id uuid.UUID, tags ...string) (leaddomain.Lead, error) {
	var lead leaddomain.Lead
	err := s.inTx(ctx, tenantID, func(tx *gorm.DB) error {
		err := forUpdate(tx).Where("tenant_id = ? AND id = ?", tenantID, id).First(&lead).Error
		if isNotFound(err) {
			return leaddomain.ErrNotFound
		}
		if err != nil {
			return err
		}
		merged, changed := mergeTags(lead.Tags, tags)
		if !changed {
			return nil
		}
		lead.Tags = merged
		lead.UpdatedAt = nextUpdatedAt(s.now(), lead)
		return tx.Model(&leaddomain.Lead{}).
			Where("tenant_id = ? AND id = ?", tenantID, id).
			Updates(map[string]any{"tags": lead.Tags, "updated_at": lead.UpdatedAt}).Error
	})
	return lead, err
}

func (s *Store) ListHistory(ctx context.Context, tenantID snowflake.ID, leadID uuid.UUID, window pagination.Window) ([]leaddomain.StatusHistory, error) {
	window = window.Normalize()
	var rows []leaddomain.StatusHistory
	err := s.read(ctx).
		Where("tenant_id = ? AND lead_id = ?", tenantID, leadID).
		Order("created_at desc, id desc").
		Limit(window.Limit).
		Offset(window.Offset).
		Find(&rows).Error
	if rows == nil {
		rows = []leaddomain.StatusHistory{}
	}
	return rows, err
}

func optionalString(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}

func actorName(actor leaddomain.Actor) string {
	if name := strings.TrimSpace(actor.Name); name != "" {
		return name
	}
	return "system"
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := map[string]bool{}
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	return out
}

func mergeTags(existing datatypes.JSONSlice[string], add []string) (datatypes.JSONSlice[string], bool) {
	merged := append([]string{}, existing...)
	seen := map[string]bool{}
	for _, tag := range existing {
		seen[tag] = true
	}
	changed := false
	for _, tag := range normalizeTags(add) {
		if seen[tag] {
			continue
		}
		seen[tag] = true
		merged = append(merged, tag)
		changed = true
	}
	return datatypes.JSONSlice[string](merged), changed
}

func jsonStringLiteral(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `"`, `\"`)
	return `"` + v + `"`
}
