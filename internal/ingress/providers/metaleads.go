package providers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/casc/internal/ingress/domain"
	leaddomain "github.com/smallbiznis/casc/internal/lead/domain"
)

// MetaLeads adapts Meta lead-ads webhooks. Both the page webhook envelope
// and a flattened single-lead body are accepted.
type MetaLeads struct {
	secrets domain.SecretSource
}

func NewMetaLeads(secrets domain.SecretSource) *MetaLeads {
	return &MetaLeads{secrets: secrets}
}

func (m *MetaLeads) Kind() domain.Kind { return domain.KindMetaLeads }

// TenantFrom prefers the path slug and falls back to the page binding.
func (m *MetaLeads) TenantFrom(ctx context.Context, req domain.Request, resolver domain.TenantResolver) (snowflake.ID, error) {
	if path := strings.TrimSpace(req.TenantPath); path != "" {
		return resolver.ResolveSlug(ctx, path)
	}
	events, err := m.Parse(ctx, req)
	if err != nil {
		return 0, err
	}
	pages := m.Bindings(events)
	if len(pages) == 0 {
		return 0, domain.ErrUnknownTenant
	}
	return resolver.ResolveBinding(ctx, domain.KindMetaLeads, pages[0])
}

// Verify checks the signature when the tenant configured an app secret.
func (m *MetaLeads) Verify(ctx context.Context, tenantID snowflake.ID, req domain.Request) error {
	secret, err := m.secrets.Secret(ctx, tenantID, SecretMetaApp)
	if errors.Is(err, domain.ErrSecretNotConfigured) {
		return nil
	}
	if err != nil {
		return err
	}
	return verifySignature(secret, req.Body, req.Header.Get(SignatureHeader))
}

type leadgenEnvelope struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Time    int64  `json:"time"`
		Changes []struct {
			Field string       `json:"field"`
			Value leadgenValue `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type leadgenValue struct {
	LeadgenID   string      `json:"leadgen_id"`
	PageID      string      `json:"page_id"`
	FormID      string      `json:"form_id"`
	AdID        string      `json:"ad_id"`
	CampaignID  string      `json:"campaign_id"`
	CreatedTime int64       `json:"created_time"`
	FieldData   []fieldData `json:"field_data"`
}

type fieldData struct {
	Name   string   `json:"name"`
	Values []string `json:"values"`
}

type flatLead struct {
	LeadgenID  string `json:"leadgen_id"`
	PageID     string `json:"page_id"`
	FormID     string `json:"form_id"`
	AdID       string `json:"ad_id"`
	CampaignID string `json:"campaign_id"`
	Phone      string `json:"phone"`
	Name       string `json:"name"`
	Email      string `json:"email"`
}

func (m *MetaLeads) Parse(_ context.Context, req domain.Request) ([]domain.Event, error) {
	var envelope leadgenEnvelope
	if err := json.Unmarshal(req.Body, &envelope); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if len(envelope.Entry) == 0 {
		return parseFlatLead(req.Body)
	}

	events := []domain.Event{}
	for _, entry := range envelope.Entry {
		for _, change := range entry.Changes {
			if change.Field != "" && change.Field != "leadgen" {
				continue
			}
			value := change.Value
			fields := fieldMap(value.FieldData)
			phone := first(fields, "phone_number", "phone", "mobile_phone")
			if phone == "" {
				return nil, domain.ErrInvalidPayload
			}
			name := first(fields, "full_name", "name")
			if name == "" {
				name = strings.TrimSpace(first(fields, "first_name") + " " + first(fields, "last_name"))
			}
			pageID := value.PageID
			if pageID == "" {
				pageID = entry.ID
			}
			at := time.Time{}
			if value.CreatedTime > 0 {
				at = time.Unix(value.CreatedTime, 0).UTC()
			}
			events = append(events, domain.MetaLeadgen{
				LeadgenID: value.LeadgenID,
				Phone:     phone,
				Name:      name,
				Email:     first(fields, "email"),
				Refs: leaddomain.ExternalRefs{
					MetaCampaignID: value.CampaignID,
					MetaAdID:       value.AdID,
					MetaFormID:     value.FormID,
					MetaLeadgenID:  value.LeadgenID,
					MetaPageID:     pageID,
				},
				At: at,
			})
		}
	}
	return events, nil
}

func parseFlatLead(body []byte) ([]domain.Event, error) {
	var flat flatLead
	if err := json.Unmarshal(body, &flat); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(flat.Phone) == "" {
		return nil, domain.ErrInvalidPayload
	}
	return []domain.Event{domain.MetaLeadgen{
		LeadgenID: strings.TrimSpace(flat.LeadgenID),
		Phone:     strings.TrimSpace(flat.Phone),
		Name:      strings.TrimSpace(flat.Name),
		Email:     strings.TrimSpace(flat.Email),
		Refs: leaddomain.ExternalRefs{
			MetaCampaignID: flat.CampaignID,
			MetaAdID:       flat.AdID,
			MetaFormID:     flat.FormID,
			MetaLeadgenID:  flat.LeadgenID,
			MetaPageID:     flat.PageID,
		},
	}}, nil
}

// Bindings returns the page ids the leads were captured on.
func (m *MetaLeads) Bindings(events []domain.Event) []string {
	seen := map[string]bool{}
	var ids []string
	for _, event := range events {
		lead, ok := event.(domain.MetaLeadgen)
		if !ok || lead.Refs.MetaPageID == "" || seen[lead.Refs.MetaPageID] {
			continue
		}
		seen[lead.Refs.MetaPageID] = true
		ids = append(ids, lead.Refs.MetaPageID)
	}
	return ids
}

func fieldMap(data []fieldData) map[string]string {
	out := make(map[string]string, len(data))
	for _, field := range data {
		if len(field.Values) == 0 {
			continue
		}
		out[strings.ToLower(strings.TrimSpace(field.Name))] = strings.TrimSpace(field.Values[0])
	}
	return out
}

func first(fields map[string]string, names ...string) string {
	for _, name := range names {
		if v := fields[name]; v != "" {
			return v
		}
	}
	return ""
}
