package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"

	identitydomain "github.com/smallbiznis/casc/internal/identity/domain"
	leaddomain "github.com/smallbiznis/casc/internal/lead/domain"
	notificationdomain "github.com/smallbiznis/casc/internal/notification/domain"
	triggerdomain "github.com/smallbiznis/casc/internal/trigger/domain"
)

// runInternal executes an internal trigger action against lead.
func (d *Dispatcher) runInternal(ctx context.Context, trigger triggerdomain.Trigger, lead leaddomain.Lead, cfg triggerdomain.InternalConfig) attemptResult {
	start := d.clock.Now()
	message, err := d.internalAction(ctx, trigger, lead, cfg)
	res := attemptResult{status: triggerdomain.LogSuccess, response: message, duration: d.clock.Now().Sub(start)}
	if err != nil {
		res.status = triggerdomain.LogFailed
		res.response = err.Error()
	}
	return res
}

func (d *Dispatcher) internalAction(ctx context.Context, trigger triggerdomain.Trigger, lead leaddomain.Lead, cfg triggerdomain.InternalConfig) (string, error) {
	switch cfg.Name {
	case triggerdomain.InternalAddTag:
		tag, _ := cfg.Params["tag"].(string)
		tag = strings.ToLower(strings.TrimSpace(tag))
		if _, err := d.store.AddLeadTags(ctx, trigger.TenantID, lead.ID, tag); err != nil {
			return "", err
		}
		return "tagged " + tag, nil

	case triggerdomain.InternalAutoAssign:
		if d.assignment == nil {
			return "", errors.New("auto assignment unavailable")
		}
		res, err := d.assignment.AutoAssign(ctx, identitydomain.SystemPrincipal(trigger.TenantID, "trigger"), lead.Phone, false)
		if err != nil {
			return "", err
		}
		return "assigned " + res.SellerID.String(), nil

	case triggerdomain.InternalNotifyAssignee:
		if lead.AssignedSellerID == nil {
			return "lead has no assignee", nil
		}
		if d.notifier == nil {
			return "", errors.New("notifications unavailable")
		}
		req := d.statusNotification(trigger, lead, cfg)
		req.RecipientUserID = *lead.AssignedSellerID
		if _, err := d.notifier.Notify(ctx, trigger.TenantID, req); err != nil {
			return "", err
		}
		return "notified assignee", nil

	case triggerdomain.InternalNotifyManagers:
		if d.notifier == nil {
			return "", errors.New("notifications unavailable")
		}
		rows, err := d.notifier.NotifyManagers(ctx, trigger.TenantID, d.statusNotification(trigger, lead, cfg))
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("notified %d managers", len(rows)), nil
	}
	return "", fmt.Errorf("%w: unknown internal action %q", triggerdomain.ErrInvalidTrigger, cfg.Name)
}

func (d *Dispatcher) statusNotification(trigger triggerdomain.Trigger, lead leaddomain.Lead, cfg triggerdomain.InternalConfig) notificationdomain.NotifyRequest {
	title, _ := cfg.Params["title"].(string)
	if strings.TrimSpace(title) == "" {
		title = "Lead moved to " + trigger.OnStatusCode
	}
	raw, _ := cfg.Params["priority"].(string)
	priority := notificationdomain.Priority(strings.ToLower(strings.TrimSpace(raw)))
	if !priority.Valid() {
		priority = notificationdomain.PriorityMedium
	}
	name := lead.Phone
	if lead.Name != nil && *lead.Name != "" {
		name = *lead.Name
	}
	return notificationdomain.NotifyRequest{
		Type:          notificationdomain.TypeLeadStatusChanged,
		Title:         title,
		Message:       fmt.Sprintf("%s is now %s", name, trigger.OnStatusCode),
		Priority:      priority,
		RelatedEntity: notificationdomain.RelatedEntity{Type: "lead", ID: lead.ID.String()},
		Metadata:      map[string]any{"trigger_id": trigger.ID.String()},
	}
}
