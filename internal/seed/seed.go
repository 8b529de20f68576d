// Package seed holds the status machine every new tenant starts with.
package seed

import (
	"time"

	"github.com/bwmarrin/snowflake"
	leaddomain "github.com/smallbiznis/casc/internal/lead/domain"
)

type statusSeed struct {
	code    string
	name    string
	color   string
	initial bool
	final   bool
}

var defaultStatuses = []statusSeed{
	{code: "new", name: "New", color: "#64748b", initial: true},
	{code: "contacted", name: "Contacted", color: "#0ea5e9"},
	{code: "qualified", name: "Qualified", color: "#8b5cf6"},
	{code: "negotiating", name: "Negotiating", color: "#f59e0b"},
	{code: "won", name: "Won", color: "#22c55e", final: true},
	{code: "lost", name: "Lost", color: "#ef4444", final: true},
	{code: "archived", name: "Archived", color: "#94a3b8", final: true},
}

type transitionSeed struct {
	from  string
	to    string
	label string
}

// an empty from is a wildcard edge
var defaultTransitions = []transitionSeed{
	{from: "new", to: "contacted", label: "Contact"},
	{from: "contacted", to: "qualified", label: "Qualify"},
	{from: "qualified", to: "negotiating", label: "Negotiate"},
	{from: "negotiating", to: "won", label: "Mark won"},
	{from: "negotiating", to: "lost", label: "Mark lost"},
	{from: "contacted", to: "lost", label: "Mark lost"},
	{from: "qualified", to: "lost", label: "Mark lost"},
	{to: "archived", label: "Archive"},
}

// DefaultStatuses returns the starter statuses for tenantID.
func DefaultStatuses(tenantID snowflake.ID, node *snowflake.Node, now time.Time) []leaddomain.StatusDef {
	out := make([]leaddomain.StatusDef, 0, len(defaultStatuses))
	for i, s := range defaultStatuses {
		out = append(out, leaddomain.StatusDef{
			ID:        node.Generate(),
			TenantID:  tenantID,
			Code:      s.code,
			Name:      s.name,
			Color:     s.color,
			IsInitial: s.initial,
			IsFinal:   s.final,
			SortOrder: (i + 1) * 10,
			Active:    true,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	return out
}

// DefaultTransitions returns the starter edges between DefaultStatuses.
func DefaultTransitions(tenantID snowflake.ID, node *snowflake.Node, now time.Time) []leaddomain.Transition {
	out := make([]leaddomain.Transition, 0, len(defaultTransitions))
	for _, t := range defaultTransitions {
		row := leaddomain.Transition{
			ID:        node.Generate(),
			TenantID:  tenantID,
			ToCode:    t.to,
			Label:     t.label,
			CreatedAt: now,
		}
		if t.from != "" {
			from := t.from
			row.FromCode = &from
		}
		out = append(out, row)
	}
	return out
}
