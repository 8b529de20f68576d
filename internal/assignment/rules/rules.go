// Package rules selects sellers for a conversation. Functions here are pure:
// callers load the rules, the lead and the eligible sellers, and persist the
// outcome.
package rules

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	assignmentdomain "github.com/smallbiznis/casc/internal/assignment/domain"
	conversationdomain "github.com/smallbiznis/casc/internal/conversation/domain"
	tenantdomain "github.com/smallbiznis/casc/internal/tenant/domain"
)

// Subject is the lead behind the conversation being routed.
type Subject struct {
	Source string
	Status string
	Tags   []string
}

// Decision is the outcome of an evaluation.
type Decision struct {
	Seller tenantdomain.SellerCandidate
	Rule   *assignmentdomain.AssignmentRule
	Source conversationdomain.AssignmentSource
}

// Invalid reports a stored rule whose configuration no longer decodes. The
// rule is skipped.
type Invalid struct {
	Rule assignmentdomain.AssignmentRule
	Err  error
}

// Evaluate walks rules in priority order and returns the first rule's pick.
// When no rule yields a seller it falls back to round robin over every
// candidate with source system. exclude drops one seller from consideration.
func Evaluate(rules []assignmentdomain.AssignmentRule, subject Subject, sellers []tenantdomain.SellerCandidate, exclude *uuid.UUID, now time.Time) (Decision, []Invalid, bool) {
	pool := make([]tenantdomain.SellerCandidate, 0, len(sellers))
	for _, seller := range sellers {
		if exclude != nil && seller.UserID == *exclude {
			continue
		}
		pool = append(pool, seller)
	}
	if len(pool) == 0 {
		return Decision{}, nil, false
	}

	ordered := append([]assignmentdomain.AssignmentRule(nil), rules...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority > ordered[j].Priority
		}
		return ordered[i].ID < ordered[j].ID
	})

	var invalid []Invalid
	for i := range ordered {
		rule := ordered[i]
		if !rule.Active || !Matches(rule, subject) {
			continue
		}
		cfg, err := rule.Strategy()
		if err != nil {
			invalid = append(invalid, Invalid{Rule: rule, Err: err})
			continue
		}
		candidates := Rank(cfg, subject, Limit(rule, pool, now))
		if len(candidates) == 0 {
			continue
		}
		source := conversationdomain.AssignmentAutoRule
		if cfg.Type() == assignmentdomain.RuleRoundRobin {
			source = conversationdomain.AssignmentAutoRoundRobin
		}
		return Decision{Seller: candidates[0], Rule: &rule, Source: source}, invalid, true
	}

	fallback := Rank(assignmentdomain.RoundRobin{}, subject, pool)
	return Decision{Seller: fallback[0], Source: conversationdomain.AssignmentSystem}, invalid, true
}

// Matches applies the rule's lead filters. Empty filters match everything.
func Matches(rule assignmentdomain.AssignmentRule, subject Subject) bool {
	filters := rule.Filters.Data()
	if len(filters.LeadSource) > 0 && !containsFold(filters.LeadSource, subject.Source) {
		return false
	}
	if len(filters.LeadStatus) > 0 && !containsFold(filters.LeadStatus, subject.Status) {
		return false
	}
	return true
}

// Limit drops sellers outside the rule's role filter and those saturated or
// debounced by its limits.
func Limit(rule assignmentdomain.AssignmentRule, sellers []tenantdomain.SellerCandidate, now time.Time) []tenantdomain.SellerCandidate {
	filters := rule.Filters.Data()
	limits := rule.Limits.Data()
	out := make([]tenantdomain.SellerCandidate, 0, len(sellers))
	for _, seller := range sellers {
		if len(filters.SellerRoles) > 0 && !containsFold(filters.SellerRoles, string(seller.Role)) {
			continue
		}
		stats := seller.LoadStats
		if limits.MaxActivePerSeller != nil && stats.ActiveConversations >= *limits.MaxActivePerSeller {
			continue
		}
		if limits.MinResponseSeconds != nil && *limits.MinResponseSeconds > 0 && stats.LastAssignedAt != nil {
			window := time.Duration(*limits.MinResponseSeconds) * time.Second
			if now.Sub(*stats.LastAssignedAt) < window {
				continue
			}
		}
		out = append(out, seller)
	}
	return out
}

// Rank orders sellers best first for the strategy. Specialty keeps only
// sellers whose specialties intersect the lead's source or tags.
func Rank(cfg assignmentdomain.RuleConfig, subject Subject, sellers []tenantdomain.SellerCandidate) []tenantdomain.SellerCandidate {
	out := append([]tenantdomain.SellerCandidate(nil), sellers...)
	switch c := cfg.(type) {
	case assignmentdomain.RoundRobin:
		sort.SliceStable(out, func(i, j int) bool { return lessRoundRobin(out[i], out[j]) })
	case assignmentdomain.LoadBalance:
		sort.SliceStable(out, func(i, j int) bool {
			a, b := out[i].LoadStats, out[j].LoadStats
			if a.ActiveConversations != b.ActiveConversations {
				return a.ActiveConversations < b.ActiveConversations
			}
			return lessRoundRobin(out[i], out[j])
		})
	case assignmentdomain.Performance:
		sort.SliceStable(out, func(i, j int) bool {
			a, b := out[i].LoadStats, out[j].LoadStats
			switch c.Metric {
			case assignmentdomain.MetricAvgResponseSeconds:
				if a.AvgResponseSeconds != b.AvgResponseSeconds {
					return a.AvgResponseSeconds < b.AvgResponseSeconds
				}
			default:
				if cmp := a.ConversionRate.Cmp(b.ConversionRate); cmp != 0 {
					return cmp > 0
				}
			}
			return lessRoundRobin(out[i], out[j])
		})
	case assignmentdomain.Specialty:
		wanted := specialtyKeys(c.MatchOn, subject)
		matched := out[:0]
		for _, seller := range out {
			if intersects(seller.Specialties, wanted) {
				matched = append(matched, seller)
			}
		}
		out = matched
		sort.SliceStable(out, func(i, j int) bool { return lessRoundRobin(out[i], out[j]) })
	}
	return out
}

// lessRoundRobin orders never-assigned sellers first, then by oldest
// assignment, then by user id.
func lessRoundRobin(a, b tenantdomain.SellerCandidate) bool {
	at, bt := a.LoadStats.LastAssignedAt, b.LoadStats.LastAssignedAt
	switch {
	case at == nil && bt != nil:
		return true
	case at != nil && bt == nil:
		return false
	case at != nil && bt != nil && !at.Equal(*bt):
		return at.Before(*bt)
	}
	return strings.Compare(a.UserID.String(), b.UserID.String()) < 0
}

func specialtyKeys(on assignmentdomain.MatchOn, subject Subject) []string {
	var keys []string
	if on == assignmentdomain.MatchSource || on == assignmentdomain.MatchBoth {
		if subject.Source != "" {
			keys = append(keys, subject.Source)
		}
	}
	if on == assignmentdomain.MatchTags || on == assignmentdomain.MatchBoth {
		keys = append(keys, subject.Tags...)
	}
	return keys
}

func intersects(have, want []string) bool {
	for _, h := range have {
		if containsFold(want, h) {
			return true
		}
	}
	return false
}

func containsFold(values []string, v string) bool {
	v = strings.TrimSpace(v)
	for _, candidate := range values {
		if strings.EqualFold(strings.TrimSpace(candidate), v) {
			return true
		}
	}
	return false
}
