// Package autonomy decides whether an agent's requested action may proceed
// unattended. The verdict gates the pipeline: deny halts before any model
// call or budget consumption; require-approval lets the run proceed but marks
// the resulting insight as pending human review.
package autonomy

import "strings"

// Level is an agent's declared autonomy level from its manifest.
type Level string

const (
	// LevelSupervised requires approval for every action.
	LevelSupervised Level = "supervised"
	// LevelAssisted requires approval outside the agent's own scope.
	LevelAssisted Level = "assisted"
	// LevelAutonomous may act unattended except in high-risk domains.
	LevelAutonomous Level = "autonomous"
	// LevelBlocked is an operator kill switch: every action is denied.
	LevelBlocked Level = "blocked"
)

// Status is the verdict of an autonomy evaluation.
type Status string

const (
	StatusAllow           Status = "allow"
	StatusDeny            Status = "deny"
	StatusRequireApproval Status = "require_approval"
)

// Decision is the evaluated verdict for one requested action. Computed once
// per task; terminal for deny, advisory for require-approval.
type Decision struct {
	Status Status `json:"status"`
	Reason string `json:"reason"`
	Action string `json:"action"`
	Domain string `json:"domain"`
}

// Allowed reports whether the pipeline may continue (allow or require-approval).
func (d Decision) Allowed() bool { return d.Status != StatusDeny }

// PendingApproval reports whether the resulting insight must be tagged for review.
func (d Decision) PendingApproval() bool { return d.Status == StatusRequireApproval }

// highRiskDomains are forced into mandatory-approval evaluation regardless of
// the agent's own autonomy level. Closed set; keep sorted.
var highRiskDomains = []string{
	"finance",
	"governance",
	"influencer",
	"media",
	"notification",
	"operations",
	"pricing",
	"social",
	"support",
}

// IsHighRisk reports whether the (lower-cased, substring-matched) domain hint
// intersects the high-risk list.
func IsHighRisk(domain string) bool {
	d := strings.ToLower(domain)
	for _, hr := range highRiskDomains {
		if strings.Contains(d, hr) {
			return true
		}
	}
	return false
}

// HighRiskDomains returns a copy of the closed high-risk domain set.
func HighRiskDomains() []string {
	return append([]string(nil), highRiskDomains...)
}

// Evaluate computes the autonomy decision for an agent at the given level
// requesting action within domain. High-risk domains downgrade autonomous
// agents to require-approval; they never upgrade a stricter level.
func Evaluate(level Level, action, domain string) Decision {
	d := Decision{Action: action, Domain: domain}

	switch level {
	case LevelBlocked:
		d.Status = StatusDeny
		d.Reason = "agent autonomy level is blocked"
		return d
	case LevelSupervised:
		d.Status = StatusRequireApproval
		d.Reason = "supervised agents require approval for every action"
		return d
	case LevelAssisted:
		d.Status = StatusRequireApproval
		d.Reason = "assisted agents require approval"
		return d
	case LevelAutonomous:
		if IsHighRisk(domain) {
			d.Status = StatusRequireApproval
			d.Reason = "high-risk domain forces mandatory approval"
			return d
		}
		d.Status = StatusAllow
		d.Reason = "autonomous agent within scope"
		return d
	default:
		// Unknown levels fail closed.
		d.Status = StatusDeny
		d.Reason = "unknown autonomy level " + string(level)
		return d
	}
}
