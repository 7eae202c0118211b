package secrets

import (
	"path/filepath"
	"strings"
)

// ACL restricts which agents and tenants may open a secret. Entries are glob
// patterns. An empty allow list permits everyone on that axis.
type ACL struct {
	Agents          []string `json:"agents"`
	Tenants         []string `json:"tenants"`
	ForbiddenAgents []string `json:"forbidden_agents"`
}

// CheckAccess reports whether the tenant/agent pair may open the secret.
// Explicit denies win over any allow pattern.
func (a ACL) CheckAccess(tenantID, agentID string) bool {
	for _, pattern := range a.ForbiddenAgents {
		if matchGlob(pattern, agentID) {
			return false
		}
	}
	if !matchAny(a.Tenants, tenantID) {
		return false
	}
	return matchAny(a.Agents, agentID)
}

// matchAny is true when the list is empty or any pattern matches.
func matchAny(patterns []string, value string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, pattern := range patterns {
		if matchGlob(pattern, value) {
			return true
		}
	}
	return false
}

func matchGlob(pattern, str string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return pattern == str
	}
	matched, _ := filepath.Match(pattern, str)
	return matched
}
