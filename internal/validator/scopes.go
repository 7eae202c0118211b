package validator

import "strings"

// ScopeGeneric is the fallback domain for unmatched scope hints. It carries
// no allow-list: any top-level key surviving sanitization is accepted, still
// subject to the meaningful-content check.
const ScopeGeneric = "generic"

// canonicalScopes is the closed domain set, in match order. Substring match,
// first match wins, so more specific names precede shorter ones.
var canonicalScopes = []string{
	"influencer",
	"notification",
	"governance",
	"operations",
	"pricing",
	"finance",
	"invoice",
	"loyalty",
	"partner",
	"support",
	"social",
	"media",
	"crm",
}

// allowLists restricts top-level output keys per canonical scope. The "text"
// key is universal: free-text model output wrapped by the validator lands
// there for every scope.
var allowLists = map[string][]string{
	"pricing":      {"summary", "plans", "priceChanges", "recommendations", "risks", "assumptions", "text"},
	"finance":      {"summary", "forecast", "anomalies", "recommendations", "cashflow", "text"},
	"invoice":      {"summary", "status", "issues", "recommendations", "text"},
	"crm":          {"summary", "leadScores", "segments", "nextActions", "recommendations", "text"},
	"loyalty":      {"summary", "tiers", "campaigns", "recommendations", "text"},
	"partner":      {"summary", "matches", "opportunities", "recommendations", "text"},
	"support":      {"summary", "triage", "replies", "escalations", "recommendations", "text"},
	"social":       {"summary", "trends", "posts", "sentiment", "recommendations", "text"},
	"influencer":   {"summary", "profiles", "matches", "outreach", "recommendations", "text"},
	"media":        {"summary", "brief", "variants", "captions", "recommendations", "text"},
	"operations":   {"summary", "tasks", "bottlenecks", "recommendations", "text"},
	"governance":   {"summary", "findings", "violations", "recommendations", "text"},
	"notification": {"summary", "messages", "channels", "recommendations", "text"},
}

// NormalizeScope maps a free-form scope hint to a canonical domain by
// case-insensitive substring match; unmatched hints fall back to generic.
func NormalizeScope(hint string) string {
	h := strings.ToLower(strings.TrimSpace(hint))
	if h == "" {
		return ScopeGeneric
	}
	for _, scope := range canonicalScopes {
		if strings.Contains(h, scope) {
			return scope
		}
	}
	return ScopeGeneric
}

// allowList returns the allowed key set for the canonical scope and whether
// the scope restricts keys at all.
func allowList(canonical string) (map[string]bool, bool) {
	keys, ok := allowLists[canonical]
	if !ok {
		return nil, false
	}
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		set[k] = true
	}
	return set, true
}

// AllowedKeys returns a copy of the allow-list for a canonical scope, or nil
// for the generic scope.
func AllowedKeys(canonical string) []string {
	keys, ok := allowLists[canonical]
	if !ok {
		return nil
	}
	return append([]string(nil), keys...)
}
