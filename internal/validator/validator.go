// Package validator enforces per-domain output contracts over raw model
// responses. Model output is adversarial input: its size, depth, and shape
// are bounded here before anything downstream trusts or stores it.
package validator

import (
	"fmt"
	"math"
	"reflect"
	"strings"
)

// Bounds applied to every payload regardless of scope.
const (
	MaxDepth     = 6
	MaxStringLen = 8192
	previewLen   = 200
)

// Result is the outcome of validating one payload. Data is only populated
// when OK; Errors never round-trip unsanitized input beyond a bounded preview.
type Result struct {
	OK       bool           `json:"ok"`
	Scope    string         `json:"scope"`
	Data     map[string]any `json:"data,omitempty"`
	Errors   []string       `json:"errors,omitempty"`
	Warnings []string       `json:"warnings,omitempty"`
}

// injectionPatterns reject a string field outright. Matched case-insensitively;
// the field is dropped and an error recorded, never silently stripped.
var injectionPatterns = []string{
	"<script",
	"</script",
	"<iframe",
	"<object",
	"<embed",
	"javascript:",
	"vbscript:",
	"data:text/html",
	"data:application",
	"onerror=",
	"onload=",
}

// Validate sanitizes rawPayload under the contract for the given scope hint.
// Non-object payloads (e.g. raw text when structured parsing failed upstream)
// are wrapped under the universal "text" key before contract checks.
func Validate(scope string, rawPayload any) *Result {
	canonical := NormalizeScope(scope)
	res := &Result{Scope: canonical}

	payload, ok := asObject(rawPayload)
	if !ok {
		res.Errors = append(res.Errors, "payload is not an object or text value")
		res.appendPreview(rawPayload)
		return res
	}

	allowed, restricted := allowList(canonical)

	sanitized := make(map[string]any, len(payload))
	for key, value := range payload {
		if restricted && !allowed[key] {
			// Unlisted keys are dropped silently; not an error.
			continue
		}
		clean, keep := sanitizeValue(key, value, 1, res)
		if keep {
			sanitized[key] = clean
		}
	}

	if len(res.Errors) > 0 {
		res.appendPreview(rawPayload)
		return res
	}

	if !hasMeaningfulField(sanitized) {
		res.Errors = append(res.Errors, "missing meaningful fields for scope "+canonical)
		res.appendPreview(rawPayload)
		return res
	}

	res.OK = true
	res.Data = sanitized
	return res
}

// sanitizeValue walks one value. Returns the sanitized value and whether it
// should be kept. Errors recorded on res reject the whole payload.
func sanitizeValue(path string, value any, depth int, res *Result) (any, bool) {
	if depth > MaxDepth {
		res.Errors = append(res.Errors, fmt.Sprintf("field %s exceeds maximum nesting depth %d", path, MaxDepth))
		return nil, false
	}

	switch v := value.(type) {
	case nil:
		return nil, true
	case bool:
		return v, true
	case string:
		return sanitizeString(path, v, res)
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, false
		}
		return v, true
	case float32:
		return sanitizeValue(path, float64(v), depth, res)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return v, true
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			clean, keep := sanitizeValue(path+"."+key, item, depth+1, res)
			if keep {
				out[key] = clean
			}
		}
		return out, true
	case []any:
		out := make([]any, 0, len(v))
		for i, item := range v {
			clean, keep := sanitizeValue(fmt.Sprintf("%s[%d]", path, i), item, depth+1, res)
			if keep {
				out = append(out, clean)
			}
		}
		return out, true
	default:
		// Functions, channels, and other non-data values are stripped.
		kind := reflect.ValueOf(value).Kind()
		if kind == reflect.Func || kind == reflect.Chan || kind == reflect.UnsafePointer {
			return nil, false
		}
		// Unrecognized composite types are not trusted.
		return nil, false
	}
}

func sanitizeString(path, s string, res *Result) (any, bool) {
	lower := strings.ToLower(s)
	for _, pattern := range injectionPatterns {
		if strings.Contains(lower, pattern) {
			res.Errors = append(res.Errors, fmt.Sprintf("field %s contains disallowed pattern %q", path, pattern))
			return nil, false
		}
	}
	if len(s) > MaxStringLen {
		res.Warnings = append(res.Warnings, fmt.Sprintf("field %s truncated to %d characters", path, MaxStringLen))
		return s[:MaxStringLen], true
	}
	return s, true
}

// hasMeaningfulField reports whether at least one surviving field carries
// content: a non-blank string, non-empty array/object, finite number, or bool.
func hasMeaningfulField(payload map[string]any) bool {
	for _, value := range payload {
		if isMeaningful(value) {
			return true
		}
	}
	return false
}

func isMeaningful(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return true
	case string:
		return strings.TrimSpace(v) != ""
	case float64:
		return !math.IsNaN(v) && !math.IsInf(v, 0)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32:
		return true
	case map[string]any:
		return len(v) > 0
	case []any:
		return len(v) > 0
	default:
		return false
	}
}

// asObject coerces the raw payload into a top-level object. Scalars and
// strings are wrapped under the universal "text" key so free-text model
// output still passes through contract checks.
func asObject(raw any) (map[string]any, bool) {
	switch v := raw.(type) {
	case map[string]any:
		return v, true
	case string:
		return map[string]any{"text": v}, true
	case nil:
		return map[string]any{}, true
	default:
		return nil, false
	}
}

// appendPreview records a bounded preview of the rejected payload for audit.
// The preview is prefixed so it cannot be mistaken for accepted data.
func (r *Result) appendPreview(raw any) {
	preview := fmt.Sprintf("%v", raw)
	if len(preview) > previewLen {
		preview = preview[:previewLen]
	}
	r.Errors = append(r.Errors, "rejected payload preview: "+preview)
}
