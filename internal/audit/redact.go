package audit

import (
	"encoding/json"
	"regexp"
	"strings"
)

const redacted = "[REDACTED]"

var (
	emailRe = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phoneRe = regexp.MustCompile(`(?:\+?1[-.\s]?)?\(?[0-9]{3}\)?[-.\s]?[0-9]{3}[-.\s]?[0-9]{4}`)

	// Structural keys whose values are stored as sent. Every other string
	// leaf is masked, including fields the external system adds later.
	plainKeys = map[string]bool{
		"status":             true,
		"start":              true,
		"end":                true,
		"start_at":           true,
		"end_at":             true,
		"decision":           true,
		"matched":            true,
		"reason":             true,
		"changed_fields":     true,
		"client_fields":      true,
		"appointment_fields": true,
	}

	// Identifiers that belong to the person rather than to a system record.
	personalIDKeys = map[string]bool{
		"insurance_member_id": true,
		"member_id":           true,
		"national_id":         true,
		"tax_id":              true,
	}
)

func isPlainKey(k string) bool {
	return plainKeys[strings.ToLower(k)]
}

func isIDKey(k string) bool {
	k = strings.ToLower(k)
	if personalIDKeys[k] {
		return false
	}
	return k == "id" || strings.HasSuffix(k, "_id") || k == "reference"
}

// Redact returns a JSON copy of v where only identifiers and structural
// fields keep their text. Nil yields nil.
func Redact(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`"` + redacted + `"`)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return json.RawMessage(`"` + redacted + `"`)
	}
	out, err := json.Marshal(redactValue(doc))
	if err != nil {
		return json.RawMessage(`"` + redacted + `"`)
	}
	return out
}

// redactValue masks every string leaf of v. Numbers, booleans and nulls
// carry no identity and are kept.
func redactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			switch {
			case isIDKey(k):
				// Identifiers can look like phone numbers; keep them intact.
			case isPlainKey(k):
				t[k] = plainValue(val)
			default:
				t[k] = redactValue(val)
			}
		}
		return t
	case []any:
		for i := range t {
			t[i] = redactValue(t[i])
		}
		return t
	case string:
		return redacted
	default:
		return v
	}
}

// plainValue keeps scalars and lists of scalars, scrubbed for contact
// details; anything nested goes back through redactValue.
func plainValue(v any) any {
	switch t := v.(type) {
	case string:
		return ScrubText(t)
	case []any:
		for i, item := range t {
			if s, ok := item.(string); ok {
				t[i] = ScrubText(s)
			} else {
				t[i] = redactValue(item)
			}
		}
		return t
	case map[string]any:
		return redactValue(t)
	default:
		return v
	}
}

// ScrubText masks email addresses and phone numbers in free text.
func ScrubText(s string) string {
	s = emailRe.ReplaceAllString(s, "[EMAIL]")
	return phoneRe.ReplaceAllString(s, "[PHONE]")
}
