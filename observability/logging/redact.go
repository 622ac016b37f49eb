package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

// identityKeys carry borrower, lender and caller identities. They are
// abbreviated to a short suffix so operators can still correlate lines.
var identityKeys = map[string]struct{}{
	"borrower": {},
	"lender":   {},
	"actor":    {},
	"subject":  {},
	"client":   {},
	"account":  {},
	"from":     {},
	"to":       {},
}

// secretKeys are never emitted, not even in part.
var secretKeys = map[string]struct{}{
	"passphrase":    {},
	"secret":        {},
	"api_key":       {},
	"authorization": {},
	"token":         {},
	"dsn":           {},
}

const identitySuffix = 4

// IsSensitive reports whether values logged under key are masked.
func IsSensitive(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	if _, ok := identityKeys[normalized]; ok {
		return true
	}
	_, ok := secretKeys[normalized]
	return ok
}

// SensitiveKeys returns a sorted copy of the keys the handler masks.
func SensitiveKeys() []string {
	keys := make([]string, 0, len(identityKeys)+len(secretKeys))
	for key := range identityKeys {
		keys = append(keys, key)
	}
	for key := range secretKeys {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskValue abbreviates an identity to its last few characters, e.g.
// "0x52908400098527886E0F7030069857D2E4169EE7" becomes "…9EE7". Short values
// are replaced entirely. Empty values are returned unchanged.
func MaskValue(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return value
	}
	if len(trimmed) <= 2*identitySuffix {
		return RedactedValue
	}
	return "…" + trimmed[len(trimmed)-identitySuffix:]
}

// MaskField returns a slog.Attr whose value is masked when key is sensitive.
// The original key casing is preserved for readability.
func MaskField(key, value string) slog.Attr {
	return redactAttr(slog.String(key, value))
}

func redactAttr(attr slog.Attr) slog.Attr {
	normalized := strings.ToLower(strings.TrimSpace(attr.Key))
	if _, ok := secretKeys[normalized]; ok {
		if attr.Value.Kind() == slog.KindString && attr.Value.String() == "" {
			return attr
		}
		return slog.String(attr.Key, RedactedValue)
	}
	if _, ok := identityKeys[normalized]; ok && attr.Value.Kind() == slog.KindString {
		return slog.String(attr.Key, MaskValue(attr.Value.String()))
	}
	return attr
}
