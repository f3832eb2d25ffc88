package audit

import "strings"

// sensitiveKeys is the lowercase substring set from spec.md §4.6: any
// key whose lowercased form contains one of these has its value
// replaced before the entry is ever appended to the ring.
var sensitiveKeys = []string{
	"password", "secret", "token", "api_key", "apikey",
	"credentials", "private_key", "privatekey", "authorization", "auth",
}

const redactedPlaceholder = "[REDACTED]"

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// Redact walks args recursively, replacing the value of any sensitive
// key with the literal "[REDACTED]". It returns a new map; the input is
// left untouched so callers may still log the original for a different
// sink if they choose to.
func Redact(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	return redactMap(args)
}

func redactMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if isSensitiveKey(k) {
			out[k] = redactedPlaceholder
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return redactMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = redactValue(item)
		}
		return out
	default:
		return v
	}
}
