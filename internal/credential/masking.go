package credential

import "strings"

const maskToken = "****"

// Identifiers that providers print on dashboards and receipts. They are
// logged in full so operators can tell which merchant account is in use.
var publicCredentialKeys = map[string]bool{
	"merchant_id":     true,
	"publishable_key": true,
	"account_id":      true,
	"environment":     true,
}

// MaskSecret hides a secret, keeping a provider key prefix such as "sk_test_"
// and, for values long enough not to leak entropy, the last four characters.
func MaskSecret(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}

	prefix, body := value, ""
	if i := strings.LastIndexByte(value, '_'); i >= 0 && i < len(value)-1 {
		prefix, body = value[:i+1], value[i+1:]
	} else {
		prefix, body = "", value
	}
	if len(body) <= 4 {
		return prefix + maskToken
	}
	return prefix + maskToken + body[len(body)-4:]
}

// MaskJSON returns a log-safe copy of a decrypted credential map. Keys are
// trimmed and empty keys dropped; nil means nothing worth logging.
func MaskJSON(creds map[string]any) map[string]any {
	out := make(map[string]any, len(creds))
	for key, value := range creds {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if s, ok := value.(string); ok && publicCredentialKeys[strings.ToLower(key)] {
			out[key] = strings.TrimSpace(s)
			continue
		}
		out[key] = mask(value)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func mask(value any) any {
	switch v := value.(type) {
	case string:
		return MaskSecret(v)
	case map[string]any:
		return MaskJSON(v)
	case []any:
		items := make([]any, len(v))
		for i := range v {
			items[i] = mask(v[i])
		}
		return items
	default:
		return value
	}
}
