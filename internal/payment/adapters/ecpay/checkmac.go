package ecpay

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

const checkMacField = "CheckMacValue"

// ECPay hashes a .NET HttpUtility.UrlEncode rendering of the payload, which
// differs from url.QueryEscape for these characters once lower-cased.
var dotnetEncoding = strings.NewReplacer(
	"%21", "!",
	"%2a", "*",
	"%28", "(",
	"%29", ")",
	"~", "%7e",
)

// canonicalString builds the pre-hash string: fields sorted by key without
// regard to case, wrapped in HashKey/HashIV, URL encoded and lower-cased.
func canonicalString(fields map[string]string, hashKey, hashIV string) string {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		if key == checkMacField {
			continue
		}
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return strings.ToLower(keys[i]) < strings.ToLower(keys[j])
	})

	var b strings.Builder
	b.WriteString("HashKey=")
	b.WriteString(hashKey)
	for _, key := range keys {
		b.WriteByte('&')
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(fields[key])
	}
	b.WriteString("&HashIV=")
	b.WriteString(hashIV)

	encoded := strings.ToLower(url.QueryEscape(b.String()))
	return dotnetEncoding.Replace(encoded)
}

// CheckMacValue computes the SHA-256 CheckMacValue (EncryptType=1).
func CheckMacValue(fields map[string]string, hashKey, hashIV string) string {
	sum := sha256.Sum256([]byte(canonicalString(fields, hashKey, hashIV)))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

func macEqual(expected, provided string) bool {
	provided = strings.ToUpper(strings.TrimSpace(provided))
	if len(provided) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) == 1
}
