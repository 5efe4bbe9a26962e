package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// sensitiveKeys are detail keys whose values are replaced by a salted hash.
var sensitiveKeys = map[string]struct{}{
	"ip":           {},
	"remote_ip":    {},
	"user_id":      {},
	"subject":      {},
	"api_key":      {},
	"device":       {},
	"fingerprint":  {},
	"session_id":   {},
	"patient_id":   {},
	"email":        {},
	"bypass_token": {},
}

func redactRecord(rec Record, salt []byte) Record {
	rec.Path = redactPath(rec.Path)
	rec.Details = redactDetails(rec.Details, salt)
	return rec
}

// redactPath replaces segments that look like identifiers with ":id".
func redactPath(p string) string {
	if p == "" {
		return p
	}
	path, _, _ := strings.Cut(p, "?")
	segs := strings.Split(path, "/")
	for i, s := range segs {
		if looksLikeID(s) {
			segs[i] = ":id"
		}
	}
	return strings.Join(segs, "/")
}

func looksLikeID(s string) bool {
	if s == "" {
		return false
	}
	digits := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	if digits == len(s) {
		return true
	}
	if len(s) == 36 && strings.Count(s, "-") == 4 {
		return true
	}
	return len(s) >= 16 && digits > 0
}

func redactDetails(raw json.RawMessage, salt []byte) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		b, _ := json.Marshal(map[string]any{
			"details_hash":    hashBytes(raw, salt),
			"redaction_error": "invalid_json",
		})
		return b
	}
	b, err := json.Marshal(redactValue(v, salt))
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

func redactValue(v any, salt []byte) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if _, ok := sensitiveKeys[strings.ToLower(k)]; ok {
				out[k+"_hash"] = hashJSON(val, salt)
				continue
			}
			out[k] = redactValue(val, salt)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = redactValue(val, salt)
		}
		return out
	}
	return v
}

func hashJSON(v any, salt []byte) string {
	if s, ok := v.(string); ok {
		return hashString(s, salt)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return hashBytes(raw, salt)
}

func hashString(v string, salt []byte) string {
	return hashBytes([]byte(v), salt)
}

func hashBytes(b []byte, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
