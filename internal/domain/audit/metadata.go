package audit

import (
	"encoding/json"
)

// Metadata carries free-form event context as string-keyed values.
// Recognized keys are conventional, not enforced: "location", "country",
// "userAgent", "sessionId", "userId", "email", "username".
type Metadata map[string]interface{}

// Conventional metadata keys consumed by detection rules.
const (
	MetaKeyLocation  = "location"
	MetaKeyCountry   = "country"
	MetaKeyUserAgent = "userAgent"
	MetaKeySessionID = "sessionId"
	MetaKeyUserID    = "userId"
	MetaKeyEmail     = "email"
	MetaKeyUsername  = "username"
)

// CanonicalJSON serializes metadata with stable key ordering. Nil maps
// serialize as the empty object so hashing treats "no metadata" and
// "empty metadata" identically.
func (m Metadata) CanonicalJSON() ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// GetString returns the value under key if it is a string, else "".
func (m Metadata) GetString(key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Clone returns a shallow copy safe for per-job enrichment.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return make(Metadata)
	}
	clone := make(Metadata, len(m))
	for k, v := range m {
		clone[k] = v
	}
	return clone
}

// Merge copies entries from other into a clone of m, overwriting on
// key collision.
func (m Metadata) Merge(other Metadata) Metadata {
	merged := m.Clone()
	for k, v := range other {
		merged[k] = v
	}
	return merged
}
