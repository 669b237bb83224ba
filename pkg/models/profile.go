package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Profile holds the user's stored personal data used to pre-fill job parameters.
type Profile struct {
	UserID    uuid.UUID         `db:"user_id"    json:"user_id"`
	Fields    map[string]string `db:"fields"     json:"fields"`
	UpdatedAt time.Time         `db:"updated_at" json:"updated_at"`
}

// secretMarkers flag profile keys whose values must never leave the store.
var secretMarkers = []string{"password", "secret", "token", "otp", "pin"}

// IsSecretField reports whether a profile key names a credential.
func IsSecretField(name string) bool {
	n := strings.ToLower(name)
	if n == "pincode" {
		return false
	}
	for _, m := range secretMarkers {
		if strings.Contains(n, m) {
			return true
		}
	}
	return false
}

// Has reports whether the profile holds a non-empty value for name.
func (p *Profile) Has(name string) bool {
	if p == nil {
		return false
	}
	return strings.TrimSpace(p.Fields[name]) != ""
}

// Sanitized returns a copy safe to send to the classification service:
// credentials are dropped and sensitive catalog fields are masked.
func (p *Profile) Sanitized() map[string]string {
	out := map[string]string{}
	if p == nil {
		return out
	}
	sensitive := sensitiveFields()
	for k, v := range p.Fields {
		if strings.TrimSpace(v) == "" || IsSecretField(k) {
			continue
		}
		if sensitive[k] {
			out[k] = MaskValue(v)
			continue
		}
		out[k] = v
	}
	return out
}

// MaskValue keeps the last four characters of v.
func MaskValue(v string) string {
	r := []rune(v)
	if len(r) <= 4 {
		return strings.Repeat("*", len(r))
	}
	return strings.Repeat("*", len(r)-4) + string(r[len(r)-4:])
}

func sensitiveFields() map[string]bool {
	out := map[string]bool{}
	for _, s := range catalog {
		for _, f := range s.Fields {
			if f.Sensitive {
				out[f.Name] = true
			}
		}
	}
	return out
}
