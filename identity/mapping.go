package identity

import "strings"

// Mapping translates a provider's raw claim document into normalized
// Claims. It is configuration, not code: onboarding a new provider means
// adding a mapping block, never a code change.
//
// Claim fields are dotted paths into the raw claim document, e.g.
// "realm_access.roles" for Keycloak-style nested role claims.
type Mapping struct {
	SubjectClaim string            `yaml:"subject_claim"`
	NameClaim    string            `yaml:"name_claim"`
	EmailClaim   string            `yaml:"email_claim"`
	RolesClaim   string            `yaml:"roles_claim"`
	GroupsClaim  string            `yaml:"groups_claim"`
	RoleMap      map[string]string `yaml:"role_map"`
	GroupMap     map[string]string `yaml:"group_map"`
}

// Normalize derives Claims from a raw provider claim document. Unknown or
// missing claims yield empty fields rather than errors; the caller decides
// whether an empty subject is acceptable.
func (m Mapping) Normalize(provider string, raw map[string]interface{}) *Claims {
	return &Claims{
		Subject:     stringAt(raw, m.fallback(m.SubjectClaim, "sub")),
		DisplayName: stringAt(raw, m.fallback(m.NameClaim, "name")),
		Email:       stringAt(raw, m.fallback(m.EmailClaim, "email")),
		Provider:    provider,
		Roles:       m.translate(stringsAt(raw, m.fallback(m.RolesClaim, "roles")), m.RoleMap),
		Groups:      m.translate(stringsAt(raw, m.fallback(m.GroupsClaim, "groups")), m.GroupMap),
		Raw:         raw,
	}
}

func (m Mapping) fallback(path, def string) string {
	if path == "" {
		return def
	}
	return path
}

// translate maps raw provider values into the platform vocabulary. With no
// map configured the values pass through unchanged; with a map configured,
// unmapped values are dropped so providers cannot inject platform roles.
func (m Mapping) translate(values []string, table map[string]string) []string {
	if len(table) == 0 {
		return values
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if mapped, ok := table[v]; ok {
			out = append(out, mapped)
		}
	}
	return out
}

// stringAt resolves a dotted claim path to a single string value.
func stringAt(raw map[string]interface{}, path string) string {
	v := valueAt(raw, path)
	s, _ := v.(string)
	return s
}

// stringsAt resolves a dotted claim path to a list of strings. Providers
// deliver multi-valued claims as JSON arrays, single strings, or
// space-separated strings; all three forms are accepted.
func stringsAt(raw map[string]interface{}, path string) []string {
	switch v := valueAt(raw, path).(type) {
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	case string:
		if v == "" {
			return nil
		}
		return strings.Fields(v)
	default:
		return nil
	}
}

func valueAt(raw map[string]interface{}, path string) interface{} {
	if path == "" {
		return nil
	}
	parts := strings.Split(path, ".")
	var current interface{} = raw
	for _, part := range parts {
		node, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current = node[part]
	}
	return current
}
