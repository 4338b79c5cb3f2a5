// Package identity defines the normalized identity model shared by the
// OAuth2 and SAML flow handlers, and the error taxonomy the federation
// manager exposes to callers.
package identity

// Claims is the normalized result of a successful provider exchange.
// Roles and groups are already translated into the platform vocabulary;
// Raw keeps the untranslated provider claims for audit and debugging.
type Claims struct {
	Subject     string
	DisplayName string
	Email       string
	Provider    string
	Roles       []string
	Groups      []string
	Raw         map[string]interface{}
}

// HasRole reports whether the claims carry the given platform role.
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasGroup reports whether the claims carry the given platform group.
func (c *Claims) HasGroup(group string) bool {
	for _, g := range c.Groups {
		if g == group {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether the claims intersect the required role set.
func (c *Claims) HasAnyRole(roles []string) bool {
	for _, r := range roles {
		if c.HasRole(r) {
			return true
		}
	}
	return false
}

// HasAnyGroup reports whether the claims intersect the required group set.
func (c *Claims) HasAnyGroup(groups []string) bool {
	for _, g := range groups {
		if c.HasGroup(g) {
			return true
		}
	}
	return false
}
