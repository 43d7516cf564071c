package pipeline

import (
	"fmt"
	"strings"

	"github.com/comigor/friday-analytics/internal/store"
)

// RolePolicy decides which speakers are analyzed.
type RolePolicy string

const (
	// AllRoles analyzes every message regardless of speaker.
	AllRoles RolePolicy = "all"
	// UserOnly analyzes only messages spoken by the user.
	UserOnly RolePolicy = "user"
)

// ParseRolePolicy accepts "all" or "user" (case-insensitive). Empty means AllRoles.
func ParseRolePolicy(s string) (RolePolicy, error) {
	switch p := RolePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return AllRoles, nil
	case AllRoles, UserOnly:
		return p, nil
	default:
		return "", fmt.Errorf("unknown role policy %q (want %q or %q)", s, AllRoles, UserOnly)
	}
}

// Allows reports whether a message is eligible. Under UserOnly either the role
// recovered from the content or the stored role must be "user".
func (p RolePolicy) Allows(parsedRole string, storedRole store.Role) bool {
	if p != UserOnly {
		return true
	}
	return parsedRole == string(store.RoleUser) || storedRole == store.RoleUser
}
