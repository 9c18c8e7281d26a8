package types

import "strings"

// Principal is the authenticated caller of a read operation. A zero-value
// Principal is the anonymous user.
type Principal struct {
	ID          string
	TenantAlias string
	Admin       bool
}

// Anonymous reports whether the principal is unauthenticated.
func (p Principal) Anonymous() bool {
	return p.ID == ""
}

// IsUserID reports whether a resource id names a user principal.
func IsUserID(resourceID string) bool {
	return strings.HasPrefix(resourceID, "u:")
}

// IsGroupID reports whether a resource id names a group principal.
func IsGroupID(resourceID string) bool {
	return strings.HasPrefix(resourceID, "g:")
}

// IsEmailAddress reports whether a recipient id is a raw email address
// rather than a principal id (invitation flows).
func IsEmailAddress(recipientID string) bool {
	return strings.ContainsRune(recipientID, '@')
}
