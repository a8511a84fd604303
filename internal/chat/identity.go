package chat

import "strings"

// ConnectionID identifies one live transport session.
type ConnectionID string

// Identity is an authenticated user as reported by the identity resolver.
type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// Valid reports whether the identity carries a user id.
func (i Identity) Valid() bool {
	return strings.TrimSpace(i.UserID) != ""
}

// Name returns the display name, falling back to the user id.
func (i Identity) Name() string {
	if name := strings.TrimSpace(i.DisplayName); name != "" {
		return name
	}
	return i.UserID
}

// NormalizeName folds a display name into its lookup key: trimmed and lower-cased,
// so "BOB" and " bob " resolve to the same user.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
