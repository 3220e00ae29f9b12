package auth

import (
	"fmt"
)

// Scope is a permission attached to an API key or session
type Scope string

const (
	ScopePluginsRead  Scope = "plugins:read"
	ScopePluginsWrite Scope = "plugins:write"

	// Registered WordPress servers
	ScopeServersRead    Scope = "servers:read"
	ScopeServersManage  Scope = "servers:manage"  // create, delete, reveal keys
	ScopeServersInstall Scope = "servers:install" // proxy installs and checks

	ScopeUsersRead  Scope = "users:read"
	ScopeUsersWrite Scope = "users:write"

	ScopeAPIKeysManage Scope = "api_keys:manage"

	ScopeAuditRead Scope = "audit:read"

	// ScopeAdmin grants every other scope
	ScopeAdmin Scope = "admin"
)

// implied lists, for a held scope, the weaker scopes it also grants
var implied = map[Scope][]Scope{
	ScopePluginsWrite:   {ScopePluginsRead},
	ScopeServersManage:  {ScopeServersRead, ScopeServersInstall},
	ScopeServersInstall: {ScopeServersRead},
	ScopeUsersWrite:     {ScopeUsersRead},
}

// AllScopes returns all valid scopes
func AllScopes() []Scope {
	return []Scope{
		ScopePluginsRead,
		ScopePluginsWrite,
		ScopeServersRead,
		ScopeServersManage,
		ScopeServersInstall,
		ScopeUsersRead,
		ScopeUsersWrite,
		ScopeAPIKeysManage,
		ScopeAuditRead,
		ScopeAdmin,
	}
}

// ValidScopes returns a set of valid scope strings
func ValidScopes() map[string]bool {
	valid := make(map[string]bool)
	for _, scope := range AllScopes() {
		valid[string(scope)] = true
	}
	return valid
}

// ValidateScopes checks if all provided scopes are valid
func ValidateScopes(scopes []string) error {
	valid := ValidScopes()
	for _, scope := range scopes {
		if !valid[scope] {
			return fmt.Errorf("invalid scope: %s", scope)
		}
	}
	return nil
}

func grants(held Scope, required Scope) bool {
	if held == required || held == ScopeAdmin {
		return true
	}
	for _, s := range implied[held] {
		if grants(s, required) {
			return true
		}
	}
	return false
}

// HasScope reports whether userScopes grant required, directly, through the
// admin wildcard, or through a stronger scope of the same resource.
func HasScope(userScopes []string, required Scope) bool {
	for _, scope := range userScopes {
		if grants(Scope(scope), required) {
			return true
		}
	}
	return false
}

// HasAnyScope checks if a user has at least one of the required scopes
func HasAnyScope(userScopes []string, requiredScopes []Scope) bool {
	for _, required := range requiredScopes {
		if HasScope(userScopes, required) {
			return true
		}
	}
	return false
}

// HasAllScopes checks if a user has all of the required scopes
func HasAllScopes(userScopes []string, requiredScopes []Scope) bool {
	for _, required := range requiredScopes {
		if !HasScope(userScopes, required) {
			return false
		}
	}
	return true
}

// GetDefaultScopes returns the scopes given to a new API key when none are requested
func GetDefaultScopes() []string {
	return []string{string(ScopePluginsRead)}
}

// RoleScopes returns the scopes a user role carries. Unknown roles get none.
func RoleScopes(role string) []string {
	var scopes []Scope
	switch role {
	case "admin":
		scopes = []Scope{ScopeAdmin}
	case "publisher":
		scopes = []Scope{ScopePluginsWrite, ScopeServersInstall, ScopeAPIKeysManage}
	case "viewer":
		scopes = []Scope{ScopePluginsRead, ScopeServersRead}
	}
	out := make([]string, len(scopes))
	for i, s := range scopes {
		out[i] = string(s)
	}
	return out
}

// ScopesWithin reports whether every requested scope is already granted by
// held. Used so a user cannot mint an API key stronger than their role.
func ScopesWithin(requested, held []string) bool {
	for _, r := range requested {
		if !HasScope(held, Scope(r)) {
			return false
		}
	}
	return true
}
