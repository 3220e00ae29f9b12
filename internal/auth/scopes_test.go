package auth

import "testing"

func TestValidateScopes(t *testing.T) {
	tests := []struct {
		name    string
		scopes  []string
		wantErr bool
	}{
		{"empty list", []string{}, false},
		{"single valid scope", []string{"plugins:read"}, false},
		{"multiple valid scopes", []string{"plugins:write", "servers:install", "admin"}, false},
		{"invalid scope", []string{"modules:read"}, true},
		{"mixed valid and invalid", []string{"plugins:read", "invalid"}, true},
		{"empty string scope", []string{""}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateScopes(tt.scopes)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateScopes(%v) error = %v, wantErr %v", tt.scopes, err, tt.wantErr)
			}
		})
	}
}

func TestHasScope(t *testing.T) {
	tests := []struct {
		name       string
		userScopes []string
		required   Scope
		want       bool
	}{
		{"exact match", []string{"plugins:read"}, ScopePluginsRead, true},
		{"admin grants plugins:write", []string{"admin"}, ScopePluginsWrite, true},
		{"admin grants servers:manage", []string{"admin"}, ScopeServersManage, true},
		{"plugins:write implies plugins:read", []string{"plugins:write"}, ScopePluginsRead, true},
		{"servers:manage implies servers:install", []string{"servers:manage"}, ScopeServersInstall, true},
		{"servers:manage implies servers:read", []string{"servers:manage"}, ScopeServersRead, true},
		{"servers:install implies servers:read", []string{"servers:install"}, ScopeServersRead, true},
		{"users:write implies users:read", []string{"users:write"}, ScopeUsersRead, true},
		{"install does not imply manage", []string{"servers:install"}, ScopeServersManage, false},
		{"plugins:write does not imply servers:read", []string{"plugins:write"}, ScopeServersRead, false},
		{"read does not imply write", []string{"plugins:read"}, ScopePluginsWrite, false},
		{"no scopes", []string{}, ScopePluginsRead, false},
		{"one of many matches", []string{"audit:read", "plugins:read"}, ScopePluginsRead, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HasScope(tt.userScopes, tt.required); got != tt.want {
				t.Errorf("HasScope(%v, %q) = %v, want %v", tt.userScopes, tt.required, got, tt.want)
			}
		})
	}
}

func TestHasAnyAndAllScopes(t *testing.T) {
	held := []string{"plugins:write", "audit:read"}
	if !HasAnyScope(held, []Scope{ScopeServersManage, ScopeAuditRead}) {
		t.Error("HasAnyScope() = false, want true")
	}
	if HasAnyScope(held, []Scope{ScopeServersManage, ScopeUsersRead}) {
		t.Error("HasAnyScope() = true, want false")
	}
	if !HasAllScopes(held, []Scope{ScopePluginsRead, ScopeAuditRead}) {
		t.Error("HasAllScopes() = false, want true")
	}
	if HasAllScopes(held, []Scope{ScopePluginsRead, ScopeUsersRead}) {
		t.Error("HasAllScopes() = true, want false")
	}
	if !HasAllScopes(nil, nil) {
		t.Error("HasAllScopes(nil, nil) = false, want true")
	}
}

func TestRoleScopes(t *testing.T) {
	tests := []struct {
		role    string
		can     []Scope
		cannot  []Scope
		wantLen int
	}{
		{"admin", []Scope{ScopeUsersWrite, ScopeServersManage, ScopeAuditRead}, nil, 1},
		{"publisher", []Scope{ScopePluginsWrite, ScopePluginsRead, ScopeServersInstall, ScopeServersRead, ScopeAPIKeysManage}, []Scope{ScopeServersManage, ScopeUsersRead}, 3},
		{"viewer", []Scope{ScopePluginsRead, ScopeServersRead}, []Scope{ScopePluginsWrite, ScopeServersInstall}, 2},
		{"unknown", nil, []Scope{ScopePluginsRead}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			scopes := RoleScopes(tt.role)
			if len(scopes) != tt.wantLen {
				t.Errorf("RoleScopes(%q) = %v", tt.role, scopes)
			}
			for _, s := range tt.can {
				if !HasScope(scopes, s) {
					t.Errorf("%s should hold %s", tt.role, s)
				}
			}
			for _, s := range tt.cannot {
				if HasScope(scopes, s) {
					t.Errorf("%s should not hold %s", tt.role, s)
				}
			}
		})
	}
}

func TestScopesWithin(t *testing.T) {
	publisher := RoleScopes("publisher")
	if !ScopesWithin([]string{"plugins:read", "plugins:write"}, publisher) {
		t.Error("publisher should be able to mint plugin keys")
	}
	if ScopesWithin([]string{"admin"}, publisher) {
		t.Error("publisher must not mint an admin key")
	}
}

func TestAllScopesUnique(t *testing.T) {
	seen := make(map[Scope]bool)
	for _, s := range AllScopes() {
		if seen[s] {
			t.Errorf("duplicate scope %q", s)
		}
		seen[s] = true
	}
}
