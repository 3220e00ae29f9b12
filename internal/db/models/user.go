package models

import "time"

// Catalog roles, from most to least privileged.
const (
	RoleAdmin     = "admin"
	RolePublisher = "publisher"
	RoleViewer    = "viewer"
)

// User is an operator account, created on first OIDC login or by bootstrap.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	OIDCSub   *string   `json:"oidc_sub,omitempty"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ValidRole reports whether role is one of the catalog roles.
func ValidRole(role string) bool {
	switch role {
	case RoleAdmin, RolePublisher, RoleViewer:
		return true
	}
	return false
}
