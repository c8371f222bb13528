package domain

import "fmt"

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleClient Role = "client"
)

func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleClient
}

// Identity is the authenticated principal behind a live connection.
type Identity struct {
	UserID   string
	Username string
	Role     Role
}

// UserGroup names the multicast group holding every connection of a user.
func UserGroup(userID string) string {
	return fmt.Sprintf("user:%s", userID)
}

// RoleGroup names the multicast group holding every connection of a role.
func RoleGroup(role Role) string {
	return fmt.Sprintf("role:%s", role)
}
