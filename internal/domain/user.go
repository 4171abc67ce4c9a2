// Package domain contains entity without logic, just meta-data
package domain

type UserID string

type Role string

const (
	RoleUser       Role = "USER"
	RoleAdmin      Role = "ADMIN"
	RoleSuperAdmin Role = "SUPER_ADMIN"
)

// AdminRoles is the audience of role-targeted notifications when no role is given.
var AdminRoles = []Role{RoleAdmin, RoleSuperAdmin}

type User struct {
	ID    UserID `json:"id" yaml:"id"`
	Email string `json:"email" yaml:"email"`
	Name  string `json:"name" yaml:"name"`
	Role  Role   `json:"role" yaml:"role"`
}

// Identity is what a connection is bound to after authentication.
// It never changes for the lifetime of the connection.
type Identity struct {
	UserID UserID `json:"id"`
	Email  string `json:"email"`
	Name   string `json:"name"`
	Role   Role   `json:"role"`
}

func IdentityOf(u *User) Identity {
	return Identity{UserID: u.ID, Email: u.Email, Name: u.Name, Role: u.Role}
}

func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin || i.Role == RoleSuperAdmin
}
