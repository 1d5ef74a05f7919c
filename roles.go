package guard

import "strings"

// Role is a named authorization grant.
type Role string

const (
	// RoleNone means only authentication is required.
	RoleNone Role = ""
	// RoleAdmin manages market data and users.
	RoleAdmin Role = "admin"
	// RoleFarmer reads market rates, weather and advice.
	RoleFarmer Role = "farmer"
)

// IsValid checks if the role is one of the predefined roles
func (r Role) IsValid() bool {
	switch r {
	case RoleAdmin, RoleFarmer:
		return true
	default:
		return false
	}
}

func (r Role) String() string {
	return string(r)
}

// GetAllRoles returns the predefined roles in landing priority order
func GetAllRoles() []Role {
	return []Role{
		RoleAdmin,
		RoleFarmer,
	}
}

// ParseRole safely parses a string into a Role
func ParseRole(s string) (Role, bool) {
	role := Role(strings.ToLower(strings.TrimSpace(s)))
	return role, role.IsValid()
}

// RoleAssignment grants Role to SubjectID.
type RoleAssignment struct {
	SubjectID string `json:"subject_id"`
	Role      Role   `json:"role"`
}
