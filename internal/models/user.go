package models

import (
	"fmt"
	"strings"
)

// Role decides both billing rules and which mutations a caller may perform.
type Role uint8

const (
	RoleStudent Role = iota + 1
	RoleGuest
	RoleAdmin
	RoleWorker
)

var roleNames = map[Role]string{
	RoleStudent: "student",
	RoleGuest:   "guest",
	RoleAdmin:   "admin",
	RoleWorker:  "worker",
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Role(%d)", uint8(r))
}

func (r Role) Valid() bool {
	_, ok := roleNames[r]
	return ok
}

// IsStaff reports whether the role operates the lot rather than parks in it.
func (r Role) IsStaff() bool {
	return r == RoleAdmin || r == RoleWorker
}

func ParseRole(raw string) (Role, error) {
	needle := strings.ToLower(strings.TrimSpace(raw))
	for role, name := range roleNames {
		if name == needle {
			return role, nil
		}
	}
	return 0, fmt.Errorf("unknown role %q", raw)
}

func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("invalid role %d", uint8(r))
	}
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(text []byte) error {
	parsed, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Actor is the authenticated caller of a mutating operation.
type Actor struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
	Role   Role   `json:"role"`
}

// SystemActor is used by seeding and background jobs.
var SystemActor = Actor{UserID: "system", Role: RoleAdmin}
