package identity

import (
	"time"

	"escrowflow/compliance"
)

type Role string

const (
	RoleUser    Role = compliance.RoleUser
	RoleAdmin   Role = compliance.RoleAdmin
	RoleAdvisor Role = compliance.RoleAdvisor
)

// User is the domain representation of an account. It mirrors the users table
// and carries no JSON annotations so presentation layers can shape it freely.
type User struct {
	ID               string
	Email            string
	FullName         string
	PasswordHash     string
	Phone            *string
	Role             Role
	IdentityVerified bool
	KYCVerified      bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Flags projects the user onto the facts the compliance gate needs.
func (u User) Flags() compliance.Flags {
	return compliance.Flags{
		IdentityVerified: u.IdentityVerified,
		KYCVerified:      u.KYCVerified,
		Role:             string(u.Role),
	}
}

// RegisterRequest contains user registration data supplied by callers.
type RegisterRequest struct {
	Email    string  `json:"email"`
	Password string  `json:"password"`
	FullName string  `json:"full_name"`
	Phone    *string `json:"phone,omitempty"`
	Role     Role    `json:"role"`
}

// LoginRequest contains user login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// VerificationUpdate changes verification flags; nil fields are left untouched.
type VerificationUpdate struct {
	IdentityVerified *bool `json:"identity_verified,omitempty"`
	KYCVerified      *bool `json:"kyc_verified,omitempty"`
}
