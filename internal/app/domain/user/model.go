package user

import "time"

// Role distinguishes students from platform administrators.
type Role string

const (
	RoleStudent Role = "student"
	RoleAdmin   Role = "admin"
)

// Status marks whether an account may act on the platform.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// User is a platform account. Balance is maintained exclusively by the ledger
// service and always reconciles to the sum of the user's ledger entries.
type User struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Surname       string    `json:"surname"`
	StudentID     string    `json:"student_id"`
	Email         string    `json:"email"`
	Pseudonym     string    `json:"pseudonym,omitempty"`
	Faculty       string    `json:"faculty,omitempty"`
	WalletAddress string    `json:"wallet_address,omitempty"`
	PasswordHash  string    `json:"-"`
	Role          Role      `json:"role"`
	Status        Status    `json:"status"`
	Balance       int64     `json:"balance"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// IsAdmin reports whether the user holds the admin role.
func (u User) IsAdmin() bool { return u.Role == RoleAdmin }

// Actor is the authenticated identity a request acts under. It is passed
// explicitly to services instead of living in ambient framework state.
type Actor struct {
	UserID string
	Role   Role
}

// IsAdmin reports whether the actor holds the admin role.
func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }
