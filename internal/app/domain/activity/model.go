package activity

import "time"

// Status is the lifecycle state of an activity.
type Status string

const (
	StatusOpen      Status = "open"
	StatusClosed    Status = "closed"
	StatusCompleted Status = "completed"
)

// Activity is an organized event students earn tokens for attending. The
// reward amount becomes immutable once minting has begun for the activity.
type Activity struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	Tokens          int64     `json:"tokens"`
	Date            time.Time `json:"date"`
	Location        string    `json:"location"`
	Status          Status    `json:"status"`
	MaxParticipants *int      `json:"max_participants,omitempty"`
	CreatedBy       string    `json:"created_by"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// RegistrationStatus is the review state of a participation request.
type RegistrationStatus string

const (
	RegistrationRegistered RegistrationStatus = "registered"
	RegistrationConfirmed  RegistrationStatus = "confirmed"
	RegistrationRejected   RegistrationStatus = "rejected"
)

// Registration links a user to an activity. A confirmed registration is the
// precondition for minting the activity reward to that user.
type Registration struct {
	ID         string             `json:"id"`
	UserID     string             `json:"user_id"`
	ActivityID string             `json:"activity_id"`
	Status     RegistrationStatus `json:"status"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// Participant is a registration joined with the registrant's user details,
// returned to admins reviewing an activity.
type Participant struct {
	RegistrationID     string             `json:"registration_id"`
	RegistrationStatus RegistrationStatus `json:"registration_status"`
	UserID             string             `json:"user_id"`
	Name               string             `json:"name"`
	Surname            string             `json:"surname"`
	StudentID          string             `json:"student_id"`
	Pseudonym          string             `json:"pseudonym,omitempty"`
	Email              string             `json:"email"`
	Faculty            string             `json:"faculty,omitempty"`
	WalletAddress      string             `json:"wallet_address,omitempty"`
}
