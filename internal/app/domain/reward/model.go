package reward

import "time"

// Status marks whether a reward can currently be purchased.
type Status string

const (
	StatusAvailable   Status = "available"
	StatusUnavailable Status = "unavailable"
)

// Reward is a catalog item students redeem tokens for. A nil Quantity means
// unlimited stock; a tracked quantity never goes negative.
type Reward struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	TokenCost   int64     `json:"token_cost"`
	Quantity    *int      `json:"quantity,omitempty"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
