package billing

import "time"

// Tier is a subscription level. It determines how long an unlock session
// lasts once a component has been paid for.
type Tier string

const (
	TierFree  Tier = "free"
	TierPro   Tier = "pro"
	TierElite Tier = "elite"
)

// Component is a billable dashboard feature.
type Component string

const (
	ComponentSentiment        Component = "sentiment"
	ComponentEarnings         Component = "earnings"
	ComponentSECInsider       Component = "sec_insider"
	ComponentSECInstitutional Component = "sec_institutional"
)

// Session status values
const (
	StatusActive  = "active"
	StatusExpired = "expired"
)

// Account is a user's prepaid credit balance.
type Account struct {
	UserID    string    `json:"userId"`
	Balance   int64     `json:"balance"`
	Tier      Tier      `json:"tier"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Session is a time-bounded unlock of one component for one user. At most
// one active session exists per (user, component) at any time; that
// uniqueness is what prevents double charges across devices.
type Session struct {
	SessionID   string    `json:"sessionId"`
	UserID      string    `json:"userId"`
	Component   Component `json:"component"`
	CreditsUsed int64     `json:"creditsUsed"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
	Status      string    `json:"status"`
}

// UnlockStatus tags the outcome of an unlock attempt.
type UnlockStatus int

const (
	// UnlockCreated means credits were debited and a new session inserted.
	UnlockCreated UnlockStatus = iota
	// UnlockAlreadyActive means another request won the insert race; the
	// attempt was rolled back (no debit) and the winner's session adopted.
	UnlockAlreadyActive
)

// UnlockOutcome is the tagged result of Store.BeginUnlock. Losing the
// session-insert race is a normal outcome, not an error.
type UnlockOutcome struct {
	Status  UnlockStatus
	Session *Session
}
