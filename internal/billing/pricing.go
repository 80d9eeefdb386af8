package billing

import "time"

// TTLPolicy is how long fetched data stays fresh and how long after that it
// may still be served while a refresh runs.
type TTLPolicy struct {
	TTL      time.Duration
	StaleTTL time.Duration
}

// Pricing and freshness tables. These are pure configuration: lookup
// structures rather than conditionals, so the policy stays auditable and
// testable apart from the coordination logic.
var (
	// sessionDurations maps a subscription tier to its unlock window.
	sessionDurations = map[Tier]time.Duration{
		TierFree:  30 * time.Minute,
		TierPro:   2 * time.Hour,
		TierElite: 8 * time.Hour,
	}

	// componentCosts maps a billable component to its credit cost per unlock.
	componentCosts = map[Component]int64{
		ComponentSentiment:        1,
		ComponentEarnings:         2,
		ComponentSECInsider:       3,
		ComponentSECInstitutional: 5,
	}

	// dataTTLs maps a component to the freshness policy of its cached data.
	dataTTLs = map[Component]TTLPolicy{
		ComponentSentiment:        {TTL: 30 * time.Minute, StaleTTL: time.Hour},
		ComponentEarnings:         {TTL: time.Hour, StaleTTL: 2 * time.Hour},
		ComponentSECInsider:       {TTL: 2 * time.Hour, StaleTTL: 4 * time.Hour},
		ComponentSECInstitutional: {TTL: 6 * time.Hour, StaleTTL: 12 * time.Hour},
	}
)

const (
	defaultSessionDuration = 30 * time.Minute
	defaultComponentCost   = 1
	defaultTTL             = 30 * time.Minute
	defaultStaleTTL        = time.Hour
)

// SessionDuration returns the unlock window for a tier.
func SessionDuration(tier Tier) time.Duration {
	if d, ok := sessionDurations[tier]; ok {
		return d
	}
	return defaultSessionDuration
}

// ComponentCost returns the credit cost of unlocking a component.
func ComponentCost(component Component) int64 {
	if c, ok := componentCosts[component]; ok {
		return c
	}
	return defaultComponentCost
}

// DataTTL returns the cache freshness policy for a component.
func DataTTL(component Component) TTLPolicy {
	if p, ok := dataTTLs[component]; ok {
		return p
	}
	return TTLPolicy{TTL: defaultTTL, StaleTTL: defaultStaleTTL}
}
