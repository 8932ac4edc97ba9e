package model

import "time"

// RefillPolicy is the server-configured auto refill policy (read only).
type RefillPolicy struct {
	IntervalSeconds int64  `json:"interval"`
	Amount          int    `json:"amount"`
	MaxCredits      int    `json:"maxCredits"`
	Enabled         bool   `json:"enabled"`
	Description     string `json:"description"`
}

func (p RefillPolicy) Interval() time.Duration {
	return time.Duration(p.IntervalSeconds) * time.Second
}

// RefillAnalytics summarizes refills issued by the server.
type RefillAnalytics struct {
	TotalRefills        int        `json:"totalRefills"`
	TotalCreditsGranted int        `json:"totalCreditsGranted"`
	UsersRefilled       int        `json:"usersRefilled"`
	LastRunAt           *time.Time `json:"lastRunAt,omitempty"`
	NextRunAt           *time.Time `json:"nextRunAt,omitempty"`
}

// RefillStatus is the per-user refill state.
type RefillStatus struct {
	UserID            string     `json:"userId"`
	CurrentCredits    int        `json:"currentCredits"`
	MaxCredits        int        `json:"maxCredits"`
	EligibleForRefill bool       `json:"eligibleForRefill"`
	LastRefillAt      *time.Time `json:"lastRefillAt,omitempty"`
	NextRefillAt      *time.Time `json:"nextRefillAt,omitempty"`
}
