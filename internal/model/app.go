package model

import "time"

// Owners is consumed read-only; the first PO email is the default assignee.
type Owners struct {
	POEmails []string `json:"po_emails"`
}

// App is a client application that reports events.
type App struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	APIKey           string    `json:"-"`
	Status           string    `json:"status"`           // active|suspended
	RateLimitRPS     *int      `json:"rate_limit_rps"`   // nullable
	RedactionProfile string    `json:"redaction_profile"` // empty: configured default
	Owners           Owners    `json:"owners"`
	CreatedAt        time.Time `json:"created_at"`
}
