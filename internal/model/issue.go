package model

import (
	"strings"
	"time"
)

type Status string

const (
	StatusNew        Status = "new"
	StatusTriaged    Status = "triaged"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusSnoozed    Status = "snoozed"
	StatusResolved   Status = "resolved"
)

func (s Status) String() string { return string(s) }

func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusTriaged, StatusInProgress, StatusBlocked, StatusSnoozed, StatusResolved:
		return true
	}
	return false
}

// ParseStatus normalizes input. Returns (value, true) if valid.
func ParseStatus(s string) (Status, bool) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	return st, st.Valid()
}

type Severity string

const (
	SeverityP0 Severity = "P0"
	SeverityP1 Severity = "P1"
	SeverityP2 Severity = "P2"
	SeverityP3 Severity = "P3"
)

func (s Severity) String() string { return string(s) }

func (s Severity) Valid() bool {
	return s == SeverityP0 || s == SeverityP1 || s == SeverityP2 || s == SeverityP3
}

// ParseSeverity accepts "p1" as well as "P1".
func ParseSeverity(s string) (Severity, bool) {
	sv := Severity(strings.ToUpper(strings.TrimSpace(s)))
	return sv, sv.Valid()
}

type IssueType string

const (
	IssueTypeFeedback      IssueType = "feedback"
	IssueTypeFrontendError IssueType = "frontend_error"
	IssueTypeBackendError  IssueType = "backend_error"
)

type Counts struct {
	OccurrencesTotal  int `json:"occurrences_total"`
	Occurrences24h    int `json:"occurrences_24h"`
	UniqueUsers24hEst int `json:"unique_users_24h_est"`
}

type Routing struct {
	AssignedTo string `json:"assigned_to"`
}

// Issue is the deduplicated aggregate for one underlying problem or feedback item.
type Issue struct {
	ID                 string    `json:"id"`
	AppID              string    `json:"app_id"`
	Environment        string    `json:"environment"`
	Status             Status    `json:"status"`
	Severity           Severity  `json:"severity"`
	Title              string    `json:"title"`
	Description        string    `json:"description"`
	Type               IssueType `json:"issue_type"`
	PrimaryFingerprint *string   `json:"primary_fingerprint"` // nil: not groupable
	EventRefs          []string  `json:"event_refs"`          // append-only
	Counts             Counts    `json:"counts"`
	CreatedAt          time.Time `json:"created_at"`
	LastSeenAt         time.Time `json:"last_seen_at"`
	Routing            *Routing  `json:"routing,omitempty"`
	Tags               []string  `json:"tags,omitempty"`
	Version            int64     `json:"version"`
}

func (i *Issue) Groupable() bool { return i.PrimaryFingerprint != nil }

// Clone returns a deep copy so stores can hand out issues without sharing slices.
func (i *Issue) Clone() *Issue {
	if i == nil {
		return nil
	}
	cp := *i
	if i.PrimaryFingerprint != nil {
		fp := *i.PrimaryFingerprint
		cp.PrimaryFingerprint = &fp
	}
	cp.EventRefs = append([]string(nil), i.EventRefs...)
	cp.Tags = append([]string(nil), i.Tags...)
	if i.Routing != nil {
		r := *i.Routing
		cp.Routing = &r
	}
	return &cp
}

// AppendEvent records one more occurrence. Refs are never reordered or removed.
func (i *Issue) AppendEvent(eventID string) {
	i.EventRefs = append(i.EventRefs, eventID)
	i.Counts.OccurrencesTotal++
}

// IssueInput is what the correlator hands to Store.CreateIssue.
type IssueInput struct {
	AppID              string
	Environment        string
	Status             Status
	Severity           Severity
	Title              string
	Description        string
	Type               IssueType
	PrimaryFingerprint *string
	EventID            string // first entry of EventRefs
	Occurrences24h     int
	UniqueUsers24hEst  int
	CreatedAt          time.Time
	LastSeenAt         time.Time
	Routing            *Routing
	Tags               []string
}

// IssuePatch is a partial update. Nil fields are left untouched; set fields
// overwrite (last write wins), except LastSeenAt which never moves backwards.
// ExpectStatus is a precondition, not a change: the update fails when the
// stored status differs.
type IssuePatch struct {
	ExpectStatus      *Status
	Status            *Status
	Severity          *Severity
	Title             *string
	Description       *string
	AssignedTo        *string // "" clears routing
	Occurrences24h    *int
	UniqueUsers24hEst *int
	LastSeenAt        *time.Time
	Tags              []string
}

func (p IssuePatch) IsZero() bool {
	return p.Status == nil && p.Severity == nil && p.Title == nil && p.Description == nil &&
		p.AssignedTo == nil && p.Occurrences24h == nil && p.UniqueUsers24hEst == nil &&
		p.LastSeenAt == nil && p.Tags == nil
}

// Holds reports whether the patch's precondition is met by i.
func (p IssuePatch) Holds(i *Issue) bool {
	return p.ExpectStatus == nil || *p.ExpectStatus == i.Status
}

// Apply merges the patch into i.
func (p IssuePatch) Apply(i *Issue) {
	if p.Status != nil {
		i.Status = *p.Status
	}
	if p.Severity != nil {
		i.Severity = *p.Severity
	}
	if p.Title != nil {
		i.Title = *p.Title
	}
	if p.Description != nil {
		i.Description = *p.Description
	}
	if p.AssignedTo != nil {
		if *p.AssignedTo == "" {
			i.Routing = nil
		} else {
			i.Routing = &Routing{AssignedTo: *p.AssignedTo}
		}
	}
	if p.Occurrences24h != nil {
		i.Counts.Occurrences24h = *p.Occurrences24h
	}
	if p.UniqueUsers24hEst != nil {
		i.Counts.UniqueUsers24hEst = *p.UniqueUsers24hEst
	}
	if p.LastSeenAt != nil && p.LastSeenAt.After(i.LastSeenAt) {
		i.LastSeenAt = *p.LastSeenAt
	}
	if p.Tags != nil {
		i.Tags = append([]string(nil), p.Tags...)
	}
}

// IssueEventRef is one entry of an issue's event_refs joined with the event
// fields the 24h window recompute needs.
type IssueEventRef struct {
	Seq       int
	EventID   string
	Timestamp time.Time
	UserID    string
	SessionID string
}

// UserKey identifies the reporting user for unique-user estimates. Anonymous
// events fall back to the session; events with neither return "".
func (r IssueEventRef) UserKey() string {
	if r.UserID != "" {
		return "u:" + r.UserID
	}
	if r.SessionID != "" {
		return "s:" + r.SessionID
	}
	return ""
}

// IssueFilter narrows console listings. Empty fields match everything.
type IssueFilter struct {
	AppID       string
	Environment string
	Status      Status
	Limit       int
	Offset      int
}
