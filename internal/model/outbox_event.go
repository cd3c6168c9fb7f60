package model

import "time"

// Outbox topics; Debezium's outbox SMT routes rows by the topic column.
const (
	TopicIssueCreated       = "issue.created"
	TopicIssueAttached      = "issue.attached"
	TopicIssueStatusChanged = "issue.status_changed"
	TopicIssueAssigned      = "issue.assigned"
)

type OutboxEvent struct {
	ID          int64     `db:"id"`
	Aggregate   string    `db:"aggregate"`    // always "issue"
	AggregateID string    `db:"aggregate_id"` // issue.ID
	Topic       string    `db:"topic"`
	Payload     []byte    `db:"payload"`
	CreatedAt   time.Time `db:"created_at"`
}

// IssueChange is the payload published for every issue mutation so that
// notification and audit consumers can react without polling.
type IssueChange struct {
	IssueID          string    `json:"issue_id"`
	AppID            string    `json:"app_id"`
	Environment      string    `json:"environment"`
	Status           Status    `json:"status"`
	PreviousStatus   Status    `json:"previous_status,omitempty"`
	Severity         Severity  `json:"severity"`
	EventID          string    `json:"event_id,omitempty"`
	OccurrencesTotal int       `json:"occurrences_total"`
	AssignedTo       string    `json:"assigned_to,omitempty"`
	At               time.Time `json:"at"`
}

// ChangeOf builds the change payload for the issue's current state.
func ChangeOf(i *Issue, at time.Time) IssueChange {
	c := IssueChange{
		IssueID:          i.ID,
		AppID:            i.AppID,
		Environment:      i.Environment,
		Status:           i.Status,
		Severity:         i.Severity,
		OccurrencesTotal: i.Counts.OccurrencesTotal,
		At:               at,
	}
	if i.Routing != nil {
		c.AssignedTo = i.Routing.AssignedTo
	}
	return c
}
