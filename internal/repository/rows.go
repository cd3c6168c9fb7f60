package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmehdipour/feedback-gateway/internal/model"
)

// Timestamps are stored as unix milliseconds so the same schema works on
// every dialect.
func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func encodeList(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeList(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

type appRow struct {
	ID               string        `db:"id"`
	Name             string        `db:"name"`
	APIKey           string        `db:"api_key"`
	Status           string        `db:"status"`
	RateLimitRPS     sql.NullInt64 `db:"rate_limit_rps"`
	RedactionProfile string        `db:"redaction_profile"`
	POEmails         string        `db:"po_emails"`
	CreatedAt        int64         `db:"created_at"`
}

const appColumns = `id, name, api_key, status, rate_limit_rps, redaction_profile, po_emails, created_at`

func (r appRow) toModel() (*model.App, error) {
	emails, err := decodeList(r.POEmails)
	if err != nil {
		return nil, fmt.Errorf("decode po_emails of app %s: %w", r.ID, err)
	}
	a := &model.App{
		ID:               r.ID,
		Name:             r.Name,
		APIKey:           r.APIKey,
		Status:           r.Status,
		RedactionProfile: r.RedactionProfile,
		Owners:           model.Owners{POEmails: emails},
		CreatedAt:        fromMillis(r.CreatedAt),
	}
	if r.RateLimitRPS.Valid {
		v := int(r.RateLimitRPS.Int64)
		a.RateLimitRPS = &v
	}
	return a, nil
}

type eventRow struct {
	ID          string `db:"id"`
	AppID       string `db:"app_id"`
	Environment string `db:"environment"`
	EventType   string `db:"event_type"`
	TS          int64  `db:"ts"`
	Route       string `db:"route"`
	Version     string `db:"version"`
	UserID      string `db:"user_id"`
	SessionID   string `db:"session_id"`
	Payload     string `db:"payload"`
	TraceID     string `db:"trace_id"`
	Fingerprint string `db:"fingerprint"`
	Attachments string `db:"attachments"`
	CreatedAt   int64  `db:"created_at"`
}

const eventColumns = `id, app_id, environment, event_type, ts, route, version, user_id, session_id,
	payload, trace_id, fingerprint, attachments, created_at`

func newEventRow(id string, in model.EventInput, now time.Time) (eventRow, error) {
	payload := []byte("null")
	if in.Payload != nil {
		b, err := json.Marshal(in.Payload)
		if err != nil {
			return eventRow{}, fmt.Errorf("encode payload: %w", err)
		}
		payload = b
	}
	attachments, err := encodeList(in.Attachments)
	if err != nil {
		return eventRow{}, fmt.Errorf("encode attachments: %w", err)
	}
	return eventRow{
		ID:          id,
		AppID:       in.AppID,
		Environment: in.Environment,
		EventType:   in.Type.String(),
		TS:          toMillis(in.Timestamp),
		Route:       in.Route,
		Version:     in.Version,
		UserID:      in.User.ID,
		SessionID:   in.User.SessionID,
		Payload:     string(payload),
		TraceID:     in.TraceID,
		Fingerprint: in.Fingerprint,
		Attachments: attachments,
		CreatedAt:   toMillis(now),
	}, nil
}

func (r eventRow) toModel() (*model.Event, error) {
	t := model.EventType(r.EventType)
	var payload model.Payload
	if r.Payload != "" && r.Payload != "null" {
		p, err := model.DecodePayload(t, []byte(r.Payload))
		if err != nil {
			return nil, fmt.Errorf("event %s: %w", r.ID, err)
		}
		payload = p
	}
	attachments, err := decodeList(r.Attachments)
	if err != nil {
		return nil, fmt.Errorf("decode attachments of event %s: %w", r.ID, err)
	}
	return &model.Event{
		ID:          r.ID,
		AppID:       r.AppID,
		Environment: r.Environment,
		Type:        t,
		Timestamp:   fromMillis(r.TS),
		Route:       r.Route,
		Version:     r.Version,
		User:        model.UserRef{ID: r.UserID, SessionID: r.SessionID},
		Payload:     payload,
		TraceID:     r.TraceID,
		Fingerprint: r.Fingerprint,
		Attachments: attachments,
	}, nil
}

type issueRow struct {
	ID                 string         `db:"id"`
	AppID              string         `db:"app_id"`
	Environment        string         `db:"environment"`
	Status             string         `db:"status"`
	Severity           string         `db:"severity"`
	Title              string         `db:"title"`
	Description        string         `db:"description"`
	IssueType          string         `db:"issue_type"`
	PrimaryFingerprint sql.NullString `db:"primary_fingerprint"`
	OccurrencesTotal   int            `db:"occurrences_total"`
	Occurrences24h     int            `db:"occurrences_24h"`
	UniqueUsers24hEst  int            `db:"unique_users_24h_est"`
	CreatedAt          int64          `db:"created_at"`
	LastSeenAt         int64          `db:"last_seen_at"`
	AssignedTo         sql.NullString `db:"assigned_to"`
	Tags               string         `db:"tags"`
	Version            int64          `db:"version"`
}

const issueColumns = `id, app_id, environment, status, severity, title, description, issue_type,
	primary_fingerprint, occurrences_total, occurrences_24h, unique_users_24h_est,
	created_at, last_seen_at, assigned_to, tags, version`

func (r issueRow) toModel(refs []string) (*model.Issue, error) {
	tags, err := decodeList(r.Tags)
	if err != nil {
		return nil, fmt.Errorf("decode tags of issue %s: %w", r.ID, err)
	}
	i := &model.Issue{
		ID:          r.ID,
		AppID:       r.AppID,
		Environment: r.Environment,
		Status:      model.Status(r.Status),
		Severity:    model.Severity(r.Severity),
		Title:       r.Title,
		Description: r.Description,
		Type:        model.IssueType(r.IssueType),
		EventRefs:   refs,
		Counts: model.Counts{
			OccurrencesTotal:  r.OccurrencesTotal,
			Occurrences24h:    r.Occurrences24h,
			UniqueUsers24hEst: r.UniqueUsers24hEst,
		},
		CreatedAt:  fromMillis(r.CreatedAt),
		LastSeenAt: fromMillis(r.LastSeenAt),
		Tags:       tags,
		Version:    r.Version,
	}
	if r.PrimaryFingerprint.Valid {
		fp := r.PrimaryFingerprint.String
		i.PrimaryFingerprint = &fp
	}
	if r.AssignedTo.Valid && r.AssignedTo.String != "" {
		i.Routing = &model.Routing{AssignedTo: r.AssignedTo.String}
	}
	return i, nil
}

type issueEventRow struct {
	IssueID   string `db:"issue_id"`
	Seq       int    `db:"seq"`
	EventID   string `db:"event_id"`
	EventTS   int64  `db:"event_ts"`
	UserID    string `db:"user_id"`
	SessionID string `db:"session_id"`
}

func (r issueEventRow) toModel() model.IssueEventRef {
	return model.IssueEventRef{
		Seq:       r.Seq,
		EventID:   r.EventID,
		Timestamp: fromMillis(r.EventTS),
		UserID:    r.UserID,
		SessionID: r.SessionID,
	}
}
