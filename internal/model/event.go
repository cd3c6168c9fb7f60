package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type EventType string

const (
	EventTypeFeedback      EventType = "feedback"
	EventTypeFrontendError EventType = "frontend_error"
	EventTypeBackendError  EventType = "backend_error"
)

func (t EventType) String() string { return string(t) }

func (t EventType) Valid() bool {
	return t == EventTypeFeedback || t == EventTypeFrontendError || t == EventTypeBackendError
}

// ParseEventType normalizes input. Returns (value, true) if valid.
func ParseEventType(s string) (EventType, bool) {
	t := EventType(strings.ToLower(strings.TrimSpace(s)))
	return t, t.Valid()
}

// Payload is the type-tagged body of an event: FeedbackPayload,
// FrontendErrorPayload or BackendErrorPayload.
type Payload interface {
	EventType() EventType
}

type FeedbackPayload struct {
	Message      string         `json:"message"`
	Category     string         `json:"category,omitempty"`
	Severity     Severity       `json:"severity,omitempty"` // optional hint from the reporter
	ContactEmail string         `json:"contact_email,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
}

func (FeedbackPayload) EventType() EventType { return EventTypeFeedback }

type FrontendErrorPayload struct {
	ErrorType      string         `json:"error_type"`
	Message        string         `json:"message"`
	Stack          string         `json:"stack,omitempty"`
	ComponentStack string         `json:"component_stack,omitempty"`
	UserAgent      string         `json:"user_agent,omitempty"`
	Extra          map[string]any `json:"extra,omitempty"`
}

func (FrontendErrorPayload) EventType() EventType { return EventTypeFrontendError }

type BackendErrorPayload struct {
	ErrorType  string         `json:"error_type"`
	Message    string         `json:"message"`
	Stack      string         `json:"stack,omitempty"`
	Service    string         `json:"service,omitempty"`
	Endpoint   string         `json:"endpoint,omitempty"`
	StatusCode int            `json:"status_code,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

func (BackendErrorPayload) EventType() EventType { return EventTypeBackendError }

// DecodePayload parses raw JSON into the payload variant selected by t.
func DecodePayload(t EventType, raw []byte) (Payload, error) {
	switch t {
	case EventTypeFeedback:
		var p FeedbackPayload
		if err := unmarshalPayload(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case EventTypeFrontendError:
		var p FrontendErrorPayload
		if err := unmarshalPayload(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case EventTypeBackendError:
		var p BackendErrorPayload
		if err := unmarshalPayload(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
}

func unmarshalPayload(raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// UserRef identifies who triggered an event. Anonymous users have an empty ID.
type UserRef struct {
	ID        string `json:"id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

func (u UserRef) Anonymous() bool { return strings.TrimSpace(u.ID) == "" }

// Event is immutable once persisted.
type Event struct {
	ID          string
	AppID       string
	Environment string
	Type        EventType
	Timestamp   time.Time
	Route       string
	Version     string
	User        UserRef
	Payload     Payload
	TraceID     string
	Fingerprint string   // optional client-supplied grouping key
	Attachments []string // attachment references
}

// EventInput is what the ingestion edge hands to the correlator; the store
// assigns the ID.
type EventInput struct {
	AppID       string
	Environment string
	Type        EventType
	Timestamp   time.Time
	Route       string
	Version     string
	User        UserRef
	Payload     Payload
	TraceID     string
	Fingerprint string
	Attachments []string
}
