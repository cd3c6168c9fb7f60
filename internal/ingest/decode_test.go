package ingest

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmehdipour/feedback-gateway/internal/model"
)

func newTestDecoder(t *testing.T) *Decoder {
	t.Helper()
	d, err := NewDecoder()
	require.NoError(t, err)
	d.now = func() time.Time { return time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC) }
	return d
}

func TestDecode_FrontendError(t *testing.T) {
	d := newTestDecoder(t)

	in, err := d.Decode([]byte(`{
		"app_id": "shop",
		"environment": "production",
		"event_type": "frontend_error",
		"timestamp": "2025-03-10T11:59:30.250+01:00",
		"route": "/checkout",
		"version": " 1.4.2 ",
		"user": {"id": "u-1", "session_id": "s-9"},
		"attachments": ["s3://bucket/shot.png"],
		"payload": {"error_type": "TypeError", "message": "x is undefined", "stack": "at f (/a.js:1:1)"}
	}`))
	require.NoError(t, err)

	assert.Equal(t, "shop", in.AppID)
	assert.Equal(t, "production", in.Environment)
	assert.Equal(t, model.EventTypeFrontendError, in.Type)
	assert.Equal(t, time.Date(2025, 3, 10, 10, 59, 30, 250_000_000, time.UTC), in.Timestamp)
	assert.Equal(t, "1.4.2", in.Version)
	assert.Equal(t, model.UserRef{ID: "u-1", SessionID: "s-9"}, in.User)
	assert.Equal(t, []string{"s3://bucket/shot.png"}, in.Attachments)
	assert.Equal(t, model.FrontendErrorPayload{
		ErrorType: "TypeError",
		Message:   "x is undefined",
		Stack:     "at f (/a.js:1:1)",
	}, in.Payload)
}

func TestDecode_FeedbackDefaultsTimestamp(t *testing.T) {
	d := newTestDecoder(t)

	in, err := d.Decode([]byte(`{"environment":"staging","event_type":"feedback",
		"payload":{"message":"Search is slow","category":"Performance","severity":"p1"}}`))
	require.NoError(t, err)

	assert.Empty(t, in.AppID)
	assert.Equal(t, d.now(), in.Timestamp)
	fb, ok := in.Payload.(model.FeedbackPayload)
	require.True(t, ok)
	assert.Equal(t, "Search is slow", fb.Message)
	assert.Equal(t, model.Severity("p1"), fb.Severity)
}

func TestDecode_Rejects(t *testing.T) {
	d := newTestDecoder(t)

	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ``},
		{"not json", `{"environment":`},
		{"not an object", `[1,2]`},
		{"missing environment", `{"event_type":"feedback","payload":{"message":"hi"}}`},
		{"unknown type", `{"environment":"prod","event_type":"crash","payload":{}}`},
		{"missing payload", `{"environment":"prod","event_type":"feedback"}`},
		{"feedback without message", `{"environment":"prod","event_type":"feedback","payload":{"category":"ux"}}`},
		{"error without error_type", `{"environment":"prod","event_type":"backend_error","payload":{"message":"boom"}}`},
		{"bad severity", `{"environment":"prod","event_type":"feedback","payload":{"message":"hi","severity":"urgent"}}`},
		{"bad timestamp", `{"environment":"prod","event_type":"feedback","timestamp":"yesterday","payload":{"message":"hi"}}`},
		{"too many attachments", `{"environment":"prod","event_type":"feedback","payload":{"message":"hi"},"attachments":[` +
			strings.TrimSuffix(strings.Repeat(`"a",`, 21), ",") + `]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Decode([]byte(tt.raw))
			assert.ErrorIs(t, err, ErrInvalidEvent)
		})
	}
}

func TestDecode_Oversized(t *testing.T) {
	d := newTestDecoder(t)
	raw := `{"environment":"prod","event_type":"feedback","payload":{"message":"` +
		strings.Repeat("x", MaxEventBytes) + `"}}`

	_, err := d.Decode([]byte(raw))
	assert.ErrorIs(t, err, ErrInvalidEvent)
}
