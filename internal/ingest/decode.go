// Package ingest validates raw event JSON against the embedded schema and
// turns it into a model.EventInput for the correlator.
package ingest

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/jmehdipour/feedback-gateway/internal/model"
)

// ErrInvalidEvent wraps every rejection: malformed JSON, schema violations
// and unparsable timestamps.
var ErrInvalidEvent = errors.New("invalid event")

// MaxEventBytes bounds a single raw event.
const MaxEventBytes = 256 << 10

const schemaURL = "https://feedback-gateway.local/schemas/event.schema.json"

//go:embed event.schema.json
var eventSchema []byte

type envelope struct {
	AppID       string          `json:"app_id"`
	Environment string          `json:"environment"`
	EventType   string          `json:"event_type"`
	Timestamp   string          `json:"timestamp"`
	Route       string          `json:"route"`
	Version     string          `json:"version"`
	TraceID     string          `json:"trace_id"`
	Fingerprint string          `json:"fingerprint"`
	User        model.UserRef   `json:"user"`
	Attachments []string        `json:"attachments"`
	Payload     json.RawMessage `json:"payload"`
}

// Decoder is safe for concurrent use once built.
type Decoder struct {
	schema *jsonschema.Schema
	now    func() time.Time
}

func NewDecoder() (*Decoder, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(eventSchema))
	if err != nil {
		return nil, fmt.Errorf("parse event schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("add event schema: %w", err)
	}
	sch, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile event schema: %w", err)
	}
	return &Decoder{schema: sch, now: time.Now}, nil
}

// MustNewDecoder panics if the embedded schema does not compile.
func MustNewDecoder() *Decoder {
	d, err := NewDecoder()
	if err != nil {
		panic(err)
	}
	return d
}

// Decode validates raw and builds the input. A missing timestamp means "now";
// a missing app_id is left empty for the caller to fill from its own auth.
func (d *Decoder) Decode(raw []byte) (model.EventInput, error) {
	if len(raw) == 0 {
		return model.EventInput{}, fmt.Errorf("%w: empty body", ErrInvalidEvent)
	}
	if len(raw) > MaxEventBytes {
		return model.EventInput{}, fmt.Errorf("%w: event exceeds %d bytes", ErrInvalidEvent, MaxEventBytes)
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return model.EventInput{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := d.schema.Validate(inst); err != nil {
		return model.EventInput{}, fmt.Errorf("%w: %s", ErrInvalidEvent, violation(err))
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return model.EventInput{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	typ, ok := model.ParseEventType(env.EventType)
	if !ok {
		return model.EventInput{}, fmt.Errorf("%w: unknown event_type %q", ErrInvalidEvent, env.EventType)
	}
	payload, err := model.DecodePayload(typ, env.Payload)
	if err != nil {
		return model.EventInput{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	ts := d.now().UTC()
	if s := strings.TrimSpace(env.Timestamp); s != "" {
		ts, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return model.EventInput{}, fmt.Errorf("%w: timestamp: %v", ErrInvalidEvent, err)
		}
		ts = ts.UTC()
	}

	return model.EventInput{
		AppID:       strings.TrimSpace(env.AppID),
		Environment: strings.TrimSpace(env.Environment),
		Type:        typ,
		Timestamp:   ts,
		Route:       env.Route,
		Version:     strings.TrimSpace(env.Version),
		User:        env.User,
		Payload:     payload,
		TraceID:     env.TraceID,
		Fingerprint: env.Fingerprint,
		Attachments: env.Attachments,
	}, nil
}

// violation flattens the schema error to its first line; the full tree repeats
// the schema location for every branch of allOf.
func violation(err error) string {
	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		msg := ve.Error()
		if i := strings.IndexByte(msg, '\n'); i >= 0 {
			if rest := strings.TrimSpace(msg[i+1:]); rest != "" {
				return firstLine(rest)
			}
		}
		return msg
	}
	return err.Error()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
