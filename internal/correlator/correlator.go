// Package correlator turns inbound events into deduplicated issues: it redacts
// and persists each event, then either attaches it to the open issue holding
// the same fingerprint or creates a new one.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jmehdipour/feedback-gateway/internal/fingerprint"
	"github.com/jmehdipour/feedback-gateway/internal/metrics"
	"github.com/jmehdipour/feedback-gateway/internal/model"
	"github.com/jmehdipour/feedback-gateway/internal/redact"
	"github.com/jmehdipour/feedback-gateway/internal/repository"
	"github.com/jmehdipour/feedback-gateway/internal/routing"
)

// ErrTooManyConflicts is returned when every attempt lost a race against a
// concurrent writer. Nothing was committed; the caller may retry.
var ErrTooManyConflicts = errors.New("too many correlation conflicts")

const (
	DefaultMaxAttempts = 5
	DefaultWindow      = 24 * time.Hour
)

type Config struct {
	MaxAttempts int
	Window      time.Duration
	// DefaultProfile applies to apps without a profile of their own.
	DefaultProfile redact.Profile
	// ProfileOverrides maps app id to a profile name and wins over the app record.
	ProfileOverrides map[string]string
}

type Result struct {
	Issue      *model.Issue
	Created    bool
	EventID    string
	Redactions int
	Attempts   int
}

type Correlator struct {
	store    repository.TxStore
	redactor *redact.Redactor
	cfg      Config
	log      *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

type Option func(*Correlator)

// WithClock replaces time.Now; created_at and the 24h window use it.
func WithClock(now func() time.Time) Option {
	return func(c *Correlator) { c.now = now }
}

func WithTracer(t trace.Tracer) Option {
	return func(c *Correlator) { c.tracer = t }
}

func New(store repository.TxStore, redactor *redact.Redactor, cfg Config, log *zap.Logger, opts ...Option) *Correlator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if _, ok := redact.ParseProfile(string(cfg.DefaultProfile)); !ok || cfg.DefaultProfile == "" {
		cfg.DefaultProfile = redact.ProfileStandard
	}
	c := &Correlator{
		store:    store,
		redactor: redactor,
		cfg:      cfg,
		log:      log.Named("correlator"),
		tracer:   otel.Tracer("github.com/jmehdipour/feedback-gateway/internal/correlator"),
		now:      time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ProcessEvent runs the whole create-or-attach unit atomically. A lost race
// on the fingerprint key or on the issue row is retried from the top, so the
// loser re-queries and attaches. Any other store error aborts with nothing
// committed.
func (c *Correlator) ProcessEvent(ctx context.Context, in model.EventInput) (Result, error) {
	ctx, span := c.tracer.Start(ctx, "correlator.ProcessEvent", trace.WithAttributes(
		attribute.String("app.id", in.AppID),
		attribute.String("app.environment", in.Environment),
		attribute.String("event.type", in.Type.String()),
	))
	defer span.End()

	res, err := c.process(ctx, in)
	if err != nil {
		metrics.EventsTotal.WithLabelValues(in.Type.String(), "failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "process event")
		return Result{}, err
	}

	outcome := "attached"
	if res.Created {
		outcome = "created"
	}
	metrics.EventsTotal.WithLabelValues(in.Type.String(), outcome).Inc()
	span.SetAttributes(
		attribute.String("issue.id", res.Issue.ID),
		attribute.Bool("issue.created", res.Created),
		attribute.Int("correlator.attempts", res.Attempts),
	)
	c.log.Debug("event correlated",
		zap.String("event_id", res.EventID),
		zap.String("issue_id", res.Issue.ID),
		zap.Bool("created", res.Created),
		zap.Int("attempts", res.Attempts),
		zap.Int("redactions", res.Redactions))
	return res, nil
}

func (c *Correlator) process(ctx context.Context, in model.EventInput) (Result, error) {
	app, err := c.store.GetApp(ctx, in.AppID)
	if err != nil {
		return Result{}, fmt.Errorf("get app: %w", err)
	}

	profile := c.profileFor(in.AppID, app)
	in, redactions := c.redactInput(in, profile)
	if redactions > 0 {
		metrics.RedactionsTotal.WithLabelValues(profile.String()).Add(float64(redactions))
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		res, err := c.attempt(ctx, in, app)
		if err == nil {
			res.Redactions = redactions
			res.Attempts = attempt
			return res, nil
		}
		if !repository.IsConflict(err) {
			return Result{}, err
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}

		kind := "version"
		if errors.Is(err, repository.ErrFingerprintConflict) {
			kind = "fingerprint"
		}
		metrics.CorrelationConflicts.WithLabelValues(kind).Inc()
		c.log.Debug("correlation conflict, retrying",
			zap.String("app_id", in.AppID),
			zap.String("kind", kind),
			zap.Int("attempt", attempt))
		lastErr = err
	}

	metrics.CorrelationConflicts.WithLabelValues("exhausted").Inc()
	return Result{}, fmt.Errorf("%w after %d attempts: %v", ErrTooManyConflicts, c.cfg.MaxAttempts, lastErr)
}

func (c *Correlator) attempt(ctx context.Context, in model.EventInput, app *model.App) (Result, error) {
	var res Result
	err := c.store.Atomic(ctx, func(ctx context.Context, st repository.Store) error {
		ev, err := st.CreateEvent(ctx, in)
		if err != nil {
			return fmt.Errorf("create event: %w", err)
		}
		res.EventID = ev.ID

		fpIn := fingerprint.ExtractInput(ev)
		if fpIn == nil {
			res.Issue, err = c.create(ctx, st, ev, nil, app)
			res.Created = true
			return err
		}

		fp := fingerprint.Generate(*fpIn)
		existing, err := st.FindIssueByFingerprint(ctx, ev.AppID, ev.Environment, fp)
		if err != nil {
			return fmt.Errorf("find issue: %w", err)
		}
		if existing != nil {
			res.Issue, err = c.attach(ctx, st, existing, ev)
			return err
		}
		res.Issue, err = c.create(ctx, st, ev, &fp, app)
		res.Created = true
		return err
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

func (c *Correlator) create(ctx context.Context, st repository.Store, ev *model.Event, fp *string, app *model.App) (*model.Issue, error) {
	now := c.now()
	occ, users := windowCounts([]model.IssueEventRef{{
		EventID:   ev.ID,
		Timestamp: ev.Timestamp,
		UserID:    ev.User.ID,
		SessionID: ev.User.SessionID,
	}}, now, c.cfg.Window)

	is, err := st.CreateIssue(ctx, model.IssueInput{
		AppID:              ev.AppID,
		Environment:        ev.Environment,
		Status:             model.StatusNew,
		Severity:           initialSeverity(ev),
		Title:              titleOf(ev),
		Description:        descriptionOf(ev),
		Type:               model.IssueType(ev.Type),
		PrimaryFingerprint: fp,
		EventID:            ev.ID,
		Occurrences24h:     occ,
		UniqueUsers24hEst:  users,
		CreatedAt:          now,
		LastSeenAt:         ev.Timestamp,
		Routing:            routing.ComputeInitialRouting(app),
		Tags:               tagsOf(ev),
	})
	if err != nil {
		return nil, fmt.Errorf("create issue: %w", err)
	}

	change := model.ChangeOf(is, now)
	change.EventID = ev.ID
	if err := repository.WriteChange(ctx, st, model.TopicIssueCreated, change); err != nil {
		return nil, err
	}
	return is, nil
}

// attach appends ev to is and refreshes the rolling counts. Severity, status
// and routing are never touched here.
func (c *Correlator) attach(ctx context.Context, st repository.Store, is *model.Issue, ev *model.Event) (*model.Issue, error) {
	if err := st.AddEventToIssue(ctx, is.ID, ev.ID); err != nil {
		return nil, fmt.Errorf("add event to issue: %w", err)
	}

	now := c.now()
	refs, err := st.ListIssueEventsSince(ctx, is.ID, now.Add(-c.cfg.Window))
	if err != nil {
		return nil, fmt.Errorf("list issue events: %w", err)
	}
	occ, users := windowCounts(refs, now, c.cfg.Window)

	patch := model.IssuePatch{Occurrences24h: &occ, UniqueUsers24hEst: &users}
	if ev.Timestamp.After(is.LastSeenAt) {
		ts := ev.Timestamp
		patch.LastSeenAt = &ts
	}
	if err := st.UpdateIssue(ctx, is.ID, patch); err != nil {
		return nil, fmt.Errorf("update issue: %w", err)
	}

	updated, err := st.GetIssue(ctx, is.ID)
	if err != nil {
		return nil, fmt.Errorf("reload issue: %w", err)
	}
	if updated == nil {
		return nil, fmt.Errorf("issue %s: %w", is.ID, repository.ErrNotFound)
	}

	change := model.ChangeOf(updated, now)
	change.EventID = ev.ID
	if err := repository.WriteChange(ctx, st, model.TopicIssueAttached, change); err != nil {
		return nil, err
	}
	return updated, nil
}

func (c *Correlator) profileFor(appID string, app *model.App) redact.Profile {
	if name, ok := c.cfg.ProfileOverrides[appID]; ok {
		if p, ok := redact.ParseProfile(name); ok {
			return p
		}
	}
	if app != nil && app.RedactionProfile != "" {
		if p, ok := redact.ParseProfile(app.RedactionProfile); ok {
			return p
		}
	}
	return c.cfg.DefaultProfile
}

// redactInput sanitizes the payload and the free-form route before anything
// is persisted.
func (c *Correlator) redactInput(in model.EventInput, profile redact.Profile) (model.EventInput, int) {
	payload, n := c.redactor.Redact(in.Payload, profile)
	in.Payload = payload
	route, m := c.redactor.RedactString(in.Route, profile)
	in.Route = route
	return in, n + m
}
