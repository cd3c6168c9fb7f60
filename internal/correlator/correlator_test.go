package correlator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jmehdipour/feedback-gateway/internal/model"
	"github.com/jmehdipour/feedback-gateway/internal/redact"
	"github.com/jmehdipour/feedback-gateway/internal/repository"
)

var now = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

const stackA = `TypeError: x is undefined
    at render (https://app.example.com/static/js/main.3f2a1b9c.js:120:15)
    at Object.update (https://app.example.com/static/js/main.3f2a1b9c.js:98:3)`

// countingStore counts CreateIssue calls made inside transactions.
type countingStore struct {
	repository.TxStore
	creates atomic.Int32
}

func (c *countingStore) Atomic(ctx context.Context, fn func(context.Context, repository.Store) error) error {
	return c.TxStore.Atomic(ctx, func(ctx context.Context, st repository.Store) error {
		return fn(ctx, countingTx{Store: st, creates: &c.creates})
	})
}

type countingTx struct {
	repository.Store
	creates *atomic.Int32
}

func (c countingTx) CreateIssue(ctx context.Context, in model.IssueInput) (*model.Issue, error) {
	c.creates.Add(1)
	return c.Store.CreateIssue(ctx, in)
}

func newCorrelator(t *testing.T, st repository.TxStore, cfg Config) *Correlator {
	t.Helper()
	return New(st, redact.New(), cfg, zaptest.NewLogger(t), WithClock(func() time.Time { return now }))
}

func seedApp(t *testing.T, st repository.Store, owners ...string) {
	t.Helper()
	require.NoError(t, st.UpsertApp(context.Background(), model.App{
		ID: "app-1", Name: "Shop", APIKey: "key-1", Status: "active",
		Owners: model.Owners{POEmails: owners},
	}))
}

func frontendError(user string, ts time.Time) model.EventInput {
	return model.EventInput{
		AppID:       "app-1",
		Environment: "prod",
		Type:        model.EventTypeFrontendError,
		Timestamp:   ts,
		Route:       "/checkout",
		Version:     "1.4.2",
		User:        model.UserRef{ID: user},
		Payload:     model.FrontendErrorPayload{ErrorType: "TypeError", Message: "x is undefined", Stack: stackA},
	}
}

func TestProcessEvent_GroupingScenario(t *testing.T) {
	st := &countingStore{TxStore: repository.NewMemoryStore()}
	seedApp(t, st, "a@x.com", "b@x.com")
	c := newCorrelator(t, st, Config{})
	ctx := context.Background()

	r1, err := c.ProcessEvent(ctx, frontendError("u1", now.Add(-time.Minute)))
	require.NoError(t, err)
	assert.True(t, r1.Created)
	require.NotNil(t, r1.Issue.PrimaryFingerprint)
	assert.Equal(t, 1, r1.Issue.Counts.OccurrencesTotal)
	assert.Equal(t, model.StatusNew, r1.Issue.Status)
	assert.Equal(t, model.SeverityP2, r1.Issue.Severity)
	assert.Equal(t, "TypeError: x is undefined", r1.Issue.Title)
	assert.Equal(t, []string{"release:1.4.2"}, r1.Issue.Tags)
	assert.True(t, r1.Issue.CreatedAt.Equal(now))

	r2, err := c.ProcessEvent(ctx, frontendError("u2", now))
	require.NoError(t, err)
	assert.False(t, r2.Created)
	assert.Equal(t, r1.Issue.ID, r2.Issue.ID)
	assert.Equal(t, *r1.Issue.PrimaryFingerprint, *r2.Issue.PrimaryFingerprint)
	assert.Equal(t, 2, r2.Issue.Counts.OccurrencesTotal)
	assert.Equal(t, []string{r1.EventID, r2.EventID}, r2.Issue.EventRefs)
	assert.Equal(t, 2, r2.Issue.Counts.Occurrences24h)
	assert.Equal(t, 2, r2.Issue.Counts.UniqueUsers24hEst)
	assert.True(t, r2.Issue.LastSeenAt.Equal(now))

	assert.Equal(t, int32(1), st.creates.Load(), "createIssue must not be called on attach")
}

func TestProcessEvent_FeedbackAlwaysCreates(t *testing.T) {
	st := repository.NewMemoryStore()
	seedApp(t, st)
	c := newCorrelator(t, st, Config{})
	ctx := context.Background()

	in := model.EventInput{
		AppID:       "app-1",
		Environment: "prod",
		Type:        model.EventTypeFeedback,
		Timestamp:   now,
		Payload:     model.FeedbackPayload{Message: "The export button does nothing\nTried twice", Category: "Bug"},
	}
	r1, err := c.ProcessEvent(ctx, in)
	require.NoError(t, err)
	r2, err := c.ProcessEvent(ctx, in)
	require.NoError(t, err)

	assert.True(t, r1.Created)
	assert.True(t, r2.Created)
	assert.NotEqual(t, r1.Issue.ID, r2.Issue.ID)
	assert.Nil(t, r1.Issue.PrimaryFingerprint)
	assert.Equal(t, model.SeverityP3, r1.Issue.Severity)
	assert.Equal(t, model.IssueTypeFeedback, r1.Issue.Type)
	assert.Equal(t, "The export button does nothing", r1.Issue.Title)
	assert.Equal(t, []string{"category:bug"}, r1.Issue.Tags)
	assert.Nil(t, r1.Issue.Routing, "app without owners leaves routing unset")
}

func TestProcessEvent_FeedbackSeverityHint(t *testing.T) {
	st := repository.NewMemoryStore()
	c := newCorrelator(t, st, Config{})

	r, err := c.ProcessEvent(context.Background(), model.EventInput{
		AppID: "unknown-app", Environment: "prod", Type: model.EventTypeFeedback, Timestamp: now,
		Payload: model.FeedbackPayload{Message: "", Severity: "p1"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.SeverityP1, r.Issue.Severity)
	assert.Equal(t, "User feedback", r.Issue.Title)
	assert.Nil(t, r.Issue.Routing, "unresolved app leaves routing unset")
}

func TestProcessEvent_RoutingOnlyAtCreation(t *testing.T) {
	st := repository.NewMemoryStore()
	seedApp(t, st, "a@x.com", "b@x.com")
	c := newCorrelator(t, st, Config{})
	ctx := context.Background()

	r1, err := c.ProcessEvent(ctx, frontendError("u1", now))
	require.NoError(t, err)
	require.NotNil(t, r1.Issue.Routing)
	assert.Equal(t, "a@x.com", r1.Issue.Routing.AssignedTo)

	other := "c@x.com"
	require.NoError(t, st.UpdateIssue(ctx, r1.Issue.ID, model.IssuePatch{AssignedTo: &other}))
	seedApp(t, st, "z@x.com")

	r2, err := c.ProcessEvent(ctx, frontendError("u2", now))
	require.NoError(t, err)
	assert.False(t, r2.Created)
	assert.Equal(t, "c@x.com", r2.Issue.Routing.AssignedTo)
}

func TestProcessEvent_MonotonicCounts(t *testing.T) {
	st := repository.NewMemoryStore()
	c := newCorrelator(t, st, Config{})
	ctx := context.Background()

	first, err := c.ProcessEvent(ctx, frontendError("u1", now))
	require.NoError(t, err)

	const n = 6
	prevTotal := first.Issue.Counts.OccurrencesTotal
	for i := 0; i < n; i++ {
		// out-of-order timestamps must not move last_seen_at backwards
		r, err := c.ProcessEvent(ctx, frontendError("u1", now.Add(-time.Duration(i+1)*time.Hour)))
		require.NoError(t, err)
		assert.Equal(t, prevTotal+1, r.Issue.Counts.OccurrencesTotal)
		assert.True(t, r.Issue.LastSeenAt.Equal(now))
		prevTotal = r.Issue.Counts.OccurrencesTotal
	}
	assert.Equal(t, first.Issue.Counts.OccurrencesTotal+n, prevTotal)
}

func TestProcessEvent_TrailingWindow(t *testing.T) {
	st := repository.NewMemoryStore()
	c := newCorrelator(t, st, Config{})
	ctx := context.Background()

	old, err := c.ProcessEvent(ctx, frontendError("u-old", now.Add(-30*time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, 0, old.Issue.Counts.Occurrences24h)

	_, err = c.ProcessEvent(ctx, frontendError("u1", now.Add(-2*time.Hour)))
	require.NoError(t, err)
	r, err := c.ProcessEvent(ctx, model.EventInput{
		AppID: "app-1", Environment: "prod", Type: model.EventTypeFrontendError, Timestamp: now,
		User:    model.UserRef{SessionID: "anon-session"},
		Payload: model.FrontendErrorPayload{ErrorType: "TypeError", Message: "x is undefined", Stack: stackA},
	})
	require.NoError(t, err)

	assert.Equal(t, 3, r.Issue.Counts.OccurrencesTotal)
	assert.Equal(t, 2, r.Issue.Counts.Occurrences24h)
	assert.Equal(t, 2, r.Issue.Counts.UniqueUsers24hEst)
}

func TestProcessEvent_EnvironmentsAreSeparate(t *testing.T) {
	st := repository.NewMemoryStore()
	c := newCorrelator(t, st, Config{})
	ctx := context.Background()

	prod, err := c.ProcessEvent(ctx, frontendError("u1", now))
	require.NoError(t, err)
	in := frontendError("u1", now)
	in.Environment = "stage"
	stage, err := c.ProcessEvent(ctx, in)
	require.NoError(t, err)

	assert.True(t, stage.Created)
	assert.NotEqual(t, prod.Issue.ID, stage.Issue.ID)
}

func TestProcessEvent_ResolvedIssueIsNotReused(t *testing.T) {
	st := repository.NewMemoryStore()
	c := newCorrelator(t, st, Config{})
	ctx := context.Background()

	first, err := c.ProcessEvent(ctx, frontendError("u1", now))
	require.NoError(t, err)
	resolved := model.StatusResolved
	require.NoError(t, st.UpdateIssue(ctx, first.Issue.ID, model.IssuePatch{Status: &resolved}))

	again, err := c.ProcessEvent(ctx, frontendError("u1", now))
	require.NoError(t, err)
	assert.True(t, again.Created)
	assert.NotEqual(t, first.Issue.ID, again.Issue.ID)
}

func TestProcessEvent_RedactsBeforePersisting(t *testing.T) {
	st := repository.NewMemoryStore()
	seedApp(t, st)
	c := newCorrelator(t, st, Config{DefaultProfile: redact.ProfileStandard})
	ctx := context.Background()

	r, err := c.ProcessEvent(ctx, model.EventInput{
		AppID: "app-1", Environment: "prod", Type: model.EventTypeFeedback, Timestamp: now,
		Route:   "/reset?email=bob@example.com",
		Payload: model.FeedbackPayload{Message: "reach me at bob@example.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, r.Redactions)
	assert.Equal(t, "reach me at [REDACTED_EMAIL]", r.Issue.Title)

	ev, err := st.GetEvent(ctx, r.EventID)
	require.NoError(t, err)
	assert.Equal(t, "/reset?email=[REDACTED_EMAIL]", ev.Route)
	assert.Equal(t, "reach me at [REDACTED_EMAIL]", ev.Payload.(model.FeedbackPayload).Message)
}

func TestProcessEvent_ProfileOverrideWins(t *testing.T) {
	st := repository.NewMemoryStore()
	require.NoError(t, st.UpsertApp(context.Background(), model.App{ID: "app-1", RedactionProfile: "relaxed"}))
	c := newCorrelator(t, st, Config{ProfileOverrides: map[string]string{"app-1": "strict"}})

	r, err := c.ProcessEvent(context.Background(), model.EventInput{
		AppID: "app-1", Environment: "prod", Type: model.EventTypeFeedback, Timestamp: now,
		Payload: model.FeedbackPayload{Message: "my name is Bob"},
	})
	require.NoError(t, err)
	assert.Equal(t, redact.MaskRedacted, r.Issue.Title)
}

func TestProcessEvent_WritesOutbox(t *testing.T) {
	st := repository.NewMemoryStore()
	c := newCorrelator(t, st, Config{})
	ctx := context.Background()

	_, err := c.ProcessEvent(ctx, frontendError("u1", now))
	require.NoError(t, err)
	_, err = c.ProcessEvent(ctx, frontendError("u2", now))
	require.NoError(t, err)

	rows := st.Outbox()
	require.Len(t, rows, 2)
	assert.Equal(t, model.TopicIssueCreated, rows[0].Topic)
	assert.Equal(t, model.TopicIssueAttached, rows[1].Topic)
}

func TestProcessEvent_ConcurrentSameFingerprint(t *testing.T) {
	st := &countingStore{TxStore: repository.NewMemoryStore()}
	const n = 16
	c := newCorrelator(t, st, Config{MaxAttempts: n + 4})
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]Result, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.ProcessEvent(ctx, frontendError("u1", now))
		}(i)
	}
	wg.Wait()

	eventIDs := make(map[string]struct{})
	created := 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		eventIDs[results[i].EventID] = struct{}{}
		if results[i].Created {
			created++
		}
	}
	assert.Equal(t, 1, created)

	issues, err := st.ListIssues(ctx, model.IssueFilter{})
	require.NoError(t, err)
	require.Len(t, issues, 1)
	is := issues[0]
	assert.Equal(t, n, is.Counts.OccurrencesTotal)
	assert.Len(t, is.EventRefs, n)
	for _, id := range is.EventRefs {
		_, ok := eventIDs[id]
		assert.True(t, ok, "ref %s belongs to a processed event", id)
		delete(eventIDs, id)
	}
	assert.Empty(t, eventIDs, "every event appended exactly once")
}

// faultyStore fails one operation inside every transaction.
type faultyStore struct {
	repository.TxStore
	err      error
	attempts int
}

func (f *faultyStore) Atomic(ctx context.Context, fn func(context.Context, repository.Store) error) error {
	f.attempts++
	return f.TxStore.Atomic(ctx, func(ctx context.Context, st repository.Store) error {
		return fn(ctx, faultyTx{Store: st, err: f.err})
	})
}

type faultyTx struct {
	repository.Store
	err error
}

func (f faultyTx) CreateIssue(context.Context, model.IssueInput) (*model.Issue, error) {
	return nil, f.err
}

func TestProcessEvent_StoreFailureAborts(t *testing.T) {
	mem := repository.NewMemoryStore()
	st := &faultyStore{TxStore: mem, err: errors.New("disk full")}
	c := newCorrelator(t, st, Config{})
	ctx := context.Background()

	_, err := c.ProcessEvent(ctx, frontendError("u1", now))
	require.Error(t, err)
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, 1, st.attempts, "store failures are not retried")

	issues, err := mem.ListIssues(ctx, model.IssueFilter{})
	require.NoError(t, err)
	assert.Empty(t, issues)
	assert.Empty(t, mem.Outbox())
}

func TestProcessEvent_TooManyConflicts(t *testing.T) {
	st := &faultyStore{TxStore: repository.NewMemoryStore(), err: repository.ErrFingerprintConflict}
	c := newCorrelator(t, st, Config{MaxAttempts: 3})

	_, err := c.ProcessEvent(context.Background(), frontendError("u1", now))
	require.ErrorIs(t, err, ErrTooManyConflicts)
	assert.Equal(t, 3, st.attempts)
}

func TestProcessEvent_Cancelled(t *testing.T) {
	st := repository.NewMemoryStore()
	c := newCorrelator(t, st, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.ProcessEvent(ctx, frontendError("u1", now))
	require.ErrorIs(t, err, context.Canceled)

	issues, err := st.ListIssues(context.Background(), model.IssueFilter{})
	require.NoError(t, err)
	assert.Empty(t, issues)
}
