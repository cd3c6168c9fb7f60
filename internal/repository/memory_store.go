package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jmehdipour/feedback-gateway/internal/model"
	"github.com/jmehdipour/feedback-gateway/internal/status"
	"github.com/jmehdipour/feedback-gateway/internal/util"
)

type fpKey struct {
	appID, env, fingerprint string
}

func keyOf(i *model.Issue) fpKey {
	return fpKey{appID: i.AppID, env: i.Environment, fingerprint: *i.PrimaryFingerprint}
}

// MemoryStore is an in-process TxStore. Transactions are optimistic: they read
// committed state, buffer their writes and validate at commit that no issue
// they read changed and no fingerprint they saw as free was claimed.
type MemoryStore struct {
	mu           sync.RWMutex
	apps         map[string]*model.App
	events       map[string]*model.Event
	issues       map[string]*model.Issue
	fingerprints map[fpKey]string // open issues only
	outbox       []model.OutboxEvent
	outboxSeq    int64
	commitHook   func() // tests only
}

var _ TxStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		apps:         make(map[string]*model.App),
		events:       make(map[string]*model.Event),
		issues:       make(map[string]*model.Issue),
		fingerprints: make(map[fpKey]string),
	}
}

func (s *MemoryStore) Atomic(ctx context.Context, fn func(ctx context.Context, st Store) error) error {
	tx := s.begin()
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return tx.commit()
}

// Outbox returns a copy of every change row written so far.
func (s *MemoryStore) Outbox() []model.OutboxEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.OutboxEvent(nil), s.outbox...)
}

func (s *MemoryStore) begin() *memTx {
	return &memTx{
		s:         s,
		readVers:  make(map[string]int64),
		freeKeys:  make(map[fpKey]struct{}),
		claims:    make(map[fpKey]string),
		releases:  make(map[fpKey]struct{}),
		issues:    make(map[string]*model.Issue),
		newIssues: make(map[string]bool),
		events:    make(map[string]*model.Event),
		apps:      make(map[string]*model.App),
	}
}

// Non-transactional calls run as single-operation transactions.

func (s *MemoryStore) GetApp(ctx context.Context, appID string) (*model.App, error) {
	var out *model.App
	err := s.Atomic(ctx, func(ctx context.Context, st Store) (err error) {
		out, err = st.GetApp(ctx, appID)
		return err
	})
	return out, err
}

func (s *MemoryStore) GetAppByAPIKey(ctx context.Context, apiKey string) (*model.App, error) {
	var out *model.App
	err := s.Atomic(ctx, func(ctx context.Context, st Store) (err error) {
		out, err = st.GetAppByAPIKey(ctx, apiKey)
		return err
	})
	return out, err
}

func (s *MemoryStore) UpsertApp(ctx context.Context, app model.App) error {
	return s.Atomic(ctx, func(ctx context.Context, st Store) error {
		return st.UpsertApp(ctx, app)
	})
}

func (s *MemoryStore) CreateEvent(ctx context.Context, in model.EventInput) (*model.Event, error) {
	var out *model.Event
	err := s.Atomic(ctx, func(ctx context.Context, st Store) (err error) {
		out, err = st.CreateEvent(ctx, in)
		return err
	})
	return out, err
}

func (s *MemoryStore) GetEvent(ctx context.Context, eventID string) (*model.Event, error) {
	var out *model.Event
	err := s.Atomic(ctx, func(ctx context.Context, st Store) (err error) {
		out, err = st.GetEvent(ctx, eventID)
		return err
	})
	return out, err
}

func (s *MemoryStore) CreateIssue(ctx context.Context, in model.IssueInput) (*model.Issue, error) {
	var out *model.Issue
	err := s.Atomic(ctx, func(ctx context.Context, st Store) (err error) {
		out, err = st.CreateIssue(ctx, in)
		return err
	})
	return out, err
}

func (s *MemoryStore) FindIssueByFingerprint(ctx context.Context, appID, environment, fingerprint string) (*model.Issue, error) {
	var out *model.Issue
	err := s.Atomic(ctx, func(ctx context.Context, st Store) (err error) {
		out, err = st.FindIssueByFingerprint(ctx, appID, environment, fingerprint)
		return err
	})
	return out, err
}

func (s *MemoryStore) GetIssue(ctx context.Context, issueID string) (*model.Issue, error) {
	var out *model.Issue
	err := s.Atomic(ctx, func(ctx context.Context, st Store) (err error) {
		out, err = st.GetIssue(ctx, issueID)
		return err
	})
	return out, err
}

func (s *MemoryStore) ListIssues(ctx context.Context, f model.IssueFilter) ([]*model.Issue, error) {
	var out []*model.Issue
	err := s.Atomic(ctx, func(ctx context.Context, st Store) (err error) {
		out, err = st.ListIssues(ctx, f)
		return err
	})
	return out, err
}

func (s *MemoryStore) AddEventToIssue(ctx context.Context, issueID, eventID string) error {
	return s.Atomic(ctx, func(ctx context.Context, st Store) error {
		return st.AddEventToIssue(ctx, issueID, eventID)
	})
}

func (s *MemoryStore) UpdateIssue(ctx context.Context, issueID string, patch model.IssuePatch) error {
	return s.Atomic(ctx, func(ctx context.Context, st Store) error {
		return st.UpdateIssue(ctx, issueID, patch)
	})
}

func (s *MemoryStore) ListIssueEventsSince(ctx context.Context, issueID string, since time.Time) ([]model.IssueEventRef, error) {
	var out []model.IssueEventRef
	err := s.Atomic(ctx, func(ctx context.Context, st Store) (err error) {
		out, err = st.ListIssueEventsSince(ctx, issueID, since)
		return err
	})
	return out, err
}

func (s *MemoryStore) InsertOutbox(ctx context.Context, aggregateID, topic string, payload []byte) error {
	return s.Atomic(ctx, func(ctx context.Context, st Store) error {
		return st.InsertOutbox(ctx, aggregateID, topic, payload)
	})
}

// memTx is a single optimistic unit of work. It is not safe for concurrent use.
type memTx struct {
	s *MemoryStore

	readVers  map[string]int64        // committed version of every issue read
	freeKeys  map[fpKey]struct{}      // keys observed unclaimed
	claims    map[fpKey]string        // keys this tx claims -> issue id
	releases  map[fpKey]struct{}      // keys this tx releases
	issues    map[string]*model.Issue // working copies
	newIssues map[string]bool
	dirty     []string // modified issue ids, in order
	events    map[string]*model.Event
	apps      map[string]*model.App
	outbox    []model.OutboxEvent
}

func (tx *memTx) GetApp(_ context.Context, appID string) (*model.App, error) {
	if a, ok := tx.apps[appID]; ok {
		return cloneApp(a), nil
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	return cloneApp(tx.s.apps[appID]), nil
}

func (tx *memTx) GetAppByAPIKey(_ context.Context, apiKey string) (*model.App, error) {
	for _, a := range tx.apps {
		if a.APIKey == apiKey {
			return cloneApp(a), nil
		}
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	for _, a := range tx.s.apps {
		if a.APIKey == apiKey {
			return cloneApp(a), nil
		}
	}
	return nil, nil
}

func (tx *memTx) UpsertApp(_ context.Context, app model.App) error {
	if app.CreatedAt.IsZero() {
		app.CreatedAt = time.Now()
	}
	tx.apps[app.ID] = cloneApp(&app)
	return nil
}

func (tx *memTx) CreateEvent(_ context.Context, in model.EventInput) (*model.Event, error) {
	ev := &model.Event{
		ID:          util.NewID(),
		AppID:       in.AppID,
		Environment: in.Environment,
		Type:        in.Type,
		Timestamp:   in.Timestamp,
		Route:       in.Route,
		Version:     in.Version,
		User:        in.User,
		Payload:     in.Payload,
		TraceID:     in.TraceID,
		Fingerprint: in.Fingerprint,
		Attachments: append([]string(nil), in.Attachments...),
	}
	tx.events[ev.ID] = ev
	cp := *ev
	return &cp, nil
}

func (tx *memTx) GetEvent(_ context.Context, eventID string) (*model.Event, error) {
	ev := tx.event(eventID)
	if ev == nil {
		return nil, nil
	}
	cp := *ev
	return &cp, nil
}

func (tx *memTx) event(id string) *model.Event {
	if ev, ok := tx.events[id]; ok {
		return ev
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	return tx.s.events[id]
}

// load returns the tx's working copy of an issue, recording the committed
// version on first read.
func (tx *memTx) load(id string) *model.Issue {
	if is, ok := tx.issues[id]; ok {
		return is
	}
	tx.s.mu.RLock()
	committed := tx.s.issues[id]
	tx.s.mu.RUnlock()
	if committed == nil {
		return nil
	}
	tx.readVers[id] = committed.Version
	is := committed.Clone()
	tx.issues[id] = is
	return is
}

func (tx *memTx) markDirty(id string) {
	for _, d := range tx.dirty {
		if d == id {
			return
		}
	}
	tx.dirty = append(tx.dirty, id)
}

// keyHolder resolves who holds k as seen from inside the tx.
func (tx *memTx) keyHolder(k fpKey) string {
	if id, ok := tx.claims[k]; ok {
		return id
	}
	if _, ok := tx.releases[k]; ok {
		return ""
	}
	tx.s.mu.RLock()
	id := tx.s.fingerprints[k]
	tx.s.mu.RUnlock()
	if id == "" {
		tx.freeKeys[k] = struct{}{}
	}
	return id
}

func (tx *memTx) claim(k fpKey, issueID string) error {
	if holder := tx.keyHolder(k); holder != "" && holder != issueID {
		return fmt.Errorf("%w: %s/%s", ErrFingerprintConflict, k.appID, k.env)
	}
	delete(tx.releases, k)
	tx.claims[k] = issueID
	return nil
}

func (tx *memTx) release(k fpKey) {
	delete(tx.claims, k)
	tx.releases[k] = struct{}{}
}

func (tx *memTx) CreateIssue(_ context.Context, in model.IssueInput) (*model.Issue, error) {
	createdAt := in.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	is := &model.Issue{
		ID:          util.NewIDAt(createdAt),
		AppID:       in.AppID,
		Environment: in.Environment,
		Status:      in.Status,
		Severity:    in.Severity,
		Title:       in.Title,
		Description: in.Description,
		Type:        in.Type,
		Counts: model.Counts{
			Occurrences24h:    in.Occurrences24h,
			UniqueUsers24hEst: in.UniqueUsers24hEst,
		},
		CreatedAt:  createdAt,
		LastSeenAt: in.LastSeenAt,
		Tags:       append([]string(nil), in.Tags...),
		Version:    1,
	}
	if in.PrimaryFingerprint != nil {
		fp := *in.PrimaryFingerprint
		is.PrimaryFingerprint = &fp
		if err := tx.claim(keyOf(is), is.ID); err != nil {
			return nil, err
		}
	}
	if in.Routing != nil {
		r := *in.Routing
		is.Routing = &r
	}
	if in.EventID != "" {
		if tx.event(in.EventID) == nil {
			return nil, fmt.Errorf("event %s: %w", in.EventID, ErrNotFound)
		}
		is.AppendEvent(in.EventID)
	}
	tx.issues[is.ID] = is
	tx.newIssues[is.ID] = true
	tx.markDirty(is.ID)
	return is.Clone(), nil
}

func (tx *memTx) FindIssueByFingerprint(_ context.Context, appID, environment, fingerprint string) (*model.Issue, error) {
	id := tx.keyHolder(fpKey{appID: appID, env: environment, fingerprint: fingerprint})
	if id == "" {
		return nil, nil
	}
	is := tx.load(id)
	if is == nil || is.Status == model.StatusResolved {
		return nil, nil
	}
	return is.Clone(), nil
}

func (tx *memTx) GetIssue(_ context.Context, issueID string) (*model.Issue, error) {
	return tx.load(issueID).Clone(), nil
}

func (tx *memTx) ListIssues(_ context.Context, f model.IssueFilter) ([]*model.Issue, error) {
	tx.s.mu.RLock()
	ids := make([]string, 0, len(tx.s.issues))
	for id := range tx.s.issues {
		ids = append(ids, id)
	}
	tx.s.mu.RUnlock()
	for id := range tx.newIssues {
		ids = append(ids, id)
	}

	var out []*model.Issue
	for _, id := range ids {
		is := tx.load(id)
		if is == nil {
			continue
		}
		if (f.AppID != "" && is.AppID != f.AppID) ||
			(f.Environment != "" && is.Environment != f.Environment) ||
			(f.Status != "" && is.Status != f.Status) {
			continue
		}
		out = append(out, is.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeenAt.Equal(out[j].LastSeenAt) {
			return out[i].LastSeenAt.After(out[j].LastSeenAt)
		}
		return out[i].ID > out[j].ID
	})

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	offset := max(f.Offset, 0)
	if offset >= len(out) {
		return nil, nil
	}
	return out[offset:min(offset+limit, len(out))], nil
}

func (tx *memTx) AddEventToIssue(_ context.Context, issueID, eventID string) error {
	is := tx.load(issueID)
	if is == nil {
		return fmt.Errorf("issue %s: %w", issueID, ErrNotFound)
	}
	if is.Status == model.StatusResolved {
		return fmt.Errorf("%w: issue %s was resolved", ErrVersionConflict, issueID)
	}
	if tx.event(eventID) == nil {
		return fmt.Errorf("event %s: %w", eventID, ErrNotFound)
	}
	is.AppendEvent(eventID)
	tx.markDirty(issueID)
	return nil
}

func (tx *memTx) UpdateIssue(_ context.Context, issueID string, patch model.IssuePatch) error {
	if patch.IsZero() {
		return nil
	}
	is := tx.load(issueID)
	if is == nil {
		return fmt.Errorf("issue %s: %w", issueID, ErrNotFound)
	}
	if !patch.Holds(is) {
		return fmt.Errorf("%w: issue %s is %s", ErrVersionConflict, issueID, is.Status)
	}
	next := is.Clone()
	patch.Apply(next)
	if next.Groupable() && next.Status != is.Status {
		switch {
		case next.Status == model.StatusResolved:
			tx.release(keyOf(next))
		case status.IsReopen(is.Status, next.Status):
			if err := tx.claim(keyOf(next), issueID); err != nil {
				return err
			}
		}
	}
	tx.issues[issueID] = next
	tx.markDirty(issueID)
	return nil
}

func (tx *memTx) ListIssueEventsSince(_ context.Context, issueID string, since time.Time) ([]model.IssueEventRef, error) {
	is := tx.load(issueID)
	if is == nil {
		return nil, nil
	}
	var out []model.IssueEventRef
	for i, id := range is.EventRefs {
		ev := tx.event(id)
		if ev == nil || ev.Timestamp.Before(since) {
			continue
		}
		out = append(out, model.IssueEventRef{
			Seq:       i + 1,
			EventID:   id,
			Timestamp: ev.Timestamp,
			UserID:    ev.User.ID,
			SessionID: ev.User.SessionID,
		})
	}
	return out, nil
}

func (tx *memTx) InsertOutbox(_ context.Context, aggregateID, topic string, payload []byte) error {
	tx.outbox = append(tx.outbox, model.OutboxEvent{
		Aggregate:   "issue",
		AggregateID: aggregateID,
		Topic:       topic,
		Payload:     append([]byte(nil), payload...),
		CreatedAt:   time.Now(),
	})
	return nil
}

func (tx *memTx) readOnly() bool {
	return len(tx.dirty) == 0 && len(tx.claims) == 0 && len(tx.releases) == 0 &&
		len(tx.events) == 0 && len(tx.apps) == 0 && len(tx.outbox) == 0
}

func (tx *memTx) commit() error {
	if tx.readOnly() {
		return nil
	}
	s := tx.s
	if s.commitHook != nil {
		s.commitHook()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for k := range tx.freeKeys {
		if _, ok := s.fingerprints[k]; ok {
			return fmt.Errorf("%w: %s/%s", ErrFingerprintConflict, k.appID, k.env)
		}
	}
	for k := range tx.claims {
		if holder, ok := s.fingerprints[k]; ok && holder != tx.claims[k] {
			return fmt.Errorf("%w: %s/%s", ErrFingerprintConflict, k.appID, k.env)
		}
	}
	for id, v := range tx.readVers {
		if cur, ok := s.issues[id]; !ok || cur.Version != v {
			return fmt.Errorf("%w: issue %s", ErrVersionConflict, id)
		}
	}

	for id, a := range tx.apps {
		s.apps[id] = a
	}
	for id, ev := range tx.events {
		s.events[id] = ev
	}
	for _, id := range tx.dirty {
		is := tx.issues[id].Clone()
		if !tx.newIssues[id] {
			is.Version = tx.readVers[id] + 1
		}
		s.issues[id] = is
	}
	for k := range tx.releases {
		delete(s.fingerprints, k)
	}
	for k, id := range tx.claims {
		s.fingerprints[k] = id
	}
	for _, o := range tx.outbox {
		s.outboxSeq++
		o.ID = s.outboxSeq
		s.outbox = append(s.outbox, o)
	}
	return nil
}

func cloneApp(a *model.App) *model.App {
	if a == nil {
		return nil
	}
	cp := *a
	cp.Owners.POEmails = append([]string(nil), a.Owners.POEmails...)
	if a.RateLimitRPS != nil {
		v := *a.RateLimitRPS
		cp.RateLimitRPS = &v
	}
	return &cp
}
