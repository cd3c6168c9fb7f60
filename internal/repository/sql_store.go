package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	mysqldrv "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/jmehdipour/feedback-gateway/internal/model"
	"github.com/jmehdipour/feedback-gateway/internal/status"
	"github.com/jmehdipour/feedback-gateway/internal/util"
)

// SQLStore is a sqlx-backed TxStore for mysql, postgres and sqlite. Queries are
// written with ? placeholders and rebound for the connection's driver.
type SQLStore struct {
	*sqlQueries
	db *sqlx.DB
}

var _ TxStore = (*SQLStore)(nil)

// NewSQLStore wraps an open connection; driver is one of db.DriverMySQL,
// db.DriverPostgres or db.DriverSQLite.
func NewSQLStore(db *sqlx.DB, driver string) *SQLStore {
	return &SQLStore{
		sqlQueries: &sqlQueries{ext: db, driver: driver},
		db:         db,
	}
}

// Atomic runs fn inside one database transaction. MySQL and Postgres use READ
// COMMITTED so a retried unit sees rows committed by the writer it lost to.
func (s *SQLStore) Atomic(ctx context.Context, fn func(ctx context.Context, st Store) error) error {
	var opts *sql.TxOptions
	if s.driver != "sqlite" {
		opts = &sql.TxOptions{Isolation: sql.LevelReadCommitted}
	}
	tx, err := s.db.BeginTxx(ctx, opts)
	if err != nil {
		return classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(ctx, &sqlQueries{ext: tx, driver: s.driver}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify(err)
	}
	return nil
}

// Multi-statement writes always run in their own transaction when called
// outside Atomic.

func (s *SQLStore) CreateIssue(ctx context.Context, in model.IssueInput) (*model.Issue, error) {
	var out *model.Issue
	err := s.Atomic(ctx, func(ctx context.Context, st Store) error {
		var err error
		out, err = st.CreateIssue(ctx, in)
		return err
	})
	return out, err
}

func (s *SQLStore) AddEventToIssue(ctx context.Context, issueID, eventID string) error {
	return s.Atomic(ctx, func(ctx context.Context, st Store) error {
		return st.AddEventToIssue(ctx, issueID, eventID)
	})
}

func (s *SQLStore) UpdateIssue(ctx context.Context, issueID string, patch model.IssuePatch) error {
	return s.Atomic(ctx, func(ctx context.Context, st Store) error {
		return st.UpdateIssue(ctx, issueID, patch)
	})
}

type sqlQueries struct {
	ext    sqlx.ExtContext
	driver string
}

func (q *sqlQueries) rebind(query string) string { return q.ext.Rebind(query) }

// forUpdate locks selected rows until commit. SQLite has no row locks; its
// single connection already serializes transactions.
func (q *sqlQueries) forUpdate() string {
	if q.driver == "sqlite" {
		return ""
	}
	return " FOR UPDATE"
}

func (q *sqlQueries) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := q.ext.ExecContext(ctx, q.rebind(query), args...)
	if err != nil {
		return nil, classify(err)
	}
	return res, nil
}

func (q *sqlQueries) GetApp(ctx context.Context, appID string) (*model.App, error) {
	return q.getApp(ctx, `SELECT `+appColumns+` FROM apps WHERE id = ? LIMIT 1`, appID)
}

func (q *sqlQueries) GetAppByAPIKey(ctx context.Context, apiKey string) (*model.App, error) {
	return q.getApp(ctx, `SELECT `+appColumns+` FROM apps WHERE api_key = ? LIMIT 1`, apiKey)
}

func (q *sqlQueries) getApp(ctx context.Context, query string, arg any) (*model.App, error) {
	var r appRow
	err := sqlx.GetContext(ctx, q.ext, &r, q.rebind(query), arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r.toModel()
}

// UpsertApp inserts or updates an app keyed by id.
func (q *sqlQueries) UpsertApp(ctx context.Context, app model.App) error {
	emails, err := encodeList(app.Owners.POEmails)
	if err != nil {
		return err
	}
	createdAt := app.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	var rps sql.NullInt64
	if app.RateLimitRPS != nil {
		rps = sql.NullInt64{Int64: int64(*app.RateLimitRPS), Valid: true}
	}

	query := `
		INSERT INTO apps (id, name, api_key, status, rate_limit_rps, redaction_profile, po_emails, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	if q.driver == "mysql" {
		query += `
		ON DUPLICATE KEY UPDATE
		    name = VALUES(name), api_key = VALUES(api_key), status = VALUES(status),
		    rate_limit_rps = VALUES(rate_limit_rps), redaction_profile = VALUES(redaction_profile),
		    po_emails = VALUES(po_emails)`
	} else {
		query += `
		ON CONFLICT (id) DO UPDATE SET
		    name = excluded.name, api_key = excluded.api_key, status = excluded.status,
		    rate_limit_rps = excluded.rate_limit_rps, redaction_profile = excluded.redaction_profile,
		    po_emails = excluded.po_emails`
	}
	_, err = q.exec(ctx, query,
		app.ID, app.Name, app.APIKey, app.Status, rps, app.RedactionProfile, emails, toMillis(createdAt))
	return err
}

func (q *sqlQueries) CreateEvent(ctx context.Context, in model.EventInput) (*model.Event, error) {
	now := time.Now()
	r, err := newEventRow(util.NewIDAt(now), in, now)
	if err != nil {
		return nil, err
	}
	const query = `
		INSERT INTO events
		    (id, app_id, environment, event_type, ts, route, version, user_id, session_id,
		     payload, trace_id, fingerprint, attachments, created_at)
		VALUES
		    (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := q.exec(ctx, query,
		r.ID, r.AppID, r.Environment, r.EventType, r.TS, r.Route, r.Version, r.UserID, r.SessionID,
		r.Payload, r.TraceID, r.Fingerprint, r.Attachments, r.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	return r.toModel()
}

func (q *sqlQueries) GetEvent(ctx context.Context, eventID string) (*model.Event, error) {
	var r eventRow
	err := sqlx.GetContext(ctx, q.ext, &r, q.rebind(`SELECT `+eventColumns+` FROM events WHERE id = ?`), eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r.toModel()
}

func (q *sqlQueries) CreateIssue(ctx context.Context, in model.IssueInput) (*model.Issue, error) {
	createdAt := in.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	id := util.NewIDAt(createdAt)

	if in.PrimaryFingerprint != nil {
		if err := q.claimFingerprint(ctx, in.AppID, in.Environment, *in.PrimaryFingerprint, id); err != nil {
			return nil, err
		}
	}

	tags, err := encodeList(in.Tags)
	if err != nil {
		return nil, err
	}
	var assignee sql.NullString
	if in.Routing != nil {
		assignee = sql.NullString{String: in.Routing.AssignedTo, Valid: true}
	}
	total := 0
	if in.EventID != "" {
		total = 1
	}

	const query = `
		INSERT INTO issues
		    (id, app_id, environment, status, severity, title, description, issue_type,
		     primary_fingerprint, occurrences_total, occurrences_24h, unique_users_24h_est,
		     created_at, last_seen_at, assigned_to, tags, version)
		VALUES
		    (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`
	if _, err := q.exec(ctx, query,
		id, in.AppID, in.Environment, string(in.Status), string(in.Severity), in.Title, in.Description, string(in.Type),
		nullString(in.PrimaryFingerprint), total, in.Occurrences24h, in.UniqueUsers24hEst,
		toMillis(createdAt), toMillis(in.LastSeenAt), assignee, tags,
	); err != nil {
		return nil, fmt.Errorf("insert issue: %w", err)
	}

	if in.EventID != "" {
		if err := q.insertIssueEvent(ctx, id, 1, in.EventID); err != nil {
			return nil, err
		}
	}
	return q.GetIssue(ctx, id)
}

func (q *sqlQueries) claimFingerprint(ctx context.Context, appID, env, fp, issueID string) error {
	_, err := q.exec(ctx, `
		INSERT INTO issue_fingerprints (app_id, environment, fingerprint, issue_id)
		VALUES (?, ?, ?, ?)`, appID, env, fp, issueID)
	if isDuplicateKey(err) {
		return fmt.Errorf("%w: %s/%s", ErrFingerprintConflict, appID, env)
	}
	if err != nil {
		return fmt.Errorf("claim fingerprint: %w", err)
	}
	return nil
}

func (q *sqlQueries) insertIssueEvent(ctx context.Context, issueID string, seq int, eventID string) error {
	res, err := q.exec(ctx, `
		INSERT INTO issue_events (issue_id, seq, event_id, event_ts, user_id, session_id)
		SELECT ?, ?, id, ts, user_id, session_id FROM events WHERE id = ?`, issueID, seq, eventID)
	if err != nil {
		return fmt.Errorf("insert issue event: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("event %s: %w", eventID, ErrNotFound)
	}
	return nil
}

func (q *sqlQueries) FindIssueByFingerprint(ctx context.Context, appID, environment, fingerprint string) (*model.Issue, error) {
	var r issueRow
	err := sqlx.GetContext(ctx, q.ext, &r, q.rebind(`
		SELECT `+prefixed("i.", issueColumns)+`
		  FROM issue_fingerprints f
		  JOIN issues i ON i.id = f.issue_id
		 WHERE f.app_id = ? AND f.environment = ? AND f.fingerprint = ? AND i.status <> ?`),
		appID, environment, fingerprint, string(model.StatusResolved))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return q.withRefs(ctx, r)
}

func (q *sqlQueries) GetIssue(ctx context.Context, issueID string) (*model.Issue, error) {
	r, err := q.issueRow(ctx, issueID, false)
	if err != nil || r == nil {
		return nil, err
	}
	return q.withRefs(ctx, *r)
}

func (q *sqlQueries) issueRow(ctx context.Context, issueID string, lock bool) (*issueRow, error) {
	query := `SELECT ` + issueColumns + ` FROM issues WHERE id = ?`
	if lock {
		query += q.forUpdate()
	}
	var r issueRow
	err := sqlx.GetContext(ctx, q.ext, &r, q.rebind(query), issueID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	return &r, nil
}

func (q *sqlQueries) withRefs(ctx context.Context, r issueRow) (*model.Issue, error) {
	var refs []string
	if err := sqlx.SelectContext(ctx, q.ext, &refs, q.rebind(
		`SELECT event_id FROM issue_events WHERE issue_id = ? ORDER BY seq`), r.ID); err != nil {
		return nil, err
	}
	return r.toModel(refs)
}

// ListIssues returns matching issues, most recently seen first.
func (q *sqlQueries) ListIssues(ctx context.Context, f model.IssueFilter) ([]*model.Issue, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	offset := max(f.Offset, 0)

	query := `SELECT ` + issueColumns + ` FROM issues WHERE 1 = 1`
	var args []any
	if f.AppID != "" {
		query += " AND app_id = ?"
		args = append(args, f.AppID)
	}
	if f.Environment != "" {
		query += " AND environment = ?"
		args = append(args, f.Environment)
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, string(f.Status))
	}
	query += " ORDER BY last_seen_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	var rows []issueRow
	if err := sqlx.SelectContext(ctx, q.ext, &rows, q.rebind(query), args...); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	refQuery, refArgs, err := sqlx.In(
		`SELECT issue_id, event_id FROM issue_events WHERE issue_id IN (?) ORDER BY issue_id, seq`, ids)
	if err != nil {
		return nil, err
	}
	var refRows []struct {
		IssueID string `db:"issue_id"`
		EventID string `db:"event_id"`
	}
	if err := sqlx.SelectContext(ctx, q.ext, &refRows, q.rebind(refQuery), refArgs...); err != nil {
		return nil, err
	}
	refs := make(map[string][]string, len(rows))
	for _, rr := range refRows {
		refs[rr.IssueID] = append(refs[rr.IssueID], rr.EventID)
	}

	out := make([]*model.Issue, 0, len(rows))
	for _, r := range rows {
		is, err := r.toModel(refs[r.ID])
		if err != nil {
			return nil, err
		}
		out = append(out, is)
	}
	return out, nil
}

// AddEventToIssue locks the issue row, appends the ref and bumps the counter,
// so concurrent attaches to the same issue never lose an update.
func (q *sqlQueries) AddEventToIssue(ctx context.Context, issueID, eventID string) error {
	r, err := q.issueRow(ctx, issueID, true)
	if err != nil {
		return err
	}
	if r == nil {
		return fmt.Errorf("issue %s: %w", issueID, ErrNotFound)
	}
	if r.Status == string(model.StatusResolved) {
		return fmt.Errorf("%w: issue %s was resolved", ErrVersionConflict, issueID)
	}
	if err := q.insertIssueEvent(ctx, issueID, r.OccurrencesTotal+1, eventID); err != nil {
		return err
	}
	_, err = q.exec(ctx, `
		UPDATE issues
		   SET occurrences_total = occurrences_total + 1, version = version + 1
		 WHERE id = ?`, issueID)
	return err
}

// UpdateIssue applies patch to the locked row. A failed ExpectStatus is
// reported as ErrVersionConflict. Resolving releases the fingerprint key and
// reopening claims it back.
func (q *sqlQueries) UpdateIssue(ctx context.Context, issueID string, patch model.IssuePatch) error {
	if patch.IsZero() {
		return nil
	}
	r, err := q.issueRow(ctx, issueID, true)
	if err != nil {
		return err
	}
	if r == nil {
		return fmt.Errorf("issue %s: %w", issueID, ErrNotFound)
	}
	is, err := r.toModel(nil)
	if err != nil {
		return err
	}
	if !patch.Holds(is) {
		return fmt.Errorf("%w: issue %s is %s", ErrVersionConflict, issueID, is.Status)
	}
	prev := is.Status
	patch.Apply(is)

	if is.Groupable() && prev != is.Status {
		switch {
		case is.Status == model.StatusResolved:
			if _, err := q.exec(ctx, `DELETE FROM issue_fingerprints WHERE issue_id = ?`, issueID); err != nil {
				return fmt.Errorf("release fingerprint: %w", err)
			}
		case status.IsReopen(prev, is.Status):
			if err := q.claimFingerprint(ctx, is.AppID, is.Environment, *is.PrimaryFingerprint, issueID); err != nil {
				return err
			}
		}
	}

	tags, err := encodeList(is.Tags)
	if err != nil {
		return err
	}
	var assignee sql.NullString
	if is.Routing != nil {
		assignee = sql.NullString{String: is.Routing.AssignedTo, Valid: true}
	}
	_, err = q.exec(ctx, `
		UPDATE issues
		   SET status = ?, severity = ?, title = ?, description = ?,
		       occurrences_24h = ?, unique_users_24h_est = ?, last_seen_at = ?,
		       assigned_to = ?, tags = ?, version = version + 1
		 WHERE id = ?`,
		string(is.Status), string(is.Severity), is.Title, is.Description,
		is.Counts.Occurrences24h, is.Counts.UniqueUsers24hEst, toMillis(is.LastSeenAt),
		assignee, tags, issueID)
	return err
}

func (q *sqlQueries) ListIssueEventsSince(ctx context.Context, issueID string, since time.Time) ([]model.IssueEventRef, error) {
	var rows []issueEventRow
	if err := sqlx.SelectContext(ctx, q.ext, &rows, q.rebind(`
		SELECT issue_id, seq, event_id, event_ts, user_id, session_id
		  FROM issue_events
		 WHERE issue_id = ? AND event_ts >= ?
		 ORDER BY seq`), issueID, toMillis(since)); err != nil {
		return nil, err
	}
	out := make([]model.IssueEventRef, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// InsertOutbox adds a change row. Debezium's outbox SMT picks it up and
// publishes to Kafka based on the topic column.
func (q *sqlQueries) InsertOutbox(ctx context.Context, aggregateID, topic string, payload []byte) error {
	_, err := q.exec(ctx, `
		INSERT INTO outbox (aggregate, aggregate_id, topic, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`, "issue", aggregateID, topic, string(payload), toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}

func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// classify maps lock and serialization failures onto ErrVersionConflict so the
// caller retries the unit of work.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var me *mysqldrv.MySQLError
	if errors.As(err, &me) {
		if me.Number == 1213 {
			return fmt.Errorf("%w: %v", ErrVersionConflict, err)
		}
		return err
	}
	var pe *pq.Error
	if errors.As(err, &pe) {
		if pe.Code == "40001" || pe.Code == "40P01" {
			return fmt.Errorf("%w: %v", ErrVersionConflict, err)
		}
		return err
	}
	if strings.Contains(err.Error(), "database is locked") {
		return fmt.Errorf("%w: %v", ErrVersionConflict, err)
	}
	return err
}

func isDuplicateKey(err error) bool {
	var me *mysqldrv.MySQLError
	if errors.As(err, &me) {
		return me.Number == 1062
	}
	var pe *pq.Error
	if errors.As(err, &pe) {
		return pe.Code == "23505"
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
