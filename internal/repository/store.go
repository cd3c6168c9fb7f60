package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jmehdipour/feedback-gateway/internal/model"
)

var (
	// ErrFingerprintConflict means another open issue already holds the
	// (app, environment, fingerprint) key.
	ErrFingerprintConflict = errors.New("fingerprint already claimed by an open issue")
	// ErrVersionConflict means a concurrent writer changed data this
	// transaction read; the whole unit should be retried.
	ErrVersionConflict = errors.New("concurrent update conflict")
	ErrNotFound        = errors.New("not found")
)

// IsConflict reports whether err is worth retrying the atomic unit for.
func IsConflict(err error) bool {
	return errors.Is(err, ErrFingerprintConflict) || errors.Is(err, ErrVersionConflict)
}

// Store is the persistence boundary of the correlation pipeline. Reads of a
// missing row return (nil, nil).
type Store interface {
	GetApp(ctx context.Context, appID string) (*model.App, error)
	GetAppByAPIKey(ctx context.Context, apiKey string) (*model.App, error)
	UpsertApp(ctx context.Context, app model.App) error

	CreateEvent(ctx context.Context, in model.EventInput) (*model.Event, error)
	GetEvent(ctx context.Context, eventID string) (*model.Event, error)

	// CreateIssue is create-if-absent on (app, environment, fingerprint) for
	// groupable inputs and fails with ErrFingerprintConflict when the key is
	// taken. A non-empty EventID becomes the first event ref.
	CreateIssue(ctx context.Context, in model.IssueInput) (*model.Issue, error)
	FindIssueByFingerprint(ctx context.Context, appID, environment, fingerprint string) (*model.Issue, error)
	GetIssue(ctx context.Context, issueID string) (*model.Issue, error)
	ListIssues(ctx context.Context, f model.IssueFilter) ([]*model.Issue, error)
	// AddEventToIssue appends the event ref and bumps occurrences_total. A
	// resolved issue is refused with ErrVersionConflict: the caller matched it
	// while it was still open.
	AddEventToIssue(ctx context.Context, issueID, eventID string) error
	UpdateIssue(ctx context.Context, issueID string, patch model.IssuePatch) error
	ListIssueEventsSince(ctx context.Context, issueID string, since time.Time) ([]model.IssueEventRef, error)

	InsertOutbox(ctx context.Context, aggregateID, topic string, payload []byte) error
}

// TxStore runs a unit of work atomically: everything done through the Store
// handed to fn commits together or not at all.
type TxStore interface {
	Store
	Atomic(ctx context.Context, fn func(ctx context.Context, s Store) error) error
}
