// Package issues is the console-facing side of the gateway: prioritized
// listings, status workflow and manual reassignment.
package issues

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jmehdipour/feedback-gateway/internal/baseline"
	"github.com/jmehdipour/feedback-gateway/internal/metrics"
	"github.com/jmehdipour/feedback-gateway/internal/model"
	"github.com/jmehdipour/feedback-gateway/internal/priority"
	"github.com/jmehdipour/feedback-gateway/internal/repository"
	"github.com/jmehdipour/feedback-gateway/internal/status"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500

	// writes that lose an optimistic race are retried this many times
	maxWriteAttempts = 3
	// store page size used while collecting issues to rank
	scanPage = 1000
)

// ListQuery filters a listing. Tier, when set, keeps only issues of that tier.
type ListQuery struct {
	model.IssueFilter
	Tier priority.Tier
}

// Detail is one issue with its score and the statuses it can move to.
type Detail struct {
	priority.Scored
	AllowedTransitions []model.Status `json:"allowed_transitions"`
}

type Service struct {
	store    repository.TxStore
	baseline baseline.Provider
	log      *zap.Logger
	now      func() time.Time
}

func New(store repository.TxStore, provider baseline.Provider, log *zap.Logger) *Service {
	if provider == nil {
		provider = baseline.Nop{}
	}
	return &Service{
		store:    store,
		baseline: provider,
		log:      log.Named("issues"),
		now:      time.Now,
	}
}

// List scores every issue matching the filter, keeps the requested tier,
// orders by total descending and only then applies limit and offset.
func (s *Service) List(ctx context.Context, q ListQuery) ([]priority.Scored, error) {
	limit := q.Limit
	switch {
	case limit <= 0:
		limit = DefaultLimit
	case limit > MaxLimit:
		limit = MaxLimit
	}
	offset := max(q.Offset, 0)

	list, err := s.candidates(ctx, q.IssueFilter)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}

	scored := priority.ScoreAll(list, s.baseline.Previous(ctx, list, s.now()))
	if q.Tier != "" {
		kept := scored[:0]
		for _, sc := range scored {
			if sc.Score.Tier == q.Tier {
				kept = append(kept, sc)
			}
		}
		scored = kept
	}
	priority.SortByPriority(scored)

	if offset >= len(scored) {
		return []priority.Scored{}, nil
	}
	return scored[offset:min(offset+limit, len(scored))], nil
}

// candidates pages through the store until the filtered set is exhausted.
// Issues seen twice because the store order shifted between pages are kept once.
func (s *Service) candidates(ctx context.Context, f model.IssueFilter) ([]*model.Issue, error) {
	f.Limit, f.Offset = scanPage, 0
	seen := make(map[string]struct{})
	var out []*model.Issue
	for {
		page, err := s.store.ListIssues(ctx, f)
		if err != nil {
			return nil, err
		}
		for _, is := range page {
			if _, dup := seen[is.ID]; dup {
				continue
			}
			seen[is.ID] = struct{}{}
			out = append(out, is)
		}
		if len(page) < scanPage {
			return out, nil
		}
		f.Offset += scanPage
	}
}

func (s *Service) Get(ctx context.Context, issueID string) (Detail, error) {
	is, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		return Detail{}, fmt.Errorf("get issue: %w", err)
	}
	if is == nil {
		return Detail{}, fmt.Errorf("issue %s: %w", issueID, repository.ErrNotFound)
	}
	scored := priority.ScoreAll([]*model.Issue{is}, s.baseline.Previous(ctx, []*model.Issue{is}, s.now()))
	return Detail{Scored: scored[0], AllowedTransitions: status.Allowed(is.Status)}, nil
}

// ChangeStatus validates the transition against the workflow and persists it
// together with its change-feed row. A reopen whose fingerprint was taken by a
// newer issue fails with repository.ErrFingerprintConflict.
func (s *Service) ChangeStatus(ctx context.Context, issueID string, to model.Status) (*model.Issue, error) {
	var out *model.Issue
	err := s.retry(ctx, func() error {
		return s.store.Atomic(ctx, func(ctx context.Context, st repository.Store) error {
			is, err := st.GetIssue(ctx, issueID)
			if err != nil {
				return fmt.Errorf("get issue: %w", err)
			}
			if is == nil {
				return fmt.Errorf("issue %s: %w", issueID, repository.ErrNotFound)
			}

			from := is.Status
			if err := status.Transition(is, to); err != nil {
				return err
			}
			if err := st.UpdateIssue(ctx, issueID, model.IssuePatch{ExpectStatus: &from, Status: &to}); err != nil {
				return fmt.Errorf("update issue: %w", err)
			}

			updated, err := st.GetIssue(ctx, issueID)
			if err != nil {
				return fmt.Errorf("reload issue: %w", err)
			}
			change := model.ChangeOf(updated, s.now())
			change.PreviousStatus = from
			if err := repository.WriteChange(ctx, st, model.TopicIssueStatusChanged, change); err != nil {
				return err
			}
			out = updated
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, status.ErrInvalidTransition) {
			metrics.StatusTransitions.WithLabelValues("rejected").Inc()
		}
		return nil, err
	}

	metrics.StatusTransitions.WithLabelValues("applied").Inc()
	s.log.Info("issue status changed",
		zap.String("issue_id", issueID),
		zap.String("status", to.String()))
	return out, nil
}

// Reassign overrides the routing. An empty assignee clears it.
func (s *Service) Reassign(ctx context.Context, issueID, assignee string) (*model.Issue, error) {
	assignee = strings.TrimSpace(assignee)

	var out *model.Issue
	err := s.retry(ctx, func() error {
		return s.store.Atomic(ctx, func(ctx context.Context, st repository.Store) error {
			is, err := st.GetIssue(ctx, issueID)
			if err != nil {
				return fmt.Errorf("get issue: %w", err)
			}
			if is == nil {
				return fmt.Errorf("issue %s: %w", issueID, repository.ErrNotFound)
			}
			if err := st.UpdateIssue(ctx, issueID, model.IssuePatch{AssignedTo: &assignee}); err != nil {
				return fmt.Errorf("update issue: %w", err)
			}

			updated, err := st.GetIssue(ctx, issueID)
			if err != nil {
				return fmt.Errorf("reload issue: %w", err)
			}
			if err := repository.WriteChange(ctx, st, model.TopicIssueAssigned, model.ChangeOf(updated, s.now())); err != nil {
				return err
			}
			out = updated
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("issue reassigned", zap.String("issue_id", issueID))
	return out, nil
}

// retry repeats fn while it loses optimistic races. Fingerprint conflicts
// are final here: they mean another issue owns the key.
func (s *Service) retry(ctx context.Context, fn func() error) error {
	var err error
	for i := 0; i < maxWriteAttempts; i++ {
		err = fn()
		if !errors.Is(err, repository.ErrVersionConflict) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return err
}
