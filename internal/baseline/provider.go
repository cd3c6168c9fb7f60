// Package baseline supplies the previous-24h occurrence counts the priority
// trend component compares against.
package baseline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/jmehdipour/feedback-gateway/internal/metrics"
	"github.com/jmehdipour/feedback-gateway/internal/model"
	"github.com/jmehdipour/feedback-gateway/internal/repository"
)

const Window = 24 * time.Hour

// Provider returns, per issue id, the occurrence count of the 24h window that
// precedes the current one. Issues missing from the result have no baseline.
type Provider interface {
	Previous(ctx context.Context, issues []*model.Issue, now time.Time) map[string]int
}

// Nop never has a baseline, which turns the trend component off.
type Nop struct{}

func (Nop) Previous(context.Context, []*model.Issue, time.Time) map[string]int { return nil }

// ClickHouseProvider reads baselines from the analytics read model. Lookups
// are best effort: failures and an open breaker both yield no baseline.
type ClickHouseProvider struct {
	repo    repository.CHEventsRepository
	breaker *MicroBreaker
	timeout time.Duration
	log     *zap.Logger
}

func NewClickHouseProvider(repo repository.CHEventsRepository, breaker *MicroBreaker, timeout time.Duration, log *zap.Logger) *ClickHouseProvider {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &ClickHouseProvider{repo: repo, breaker: breaker, timeout: timeout, log: log.Named("baseline")}
}

func (p *ClickHouseProvider) Previous(ctx context.Context, issues []*model.Issue, now time.Time) map[string]int {
	if len(issues) == 0 {
		return nil
	}
	if !p.breaker.TryAcquire() {
		metrics.BaselineLookups.WithLabelValues("skipped").Inc()
		return nil
	}

	ids := make([]string, len(issues))
	for i, is := range issues {
		ids[i] = is.ID
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	counts, err := p.repo.CountByIssues(ctx, ids, now.Add(-2*Window), now.Add(-Window))
	if err != nil {
		p.breaker.OnFailure()
		metrics.BaselineLookups.WithLabelValues("error").Inc()
		p.log.Warn("baseline lookup failed",
			zap.Int("issues", len(ids)),
			zap.String("breaker", p.breaker.State()),
			zap.Error(err))
		return nil
	}
	p.breaker.OnSuccess()
	metrics.BaselineLookups.WithLabelValues("ok").Inc()
	return counts
}
