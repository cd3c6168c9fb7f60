package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
)

// CHEventsRepository reads the issue_events_log read model in ClickHouse, fed
// by CDC from the issue_events table.
type CHEventsRepository interface {
	// CountByIssues returns occurrences per issue with event_ts in [from, to).
	// Issues without occurrences are absent from the map.
	CountByIssues(ctx context.Context, issueIDs []string, from, to time.Time) (map[string]int, error)
}

type chEventsRepository struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewCHEventsRepository(ch *sqlx.DB) CHEventsRepository {
	return &chEventsRepository{ch: ch}
}

func (r *chEventsRepository) CountByIssues(ctx context.Context, issueIDs []string, from, to time.Time) (map[string]int, error) {
	if len(issueIDs) == 0 {
		return map[string]int{}, nil
	}

	q, args, err := sqlx.In(`
		SELECT issue_id, uniqExact(event_id) AS n
		FROM fbgw.issue_events_log
		WHERE issue_id IN (?)
		  AND event_ts >= ? AND event_ts < ?
		GROUP BY issue_id
	`, issueIDs, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}

	var rows []struct {
		IssueID string `db:"issue_id"`
		N       uint64 `db:"n"`
	}
	if err := r.ch.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}

	out := make(map[string]int, len(rows))
	for _, row := range rows {
		out[row.IssueID] = int(row.N)
	}
	return out, nil
}
