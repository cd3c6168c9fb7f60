// Package priority computes the bounded, explainable priority score used to
// order issues for review.
package priority

import (
	"sort"
	"strings"

	"github.com/jmehdipour/feedback-gateway/internal/model"
)

const (
	occurrenceCap = 100
	userCap       = 100
	trendCap      = 50
)

type Tier string

const (
	TierCritical Tier = "critical"
	TierHigh     Tier = "high"
	TierMedium   Tier = "medium"
	TierLow      Tier = "low"
)

func (t Tier) String() string { return string(t) }

// ParseTier returns (value, true) if valid.
func ParseTier(s string) (Tier, bool) {
	switch t := Tier(strings.ToLower(strings.TrimSpace(s))); t {
	case TierCritical, TierHigh, TierMedium, TierLow:
		return t, true
	}
	return "", false
}

// Score exposes every component so the console can explain an ordering.
type Score struct {
	SeverityWeight    float64 `json:"severity_weight"`
	EnvironmentWeight float64 `json:"environment_weight"`
	Base              float64 `json:"base"` // SeverityWeight * EnvironmentWeight
	Occurrences       float64 `json:"occurrences"`
	Users             float64 `json:"users"`
	Trend             float64 `json:"trend"`
	Total             float64 `json:"total"`
	Tier              Tier    `json:"tier"`
}

var severityWeights = map[model.Severity]float64{
	model.SeverityP0: 100,
	model.SeverityP1: 60,
	model.SeverityP2: 30,
	model.SeverityP3: 10,
}

// SeverityWeight falls back to P3's weight for unknown severities.
func SeverityWeight(s model.Severity) float64 {
	if w, ok := severityWeights[s]; ok {
		return w
	}
	return severityWeights[model.SeverityP3]
}

// EnvironmentWeight: prod=1.0, stage=0.6, anything else gets dev's 0.3.
func EnvironmentWeight(env string) float64 {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "prod":
		return 1.0
	case "stage":
		return 0.6
	default:
		return 0.3
	}
}

// Trend rewards accelerating issues. Without a positive baseline it is 0.
func Trend(current int, previous *int) float64 {
	if previous == nil || *previous <= 0 {
		return 0
	}
	prev := float64(*previous)
	return clamp((float64(current)-prev)/prev*100, 0, trendCap)
}

// Compute scores issue. previous is the caller-supplied occurrence count of the
// preceding 24h window; nil means no baseline.
func Compute(issue *model.Issue, previous *int) Score {
	s := Score{
		SeverityWeight:    SeverityWeight(issue.Severity),
		EnvironmentWeight: EnvironmentWeight(issue.Environment),
		Occurrences:       float64(min(issue.Counts.Occurrences24h, occurrenceCap)),
		Users:             float64(min(issue.Counts.UniqueUsers24hEst, userCap)),
		Trend:             Trend(issue.Counts.Occurrences24h, previous),
	}
	s.Base = s.SeverityWeight * s.EnvironmentWeight
	s.Total = s.Base + s.Occurrences + s.Users + s.Trend
	s.Tier = TierOf(s.Total)
	return s
}

// TierOf classifies a total; each tier includes its lower bound.
func TierOf(total float64) Tier {
	switch {
	case total >= 150:
		return TierCritical
	case total >= 100:
		return TierHigh
	case total >= 50:
		return TierMedium
	default:
		return TierLow
	}
}

type Scored struct {
	Issue *model.Issue `json:"issue"`
	Score Score        `json:"score"`
}

// ScoreAll scores issues using baselines keyed by issue ID (missing = no baseline).
func ScoreAll(issues []*model.Issue, baselines map[string]int) []Scored {
	out := make([]Scored, 0, len(issues))
	for _, is := range issues {
		var prev *int
		if v, ok := baselines[is.ID]; ok {
			prev = &v
		}
		out = append(out, Scored{Issue: is, Score: Compute(is, prev)})
	}
	return out
}

// SortByPriority orders by Total descending. Ties have no defined order.
func SortByPriority(scored []Scored) {
	sort.Slice(scored, func(i, j int) bool {
		return scored[i].Score.Total > scored[j].Score.Total
	})
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
