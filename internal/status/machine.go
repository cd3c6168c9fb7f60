// Package status validates issue lifecycle transitions.
package status

import (
	"errors"
	"fmt"

	"github.com/jmehdipour/feedback-gateway/internal/model"
)

var ErrInvalidTransition = errors.New("invalid status transition")

// transitions is the full set of legal edges. Anything missing is rejected.
// resolved is not terminal: issues recur and can be reopened.
var transitions = map[model.Status]map[model.Status]bool{
	model.StatusNew: {
		model.StatusTriaged:    true,
		model.StatusInProgress: true,
		model.StatusResolved:   true,
	},
	model.StatusTriaged: {
		model.StatusInProgress: true,
		model.StatusBlocked:    true,
		model.StatusSnoozed:    true,
		model.StatusResolved:   true,
	},
	model.StatusInProgress: {
		model.StatusBlocked:  true,
		model.StatusSnoozed:  true,
		model.StatusResolved: true,
	},
	model.StatusBlocked: {
		model.StatusInProgress: true,
		model.StatusResolved:   true,
	},
	model.StatusSnoozed: {
		model.StatusTriaged:    true,
		model.StatusInProgress: true,
		model.StatusResolved:   true,
	},
	model.StatusResolved: {
		model.StatusTriaged:    true,
		model.StatusInProgress: true,
	},
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to model.Status) bool {
	targets, ok := transitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Allowed lists the targets reachable from s in a stable order.
func Allowed(s model.Status) []model.Status {
	order := []model.Status{
		model.StatusNew, model.StatusTriaged, model.StatusInProgress,
		model.StatusBlocked, model.StatusSnoozed, model.StatusResolved,
	}
	var out []model.Status
	for _, to := range order {
		if CanTransition(s, to) {
			out = append(out, to)
		}
	}
	return out
}

// Transition moves issue to the target status. On rejection the issue is left
// untouched and the error wraps ErrInvalidTransition.
func Transition(issue *model.Issue, to model.Status) error {
	if !CanTransition(issue.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, issue.Status, to)
	}
	issue.Status = to
	return nil
}

// IsReopen reports whether from -> to brings a resolved issue back.
func IsReopen(from, to model.Status) bool {
	return from == model.StatusResolved && to != model.StatusResolved
}
