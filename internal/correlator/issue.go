package correlator

import (
	"strings"
	"time"

	"github.com/jmehdipour/feedback-gateway/internal/model"
)

const (
	maxErrorTitleRunes    = 200
	maxFeedbackTitleRunes = 120
	defaultFeedbackTitle  = "User feedback"
)

// initialSeverity is P2 for errors and P3 for feedback unless the reporter
// supplied a valid hint.
func initialSeverity(ev *model.Event) model.Severity {
	if fb, ok := ev.Payload.(model.FeedbackPayload); ok {
		if sv, ok := model.ParseSeverity(string(fb.Severity)); ok {
			return sv
		}
		return model.SeverityP3
	}
	if ev.Type == model.EventTypeFeedback {
		return model.SeverityP3
	}
	return model.SeverityP2
}

func titleOf(ev *model.Event) string {
	switch p := ev.Payload.(type) {
	case model.FeedbackPayload:
		if line := firstLine(p.Message); line != "" {
			return truncate(line, maxFeedbackTitleRunes)
		}
		return defaultFeedbackTitle
	case model.FrontendErrorPayload:
		return errorTitle(p.ErrorType, p.Message)
	case model.BackendErrorPayload:
		return errorTitle(p.ErrorType, p.Message)
	default:
		if ev.Type == model.EventTypeFeedback {
			return defaultFeedbackTitle
		}
		return "Error"
	}
}

func errorTitle(errorType, message string) string {
	errorType = strings.TrimSpace(errorType)
	if errorType == "" {
		errorType = "Error"
	}
	msg := firstLine(message)
	if msg == "" {
		return truncate(errorType, maxErrorTitleRunes)
	}
	return truncate(errorType+": "+msg, maxErrorTitleRunes)
}

func descriptionOf(ev *model.Event) string {
	switch p := ev.Payload.(type) {
	case model.FeedbackPayload:
		return strings.TrimSpace(p.Message)
	case model.FrontendErrorPayload:
		return strings.TrimSpace(p.Message)
	case model.BackendErrorPayload:
		d := strings.TrimSpace(p.Message)
		if p.Endpoint != "" {
			d = strings.TrimSpace(d + "\n\nendpoint: " + p.Endpoint)
		}
		return d
	default:
		return ""
	}
}

func tagsOf(ev *model.Event) []string {
	var tags []string
	if v := strings.TrimSpace(ev.Version); v != "" {
		tags = append(tags, "release:"+v)
	}
	if fb, ok := ev.Payload.(model.FeedbackPayload); ok {
		if c := strings.TrimSpace(fb.Category); c != "" {
			tags = append(tags, "category:"+strings.ToLower(c))
		}
	}
	if be, ok := ev.Payload.(model.BackendErrorPayload); ok && be.Service != "" {
		tags = append(tags, "service:"+be.Service)
	}
	return tags
}

// windowCounts counts refs stamped within [now-window, now] and the distinct
// users among them.
func windowCounts(refs []model.IssueEventRef, now time.Time, window time.Duration) (occurrences, users int) {
	from := now.Add(-window)
	seen := make(map[string]struct{})
	for _, r := range refs {
		if r.Timestamp.Before(from) || r.Timestamp.After(now) {
			continue
		}
		occurrences++
		if k := r.UserKey(); k != "" {
			seen[k] = struct{}{}
		}
	}
	return occurrences, len(seen)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	return s
}

func truncate(s string, n int) string {
	if r := []rune(s); len(r) > n {
		return string(r[:n])
	}
	return s
}
