package routing

import (
	"strings"

	"github.com/jmehdipour/feedback-gateway/internal/model"
)

// ComputeInitialRouting assigns a new issue to the first configured product
// owner. It returns nil (not an empty Routing) when the app is unknown or has
// no owners. Only called when an issue is created, never on attach.
func ComputeInitialRouting(app *model.App) *model.Routing {
	if app == nil {
		return nil
	}
	for _, email := range app.Owners.POEmails {
		if e := strings.TrimSpace(email); e != "" {
			return &model.Routing{AssignedTo: e}
		}
	}
	return nil
}
