package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/jmehdipour/feedback-gateway/internal/correlator"
	"github.com/jmehdipour/feedback-gateway/internal/ingest"
	"github.com/jmehdipour/feedback-gateway/internal/repository"
	"github.com/jmehdipour/feedback-gateway/internal/status"
	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
)

// writeError maps domain errors to status codes. Unknown errors are logged
// and reported as 500 without detail.
func writeError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ingest.ErrInvalidEvent):
		return c.JSON(http.StatusUnprocessableEntity, map[string]string{"error": "invalid_event", "description": err.Error()})
	case errors.Is(err, status.ErrInvalidTransition):
		return c.JSON(http.StatusConflict, map[string]string{"error": "invalid_transition", "description": err.Error()})
	case errors.Is(err, repository.ErrFingerprintConflict):
		return c.JSON(http.StatusConflict, map[string]string{"error": "fingerprint_conflict", "description": "another open issue already groups these events"})
	case errors.Is(err, correlator.ErrTooManyConflicts), errors.Is(err, repository.ErrVersionConflict):
		return c.JSON(http.StatusConflict, map[string]string{"error": "conflict", "description": "concurrent update, retry the request"})
	case errors.Is(err, repository.ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "not_found"})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "request cancelled"})
	}

	log.Errorf("%s %s failed: %v", c.Request().Method, c.Path(), err)
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "store error"})
}
