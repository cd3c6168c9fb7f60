package http

import (
	"fmt"
	"io"
	"net/http"

	"github.com/jmehdipour/feedback-gateway/internal/correlator"
	"github.com/jmehdipour/feedback-gateway/internal/http/middleware"
	"github.com/jmehdipour/feedback-gateway/internal/ingest"
	"github.com/jmehdipour/feedback-gateway/internal/metrics"
	"github.com/labstack/echo/v4"
)

func ingestEventHandler(dec *ingest.Decoder, proc EventProcessor) echo.HandlerFunc {
	return func(c echo.Context) error {
		// auth (set by APIKeyMiddleware)
		appID, ok := middleware.AppIDFromCtx(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}

		raw, err := io.ReadAll(io.LimitReader(c.Request().Body, ingest.MaxEventBytes+1))
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}

		in, err := dec.Decode(raw)
		if err != nil {
			metrics.EventsTotal.WithLabelValues("unknown", "rejected").Inc()
			return writeError(c, err)
		}
		if in.AppID != "" && in.AppID != appID {
			metrics.EventsTotal.WithLabelValues(in.Type.String(), "rejected").Inc()
			return writeError(c, fmt.Errorf("%w: app_id does not match api key", ingest.ErrInvalidEvent))
		}
		in.AppID = appID

		res, err := proc.ProcessEvent(c.Request().Context(), in)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(eventStatus(res), map[string]any{
			"event_id":   res.EventID,
			"issue_id":   res.Issue.ID,
			"created":    res.Created,
			"redactions": res.Redactions,
			"issue":      res.Issue,
		})
	}
}

func eventStatus(res correlator.Result) int {
	if res.Created {
		return http.StatusCreated
	}
	return http.StatusOK
}
