package http

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/jmehdipour/feedback-gateway/internal/http/middleware"
	"github.com/jmehdipour/feedback-gateway/internal/model"
	"github.com/jmehdipour/feedback-gateway/internal/priority"
	"github.com/jmehdipour/feedback-gateway/internal/repository"
	"github.com/jmehdipour/feedback-gateway/internal/service/issues"
	"github.com/labstack/echo/v4"
)

func listIssuesHandler(svc IssueService) echo.HandlerFunc {
	return func(c echo.Context) error {
		appID, ok := middleware.AppIDFromCtx(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}

		q := issues.ListQuery{IssueFilter: model.IssueFilter{
			AppID:       appID,
			Environment: strings.TrimSpace(c.QueryParam("environment")),
			Limit:       issues.DefaultLimit,
		}}
		if v := c.QueryParam("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= issues.MaxLimit {
				q.Limit = n
			}
		}
		if v := c.QueryParam("offset"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				q.Offset = n
			}
		}
		if raw := c.QueryParam("status"); raw != "" {
			st, ok := model.ParseStatus(raw)
			if !ok {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid status"})
			}
			q.Status = st
		}
		if raw := c.QueryParam("tier"); raw != "" {
			tier, ok := priority.ParseTier(raw)
			if !ok {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid tier"})
			}
			q.Tier = tier
		}

		list, err := svc.List(c.Request().Context(), q)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{
			"limit":   q.Limit,
			"offset":  q.Offset,
			"count":   len(list),
			"results": list,
		})
	}
}

func getIssueHandler(svc IssueService) echo.HandlerFunc {
	return func(c echo.Context) error {
		d, err := ownedIssue(c, svc)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, d)
	}
}

type statusReq struct {
	Status string `json:"status"`
}

func changeStatusHandler(svc IssueService) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req statusReq
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}
		to, ok := model.ParseStatus(req.Status)
		if !ok {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid status"})
		}
		if _, err := ownedIssue(c, svc); err != nil {
			return writeError(c, err)
		}

		is, err := svc.ChangeStatus(c.Request().Context(), c.Param("id"), to)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, is)
	}
}

type assigneeReq struct {
	AssignedTo string `json:"assigned_to"`
}

func reassignHandler(svc IssueService) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req assigneeReq
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}
		if _, err := ownedIssue(c, svc); err != nil {
			return writeError(c, err)
		}

		is, err := svc.Reassign(c.Request().Context(), c.Param("id"), req.AssignedTo)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, is)
	}
}

// ownedIssue loads the :id issue and hides issues of other apps as not found.
func ownedIssue(c echo.Context, svc IssueService) (issues.Detail, error) {
	appID, _ := middleware.AppIDFromCtx(c)
	d, err := svc.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return issues.Detail{}, err
	}
	if d.Issue.AppID != appID {
		return issues.Detail{}, repository.ErrNotFound
	}
	return d, nil
}
