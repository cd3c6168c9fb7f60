package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/jmehdipour/feedback-gateway/internal/model"
	echo "github.com/labstack/echo/v4"
)

const (
	ctxAppID  = "app_id"
	ctxAppRPS = "app_rps"
)

// AppLookup resolves the app that owns an API key; nil means unknown.
type AppLookup interface {
	GetAppByAPIKey(ctx context.Context, apiKey string) (*model.App, error)
}

// AppIDFromCtx extracts the authenticated app id set by APIKeyMiddleware.
func AppIDFromCtx(c echo.Context) (string, bool) {
	id, ok := c.Get(ctxAppID).(string)
	return id, ok && id != ""
}

// APIKeyMiddleware authenticates requests using X-API-Key header.
// Suspended apps are rejected like unknown keys.
func APIKeyMiddleware(apps AppLookup) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := strings.TrimSpace(c.Request().Header.Get("X-API-Key"))
			if key == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing api key"})
			}
			app, err := apps.GetAppByAPIKey(c.Request().Context(), key)
			if err != nil {
				c.Logger().Errorf("api key lookup failed: %v", err)
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "auth error"})
			}
			if app == nil || app.Status != "active" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid api key"})
			}
			c.Set(ctxAppID, app.ID)
			if app.RateLimitRPS != nil {
				c.Set(ctxAppRPS, *app.RateLimitRPS)
			}
			return next(c)
		}
	}
}
