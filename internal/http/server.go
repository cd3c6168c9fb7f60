package http

import (
	"context"
	"net/http"
	"time"

	"github.com/jmehdipour/feedback-gateway/internal/correlator"
	"github.com/jmehdipour/feedback-gateway/internal/http/middleware"
	"github.com/jmehdipour/feedback-gateway/internal/ingest"
	"github.com/jmehdipour/feedback-gateway/internal/model"
	"github.com/jmehdipour/feedback-gateway/internal/priority"
	"github.com/jmehdipour/feedback-gateway/internal/service/issues"
	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventProcessor is the correlator as seen by the ingestion edge.
type EventProcessor interface {
	ProcessEvent(ctx context.Context, in model.EventInput) (correlator.Result, error)
}

// IssueService backs the console routes.
type IssueService interface {
	List(ctx context.Context, q issues.ListQuery) ([]priority.Scored, error)
	Get(ctx context.Context, issueID string) (issues.Detail, error)
	ChangeStatus(ctx context.Context, issueID string, to model.Status) (*model.Issue, error)
	Reassign(ctx context.Context, issueID, assignee string) (*model.Issue, error)
}

type Deps struct {
	Apps       middleware.AppLookup
	Processor  EventProcessor
	Issues     IssueService
	Decoder    *ingest.Decoder
	Redis      *redis.Client // nil disables rate limiting
	DefaultRPS int
}

type Server struct {
	e   *echo.Echo
	log *zap.Logger
}

func NewServer(d Deps, log *zap.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echoMid.Recover(), echoMid.Logger())

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// health
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	// middlewares
	authMW := middleware.APIKeyMiddleware(d.Apps)
	rlMW := middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Redis:          d.Redis,
		DefaultRPS:     d.DefaultRPS,
		KeyPrefix:      "rl:app:",
		Window:         time.Second,
		RetryAfterHint: true,
	})

	// routes
	v1 := e.Group("/v1", authMW)
	v1.POST("/events", ingestEventHandler(d.Decoder, d.Processor), rlMW)
	v1.GET("/issues", listIssuesHandler(d.Issues))
	v1.GET("/issues/:id", getIssueHandler(d.Issues))
	v1.POST("/issues/:id/status", changeStatusHandler(d.Issues))
	v1.POST("/issues/:id/assignee", reassignHandler(d.Issues))

	return &Server{e: e, log: log.Named("http")}
}

func (s *Server) Start(addr string) error {
	s.log.Info("listening", zap.String("addr", addr))
	return s.e.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }

// ServeHTTP lets tests drive the router without a listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.e.ServeHTTP(w, r) }
