// Package bootstrap wires config into the long-lived components shared by
// the serve and worker commands.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/jmehdipour/feedback-gateway/internal/config"
	"github.com/jmehdipour/feedback-gateway/internal/correlator"
	"github.com/jmehdipour/feedback-gateway/internal/db"
	"github.com/jmehdipour/feedback-gateway/internal/logger"
	"github.com/jmehdipour/feedback-gateway/internal/redact"
	"github.com/jmehdipour/feedback-gateway/internal/repository"
	"github.com/jmehdipour/feedback-gateway/internal/telemetry"
)

// Runtime holds what every command needs. Close releases it in reverse order.
type Runtime struct {
	Config  config.Config
	Log     *zap.Logger
	Store   repository.TxStore
	DB      *sqlx.DB // nil for the memory store
	Tracing *telemetry.Tracing
}

// Load reads config, builds the logger and tracing, and opens the store.
func Load(ctx context.Context, cfgPath string) (*Runtime, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	tr, err := telemetry.NewTracing(ctx, cfg.Tracing.Endpoint, cfg.Tracing.ServiceName, cfg.Tracing.Insecure)
	if err != nil {
		_ = log.Sync()
		return nil, fmt.Errorf("tracing: %w", err)
	}
	tr.SetGlobal()

	rt := &Runtime{Config: cfg, Log: log, Tracing: tr}
	if err := rt.openStore(); err != nil {
		_ = tr.Shutdown(ctx)
		_ = log.Sync()
		return nil, err
	}
	return rt, nil
}

func (rt *Runtime) openStore() error {
	sc := rt.Config.Store
	if sc.Driver == db.DriverMemory {
		rt.Log.Warn("using in-memory store, data is lost on exit")
		rt.Store = repository.NewMemoryStore()
		return nil
	}

	dbx, err := OpenSQL(sc)
	if err != nil {
		return fmt.Errorf("%s connect: %w", sc.Driver, err)
	}
	rt.DB = dbx
	rt.Store = repository.NewSQLStore(dbx, sc.Driver)
	return nil
}

// OpenSQL opens the relational store described by sc.
func OpenSQL(sc config.StoreConfig) (*sqlx.DB, error) {
	return db.Open(sc.Driver, sc.DSN, db.SQLOpts{
		MaxOpenConns:    sc.MaxOpenConns,
		MaxIdleConns:    sc.MaxIdleConns,
		ConnMaxLifetime: sc.ConnMaxLifetime,
		ConnMaxIdleTime: sc.ConnMaxIdleTime,
		PingTimeout:     sc.PingTimeout,
	})
}

// Correlator builds the correlator from the redaction and correlator sections.
func (rt *Runtime) Correlator() (*correlator.Correlator, error) {
	profile, ok := redact.ParseProfile(rt.Config.Redaction.DefaultProfile)
	if !ok {
		return nil, fmt.Errorf("unknown redaction.default_profile %q", rt.Config.Redaction.DefaultProfile)
	}
	for app, name := range rt.Config.Redaction.Overrides {
		if _, ok := redact.ParseProfile(name); !ok {
			return nil, fmt.Errorf("unknown redaction profile %q for app %s", name, app)
		}
	}
	return correlator.New(rt.Store, redact.New(), correlator.Config{
		MaxAttempts:      rt.Config.Correlator.MaxAttempts,
		Window:           rt.Config.Correlator.Window,
		DefaultProfile:   profile,
		ProfileOverrides: rt.Config.Redaction.Overrides,
	}, rt.Log, correlator.WithTracer(otel.Tracer("github.com/jmehdipour/feedback-gateway/internal/correlator"))), nil
}

func (rt *Runtime) Close(ctx context.Context) {
	if rt.DB != nil {
		_ = rt.DB.Close()
	}
	if err := rt.Tracing.Shutdown(ctx); err != nil {
		rt.Log.Warn("tracing shutdown", zap.Error(err))
	}
	_ = rt.Log.Sync()
}
