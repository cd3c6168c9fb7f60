package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmehdipour/feedback-gateway/internal/baseline"
	"github.com/jmehdipour/feedback-gateway/internal/bootstrap"
	"github.com/jmehdipour/feedback-gateway/internal/db"
	httpSrv "github.com/jmehdipour/feedback-gateway/internal/http"
	"github.com/jmehdipour/feedback-gateway/internal/ingest"
	"github.com/jmehdipour/feedback-gateway/internal/metrics"
	"github.com/jmehdipour/feedback-gateway/internal/repository"
	"github.com/jmehdipour/feedback-gateway/internal/service/issues"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := bootstrap.Load(cmd.Context(), cfgPath)
		if err != nil {
			return err
		}
		defer rt.Close(context.Background())
		cfg, log := rt.Config, rt.Log

		metrics.MustRegister(prometheus.DefaultRegisterer)

		redisClient, err := db.NewRedisClient(db.RedisOpts{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: cfg.Redis.DialTimeout,
		})
		if err != nil {
			return fmt.Errorf("redis connect: %w", err)
		}
		if redisClient != nil {
			defer func() { _ = redisClient.Close() }()
		} else {
			log.Warn("redis not configured, rate limiting disabled")
		}

		chDB, err := db.NewClickHouseConnection(db.ClickHouseOpts{
			DSN:             cfg.ClickHouse.DSN,
			MaxOpenConns:    cfg.ClickHouse.MaxOpenConns,
			MaxIdleConns:    cfg.ClickHouse.MaxIdleConns,
			ConnMaxLifetime: cfg.ClickHouse.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.ClickHouse.ConnMaxIdleTime,
			PingTimeout:     cfg.ClickHouse.PingTimeout,
		})
		if err != nil {
			return fmt.Errorf("clickhouse connect: %w", err)
		}
		var provider baseline.Provider = baseline.Nop{}
		if chDB != nil {
			defer func() { _ = chDB.Close() }()
			breaker := baseline.NewMicroBreaker(cfg.Priority.BaselineBreaker.FailThreshold, cfg.Priority.BaselineBreaker.OpenFor)
			provider = baseline.NewClickHouseProvider(repository.NewCHEventsRepository(chDB), breaker, cfg.Priority.BaselineTimeout, log)
		} else {
			log.Warn("clickhouse not configured, priority trend disabled")
		}

		corr, err := rt.Correlator()
		if err != nil {
			return err
		}
		dec, err := ingest.NewDecoder()
		if err != nil {
			return err
		}

		server := httpSrv.NewServer(httpSrv.Deps{
			Apps:       rt.Store,
			Processor:  corr,
			Issues:     issues.New(rt.Store, provider, log),
			Decoder:    dec,
			Redis:      redisClient,
			DefaultRPS: cfg.RateLimit.RPS,
		}, log)

		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Start(cfg.HTTP.Addr)
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			log.Info("signal received, shutting down", zap.String("signal", sig.String()))
		case err := <-errCh:
			if err != nil {
				log.Error("http server exited", zap.Error(err))
			}
		}

		timeout := cfg.HTTP.ShutdownTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_ = server.Shutdown(ctx)

		return nil
	},
}
