package cmd

import (
	"errors"
	"fmt"

	"github.com/jmehdipour/feedback-gateway/internal/config"
	"github.com/jmehdipour/feedback-gateway/internal/bootstrap"
	"github.com/jmehdipour/feedback-gateway/internal/db"
	"github.com/spf13/cobra"
)

var migrateClickHouse bool

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down]",
	Short:     "Apply (or roll back) the embedded schema migrations",
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down"},
	RunE: func(cmd *cobra.Command, args []string) error {
		direction := "up"
		if len(args) == 1 {
			direction = args[0]
		}

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if cfg.Store.Driver == db.DriverMemory {
			return errors.New("memory store has no schema to migrate")
		}

		sqlDB, err := bootstrap.OpenSQL(cfg.Store)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer sqlDB.Close()

		switch err := db.Migrate(sqlDB, cfg.Store.Driver, direction); {
		case errors.Is(err, db.ErrNoChange):
			fmt.Println(">> Schema already up to date")
		case err != nil:
			return fmt.Errorf("migrate %s: %w", direction, err)
		default:
			fmt.Printf(">> Migration %s complete (%s)\n", direction, cfg.Store.Driver)
		}

		if migrateClickHouse && direction == "up" {
			chDB, err := db.NewClickHouseConnection(db.ClickHouseOpts{
				DSN:         cfg.ClickHouse.DSN,
				PingTimeout: cfg.ClickHouse.PingTimeout,
			})
			if err != nil {
				return fmt.Errorf("clickhouse connect: %w", err)
			}
			if chDB == nil {
				return errors.New("clickhouse.dsn is empty")
			}
			defer chDB.Close()
			if err := db.EnsureClickHouseSchema(cmd.Context(), chDB); err != nil {
				return err
			}
			fmt.Println(">> ClickHouse read model ready")
		}
		return nil
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateClickHouse, "clickhouse", false, "also create the ClickHouse read-model tables")
}
