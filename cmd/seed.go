package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/jmehdipour/feedback-gateway/internal/bootstrap"
	"github.com/jmehdipour/feedback-gateway/internal/model"
	"github.com/jmehdipour/feedback-gateway/internal/repository"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the store with demo apps",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := bootstrap.Load(cmd.Context(), cfgPath)
		if err != nil {
			return err
		}
		defer rt.Close(context.Background())

		rt.Log.Info("seeding demo apps")
		n, err := seedApps(cmd.Context(), rt.Store, time.Now())
		if err != nil {
			return err
		}
		rt.Log.Info("seed completed", zap.Int("apps", n))
		return nil
	},
}

// demoApps are deterministic so that seeding twice is a no-op.
func demoApps() []model.App {
	return []model.App{
		{
			ID:     "acme-web",
			Name:   "Acme Web Shop",
			APIKey: "11111111111111111111111111111111",
			Status: "active", RateLimitRPS: intptr(20),
			Owners: model.Owners{POEmails: []string{"po-web@acme.test", "lead-web@acme.test"}},
		},
		{
			ID:     "acme-mobile",
			Name:   "Acme Mobile",
			APIKey: "22222222222222222222222222222222",
			Status: "active", RateLimitRPS: intptr(50),
			RedactionProfile: "strict",
			Owners:           model.Owners{POEmails: []string{"po-mobile@acme.test"}},
		},
		{
			ID:     "internal-tools",
			Name:   "Internal Tools",
			APIKey: "33333333333333333333333333333333",
			Status: "active", RateLimitRPS: intptr(5),
			RedactionProfile: "relaxed",
		},
		{
			ID:     "legacy-portal",
			Name:   "Legacy Portal",
			APIKey: "44444444444444444444444444444444",
			Status: "suspended",
			Owners: model.Owners{POEmails: []string{"archive@acme.test"}},
		},
	}
}

func seedApps(ctx context.Context, st repository.TxStore, now time.Time) (int, error) {
	apps := demoApps()
	err := st.Atomic(ctx, func(ctx context.Context, s repository.Store) error {
		for _, a := range apps {
			existing, err := s.GetApp(ctx, a.ID)
			if err != nil {
				return fmt.Errorf("get app %q: %w", a.ID, err)
			}
			a.CreatedAt = now
			if existing != nil {
				a.CreatedAt = existing.CreatedAt
			}
			if err := s.UpsertApp(ctx, a); err != nil {
				return fmt.Errorf("upsert app %q: %w", a.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(apps), nil
}

func intptr(i int) *int { return &i }
