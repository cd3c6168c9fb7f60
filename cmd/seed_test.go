package cmd

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmehdipour/feedback-gateway/internal/repository"
)

func TestSeedApps_Idempotent(t *testing.T) {
	ctx := context.Background()
	st := repository.NewMemoryStore()
	first := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	n, err := seedApps(ctx, st, first)
	require.NoError(t, err)
	assert.Equal(t, len(demoApps()), n)

	_, err = seedApps(ctx, st, first.Add(24*time.Hour))
	require.NoError(t, err)

	app, err := st.GetAppByAPIKey(ctx, "11111111111111111111111111111111")
	require.NoError(t, err)
	require.NotNil(t, app)
	assert.Equal(t, "acme-web", app.ID)
	assert.Equal(t, first, app.CreatedAt, "re-seeding keeps created_at")
	assert.Equal(t, []string{"po-web@acme.test", "lead-web@acme.test"}, app.Owners.POEmails)

	suspended, err := st.GetApp(ctx, "legacy-portal")
	require.NoError(t, err)
	assert.Equal(t, "suspended", suspended.Status)
}
