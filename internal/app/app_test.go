package app

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"launchpath/internal/engine"
	"launchpath/internal/generation"
)

func TestOpenWithDefaults(t *testing.T) {
	ctx := context.Background()
	a, err := Open(ctx, Options{Workspace: t.TempDir(), LogWriter: io.Discard})
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.Operator)
	assert.Equal(t, int64(1_000_000), a.Config.Budget.DailyTokenLimit)
	rep, err := a.Engine.BudgetStatus(ctx)
	require.NoError(t, err)
	assert.True(t, rep.Allowed)
}

func TestOpenAppliesBudgetOverrides(t *testing.T) {
	ctx := context.Background()
	on, limit := true, int64(42)
	a, err := Open(ctx, Options{Workspace: t.TempDir(), LogWriter: io.Discard, KillSwitch: &on, DailyTokenLimit: &limit})
	require.NoError(t, err)
	defer a.Close()

	rep, err := a.Engine.BudgetStatus(ctx)
	require.NoError(t, err)
	assert.False(t, rep.Allowed)
	assert.Equal(t, int64(42), rep.Limit)
}

func TestOpenRejectsBadLogLevel(t *testing.T) {
	_, err := Open(context.Background(), Options{Workspace: t.TempDir(), LogLevel: "loud"})
	assert.Error(t, err)
}

func TestOpenUsesRedisSwitchboard(t *testing.T) {
	mr := miniredis.RunT(t)
	dir := t.TempDir()
	yml := "operator:\n  redis_url: redis://" + mr.Addr() + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "launchpath.yml"), []byte(yml), 0o644))

	ctx := context.Background()
	a, err := Open(ctx, Options{Workspace: dir, LogWriter: io.Discard})
	require.NoError(t, err)
	defer a.Close()
	require.NotNil(t, a.Operator)

	require.NoError(t, a.Operator.SetKillSwitch(ctx, true))
	p, err := a.Engine.InitProject(ctx, engine.ProjectCreateOptions{OwnerID: "ops", Idea: "Tool rental for makers"})
	require.NoError(t, err)
	_, err = a.Engine.RunFeature(ctx, p.ID, "evaluation", "ops")
	assert.ErrorIs(t, err, generation.ErrAIKillSwitchActive)
}
