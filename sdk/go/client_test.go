package launchpathsdk

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"launchpath/internal/config"
	"launchpath/internal/db"
	"launchpath/internal/engine"
	"launchpath/internal/migrate"
	"launchpath/internal/provider"
	"launchpath/internal/server"
)

type cannedInvoker struct{}

func (cannedInvoker) Invoke(_ context.Context, call provider.Call) (provider.Response, error) {
	return provider.Response{Data: map[string]any{"note": call.Feature}, Model: "canned", Tokens: 5}, nil
}

func newClient(t *testing.T) *Client {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))
	e, err := engine.New(conn, config.Default(), engine.WithInvoker(cannedInvoker{}))
	require.NoError(t, err)
	handler, err := server.New(server.Config{Engine: e})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	c := New(srv.URL)
	c.ActorID = "sdk-user"
	return c
}

func TestClientWorkflow(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	p, err := c.CreateProject(ctx, ProjectInput{Idea: "Subscription plant care"})
	require.NoError(t, err)
	assert.Equal(t, "sdk-user", p.OwnerID)

	mine, err := c.Projects(ctx)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, p.ID, mine[0].ID)

	run, err := c.GenerateStage(ctx, p.ID, "idea_check")
	require.NoError(t, err)
	assert.True(t, run.Success)
	assert.Len(t, run.Steps, 3)

	tr, err := c.LockStage(ctx, p.ID, "idea_check")
	require.NoError(t, err)
	assert.Equal(t, "locked", tr.Statuses["idea_check"])

	chk, err := c.CheckUpstream(ctx, p.ID, "market_reality")
	require.NoError(t, err)
	assert.True(t, chk.Locked)

	arts, err := c.Artifacts(ctx, p.ID, "idea_check")
	require.NoError(t, err)
	assert.Len(t, arts, 3)

	b, err := c.Budget(ctx)
	require.NoError(t, err)
	assert.True(t, b.Allowed)
	assert.Equal(t, int64(1_000_000), b.Limit)

	evts, err := c.Events(ctx, p.ID, 2)
	require.NoError(t, err)
	assert.Len(t, evts, 2)
	assert.Equal(t, "stage.locked", evts[0].Type)
}

func TestClientDecodesErrorEnvelope(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()
	p, err := c.CreateProject(ctx, ProjectInput{Idea: "Subscription plant care"})
	require.NoError(t, err)
	_, err = c.LockStage(ctx, p.ID, "idea_check")
	require.NoError(t, err)

	_, err = c.GenerateFeature(ctx, p.ID, "evaluation")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "stage_locked", apiErr.Code)
	assert.False(t, apiErr.Timeout())
}
