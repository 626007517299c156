package operator

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedis(client, "", Static{DailyTokenLimit: 1000}), mr
}

func TestStatic(t *testing.T) {
	s, err := Static{KillSwitch: true, DailyTokenLimit: 5}.Settings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Settings{KillSwitch: true, DailyTokenLimit: 5}, s)
}

func TestRedisFallsBackWhenKeysAbsent(t *testing.T) {
	sb, _ := newRedis(t)
	s, err := sb.Settings(context.Background())
	require.NoError(t, err)
	assert.False(t, s.KillSwitch)
	assert.Equal(t, int64(1000), s.DailyTokenLimit)
}

func TestRedisOverrides(t *testing.T) {
	ctx := context.Background()
	sb, mr := newRedis(t)

	require.NoError(t, sb.SetKillSwitch(ctx, true))
	require.NoError(t, sb.SetDailyTokenLimit(ctx, 42))
	raw, err := mr.Get("launchpath:operator:kill_switch")
	require.NoError(t, err)
	assert.Equal(t, "true", raw)

	s, err := sb.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, Settings{KillSwitch: true, DailyTokenLimit: 42}, s)

	// set externally, e.g. with redis-cli
	require.NoError(t, mr.Set("launchpath:operator:kill_switch", "0"))
	s, err = sb.Settings(ctx)
	require.NoError(t, err)
	assert.False(t, s.KillSwitch)

	require.NoError(t, sb.Reset(ctx))
	s, err = sb.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), s.DailyTokenLimit)
}

func TestRedisRejectsGarbage(t *testing.T) {
	sb, mr := newRedis(t)
	require.NoError(t, mr.Set("launchpath:operator:daily_token_limit", "lots"))
	_, err := sb.Settings(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "daily_token_limit")
	assert.Error(t, sb.SetDailyTokenLimit(context.Background(), -1))
}
