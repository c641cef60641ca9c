package repository

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const echoScript = `return tonumber(ARGV[1]) + redis.call('incr', KEYS[1])`

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisRepository) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, NewRedisRepositoryFromClient(client)
}

func TestRunScript(t *testing.T) {
	ctx := context.Background()
	_, repo := newTestRedis(t)

	require.NoError(t, repo.LoadScript(ctx, "echo", echoScript))

	res, err := repo.RunScript(ctx, "echo", []string{"k"}, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(11), res)
}

func TestRunScriptReloadsAfterFlush(t *testing.T) {
	ctx := context.Background()
	_, repo := newTestRedis(t)

	require.NoError(t, repo.LoadScript(ctx, "echo", echoScript))
	require.NoError(t, repo.Client().ScriptFlush(ctx).Err())

	res, err := repo.RunScript(ctx, "echo", []string{"k"}, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res)
}

func TestRunScriptUnknownName(t *testing.T) {
	_, repo := newTestRedis(t)

	_, err := repo.RunScript(context.Background(), "missing", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not loaded")
}
