package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestSetJSONGetJSON(t *testing.T) {
	mr, client := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, SetJSON(ctx, client, "hb", map[string]int{"uptime": 5}, time.Minute))
	assert.True(t, mr.Exists("hb"))

	var out map[string]int
	found, err := GetJSON(ctx, client, "hb", &out)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 5, out["uptime"])

	found, err = GetJSON(ctx, client, "missing", &out)
	require.NoError(t, err)
	assert.False(t, found)
}
