package redis

import (
	"context"
	"testing"

	"tickstock-stream/common/config"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPing(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	client := NewRedisClient(&config.RedisConfig{Addr: addr})
	defer client.Close()

	require.NoError(t, Ping(context.Background(), client))

	mr.Close()
	err := Ping(context.Background(), client)
	require.Error(t, err)
	assert.Contains(t, err.Error(), addr)
}
