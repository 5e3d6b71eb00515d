package storage

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// skipIfNoRedis はREDIS_ADDRが未設定、または接続できない場合にテストをスキップする
func skipIfNoRedis(t *testing.T) *RedisStorage {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	st, err := NewRedisStorage(RedisConfig{Addr: addr, Block: 200 * time.Millisecond}, slog.Default())
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	return st
}

func TestRedisStorage_Conformance(t *testing.T) {
	st := skipIfNoRedis(t)
	defer st.Close()

	testStorageConformance(t, st)
}

func TestRedisStorage_MalformedEntryIsDeliveredAsNil(t *testing.T) {
	req := require.New(t)
	st := skipIfNoRedis(t)
	defer st.Close()

	ctx := context.Background()
	path := "messages-malformed-" + time.Now().Format("150405.000000")
	defer st.client.Del(ctx, redisStreamKey(path), redisKeysKey(path))

	// 値がJSONでないエントリ
	req.NoError(st.client.XAdd(ctx, &redis.XAddArgs{Stream: redisStreamKey(path), Values: map[string]any{"k": "bad", "v": "{"}}).Err())

	snaps, _, cancel := observe(t, st, path)
	defer cancel()

	got := receive(t, snaps, 1)
	req.Equal("bad", got[0].Key)
	req.Nil(got[0].Value)
}

// TestRedisStorage_ImplementsStorage はRedisStorageがStorageインターフェースを実装していることを確認する
func TestRedisStorage_ImplementsStorage(t *testing.T) {
	var _ Storage = (*RedisStorage)(nil)
}
