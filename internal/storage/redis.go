package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tasukuchiba/chat_app/internal/models"
)

const (
	redisStreamPrefix = "chat:children:"
	redisKeysPrefix   = "chat:keys:"

	// ストリームエントリのフィールド
	redisFieldKey   = "k"
	redisFieldValue = "v"

	redisReadCount = 100
)

// RedisStorage は子要素をRedis Streamsに保存するストレージ
// エントリIDはRedisが採番するため、XREADの順序がそのまま追加順になる
type RedisStorage struct {
	client *redis.Client
	log    *slog.Logger
	block  time.Duration
}

// RedisConfig はRedisStorageの設定
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// Block は1回のXREADで待つ最大時間
	Block time.Duration
}

// NewRedisStorage は新しいRedisStorageを作成する
func NewRedisStorage(cfg RedisConfig, log *slog.Logger) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	return &RedisStorage{client: client, log: log, block: block}, nil
}

func redisStreamKey(path string) string {
	return redisStreamPrefix + escapePath(path)
}

func redisKeysKey(path string) string {
	return redisKeysPrefix + escapePath(path)
}

// AppendChild は XADD でエントリを追加する
// キーの重複は HSETNX で先に予約して検出する
func (s *RedisStorage) AppendChild(ctx context.Context, path string, key string, value models.Record) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode child %s: %w", key, err)
	}

	reserved, err := s.client.HSetNX(ctx, redisKeysKey(path), key, "").Result()
	if err != nil {
		return s.wrap(err)
	}
	if !reserved {
		return ErrDuplicateKey
	}

	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: redisStreamKey(path),
		Values: map[string]any{
			redisFieldKey:   key,
			redisFieldValue: string(payload),
		},
	}).Result()
	if err != nil {
		// 予約を戻す
		if herr := s.client.HDel(context.WithoutCancel(ctx), redisKeysKey(path), key).Err(); herr != nil {
			s.log.Warn("Failed to release key reservation", "path", path, "key", key, "error", herr)
		}
		return s.wrap(err)
	}

	// 予約にエントリIDを記録する
	if err := s.client.HSet(ctx, redisKeysKey(path), key, id).Err(); err != nil {
		s.log.Warn("Failed to record entry id", "path", path, "key", key, "id", id, "error", err)
	}
	return nil
}

// ObserveChildAdded は 0-0 から XREAD BLOCK を繰り返し、既存エントリの後に新規エントリを通知する
func (s *RedisStorage) ObserveChildAdded(ctx context.Context, path string, l Listener) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return s.wrap(err)
	}
	l.connected()

	stream := redisStreamKey(path)
	lastID := "0-0"
	for {
		res, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{stream, lastID},
			Count:   redisReadCount,
			Block:   s.block,
		}).Result()
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			return s.wrap(err)
		}

		for _, xs := range res {
			for _, msg := range xs.Messages {
				if ctx.Err() != nil {
					return nil
				}
				l.OnChildAdded(s.decode(msg))
				lastID = msg.ID
			}
		}
	}
}

func (s *RedisStorage) decode(msg redis.XMessage) models.Snapshot {
	key, _ := msg.Values[redisFieldKey].(string)
	snap := models.Snapshot{Key: key}
	raw, ok := msg.Values[redisFieldValue].(string)
	if !ok {
		return snap
	}
	if err := json.Unmarshal([]byte(raw), &snap.Value); err != nil {
		s.log.Debug("Undecodable child", "id", msg.ID, "error", err)
		snap.Value = nil
	}
	return snap
}

func (s *RedisStorage) wrap(err error) error {
	if errors.Is(err, redis.ErrClosed) {
		return ErrClosed
	}
	return err
}

// Close はRedis接続を閉じる
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
