package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
	"github.com/tasukuchiba/chat_app/internal/models"
)

const (
	// NOTIFYのチャネル名（payloadはpath）
	notifyChannel = "child_added"

	// 一意制約違反のSQLSTATE
	uniqueViolation = "23505"

	listenerMinReconnect = 10 * time.Second
	listenerMaxReconnect = time.Minute
	listenerKeepalive    = 90 * time.Second
)

// PostgresStorage はメッセージをPostgreSQLに保存するストレージ
type PostgresStorage struct {
	db          *sql.DB
	databaseURL string
	log         *slog.Logger
}

// NewPostgresStorage は新しいPostgresStorageを作成する
func NewPostgresStorage(databaseURL string, log *slog.Logger) (*PostgresStorage, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}

	// 接続プール設定
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// 接続確認
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}

	storage := &PostgresStorage{db: db, databaseURL: databaseURL, log: log}

	// マイグレーション実行
	if err := storage.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return storage, nil
}

// migrate はデータベーススキーマを作成する
func (s *PostgresStorage) migrate() error {
	query := `
		CREATE TABLE IF NOT EXISTS children (
			seq BIGSERIAL PRIMARY KEY,
			path TEXT NOT NULL,
			key VARCHAR(64) NOT NULL,
			value JSONB NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now(),
			UNIQUE (path, key)
		);
		CREATE INDEX IF NOT EXISTS idx_children_path_seq ON children(path, seq);
	`
	_, err := s.db.Exec(query)
	return err
}

// AppendChild は子要素を保存し、監視中のリスナーに通知する
// path単位のアドバイザリロックでseqの採番順とコミット順を揃える
func (s *PostgresStorage) AppendChild(ctx context.Context, path string, key string, value models.Record) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode child %s: %w", key, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, path); err != nil {
		return err
	}

	query := `
		INSERT INTO children (path, key, value)
		VALUES ($1, $2, $3)
	`
	if _, err := tx.ExecContext(ctx, query, path, key, payload); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrDuplicateKey
		}
		return err
	}

	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, path); err != nil {
		return err
	}
	return tx.Commit()
}

// ObserveChildAdded は LISTEN child_added で追加を待ち、seq順に子要素を通知する
func (s *PostgresStorage) ObserveChildAdded(ctx context.Context, path string, l Listener) error {
	listener := pq.NewListener(s.databaseURL, listenerMinReconnect, listenerMaxReconnect,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				s.log.Warn("Postgres listener event", "event", ev, "error", err)
			}
		})
	defer func() { _ = listener.Close() }()

	if err := listener.Listen(notifyChannel); err != nil {
		return fmt.Errorf("listen %s: %w", notifyChannel, err)
	}
	l.connected()

	keepalive := time.NewTicker(listenerKeepalive)
	defer keepalive.Stop()

	var last int64
	for {
		next, err := s.deliverAfter(ctx, path, last, l.OnChildAdded)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		last = next

		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-listener.Notify:
			if !ok {
				return ErrClosed
			}
			// nilは再接続を表すので、取りこぼしに備えて再クエリする
			if n != nil && n.Extra != path {
				continue
			}
		case <-keepalive.C:
			if err := listener.Ping(); err != nil {
				return fmt.Errorf("listener ping: %w", err)
			}
		}
	}
}

// deliverAfter は seq > after の子要素を順に通知し、最後に通知したseqを返す
func (s *PostgresStorage) deliverAfter(ctx context.Context, path string, after int64, fn func(models.Snapshot)) (int64, error) {
	query := `
		SELECT seq, key, value
		FROM children
		WHERE path = $1 AND seq > $2
		ORDER BY seq ASC
	`
	rows, err := s.db.QueryContext(ctx, query, path, after)
	if err != nil {
		return after, err
	}
	defer rows.Close()

	var snaps []models.Snapshot
	last := after
	for rows.Next() {
		var (
			seq int64
			key string
			raw []byte
		)
		if err := rows.Scan(&seq, &key, &raw); err != nil {
			return after, err
		}
		snap := models.Snapshot{Key: key}
		if err := json.Unmarshal(raw, &snap.Value); err != nil {
			s.log.Debug("Undecodable child", "key", key, "error", err)
			snap.Value = nil
		}
		snaps = append(snaps, snap)
		last = seq
	}
	if err := rows.Err(); err != nil {
		return after, err
	}

	for _, snap := range snaps {
		if ctx.Err() != nil {
			return last, nil
		}
		fn(snap)
	}
	return last, nil
}

// Close はデータベース接続を閉じる
func (s *PostgresStorage) Close() error {
	return s.db.Close()
}
