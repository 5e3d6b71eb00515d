package storage

import (
	"context"
	"sync"

	"github.com/tasukuchiba/chat_app/internal/models"
)

// MemoryStorage はメッセージをメモリ上に保存するストレージ
type MemoryStorage struct {
	mu       sync.RWMutex
	children map[string][]models.Snapshot
	keys     map[string]map[string]struct{}
	// 追加のたびにクローズして作り直す通知用チャネル
	changed chan struct{}
	closed  bool
}

// NewMemoryStorage は新しいMemoryStorageを作成する
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		children: make(map[string][]models.Snapshot),
		keys:     make(map[string]map[string]struct{}),
		changed:  make(chan struct{}),
	}
}

// AppendChild は子要素を末尾に追加する
func (s *MemoryStorage) AppendChild(ctx context.Context, path string, key string, value models.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if _, ok := s.keys[path][key]; ok {
		return ErrDuplicateKey
	}
	if s.keys[path] == nil {
		s.keys[path] = make(map[string]struct{})
	}
	s.keys[path][key] = struct{}{}
	s.children[path] = append(s.children[path], models.Snapshot{Key: key, Value: value.Clone()})

	close(s.changed)
	s.changed = make(chan struct{})
	return nil
}

// ObserveChildAdded は子要素を追加順に通知する
func (s *MemoryStorage) ObserveChildAdded(ctx context.Context, path string, l Listener) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	l.connected()

	next := 0
	for {
		s.mu.RLock()
		closed := s.closed
		batch := s.children[path][next:]
		changed := s.changed
		s.mu.RUnlock()

		// スライスは追記のみなので、ロック外で読んでも要素は変わらない
		for _, snap := range batch {
			if ctx.Err() != nil {
				return nil
			}
			l.OnChildAdded(models.Snapshot{Key: snap.Key, Value: snap.Value.Clone()})
		}
		next += len(batch)

		if closed {
			return ErrClosed
		}

		select {
		case <-ctx.Done():
			return nil
		case <-changed:
		}
	}
}

// Len は path 配下の子要素数を返す
func (s *MemoryStorage) Len(path string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.children[path])
}

// Close はストレージを閉じ、監視中のObserverにErrClosedを返させる
func (s *MemoryStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.changed)
	return nil
}
