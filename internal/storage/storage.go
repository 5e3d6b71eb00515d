//go:generate go run go.uber.org/mock/mockgen -source=storage.go -destination=../mocks/mock_storage.go -package=mocks
package storage

import (
	"context"
	"errors"

	"github.com/tasukuchiba/chat_app/internal/models"
)

var (
	// ErrClosed はストレージがクローズ済みの場合のエラー
	ErrClosed = errors.New("storage closed")

	// ErrDuplicateKey は同じパスに同じキーの子要素が既に存在する場合のエラー
	ErrDuplicateKey = errors.New("duplicate child key")
)

// Listener は ObserveChildAdded のコールバック
type Listener struct {
	// OnConnected はバックエンドへの接続が確立した時に一度だけ呼ばれる（nil可）
	OnConnected func()

	// OnChildAdded は子要素1件ごとに追加順で呼ばれる
	OnChildAdded func(models.Snapshot)
}

func (l Listener) connected() {
	if l.OnConnected != nil {
		l.OnConnected()
	}
}

// Storage はメッセージログを保持するバックエンドのインターフェース
type Storage interface {
	// AppendChild は path 配下に key の子要素を追加する
	// 子要素の順序はコミット順で決まる
	AppendChild(ctx context.Context, path string, key string, value models.Record) error

	// ObserveChildAdded は既存の子要素を古い順に通知した後、新しく追加された子要素を追加順に通知する
	// ctx がキャンセルされるまでブロックし、その場合は nil を返す
	// コールバックは呼び出し元のgoroutine上で順番に実行される
	ObserveChildAdded(ctx context.Context, path string, l Listener) error

	// Close はストレージを閉じる
	Close() error
}
