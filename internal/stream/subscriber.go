package stream

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tasukuchiba/chat_app/internal/models"
	"github.com/tasukuchiba/chat_app/internal/storage"
)

// State は購読の状態
type State int32

const (
	StateUnsubscribed State = iota
	StateSubscribing
	StateActive
)

func (s State) String() string {
	switch s {
	case StateUnsubscribed:
		return "unsubscribed"
	case StateSubscribing:
		return "subscribing"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// SubscribeOption は Subscribe のオプション
type SubscribeOption func(*Subscription)

// WithErrorHandler は通信エラーで購読が終了した時に呼ばれるコールバックを指定する
// 指定しない場合、通信エラーはログに出るだけで購読側からは見えない
func WithErrorHandler(fn func(error)) SubscribeOption {
	return func(s *Subscription) {
		s.onError = fn
	}
}

// Subscriber はメッセージログを購読する
type Subscriber struct {
	storage storage.Storage
	log     *slog.Logger
	path    string
}

// NewSubscriber は新しいSubscriberを作成する
func NewSubscriber(st storage.Storage, log *slog.Logger, path string) *Subscriber {
	if path == "" {
		path = DefaultPath
	}
	return &Subscriber{storage: st, log: log, path: path}
}

// Subscribe は既存のメッセージを古い順に、その後は追加されたメッセージを追加順に
// onMessage へ1件ずつ渡す。接続を待たずに返る。
//
// onMessage は1つのgoroutineから順番に呼ばれる。不正なレコードは通知されない。
func (s *Subscriber) Subscribe(onMessage func(models.Message), opts ...SubscribeOption) *Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{
		onMessage: onMessage,
		log:       s.log.With("path", s.path),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(sub)
	}
	sub.state.Store(int32(StateSubscribing))

	go sub.run(ctx, s.storage, s.path)
	return sub
}

// Subscription は1つの購読を表すハンドル
type Subscription struct {
	onMessage func(models.Message)
	onError   func(error)
	log       *slog.Logger
	cancel    context.CancelFunc
	state     atomic.Int32
	done      chan struct{}

	// mu はハンドラの呼び出し中に保持される
	mu     sync.Mutex
	closed bool
	err    error
}

func (s *Subscription) run(ctx context.Context, st storage.Storage, path string) {
	defer close(s.done)
	defer s.state.Store(int32(StateUnsubscribed))

	err := st.ObserveChildAdded(ctx, path, storage.Listener{
		OnConnected:  s.connected,
		OnChildAdded: s.deliver,
	})
	if err != nil && ctx.Err() == nil {
		s.log.Warn("Subscription lost", "error", err)
		s.fail(err)
		return
	}
	s.log.Debug("Subscription stopped")
}

func (s *Subscription) connected() {
	if s.state.CompareAndSwap(int32(StateSubscribing), int32(StateActive)) {
		s.log.Debug("Subscription active")
	}
}

func (s *Subscription) deliver(snap models.Snapshot) {
	msg, ok := models.MessageFromSnapshot(snap)
	if !ok {
		s.log.Debug("Skipping malformed record", "key", snap.Key)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.onMessage(msg)
}

func (s *Subscription) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	s.cancel()
	if s.onError != nil {
		s.onError(err)
	}
}

// Unsubscribe は配信を停止する。何度呼んでもよい
//
// 実行中のハンドラがあれば終わるまで待ち、戻った後にハンドラが呼ばれることはない。
// ハンドラの中から呼んではならない。
func (s *Subscription) Unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.cancel()
	s.state.Store(int32(StateUnsubscribed))
}

// State は現在の状態を返す
func (s *Subscription) State() State {
	return State(s.state.Load())
}

// Done は購読のgoroutineが終了するとクローズされる
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err は通信エラーで終了した場合にそのエラーを返す
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
