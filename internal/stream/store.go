package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tasukuchiba/chat_app/internal/models"
	"github.com/tasukuchiba/chat_app/internal/storage"
)

// DefaultPath はメッセージを保存するコレクション名
const DefaultPath = "messages"

// ErrStoreClosed はクローズ後に Append された場合に完了通知で返されるエラー
var ErrStoreClosed = errors.New("store closed")

// AppendOption は Append のオプション
type AppendOption func(*appendRequest)

// WithTimestamp はメッセージの日時を指定する（省略時はAppend呼び出し時刻）
func WithTimestamp(t time.Time) AppendOption {
	return func(r *appendRequest) {
		r.date = t
	}
}

// WithCompletion は書き込みの成否を受け取るコールバックを指定する
// コールバックは一度だけ呼ばれる。通常は書き込み用goroutine上で呼ばれるが、
// Close 後の Append では呼び出し側のgoroutine上で ErrStoreClosed とともに Append が戻る前に呼ばれる
func WithCompletion(fn func(error)) AppendOption {
	return func(r *appendRequest) {
		r.onComplete = fn
	}
}

type appendRequest struct {
	id         string
	text       string
	date       time.Time
	onComplete func(error)
}

func (r appendRequest) complete(err error) {
	if r.onComplete != nil {
		r.onComplete(err)
	}
}

// Store は追記専用のメッセージストア
//
// Append は書き込みをキューに積んで即座にIDを返す。キューは1つのgoroutineが
// FIFOで処理するので、同じStoreからの書き込みは呼び出し順にコミットされる。
type Store struct {
	storage      storage.Storage
	log          *slog.Logger
	path         string
	writeTimeout time.Duration
	now          func() time.Time

	mu      sync.Mutex
	pending []appendRequest
	writing bool
	closed  bool
	drained chan struct{}

	wake chan struct{}
	done chan struct{}
}

// NewStore は新しいStoreを作成し、書き込み用goroutineを起動する
func NewStore(st storage.Storage, log *slog.Logger, path string, writeTimeout time.Duration) *Store {
	if path == "" {
		path = DefaultPath
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	s := &Store{
		storage:      st,
		log:          log,
		path:         path,
		writeTimeout: writeTimeout,
		now:          time.Now,
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	go s.run()
	return s
}

// Append はメッセージを追加し、採番したIDを返す
// 書き込みの完了は待たない。text の内容は検証しない（空文字も可）
func (s *Store) Append(text string, opts ...AppendOption) string {
	req := appendRequest{
		text: text,
		date: s.now(),
	}
	for _, opt := range opts {
		opt(&req)
	}

	// 採番とキューへの追加を同じロック内で行い、ID順とコミット順を揃える
	s.mu.Lock()
	req.id = uuid.Must(uuid.NewV7()).String()
	if s.closed {
		s.mu.Unlock()
		s.log.Warn("Append after close", "id", req.id)
		req.complete(ErrStoreClosed)
		return req.id
	}
	s.pending = append(s.pending, req)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return req.id
}

// AppendSync は Append して書き込みの完了を待つ
// ctx がキャンセルされても書き込み自体は取り消されない
func (s *Store) AppendSync(ctx context.Context, text string, opts ...AppendOption) (string, error) {
	result := make(chan error, 1)
	opts = append(opts, WithCompletion(func(err error) { result <- err }))
	id := s.Append(text, opts...)
	select {
	case err := <-result:
		return id, err
	case <-ctx.Done():
		return id, ctx.Err()
	}
}

// Flush はキューに積まれた書き込みが全て処理されるまで待つ
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.pending) == 0 && !s.writing {
		s.mu.Unlock()
		return nil
	}
	if s.drained == nil {
		s.drained = make(chan struct{})
	}
	drained := s.drained
	s.mu.Unlock()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close は新しい Append を受け付けなくし、残りの書き込みを処理してから停止する
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) run() {
	defer close(s.done)
	for {
		req, ok := s.next()
		if !ok {
			return
		}
		s.write(req)
	}
}

// next はキューの先頭を取り出す。空ならwakeを待ち、クローズ済みなら false を返す
func (s *Store) next() (appendRequest, bool) {
	for {
		s.mu.Lock()
		if len(s.pending) > 0 {
			req := s.pending[0]
			s.pending[0] = appendRequest{}
			s.pending = s.pending[1:]
			s.writing = true
			s.mu.Unlock()
			return req, true
		}
		s.writing = false
		s.pending = nil
		if s.drained != nil {
			close(s.drained)
			s.drained = nil
		}
		closed := s.closed
		s.mu.Unlock()

		if closed {
			return appendRequest{}, false
		}
		<-s.wake
	}
}

func (s *Store) write(req appendRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()

	err := s.storage.AppendChild(ctx, s.path, req.id, models.NewRecord(req.text, req.date))
	if err != nil {
		s.log.Warn("Write failed", "path", s.path, "id", req.id, "error", err)
	} else {
		s.log.Debug("Message appended", "path", s.path, "id", req.id)
	}
	req.complete(err)
}
