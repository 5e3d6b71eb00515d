package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/pb"
	"github.com/tasukuchiba/chat_app/internal/models"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// シーケンスを払い出す単位
	sequenceBandwidth = 100

	// 1回のスキャンで読む最大件数
	scanBatchSize = 256

	envelopeKey   = "key"
	envelopeValue = "value"
)

// BadgerStorage は子要素をBadgerDBに保存するストレージ
//
// キーは "child:{path}:{seq}" の形式で、seq は20桁ゼロ埋めのため辞書順が追加順になる。
// "key:{path}:{key}" は重複チェック用のインデックス。
type BadgerStorage struct {
	db      *badger.DB
	log     *slog.Logger
	resync  time.Duration
	writeMu sync.Mutex
	seqMu   sync.Mutex
	seqs    map[string]*badger.Sequence
	closed  atomic.Bool
}

// NewBadgerStorage は新しいBadgerStorageを作成する
// resync は Subscribe の通知を取りこぼした場合に備えた再スキャン間隔
func NewBadgerStorage(db *badger.DB, log *slog.Logger, resync time.Duration) *BadgerStorage {
	if resync <= 0 {
		resync = time.Second
	}
	return &BadgerStorage{
		db:     db,
		log:    log,
		resync: resync,
		seqs:   make(map[string]*badger.Sequence),
	}
}

func escapePath(path string) string {
	return url.QueryEscape(path)
}

func childPrefix(path string) []byte {
	return []byte("child:" + escapePath(path) + ":")
}

func childKey(path string, seq uint64) []byte {
	return []byte(fmt.Sprintf("child:%s:%020d", escapePath(path), seq))
}

func indexKey(path, key string) []byte {
	return []byte("key:" + escapePath(path) + ":" + key)
}

func (s *BadgerStorage) sequence(path string) (*badger.Sequence, error) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	if seq, ok := s.seqs[path]; ok {
		return seq, nil
	}
	seq, err := s.db.GetSequence([]byte("seq:"+escapePath(path)), sequenceBandwidth)
	if err != nil {
		return nil, err
	}
	s.seqs[path] = seq
	return seq, nil
}

// AppendChild は子要素を保存する
// 書き込みはプロセス内で直列化されるため、シーケンス順とコミット順は一致する
func (s *BadgerStorage) AppendChild(ctx context.Context, path string, key string, value models.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := encodeEnvelope(key, value)
	if err != nil {
		return fmt.Errorf("encode child %s: %w", key, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closed.Load() {
		return ErrClosed
	}
	seq, err := s.sequence(path)
	if err != nil {
		return fmt.Errorf("sequence for %s: %w", path, err)
	}
	n, err := seq.Next()
	if err != nil {
		return fmt.Errorf("next sequence for %s: %w", path, err)
	}

	ck := childKey(path, n)
	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(indexKey(path, key))
		switch {
		case err == nil:
			return ErrDuplicateKey
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		if err := txn.Set(indexKey(path, key), ck); err != nil {
			return err
		}
		return txn.Set(ck, payload)
	})
}

// ObserveChildAdded は前回通知したキー以降をスキャンし、Subscribeの通知ごとに再スキャンする
func (s *BadgerStorage) ObserveChildAdded(ctx context.Context, path string, l Listener) error {
	if s.closed.Load() {
		return ErrClosed
	}
	prefix := childPrefix(path)

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	wake := make(chan struct{}, 1)
	subErr := make(chan error, 1)
	go func() {
		subErr <- s.db.Subscribe(subCtx, func(*pb.KVList) error {
			select {
			case wake <- struct{}{}:
			default:
			}
			return nil
		}, []pb.Match{{Prefix: prefix}})
	}()

	l.connected()

	ticker := time.NewTicker(s.resync)
	defer ticker.Stop()

	var last []byte
	for {
		for {
			if s.closed.Load() {
				return ErrClosed
			}
			batch, next, err := s.scan(prefix, last)
			if err != nil {
				return fmt.Errorf("scan %s: %w", path, err)
			}
			for _, snap := range batch {
				if ctx.Err() != nil {
					return nil
				}
				l.OnChildAdded(snap)
			}
			last = next
			if len(batch) < scanBatchSize {
				break
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-wake:
		case <-ticker.C:
		case err := <-subErr:
			if ctx.Err() != nil {
				return nil
			}
			if err == nil {
				err = ErrClosed
			}
			return fmt.Errorf("badger subscribe %s: %w", path, err)
		}
	}
}

// scan は after より後ろの子要素を最大 scanBatchSize 件読む
func (s *BadgerStorage) scan(prefix, after []byte) ([]models.Snapshot, []byte, error) {
	var batch []models.Snapshot
	last := after
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		seek := prefix
		if after != nil {
			seek = after
		}
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			if after != nil && string(item.Key()) == string(after) {
				continue
			}
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			batch = append(batch, decodeEnvelope(value, s.log))
			last = item.KeyCopy(nil)
			if len(batch) == scanBatchSize {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, after, err
	}
	return batch, last, nil
}

// Close はシーケンスを解放する（DB自体のクローズは呼び出し元の責務）
func (s *BadgerStorage) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	var errs []error
	for path, seq := range s.seqs {
		if err := seq.Release(); err != nil {
			errs = append(errs, fmt.Errorf("release sequence %s: %w", path, err))
		}
	}
	return errors.Join(errs...)
}

func encodeEnvelope(key string, value models.Record) ([]byte, error) {
	inner, err := structpb.NewStruct(value)
	if err != nil {
		return nil, err
	}
	envelope := &structpb.Struct{Fields: map[string]*structpb.Value{
		envelopeKey:   structpb.NewStringValue(key),
		envelopeValue: structpb.NewStructValue(inner),
	}}
	return proto.Marshal(envelope)
}

// decodeEnvelope は壊れたデータでも Value=nil の Snapshot を返し、順序を崩さない
func decodeEnvelope(data []byte, log *slog.Logger) models.Snapshot {
	var envelope structpb.Struct
	if err := proto.Unmarshal(data, &envelope); err != nil {
		log.Debug("Undecodable child", "error", err)
		return models.Snapshot{}
	}
	snap := models.Snapshot{Key: envelope.GetFields()[envelopeKey].GetStringValue()}
	if inner := envelope.GetFields()[envelopeValue].GetStructValue(); inner != nil {
		snap.Value = models.Record(inner.AsMap())
	}
	return snap
}
